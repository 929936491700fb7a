package cooldown

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	plexus "github.com/plexushq/plexus/internal"
)

// Parser extracts a cooldown duration hint from a 429 error body.
// Returns (0, false) when the body carries no usable hint.
type Parser func(body []byte) (time.Duration, bool)

// parsers is keyed by provider name; dialect fallbacks cover providers
// without a dedicated entry.
var parsers = map[string]Parser{
	"anthropic": parseRetryPhrase,
	"openai":    parseRetryPhrase,
	"gemini":    parseGoogleRetryInfo,
	"google":    parseGoogleRetryInfo,
	"naga":      parseNagaRetryAfter,
}

var dialectParsers = map[plexus.APIType]Parser{
	plexus.APIChat:     parseRetryPhrase,
	plexus.APIMessages: parseRetryPhrase,
	plexus.APIGemini:   parseGoogleRetryInfo,
}

// ParseRetryHint consults the parser registry for the provider, falling back
// to its dialect's parser. No hint means the default cooldown applies.
func ParseRetryHint(p *plexus.ProviderConfig, dialect plexus.APIType, body []byte) (time.Duration, bool) {
	if p != nil {
		if fn, ok := parsers[strings.ToLower(p.Name)]; ok {
			return fn(body)
		}
	}
	if fn, ok := dialectParsers[dialect]; ok {
		return fn(body)
	}
	return 0, false
}

// retryPhrase matches the "try again in 20s" / "retry after 3.5 seconds"
// wording OpenAI and Anthropic put in rate-limit messages.
var retryPhrase = regexp.MustCompile(`(?i)(?:try again|retry) (?:in|after) ([0-9]+(?:\.[0-9]+)?)\s*(ms|s|m\b|sec|seconds?|minutes?)`)

func parseRetryPhrase(body []byte) (time.Duration, bool) {
	msg := gjson.GetBytes(body, "error.message").Str
	if msg == "" {
		msg = string(body)
	}
	m := retryPhrase.FindStringSubmatch(msg)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	var unit time.Duration
	switch {
	case m[2] == "ms":
		unit = time.Millisecond
	case strings.HasPrefix(m[2], "m"):
		unit = time.Minute
	default:
		unit = time.Second
	}
	d := time.Duration(n * float64(unit))
	if d <= 0 {
		return 0, false
	}
	return d, true
}

// parseGoogleRetryInfo reads the google.rpc.RetryInfo detail Gemini attaches
// to RESOURCE_EXHAUSTED errors, e.g. {"retryDelay": "27s"}.
func parseGoogleRetryInfo(body []byte) (time.Duration, bool) {
	var delay string
	gjson.GetBytes(body, "error.details").ForEach(func(_, detail gjson.Result) bool {
		if strings.HasSuffix(detail.Get("@type").Str, "google.rpc.RetryInfo") {
			delay = detail.Get("retryDelay").Str
			return false
		}
		return true
	})
	if delay == "" {
		return 0, false
	}
	d, err := time.ParseDuration(delay)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

// parseNagaRetryAfter reads the numeric error.retry_after (seconds) field
// Naga-style aggregators return.
func parseNagaRetryAfter(body []byte) (time.Duration, bool) {
	r := gjson.GetBytes(body, "error.retry_after")
	if !r.Exists() || r.Float() <= 0 {
		return 0, false
	}
	return time.Duration(r.Float() * float64(time.Second)), true
}
