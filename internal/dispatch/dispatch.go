// Package dispatch sends unified requests to their resolved upstream
// provider: it picks the upstream dialect, rotates OAuth accounts, builds
// the outbound body (transforming or passing through), and classifies
// failures into cooldowns.
package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/sjson"

	plexus "github.com/plexushq/plexus/internal"
	"github.com/plexushq/plexus/internal/cooldown"
	"github.com/plexushq/plexus/internal/transform"
)

const anthropicVersion = "2023-06-01"

// Dispatcher forwards requests to upstream providers.
type Dispatcher struct {
	client    *http.Client
	providers map[string]*plexus.ProviderConfig
	cooldowns *cooldown.Manager
	creds     CredentialStore
	rot       *rotator
	log       *slog.Logger
}

// New builds a dispatcher. creds may be nil when no provider uses OAuth.
func New(client *http.Client, providers map[string]*plexus.ProviderConfig, cd *cooldown.Manager, creds CredentialStore, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		client:    client,
		providers: providers,
		cooldowns: cd,
		creds:     creds,
		rot:       newRotator(cd),
		log:       log,
	}
}

// AccountFor returns the account-lookup function the router uses to include
// account-scoped cooldowns in target filtering. It peeks at the rotation
// without advancing it.
func (d *Dispatcher) AccountFor(model string) func(provider string) string {
	return func(provider string) string {
		pc, ok := d.providers[provider]
		if !ok || len(pc.OAuthAccountPool) == 0 {
			return ""
		}
		return d.rot.peek(pc, model)
	}
}

// DialectFor reports the upstream dialect Dispatch would use for req on
// route, force_transformer included. Callers use it to meter the outgoing
// dialect even when the dispatch itself fails.
func (d *Dispatcher) DialectFor(req *plexus.Request, route *plexus.Route) plexus.APIType {
	if route.ProviderConfig.ForceTransformer != "" {
		// Validity is checked at config load.
		api, _ := plexus.ParseAPIType(route.ProviderConfig.ForceTransformer)
		return api
	}
	return selectDialect(req, route)
}

// Dispatch sends req to the routed provider and returns the unified
// response. Streaming responses carry the raw upstream body in
// Response.Stream; the caller owns closing it.
func (d *Dispatcher) Dispatch(ctx context.Context, req *plexus.Request, route *plexus.Route) (*plexus.Response, error) {
	pc := route.ProviderConfig
	dialect := d.DialectFor(req, route)
	forced := pc.ForceTransformer != ""
	tr, ok := transform.ForProvider(pc, dialect)
	if !ok {
		return nil, plexus.NewError(plexus.CodeCapabilityNotSupported, "no transformer for dialect %q", dialect)
	}

	account := ""
	if pc.OAuthProvider != "" {
		var err error
		account, err = d.rot.pick(pc, route.Model)
		if err != nil {
			return nil, err
		}
		if req.Metadata == nil {
			req.Metadata = make(map[string]any)
		}
		req.Metadata["selected_oauth_account"] = account
	}

	upReq := *req
	upReq.Model = route.Model

	// Pass-through keeps the client's bytes when no dialect conversion is
	// needed. Envelope providers always re-encode.
	passThrough := !forced && req.IncomingAPI == dialect &&
		len(req.OriginalBody) > 0 && !transform.IsAntigravity(pc)

	body, err := d.buildBody(tr, &upReq, pc, passThrough)
	if err != nil {
		return nil, err
	}

	url, err := d.resolveURL(pc, dialect, tr.Endpoint(&upReq))
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if err := d.setHeaders(ctx, httpReq, pc, dialect, account, upReq.Stream); err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("dispatch to %s: %w", pc.Name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		d.classifyFailure(ctx, pc, route.Model, account, dialect, resp.StatusCode, errBody)
		return nil, &plexus.UpstreamError{Provider: pc.Name, StatusCode: resp.StatusCode, Body: string(errBody)}
	}

	info := plexus.RouteInfo{
		Provider:       pc.Name,
		Model:          route.Model,
		APIType:        dialect,
		Discount:       pc.Discount,
		CanonicalModel: route.CanonicalModel,
		IncomingAlias:  route.IncomingAlias,
		PassThrough:    passThrough,
		OAuthAccount:   account,
	}
	if route.ModelConfig != nil {
		info.Pricing = route.ModelConfig.Pricing
	}

	if upReq.Stream {
		return &plexus.Response{
			Model:                route.Model,
			Stream:               resp.Body,
			BypassTransformation: passThrough,
			Route:                info,
		}, nil
	}

	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", pc.Name, err)
	}
	d.log.Debug("upstream response",
		"provider", pc.Name, "model", route.Model, "duration", time.Since(start))

	out, err := tr.TransformResponse(raw)
	if err != nil {
		return nil, fmt.Errorf("transform %s response: %w", pc.Name, err)
	}
	if out.Model == "" {
		out.Model = route.Model
	}
	out.Route = info
	return out, nil
}

// buildBody produces the outbound JSON: the original client bytes with the
// model overridden on pass-through, the transformer's output otherwise.
// Provider extra_body keys shallow-merge over the result either way.
func (d *Dispatcher) buildBody(tr plexus.Transformer, req *plexus.Request, pc *plexus.ProviderConfig, passThrough bool) ([]byte, error) {
	var body []byte
	var err error
	if passThrough {
		body, err = sjson.SetBytes(bytes.Clone(req.OriginalBody), "model", req.Model)
		if err != nil {
			return nil, fmt.Errorf("override model: %w", err)
		}
	} else {
		body, err = tr.TransformRequest(req)
		if err != nil {
			return nil, fmt.Errorf("transform request for %s: %w", pc.Name, err)
		}
	}
	for k, v := range pc.ExtraBody {
		body, err = sjson.SetBytes(body, escapePath(k), v)
		if err != nil {
			return nil, fmt.Errorf("merge extra_body key %q: %w", k, err)
		}
	}
	return body, nil
}

// escapePath keeps extra_body keys literal: merging is shallow, a dotted
// key is a key, not a path.
func escapePath(k string) string {
	k = strings.ReplaceAll(k, `\`, `\\`)
	k = strings.ReplaceAll(k, `.`, `\.`)
	return strings.ReplaceAll(k, `*`, `\*`)
}

// resolveURL joins the provider base URL for the dialect with the endpoint
// path. Map-form base URLs fall back dialect -> "default" -> first key.
func (d *Dispatcher) resolveURL(pc *plexus.ProviderConfig, dialect plexus.APIType, endpoint string) (string, error) {
	base := pc.BaseURL.Single
	if base == "" {
		urls := pc.BaseURL.PerDialect
		if len(urls) == 0 {
			return "", fmt.Errorf("provider %s: no api_base_url configured", pc.Name)
		}
		var ok bool
		if base, ok = urls[string(dialect)]; !ok {
			if base, ok = urls["default"]; !ok {
				keys := make([]string, 0, len(urls))
				for k := range urls {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				base = urls[keys[0]]
				d.log.Warn("no base url for dialect, using first configured",
					"provider", pc.Name, "dialect", dialect, "used", keys[0])
			}
		}
	}
	return strings.TrimRight(base, "/") + endpoint, nil
}

// setHeaders applies content negotiation and credentials. Provider-level
// headers merge last so operators can override anything.
func (d *Dispatcher) setHeaders(ctx context.Context, httpReq *http.Request, pc *plexus.ProviderConfig, dialect plexus.APIType, account string, stream bool) error {
	h := httpReq.Header
	h.Set("Content-Type", "application/json")
	if stream {
		h.Set("Accept", "text/event-stream")
	} else {
		h.Set("Accept", "application/json")
	}

	switch {
	case pc.OAuthProvider != "":
		if d.creds == nil {
			return fmt.Errorf("provider %s: oauth configured but no credential store", pc.Name)
		}
		tok, err := d.creds.Token(ctx, pc.OAuthProvider, account)
		if err != nil {
			return err
		}
		if !tok.Expiry.IsZero() {
			left := time.Until(tok.Expiry)
			if left <= 0 {
				return fmt.Errorf("%w: %s/%s", plexus.ErrOAuthExpired, pc.OAuthProvider, account)
			}
			if left < 5*time.Minute {
				d.log.Warn("oauth token expiring soon",
					"oauth_provider", pc.OAuthProvider, "account", account, "expires_in", left.Round(time.Second))
			}
		}
		h.Set("Authorization", "Bearer "+tok.AccessToken)
	case dialect == plexus.APIMessages:
		h.Set("x-api-key", pc.APIKey)
		h.Set("anthropic-version", anthropicVersion)
	case dialect == plexus.APIGemini:
		h.Set("x-goog-api-key", pc.APIKey)
	default:
		if pc.APIKey != "" {
			h.Set("Authorization", "Bearer "+pc.APIKey)
		}
	}

	for k, v := range pc.Headers {
		h.Set(k, v)
	}
	return nil
}

// classifyFailure marks a cooldown for server errors and the retryable
// client statuses. 429 bodies are mined for an explicit retry hint; other
// statuses get the default cooldown.
func (d *Dispatcher) classifyFailure(ctx context.Context, pc *plexus.ProviderConfig, model, account string, dialect plexus.APIType, status int, body []byte) {
	switch {
	case status >= 500:
	case status == http.StatusUnauthorized, status == http.StatusForbidden,
		status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
	default:
		return
	}
	var dur time.Duration
	if status == http.StatusTooManyRequests {
		if hint, ok := cooldown.ParseRetryHint(pc, dialect, body); ok {
			dur = hint
		}
	}
	d.cooldowns.MarkFailure(ctx, pc.Name, model, account, dur)
}

// selectDialect picks the upstream dialect: the model's access_via list
// overrides the provider's type list; within the list a case-insensitive
// match on the incoming dialect wins, otherwise the first recognized entry.
func selectDialect(req *plexus.Request, route *plexus.Route) plexus.APIType {
	declared := []string(route.ProviderConfig.Type)
	if route.ModelConfig != nil && len(route.ModelConfig.AccessVia) > 0 {
		declared = route.ModelConfig.AccessVia
	}
	var first plexus.APIType
	for _, raw := range declared {
		api, ok := parseDialect(raw)
		if !ok {
			continue
		}
		if api == req.IncomingAPI {
			return api
		}
		if first == "" {
			first = api
		}
	}
	if first != "" {
		return first
	}
	// Nothing declared: mirror the client.
	return req.IncomingAPI
}

// parseDialect resolves a configured type name, mapping the antigravity
// pseudo-type onto the gemini dialect.
func parseDialect(raw string) (plexus.APIType, bool) {
	if strings.EqualFold(raw, "antigravity") {
		return plexus.APIGemini, true
	}
	return plexus.ParseAPIType(raw)
}
