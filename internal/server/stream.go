package server

import (
	"bytes"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	plexus "github.com/plexushq/plexus/internal"
	"github.com/plexushq/plexus/internal/pricing"
	"github.com/plexushq/plexus/internal/sse"
	"github.com/plexushq/plexus/internal/transform"
)

const keepAliveInterval = 15 * time.Second

// streamResponse relays a streaming upstream body to the client, either raw
// (pass-through) or through the transform pipeline, and finalizes exactly
// one usage record when the stream ends.
func (s *server) streamResponse(w http.ResponseWriter, r *http.Request, clientTr plexus.Transformer, req *plexus.Request, resp *plexus.Response, start time.Time) {
	if resp.BypassTransformation {
		s.streamRaw(w, r, req, resp, start)
		return
	}
	s.streamTransformed(w, r, clientTr, req, resp, start)
}

// streamRaw copies upstream SSE bytes to the client unmodified, mining
// data frames for usage along the way.
func (s *server) streamRaw(w http.ResponseWriter, r *http.Request, req *plexus.Request, resp *plexus.Response, start time.Time) {
	var (
		usage   plexus.Usage
		sawText bool
		ttftMs  int64
		carry   []byte
		reason  = sse.TapCompleted
	)
	onChunk := func(b []byte) {
		carry = append(carry, b...)
		for {
			i := bytes.IndexByte(carry, '\n')
			if i < 0 {
				break
			}
			line := bytes.TrimSuffix(carry[:i], []byte("\r"))
			carry = carry[i+1:]
			if data, ok := bytes.CutPrefix(line, []byte("data: ")); ok {
				mineUsage(resp.Route.APIType, data, &usage)
				if !sawText && len(data) > 0 && !bytes.Equal(data, []byte("[DONE]")) {
					sawText = true
					ttftMs = time.Since(start).Milliseconds()
				}
			}
		}
	}
	tap := sse.NewTap(resp.Stream, onChunk, func(rn string) { reason = rn })

	sse.WriteHeaders(w)
	flusher, _ := w.(http.Flusher)

	buf := make([]byte, 32<<10)
	clientGone := false
	for {
		n, err := tap.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				clientGone = true
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			break
		}
	}
	tap.Close()
	if clientGone {
		reason = sse.TapCanceled
	}
	s.finishStream(r, req, resp, usage, start, ttftMs, reason)
}

// streamTransformed runs the upstream body through the provider transformer
// and re-emits the client dialect's framing.
func (s *server) streamTransformed(w http.ResponseWriter, r *http.Request, clientTr plexus.Transformer, req *plexus.Request, resp *plexus.Response, start time.Time) {
	upTr, ok := transform.For(resp.Route.APIType)
	if !ok {
		resp.Stream.Close()
		writeError(w, r, plexus.NewError(plexus.CodeCapabilityNotSupported,
			"no transformer for dialect %q", resp.Route.APIType))
		return
	}

	var (
		usage   plexus.Usage
		content strings.Builder
		ttftMs  int64
		reason  = sse.TapCompleted
	)
	tap := sse.NewTap(resp.Stream, nil, func(rn string) { reason = rn })
	chunks := upTr.TransformStream(r.Context(), tap)
	formatter := clientTr.NewStreamFormatter(req)

	sse.WriteHeaders(w)
	flusher, _ := w.(http.Flusher)
	keepalive := time.NewTicker(keepAliveInterval)
	defer keepalive.Stop()

	clientGone := false
loop:
	for {
		select {
		case c, open := <-chunks:
			if !open {
				break loop
			}
			if c.Usage != nil {
				// Stream usage is cumulative: set, never add.
				usage = *c.Usage
			}
			if c.ContentDelta != "" || c.ReasoningDelta != "" {
				if ttftMs == 0 {
					ttftMs = time.Since(start).Milliseconds()
				}
				content.WriteString(c.ContentDelta)
			}
			frames, err := formatter.Format(c)
			if err != nil {
				s.deps.Log.Warn("format stream chunk", "error", err)
				continue
			}
			for _, f := range frames {
				if _, werr := w.Write(f); werr != nil {
					clientGone = true
					break loop
				}
			}
			if len(frames) > 0 && flusher != nil {
				flusher.Flush()
			}
		case <-keepalive.C:
			sse.WriteKeepAlive(w)
			if flusher != nil {
				flusher.Flush()
			}
		case <-r.Context().Done():
			clientGone = true
			break loop
		}
	}

	if !clientGone {
		for _, f := range formatter.Flush() {
			w.Write(f)
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	tap.Close()
	if clientGone {
		reason = sse.TapCanceled
	}

	// Fall back to estimates when the upstream never reported usage.
	if usage.OutputTokens == 0 && s.deps.Counter != nil && content.Len() > 0 {
		usage.OutputTokens = s.deps.Counter.CountText(resp.Model, content.String())
	}
	s.finishStream(r, req, resp, usage, start, ttftMs, reason)
}

// finishStream closes out a streamed request: fills estimate gaps, feeds
// metrics, and writes the single usage record.
func (s *server) finishStream(r *http.Request, req *plexus.Request, resp *plexus.Response, usage plexus.Usage, start time.Time, ttftMs int64, reason string) {
	if usage.InputTokens == 0 && s.deps.Counter != nil {
		usage.InputTokens = s.deps.Counter.EstimateRequest(req.Model, req.Messages)
	}
	cost := pricing.Cost(resp.Route.Pricing, usage, resp.Route.Discount)
	s.observeUsage(resp.Route, usage, cost)

	status := "success"
	switch reason {
	case sse.TapCanceled:
		status = "client_disconnect"
	case sse.TapErrored:
		status = "error"
	}
	route := &plexus.Route{
		Provider:       resp.Route.Provider,
		Model:          resp.Route.Model,
		CanonicalModel: resp.Route.CanonicalModel,
		IncomingAlias:  resp.Route.IncomingAlias,
	}
	s.recordUsage(r, req, route, resp.Route.APIType, usage, cost, start, true, ttftMs, status)
}

// mineUsage extracts cumulative usage from a raw pass-through data frame.
// Each dialect reports usage under different keys; absent values leave the
// accumulated counts untouched.
func mineUsage(api plexus.APIType, data []byte, u *plexus.Usage) {
	res := gjson.ParseBytes(data)
	switch api {
	case plexus.APIChat:
		setIfPresent(res.Get("usage.prompt_tokens"), &u.InputTokens)
		setIfPresent(res.Get("usage.completion_tokens"), &u.OutputTokens)
		setIfPresent(res.Get("usage.prompt_tokens_details.cached_tokens"), &u.CachedTokens)
		setIfPresent(res.Get("usage.completion_tokens_details.reasoning_tokens"), &u.ReasoningTokens)
	case plexus.APIMessages:
		setIfPresent(res.Get("message.usage.input_tokens"), &u.InputTokens)
		setIfPresent(res.Get("message.usage.cache_read_input_tokens"), &u.CachedTokens)
		setIfPresent(res.Get("usage.input_tokens"), &u.InputTokens)
		setIfPresent(res.Get("usage.output_tokens"), &u.OutputTokens)
	case plexus.APIGemini:
		setIfPresent(res.Get("usageMetadata.promptTokenCount"), &u.InputTokens)
		setIfPresent(res.Get("usageMetadata.candidatesTokenCount"), &u.OutputTokens)
		setIfPresent(res.Get("usageMetadata.thoughtsTokenCount"), &u.ReasoningTokens)
		setIfPresent(res.Get("usageMetadata.cachedContentTokenCount"), &u.CachedTokens)
	}
}

func setIfPresent(res gjson.Result, dst *int) {
	if res.Exists() {
		*dst = int(res.Int())
	}
}
