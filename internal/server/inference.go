package server

import (
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	plexus "github.com/plexushq/plexus/internal"
	"github.com/plexushq/plexus/internal/pricing"
	"github.com/plexushq/plexus/internal/transform"
)

// maxBodySize bounds inference request bodies.
const maxBodySize = 20 << 20

// handleChatCompletions serves the OpenAI chat-completions dialect.
func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	s.handleInference(w, r, plexus.APIChat, "", false)
}

// handleMessages serves the Anthropic messages dialect.
func (s *server) handleMessages(w http.ResponseWriter, r *http.Request) {
	s.handleInference(w, r, plexus.APIMessages, "", false)
}

// handleGemini serves the Gemini generateContent dialect. The model and
// action arrive joined in one path segment: "gemini-pro:generateContent".
func (s *server) handleGemini(w http.ResponseWriter, r *http.Request) {
	modelAction := chi.URLParam(r, "modelAction")
	model, action, ok := strings.Cut(modelAction, ":")
	if !ok || model == "" {
		writeError(w, r, plexus.NewError(plexus.CodeInvalidRequest,
			"expected path of the form /v1beta/models/{model}:{action}"))
		return
	}
	switch action {
	case "generateContent":
		s.handleInference(w, r, plexus.APIGemini, model, false)
	case "streamGenerateContent":
		s.handleInference(w, r, plexus.APIGemini, model, true)
	default:
		writeError(w, r, plexus.NewError(plexus.CodeInvalidRequest,
			"unsupported action %q", action))
	}
}

// handleInference is the shared inference path: parse, route, dispatch, and
// either stream or format the response. urlModel and urlStream carry the
// gemini dialect's URL-borne model and streaming flag.
func (s *server) handleInference(w http.ResponseWriter, r *http.Request, api plexus.APIType, urlModel string, urlStream bool) {
	start := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, r, plexus.NewError(plexus.CodeInvalidRequest, "read request body: %v", err))
		return
	}

	tr, ok := transform.For(api)
	if !ok {
		writeError(w, r, plexus.NewError(plexus.CodeCapabilityNotSupported, "no transformer for dialect %q", api))
		return
	}
	req, err := tr.ParseRequest(body)
	if err != nil {
		writeError(w, r, plexus.NewError(plexus.CodeInvalidRequest, "%v", err))
		return
	}
	if urlModel != "" {
		req.Model = urlModel
	}
	if urlStream {
		req.Stream = true
	}
	if req.Model == "" {
		writeError(w, r, plexus.NewError(plexus.CodeInvalidRequest, "missing model"))
		return
	}
	req.RequestID = plexus.RequestIDFromContext(r.Context())

	route, err := s.deps.Router.Resolve(req.Model, s.deps.Dispatcher.AccountFor(req.Model))
	if err != nil {
		writeError(w, r, err)
		return
	}
	outgoing := s.deps.Dispatcher.DialectFor(req, route)

	resp, err := s.deps.Dispatcher.Dispatch(r.Context(), req, route)
	if s.deps.Metrics != nil {
		s.deps.Metrics.UpstreamDuration.WithLabelValues(route.Provider, route.Model).
			Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if s.deps.Metrics != nil {
			status := "0"
			if ue, ok := err.(*plexus.UpstreamError); ok {
				status = strconv.Itoa(ue.StatusCode)
			}
			s.deps.Metrics.UpstreamErrors.WithLabelValues(route.Provider, status).Inc()
		}
		s.recordUsage(r, req, route, outgoing, plexus.Usage{}, 0, start, false, 0, errorStatus(err))
		writeError(w, r, err)
		return
	}

	if resp.Stream != nil {
		s.streamResponse(w, r, tr, req, resp, start)
		return
	}

	// Some upstreams report reasoning content without reasoning token
	// counts; impute from the text so metering is not silently zero.
	if resp.ReasoningContent != "" && resp.Usage.ReasoningTokens == 0 && s.deps.Counter != nil {
		resp.Usage.ReasoningTokens = s.deps.Counter.CountText(resp.Model, resp.ReasoningContent)
	}

	cost := pricing.Cost(resp.Route.Pricing, resp.Usage, resp.Route.Discount)
	s.observeUsage(resp.Route, resp.Usage, cost)
	s.recordUsage(r, req, route, resp.Route.APIType, resp.Usage, cost, start, false, 0, "success")

	if resp.Route.PassThrough && len(resp.RawResponse) > 0 {
		w.Header()["Content-Type"] = jsonCT
		w.WriteHeader(http.StatusOK)
		w.Write(resp.RawResponse)
		return
	}
	out, err := tr.FormatResponse(resp)
	if err != nil {
		writeError(w, r, plexus.NewError(plexus.CodeInternalError, "format response: %v", err))
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

// observeUsage feeds token and cost metrics.
func (s *server) observeUsage(info plexus.RouteInfo, u plexus.Usage, cost float64) {
	m := s.deps.Metrics
	if m == nil {
		return
	}
	m.TokensProcessed.WithLabelValues(info.Model, "input").Add(float64(u.InputTokens))
	m.TokensProcessed.WithLabelValues(info.Model, "output").Add(float64(u.OutputTokens))
	if u.ReasoningTokens > 0 {
		m.TokensProcessed.WithLabelValues(info.Model, "reasoning").Add(float64(u.ReasoningTokens))
	}
	if cost > 0 {
		m.CostTotal.WithLabelValues(info.Provider, info.Model).Add(cost)
	}
}

// recordUsage emits the per-request metering row. Each terminated request
// produces exactly one row.
func (s *server) recordUsage(r *http.Request, req *plexus.Request, route *plexus.Route, outgoing plexus.APIType, u plexus.Usage, cost float64, start time.Time, streamed bool, ttftMs int64, status string) {
	if s.deps.Usage == nil {
		return
	}
	rec := plexus.UsageRecord{
		RequestID:       req.RequestID,
		SourceIP:        clientIP(r),
		APIKey:          apiKeyLabel(r),
		IncomingAPI:     string(req.IncomingAPI),
		OutgoingAPI:     string(outgoing),
		Provider:        route.Provider,
		IncomingAlias:   route.IncomingAlias,
		SelectedModel:   route.Model,
		TokensInput:     u.InputTokens,
		TokensOutput:    u.OutputTokens,
		TokensReasoning: u.ReasoningTokens,
		TokensCached:    u.CachedTokens,
		CostTotal:       cost,
		StartTime:       start,
		DurationMs:      time.Since(start).Milliseconds(),
		TTFTMs:          ttftMs,
		IsStreamed:      streamed,
		ResponseStatus:  status,
	}
	if dur := time.Since(start).Seconds(); dur > 0 && u.OutputTokens > 0 {
		rec.TokensPerSec = float64(u.OutputTokens) / dur
	}
	s.deps.Usage.Record(rec)
}

// apiKeyLabel renders the scope as "key" or "key:attribution" for metering.
func apiKeyLabel(r *http.Request) string {
	scope := plexus.ScopeFromContext(r.Context())
	if scope == nil {
		return ""
	}
	if scope.Attribution != "" {
		return scope.KeyName + ":" + scope.Attribution
	}
	return scope.KeyName
}

// clientIP extracts the remote address without the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// errorStatus maps a dispatch error to the usage record status column.
func errorStatus(err error) string {
	if ue, ok := err.(*plexus.UpstreamError); ok {
		return "HTTP " + strconv.Itoa(ue.StatusCode)
	}
	return "error"
}
