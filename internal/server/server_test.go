package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	plexus "github.com/plexushq/plexus/internal"
	"github.com/plexushq/plexus/internal/a2a"
	"github.com/plexushq/plexus/internal/auth"
	"github.com/plexushq/plexus/internal/config"
	"github.com/plexushq/plexus/internal/cooldown"
	"github.com/plexushq/plexus/internal/dispatch"
	"github.com/plexushq/plexus/internal/ratelimit"
	"github.com/plexushq/plexus/internal/router"
	"github.com/plexushq/plexus/internal/testutil"
	"github.com/plexushq/plexus/internal/tokencount"
)

const chatResponse = `{"id":"chatcmpl-1","model":"gpt-4o","choices":[{"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2}}`

// captureUsage collects usage records synchronously.
type captureUsage struct {
	mu   sync.Mutex
	recs []plexus.UsageRecord
}

func (c *captureUsage) Record(r plexus.UsageRecord) {
	c.mu.Lock()
	c.recs = append(c.recs, r)
	c.mu.Unlock()
}

func (c *captureUsage) all() []plexus.UsageRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]plexus.UsageRecord(nil), c.recs...)
}

type testEnv struct {
	handler http.Handler
	store   *testutil.FakeStore
	usage   *captureUsage
	tasks   *a2a.Service
}

// newTestEnv wires a full server over an in-memory store and the given
// upstream URL. Rate limits are generous unless the test overrides them.
func newTestEnv(t *testing.T, upstreamURL string, limCfg ratelimit.Config) *testEnv {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	authn, err := auth.New(config.AuthConfig{
		Keys:     []config.KeyEntry{{Name: "team-a", Secret: "secret-a"}},
		AdminKey: "admin-secret",
	})
	if err != nil {
		t.Fatal(err)
	}

	store := testutil.NewFakeStore()
	cd := cooldown.NewManager(store, time.Minute, log)

	providers := map[string]*plexus.ProviderConfig{
		"openai": {
			Name:    "openai",
			Type:    plexus.StringList{"chat"},
			BaseURL: plexus.BaseURL{Single: upstreamURL},
			APIKey:  "sk-upstream",
		},
	}
	models := []plexus.ModelConfig{{
		ID:      "big",
		Targets: []plexus.Target{{Provider: "openai", Model: "gpt-4o"}},
		Pricing: &plexus.Pricing{InputPerM: 1, OutputPerM: 2},
	}}

	rt := router.New(providers, models, cd, log)
	d := dispatch.New(&http.Client{}, providers, cd, nil, log)

	cipher, err := a2a.NewCipher("", "admin-secret", log)
	if err != nil {
		t.Fatal(err)
	}
	tasks := a2a.NewService(store, config.A2AConfig{
		DBTimeout:            time.Second,
		IdempotencyRetention: 24 * time.Hour,
		PushAllowInsecure:    true,
	}, cipher, nil, log)

	usage := &captureUsage{}
	h := New(Deps{
		Auth:       authn,
		Router:     rt,
		Dispatcher: d,
		Tasks:      tasks,
		Limiter:    ratelimit.New(limCfg),
		Usage:      usage,
		Counter:    tokencount.NewCounter(),
		Log:        log,
	})
	return &testEnv{handler: h, store: store, usage: usage, tasks: tasks}
}

func (e *testEnv) do(method, path, token, body string, header map[string]string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "http://unused", ratelimit.Config{})

	if rec := env.do(http.MethodGet, "/healthz", "", "", nil); rec.Code != http.StatusOK {
		t.Errorf("healthz = %d", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/readyz", "", "", nil); rec.Code != http.StatusOK {
		t.Errorf("readyz = %d", rec.Code)
	}
}

func TestReadyzReportsUnavailable(t *testing.T) {
	t.Parallel()
	h := New(Deps{
		ReadyCheck: func(context.Context) error { return errors.New("db down") },
		Log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz = %d, want 503", rec.Code)
	}
	if got := gjson.Get(rec.Body.String(), "reason").Str; got != "db down" {
		t.Errorf("reason = %q", got)
	}
}

func TestListModelsIsPublic(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "http://unused", ratelimit.Config{})

	rec := env.do(http.MethodGet, "/v1/models", "", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if gjson.Get(body, "object").Str != "list" {
		t.Errorf("object = %q", gjson.Get(body, "object").Str)
	}
	if gjson.Get(body, "data.0.id").Str != "big" {
		t.Errorf("data.0.id = %q", gjson.Get(body, "data.0.id").Str)
	}
	if gjson.Get(body, "data.0.owned_by").Str != "plexus" {
		t.Errorf("owned_by = %q", gjson.Get(body, "data.0.owned_by").Str)
	}
}

func TestInferenceRequiresAuth(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "http://unused", ratelimit.Config{})

	rec := env.do(http.MethodPost, "/v1/chat/completions", "",
		`{"model":"big","messages":[{"role":"user","content":"hi"}]}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if got := gjson.Get(rec.Body.String(), "error.code").Str; got != plexus.CodeUnauthenticated {
		t.Errorf("error.code = %q", got)
	}

	rec = env.do(http.MethodPost, "/v1/chat/completions", "wrong-secret",
		`{"model":"big","messages":[]}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token status = %d, want 401", rec.Code)
	}
}

func TestChatCompletions(t *testing.T) {
	t.Parallel()
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, chatResponse)
	}))
	defer up.Close()
	env := newTestEnv(t, up.URL, ratelimit.Config{})

	rec := env.do(http.MethodPost, "/v1/chat/completions", "secret-a",
		`{"model":"big","messages":[{"role":"user","content":"hi"}]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if got := gjson.Get(body, "choices.0.message.content").Str; got != "hi" {
		t.Errorf("content = %q", got)
	}

	recs := env.usage.all()
	if len(recs) != 1 {
		t.Fatalf("usage records = %d, want 1", len(recs))
	}
	u := recs[0]
	if u.APIKey != "team-a" || u.Provider != "openai" || u.SelectedModel != "gpt-4o" {
		t.Errorf("usage = %+v", u)
	}
	if u.IncomingAPI != "chat" || u.OutgoingAPI != "chat" {
		t.Errorf("api types = %q -> %q, want chat -> chat", u.IncomingAPI, u.OutgoingAPI)
	}
	if u.TokensInput != 3 || u.TokensOutput != 2 {
		t.Errorf("tokens = %d/%d", u.TokensInput, u.TokensOutput)
	}
	if u.CostTotal <= 0 {
		t.Errorf("cost = %v, want > 0", u.CostTotal)
	}
	if u.ResponseStatus != "success" || u.IsStreamed {
		t.Errorf("status = %q streamed = %v", u.ResponseStatus, u.IsStreamed)
	}
}

func TestChatCompletionsAttribution(t *testing.T) {
	t.Parallel()
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, chatResponse)
	}))
	defer up.Close()
	env := newTestEnv(t, up.URL, ratelimit.Config{})

	rec := env.do(http.MethodPost, "/v1/chat/completions", "secret-a:batch-job",
		`{"model":"big","messages":[{"role":"user","content":"hi"}]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	recs := env.usage.all()
	if len(recs) != 1 || recs[0].APIKey != "team-a:batch-job" {
		t.Errorf("usage api_key = %+v", recs)
	}
}

func TestChatCompletionsModelNotFound(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "http://unused", ratelimit.Config{})

	rec := env.do(http.MethodPost, "/v1/chat/completions", "secret-a",
		`{"model":"nope","messages":[{"role":"user","content":"hi"}]}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if got := gjson.Get(rec.Body.String(), "error.code").Str; got != plexus.CodeInvalidRequest {
		t.Errorf("error.code = %q", got)
	}
}

func TestUpstreamErrorMapsStatus(t *testing.T) {
	t.Parallel()
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"slow down"}}`)
	}))
	defer up.Close()
	env := newTestEnv(t, up.URL, ratelimit.Config{})

	rec := env.do(http.MethodPost, "/v1/chat/completions", "secret-a",
		`{"model":"big","messages":[{"role":"user","content":"hi"}]}`, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	body := rec.Body.String()
	if got := gjson.Get(body, "error.details.provider").Str; got != "openai" {
		t.Errorf("details.provider = %q", got)
	}

	recs := env.usage.all()
	if len(recs) != 1 || recs[0].ResponseStatus != "HTTP 429" {
		t.Errorf("usage = %+v", recs)
	}
	// The attempted dialect is metered even though dispatch failed.
	if recs[0].OutgoingAPI != "chat" {
		t.Errorf("outgoing api = %q, want chat", recs[0].OutgoingAPI)
	}
}

func TestGeminiPathParsing(t *testing.T) {
	t.Parallel()
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, chatResponse)
	}))
	defer up.Close()
	env := newTestEnv(t, up.URL, ratelimit.Config{})

	rec := env.do(http.MethodPost, "/v1beta/models/big:generateContent", "secret-a",
		`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	// The upstream speaks chat; the reply must come back in gemini shape.
	if got := gjson.Get(rec.Body.String(), "candidates.0.content.parts.0.text").Str; got != "hi" {
		t.Errorf("candidate text = %q", got)
	}

	// The usage row meters both sides of the dialect conversion.
	recs := env.usage.all()
	if len(recs) != 1 {
		t.Fatalf("usage records = %d, want 1", len(recs))
	}
	if recs[0].IncomingAPI != "gemini" || recs[0].OutgoingAPI != "chat" {
		t.Errorf("api types = %q -> %q, want gemini -> chat", recs[0].IncomingAPI, recs[0].OutgoingAPI)
	}

	rec = env.do(http.MethodPost, "/v1beta/models/big:bogusAction", "secret-a",
		`{"contents":[]}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bogus action status = %d, want 400", rec.Code)
	}
}

func TestStreamingChatPassThrough(t *testing.T) {
	t.Parallel()
	streamBody := "data: {\"id\":\"c1\",\"choices\":[{\"delta\":{\"content\":\"he\"}}]}\n\n" +
		"data: {\"id\":\"c1\",\"choices\":[{\"delta\":{\"content\":\"llo\"}}],\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":7}}\n\n" +
		"data: [DONE]\n\n"
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, streamBody)
	}))
	defer up.Close()
	env := newTestEnv(t, up.URL, ratelimit.Config{})

	rec := env.do(http.MethodPost, "/v1/chat/completions", "secret-a",
		`{"model":"big","stream":true,"messages":[{"role":"user","content":"hi"}]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if got := rec.Body.String(); got != streamBody {
		t.Errorf("body not passed through verbatim:\n%s", got)
	}

	recs := env.usage.all()
	if len(recs) != 1 {
		t.Fatalf("usage records = %d, want 1", len(recs))
	}
	u := recs[0]
	if !u.IsStreamed || u.ResponseStatus != "success" {
		t.Errorf("usage = %+v", u)
	}
	if u.TokensInput != 5 || u.TokensOutput != 7 {
		t.Errorf("mined tokens = %d/%d, want 5/7", u.TokensInput, u.TokensOutput)
	}
	if u.TTFTMs < 0 {
		t.Errorf("ttft = %d", u.TTFTMs)
	}
}

func TestInferenceRateLimited(t *testing.T) {
	t.Parallel()
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, chatResponse)
	}))
	defer up.Close()
	env := newTestEnv(t, up.URL, ratelimit.Config{Max: 1})

	body := `{"model":"big","messages":[{"role":"user","content":"hi"}]}`
	rec := env.do(http.MethodPost, "/v1/chat/completions", "secret-a", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("first: status = %d", rec.Code)
	}
	if got := rec.Header().Get("X-RateLimit-Limit"); got != "1" {
		t.Errorf("X-RateLimit-Limit = %q", got)
	}

	rec = env.do(http.MethodPost, "/v1/chat/completions", "secret-a", body, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second: status = %d, want 429", rec.Code)
	}
	if got := gjson.Get(rec.Body.String(), "error.code").Str; got != plexus.CodeRateLimited {
		t.Errorf("error.code = %q", got)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After not set")
	}
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "http://unused", ratelimit.Config{})

	rec := env.do(http.MethodGet, "/healthz", "", "", nil)
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("X-Request-Id not set")
	}

	rec = env.do(http.MethodGet, "/healthz", "", "", map[string]string{"X-Request-Id": "req-123"})
	if got := rec.Header().Get("X-Request-Id"); got != "req-123" {
		t.Errorf("X-Request-Id = %q, want echo of client value", got)
	}
}
