package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	plexus "github.com/plexushq/plexus/internal"
	"github.com/plexushq/plexus/internal/cooldown"
	"github.com/plexushq/plexus/internal/testutil"
)

// upstream records the last request it served.
type upstream struct {
	mu     sync.Mutex
	path   string
	header http.Header
	body   []byte

	status   int
	response string
}

func (u *upstream) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		u.path = r.URL.Path
		u.header = r.Header.Clone()
		u.body = body
		u.mu.Unlock()
		if u.status != 0 {
			w.WriteHeader(u.status)
		}
		io.WriteString(w, u.response)
	})
}

func (u *upstream) last() (string, http.Header, []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.path, u.header, u.body
}

const chatResponse = `{"id":"chatcmpl-1","model":"m","choices":[{"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2}}`

const messagesResponse = `{"id":"msg_1","type":"message","role":"assistant","model":"m","content":[{"type":"text","text":"hi"}],"stop_reason":"end_turn","usage":{"input_tokens":3,"output_tokens":2}}`

// fakeCreds is an in-memory CredentialStore.
type fakeCreds struct {
	tokens map[string]*oauth2.Token
}

func (f *fakeCreds) Token(_ context.Context, provider, account string) (*oauth2.Token, error) {
	tok, ok := f.tokens[provider+"/"+account]
	if !ok {
		return nil, errors.New("no such credential")
	}
	return tok, nil
}

func newDispatcher(t *testing.T, providers map[string]*plexus.ProviderConfig, creds CredentialStore) (*Dispatcher, *cooldown.Manager) {
	t.Helper()
	cd := cooldown.NewManager(testutil.NewFakeStore(), time.Minute, slog.Default())
	return New(&http.Client{}, providers, cd, creds, slog.Default()), cd
}

func chatRoute(pc *plexus.ProviderConfig, model string) *plexus.Route {
	return &plexus.Route{Provider: pc.Name, Model: model, ProviderConfig: pc, IncomingAlias: model}
}

func TestDispatch_PassThrough(t *testing.T) {
	t.Parallel()
	up := &upstream{response: chatResponse}
	srv := httptest.NewServer(up.handler())
	defer srv.Close()

	pc := &plexus.ProviderConfig{
		Name:      "openrouter",
		Type:      plexus.StringList{"chat"},
		BaseURL:   plexus.BaseURL{Single: srv.URL + "/"},
		APIKey:    "sk-test",
		ExtraBody: map[string]any{"provider_routing": "price"},
	}
	d, _ := newDispatcher(t, map[string]*plexus.ProviderConfig{"openrouter": pc}, nil)

	req := &plexus.Request{
		Model:        "big",
		IncomingAPI:  plexus.APIChat,
		OriginalBody: []byte(`{"model":"big","messages":[{"role":"user","content":"hi"}],"top_p":0.9}`),
	}
	resp, err := d.Dispatch(context.Background(), req, chatRoute(pc, "deepseek/deepseek-v3"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !resp.Route.PassThrough {
		t.Error("expected pass-through route")
	}
	if resp.Content != "hi" || resp.Usage.InputTokens != 3 {
		t.Errorf("response = %+v", resp)
	}

	path, header, body := up.last()
	if path != "/chat/completions" {
		t.Errorf("path = %q", path)
	}
	if got := header.Get("Authorization"); got != "Bearer sk-test" {
		t.Errorf("Authorization = %q", got)
	}
	if got := header.Get("Accept"); got != "application/json" {
		t.Errorf("Accept = %q", got)
	}
	r := gjson.ParseBytes(body)
	if r.Get("model").Str != "deepseek/deepseek-v3" {
		t.Errorf("model not overridden: %s", body)
	}
	if r.Get("top_p").Float() != 0.9 {
		t.Errorf("original field lost: %s", body)
	}
	if r.Get("provider_routing").Str != "price" {
		t.Errorf("extra_body not merged: %s", body)
	}
}

func TestDispatch_TransformsAcrossDialects(t *testing.T) {
	t.Parallel()
	up := &upstream{response: messagesResponse}
	srv := httptest.NewServer(up.handler())
	defer srv.Close()

	pc := &plexus.ProviderConfig{
		Name:    "anthropic",
		Type:    plexus.StringList{"messages"},
		BaseURL: plexus.BaseURL{Single: srv.URL},
		APIKey:  "sk-ant",
	}
	d, _ := newDispatcher(t, map[string]*plexus.ProviderConfig{"anthropic": pc}, nil)

	req := &plexus.Request{
		Model:       "big",
		IncomingAPI: plexus.APIChat,
		Messages: []plexus.Message{
			{Role: "user", Content: []byte(`"hi"`)},
		},
		OriginalBody: []byte(`{"model":"big"}`),
	}
	resp, err := d.Dispatch(context.Background(), req, chatRoute(pc, "claude-sonnet-4"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if resp.Route.PassThrough {
		t.Error("cross-dialect dispatch must not pass through")
	}
	if resp.Route.APIType != plexus.APIMessages {
		t.Errorf("api type = %q", resp.Route.APIType)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("finish = %q", resp.FinishReason)
	}

	path, header, body := up.last()
	if path != "/v1/messages" {
		t.Errorf("path = %q", path)
	}
	if header.Get("x-api-key") != "sk-ant" || header.Get("anthropic-version") != anthropicVersion {
		t.Errorf("auth headers = %v", header)
	}
	if header.Get("Authorization") != "" {
		t.Error("messages dialect must not send a bearer token")
	}
	if gjson.GetBytes(body, "model").Str != "claude-sonnet-4" {
		t.Errorf("upstream body = %s", body)
	}
}

func TestDispatch_ForceTransformerDisablesPassThrough(t *testing.T) {
	t.Parallel()
	up := &upstream{response: messagesResponse}
	srv := httptest.NewServer(up.handler())
	defer srv.Close()

	pc := &plexus.ProviderConfig{
		Name:             "proxy",
		Type:             plexus.StringList{"chat"},
		ForceTransformer: "messages",
		BaseURL:          plexus.BaseURL{Single: srv.URL},
		APIKey:           "k",
	}
	d, _ := newDispatcher(t, map[string]*plexus.ProviderConfig{"proxy": pc}, nil)

	req := &plexus.Request{
		Model:        "big",
		IncomingAPI:  plexus.APIChat,
		Messages:     []plexus.Message{{Role: "user", Content: []byte(`"hi"`)}},
		OriginalBody: []byte(`{"model":"big"}`),
	}
	resp, err := d.Dispatch(context.Background(), req, chatRoute(pc, "claude-x"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if resp.Route.PassThrough {
		t.Error("force_transformer must disable pass-through")
	}
	path, _, body := up.last()
	if path != "/v1/messages" {
		t.Errorf("path = %q", path)
	}
	if !gjson.GetBytes(body, "max_tokens").Exists() {
		t.Errorf("body not in messages shape: %s", body)
	}
}

func TestDispatch_ProviderHeadersMergeLast(t *testing.T) {
	t.Parallel()
	up := &upstream{response: chatResponse}
	srv := httptest.NewServer(up.handler())
	defer srv.Close()

	pc := &plexus.ProviderConfig{
		Name:    "custom",
		Type:    plexus.StringList{"chat"},
		BaseURL: plexus.BaseURL{Single: srv.URL},
		APIKey:  "ignored",
		Headers: map[string]string{"Authorization": "Basic abc", "X-Title": "plexus"},
	}
	d, _ := newDispatcher(t, map[string]*plexus.ProviderConfig{"custom": pc}, nil)

	req := &plexus.Request{
		Model:       "m",
		IncomingAPI: plexus.APIChat,
		Messages:    []plexus.Message{{Role: "user", Content: []byte(`"hi"`)}},
	}
	if _, err := d.Dispatch(context.Background(), req, chatRoute(pc, "m")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	_, header, _ := up.last()
	if header.Get("Authorization") != "Basic abc" {
		t.Errorf("provider header did not win: %q", header.Get("Authorization"))
	}
	if header.Get("X-Title") != "plexus" {
		t.Errorf("custom header missing")
	}
}

func TestDispatch_FailureClassification(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		status   int
		body     string
		wantCool bool
	}{
		{"server error", 500, `boom`, true},
		{"unauthorized", 401, `{}`, true},
		{"rate limited", 429, `{"error":{"message":"try again in 2s"}}`, true},
		{"bad request", 400, `{}`, false},
		{"not found", 404, `{}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			up := &upstream{status: tc.status, response: tc.body}
			srv := httptest.NewServer(up.handler())
			defer srv.Close()

			pc := &plexus.ProviderConfig{
				Name:    "openai",
				Type:    plexus.StringList{"chat"},
				BaseURL: plexus.BaseURL{Single: srv.URL},
				APIKey:  "k",
			}
			d, cd := newDispatcher(t, map[string]*plexus.ProviderConfig{"openai": pc}, nil)

			req := &plexus.Request{
				Model:       "m",
				IncomingAPI: plexus.APIChat,
				Messages:    []plexus.Message{{Role: "user", Content: []byte(`"hi"`)}},
			}
			_, err := d.Dispatch(context.Background(), req, chatRoute(pc, "gpt-5"))
			var ue *plexus.UpstreamError
			if !errors.As(err, &ue) || ue.StatusCode != tc.status {
				t.Fatalf("err = %v, want UpstreamError %d", err, tc.status)
			}
			if healthy := cd.IsHealthy("openai", "gpt-5", ""); healthy == tc.wantCool {
				t.Errorf("IsHealthy = %v, wantCool %v", healthy, tc.wantCool)
			}
		})
	}
}

func TestDispatch_RateLimitHonorsRetryHint(t *testing.T) {
	t.Parallel()
	up := &upstream{status: 429, response: `{"error":{"message":"Rate limit reached, try again in 30s"}}`}
	srv := httptest.NewServer(up.handler())
	defer srv.Close()

	pc := &plexus.ProviderConfig{
		Name:    "openai",
		Type:    plexus.StringList{"chat"},
		BaseURL: plexus.BaseURL{Single: srv.URL},
		APIKey:  "k",
	}
	d, cd := newDispatcher(t, map[string]*plexus.ProviderConfig{"openai": pc}, nil)

	req := &plexus.Request{
		Model:       "m",
		IncomingAPI: plexus.APIChat,
		Messages:    []plexus.Message{{Role: "user", Content: []byte(`"hi"`)}},
	}
	if _, err := d.Dispatch(context.Background(), req, chatRoute(pc, "gpt-5")); err == nil {
		t.Fatal("expected error")
	}
	left := cd.Remaining("openai", "gpt-5", "")
	if left < 25*time.Second || left > 30*time.Second {
		t.Errorf("remaining = %v, want ~30s from the hint", left)
	}
}

func TestDispatch_OAuthRotation(t *testing.T) {
	t.Parallel()
	up := &upstream{response: chatResponse}
	srv := httptest.NewServer(up.handler())
	defer srv.Close()

	pc := &plexus.ProviderConfig{
		Name:             "copilot",
		Type:             plexus.StringList{"chat"},
		BaseURL:          plexus.BaseURL{Single: srv.URL},
		OAuthProvider:    "github",
		OAuthAccountPool: []string{"alice", "bob"},
	}
	creds := &fakeCreds{tokens: map[string]*oauth2.Token{
		"github/alice": {AccessToken: "tok-alice", Expiry: time.Now().Add(time.Hour)},
		"github/bob":   {AccessToken: "tok-bob", Expiry: time.Now().Add(time.Hour)},
	}}
	d, _ := newDispatcher(t, map[string]*plexus.ProviderConfig{"copilot": pc}, creds)

	var accounts []string
	for range 3 {
		req := &plexus.Request{
			Model:       "m",
			IncomingAPI: plexus.APIChat,
			Messages:    []plexus.Message{{Role: "user", Content: []byte(`"hi"`)}},
		}
		resp, err := d.Dispatch(context.Background(), req, chatRoute(pc, "gpt-5"))
		if err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
		accounts = append(accounts, resp.Route.OAuthAccount)
		if req.Metadata["selected_oauth_account"] != resp.Route.OAuthAccount {
			t.Errorf("metadata account = %v", req.Metadata["selected_oauth_account"])
		}
	}
	if accounts[0] != "alice" || accounts[1] != "bob" || accounts[2] != "alice" {
		t.Errorf("rotation = %v", accounts)
	}
	_, header, _ := up.last()
	if header.Get("Authorization") != "Bearer tok-alice" {
		t.Errorf("Authorization = %q", header.Get("Authorization"))
	}
}

func TestDispatch_OAuthSkipsCoolingAccounts(t *testing.T) {
	t.Parallel()
	up := &upstream{response: chatResponse}
	srv := httptest.NewServer(up.handler())
	defer srv.Close()

	pc := &plexus.ProviderConfig{
		Name:             "copilot",
		Type:             plexus.StringList{"chat"},
		BaseURL:          plexus.BaseURL{Single: srv.URL},
		OAuthProvider:    "github",
		OAuthAccountPool: []string{"alice", "bob"},
	}
	creds := &fakeCreds{tokens: map[string]*oauth2.Token{
		"github/alice": {AccessToken: "tok-alice", Expiry: time.Now().Add(time.Hour)},
		"github/bob":   {AccessToken: "tok-bob", Expiry: time.Now().Add(time.Hour)},
	}}
	d, cd := newDispatcher(t, map[string]*plexus.ProviderConfig{"copilot": pc}, creds)
	ctx := context.Background()

	cd.MarkFailure(ctx, "copilot", "gpt-5", "alice", time.Hour)
	req := &plexus.Request{
		Model:       "m",
		IncomingAPI: plexus.APIChat,
		Messages:    []plexus.Message{{Role: "user", Content: []byte(`"hi"`)}},
	}
	resp, err := d.Dispatch(ctx, req, chatRoute(pc, "gpt-5"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if resp.Route.OAuthAccount != "bob" {
		t.Errorf("account = %q, want bob", resp.Route.OAuthAccount)
	}

	cd.MarkFailure(ctx, "copilot", "gpt-5", "bob", time.Hour)
	_, err = d.Dispatch(ctx, req, chatRoute(pc, "gpt-5"))
	var cooling *plexus.AllAccountsCoolingError
	if !errors.As(err, &cooling) {
		t.Fatalf("err = %v, want AllAccountsCoolingError", err)
	}
	if len(cooling.RemainingSec) != 2 || cooling.RemainingSec["alice"] == 0 {
		t.Errorf("remaining = %v", cooling.RemainingSec)
	}
}

func TestDispatch_OAuthExpiredRefused(t *testing.T) {
	t.Parallel()
	up := &upstream{response: chatResponse}
	srv := httptest.NewServer(up.handler())
	defer srv.Close()

	pc := &plexus.ProviderConfig{
		Name:             "copilot",
		Type:             plexus.StringList{"chat"},
		BaseURL:          plexus.BaseURL{Single: srv.URL},
		OAuthProvider:    "github",
		OAuthAccountPool: []string{"alice"},
	}
	creds := &fakeCreds{tokens: map[string]*oauth2.Token{
		"github/alice": {AccessToken: "tok", Expiry: time.Now().Add(-time.Minute)},
	}}
	d, _ := newDispatcher(t, map[string]*plexus.ProviderConfig{"copilot": pc}, creds)

	req := &plexus.Request{
		Model:       "m",
		IncomingAPI: plexus.APIChat,
		Messages:    []plexus.Message{{Role: "user", Content: []byte(`"hi"`)}},
	}
	_, err := d.Dispatch(context.Background(), req, chatRoute(pc, "gpt-5"))
	if !errors.Is(err, plexus.ErrOAuthExpired) {
		t.Errorf("err = %v, want ErrOAuthExpired", err)
	}
}

func TestDispatch_StreamingReturnsRawBody(t *testing.T) {
	t.Parallel()
	const stream = "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\ndata: [DONE]\n\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("Accept = %q", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, stream)
	}))
	defer srv.Close()

	pc := &plexus.ProviderConfig{
		Name:    "openai",
		Type:    plexus.StringList{"chat"},
		BaseURL: plexus.BaseURL{Single: srv.URL},
		APIKey:  "k",
	}
	d, _ := newDispatcher(t, map[string]*plexus.ProviderConfig{"openai": pc}, nil)

	req := &plexus.Request{
		Model:        "m",
		IncomingAPI:  plexus.APIChat,
		Stream:       true,
		OriginalBody: []byte(`{"model":"m","stream":true}`),
	}
	resp, err := d.Dispatch(context.Background(), req, chatRoute(pc, "gpt-5"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if resp.Stream == nil {
		t.Fatal("missing stream body")
	}
	defer resp.Stream.Close()
	if !resp.BypassTransformation {
		t.Error("same-dialect stream should bypass transformation")
	}
	raw, _ := io.ReadAll(resp.Stream)
	if string(raw) != stream {
		t.Errorf("stream = %q", raw)
	}
}

func TestSelectDialect(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name      string
		types     []string
		accessVia []string
		incoming  plexus.APIType
		want      plexus.APIType
	}{
		{"incoming match wins", []string{"messages", "chat"}, nil, plexus.APIChat, plexus.APIChat},
		{"first when no match", []string{"messages", "gemini"}, nil, plexus.APIChat, plexus.APIMessages},
		{"case insensitive", []string{"OpenAI"}, nil, plexus.APIChat, plexus.APIChat},
		{"access_via overrides", []string{"chat"}, []string{"messages"}, plexus.APIChat, plexus.APIMessages},
		{"antigravity maps to gemini", []string{"antigravity"}, nil, plexus.APIChat, plexus.APIGemini},
		{"nothing declared mirrors client", nil, nil, plexus.APIMessages, plexus.APIMessages},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			route := &plexus.Route{
				ProviderConfig: &plexus.ProviderConfig{Name: "p", Type: plexus.StringList(tc.types)},
			}
			if len(tc.accessVia) > 0 {
				route.ModelConfig = &plexus.ModelConfig{AccessVia: tc.accessVia}
			}
			got := selectDialect(&plexus.Request{IncomingAPI: tc.incoming}, route)
			if got != tc.want {
				t.Errorf("selectDialect = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestResolveURL(t *testing.T) {
	t.Parallel()
	d := &Dispatcher{log: slog.Default()}

	pc := &plexus.ProviderConfig{
		Name: "multi",
		BaseURL: plexus.BaseURL{PerDialect: map[string]string{
			"chat":    "https://api.example.com/v1/",
			"default": "https://api.example.com/compat",
		}},
	}
	url, err := d.resolveURL(pc, plexus.APIChat, "/chat/completions")
	if err != nil || url != "https://api.example.com/v1/chat/completions" {
		t.Errorf("url = %q err = %v", url, err)
	}
	url, _ = d.resolveURL(pc, plexus.APIMessages, "/v1/messages")
	if url != "https://api.example.com/compat/v1/messages" {
		t.Errorf("default fallback url = %q", url)
	}

	onlyGemini := &plexus.ProviderConfig{
		Name:    "g",
		BaseURL: plexus.BaseURL{PerDialect: map[string]string{"gemini": "https://g.example.com"}},
	}
	url, _ = d.resolveURL(onlyGemini, plexus.APIChat, "/chat/completions")
	if url != "https://g.example.com/chat/completions" {
		t.Errorf("first-key fallback url = %q", url)
	}

	if _, err := d.resolveURL(&plexus.ProviderConfig{Name: "none"}, plexus.APIChat, "/x"); err == nil {
		t.Error("missing base url should error")
	}
}

func TestAccountFor_PeeksWithoutAdvancing(t *testing.T) {
	t.Parallel()
	pc := &plexus.ProviderConfig{
		Name:             "copilot",
		OAuthProvider:    "github",
		OAuthAccountPool: []string{"alice", "bob"},
	}
	d, cd := newDispatcher(t, map[string]*plexus.ProviderConfig{"copilot": pc}, nil)

	lookup := d.AccountFor("gpt-5")
	if got := lookup("copilot"); got != "alice" {
		t.Errorf("peek = %q", got)
	}
	if got := lookup("copilot"); got != "alice" {
		t.Errorf("second peek = %q, peeking must not advance", got)
	}
	cd.MarkFailure(context.Background(), "copilot", "gpt-5", "alice", time.Hour)
	if got := lookup("copilot"); got != "bob" {
		t.Errorf("peek past cooling = %q", got)
	}
	if got := lookup("unknown"); got != "" {
		t.Errorf("unknown provider = %q", got)
	}
}
