package a2a

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	plexus "github.com/plexushq/plexus/internal"
	"github.com/plexushq/plexus/internal/config"
	"github.com/plexushq/plexus/internal/testutil"
)

// TestMain pins endpoint hostname resolution to a fixture table so the
// package's tests never touch real DNS.
func TestMain(m *testing.M) {
	lookupIP = func(host string) ([]net.IP, error) {
		switch host {
		case "example.com", "hooks.example.com":
			return []net.IP{net.ParseIP("93.184.216.34")}, nil
		case "internal.example.com":
			return []net.IP{net.ParseIP("10.0.0.5")}, nil
		case "rebind.example.com":
			return []net.IP{net.ParseIP("93.184.216.34"), net.ParseIP("127.0.0.1")}, nil
		}
		return nil, errors.New("no such host")
	}
	os.Exit(m.Run())
}

func TestCheckEndpoint(t *testing.T) {
	t.Parallel()
	tests := []struct {
		endpoint      string
		allowInsecure bool
		wantErr       bool
	}{
		{"https://example.com/x", false, false},
		{"https://example.com:8443/hook", false, false},
		{"http://example.com/x", false, true},
		{"http://10.0.0.5/x", false, true},
		{"https://10.0.0.5/x", false, true},
		{"https://192.168.1.10/x", false, true},
		{"https://172.20.3.4/x", false, true},
		{"https://127.0.0.1/x", false, true},
		{"https://[::1]/x", false, true},
		{"https://localhost/x", false, true},
		{"https://printer.local/x", false, true},
		{"https://internal.example.com/x", false, true},
		{"https://rebind.example.com/x", false, true},
		{"https://unknown.example.net/x", false, true},
		{"ftp://example.com/x", false, true},
		{"https://", false, true},
		{"http://127.0.0.1:9999/x", true, false},
		{"http://10.0.0.5/x", true, false},
		{"http://internal.example.com/x", true, false},
		{"ftp://example.com/x", true, true},
	}
	for _, tt := range tests {
		err := CheckEndpoint(tt.endpoint, tt.allowInsecure)
		if (err != nil) != tt.wantErr {
			t.Errorf("CheckEndpoint(%q, insecure=%v) = %v, wantErr=%v",
				tt.endpoint, tt.allowInsecure, err, tt.wantErr)
		}
	}
}

// hookRecorder captures webhook deliveries.
type hookRecorder struct {
	mu     sync.Mutex
	bodies []string
	header http.Header
	status int
	hits   chan struct{}
}

func newHookRecorder() *hookRecorder {
	return &hookRecorder{status: http.StatusOK, hits: make(chan struct{}, 16)}
}

func (h *hookRecorder) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		h.mu.Lock()
		h.bodies = append(h.bodies, string(body))
		h.header = r.Header.Clone()
		status := h.status
		h.mu.Unlock()
		w.WriteHeader(status)
		h.hits <- struct{}{}
	}
}

func (h *hookRecorder) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.bodies)
}

func (h *hookRecorder) last() (string, http.Header) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bodies[len(h.bodies)-1], h.header
}

func insecureDeliverer(store *testutil.FakeStore) *Deliverer {
	return NewDeliverer(store, nil, config.A2AConfig{PushAllowInsecure: true}, discardLogger())
}

func testEvent(taskID string) *plexus.TaskEvent {
	return &plexus.TaskEvent{
		TaskID:    taskID,
		Sequence:  7,
		EventType: plexus.EventTaskStatusUpdate,
		Payload:   json.RawMessage(`{"state":"working"}`),
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestDeliverPostsEvent(t *testing.T) {
	t.Parallel()
	rec := newHookRecorder()
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	store := testutil.NewFakeStore()
	store.UpsertPushConfig(context.Background(), &plexus.PushConfig{
		TaskID:         "t1",
		ConfigID:       "c1",
		Endpoint:       srv.URL,
		Authentication: json.RawMessage(`{"scheme":"bearer","token":"hook-tok"}`),
		Metadata:       json.RawMessage(`{"env":"test"}`),
		Enabled:        true,
	})
	// Disabled configs receive nothing.
	store.UpsertPushConfig(context.Background(), &plexus.PushConfig{
		TaskID: "t1", ConfigID: "c2", Endpoint: srv.URL, Enabled: false,
	})

	d := insecureDeliverer(store)
	d.deliver(context.Background(), testEvent("t1"))

	if rec.count() != 1 {
		t.Fatalf("want exactly 1 delivery, got %d", rec.count())
	}
	body, header := rec.last()
	if gjson.Get(body, "configId").String() != "c1" ||
		gjson.Get(body, "taskId").String() != "t1" ||
		gjson.Get(body, "eventType").String() != "task-status-update" ||
		gjson.Get(body, "sequence").Int() != 7 {
		t.Fatalf("unexpected body: %s", body)
	}
	if gjson.Get(body, "payload.state").String() != "working" {
		t.Fatalf("payload not embedded: %s", body)
	}
	if gjson.Get(body, "metadata.env").String() != "test" {
		t.Fatalf("config metadata not embedded: %s", body)
	}
	if got := header.Get("Authorization"); got != "Bearer hook-tok" {
		t.Fatalf("Authorization = %q", got)
	}
	if ct := header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q", ct)
	}
}

func TestDeliverSignsWithHMAC(t *testing.T) {
	t.Parallel()
	rec := newHookRecorder()
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	store := testutil.NewFakeStore()
	store.UpsertPushConfig(context.Background(), &plexus.PushConfig{
		TaskID:         "t1",
		ConfigID:       "c1",
		Endpoint:       srv.URL,
		Authentication: json.RawMessage(`{"scheme":"hmac-sha256","secret":"shh"}`),
		Enabled:        true,
	})

	d := insecureDeliverer(store)
	d.deliver(context.Background(), testEvent("t1"))

	body, header := rec.last()
	mac := hmac.New(sha256.New, []byte("shh"))
	mac.Write([]byte(body))
	want := hex.EncodeToString(mac.Sum(nil))
	if got := header.Get(signatureHeader); got != want {
		t.Fatalf("signature = %q, want %q", got, want)
	}
}

func TestDeliverCustomHeaders(t *testing.T) {
	t.Parallel()
	rec := newHookRecorder()
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	store := testutil.NewFakeStore()
	store.UpsertPushConfig(context.Background(), &plexus.PushConfig{
		TaskID:         "t1",
		ConfigID:       "c1",
		Endpoint:       srv.URL,
		Authentication: json.RawMessage(`{"scheme":"headers","headers":{"X-Hook-Key":"abc"}}`),
		Enabled:        true,
	})

	d := insecureDeliverer(store)
	d.deliver(context.Background(), testEvent("t1"))

	_, header := rec.last()
	if got := header.Get("X-Hook-Key"); got != "abc" {
		t.Fatalf("X-Hook-Key = %q", got)
	}
}

func TestDeliverRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	rec := newHookRecorder()
	rec.status = http.StatusInternalServerError
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	store := testutil.NewFakeStore()
	store.UpsertPushConfig(context.Background(), &plexus.PushConfig{
		TaskID: "t1", ConfigID: "c1", Endpoint: srv.URL, Enabled: true,
	})

	go func() {
		<-rec.hits
		rec.mu.Lock()
		rec.status = http.StatusOK
		rec.mu.Unlock()
	}()

	d := insecureDeliverer(store)
	d.deliver(context.Background(), testEvent("t1"))

	if rec.count() != 2 {
		t.Fatalf("want 2 attempts (failure then success), got %d", rec.count())
	}
}

func TestDeliverRejectsPrivateEndpoint(t *testing.T) {
	t.Parallel()
	rec := newHookRecorder()
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	store := testutil.NewFakeStore()
	store.UpsertPushConfig(context.Background(), &plexus.PushConfig{
		TaskID: "t1", ConfigID: "c1", Endpoint: srv.URL, Enabled: true,
	})

	// Without the insecure override the loopback httptest URL is refused.
	d := NewDeliverer(store, nil, config.A2AConfig{}, discardLogger())
	d.deliver(context.Background(), testEvent("t1"))

	if rec.count() != 0 {
		t.Fatalf("delivery to a loopback endpoint went through %d times", rec.count())
	}
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	t.Parallel()
	d := NewDeliverer(testutil.NewFakeStore(), nil,
		config.A2AConfig{PushMaxQueueDepth: 1}, discardLogger())

	for i := 0; i < 3; i++ {
		d.Enqueue(testEvent("t1")) // must never block
	}
	if n := len(d.queue); n != 1 {
		t.Fatalf("queue depth = %d, want 1", n)
	}
}

func TestRunDrainsQueue(t *testing.T) {
	t.Parallel()
	rec := newHookRecorder()
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	store := testutil.NewFakeStore()
	store.UpsertPushConfig(context.Background(), &plexus.PushConfig{
		TaskID: "t1", ConfigID: "c1", Endpoint: srv.URL, Enabled: true,
	})

	d := insecureDeliverer(store)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	d.Enqueue(testEvent("t1"))
	select {
	case <-rec.hits:
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered by Run loop")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}
}
