package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	plexus "github.com/plexushq/plexus/internal"
	"github.com/plexushq/plexus/internal/config"
)

func newTestAuth(t *testing.T) *Authenticator {
	t.Helper()
	a, err := New(config.AuthConfig{
		Keys: []config.KeyEntry{
			{Name: "alice", Secret: "sk-alice-secret"},
			{Name: "bob", Secret: "sk-bob-secret"},
		},
		AdminKey: "admin-secret",
	})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func makeRequest(token string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func TestAuthenticate_ValidKey(t *testing.T) {
	t.Parallel()
	a := newTestAuth(t)

	scope, err := a.Authenticate(makeRequest("sk-alice-secret"))
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if scope.KeyName != "alice" || scope.Attribution != "" || scope.IsAdmin {
		t.Errorf("scope = %+v", scope)
	}
	if scope.OwnerKey() != "alice" {
		t.Errorf("OwnerKey = %q", scope.OwnerKey())
	}
}

func TestAuthenticate_AttributionSuffix(t *testing.T) {
	t.Parallel()
	a := newTestAuth(t)

	scope, err := a.Authenticate(makeRequest("sk-bob-secret:ci-pipeline"))
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if scope.KeyName != "bob" || scope.Attribution != "ci-pipeline" {
		t.Errorf("scope = %+v", scope)
	}
}

func TestAuthenticate_AttributionKeepsLaterColons(t *testing.T) {
	t.Parallel()
	a := newTestAuth(t)

	scope, err := a.Authenticate(makeRequest("sk-alice-secret:team:web"))
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if scope.Attribution != "team:web" {
		t.Errorf("attribution = %q", scope.Attribution)
	}
}

func TestAuthenticate_UnknownSecret(t *testing.T) {
	t.Parallel()
	a := newTestAuth(t)

	_, err := a.Authenticate(makeRequest("sk-wrong"))
	if !errors.Is(err, plexus.ErrUnauthenticated) {
		t.Errorf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestAuthenticate_MissingOrMalformedHeader(t *testing.T) {
	t.Parallel()
	a := newTestAuth(t)

	if _, err := a.Authenticate(makeRequest("")); !errors.Is(err, plexus.ErrUnauthenticated) {
		t.Errorf("no header: err = %v", err)
	}

	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	if _, err := a.Authenticate(r); !errors.Is(err, plexus.ErrUnauthenticated) {
		t.Errorf("basic auth: err = %v", err)
	}
}

func TestAuthenticate_AdminKey(t *testing.T) {
	t.Parallel()
	a := newTestAuth(t)

	r := httptest.NewRequest(http.MethodGet, "/a2a/tasks", nil)
	r.Header.Set(AdminKeyHeader, "admin-secret")
	scope, err := a.Authenticate(r)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !scope.IsAdmin || scope.KeyName != "admin" {
		t.Errorf("scope = %+v", scope)
	}
}

func TestAuthenticate_WrongAdminKey(t *testing.T) {
	t.Parallel()
	a := newTestAuth(t)

	r := httptest.NewRequest(http.MethodGet, "/a2a/tasks", nil)
	r.Header.Set(AdminKeyHeader, "nope")
	if _, err := a.Authenticate(r); !errors.Is(err, plexus.ErrUnauthenticated) {
		t.Errorf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestAuthenticate_AdminHeaderWinsOverBearer(t *testing.T) {
	t.Parallel()
	a := newTestAuth(t)

	r := makeRequest("sk-alice-secret")
	r.Header.Set(AdminKeyHeader, "admin-secret")
	scope, err := a.Authenticate(r)
	if err != nil {
		t.Fatal(err)
	}
	if !scope.IsAdmin {
		t.Error("admin header should take precedence")
	}
}

func TestAuthenticate_NoAdminKeyConfigured(t *testing.T) {
	t.Parallel()
	a, err := New(config.AuthConfig{Keys: []config.KeyEntry{{Name: "k", Secret: "s"}}})
	if err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest(http.MethodGet, "/a2a/tasks", nil)
	r.Header.Set(AdminKeyHeader, "")
	r.Header.Set("Authorization", "Bearer s")
	scope, err := a.Authenticate(r)
	if err != nil || scope.KeyName != "k" {
		t.Errorf("scope = %+v err = %v", scope, err)
	}

	r.Header.Set(AdminKeyHeader, "anything")
	if _, err := a.Authenticate(r); !errors.Is(err, plexus.ErrUnauthenticated) {
		t.Errorf("empty configured admin key must never match: %v", err)
	}
}

func TestAuthenticate_CacheHit(t *testing.T) {
	t.Parallel()
	a := newTestAuth(t)

	if _, err := a.Authenticate(makeRequest("sk-alice-secret")); err != nil {
		t.Fatal(err)
	}
	if _, ok := a.cache.GetIfPresent(plexus.HashSecret("sk-alice-secret")); !ok {
		t.Error("secret hash should be cached after a successful lookup")
	}
	scope, err := a.Authenticate(makeRequest("sk-alice-secret:later"))
	if err != nil || scope.KeyName != "alice" || scope.Attribution != "later" {
		t.Errorf("cached lookup scope = %+v err = %v", scope, err)
	}
}
