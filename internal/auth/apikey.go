// Package auth authenticates requests against the configured API keys.
// Successful lookups are cached in a W-TinyLFU cache keyed by secret hash.
package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"

	plexus "github.com/plexushq/plexus/internal"
	"github.com/plexushq/plexus/internal/config"
)

const (
	cacheTTL    = 30 * time.Second // short enough that a config reload takes effect promptly
	cacheMaxLen = 10_000
)

// AdminKeyHeader carries the admin key for cross-tenant access.
const AdminKeyHeader = "X-Admin-Key"

// Authenticator validates bearer tokens of the form "secret" or
// "secret:attribution" against the configured key list, and the admin key
// against the X-Admin-Key header.
type Authenticator struct {
	keys     []config.KeyEntry
	adminKey string
	cache    *otter.Cache[string, string] // sha256(secret) -> key name
}

// New builds an authenticator over the static key configuration.
func New(cfg config.AuthConfig) (*Authenticator, error) {
	c, err := otter.New(&otter.Options[string, string]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, string](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &Authenticator{keys: cfg.Keys, adminKey: cfg.AdminKey, cache: c}, nil
}

// Authenticate resolves the request's identity. The admin header wins over
// a bearer token when both are present.
func (a *Authenticator) Authenticate(r *http.Request) (*plexus.Scope, error) {
	if admin := r.Header.Get(AdminKeyHeader); admin != "" {
		if a.adminKey != "" && subtle.ConstantTimeCompare([]byte(admin), []byte(a.adminKey)) == 1 {
			return &plexus.Scope{KeyName: "admin", IsAdmin: true}, nil
		}
		return nil, plexus.ErrUnauthenticated
	}

	authz := r.Header.Get("Authorization")
	raw := strings.TrimPrefix(authz, "Bearer ")
	if raw == "" || raw == authz {
		return nil, plexus.ErrUnauthenticated
	}

	// The token is "secret" or "secret:attribution". Secrets never contain
	// a colon; anything after the first one is caller-chosen attribution.
	secret, attribution, _ := strings.Cut(raw, ":")
	name, err := a.resolveSecret(secret)
	if err != nil {
		return nil, err
	}
	return &plexus.Scope{KeyName: name, Attribution: attribution}, nil
}

// resolveSecret maps a secret to its configured key name.
func (a *Authenticator) resolveSecret(secret string) (string, error) {
	hash := plexus.HashSecret(secret)
	if name, ok := a.cache.GetIfPresent(hash); ok {
		return name, nil
	}
	// Compare against every configured key so timing does not reveal how
	// far down the list a match sits.
	var name string
	for _, k := range a.keys {
		if subtle.ConstantTimeCompare([]byte(secret), []byte(k.Secret)) == 1 && name == "" {
			name = k.Name
		}
	}
	if name == "" {
		return "", plexus.ErrUnauthenticated
	}
	a.cache.Set(hash, name)
	return name, nil
}
