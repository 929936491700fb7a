package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"
	"golang.org/x/oauth2"

	plexus "github.com/plexushq/plexus/internal"
	"github.com/plexushq/plexus/internal/cooldown"
)

// CredentialStore supplies OAuth tokens for provider accounts.
type CredentialStore interface {
	Token(ctx context.Context, oauthProvider, accountID string) (*oauth2.Token, error)
}

// FileCredentialStore reads oauth2 token JSON from
// <dir>/<oauth_provider>/<account>.json. An external refresher process owns
// the files; a short-TTL cache keeps hot paths off the filesystem while
// still picking up refreshed tokens quickly.
type FileCredentialStore struct {
	dir   string
	cache *otter.Cache[string, *oauth2.Token]
}

// NewFileCredentialStore creates a store rooted at dir.
func NewFileCredentialStore(dir string) (*FileCredentialStore, error) {
	c, err := otter.New[string, *oauth2.Token](&otter.Options[string, *oauth2.Token]{
		MaximumSize:      1024,
		ExpiryCalculator: otter.ExpiryWriting[string, *oauth2.Token](30 * time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("create credential cache: %w", err)
	}
	return &FileCredentialStore{dir: dir, cache: c}, nil
}

// Token loads the token for (oauthProvider, accountID).
func (s *FileCredentialStore) Token(_ context.Context, oauthProvider, accountID string) (*oauth2.Token, error) {
	key := oauthProvider + "/" + accountID
	if tok, ok := s.cache.GetIfPresent(key); ok {
		return tok, nil
	}
	path := filepath.Join(s.dir, oauthProvider, accountID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read oauth credential %s: %w", key, err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("parse oauth credential %s: %w", key, err)
	}
	s.cache.Set(key, &tok)
	return &tok, nil
}

// rotator hands out OAuth accounts from each provider's pool in round-robin
// order, skipping accounts whose (provider, model, account) tuple is cooling.
type rotator struct {
	cooldowns *cooldown.Manager

	mu  sync.Mutex
	idx map[string]int
}

func newRotator(cd *cooldown.Manager) *rotator {
	return &rotator{cooldowns: cd, idx: make(map[string]int)}
}

// pick returns the next healthy account and advances the provider's rotation
// index past it. When every account is cooling it returns
// AllAccountsCoolingError with the seconds left per account.
func (r *rotator) pick(pc *plexus.ProviderConfig, model string) (string, error) {
	pool := pc.OAuthAccountPool
	if len(pool) == 0 {
		return "", nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	start := r.idx[pc.Name]
	for i := 0; i < len(pool); i++ {
		account := pool[(start+i)%len(pool)]
		if r.cooldowns.IsHealthy(pc.Name, model, account) {
			r.idx[pc.Name] = (start + i + 1) % len(pool)
			return account, nil
		}
	}
	remaining := make(map[string]int, len(pool))
	for _, account := range pool {
		remaining[account] = int(r.cooldowns.Remaining(pc.Name, model, account).Round(time.Second).Seconds())
	}
	return "", &plexus.AllAccountsCoolingError{Provider: pc.Name, RemainingSec: remaining}
}

// peek returns the account pick would choose without advancing the index.
// Empty when the pool is empty or fully cooling.
func (r *rotator) peek(pc *plexus.ProviderConfig, model string) string {
	pool := pc.OAuthAccountPool
	if len(pool) == 0 {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	start := r.idx[pc.Name]
	for i := 0; i < len(pool); i++ {
		account := pool[(start+i)%len(pool)]
		if r.cooldowns.IsHealthy(pc.Name, model, account) {
			return account
		}
	}
	return ""
}
