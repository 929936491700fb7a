// Package cooldown tracks failing (provider, model, account) tuples so the
// router can steer traffic away from them until they recover.
package cooldown

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	plexus "github.com/plexushq/plexus/internal"
	"github.com/plexushq/plexus/internal/storage"
)

// Manager is the in-memory cooldown table backed by durable storage. The map
// is the accelerator; the store is the source of truth across restarts.
type Manager struct {
	store storage.CooldownStore
	def   time.Duration
	log   *slog.Logger

	mu      sync.Mutex
	entries map[string]*plexus.CooldownEntry
}

// NewManager creates a manager with the given default cooldown duration.
func NewManager(store storage.CooldownStore, def time.Duration, log *slog.Logger) *Manager {
	if def <= 0 {
		def = 10 * time.Minute
	}
	return &Manager{
		store:   store,
		def:     def,
		log:     log,
		entries: make(map[string]*plexus.CooldownEntry),
	}
}

// Load rebuilds the in-memory table from storage, dropping expired rows.
// Call once at startup.
func (m *Manager) Load(ctx context.Context) error {
	now := time.Now()
	if err := m.store.DeleteExpiredCooldowns(ctx, now); err != nil {
		return err
	}
	active, err := m.store.ListActiveCooldowns(ctx, now)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range active {
		m.entries[plexus.CooldownKey(e.Provider, e.Model, e.AccountID)] = e
	}
	if len(active) > 0 {
		m.log.Info("loaded cooldowns", "count", len(active))
	}
	return nil
}

// MarkFailure records a cooldown for the tuple. d <= 0 applies the default.
// The entry is persisted before the map is updated so a crash between the
// two never loses a cooldown.
func (m *Manager) MarkFailure(ctx context.Context, provider, model, accountID string, d time.Duration) {
	if d <= 0 {
		d = m.def
	}
	now := time.Now()
	e := &plexus.CooldownEntry{
		Provider:  provider,
		Model:     model,
		AccountID: accountID,
		Expiry:    now.Add(d),
		CreatedAt: now,
	}
	if err := m.store.UpsertCooldown(ctx, e); err != nil {
		m.log.Error("persist cooldown", "provider", provider, "model", model, "error", err)
	}
	m.mu.Lock()
	m.entries[plexus.CooldownKey(provider, model, accountID)] = e
	m.mu.Unlock()
	m.log.Warn("cooldown marked",
		"provider", provider, "model", model, "account", accountID, "until", e.Expiry)
}

// IsHealthy reports whether the tuple is free to receive traffic. Expired
// entries are dropped from the map on access.
func (m *Manager) IsHealthy(provider, model, accountID string) bool {
	key := plexus.CooldownKey(provider, model, accountID)
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return true
	}
	if !e.Expiry.After(time.Now()) {
		delete(m.entries, key)
		return true
	}
	return false
}

// Remaining returns the time left on a tuple's cooldown, zero when healthy.
func (m *Manager) Remaining(provider, model, accountID string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[plexus.CooldownKey(provider, model, accountID)]
	if !ok {
		return 0
	}
	if left := time.Until(e.Expiry); left > 0 {
		return left
	}
	return 0
}

// Clear removes cooldowns matching the given prefix. Empty model clears the
// whole provider; empty accountID clears all accounts of (provider, model).
func (m *Manager) Clear(ctx context.Context, provider, model, accountID string) error {
	m.mu.Lock()
	for key := range m.entries {
		parts := strings.SplitN(key, ":", 3)
		if parts[0] != provider {
			continue
		}
		if model != "" && parts[1] != model {
			continue
		}
		if accountID != "" && parts[2] != accountID {
			continue
		}
		delete(m.entries, key)
	}
	m.mu.Unlock()
	return m.store.DeleteCooldowns(ctx, provider, model, accountID)
}

// FilterHealthy drops targets whose (provider, model, accountFor(provider))
// tuple is cooling. accountFor may be nil when no OAuth pools are in play.
func (m *Manager) FilterHealthy(targets []plexus.Target, accountFor func(provider string) string) []plexus.Target {
	healthy := make([]plexus.Target, 0, len(targets))
	for _, t := range targets {
		account := ""
		if accountFor != nil {
			account = accountFor(t.Provider)
		}
		if m.IsHealthy(t.Provider, t.Model, account) {
			healthy = append(healthy, t)
		}
	}
	return healthy
}

// ActiveCount reports how many tuples are currently cooling.
func (m *Manager) ActiveCount() int {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.Expiry.After(now) {
			n++
		}
	}
	return n
}

// Default returns the default cooldown duration.
func (m *Manager) Default() time.Duration { return m.def }
