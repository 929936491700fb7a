package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/plexushq/plexus/internal/storage"
)

const janitorDefaultEvery = 10 * time.Minute

// CooldownJanitor periodically deletes expired cooldown rows so the table
// does not grow unbounded. The in-memory cooldown manager expires lazily;
// this only tidies durable state.
type CooldownJanitor struct {
	store storage.CooldownStore
	every time.Duration
}

// NewCooldownJanitor creates a janitor. every <= 0 applies the default.
func NewCooldownJanitor(store storage.CooldownStore, every time.Duration) *CooldownJanitor {
	if every <= 0 {
		every = janitorDefaultEvery
	}
	return &CooldownJanitor{store: store, every: every}
}

// Name returns the worker identifier.
func (j *CooldownJanitor) Name() string { return "cooldown_janitor" }

// Run deletes expired rows on a fixed interval until ctx is cancelled.
func (j *CooldownJanitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := j.store.DeleteExpiredCooldowns(ctx, time.Now()); err != nil {
				slog.Error("cooldown janitor sweep failed", "error", err)
			}
		}
	}
}
