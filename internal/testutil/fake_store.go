// Package testutil provides in-memory fakes for gateway interfaces.
package testutil

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	plexus "github.com/plexushq/plexus/internal"
	"github.com/plexushq/plexus/internal/storage"
)

// FakeStore is an in-memory implementation of storage.Store for testing.
// All collections behave like their SQLite counterparts, including unique
// constraints on task event sequences.
type FakeStore struct {
	mu        sync.RWMutex
	usage     []plexus.UsageRecord
	cooldowns map[string]*plexus.CooldownEntry
	tasks     map[string]*plexus.Task
	events    map[string][]*plexus.TaskEvent // keyed by task ID, sorted by sequence
	pushCfgs  map[string]*plexus.PushConfig  // keyed by taskID+"/"+configID
}

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		cooldowns: make(map[string]*plexus.CooldownEntry),
		tasks:     make(map[string]*plexus.Task),
		events:    make(map[string][]*plexus.TaskEvent),
		pushCfgs:  make(map[string]*plexus.PushConfig),
	}
}

// --- UsageStore ---

// InsertUsage appends usage records.
func (s *FakeStore) InsertUsage(_ context.Context, records []plexus.UsageRecord) error {
	s.mu.Lock()
	s.usage = append(s.usage, records...)
	s.mu.Unlock()
	return nil
}

// SumUsageCost sums cost_total for a key since the given time.
func (s *FakeStore) SumUsageCost(_ context.Context, apiKey string, since time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum float64
	for _, r := range s.usage {
		if r.APIKey == apiKey && !r.StartTime.Before(since) {
			sum += r.CostTotal
		}
	}
	return sum, nil
}

// Usage returns a copy of all recorded usage rows.
func (s *FakeStore) Usage() []plexus.UsageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]plexus.UsageRecord, len(s.usage))
	copy(out, s.usage)
	return out
}

// --- CooldownStore ---

// UpsertCooldown stores a cooldown entry.
func (s *FakeStore) UpsertCooldown(_ context.Context, e *plexus.CooldownEntry) error {
	cp := *e
	s.mu.Lock()
	s.cooldowns[plexus.CooldownKey(e.Provider, e.Model, e.AccountID)] = &cp
	s.mu.Unlock()
	return nil
}

// DeleteCooldowns removes entries matching the prefix; empty model or
// account act as wildcards.
func (s *FakeStore) DeleteCooldowns(_ context.Context, provider, model, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.cooldowns {
		if e.Provider != provider {
			continue
		}
		if model != "" && e.Model != model {
			continue
		}
		if accountID != "" && e.AccountID != accountID {
			continue
		}
		delete(s.cooldowns, key)
	}
	return nil
}

// ListActiveCooldowns returns entries expiring after now.
func (s *FakeStore) ListActiveCooldowns(_ context.Context, now time.Time) ([]*plexus.CooldownEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*plexus.CooldownEntry
	for _, e := range s.cooldowns {
		if e.Expiry.After(now) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// DeleteExpiredCooldowns drops entries with expiry at or before now.
func (s *FakeStore) DeleteExpiredCooldowns(_ context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.cooldowns {
		if !e.Expiry.After(now) {
			delete(s.cooldowns, key)
		}
	}
	return nil
}

// --- TaskStore ---

// CreateTask stores a task; duplicate IDs conflict.
func (s *FakeStore) CreateTask(_ context.Context, t *plexus.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID]; exists {
		return storage.ErrConflict
	}
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

// GetTask looks up a task by ID.
func (s *FakeStore) GetTask(_ context.Context, id string) (*plexus.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// GetTaskByIdempotencyKey looks up a task by its scoped idempotency key.
func (s *FakeStore) GetTaskByIdempotencyKey(_ context.Context, scopedKey string) (*plexus.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tasks {
		if t.IdempotencyKey != "" && t.IdempotencyKey == scopedKey {
			cp := *t
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

// ListTasks returns tasks for an owner (all owners when empty), newest first.
func (s *FakeStore) ListTasks(_ context.Context, ownerKey string, limit, offset int) ([]*plexus.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []*plexus.Task
	for _, t := range s.tasks {
		if ownerKey != "" && t.OwnerKey != ownerKey {
			continue
		}
		cp := *t
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// UpdateTask replaces a stored task.
func (s *FakeStore) UpdateTask(_ context.Context, t *plexus.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return storage.ErrNotFound
	}
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

// ClearIdempotencyKeys nulls keys on tasks created before cutoff.
func (s *FakeStore) ClearIdempotencyKeys(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, t := range s.tasks {
		if t.IdempotencyKey != "" && t.CreatedAt.Before(cutoff) {
			t.IdempotencyKey = ""
			n++
		}
	}
	return n, nil
}

// InsertTaskEvent appends an event, enforcing (taskID, sequence) uniqueness.
func (s *FakeStore) InsertTaskEvent(_ context.Context, ev *plexus.TaskEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events[ev.TaskID] {
		if e.Sequence == ev.Sequence {
			return storage.ErrConflict
		}
	}
	cp := *ev
	s.events[ev.TaskID] = append(s.events[ev.TaskID], &cp)
	sort.Slice(s.events[ev.TaskID], func(i, j int) bool {
		return s.events[ev.TaskID][i].Sequence < s.events[ev.TaskID][j].Sequence
	})
	return nil
}

// MaxEventSequence returns the highest sequence for a task, zero when none.
func (s *FakeStore) MaxEventSequence(_ context.Context, taskID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evs := s.events[taskID]
	if len(evs) == 0 {
		return 0, nil
	}
	return evs[len(evs)-1].Sequence, nil
}

// ListTaskEvents returns events with sequence > afterSequence, ascending.
func (s *FakeStore) ListTaskEvents(_ context.Context, taskID string, afterSequence int64, limit int) ([]*plexus.TaskEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*plexus.TaskEvent
	for _, e := range s.events[taskID] {
		if e.Sequence <= afterSequence {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// --- PushConfigStore ---

func pushKey(taskID, configID string) string { return taskID + "/" + configID }

// UpsertPushConfig stores a push config.
func (s *FakeStore) UpsertPushConfig(_ context.Context, c *plexus.PushConfig) error {
	cp := *c
	s.mu.Lock()
	s.pushCfgs[pushKey(c.TaskID, c.ConfigID)] = &cp
	s.mu.Unlock()
	return nil
}

// GetPushConfig looks up one push config.
func (s *FakeStore) GetPushConfig(_ context.Context, taskID, configID string) (*plexus.PushConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.pushCfgs[pushKey(taskID, configID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// ListPushConfigs returns configs for a task, sorted by config ID.
func (s *FakeStore) ListPushConfigs(_ context.Context, taskID string, enabledOnly bool) ([]*plexus.PushConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*plexus.PushConfig
	for key, c := range s.pushCfgs {
		if !strings.HasPrefix(key, taskID+"/") {
			continue
		}
		if enabledOnly && !c.Enabled {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConfigID < out[j].ConfigID })
	return out, nil
}

// DeletePushConfig removes one push config.
func (s *FakeStore) DeletePushConfig(_ context.Context, taskID, configID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pushKey(taskID, configID)
	if _, ok := s.pushCfgs[key]; !ok {
		return storage.ErrNotFound
	}
	delete(s.pushCfgs, key)
	return nil
}

// Close is a no-op.
func (s *FakeStore) Close() error { return nil }
