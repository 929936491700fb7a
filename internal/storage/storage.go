// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"
	"errors"
	"time"

	plexus "github.com/plexushq/plexus/internal"
)

// Sentinel errors shared by all implementations.
var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned on unique-constraint violations.
	ErrConflict = errors.New("storage: conflict")
)

// UsageStore manages usage record persistence.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []plexus.UsageRecord) error
	SumUsageCost(ctx context.Context, apiKey string, since time.Time) (float64, error)
}

// CooldownStore persists failure cooldowns. Upserts are atomic per key.
type CooldownStore interface {
	UpsertCooldown(ctx context.Context, e *plexus.CooldownEntry) error
	// DeleteCooldowns removes entries matching the given prefix; empty model
	// or account act as wildcards.
	DeleteCooldowns(ctx context.Context, provider, model, accountID string) error
	ListActiveCooldowns(ctx context.Context, now time.Time) ([]*plexus.CooldownEntry, error)
	DeleteExpiredCooldowns(ctx context.Context, now time.Time) error
}

// TaskStore persists A2A tasks and their event logs.
type TaskStore interface {
	CreateTask(ctx context.Context, t *plexus.Task) error
	GetTask(ctx context.Context, id string) (*plexus.Task, error)
	GetTaskByIdempotencyKey(ctx context.Context, scopedKey string) (*plexus.Task, error)
	ListTasks(ctx context.Context, ownerKey string, limit, offset int) ([]*plexus.Task, error)
	UpdateTask(ctx context.Context, t *plexus.Task) error
	// ClearIdempotencyKeys nulls out keys on tasks created before cutoff.
	ClearIdempotencyKeys(ctx context.Context, cutoff time.Time) (int64, error)

	// InsertTaskEvent fails with ErrConflict when (taskID, sequence) exists.
	InsertTaskEvent(ctx context.Context, ev *plexus.TaskEvent) error
	MaxEventSequence(ctx context.Context, taskID string) (int64, error)
	ListTaskEvents(ctx context.Context, taskID string, afterSequence int64, limit int) ([]*plexus.TaskEvent, error)
}

// PushConfigStore persists push notification configs. Authentication blobs
// are stored as given; encryption happens above this layer.
type PushConfigStore interface {
	UpsertPushConfig(ctx context.Context, c *plexus.PushConfig) error
	GetPushConfig(ctx context.Context, taskID, configID string) (*plexus.PushConfig, error)
	ListPushConfigs(ctx context.Context, taskID string, enabledOnly bool) ([]*plexus.PushConfig, error)
	DeletePushConfig(ctx context.Context, taskID, configID string) error
}

// Store combines all storage interfaces.
type Store interface {
	UsageStore
	CooldownStore
	TaskStore
	PushConfigStore
	Close() error
}
