// Package a2a implements the agent-to-agent task engine: task lifecycle,
// ordered event logs, idempotent submission, subscriptions, and push
// notification configs.
package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	plexus "github.com/plexushq/plexus/internal"
	"github.com/plexushq/plexus/internal/config"
	"github.com/plexushq/plexus/internal/storage"
)

const (
	// sweepInterval caps how often the lazy idempotency sweeper runs.
	sweepInterval = 10 * time.Minute
	// eventInsertRetries bounds the max+1 insert loop under contention.
	eventInsertRetries = 5
	// replayPageSize is the per-read batch when replaying an event backlog.
	replayPageSize = 1000
)

// Store is the persistence surface the task engine needs.
type Store interface {
	storage.TaskStore
	storage.PushConfigStore
}

// EventSink receives committed task events for out-of-process delivery.
type EventSink interface {
	Enqueue(ev *plexus.TaskEvent)
}

// Service owns A2A task semantics. All storage calls run under the
// configured DB timeout; a deadline hit surfaces as INTERNAL_ERROR.
type Service struct {
	store  Store
	cfg    config.A2AConfig
	bus    *Bus
	cipher *Cipher
	sink   EventSink
	log    *slog.Logger
	now    func() time.Time

	onTransition func(plexus.TaskState)

	sweepMu   sync.Mutex
	lastSweep time.Time
}

// NewService builds a task service. sink may be nil when push delivery is
// disabled.
func NewService(store Store, cfg config.A2AConfig, cipher *Cipher, sink EventSink, log *slog.Logger) *Service {
	if cfg.DBTimeout <= 0 {
		cfg.DBTimeout = 10 * time.Second
	}
	if cfg.IdempotencyRetention <= 0 {
		cfg.IdempotencyRetention = 24 * time.Hour
	}
	return &Service{
		store:  store,
		cfg:    cfg,
		bus:    NewBus(),
		cipher: cipher,
		sink:   sink,
		log:    log,
		now:    time.Now,
	}
}

// Bus exposes the live event bus for SSE handlers.
func (s *Service) Bus() *Bus { return s.bus }

// OnTransition registers a callback fired after every committed state
// change, task creation included. Call before serving traffic.
func (s *Service) OnTransition(fn func(plexus.TaskState)) { s.onTransition = fn }

func (s *Service) dbCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.DBTimeout)
}

func (s *Service) wrapDB(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return plexus.NewError(plexus.CodeInternalError, "database timeout").
			WithDetails(map[string]any{"retryable": true})
	}
	return err
}

// SendMessage submits a message, creating a task in state "submitted". When
// the caller supplies an idempotency key, a byte-equal resend within the
// retention window returns the original task; a different payload under the
// same key fails with IDEMPOTENCY_CONFLICT.
func (s *Service) SendMessage(ctx context.Context, scope *plexus.Scope, params *plexus.SendMessageParams) (*plexus.Task, error) {
	s.maybeSweep(ctx)

	if params == nil || len(params.Message) == 0 {
		return nil, plexus.NewError(plexus.CodeInvalidRequest, "message is required")
	}
	if !json.Valid(params.Message) {
		return nil, plexus.NewError(plexus.CodeInvalidRequest, "message is not valid JSON")
	}
	message := plexus.CanonicalJSON(params.Message)

	var sendCfg plexus.SendMessageConfiguration
	if params.Configuration != nil {
		sendCfg = *params.Configuration
	}

	var scopedKey string
	if sendCfg.IdempotencyKey != "" {
		scopedKey = plexus.ScopedIdempotencyKey(scope.OwnerKey(), sendCfg.IdempotencyKey)
		if t, err := s.replayIdempotent(ctx, scopedKey, message); t != nil || err != nil {
			return t, err
		}
	}

	if sendCfg.ContextID == "" {
		sendCfg.ContextID = uuid.Must(uuid.NewV7()).String()
	}

	now := s.now()
	t := &plexus.Task{
		ID:               uuid.Must(uuid.NewV7()).String(),
		ContextID:        sendCfg.ContextID,
		OwnerKey:         scope.OwnerKey(),
		OwnerAttribution: scope.Attribution,
		AgentID:          sendCfg.AgentID,
		Status:           plexus.TaskStatus{State: plexus.TaskSubmitted, Timestamp: now},
		Metadata:         plexus.CanonicalJSON(params.Metadata),
		LatestMessage:    message,
		RequestMessage:   message,
		IdempotencyKey:   scopedKey,
		SubmittedAt:      now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	dctx, cancel := s.dbCtx(ctx)
	err := s.store.CreateTask(dctx, t)
	cancel()
	if errors.Is(err, storage.ErrConflict) && scopedKey != "" {
		// Lost a race with an identical-key submission.
		if existing, rerr := s.replayIdempotent(ctx, scopedKey, message); existing != nil || rerr != nil {
			return existing, rerr
		}
		return nil, plexus.NewError(plexus.CodeIdempotencyConflict, "idempotency key contention")
	}
	if err != nil {
		return nil, s.wrapDB(err)
	}

	payload, _ := json.Marshal(t)
	if _, err := s.appendEvent(ctx, t.ID, plexus.EventTaskCreated, payload); err != nil {
		return nil, err
	}
	if s.onTransition != nil {
		s.onTransition(plexus.TaskSubmitted)
	}
	return t, nil
}

// replayIdempotent resolves an idempotency key against prior submissions.
// It returns (nil, nil) when the key is free to use, clearing it first when
// the prior task has aged out of the retention window.
func (s *Service) replayIdempotent(ctx context.Context, scopedKey string, message json.RawMessage) (*plexus.Task, error) {
	dctx, cancel := s.dbCtx(ctx)
	defer cancel()

	existing, err := s.store.GetTaskByIdempotencyKey(dctx, scopedKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, s.wrapDB(err)
	}

	if s.now().Sub(existing.CreatedAt) >= s.cfg.IdempotencyRetention {
		existing.IdempotencyKey = ""
		existing.UpdatedAt = s.now()
		if err := s.store.UpdateTask(dctx, existing); err != nil {
			return nil, s.wrapDB(err)
		}
		return nil, nil
	}

	if bytes.Equal(plexus.CanonicalJSON(existing.RequestMessage), message) {
		return existing, nil
	}
	return nil, plexus.NewError(plexus.CodeIdempotencyConflict,
		"idempotency key already used with a different message")
}

// GetTask returns a task visible to the scope. Tasks owned by other tenants
// read as not found.
func (s *Service) GetTask(ctx context.Context, scope *plexus.Scope, id string) (*plexus.Task, error) {
	return s.ownedTask(ctx, scope, id)
}

// ListTasks returns the scope's tasks, newest first. Admin lists all owners.
func (s *Service) ListTasks(ctx context.Context, scope *plexus.Scope, limit, offset int) ([]*plexus.Task, error) {
	owner := scope.OwnerKey()
	if scope.IsAdmin {
		owner = ""
	}
	dctx, cancel := s.dbCtx(ctx)
	defer cancel()
	tasks, err := s.store.ListTasks(dctx, owner, limit, offset)
	return tasks, s.wrapDB(err)
}

// CancelTask moves a task to canceled. Terminal tasks fail with
// INVALID_TASK_STATE.
func (s *Service) CancelTask(ctx context.Context, scope *plexus.Scope, id, reason string) (*plexus.Task, error) {
	if _, err := s.ownedTask(ctx, scope, id); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "canceled by client"
	}
	return s.transition(ctx, id, plexus.TaskCanceled, nil, reason, nil)
}

// Transition moves a task along a legal lifecycle edge, stamping the
// corresponding timestamps and recording a task-status-update event.
func (s *Service) Transition(ctx context.Context, taskID string, to plexus.TaskState, message json.RawMessage, reason string) (*plexus.Task, error) {
	return s.transition(ctx, taskID, to, message, reason, nil)
}

// Fail moves a task to failed, recording the error code and message.
func (s *Service) Fail(ctx context.Context, taskID, code, errMsg string) (*plexus.Task, error) {
	return s.transition(ctx, taskID, plexus.TaskFailed, nil, errMsg, func(t *plexus.Task) {
		t.ErrorCode = code
		t.ErrorMessage = errMsg
	})
}

func (s *Service) transition(ctx context.Context, taskID string, to plexus.TaskState, message json.RawMessage, reason string, mutate func(*plexus.Task)) (*plexus.Task, error) {
	dctx, cancel := s.dbCtx(ctx)
	t, err := s.store.GetTask(dctx, taskID)
	cancel()
	if errors.Is(err, storage.ErrNotFound) {
		return nil, plexus.NewError(plexus.CodeTaskNotFound, "task %s not found", taskID)
	}
	if err != nil {
		return nil, s.wrapDB(err)
	}

	from := t.Status.State
	if !plexus.CanTransition(from, to) {
		return nil, plexus.NewError(plexus.CodeInvalidTaskState,
			"cannot transition task from %s to %s", from, to).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}

	now := s.now()
	t.Status = plexus.TaskStatus{State: to, Timestamp: now, Message: message}
	if len(message) > 0 {
		t.LatestMessage = plexus.CanonicalJSON(message)
	}
	if to == plexus.TaskWorking && t.StartedAt == nil {
		t.StartedAt = &now
	}
	if to == plexus.TaskCanceled {
		t.CanceledAt = &now
	}
	if to.IsTerminal() {
		t.CompletedAt = &now
	}
	if mutate != nil {
		mutate(t)
	}
	t.UpdatedAt = now

	dctx, cancel = s.dbCtx(ctx)
	err = s.store.UpdateTask(dctx, t)
	cancel()
	if err != nil {
		return nil, s.wrapDB(err)
	}

	payload, _ := json.Marshal(map[string]any{
		"state":         string(to),
		"previousState": string(from),
		"timestamp":     now.UTC().Format(time.RFC3339Nano),
		"reason":        reason,
	})
	if _, err := s.appendEvent(ctx, t.ID, plexus.EventTaskStatusUpdate, payload); err != nil {
		return nil, err
	}
	if to.IsTerminal() {
		s.bus.CloseTask(t.ID)
	}
	if s.onTransition != nil {
		s.onTransition(to)
	}
	return t, nil
}

// AddArtifact appends an artifact-update event carrying the given payload.
func (s *Service) AddArtifact(ctx context.Context, taskID string, artifact json.RawMessage) (*plexus.TaskEvent, error) {
	return s.appendEvent(ctx, taskID, plexus.EventTaskArtifactUpdate, plexus.CanonicalJSON(artifact))
}

// appendEvent assigns the next dense sequence and inserts the event,
// retrying on sequence collisions with concurrent writers. Committed events
// are published to the bus and queued for push delivery.
func (s *Service) appendEvent(ctx context.Context, taskID, eventType string, payload json.RawMessage) (*plexus.TaskEvent, error) {
	for attempt := 0; attempt < eventInsertRetries; attempt++ {
		dctx, cancel := s.dbCtx(ctx)
		max, err := s.store.MaxEventSequence(dctx, taskID)
		if err != nil {
			cancel()
			return nil, s.wrapDB(err)
		}
		ev := &plexus.TaskEvent{
			TaskID:    taskID,
			Sequence:  max + 1,
			EventType: eventType,
			Payload:   payload,
			CreatedAt: s.now(),
		}
		err = s.store.InsertTaskEvent(dctx, ev)
		cancel()
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, s.wrapDB(err)
		}
		s.bus.Publish(ev)
		if s.sink != nil {
			s.sink.Enqueue(ev)
		}
		return ev, nil
	}
	return nil, plexus.NewError(plexus.CodeInternalError,
		"event sequence contention on task %s", taskID)
}

// Events returns a task's event log with sequence > afterSequence.
func (s *Service) Events(ctx context.Context, scope *plexus.Scope, taskID string, afterSequence int64, limit int) ([]*plexus.TaskEvent, error) {
	if _, err := s.ownedTask(ctx, scope, taskID); err != nil {
		return nil, err
	}
	dctx, cancel := s.dbCtx(ctx)
	defer cancel()
	evs, err := s.store.ListTaskEvents(dctx, taskID, afterSequence, limit)
	return evs, s.wrapDB(err)
}

// Subscribe returns the task, the replayed backlog after afterSequence, and
// a live channel. The live channel may repeat the tail of the replay when
// events land between the two reads; consumers must skip sequences they have
// already delivered. cancel must always be called.
func (s *Service) Subscribe(ctx context.Context, scope *plexus.Scope, taskID string, afterSequence int64) (*plexus.Task, []*plexus.TaskEvent, <-chan *plexus.TaskEvent, func(), error) {
	t, err := s.ownedTask(ctx, scope, taskID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	live, cancel := s.bus.Subscribe(taskID)

	// Page until the backlog is exhausted; a single capped read would drop
	// the gap between the cap and the first live event.
	var replay []*plexus.TaskEvent
	after := afterSequence
	for {
		dctx, dcancel := s.dbCtx(ctx)
		page, err := s.store.ListTaskEvents(dctx, taskID, after, replayPageSize)
		dcancel()
		if err != nil {
			cancel()
			return nil, nil, nil, nil, s.wrapDB(err)
		}
		replay = append(replay, page...)
		if len(page) < replayPageSize {
			break
		}
		after = page[len(page)-1].Sequence
	}
	return t, replay, live, cancel, nil
}

// ownedTask loads a task and enforces owner scoping. A scope mismatch reads
// as TASK_NOT_FOUND so tenants cannot probe for foreign task IDs.
func (s *Service) ownedTask(ctx context.Context, scope *plexus.Scope, id string) (*plexus.Task, error) {
	dctx, cancel := s.dbCtx(ctx)
	defer cancel()
	t, err := s.store.GetTask(dctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, plexus.NewError(plexus.CodeTaskNotFound, "task %s not found", id)
	}
	if err != nil {
		return nil, s.wrapDB(err)
	}
	if !scope.IsAdmin && t.OwnerKey != scope.OwnerKey() {
		return nil, plexus.NewError(plexus.CodeTaskNotFound, "task %s not found", id)
	}
	return t, nil
}

// maybeSweep clears aged-out idempotency keys, at most once per
// sweepInterval. Piggybacks on request traffic instead of a dedicated timer.
func (s *Service) maybeSweep(ctx context.Context) {
	s.sweepMu.Lock()
	if s.now().Sub(s.lastSweep) < sweepInterval {
		s.sweepMu.Unlock()
		return
	}
	s.lastSweep = s.now()
	s.sweepMu.Unlock()

	dctx, cancel := s.dbCtx(ctx)
	defer cancel()
	n, err := s.store.ClearIdempotencyKeys(dctx, s.now().Add(-s.cfg.IdempotencyRetention))
	if err != nil {
		s.log.Error("idempotency sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.log.Info("cleared expired idempotency keys", "count", n)
	}
}
