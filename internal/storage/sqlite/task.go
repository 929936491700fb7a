package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	plexus "github.com/plexushq/plexus/internal"
	"github.com/plexushq/plexus/internal/storage"
)

const taskColumns = `id, context_id, owner_key, owner_attribution, agent_id,
	status_state, status_ts_ms, status_message,
	artifacts, metadata, latest_message, request_message,
	idempotency_key, error_code, error_message,
	submitted_at_ms, started_at_ms, completed_at_ms, canceled_at_ms,
	created_at_ms, updated_at_ms`

// CreateTask inserts a task row. Duplicate IDs or idempotency keys conflict.
func (s *Store) CreateTask(ctx context.Context, t *plexus.Task) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO a2a_tasks (`+taskColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ContextID, t.OwnerKey, t.OwnerAttribution, t.AgentID,
		string(t.Status.State), toMillis(t.Status.Timestamp), string(t.Status.Message),
		string(t.Artifacts), string(t.Metadata), string(t.LatestMessage), string(t.RequestMessage),
		nullIfEmpty(t.IdempotencyKey), t.ErrorCode, t.ErrorMessage,
		toMillis(t.SubmittedAt), toMillisPtr(t.StartedAt), toMillisPtr(t.CompletedAt), toMillisPtr(t.CanceledAt),
		toMillis(t.CreatedAt), toMillis(t.UpdatedAt))
	return conflict(err)
}

// GetTask looks up a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*plexus.Task, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM a2a_tasks WHERE id = ?`, id)
	return scanTask(row)
}

// GetTaskByIdempotencyKey looks up a task by its scoped idempotency key.
func (s *Store) GetTaskByIdempotencyKey(ctx context.Context, scopedKey string) (*plexus.Task, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM a2a_tasks WHERE idempotency_key = ?`, scopedKey)
	return scanTask(row)
}

// ListTasks returns tasks for an owner, newest first. An empty ownerKey
// lists across all owners (admin scope).
func (s *Store) ListTasks(ctx context.Context, ownerKey string, limit, offset int) ([]*plexus.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + taskColumns + ` FROM a2a_tasks`
	args := []any{}
	if ownerKey != "" {
		query += ` WHERE owner_key = ?`
		args = append(args, ownerKey)
	}
	query += ` ORDER BY created_at_ms DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*plexus.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTask rewrites the mutable columns of a task row.
func (s *Store) UpdateTask(ctx context.Context, t *plexus.Task) error {
	res, err := s.write.ExecContext(ctx,
		`UPDATE a2a_tasks SET
		 status_state = ?, status_ts_ms = ?, status_message = ?,
		 artifacts = ?, metadata = ?, latest_message = ?,
		 idempotency_key = ?, error_code = ?, error_message = ?,
		 started_at_ms = ?, completed_at_ms = ?, canceled_at_ms = ?, updated_at_ms = ?
		 WHERE id = ?`,
		string(t.Status.State), toMillis(t.Status.Timestamp), string(t.Status.Message),
		string(t.Artifacts), string(t.Metadata), string(t.LatestMessage),
		nullIfEmpty(t.IdempotencyKey), t.ErrorCode, t.ErrorMessage,
		toMillisPtr(t.StartedAt), toMillisPtr(t.CompletedAt), toMillisPtr(t.CanceledAt), toMillis(t.UpdatedAt),
		t.ID)
	if err != nil {
		return conflict(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ClearIdempotencyKeys nulls keys on tasks created before cutoff, returning
// the number of rows touched.
func (s *Store) ClearIdempotencyKeys(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.write.ExecContext(ctx,
		`UPDATE a2a_tasks SET idempotency_key = NULL
		 WHERE idempotency_key IS NOT NULL AND created_at_ms < ?`, toMillis(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*plexus.Task, error) {
	var t plexus.Task
	var state, statusMsg, artifacts, metadata, latest, request string
	var idem sql.NullString
	var statusTS, submitted, created, updated int64
	var started, completed, canceled sql.NullInt64

	err := row.Scan(
		&t.ID, &t.ContextID, &t.OwnerKey, &t.OwnerAttribution, &t.AgentID,
		&state, &statusTS, &statusMsg,
		&artifacts, &metadata, &latest, &request,
		&idem, &t.ErrorCode, &t.ErrorMessage,
		&submitted, &started, &completed, &canceled,
		&created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	t.Status = plexus.TaskStatus{
		State:     plexus.TaskState(state),
		Timestamp: fromMillis(statusTS),
		Message:   rawOrNil(statusMsg),
	}
	t.Artifacts = rawOrNil(artifacts)
	t.Metadata = rawOrNil(metadata)
	t.LatestMessage = rawOrNil(latest)
	t.RequestMessage = rawOrNil(request)
	t.IdempotencyKey = idem.String
	t.SubmittedAt = fromMillis(submitted)
	t.StartedAt = fromMillisPtr(started)
	t.CompletedAt = fromMillisPtr(completed)
	t.CanceledAt = fromMillisPtr(canceled)
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updated)
	return &t, nil
}

func rawOrNil(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

// InsertTaskEvent appends an event; (task_id, sequence) collisions surface
// as storage.ErrConflict so the caller can re-read the max and retry.
func (s *Store) InsertTaskEvent(ctx context.Context, ev *plexus.TaskEvent) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO a2a_task_events (task_id, sequence, event_type, payload, created_at_ms)
		 VALUES (?, ?, ?, ?, ?)`,
		ev.TaskID, ev.Sequence, ev.EventType, string(ev.Payload), toMillis(ev.CreatedAt))
	return conflict(err)
}

// MaxEventSequence returns the highest sequence for a task, zero when none.
func (s *Store) MaxEventSequence(ctx context.Context, taskID string) (int64, error) {
	var n int64
	err := s.read.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM a2a_task_events WHERE task_id = ?`, taskID,
	).Scan(&n)
	return n, err
}

// ListTaskEvents returns events with sequence > afterSequence, ascending.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string, afterSequence int64, limit int) ([]*plexus.TaskEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.read.QueryContext(ctx,
		`SELECT task_id, sequence, event_type, payload, created_at_ms
		 FROM a2a_task_events WHERE task_id = ? AND sequence > ?
		 ORDER BY sequence ASC LIMIT ?`, taskID, afterSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*plexus.TaskEvent
	for rows.Next() {
		var ev plexus.TaskEvent
		var payload string
		var created int64
		if err := rows.Scan(&ev.TaskID, &ev.Sequence, &ev.EventType, &payload, &created); err != nil {
			return nil, err
		}
		ev.Payload = rawOrNil(payload)
		ev.CreatedAt = fromMillis(created)
		out = append(out, &ev)
	}
	return out, rows.Err()
}
