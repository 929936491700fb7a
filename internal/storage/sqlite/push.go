package sqlite

import (
	"context"
	"database/sql"
	"errors"

	plexus "github.com/plexushq/plexus/internal"
	"github.com/plexushq/plexus/internal/storage"
)

// UpsertPushConfig inserts or replaces a push notification config.
func (s *Store) UpsertPushConfig(ctx context.Context, c *plexus.PushConfig) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO a2a_push_notification_configs
		 (task_id, config_id, owner_key, endpoint, authentication, metadata, enabled, created_at_ms, updated_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(task_id, config_id) DO UPDATE SET
		 endpoint = excluded.endpoint, authentication = excluded.authentication,
		 metadata = excluded.metadata, enabled = excluded.enabled,
		 updated_at_ms = excluded.updated_at_ms`,
		c.TaskID, c.ConfigID, c.OwnerKey, c.Endpoint,
		string(c.Authentication), string(c.Metadata), boolToInt(c.Enabled),
		toMillis(c.CreatedAt), toMillis(c.UpdatedAt))
	return err
}

// GetPushConfig looks up one push config.
func (s *Store) GetPushConfig(ctx context.Context, taskID, configID string) (*plexus.PushConfig, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT task_id, config_id, owner_key, endpoint, authentication, metadata, enabled, created_at_ms, updated_at_ms
		 FROM a2a_push_notification_configs WHERE task_id = ? AND config_id = ?`,
		taskID, configID)
	c, err := scanPushConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return c, err
}

// ListPushConfigs returns a task's push configs ordered by config ID.
func (s *Store) ListPushConfigs(ctx context.Context, taskID string, enabledOnly bool) ([]*plexus.PushConfig, error) {
	query := `SELECT task_id, config_id, owner_key, endpoint, authentication, metadata, enabled, created_at_ms, updated_at_ms
		 FROM a2a_push_notification_configs WHERE task_id = ?`
	if enabledOnly {
		query += ` AND enabled = 1`
	}
	query += ` ORDER BY config_id ASC`

	rows, err := s.read.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*plexus.PushConfig
	for rows.Next() {
		c, err := scanPushConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeletePushConfig removes one push config.
func (s *Store) DeletePushConfig(ctx context.Context, taskID, configID string) error {
	res, err := s.write.ExecContext(ctx,
		`DELETE FROM a2a_push_notification_configs WHERE task_id = ? AND config_id = ?`,
		taskID, configID)
	if err != nil {
		return err
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

func scanPushConfig(row scanner) (*plexus.PushConfig, error) {
	var c plexus.PushConfig
	var auth, metadata string
	var enabled int
	var created, updated int64
	err := row.Scan(&c.TaskID, &c.ConfigID, &c.OwnerKey, &c.Endpoint,
		&auth, &metadata, &enabled, &created, &updated)
	if err != nil {
		return nil, err
	}
	c.Authentication = rawOrNil(auth)
	c.Metadata = rawOrNil(metadata)
	c.Enabled = enabled != 0
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	return &c, nil
}
