package sqlite

import (
	"context"
	"strings"
	"time"

	plexus "github.com/plexushq/plexus/internal"
)

// UpsertCooldown inserts or refreshes a cooldown row.
func (s *Store) UpsertCooldown(ctx context.Context, e *plexus.CooldownEntry) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO provider_cooldowns (provider, model, account_id, expiry_ms, created_at_ms)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(provider, model, account_id) DO UPDATE SET
		 expiry_ms = excluded.expiry_ms, created_at_ms = excluded.created_at_ms`,
		e.Provider, e.Model, e.AccountID, toMillis(e.Expiry), toMillis(e.CreatedAt))
	return err
}

// DeleteCooldowns removes rows matching the prefix; empty model or account
// act as wildcards.
func (s *Store) DeleteCooldowns(ctx context.Context, provider, model, accountID string) error {
	clauses := []string{"provider = ?"}
	args := []any{provider}
	if model != "" {
		clauses = append(clauses, "model = ?")
		args = append(args, model)
	}
	if accountID != "" {
		clauses = append(clauses, "account_id = ?")
		args = append(args, accountID)
	}
	_, err := s.write.ExecContext(ctx,
		`DELETE FROM provider_cooldowns WHERE `+strings.Join(clauses, " AND "), args...)
	return err
}

// ListActiveCooldowns returns rows expiring after now.
func (s *Store) ListActiveCooldowns(ctx context.Context, now time.Time) ([]*plexus.CooldownEntry, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT provider, model, account_id, expiry_ms, created_at_ms
		 FROM provider_cooldowns WHERE expiry_ms > ?`, toMillis(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*plexus.CooldownEntry
	for rows.Next() {
		var e plexus.CooldownEntry
		var expiry, created int64
		if err := rows.Scan(&e.Provider, &e.Model, &e.AccountID, &expiry, &created); err != nil {
			return nil, err
		}
		e.Expiry = fromMillis(expiry)
		e.CreatedAt = fromMillis(created)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// DeleteExpiredCooldowns drops rows with expiry at or before now.
func (s *Store) DeleteExpiredCooldowns(ctx context.Context, now time.Time) error {
	_, err := s.write.ExecContext(ctx,
		`DELETE FROM provider_cooldowns WHERE expiry_ms <= ?`, toMillis(now))
	return err
}
