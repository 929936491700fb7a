package sqlite

import (
	"context"
	"strings"
	"time"

	plexus "github.com/plexushq/plexus/internal"
)

// InsertUsage batch-inserts usage records.
func (s *Store) InsertUsage(ctx context.Context, records []plexus.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	// cols must match the number of columns in the INSERT below.
	// Single multi-row INSERT avoids N round-trips for large batches.
	const cols = 20
	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*cols)

	for i, r := range records {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.RequestID, r.Date, r.SourceIP, r.APIKey,
			r.IncomingAPI, r.Provider, r.IncomingAlias, r.SelectedModel, r.OutgoingAPI,
			r.TokensInput, r.TokensOutput, r.TokensReasoning, r.TokensCached,
			r.CostTotal, toMillis(r.StartTime), r.DurationMs, r.TTFTMs,
			r.TokensPerSec, boolToInt(r.IsStreamed), r.ResponseStatus,
		)
	}

	query := `INSERT INTO request_usage
		(request_id, date, source_ip, api_key,
		 incoming_api_type, provider, incoming_model_alias, selected_model_name, outgoing_api_type,
		 tokens_input, tokens_output, tokens_reasoning, tokens_cached,
		 cost_total, start_time_ms, duration_ms, ttft_ms,
		 tokens_per_sec, is_streamed, response_status)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// SumUsageCost returns the accumulated cost for an API key since the given
// time.
func (s *Store) SumUsageCost(ctx context.Context, apiKey string, since time.Time) (float64, error) {
	var total float64
	err := s.read.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_total), 0) FROM request_usage
		 WHERE api_key = ? AND start_time_ms >= ?`, apiKey, toMillis(since),
	).Scan(&total)
	return total, err
}
