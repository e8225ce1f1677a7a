package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/kpath-enterprise/kpath/pkg/models"
)

// RecordFeedback appends one feedback event. Feedback writes are never
// retried; the caller decides whether a failure is fatal.
func (r *Repository) RecordFeedback(ctx context.Context, ev *models.FeedbackEvent) error {
	query := `
		INSERT INTO search_feedback
			(query, query_hash, selected_service_id, rank, click_through, user_id, user_satisfaction)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`
	start := time.Now()
	err := r.db.QueryRowxContext(ctx, query,
		ev.Query, ev.QueryHash, ev.SelectedServiceID, ev.Rank,
		ev.ClickThrough, ev.UserID, ev.UserSatisfaction,
	).Scan(&ev.ID, &ev.CreatedAt)
	r.metrics.RecordDatabaseOperation("record_feedback", err == nil, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("failed to record feedback: %w", err)
	}
	return nil
}

// FeedbackAggregates returns per-service impressions, clicks and the
// last interaction time over the given window.
func (r *Repository) FeedbackAggregates(ctx context.Context, serviceIDs []int64, window time.Duration) (map[int64]*models.FeedbackAggregate, error) {
	if len(serviceIDs) == 0 {
		return map[int64]*models.FeedbackAggregate{}, nil
	}

	since := time.Now().Add(-window)
	var rows []*models.FeedbackAggregate
	query := `
		SELECT selected_service_id AS service_id,
		       COUNT(*) AS impressions,
		       COUNT(*) FILTER (WHERE click_through) AS clicks,
		       MAX(created_at) AS last_interaction
		FROM search_feedback
		WHERE selected_service_id = ANY($1) AND created_at >= $2
		GROUP BY selected_service_id`
	if err := r.db.SelectContext(ctx, &rows, query, pq.Array(serviceIDs), since); err != nil {
		return nil, fmt.Errorf("failed to aggregate feedback: %w", err)
	}

	out := make(map[int64]*models.FeedbackAggregate, len(rows))
	for _, agg := range rows {
		out[agg.ServiceID] = agg
	}
	return out, nil
}

// QueryHashMatches returns, per service, the number of successful
// selections recorded for the exact query hash.
func (r *Repository) QueryHashMatches(ctx context.Context, queryHash string, serviceIDs []int64) (map[int64]int64, error) {
	if len(serviceIDs) == 0 {
		return map[int64]int64{}, nil
	}

	type row struct {
		ServiceID int64 `db:"service_id"`
		Matches   int64 `db:"matches"`
	}
	var rows []row
	query := `
		SELECT selected_service_id AS service_id, COUNT(*) AS matches
		FROM search_feedback
		WHERE query_hash = $1 AND selected_service_id = ANY($2) AND click_through = true
		GROUP BY selected_service_id`
	if err := r.db.SelectContext(ctx, &rows, query, queryHash, pq.Array(serviceIDs)); err != nil {
		return nil, fmt.Errorf("failed to count query hash matches: %w", err)
	}

	out := make(map[int64]int64, len(rows))
	for _, m := range rows {
		out[m.ServiceID] = m.Matches
	}
	return out, nil
}

// LogSearchQuery appends one search observation row.
func (r *Repository) LogSearchQuery(ctx context.Context, entry *models.SearchQueryLog) error {
	query := `
		INSERT INTO search_queries (query, user_id, search_mode, result_count, elapsed_ms)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := r.db.ExecContext(ctx, query,
		entry.Query, entry.UserID, entry.SearchMode, entry.ResultCount, entry.ElapsedMs); err != nil {
		return fmt.Errorf("failed to log search query: %w", err)
	}
	return nil
}

// LogAPIRequest appends one request observation row.
func (r *Repository) LogAPIRequest(ctx context.Context, entry *models.APIRequestLog) error {
	query := `
		INSERT INTO api_request_logs (key_id, user_id, endpoint, method, status, elapsed_ms)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := r.db.ExecContext(ctx, query,
		entry.KeyID, entry.UserID, entry.Endpoint, entry.Method, entry.Status, entry.ElapsedMs); err != nil {
		return fmt.Errorf("failed to log api request: %w", err)
	}
	return nil
}

// CountRequestsSince counts request-log rows for a key since the given
// time. The rate limiter uses this as its source of truth.
func (r *Repository) CountRequestsSince(ctx context.Context, keyID int64, since time.Time) (int64, error) {
	var count int64
	query := `SELECT COUNT(*) FROM api_request_logs WHERE key_id = $1 AND created_at >= $2`
	if err := r.db.GetContext(ctx, &count, query, keyID, since); err != nil {
		return 0, fmt.Errorf("failed to count requests: %w", err)
	}
	return count, nil
}
