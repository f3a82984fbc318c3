package cost

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ArchiveStore is the optional durable sink for usage records. The
// in-memory guardian remains authoritative; this exists for offline
// analysis and survives restarts, nothing reads it back at runtime.
type ArchiveStore interface {
	Archive(ctx context.Context, rec *UsageRecord) error
	TotalCostByUser(ctx context.Context, userID string, from, to time.Time) (float64, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) ArchiveStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Archive(ctx context.Context, rec *UsageRecord) error {
	query := `
		INSERT INTO usage_records (request_id, user_id, input_tokens, output_tokens, reasoning_tokens, total_cost_usd, success, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.Exec(ctx, query,
		rec.RequestID, rec.UserID,
		rec.Estimate.InputTokens, rec.Estimate.OutputTokens, rec.Estimate.ReasoningTokens,
		rec.Estimate.TotalCost, rec.Success, rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to archive usage record: %w", err)
	}
	return nil
}

func (s *PostgresStore) TotalCostByUser(ctx context.Context, userID string, from, to time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(total_cost_usd), 0)
		FROM usage_records
		WHERE user_id = $1 AND created_at BETWEEN $2 AND $3
	`
	var total float64
	err := s.db.QueryRow(ctx, query, userID, from, to).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to get total cost: %w", err)
	}
	return total, nil
}
