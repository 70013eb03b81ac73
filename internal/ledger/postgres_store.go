package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

// IncrementUsage upserts the user's row and adds to both counters in a
// single statement. The database performs the addition, so concurrent
// increments for the same user serialize there and none are lost.
func (s *PostgresStore) IncrementUsage(ctx context.Context, userID string, inputTokens, outputTokens int64) error {
	query := `
		INSERT INTO user_usage (user_id, input_tokens, output_tokens, account_created_date)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET input_tokens = user_usage.input_tokens + EXCLUDED.input_tokens,
		    output_tokens = user_usage.output_tokens + EXCLUDED.output_tokens
	`
	_, err := s.db.Exec(ctx, query, userID, inputTokens, outputTokens)
	if err != nil {
		return fmt.Errorf("failed to increment usage: %w", err)
	}
	return nil
}

// GetRecord returns nil for a user with no row yet.
func (s *PostgresStore) GetRecord(ctx context.Context, userID string) (*Record, error) {
	query := `
		SELECT user_id, input_tokens, output_tokens, account_created_date
		FROM user_usage
		WHERE user_id = $1
	`
	var rec Record
	err := s.db.QueryRow(ctx, query, userID).Scan(
		&rec.UserID, &rec.InputTokens, &rec.OutputTokens, &rec.AccountCreatedDate,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get usage record: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) ResetUsage(ctx context.Context, userID string) error {
	query := `UPDATE user_usage SET input_tokens = 0, output_tokens = 0 WHERE user_id = $1`
	_, err := s.db.Exec(ctx, query, userID)
	if err != nil {
		return fmt.Errorf("failed to reset usage: %w", err)
	}
	return nil
}
