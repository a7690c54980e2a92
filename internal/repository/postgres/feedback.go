package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/ynishi/ragqa/internal/repository"
)

// FeedbackRepo implements repository.FeedbackRepository
type FeedbackRepo struct {
	db *DB
}

// NewFeedbackRepo creates a new feedback repository
func NewFeedbackRepo(db *DB) *FeedbackRepo {
	return &FeedbackRepo{db: db}
}

// Upsert records a rating for a transaction. A later rating supersedes any
// earlier one for the same transaction.
func (r *FeedbackRepo) Upsert(ctx context.Context, fb *repository.Feedback) error {
	query := `
		INSERT INTO feedback (transaction_id, rating, comment, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (transaction_id)
		DO UPDATE SET rating = EXCLUDED.rating, comment = EXCLUDED.comment, created_at = EXCLUDED.created_at
	`
	_, err := r.db.Pool.Exec(ctx, query, fb.TransactionID, fb.Rating, fb.Comment, fb.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert feedback: %w", err)
	}
	return nil
}

// GetByTransaction retrieves the active rating for a transaction
func (r *FeedbackRepo) GetByTransaction(ctx context.Context, txID uuid.UUID) (*repository.Feedback, error) {
	query := `
		SELECT transaction_id, rating, comment, created_at
		FROM feedback
		WHERE transaction_id = $1
	`
	var fb repository.Feedback
	err := r.db.Pool.QueryRow(ctx, query, txID).Scan(
		&fb.TransactionID, &fb.Rating, &fb.Comment, &fb.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get feedback: %w", err)
	}
	return &fb, nil
}

// Ensure FeedbackRepo implements the interface
var _ repository.FeedbackRepository = (*FeedbackRepo)(nil)
