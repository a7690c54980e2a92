package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/ynishi/ragqa/internal/repository"
)

// EvaluationRepo implements repository.EvaluationRepository
type EvaluationRepo struct {
	db *DB
}

// NewEvaluationRepo creates a new evaluation score repository
func NewEvaluationRepo(db *DB) *EvaluationRepo {
	return &EvaluationRepo{db: db}
}

// Create appends an evaluation score. Re-evaluation inserts a new row; the
// latest row wins for reporting.
func (r *EvaluationRepo) Create(ctx context.Context, score *repository.EvaluationScore) error {
	query := `
		INSERT INTO evaluation_scores (id, transaction_id, faithfulness, relevance, completeness, composite, judge_model, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		score.ID, score.TransactionID, score.Faithfulness, score.Relevance,
		score.Completeness, score.Composite, score.JudgeModel, score.EvaluatedAt)
	if err != nil {
		return fmt.Errorf("failed to create evaluation score: %w", err)
	}
	return nil
}

// LatestByTransaction retrieves the most recent evaluation score for a transaction
func (r *EvaluationRepo) LatestByTransaction(ctx context.Context, txID uuid.UUID) (*repository.EvaluationScore, error) {
	query := `
		SELECT id, transaction_id, faithfulness, relevance, completeness, composite, judge_model, evaluated_at
		FROM evaluation_scores
		WHERE transaction_id = $1
		ORDER BY evaluated_at DESC
		LIMIT 1
	`
	var score repository.EvaluationScore
	err := r.db.Pool.QueryRow(ctx, query, txID).Scan(
		&score.ID, &score.TransactionID, &score.Faithfulness, &score.Relevance,
		&score.Completeness, &score.Composite, &score.JudgeModel, &score.EvaluatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get evaluation score: %w", err)
	}
	return &score, nil
}

// Ensure EvaluationRepo implements the interface
var _ repository.EvaluationRepository = (*EvaluationRepo)(nil)
