package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/ynishi/ragqa/internal/repository"
)

const transactionColumns = `id, question, strategy, status, error_kind, passages, answer, citations, hypothetical, confidence, latency_ms, retrieval_ms, generation_ms, created_at`

// TransactionRepo implements repository.TransactionRepository
type TransactionRepo struct {
	db *DB
}

// NewTransactionRepo creates a new transaction repository
func NewTransactionRepo(db *DB) *TransactionRepo {
	return &TransactionRepo{db: db}
}

// Create appends a new transaction record
func (r *TransactionRepo) Create(ctx context.Context, tx *repository.Transaction) error {
	passagesJSON, err := json.Marshal(tx.Passages)
	if err != nil {
		return fmt.Errorf("failed to marshal passages: %w", err)
	}
	citationsJSON, err := json.Marshal(tx.Citations)
	if err != nil {
		return fmt.Errorf("failed to marshal citations: %w", err)
	}

	query := `
		INSERT INTO qa_transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err = r.db.Pool.Exec(ctx, query,
		tx.ID, tx.Question, tx.Strategy, tx.Status, tx.ErrorKind,
		passagesJSON, tx.Answer, citationsJSON, tx.Hypothetical,
		tx.Confidence, tx.LatencyMS, tx.RetrievalMS, tx.GenerationMS,
		tx.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// GetByID retrieves a transaction by ID
func (r *TransactionRepo) GetByID(ctx context.Context, id uuid.UUID) (*repository.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM qa_transactions WHERE id = $1`

	row := r.db.Pool.QueryRow(ctx, query, id)
	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

// List retrieves transactions matching the filter, most recent first,
// along with the total match count.
func (r *TransactionRepo) List(ctx context.Context, filter repository.TransactionFilter) ([]*repository.Transaction, int, error) {
	where := ` WHERE 1=1`
	var args []any

	if filter.Since != nil {
		args = append(args, *filter.Since)
		where += fmt.Sprintf(` AND created_at >= $%d`, len(args))
	}
	if filter.Until != nil {
		args = append(args, *filter.Until)
		where += fmt.Sprintf(` AND created_at < $%d`, len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if filter.MaxConfidence != nil {
		args = append(args, *filter.MaxConfidence)
		where += fmt.Sprintf(` AND confidence <= $%d`, len(args))
	}

	var total int
	if err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM qa_transactions`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)
	query := `SELECT ` + transactionColumns + ` FROM qa_transactions` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	txs, err := scanTransactions(rows)
	if err != nil {
		return nil, 0, err
	}
	return txs, total, nil
}

// ListUnevaluated returns complete transactions without any evaluation
// score, oldest first.
func (r *TransactionRepo) ListUnevaluated(ctx context.Context, limit int) ([]*repository.Transaction, error) {
	query := `
		SELECT ` + qualified(transactionColumns, "t") + `
		FROM qa_transactions t
		LEFT JOIN evaluation_scores e ON e.transaction_id = t.id
		WHERE t.status = $1 AND e.id IS NULL
		ORDER BY t.created_at ASC
		LIMIT $2
	`
	rows, err := r.db.Pool.Query(ctx, query, repository.StatusComplete, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unevaluated transactions: %w", err)
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// ListDifficult returns transactions with a negative rating or confidence
// below maxConfidence, most recent first.
func (r *TransactionRepo) ListDifficult(ctx context.Context, maxConfidence float64, limit int) ([]*repository.Transaction, error) {
	query := `
		SELECT ` + qualified(transactionColumns, "t") + `
		FROM qa_transactions t
		LEFT JOIN feedback f ON f.transaction_id = t.id
		WHERE t.status = $1 AND (f.rating < 0 OR t.confidence < $2)
		ORDER BY t.created_at DESC
		LIMIT $3
	`
	rows, err := r.db.Pool.Query(ctx, query, repository.StatusComplete, maxConfidence, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list difficult transactions: %w", err)
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// Delete removes a transaction. Feedback and evaluation scores are removed
// by the schema's ON DELETE CASCADE.
func (r *TransactionRepo) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM qa_transactions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete transaction: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*repository.Transaction, error) {
	var tx repository.Transaction
	var passagesJSON, citationsJSON []byte

	err := row.Scan(
		&tx.ID, &tx.Question, &tx.Strategy, &tx.Status, &tx.ErrorKind,
		&passagesJSON, &tx.Answer, &citationsJSON, &tx.Hypothetical,
		&tx.Confidence, &tx.LatencyMS, &tx.RetrievalMS, &tx.GenerationMS,
		&tx.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(passagesJSON, &tx.Passages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal passages: %w", err)
	}
	if err := json.Unmarshal(citationsJSON, &tx.Citations); err != nil {
		return nil, fmt.Errorf("failed to unmarshal citations: %w", err)
	}
	return &tx, nil
}

func scanTransactions(rows pgx.Rows) ([]*repository.Transaction, error) {
	var txs []*repository.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// qualified prefixes each column in a comma-separated list with an alias.
func qualified(columns, alias string) string {
	cols := strings.Split(columns, ", ")
	for i, col := range cols {
		cols[i] = alias + "." + col
	}
	return strings.Join(cols, ", ")
}

// Ensure TransactionRepo implements the interface
var _ repository.TransactionRepository = (*TransactionRepo)(nil)
