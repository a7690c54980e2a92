// Package feedback records user ratings of answers and mines the transaction
// log for difficult samples worth human review.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ynishi/ragqa/internal/repository"
)

// ErrUnknownTransaction is returned when feedback targets a transaction that
// does not exist.
var ErrUnknownTransaction = errors.New("unknown transaction")

// Submission is one user rating of a transaction.
type Submission struct {
	TransactionID uuid.UUID
	Rating        int
	Comment       string
}

// Aggregator validates and stores feedback and surfaces difficult samples:
// transactions users rated down or that the system answered with low
// confidence.
type Aggregator struct {
	fbRepo    repository.FeedbackRepository
	txRepo    repository.TransactionRepository
	threshold float64
	logger    *slog.Logger
}

// NewAggregator creates an Aggregator. threshold is the confidence below
// which an unrated transaction still counts as difficult.
func NewAggregator(fbRepo repository.FeedbackRepository, txRepo repository.TransactionRepository, threshold float64, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		fbRepo:    fbRepo,
		txRepo:    txRepo,
		threshold: threshold,
		logger:    logger,
	}
}

// Submit records a rating for a transaction, superseding any earlier rating.
func (a *Aggregator) Submit(ctx context.Context, sub Submission) error {
	if _, err := a.txRepo.GetByID(ctx, sub.TransactionID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownTransaction, sub.TransactionID)
		}
		return fmt.Errorf("looking up transaction: %w", err)
	}

	fb := &repository.Feedback{
		TransactionID: sub.TransactionID,
		Rating:        sub.Rating,
		Comment:       sub.Comment,
		CreatedAt:     time.Now(),
	}
	if err := a.fbRepo.Upsert(ctx, fb); err != nil {
		return fmt.Errorf("storing feedback: %w", err)
	}

	a.logger.Info("feedback recorded",
		"transaction_id", sub.TransactionID, "rating", sub.Rating)
	return nil
}

// FeedbackFor returns the active rating for a transaction, or
// repository.ErrNotFound when none has been recorded.
func (a *Aggregator) FeedbackFor(ctx context.Context, txID uuid.UUID) (*repository.Feedback, error) {
	return a.fbRepo.GetByTransaction(ctx, txID)
}

// DifficultSamples returns transactions flagged for review, most recent
// first: negatively rated ones plus those below the confidence threshold.
func (a *Aggregator) DifficultSamples(ctx context.Context, limit int) ([]*repository.Transaction, error) {
	if limit < 1 {
		limit = 50
	}
	txs, err := a.txRepo.ListDifficult(ctx, a.threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("listing difficult samples: %w", err)
	}
	return txs, nil
}
