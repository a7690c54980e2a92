// Package repository defines the QA transaction record model and data access
// interfaces for transactions, feedback, and evaluation scores.
//
// QATransaction is the aggregation root: feedback and evaluation scores are
// owned by it and never outlive it. All stores are append-only from the
// serving path's perspective; feedback upserts are the one exception
// (a later rating supersedes the earlier one).
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Transaction statuses.
const (
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// RetrievedPassage is the persisted form of one passage in a retrieval
// result, ordered by rank.
type RetrievedPassage struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
}

// Citation references a chunk the answer actually cited.
type Citation struct {
	Marker     int    `json:"marker"`
	ChunkID    string `json:"chunk_id"`
	DocumentID string `json:"document_id"`
}

// Transaction is the unit of record for one query-to-answer exchange.
// Immutable after creation except for the appended feedback relation.
type Transaction struct {
	ID       uuid.UUID
	Question string
	Strategy string
	Status   string

	// ErrorKind names the failure for failed transactions ("timeout",
	// "no_evidence", ...). Empty on complete.
	ErrorKind string

	Passages  []RetrievedPassage
	Answer    string
	Citations []Citation

	// Hypothetical is the HyDE synthetic answer, logged for audit.
	Hypothetical string

	Confidence float64

	LatencyMS    int64
	RetrievalMS  int64
	GenerationMS int64

	CreatedAt time.Time
}

// Feedback is a user rating of a transaction. At most one active rating per
// transaction; later ratings supersede earlier ones.
type Feedback struct {
	TransactionID uuid.UUID
	Rating        int // negative, zero, or positive scalar; < 0 means thumbs-down
	Comment       string
	CreatedAt     time.Time
}

// EvaluationScore holds one post-hoc quality evaluation of a transaction.
// Re-evaluation is allowed; the latest row wins for reporting.
type EvaluationScore struct {
	ID            uuid.UUID
	TransactionID uuid.UUID
	Faithfulness  float64
	Relevance     float64
	Completeness  float64
	Composite     float64
	JudgeModel    string
	EvaluatedAt   time.Time
}

// TransactionFilter selects transactions for reporting and batch evaluation.
// Zero-valued fields are ignored.
type TransactionFilter struct {
	Since         *time.Time
	Until         *time.Time
	Status        string
	MaxConfidence *float64
	Limit         int
	Offset        int
}

// TransactionRepository defines operations for transaction persistence
type TransactionRepository interface {
	Create(ctx context.Context, tx *Transaction) error
	GetByID(ctx context.Context, id uuid.UUID) (*Transaction, error)
	List(ctx context.Context, filter TransactionFilter) ([]*Transaction, int, error)

	// ListUnevaluated returns complete transactions that have no
	// evaluation score yet, oldest first.
	ListUnevaluated(ctx context.Context, limit int) ([]*Transaction, error)

	// ListDifficult returns transactions with a negative rating or a
	// confidence below maxConfidence, most recent first.
	ListDifficult(ctx context.Context, maxConfidence float64, limit int) ([]*Transaction, error)

	// Delete removes a transaction and, through the cascade, its feedback
	// and evaluation scores.
	Delete(ctx context.Context, id uuid.UUID) error
}

// FeedbackRepository defines operations for feedback persistence
type FeedbackRepository interface {
	// Upsert records a rating, replacing any earlier rating for the
	// same transaction.
	Upsert(ctx context.Context, fb *Feedback) error
	GetByTransaction(ctx context.Context, txID uuid.UUID) (*Feedback, error)
}

// EvaluationRepository defines operations for evaluation score persistence
type EvaluationRepository interface {
	Create(ctx context.Context, score *EvaluationScore) error
	LatestByTransaction(ctx context.Context, txID uuid.UUID) (*EvaluationScore, error)
}
