// Package orchestrator runs the query pipeline: retrieve, synthesize, score.
//
// Every query produces exactly one persisted transaction, failed queries
// included. A query moves through the stages in order and the deadline is
// checked at each stage boundary, so a timeout surfaces as a recorded
// failure rather than a half-written record.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ynishi/ragqa/internal/confidence"
	"github.com/ynishi/ragqa/internal/repository"
	"github.com/ynishi/ragqa/internal/retrieval"
	"github.com/ynishi/ragqa/internal/synthesizer"
)

var (
	// ErrNoEvidence is returned when retrieval yields no passages above the
	// score floor. The generator is never invoked in that case.
	ErrNoEvidence = errors.New("no supporting evidence retrieved")

	// ErrTimeout is returned when the query deadline expires between stages.
	ErrTimeout = errors.New("query deadline exceeded")

	// ErrBusy is returned when the concurrency limit prevents admission
	// before the deadline.
	ErrBusy = errors.New("query capacity exhausted")
)

// Error kinds persisted on failed transactions.
const (
	errKindEmptyIndex = "empty_index"
	errKindEmbedding  = "embedding_error"
	errKindNoEvidence = "no_evidence"
	errKindGeneration = "generation_error"
	errKindTimeout    = "timeout"
	errKindCanceled   = "canceled"
)

// Request is one question to answer. Strategy and TopK override the
// configured defaults when set.
type Request struct {
	Question string
	Strategy string
	TopK     int
}

// Passage is one retrieved passage as returned to the caller.
type Passage struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
}

// Response is the outcome of a completed query.
type Response struct {
	TransactionID uuid.UUID              `json:"transaction_id"`
	Answer        string                 `json:"answer"`
	Citations     []synthesizer.Citation `json:"citations"`
	Passages      []Passage              `json:"passages"`
	Confidence    float64                `json:"confidence"`
	Strategy      string                 `json:"strategy"`
	LatencyMS     int64                  `json:"latency_ms"`
}

// Orchestrator coordinates the strategies, the synthesizer, and the
// confidence estimator, and records one transaction per query.
type Orchestrator struct {
	strategies      map[retrieval.Kind]retrieval.Strategy
	defaultStrategy retrieval.Kind
	synth           *synthesizer.Synthesizer
	estimator       *confidence.Estimator
	txRepo          repository.TransactionRepository

	defaultTopK  int
	queryTimeout time.Duration
	sem          *semaphore.Weighted
	logger       *slog.Logger
}

// Config holds the orchestrator's construction parameters.
type Config struct {
	Strategies      map[retrieval.Kind]retrieval.Strategy
	DefaultStrategy retrieval.Kind
	Synthesizer     *synthesizer.Synthesizer
	Estimator       *confidence.Estimator
	Transactions    repository.TransactionRepository

	DefaultTopK    int
	QueryTimeout   time.Duration
	MaxConcurrency int
	Logger         *slog.Logger
}

// New validates the wiring and returns an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if len(cfg.Strategies) == 0 {
		return nil, errors.New("orchestrator: at least one strategy is required")
	}
	if _, ok := cfg.Strategies[cfg.DefaultStrategy]; !ok {
		return nil, fmt.Errorf("orchestrator: default strategy %q not registered", cfg.DefaultStrategy)
	}
	if cfg.Synthesizer == nil {
		return nil, errors.New("orchestrator: synthesizer is required")
	}
	if cfg.Estimator == nil {
		return nil, errors.New("orchestrator: estimator is required")
	}
	if cfg.Transactions == nil {
		return nil, errors.New("orchestrator: transaction repository is required")
	}
	if cfg.DefaultTopK < 1 {
		cfg.DefaultTopK = 4
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 30 * time.Second
	}
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 8
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Orchestrator{
		strategies:      cfg.Strategies,
		defaultStrategy: cfg.DefaultStrategy,
		synth:           cfg.Synthesizer,
		estimator:       cfg.Estimator,
		txRepo:          cfg.Transactions,
		defaultTopK:     cfg.DefaultTopK,
		queryTimeout:    cfg.QueryTimeout,
		sem:             semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		logger:          cfg.Logger,
	}, nil
}

// Query answers one question. The per-query deadline covers admission,
// retrieval, synthesis, and scoring; persistence of the transaction record
// runs on a detached context so a late deadline cannot lose the record.
func (o *Orchestrator) Query(ctx context.Context, req Request) (*Response, error) {
	if req.Question == "" {
		return nil, errors.New("question is required")
	}

	kind := o.defaultStrategy
	if req.Strategy != "" {
		parsed, err := retrieval.ParseKind(req.Strategy)
		if err != nil {
			return nil, err
		}
		kind = parsed
	}
	strategy, ok := o.strategies[kind]
	if !ok {
		return nil, fmt.Errorf("strategy %q not available", kind)
	}

	topK := req.TopK
	if topK < 1 {
		topK = o.defaultTopK
	}

	ctx, cancel := context.WithTimeout(ctx, o.queryTimeout)
	defer cancel()

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBusy, err)
	}
	defer o.sem.Release(1)

	start := time.Now()
	tx := &repository.Transaction{
		ID:        uuid.New(),
		Question:  req.Question,
		Strategy:  string(kind),
		CreatedAt: start,
	}

	resp, err := o.run(ctx, strategy, topK, start, tx)
	if err != nil {
		tx.Status = repository.StatusFailed
		tx.ErrorKind = errorKind(err)
	} else {
		tx.Status = repository.StatusComplete
	}
	tx.LatencyMS = time.Since(start).Milliseconds()

	o.record(tx)

	if err != nil {
		return nil, err
	}
	resp.TransactionID = tx.ID
	resp.LatencyMS = tx.LatencyMS
	return resp, nil
}

// run executes the retrieve, synthesize, and score stages, filling the
// transaction as it goes so a failure still leaves a meaningful record.
func (o *Orchestrator) run(ctx context.Context, strategy retrieval.Strategy, topK int, start time.Time, tx *repository.Transaction) (*Response, error) {
	if ctx.Err() != nil {
		return nil, expiredErr(ctx)
	}

	res, err := strategy.Retrieve(ctx, tx.Question, topK)
	tx.RetrievalMS = time.Since(start).Milliseconds()
	if err != nil {
		if ctx.Err() != nil {
			return nil, expiredErr(ctx)
		}
		return nil, err
	}
	tx.Hypothetical = res.Hypothetical
	tx.Passages = toRecorded(res.Passages)

	if res.Empty() {
		return nil, ErrNoEvidence
	}

	if ctx.Err() != nil {
		return nil, expiredErr(ctx)
	}

	genStart := time.Now()
	answer, err := o.synth.Synthesize(ctx, tx.Question, res)
	tx.GenerationMS = time.Since(genStart).Milliseconds()
	if err != nil {
		if ctx.Err() != nil {
			return nil, expiredErr(ctx)
		}
		return nil, err
	}

	score := o.estimator.Estimate(res.Scores(), answer.GenerationSignal)

	tx.Answer = answer.Text
	tx.Citations = toRecordedCitations(answer.Citations)
	tx.Confidence = score

	return &Response{
		Answer:     answer.Text,
		Citations:  answer.Citations,
		Passages:   toResponsePassages(res.Passages),
		Confidence: score,
		Strategy:   string(res.Strategy),
	}, nil
}

// record persists the transaction on a detached context. Persistence
// failures are logged, not surfaced; the answer (or error) has already been
// decided.
func (o *Orchestrator) record(tx *repository.Transaction) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := o.txRepo.Create(ctx, tx); err != nil {
		o.logger.Error("failed to record transaction",
			"transaction_id", tx.ID, "status", tx.Status, "error", err)
		return
	}
	o.logger.Info("transaction recorded",
		"transaction_id", tx.ID,
		"status", tx.Status,
		"strategy", tx.Strategy,
		"confidence", tx.Confidence,
		"latency_ms", tx.LatencyMS)
}

// expiredErr maps an expired context to the pipeline error. A deadline is
// the service's timeout; a plain cancellation is the caller's, typically a
// client disconnect, and keeps its own identity.
func expiredErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return context.Canceled
	}
	return ErrTimeout
}

// errorKind maps a pipeline error to the persisted error kind string.
func errorKind(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return errKindCanceled
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return errKindTimeout
	case errors.Is(err, retrieval.ErrEmptyIndex):
		return errKindEmptyIndex
	case errors.Is(err, retrieval.ErrEmbedding):
		return errKindEmbedding
	case errors.Is(err, ErrNoEvidence):
		return errKindNoEvidence
	case errors.Is(err, synthesizer.ErrGeneration):
		return errKindGeneration
	default:
		return "internal"
	}
}

func toRecorded(passages []retrieval.ScoredPassage) []repository.RetrievedPassage {
	out := make([]repository.RetrievedPassage, len(passages))
	for i, p := range passages {
		out[i] = repository.RetrievedPassage{
			ChunkID:    p.ChunkID,
			DocumentID: p.DocumentID,
			Content:    p.Content,
			Score:      p.Score,
		}
	}
	return out
}

func toRecordedCitations(citations []synthesizer.Citation) []repository.Citation {
	out := make([]repository.Citation, len(citations))
	for i, c := range citations {
		out[i] = repository.Citation{
			Marker:     c.Marker,
			ChunkID:    c.ChunkID,
			DocumentID: c.DocumentID,
		}
	}
	return out
}

func toResponsePassages(passages []retrieval.ScoredPassage) []Passage {
	out := make([]Passage, len(passages))
	for i, p := range passages {
		out[i] = Passage{
			ChunkID:    p.ChunkID,
			DocumentID: p.DocumentID,
			Content:    p.Content,
			Score:      p.Score,
		}
	}
	return out
}
