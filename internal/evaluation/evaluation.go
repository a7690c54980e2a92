// Package evaluation scores completed transactions with an LLM judge along
// three axes: faithfulness, relevance, and completeness.
//
// Judging runs at temperature zero so repeated evaluation of the same
// transaction is deterministic up to the model. An answer with no citations
// is unfaithful by definition and scores zero on that axis without a judge
// call.
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ynishi/ragqa/internal/llm"
	"github.com/ynishi/ragqa/internal/repository"
)

// ErrPartialEvaluation is returned by EvaluateBatch when some transactions
// failed to evaluate; the returned scores cover the rest.
var ErrPartialEvaluation = errors.New("some transactions failed to evaluate")

const (
	judgeTemperature = 0
	judgeMaxTokens   = 16
)

// Weights configures the contribution of each axis to the composite score.
type Weights struct {
	Faithfulness float64
	Relevance    float64
	Completeness float64
}

// DefaultWeights treats the three axes as equally important.
var DefaultWeights = Weights{Faithfulness: 1, Relevance: 1, Completeness: 1}

const faithfulnessPrompt = `You are grading a question answering system. Judge FAITHFULNESS: is every claim in the answer supported by the cited passages?

Cited passages:
%s

Question: %s

Answer: %s

Score from 0.0 (contains claims the passages do not support) to 1.0 (every claim is grounded in the passages). Reply with ONLY the number.`

const relevancePrompt = `You are grading a question answering system. Judge RELEVANCE: does the answer address what was actually asked?

Question: %s

Answer: %s

Score from 0.0 (off-topic) to 1.0 (directly answers the question). Reply with ONLY the number.`

const completenessPrompt = `You are grading a question answering system. Judge COMPLETENESS: does the answer cover the aspects of the question the passages can support?

Passages:
%s

Question: %s

Answer: %s

Score from 0.0 (major aspects missing) to 1.0 (covers everything the passages support). Reply with ONLY the number.`

// scorePattern pulls the first numeric token out of the judge reply. Judges
// are told to reply with only the number but occasionally editorialize.
var scorePattern = regexp.MustCompile(`[0-9]*\.?[0-9]+`)

// Engine evaluates transactions with a judge model and persists the scores.
type Engine struct {
	judge      llm.LLM
	judgeModel string
	weights    Weights
	evalRepo   repository.EvaluationRepository
	logger     *slog.Logger
}

// Option is a functional option for configuring Engine.
type Option func(*Engine)

// WithJudgeModel sets the judge model name.
func WithJudgeModel(model string) Option {
	return func(e *Engine) {
		e.judgeModel = model
	}
}

// WithWeights sets the composite weights. Non-positive sets fall back to
// DefaultWeights.
func WithWeights(w Weights) Option {
	return func(e *Engine) {
		if w.Faithfulness > 0 || w.Relevance > 0 || w.Completeness > 0 {
			e.weights = w
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine creates an evaluation engine backed by the given judge client.
func NewEngine(judge llm.LLM, evalRepo repository.EvaluationRepository, opts ...Option) *Engine {
	e := &Engine{
		judge:      judge,
		judgeModel: llm.DefaultModel,
		weights:    DefaultWeights,
		evalRepo:   evalRepo,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate judges one complete transaction and persists the resulting score.
func (e *Engine) Evaluate(ctx context.Context, tx *repository.Transaction) (*repository.EvaluationScore, error) {
	if tx.Status != repository.StatusComplete {
		return nil, fmt.Errorf("transaction %s is %s, only complete transactions are evaluated", tx.ID, tx.Status)
	}

	var faithfulness, relevance, completeness float64

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// No citations means nothing in the answer is traceable to the
		// passages. Hard zero, no judge call.
		if len(tx.Citations) == 0 {
			faithfulness = 0
			return nil
		}
		score, err := e.judgeScore(gctx, fmt.Sprintf(faithfulnessPrompt, citedPassages(tx), tx.Question, tx.Answer))
		if err != nil {
			return fmt.Errorf("judging faithfulness: %w", err)
		}
		faithfulness = score
		return nil
	})

	g.Go(func() error {
		score, err := e.judgeScore(gctx, fmt.Sprintf(relevancePrompt, tx.Question, tx.Answer))
		if err != nil {
			return fmt.Errorf("judging relevance: %w", err)
		}
		relevance = score
		return nil
	})

	g.Go(func() error {
		score, err := e.judgeScore(gctx, fmt.Sprintf(completenessPrompt, allPassages(tx), tx.Question, tx.Answer))
		if err != nil {
			return fmt.Errorf("judging completeness: %w", err)
		}
		completeness = score
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	score := &repository.EvaluationScore{
		ID:            uuid.New(),
		TransactionID: tx.ID,
		Faithfulness:  faithfulness,
		Relevance:     relevance,
		Completeness:  completeness,
		Composite:     e.composite(faithfulness, relevance, completeness),
		JudgeModel:    e.judgeModel,
		EvaluatedAt:   time.Now(),
	}

	if err := e.evalRepo.Create(ctx, score); err != nil {
		return nil, fmt.Errorf("persisting evaluation score: %w", err)
	}

	e.logger.Info("transaction evaluated",
		"transaction_id", tx.ID,
		"faithfulness", faithfulness,
		"relevance", relevance,
		"completeness", completeness,
		"composite", score.Composite)

	return score, nil
}

// EvaluateBatch evaluates each transaction, continuing past individual
// failures. When some fail it returns the successful scores alongside an
// error wrapping ErrPartialEvaluation that names the failed IDs.
func (e *Engine) EvaluateBatch(ctx context.Context, txs []*repository.Transaction) ([]*repository.EvaluationScore, error) {
	scores := make([]*repository.EvaluationScore, 0, len(txs))
	var failed []string

	for _, tx := range txs {
		if err := ctx.Err(); err != nil {
			return scores, err
		}
		score, err := e.Evaluate(ctx, tx)
		if err != nil {
			e.logger.Warn("batch evaluation item failed", "transaction_id", tx.ID, "error", err)
			failed = append(failed, tx.ID.String())
			continue
		}
		scores = append(scores, score)
	}

	if len(failed) > 0 {
		return scores, fmt.Errorf("%w: %s", ErrPartialEvaluation, strings.Join(failed, ", "))
	}
	return scores, nil
}

// judgeScore runs one judge prompt and parses the score from the reply.
func (e *Engine) judgeScore(ctx context.Context, prompt string) (float64, error) {
	raw, err := e.judge.Generate(ctx, prompt, llm.GenerateOptions{
		Model:       e.judgeModel,
		Temperature: judgeTemperature,
		MaxTokens:   judgeMaxTokens,
	})
	if err != nil {
		return 0, err
	}
	return parseScore(raw)
}

// parseScore extracts the first number in the judge reply, clamped to [0,1].
func parseScore(raw string) (float64, error) {
	match := scorePattern.FindString(raw)
	if match == "" {
		return 0, fmt.Errorf("no score in judge reply %q", strings.TrimSpace(raw))
	}
	score, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing judge score %q: %w", match, err)
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, nil
}

// composite folds the three axis scores into one weighted mean.
func (e *Engine) composite(faithfulness, relevance, completeness float64) float64 {
	total := e.weights.Faithfulness + e.weights.Relevance + e.weights.Completeness
	if total == 0 {
		return 0
	}
	weighted := e.weights.Faithfulness*faithfulness +
		e.weights.Relevance*relevance +
		e.weights.Completeness*completeness
	return weighted / total
}

// citedPassages renders only the passages the answer cited, keyed by their
// original markers so the judge sees the same labels the answer uses.
func citedPassages(tx *repository.Transaction) string {
	var sb strings.Builder
	for _, c := range tx.Citations {
		if c.Marker < 1 || c.Marker > len(tx.Passages) {
			continue
		}
		p := tx.Passages[c.Marker-1]
		sb.WriteString(fmt.Sprintf("[Doc %d]\n%s\n\n", c.Marker, p.Content))
	}
	return strings.TrimSpace(sb.String())
}

// allPassages renders every retrieved passage for the completeness judge.
func allPassages(tx *repository.Transaction) string {
	var sb strings.Builder
	for i, p := range tx.Passages {
		sb.WriteString(fmt.Sprintf("[Doc %d]\n%s\n\n", i+1, p.Content))
	}
	return strings.TrimSpace(sb.String())
}
