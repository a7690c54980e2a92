// Package retrieval implements the multi-strategy passage retrieval pipeline.
//
// Four strategies trade latency for quality:
//
//   - basic: embed the query, nearest-neighbor lookup. Cheapest.
//   - hyde: generate a hypothetical answer first and embed that instead.
//     Questions and answers live in different semantic subspaces; embedding
//     a plausible answer improves recall on long-tail questions.
//   - rerank: over-fetch basic candidates, re-score with a cross-encoder.
//   - hybrid: rerank over the union of hyde and basic candidates. Default
//     production strategy with the best precision/recall trade-off.
//
// Strategy construction is a pure function of configuration; strategies hold
// no mutable state and are safe for concurrent use.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ynishi/ragqa/internal/embedder"
	"github.com/ynishi/ragqa/internal/llm"
	"github.com/ynishi/ragqa/internal/reranker"
	"github.com/ynishi/ragqa/internal/vectorstore"
)

var (
	// ErrEmptyIndex is returned when the vector index holds zero chunks.
	ErrEmptyIndex = errors.New("vector index has no chunks")

	// ErrEmbedding is returned when the embedding capability is unavailable
	// after bounded retries.
	ErrEmbedding = errors.New("embedding capability unavailable")
)

// Embedding calls are retried locally with exponential backoff before the
// failure propagates as ErrEmbedding.
const (
	embedRetries      = 2
	embedRetryBackoff = 200 * time.Millisecond
)

// Kind identifies a retrieval strategy variant.
type Kind string

const (
	KindBasic  Kind = "basic"
	KindHyDE   Kind = "hyde"
	KindRerank Kind = "rerank"
	KindHybrid Kind = "hybrid"
)

// ParseKind validates a strategy name from configuration or a request.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindBasic, KindHyDE, KindRerank, KindHybrid:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown retrieval strategy %q", s)
	}
}

// Passage is a retrieved chunk of an ingested document.
type Passage struct {
	ChunkID    string
	DocumentID string
	Content    string
	Metadata   map[string]string
}

// ScoredPassage pairs a passage with its normalized relevance score in [0,1].
type ScoredPassage struct {
	Passage
	Score float64
}

// Result is an ordered retrieval result: scores non-increasing, no duplicate
// chunk IDs.
type Result struct {
	Passages []ScoredPassage
	Strategy Kind

	// Hypothetical holds the HyDE synthetic answer when one was used.
	// Kept for auditability; never cited.
	Hypothetical string
}

// Empty reports whether no passages were retrieved.
func (r *Result) Empty() bool {
	return len(r.Passages) == 0
}

// Scores returns the relevance scores in rank order.
func (r *Result) Scores() []float64 {
	scores := make([]float64, len(r.Passages))
	for i, p := range r.Passages {
		scores[i] = p.Score
	}
	return scores
}

// Strategy produces a ranked list of passages for a query.
type Strategy interface {
	// Retrieve returns the top k passages for the query, k >= 1.
	// Fails with ErrEmptyIndex if the index holds no chunks and
	// ErrEmbedding if the embedding capability is unavailable.
	Retrieve(ctx context.Context, query string, k int) (*Result, error)

	// Kind identifies the strategy variant.
	Kind() Kind
}

// Deps holds the capabilities a strategy may need. Which fields are required
// depends on the kind; New validates.
type Deps struct {
	Embedder embedder.Embedder
	Index    vectorstore.Index

	// Generator produces hypothetical answers for the hyde and hybrid kinds.
	Generator      llm.LLM
	GeneratorModel string

	// Reranker is required by the rerank and hybrid kinds.
	Reranker reranker.Reranker

	// MinScore filters out weak matches at the index level.
	MinScore float64

	// OverfetchFactor multiplies k for candidate generation before
	// reranking. Defaults to 4.
	OverfetchFactor int

	Logger *slog.Logger
}

// New constructs the strategy for the given kind. Selection is a pure
// function of configuration; no hidden globals.
func New(kind Kind, deps Deps) (Strategy, error) {
	if deps.Embedder == nil {
		return nil, errors.New("retrieval: embedder is required")
	}
	if deps.Index == nil {
		return nil, errors.New("retrieval: index is required")
	}
	if deps.OverfetchFactor < 1 {
		deps.OverfetchFactor = 4
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	switch kind {
	case KindBasic:
		return &basicStrategy{deps: deps}, nil
	case KindHyDE:
		if deps.Generator == nil {
			return nil, errors.New("retrieval: hyde strategy requires a generator")
		}
		return &hydeStrategy{deps: deps}, nil
	case KindRerank:
		if deps.Reranker == nil {
			return nil, errors.New("retrieval: rerank strategy requires a reranker")
		}
		return &rerankStrategy{deps: deps, base: &basicStrategy{deps: deps}}, nil
	case KindHybrid:
		if deps.Generator == nil {
			return nil, errors.New("retrieval: hybrid strategy requires a generator")
		}
		if deps.Reranker == nil {
			return nil, errors.New("retrieval: hybrid strategy requires a reranker")
		}
		return &hybridStrategy{
			deps:  deps,
			basic: &basicStrategy{deps: deps},
			hyde:  &hydeStrategy{deps: deps},
		}, nil
	default:
		return nil, fmt.Errorf("unknown retrieval strategy %q", kind)
	}
}

// checkIndex fails with ErrEmptyIndex when the index holds zero chunks.
func checkIndex(ctx context.Context, index vectorstore.Index) error {
	count, err := index.Count(ctx)
	if err != nil {
		return fmt.Errorf("counting index chunks: %w", err)
	}
	if count == 0 {
		return ErrEmptyIndex
	}
	return nil
}

// embedWithRetry embeds text, retrying transient failures with exponential
// backoff. The final failure wraps ErrEmbedding.
func embedWithRetry(ctx context.Context, emb embedder.Embedder, text string) ([]float32, error) {
	var lastErr error
	backoff := embedRetryBackoff

	for attempt := 0; attempt <= embedRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
			backoff *= 2
		}

		vec, err := emb.Embed(ctx, text)
		if err == nil {
			return vec, nil
		}
		lastErr = err
	}

	return nil, fmt.Errorf("%w: %v", ErrEmbedding, lastErr)
}

// toScored converts raw index matches into scored passages with scores
// clamped to [0,1]. Index output is already ordered best first.
func toScored(results []vectorstore.SearchResult) []ScoredPassage {
	passages := make([]ScoredPassage, len(results))
	for i, r := range results {
		passages[i] = ScoredPassage{
			Passage: Passage{
				ChunkID:    r.ChunkID,
				DocumentID: r.DocumentID,
				Content:    r.Content,
				Metadata:   r.Metadata,
			},
			Score: clamp01(float64(r.Score)),
		}
	}
	return passages
}

// dedupeByChunkID removes duplicate chunk IDs, keeping the highest score for
// each, and re-sorts best first.
func dedupeByChunkID(passages []ScoredPassage) []ScoredPassage {
	best := make(map[string]int, len(passages))
	deduped := make([]ScoredPassage, 0, len(passages))

	for _, p := range passages {
		if i, seen := best[p.ChunkID]; seen {
			if p.Score > deduped[i].Score {
				deduped[i] = p
			}
			continue
		}
		best[p.ChunkID] = len(deduped)
		deduped = append(deduped, p)
	}

	sort.SliceStable(deduped, func(i, j int) bool {
		return deduped[i].Score > deduped[j].Score
	})
	return deduped
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
