package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/ynishi/ragqa/internal/reranker"
)

// rerankStrategy over-fetches basic candidates and keeps the top k by
// cross-encoder score.
type rerankStrategy struct {
	deps Deps
	base Strategy
}

func (s *rerankStrategy) Kind() Kind { return KindRerank }

func (s *rerankStrategy) Retrieve(ctx context.Context, query string, k int) (*Result, error) {
	if k < 1 {
		return nil, fmt.Errorf("k must be >= 1, got %d", k)
	}

	res, err := s.base.Retrieve(ctx, query, k*s.deps.OverfetchFactor)
	if err != nil {
		return nil, err
	}

	return &Result{
		Passages: rerankTopK(ctx, s.deps.Reranker, s.deps.Logger, query, res.Passages, k),
		Strategy: KindRerank,
	}, nil
}

// rerankTopK re-scores candidates with the cross-encoder and keeps the top k,
// breaking score ties by the original retrieval score. If the reranker fails
// the candidates keep their retrieval-stage order and scores; a reranker
// outage must degrade ranking quality, not abort the query.
func rerankTopK(ctx context.Context, rr reranker.Reranker, logger *slog.Logger, query string, candidates []ScoredPassage, k int) []ScoredPassage {
	if len(candidates) == 0 {
		return candidates
	}

	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.Content
	}

	scores, err := rr.Score(ctx, query, texts)
	if err != nil || len(scores) != len(candidates) {
		logger.Warn("reranker failed, keeping retrieval order", "error", err)
		if len(candidates) > k {
			return candidates[:k]
		}
		return candidates
	}

	type ranked struct {
		passage   ScoredPassage
		rerank    float64
		retrieval float64
	}
	rankedAll := make([]ranked, len(candidates))
	for i, c := range candidates {
		rankedAll[i] = ranked{passage: c, rerank: scores[i], retrieval: c.Score}
	}

	sort.SliceStable(rankedAll, func(i, j int) bool {
		if rankedAll[i].rerank != rankedAll[j].rerank {
			return rankedAll[i].rerank > rankedAll[j].rerank
		}
		return rankedAll[i].retrieval > rankedAll[j].retrieval
	})

	if len(rankedAll) > k {
		rankedAll = rankedAll[:k]
	}

	out := make([]ScoredPassage, len(rankedAll))
	for i, r := range rankedAll {
		out[i] = r.passage
		out[i].Score = r.rerank
	}
	return out
}
