package retrieval

import (
	"context"
	"fmt"
)

// hybridStrategy unions hyde and basic candidate sets, deduplicates by chunk
// ID, and keeps the top k by cross-encoder score. Pays two retrieval passes
// plus a rerank call for the best precision/recall trade-off.
type hybridStrategy struct {
	deps  Deps
	basic Strategy
	hyde  Strategy
}

func (s *hybridStrategy) Kind() Kind { return KindHybrid }

func (s *hybridStrategy) Retrieve(ctx context.Context, query string, k int) (*Result, error) {
	if k < 1 {
		return nil, fmt.Errorf("k must be >= 1, got %d", k)
	}

	overfetch := k * s.deps.OverfetchFactor

	hydeRes, err := s.hyde.Retrieve(ctx, query, overfetch)
	if err != nil {
		return nil, err
	}

	basicRes, err := s.basic.Retrieve(ctx, query, overfetch)
	if err != nil {
		return nil, err
	}

	union := make([]ScoredPassage, 0, len(hydeRes.Passages)+len(basicRes.Passages))
	union = append(union, hydeRes.Passages...)
	union = append(union, basicRes.Passages...)
	candidates := dedupeByChunkID(union)

	return &Result{
		Passages:     rerankTopK(ctx, s.deps.Reranker, s.deps.Logger, query, candidates, k),
		Strategy:     KindHybrid,
		Hypothetical: hydeRes.Hypothetical,
	}, nil
}
