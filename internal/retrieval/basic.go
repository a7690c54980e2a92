package retrieval

import (
	"context"
	"fmt"
)

// basicStrategy embeds the query and fetches the top-k nearest chunks by
// cosine similarity.
type basicStrategy struct {
	deps Deps
}

func (s *basicStrategy) Kind() Kind { return KindBasic }

func (s *basicStrategy) Retrieve(ctx context.Context, query string, k int) (*Result, error) {
	if k < 1 {
		return nil, fmt.Errorf("k must be >= 1, got %d", k)
	}
	if err := checkIndex(ctx, s.deps.Index); err != nil {
		return nil, err
	}

	vec, err := embedWithRetry(ctx, s.deps.Embedder, query)
	if err != nil {
		return nil, err
	}

	matches, err := s.deps.Index.Search(ctx, vec, k, float32(s.deps.MinScore))
	if err != nil {
		return nil, fmt.Errorf("searching index: %w", err)
	}

	return &Result{
		Passages: dedupeByChunkID(toScored(matches)),
		Strategy: KindBasic,
	}, nil
}
