// Package reranker provides cross-encoder scoring of query-passage pairs.
//
// Re-ranking improves retrieval precision by evaluating the query and each
// candidate passage together rather than independently. It costs an extra
// judge-model call per query, so strategies apply it only after over-fetching
// candidates from the vector index.
package reranker

import (
	"context"
)

// Reranker scores candidate passages against a query.
type Reranker interface {
	// Score returns one relevance score in [0,1] per passage, in the same
	// order as the input. It batches all passages into a single judge call.
	// Scores are deterministic for fixed model weights.
	Score(ctx context.Context, query string, passages []string) ([]float64, error)
}
