// Package vectorstore provides consumption of a nearest-neighbor vector index.
//
// The index itself is an external collaborator: chunks are written by the
// ingestion pipeline, and query serving only reads. Concurrent searches need
// no coordination beyond what the backing store provides.
package vectorstore

import (
	"context"
)

// Chunk represents a document chunk with its embedding.
// Chunks are immutable after creation; re-ingestion supersedes them.
type Chunk struct {
	ID         string
	DocumentID string
	Content    string
	Vector     []float32 // Dense vector from the embedding model
	Position   int       // Ordinal position of the chunk within its document
	Metadata   map[string]string
}

// SearchResult represents a nearest-neighbor match from the index.
type SearchResult struct {
	ChunkID    string
	DocumentID string
	Content    string
	Score      float32 // Cosine similarity as reported by the index
	Metadata   map[string]string
}

// Index defines the read path used during query serving.
type Index interface {
	// Search returns the topK nearest chunks to the given vector by cosine
	// similarity, best first, excluding results scoring below minScore.
	Search(ctx context.Context, vector []float32, topK int, minScore float32) ([]SearchResult, error)

	// Count reports the number of chunks currently stored.
	Count(ctx context.Context) (uint64, error)
}
