package vectorstore

import (
	"context"
	"math"
	"testing"
)

func seeded(t *testing.T) *MemoryStore {
	t.Helper()
	store := NewMemoryStore()
	err := store.Upsert(context.Background(), []Chunk{
		{ID: "c1", DocumentID: "d1", Content: "alpha", Vector: []float32{1, 0}},
		{ID: "c2", DocumentID: "d1", Content: "beta", Vector: []float32{0.7, 0.7}},
		{ID: "c3", DocumentID: "d2", Content: "gamma", Vector: []float32{0, 1}},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	return store
}

func TestMemoryStore_SearchOrdering(t *testing.T) {
	store := seeded(t)

	results, err := store.Search(context.Background(), []float32{1, 0}, 3, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].ChunkID != "c1" {
		t.Errorf("expected c1 first, got %s", results[0].ChunkID)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Errorf("results not ordered at %d", i)
		}
	}
}

func TestMemoryStore_TopKLimits(t *testing.T) {
	store := seeded(t)

	results, err := store.Search(context.Background(), []float32{1, 0}, 2, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("expected 2 results, got %d", len(results))
	}
}

func TestMemoryStore_MinScoreFilters(t *testing.T) {
	store := seeded(t)

	results, err := store.Search(context.Background(), []float32{1, 0}, 3, 0.9)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for _, r := range results {
		if r.Score < 0.9 {
			t.Errorf("result %s below min score: %f", r.ChunkID, r.Score)
		}
	}
	if len(results) != 1 {
		t.Errorf("expected only c1 above 0.9, got %d results", len(results))
	}
}

func TestMemoryStore_UpsertReplaces(t *testing.T) {
	store := seeded(t)

	err := store.Upsert(context.Background(), []Chunk{
		{ID: "c1", DocumentID: "d1", Content: "alpha v2", Vector: []float32{1, 0}},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	count, err := store.Count(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Errorf("expected count 3 after replace, got %d", count)
	}

	results, _ := store.Search(context.Background(), []float32{1, 0}, 1, 0)
	if results[0].Content != "alpha v2" {
		t.Errorf("expected replaced content, got %q", results[0].Content)
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float32
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"mismatched dims", []float32{1, 0}, []float32{1}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cosineSimilarity(tt.a, tt.b)
			if math.Abs(float64(got-tt.want)) > 1e-6 {
				t.Errorf("cosineSimilarity = %f, expected %f", got, tt.want)
			}
		})
	}
}
