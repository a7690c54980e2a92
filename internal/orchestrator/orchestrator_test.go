package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ynishi/ragqa/internal/confidence"
	"github.com/ynishi/ragqa/internal/llm"
	"github.com/ynishi/ragqa/internal/repository"
	"github.com/ynishi/ragqa/internal/retrieval"
	"github.com/ynishi/ragqa/internal/synthesizer"
)

// stubStrategy returns a canned result or error.
type stubStrategy struct {
	kind   retrieval.Kind
	result *retrieval.Result
	err    error
	block  bool
	calls  int
}

func (s *stubStrategy) Kind() retrieval.Kind { return s.kind }

func (s *stubStrategy) Retrieve(ctx context.Context, query string, k int) (*retrieval.Result, error) {
	s.calls++
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

// countingLLM tracks generation calls.
type countingLLM struct {
	response string
	calls    int
}

func (c *countingLLM) Generate(ctx context.Context, prompt string, opts llm.GenerateOptions) (string, error) {
	c.calls++
	return c.response, nil
}

// memTxRepo records created transactions.
type memTxRepo struct {
	mu  sync.Mutex
	txs []*repository.Transaction
}

func (r *memTxRepo) Create(ctx context.Context, tx *repository.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txs = append(r.txs, tx)
	return nil
}

func (r *memTxRepo) GetByID(ctx context.Context, id uuid.UUID) (*repository.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tx := range r.txs {
		if tx.ID == id {
			return tx, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *memTxRepo) List(ctx context.Context, filter repository.TransactionFilter) ([]*repository.Transaction, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.txs, len(r.txs), nil
}

func (r *memTxRepo) ListUnevaluated(ctx context.Context, limit int) ([]*repository.Transaction, error) {
	return nil, nil
}

func (r *memTxRepo) ListDifficult(ctx context.Context, maxConfidence float64, limit int) ([]*repository.Transaction, error) {
	return nil, nil
}

func (r *memTxRepo) Delete(ctx context.Context, id uuid.UUID) error { return nil }

func (r *memTxRepo) last(t *testing.T) *repository.Transaction {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.txs) == 0 {
		t.Fatal("no transaction recorded")
	}
	return r.txs[len(r.txs)-1]
}

func goodResult() *retrieval.Result {
	return &retrieval.Result{
		Passages: []retrieval.ScoredPassage{
			{Passage: retrieval.Passage{ChunkID: "c1", DocumentID: "d1", Content: "the fact"}, Score: 0.9},
			{Passage: retrieval.Passage{ChunkID: "c2", DocumentID: "d1", Content: "another fact"}, Score: 0.5},
		},
		Strategy: retrieval.KindBasic,
	}
}

func newOrchestrator(t *testing.T, strategy retrieval.Strategy, client llm.LLM, repo repository.TransactionRepository, timeout time.Duration) *Orchestrator {
	t.Helper()
	orch, err := New(Config{
		Strategies:      map[retrieval.Kind]retrieval.Strategy{strategy.Kind(): strategy},
		DefaultStrategy: strategy.Kind(),
		Synthesizer:     synthesizer.New(client),
		Estimator:       confidence.NewEstimator(confidence.DefaultWeights, nil),
		Transactions:    repo,
		DefaultTopK:     2,
		QueryTimeout:    timeout,
		MaxConcurrency:  2,
	})
	if err != nil {
		t.Fatalf("building orchestrator: %v", err)
	}
	return orch
}

func TestQuery_CompleteTransactionRecorded(t *testing.T) {
	strategy := &stubStrategy{kind: retrieval.KindBasic, result: goodResult()}
	client := &countingLLM{response: "the fact is true [Doc 1]\nSelf-rating: 0.9"}
	repo := &memTxRepo{}

	orch := newOrchestrator(t, strategy, client, repo, time.Second)

	resp, err := orch.Query(context.Background(), Request{Question: "is the fact true?"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	if resp.Answer == "" {
		t.Error("expected an answer")
	}
	if len(resp.Citations) != 1 {
		t.Errorf("expected 1 citation, got %d", len(resp.Citations))
	}
	if resp.Confidence <= 0 || resp.Confidence > 1 {
		t.Errorf("confidence %f outside (0,1]", resp.Confidence)
	}
	if resp.Strategy != "basic" {
		t.Errorf("expected basic strategy, got %s", resp.Strategy)
	}

	tx := repo.last(t)
	if tx.Status != repository.StatusComplete {
		t.Errorf("expected complete status, got %s", tx.Status)
	}
	if tx.ID != resp.TransactionID {
		t.Error("response transaction ID does not match the record")
	}
	if len(tx.Passages) != 2 {
		t.Errorf("expected 2 recorded passages, got %d", len(tx.Passages))
	}
	if tx.Confidence != resp.Confidence {
		t.Error("recorded confidence differs from response")
	}
}

func TestQuery_NoEvidenceSkipsGeneration(t *testing.T) {
	strategy := &stubStrategy{kind: retrieval.KindBasic, result: &retrieval.Result{Strategy: retrieval.KindBasic}}
	client := &countingLLM{response: "should never run"}
	repo := &memTxRepo{}

	orch := newOrchestrator(t, strategy, client, repo, time.Second)

	_, err := orch.Query(context.Background(), Request{Question: "anything"})
	if !errors.Is(err, ErrNoEvidence) {
		t.Fatalf("expected ErrNoEvidence, got %v", err)
	}
	if client.calls != 0 {
		t.Errorf("generator called %d times on empty retrieval", client.calls)
	}

	tx := repo.last(t)
	if tx.Status != repository.StatusFailed {
		t.Errorf("expected failed status, got %s", tx.Status)
	}
	if tx.ErrorKind != "no_evidence" {
		t.Errorf("expected no_evidence error kind, got %q", tx.ErrorKind)
	}
}

func TestQuery_FailureKindsRecorded(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind string
	}{
		{"empty index", retrieval.ErrEmptyIndex, "empty_index"},
		{"embedding", retrieval.ErrEmbedding, "embedding_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			strategy := &stubStrategy{kind: retrieval.KindBasic, err: tt.err}
			repo := &memTxRepo{}
			orch := newOrchestrator(t, strategy, &countingLLM{}, repo, time.Second)

			_, err := orch.Query(context.Background(), Request{Question: "q"})
			if !errors.Is(err, tt.err) {
				t.Fatalf("expected %v, got %v", tt.err, err)
			}

			tx := repo.last(t)
			if tx.ErrorKind != tt.wantKind {
				t.Errorf("expected error kind %q, got %q", tt.wantKind, tx.ErrorKind)
			}
		})
	}
}

func TestQuery_TimeoutRecorded(t *testing.T) {
	strategy := &stubStrategy{kind: retrieval.KindBasic, block: true}
	repo := &memTxRepo{}
	orch := newOrchestrator(t, strategy, &countingLLM{}, repo, 30*time.Millisecond)

	_, err := orch.Query(context.Background(), Request{Question: "q"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	tx := repo.last(t)
	if tx.Status != repository.StatusFailed {
		t.Errorf("expected failed status, got %s", tx.Status)
	}
	if tx.ErrorKind != "timeout" {
		t.Errorf("expected timeout error kind, got %q", tx.ErrorKind)
	}
}

func TestQuery_CallerCancellationRecorded(t *testing.T) {
	strategy := &stubStrategy{kind: retrieval.KindBasic, block: true}
	repo := &memTxRepo{}
	orch := newOrchestrator(t, strategy, &countingLLM{}, repo, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := orch.Query(ctx, Request{Question: "q"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	tx := repo.last(t)
	if tx.Status != repository.StatusFailed {
		t.Errorf("expected failed status, got %s", tx.Status)
	}
	if tx.ErrorKind != "canceled" {
		t.Errorf("expected canceled error kind, got %q", tx.ErrorKind)
	}
}

func TestQuery_StrategyOverride(t *testing.T) {
	basic := &stubStrategy{kind: retrieval.KindBasic, result: goodResult()}
	hyde := &stubStrategy{kind: retrieval.KindHyDE, result: goodResult()}
	repo := &memTxRepo{}

	orch, err := New(Config{
		Strategies: map[retrieval.Kind]retrieval.Strategy{
			retrieval.KindBasic: basic,
			retrieval.KindHyDE:  hyde,
		},
		DefaultStrategy: retrieval.KindBasic,
		Synthesizer:     synthesizer.New(&countingLLM{response: "ok [Doc 1]"}),
		Estimator:       confidence.NewEstimator(confidence.DefaultWeights, nil),
		Transactions:    repo,
	})
	if err != nil {
		t.Fatalf("building orchestrator: %v", err)
	}

	if _, err := orch.Query(context.Background(), Request{Question: "q", Strategy: "hyde"}); err != nil {
		t.Fatalf("query: %v", err)
	}
	if hyde.calls != 1 || basic.calls != 0 {
		t.Errorf("expected hyde strategy used, got basic=%d hyde=%d", basic.calls, hyde.calls)
	}
	if repo.last(t).Strategy != "hyde" {
		t.Errorf("recorded strategy %q", repo.last(t).Strategy)
	}

	if _, err := orch.Query(context.Background(), Request{Question: "q", Strategy: "bogus"}); err == nil {
		t.Error("expected error for unknown strategy override")
	}
}

func TestQuery_RequiresQuestion(t *testing.T) {
	strategy := &stubStrategy{kind: retrieval.KindBasic, result: goodResult()}
	orch := newOrchestrator(t, strategy, &countingLLM{response: "ok"}, &memTxRepo{}, time.Second)

	if _, err := orch.Query(context.Background(), Request{}); err == nil {
		t.Error("expected error for empty question")
	}
}

func TestNew_RejectsMissingDefaultStrategy(t *testing.T) {
	_, err := New(Config{
		Strategies: map[retrieval.Kind]retrieval.Strategy{
			retrieval.KindBasic: &stubStrategy{kind: retrieval.KindBasic},
		},
		DefaultStrategy: retrieval.KindHybrid,
		Synthesizer:     synthesizer.New(&countingLLM{}),
		Estimator:       confidence.NewEstimator(confidence.DefaultWeights, nil),
		Transactions:    &memTxRepo{},
	})
	if err == nil {
		t.Error("expected error when default strategy is not registered")
	}
}
