package evaluation

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/ynishi/ragqa/internal/llm"
	"github.com/ynishi/ragqa/internal/repository"
)

// judgeStub answers every judge prompt with the same score text.
type judgeStub struct {
	mu      sync.Mutex
	reply   string
	err     error
	calls   int
	prompts []string
}

func (j *judgeStub) Generate(ctx context.Context, prompt string, opts llm.GenerateOptions) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls++
	j.prompts = append(j.prompts, prompt)
	if opts.Temperature != 0 {
		return "", errors.New("judge must run at temperature zero")
	}
	return j.reply, j.err
}

// memEvalRepo collects created scores in memory.
type memEvalRepo struct {
	mu     sync.Mutex
	scores []*repository.EvaluationScore
	err    error
}

func (r *memEvalRepo) Create(ctx context.Context, score *repository.EvaluationScore) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.scores = append(r.scores, score)
	return nil
}

func (r *memEvalRepo) LatestByTransaction(ctx context.Context, txID uuid.UUID) (*repository.EvaluationScore, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.scores) - 1; i >= 0; i-- {
		if r.scores[i].TransactionID == txID {
			return r.scores[i], nil
		}
	}
	return nil, repository.ErrNotFound
}

func completeTx() *repository.Transaction {
	return &repository.Transaction{
		ID:       uuid.New(),
		Question: "When was Go released?",
		Status:   repository.StatusComplete,
		Answer:   "Go 1.0 shipped in 2012 [Doc 1].",
		Passages: []repository.RetrievedPassage{
			{ChunkID: "c1", DocumentID: "d1", Content: "Go 1.0 was released in March 2012.", Score: 0.9},
			{ChunkID: "c2", DocumentID: "d1", Content: "Go was designed at Google.", Score: 0.6},
		},
		Citations: []repository.Citation{
			{Marker: 1, ChunkID: "c1", DocumentID: "d1"},
		},
	}
}

func TestEvaluate_ScoresAllAxes(t *testing.T) {
	judge := &judgeStub{reply: "0.8"}
	repo := &memEvalRepo{}
	engine := NewEngine(judge, repo, WithJudgeModel("judge-model"))

	score, err := engine.Evaluate(context.Background(), completeTx())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	if judge.calls != 3 {
		t.Errorf("expected 3 judge calls, got %d", judge.calls)
	}
	if score.Faithfulness != 0.8 || score.Relevance != 0.8 || score.Completeness != 0.8 {
		t.Errorf("unexpected axis scores %+v", score)
	}
	if math.Abs(score.Composite-0.8) > 1e-9 {
		t.Errorf("expected composite 0.8 with equal weights, got %f", score.Composite)
	}
	if score.JudgeModel != "judge-model" {
		t.Errorf("judge model not recorded: %q", score.JudgeModel)
	}
	if len(repo.scores) != 1 {
		t.Errorf("expected score persisted, got %d", len(repo.scores))
	}
}

func TestEvaluate_DeterministicJudgeRepeatsScores(t *testing.T) {
	judge := &judgeStub{reply: "0.7"}
	repo := &memEvalRepo{}
	engine := NewEngine(judge, repo)

	tx := completeTx()
	first, err := engine.Evaluate(context.Background(), tx)
	if err != nil {
		t.Fatalf("first evaluate: %v", err)
	}
	second, err := engine.Evaluate(context.Background(), tx)
	if err != nil {
		t.Fatalf("second evaluate: %v", err)
	}

	if first.Faithfulness != second.Faithfulness ||
		first.Relevance != second.Relevance ||
		first.Completeness != second.Completeness {
		t.Errorf("axis scores diverged: %+v vs %+v", first, second)
	}
	if first.Composite != second.Composite {
		t.Errorf("composite diverged: %f vs %f", first.Composite, second.Composite)
	}
	if len(repo.scores) != 2 {
		t.Fatalf("expected both evaluations persisted, got %d", len(repo.scores))
	}
}

func TestEvaluate_ZeroCitationsCapsFaithfulness(t *testing.T) {
	judge := &judgeStub{reply: "1.0"}
	engine := NewEngine(judge, &memEvalRepo{})

	tx := completeTx()
	tx.Citations = nil

	score, err := engine.Evaluate(context.Background(), tx)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if score.Faithfulness != 0 {
		t.Errorf("expected faithfulness 0 without citations, got %f", score.Faithfulness)
	}
	// Only relevance and completeness reach the judge.
	if judge.calls != 2 {
		t.Errorf("expected 2 judge calls, got %d", judge.calls)
	}
}

func TestEvaluate_FaithfulnessPromptUsesOnlyCitedPassages(t *testing.T) {
	judge := &judgeStub{reply: "0.9"}
	engine := NewEngine(judge, &memEvalRepo{})

	if _, err := engine.Evaluate(context.Background(), completeTx()); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	var faithPrompt string
	for _, p := range judge.prompts {
		if strings.Contains(p, "FAITHFULNESS") {
			faithPrompt = p
		}
	}
	if faithPrompt == "" {
		t.Fatal("faithfulness prompt not issued")
	}
	if !strings.Contains(faithPrompt, "March 2012") {
		t.Error("cited passage missing from faithfulness prompt")
	}
	if strings.Contains(faithPrompt, "designed at Google") {
		t.Error("uncited passage leaked into faithfulness prompt")
	}
}

func TestEvaluate_RejectsFailedTransactions(t *testing.T) {
	engine := NewEngine(&judgeStub{reply: "0.5"}, &memEvalRepo{})

	tx := completeTx()
	tx.Status = repository.StatusFailed

	if _, err := engine.Evaluate(context.Background(), tx); err == nil {
		t.Error("expected error for failed transaction")
	}
}

func TestEvaluate_WeightedComposite(t *testing.T) {
	judge := &judgeStub{reply: "1.0"}
	engine := NewEngine(judge, &memEvalRepo{}, WithWeights(Weights{
		Faithfulness: 2, Relevance: 1, Completeness: 1,
	}))

	tx := completeTx()
	tx.Citations = nil // faithfulness pinned to 0

	score, err := engine.Evaluate(context.Background(), tx)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	// (2*0 + 1*1 + 1*1) / 4
	if score.Composite != 0.5 {
		t.Errorf("expected composite 0.5, got %f", score.Composite)
	}
}

func TestEvaluateBatch_ContinuesPastFailures(t *testing.T) {
	judge := &judgeStub{reply: "0.6"}
	engine := NewEngine(judge, &memEvalRepo{})

	good := completeTx()
	bad := completeTx()
	bad.Status = repository.StatusFailed

	scores, err := engine.EvaluateBatch(context.Background(), []*repository.Transaction{bad, good})
	if !errors.Is(err, ErrPartialEvaluation) {
		t.Errorf("expected ErrPartialEvaluation, got %v", err)
	}
	if err != nil && !strings.Contains(err.Error(), bad.ID.String()) {
		t.Errorf("error does not name the failed transaction: %v", err)
	}
	if len(scores) != 1 {
		t.Fatalf("expected 1 score, got %d", len(scores))
	}
	if scores[0].TransactionID != good.ID {
		t.Errorf("score recorded for wrong transaction")
	}
}

func TestEvaluateBatch_AllSucceed(t *testing.T) {
	engine := NewEngine(&judgeStub{reply: "0.7"}, &memEvalRepo{})

	scores, err := engine.EvaluateBatch(context.Background(), []*repository.Transaction{completeTx(), completeTx()})
	if err != nil {
		t.Fatalf("expected clean batch, got %v", err)
	}
	if len(scores) != 2 {
		t.Errorf("expected 2 scores, got %d", len(scores))
	}
}

func TestParseScore(t *testing.T) {
	tests := []struct {
		input   string
		want    float64
		wantErr bool
	}{
		{"0.8", 0.8, false},
		{" 0.75\n", 0.75, false},
		{"Score: 0.9 because the answer is grounded", 0.9, false},
		{"1", 1, false},
		{"2.5", 1, false},
		{"no number here", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseScore(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseScore(%q): %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("parseScore(%q) = %f, expected %f", tt.input, got, tt.want)
			}
		})
	}
}
