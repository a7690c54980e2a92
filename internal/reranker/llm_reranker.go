package reranker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ynishi/ragqa/internal/llm"
)

const (
	// maxPassageLen truncates passages in the judge prompt to stay under
	// token limits.
	maxPassageLen = 500

	// defaultScore fills entries the judge omitted from its response.
	defaultScore = 0.5
)

// LLMReranker uses an LLM to re-score query-passage pairs for improved
// relevance. The model sees query and passage together, approximating a
// cross-encoder.
type LLMReranker struct {
	llmClient llm.LLM
	model     string
}

// LLMRerankerOption is a functional option for configuring LLMReranker.
type LLMRerankerOption func(*LLMReranker)

// WithModel sets the model to use for reranking.
func WithModel(model string) LLMRerankerOption {
	return func(r *LLMReranker) {
		r.model = model
	}
}

// NewLLMReranker creates a new LLM-based reranker.
func NewLLMReranker(llmClient llm.LLM, opts ...LLMRerankerOption) *LLMReranker {
	r := &LLMReranker{
		llmClient: llmClient,
		model:     llm.DefaultModel,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// relevanceScore represents the structured output from the LLM.
type relevanceScore struct {
	DocIndex int     `json:"doc_index"`
	Score    float64 `json:"score"`
	Reason   string  `json:"reason,omitempty"`
}

type rerankResponse struct {
	Scores []relevanceScore `json:"scores"`
}

// Score asks the judge model to rate each passage's relevance to the query
// in one batched call. Output order matches input order; sorting is the
// caller's concern.
func (r *LLMReranker) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	if len(passages) == 0 {
		return nil, nil
	}

	prompt := r.buildScorePrompt(query, passages)

	opts := llm.GenerateOptions{
		Model:       r.model,
		Temperature: 0, // Deterministic scoring
		MaxTokens:   1024,
	}

	response, err := r.llmClient.Generate(ctx, prompt, opts)
	if err != nil {
		return nil, fmt.Errorf("LLM reranking failed: %w", err)
	}

	scores, err := r.parseScoreResponse(response, len(passages))
	if err != nil {
		return nil, fmt.Errorf("parsing rerank response: %w", err)
	}

	return scores, nil
}

// buildScorePrompt constructs the batched scoring prompt.
func (r *LLMReranker) buildScorePrompt(query string, passages []string) string {
	var sb strings.Builder

	sb.WriteString("You are a relevance scoring system. Score each document's relevance to the query.\n\n")
	sb.WriteString("Query: ")
	sb.WriteString(query)
	sb.WriteString("\n\n")

	sb.WriteString("Documents to score:\n")
	for i, passage := range passages {
		content := passage
		if len(content) > maxPassageLen {
			content = content[:maxPassageLen] + "..."
		}
		sb.WriteString(fmt.Sprintf("[Doc %d]: %s\n\n", i, content))
	}

	sb.WriteString(`Score each document from 0.0 to 1.0 based on relevance to the query.
Output ONLY valid JSON in this exact format:
{"scores": [{"doc_index": 0, "score": 0.9}, {"doc_index": 1, "score": 0.3}, ...]}

Be strict: irrelevant documents should score below 0.3, somewhat relevant 0.3-0.7, highly relevant above 0.7.
Output only JSON, no explanation:`)

	return sb.String()
}

// parseScoreResponse extracts scores from the LLM response.
func (r *LLMReranker) parseScoreResponse(response string, numPassages int) ([]float64, error) {
	response = strings.TrimSpace(response)

	// Extract JSON from markdown code blocks if present
	if idx := strings.Index(response, "```json"); idx != -1 {
		start := idx + 7
		if end := strings.Index(response[start:], "```"); end != -1 {
			response = response[start : start+end]
		}
	} else if idx := strings.Index(response, "```"); idx != -1 {
		start := idx + 3
		if end := strings.Index(response[start:], "```"); end != -1 {
			response = response[start : start+end]
		}
	}

	response = strings.TrimSpace(response)

	var parsed rerankResponse
	if err := json.Unmarshal([]byte(response), &parsed); err != nil {
		return nil, fmt.Errorf("invalid JSON from judge: %w", err)
	}

	// Build score array indexed by doc_index
	scores := make([]float64, numPassages)
	for i := range scores {
		scores[i] = defaultScore // Default score for missing entries
	}

	for _, s := range parsed.Scores {
		if s.DocIndex >= 0 && s.DocIndex < numPassages {
			// Clamp score to valid range
			score := s.Score
			if score < 0 {
				score = 0
			}
			if score > 1 {
				score = 1
			}
			scores[s.DocIndex] = score
		}
	}

	return scores, nil
}

// Ensure LLMReranker implements Reranker interface.
var _ Reranker = (*LLMReranker)(nil)
