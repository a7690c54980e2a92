package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/ynishi/ragqa/internal/llm"
)

// hydePrompt asks the model for an ungrounded hypothetical answer whose only
// purpose is to be embedded for retrieval.
const hydePrompt = `Write a short, plausible answer to the following question. The answer will be used only to search a document index, so include the key terms and concepts an authoritative answer would contain. Do not hedge or mention that you are guessing.

Question: %s

Hypothetical answer:`

const (
	hydeTemperature = 0.3
	hydeMaxTokens   = 300
)

// hydeStrategy generates a hypothetical answer document for the question and
// embeds that instead of the raw query. Fails open: if synthesis fails, the
// raw query is embedded as in the basic strategy.
type hydeStrategy struct {
	deps Deps
}

func (s *hydeStrategy) Kind() Kind { return KindHyDE }

func (s *hydeStrategy) Retrieve(ctx context.Context, query string, k int) (*Result, error) {
	if k < 1 {
		return nil, fmt.Errorf("k must be >= 1, got %d", k)
	}
	if err := checkIndex(ctx, s.deps.Index); err != nil {
		return nil, err
	}

	embedText := query
	hypothetical := s.generateHypothetical(ctx, query)
	if hypothetical != "" {
		embedText = hypothetical
	}

	vec, err := embedWithRetry(ctx, s.deps.Embedder, embedText)
	if err != nil {
		return nil, err
	}

	matches, err := s.deps.Index.Search(ctx, vec, k, float32(s.deps.MinScore))
	if err != nil {
		return nil, fmt.Errorf("searching index: %w", err)
	}

	return &Result{
		Passages:     dedupeByChunkID(toScored(matches)),
		Strategy:     KindHyDE,
		Hypothetical: hypothetical,
	}, nil
}

// generateHypothetical returns the synthetic answer, or "" when generation
// fails so the caller can fall back to the raw query.
func (s *hydeStrategy) generateHypothetical(ctx context.Context, query string) string {
	text, err := s.deps.Generator.Generate(ctx, fmt.Sprintf(hydePrompt, query), llm.GenerateOptions{
		Model:       s.deps.GeneratorModel,
		Temperature: hydeTemperature,
		MaxTokens:   hydeMaxTokens,
	})
	if err != nil {
		s.deps.Logger.Warn("hyde synthesis failed, falling back to raw query", "error", err)
		return ""
	}

	text = strings.TrimSpace(text)
	if text == "" {
		s.deps.Logger.Warn("hyde synthesis returned empty text, falling back to raw query")
		return ""
	}

	s.deps.Logger.Debug("hyde hypothetical generated", "chars", len(text))
	return text
}
