// Package synthesizer turns a question and retrieved passages into a
// grounded answer with a traceable citation set.
package synthesizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ynishi/ragqa/internal/llm"
	"github.com/ynishi/ragqa/internal/retrieval"
)

// ErrGeneration is returned when the generation capability errors or
// returns empty text after bounded retries.
var ErrGeneration = errors.New("generation capability failed")

const (
	// Generation failures are retried at most twice with exponential
	// backoff before ErrGeneration propagates.
	generateRetries      = 2
	generateRetryBackoff = 500 * time.Millisecond

	answerTemperature = 0.3
	answerMaxTokens   = 1024
)

const systemPrompt = `You are a question answering assistant. Answer using ONLY the context documents provided.

Rules:
1. Base every statement on the context documents. Do not invent information.
2. Cite the documents you used inline with their markers, e.g. [Doc 1].
3. If the documents do not contain enough information, say so explicitly.
4. Be brief and direct.
5. End your reply with a final line "Self-rating: X" where X between 0.0 and 1.0 is your own estimate of how well the documents support your answer.`

// citationPattern matches inline source markers like [Doc 3].
var citationPattern = regexp.MustCompile(`\[Doc (\d+)\]`)

// selfRatingPattern matches the generator's trailing self-rating line.
var selfRatingPattern = regexp.MustCompile(`(?im)^\s*self-rating:\s*([0-9]*\.?[0-9]+)\s*$`)

// Citation references a chunk that the generated answer actually used.
type Citation struct {
	// Marker is the 1-based [Doc N] index the answer cited.
	Marker     int    `json:"marker"`
	ChunkID    string `json:"chunk_id"`
	DocumentID string `json:"document_id"`
}

// Answer is the synthesized result: grounded text, ordered citations, and an
// optional self-reported generation signal in [0,1].
type Answer struct {
	Text             string
	Citations        []Citation
	GenerationSignal *float64
}

// Synthesizer builds the grounding prompt and parses the model output.
type Synthesizer struct {
	llmClient llm.LLM
	model     string
	logger    *slog.Logger
}

// Option is a functional option for configuring Synthesizer.
type Option func(*Synthesizer)

// WithModel sets the generation model.
func WithModel(model string) Option {
	return func(s *Synthesizer) {
		s.model = model
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Synthesizer) {
		s.logger = logger
	}
}

// New creates a Synthesizer using the given generation client.
func New(llmClient llm.LLM, opts ...Option) *Synthesizer {
	s := &Synthesizer{
		llmClient: llmClient,
		model:     llm.DefaultModel,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Synthesize generates a grounded answer for the question from the retrieved
// passages. Fails with ErrGeneration when the capability errors or returns
// empty text after bounded retries.
func (s *Synthesizer) Synthesize(ctx context.Context, question string, res *retrieval.Result) (*Answer, error) {
	prompt := s.buildPrompt(question, res.Passages)

	opts := llm.GenerateOptions{
		Model:        s.model,
		SystemPrompt: systemPrompt,
		Temperature:  answerTemperature,
		MaxTokens:    answerMaxTokens,
	}

	raw, err := s.generateWithRetry(ctx, prompt, opts)
	if err != nil {
		return nil, err
	}

	text, signal := extractSelfRating(raw)
	citations := parseCitations(text, res.Passages)

	return &Answer{
		Text:             text,
		Citations:        citations,
		GenerationSignal: signal,
	}, nil
}

// buildPrompt binds the question to the passages with explicit [Doc N]
// source markers.
func (s *Synthesizer) buildPrompt(question string, passages []retrieval.ScoredPassage) string {
	var sb strings.Builder

	sb.WriteString("## Context Documents\n\n")
	for i, p := range passages {
		sb.WriteString(fmt.Sprintf("[Doc %d]", i+1))
		if title := p.Metadata["title"]; title != "" {
			sb.WriteString(fmt.Sprintf(" (Title: %s)", title))
		}
		if source := p.Metadata["source"]; source != "" {
			sb.WriteString(fmt.Sprintf(" (Source: %s)", source))
		}
		sb.WriteString("\n")
		sb.WriteString(p.Content)
		sb.WriteString("\n\n")
	}

	sb.WriteString("## Question\n")
	sb.WriteString(question)
	sb.WriteString("\n\n## Answer\n")

	return sb.String()
}

// generateWithRetry calls the generator, retrying errors and empty output
// with exponential backoff. The final failure wraps ErrGeneration.
func (s *Synthesizer) generateWithRetry(ctx context.Context, prompt string, opts llm.GenerateOptions) (string, error) {
	var lastErr error
	backoff := generateRetryBackoff

	for attempt := 0; attempt <= generateRetries; attempt++ {
		if attempt > 0 {
			s.logger.Warn("generation attempt failed, retrying", "attempt", attempt, "error", lastErr)
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return "", ctx.Err()
			case <-timer.C:
			}
			backoff *= 2
		}

		text, err := s.llmClient.Generate(ctx, prompt, opts)
		if err != nil {
			lastErr = err
			continue
		}
		if strings.TrimSpace(text) == "" {
			lastErr = errors.New("empty generation output")
			continue
		}
		return text, nil
	}

	return "", fmt.Errorf("%w: %v", ErrGeneration, lastErr)
}

// parseCitations extracts [Doc N] markers from the answer in order of first
// appearance, deduplicated, resolving each marker to the chunk it refers to.
// Markers outside the passage range are dropped.
func parseCitations(text string, passages []retrieval.ScoredPassage) []Citation {
	matches := citationPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[int]bool)
	var citations []Citation
	for _, m := range matches {
		marker, err := strconv.Atoi(m[1])
		if err != nil || marker < 1 || marker > len(passages) || seen[marker] {
			continue
		}
		seen[marker] = true
		p := passages[marker-1]
		citations = append(citations, Citation{
			Marker:     marker,
			ChunkID:    p.ChunkID,
			DocumentID: p.DocumentID,
		})
	}
	return citations
}

// extractSelfRating strips the trailing "Self-rating: X" line from the raw
// output and returns it as a clamped generation signal, when present.
func extractSelfRating(raw string) (string, *float64) {
	match := selfRatingPattern.FindStringSubmatch(raw)
	if match == nil {
		return strings.TrimSpace(raw), nil
	}

	text := strings.TrimSpace(selfRatingPattern.ReplaceAllString(raw, ""))

	rating, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return text, nil
	}
	if rating < 0 {
		rating = 0
	}
	if rating > 1 {
		rating = 1
	}
	return text, &rating
}
