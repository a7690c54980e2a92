// Package confidence derives a scalar trust score for an answer from
// retrieval scores and an optional generation-time self-rating.
package confidence

import "log/slog"

// Weights configures the relative contribution of each confidence input.
// Weights come from configuration, never hardcoded call sites.
type Weights struct {
	// TopScore weights the rank-1 retrieval score.
	TopScore float64

	// Gap weights the score difference between rank-1 and rank-2. A large
	// gap means the top passage is uniquely relevant.
	Gap float64

	// GenerationSignal weights the generator's optional self-rating.
	GenerationSignal float64
}

// DefaultWeights favors retrieval evidence over model self-assessment.
var DefaultWeights = Weights{
	TopScore:         0.5,
	Gap:              0.3,
	GenerationSignal: 0.2,
}

// Estimator computes confidence scores. It never fails; missing inputs
// degrade the estimate instead of erroring.
type Estimator struct {
	weights Weights
	logger  *slog.Logger
}

// NewEstimator creates an estimator with the given weights. Non-positive
// weight sets fall back to DefaultWeights.
func NewEstimator(weights Weights, logger *slog.Logger) *Estimator {
	if weights.TopScore <= 0 && weights.Gap <= 0 && weights.GenerationSignal <= 0 {
		weights = DefaultWeights
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Estimator{weights: weights, logger: logger}
}

// Estimate combines the ordered retrieval scores (best first, each in [0,1])
// and an optional generation signal into a confidence score in [0,1].
//
// The estimate is a weighted mean of the inputs present: the top score, the
// rank-1/rank-2 gap (0 when fewer than two results), and the generation
// signal when provided. It is monotonic in each input with the others fixed.
func (e *Estimator) Estimate(scores []float64, generationSignal *float64) float64 {
	if len(scores) == 0 {
		return 0
	}

	top := clamp01(scores[0])
	gap := 0.0
	if len(scores) >= 2 {
		gap = top - clamp01(scores[1])
		if gap < 0 {
			gap = 0
		}
	}

	weighted := e.weights.TopScore*top + e.weights.Gap*gap
	total := e.weights.TopScore + e.weights.Gap

	if generationSignal != nil {
		weighted += e.weights.GenerationSignal * clamp01(*generationSignal)
		total += e.weights.GenerationSignal
	}

	if total == 0 {
		return 0
	}
	return clamp01(weighted / total)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
