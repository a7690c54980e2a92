package confidence

import (
	"math"
	"testing"
)

func estimator() *Estimator {
	return NewEstimator(DefaultWeights, nil)
}

func TestEstimate_NoResults(t *testing.T) {
	if got := estimator().Estimate(nil, nil); got != 0 {
		t.Errorf("expected 0 for no results, got %f", got)
	}
	if got := estimator().Estimate([]float64{}, nil); got != 0 {
		t.Errorf("expected 0 for empty results, got %f", got)
	}
}

func TestEstimate_SingleResult(t *testing.T) {
	// With one result the gap term is zero but still weighted, so a strong
	// single hit does not produce full confidence.
	got := estimator().Estimate([]float64{0.9}, nil)
	want := (0.5 * 0.9) / 0.8
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("expected %f, got %f", want, got)
	}
}

func TestEstimate_GapSeparatesAmbiguousResults(t *testing.T) {
	// Same top score, but a clear winner should score higher than a near tie.
	clear := estimator().Estimate([]float64{0.92, 0.40}, nil)
	ambiguous := estimator().Estimate([]float64{0.92, 0.90}, nil)

	if clear <= ambiguous {
		t.Errorf("expected clear winner (%f) above near tie (%f)", clear, ambiguous)
	}

	wantClear := (0.5*0.92 + 0.3*0.52) / 0.8
	if math.Abs(clear-wantClear) > 1e-9 {
		t.Errorf("expected %f for clear winner, got %f", wantClear, clear)
	}
}

func TestEstimate_GenerationSignalOnlyCountsWhenPresent(t *testing.T) {
	scores := []float64{0.8, 0.6}

	without := estimator().Estimate(scores, nil)
	high := 1.0
	withHigh := estimator().Estimate(scores, &high)
	low := 0.0
	withLow := estimator().Estimate(scores, &low)

	if withHigh <= without {
		t.Errorf("high signal should raise the estimate: %f vs %f", withHigh, without)
	}
	if withLow >= without {
		t.Errorf("low signal should lower the estimate: %f vs %f", withLow, without)
	}
}

func TestEstimate_MonotonicInTopScore(t *testing.T) {
	prev := -1.0
	for _, top := range []float64{0.1, 0.3, 0.5, 0.7, 0.9} {
		got := estimator().Estimate([]float64{top, 0.1}, nil)
		if got < prev {
			t.Errorf("estimate not monotonic in top score at %f", top)
		}
		prev = got
	}
}

func TestEstimate_ClampsOutOfRangeInputs(t *testing.T) {
	signal := 5.0
	got := estimator().Estimate([]float64{1.7, -0.2}, &signal)
	if got < 0 || got > 1 {
		t.Errorf("estimate %f outside [0,1]", got)
	}
}

func TestNewEstimator_FallsBackToDefaults(t *testing.T) {
	e := NewEstimator(Weights{}, nil)
	if e.weights != DefaultWeights {
		t.Errorf("expected default weights, got %+v", e.weights)
	}
}

func TestEstimate_NegativeGapTreatedAsZero(t *testing.T) {
	// A clamped top score can sit below rank 2's raw score; the gap never
	// goes negative.
	got := estimator().Estimate([]float64{0.5, 0.9}, nil)
	want := (0.5 * 0.5) / 0.8
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("expected %f, got %f", want, got)
	}
}
