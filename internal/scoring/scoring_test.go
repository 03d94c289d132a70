package scoring_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/civicgov/civicguard/internal/scoring"
)

func TestClamp(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   float64
		want float64
	}{
		{"inside", 42, 42},
		{"below", -3, 0},
		{"above", 250, 100},
		{"nan", math.NaN(), 0},
		{"neg inf", math.Inf(-1), 0},
		{"pos inf", math.Inf(1), 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, scoring.Clamp(tt.in, 0, 100), 1e-9)
		})
	}
}

func TestCoefficientOfVariation(t *testing.T) {
	t.Parallel()

	cv, ok := scoring.CoefficientOfVariation([]float64{100, 100, 100, 100})
	assert.True(t, ok)
	assert.InDelta(t, 0, cv, 1e-9)

	cv, ok = scoring.CoefficientOfVariation([]float64{1, 3})
	assert.True(t, ok)
	assert.InDelta(t, 0.5, cv, 1e-9)

	_, ok = scoring.CoefficientOfVariation([]float64{0, 0, 0})
	assert.False(t, ok, "zero mean has no defined CV")

	_, ok = scoring.CoefficientOfVariation([]float64{5})
	assert.False(t, ok)
}

func TestIntervals(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []float64{10, 5}, scoring.Intervals([]float64{0, 10, 15}))
	assert.Nil(t, scoring.Intervals([]float64{1}))
}
