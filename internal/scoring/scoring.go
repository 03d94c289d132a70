// Package scoring holds the numeric helpers shared by the detectors: range
// clamping and the small statistics the heuristics are written against.
package scoring

import "math"

// Clamp limits v to [lo, hi]. NaN and -Inf map to lo, +Inf maps to hi.
func Clamp(v, lo, hi float64) float64 {
	switch {
	case math.IsNaN(v), v < lo:
		return lo
	case v > hi:
		return hi
	default:
		return v
	}
}

// Mean returns the arithmetic mean, 0 for an empty slice.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// StdDev returns the population standard deviation.
func StdDev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := Mean(xs)
	var sq float64
	for _, x := range xs {
		sq += (x - m) * (x - m)
	}
	return math.Sqrt(sq / float64(len(xs)))
}

// CoefficientOfVariation is stddev/mean. It reports ok=false when the mean is
// zero or the input is too short to say anything.
func CoefficientOfVariation(xs []float64) (float64, bool) {
	if len(xs) < 2 {
		return 0, false
	}
	m := Mean(xs)
	if m == 0 || math.IsNaN(m) || math.IsInf(m, 0) {
		return 0, false
	}
	cv := StdDev(xs) / math.Abs(m)
	if math.IsNaN(cv) || math.IsInf(cv, 0) {
		return 0, false
	}
	return cv, true
}

// Intervals returns the successive differences of an ascending series.
func Intervals(ts []float64) []float64 {
	if len(ts) < 2 {
		return nil
	}
	out := make([]float64, 0, len(ts)-1)
	for i := 1; i < len(ts); i++ {
		out = append(out, ts[i]-ts[i-1])
	}
	return out
}
