package lcms

import "math"

// Tolerance combines a relative and an absolute m/z tolerance with a
// retention time tolerance
type Tolerance struct {
	MzPPM     float64
	MzAbs     float64
	RTSeconds float64
}

// Mz returns the m/z tolerance at a given m/z: the larger of the ppm
// and the absolute tolerance
func (t Tolerance) Mz(mz float64) float64 {
	return math.Max(t.MzPPM*mz/1000000.0, t.MzAbs)
}

// MzMatch reports whether a and b are within tolerance of each other
func (t Tolerance) MzMatch(a, b float64) bool {
	return math.Abs(a-b) <= t.Mz(math.Max(a, b))
}

// RTMatch reports whether two retention times are within tolerance
func (t Tolerance) RTMatch(a, b float64) bool {
	return math.Abs(a-b) <= t.RTSeconds
}
