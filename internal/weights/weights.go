// Package weights computes per-point weights for the weighted trendline.
// Strategies are pure and combine multiplicatively, so either factor can
// dominate when it approaches zero.
package weights

import (
	"math"

	"pollster-audit/internal/models"
)

// Neutral is the weight a strategy yields when its field is missing
const Neutral = 1.0

// Func computes a weight for one point
type Func func(p models.WeightedPoint) float64

// Field reads a named numeric field of a point. Supported names are
// SampleSize, MarginOfError, y and x.
func Field(p models.WeightedPoint, name string) (float64, bool) {
	switch name {
	case models.HeadingSampleSize:
		if p.SampleSize == nil {
			return 0, false
		}
		return *p.SampleSize, true
	case models.HeadingMarginOfError:
		if p.MarginOfError == nil {
			return 0, false
		}
		return *p.MarginOfError, true
	case "y":
		return p.Y, true
	case "x":
		return float64(p.X), true
	}
	return 0, false
}

func usable(v float64, ok bool) bool {
	return ok && !math.IsNaN(v) && !math.IsInf(v, 0)
}

// LogScaled weights by log(1 + field)
func LogScaled(field string) Func {
	return func(p models.WeightedPoint) float64 {
		v, ok := Field(p, field)
		if !usable(v, ok) {
			return Neutral
		}
		return math.Log1p(v)
	}
}

// InverseError weights by 1 / field^power when the field is positive
func InverseError(field string, power float64) Func {
	return func(p models.WeightedPoint) float64 {
		v, ok := Field(p, field)
		if !usable(v, ok) || v <= 0 {
			return Neutral
		}
		return 1 / math.Pow(v, power)
	}
}

// Combine multiplies the component weights. No components yields Neutral.
func Combine(fns ...Func) Func {
	return func(p models.WeightedPoint) float64 {
		w := Neutral
		for _, fn := range fns {
			w *= fn(p)
		}
		return w
	}
}

// Default is the primary chart weighting: larger samples and tighter
// margins count for more.
func Default() Func {
	return Combine(LogScaled(models.HeadingSampleSize), InverseError(models.HeadingMarginOfError, 2.5))
}

// Apply returns a copy of points with Weight set by fn
func Apply(points []models.WeightedPoint, fn Func) []models.WeightedPoint {
	out := make([]models.WeightedPoint, len(points))
	for i, p := range points {
		p.Weight = fn(p)
		out[i] = p
	}
	return out
}
