package app

import "math"

// ScoringPolicy awards points for correct answers, decreasing linearly with
// the time taken from MaxPoints down to MinRatio*MaxPoints at the time limit.
type ScoringPolicy struct {
	MaxPoints int
	MinRatio  float64
}

func DefaultScoring() ScoringPolicy {
	return ScoringPolicy{MaxPoints: 1000, MinRatio: 0.1}
}

// Points is deterministic and non-increasing in timeTaken.
func (p ScoringPolicy) Points(correct bool, timeTaken, timeLimit float64) int {
	if !correct || p.MaxPoints <= 0 {
		return 0
	}
	minRatio := math.Min(math.Max(p.MinRatio, 0), 1)
	frac := 0.0
	if timeLimit > 0 {
		frac = math.Min(math.Max(timeTaken/timeLimit, 0), 1)
	}
	ratio := 1 - frac*(1-minRatio)
	return int(math.Round(float64(p.MaxPoints) * ratio))
}
