package focus

import "math"

const (
	xpPerMinute    = 10
	difficultyBase = 5.0
	minDifficulty  = 1
	maxDifficulty  = 10
)

// Reward converts focused minutes into experience points:
//
//	round(minutes * 10 * (resistance/5) * (complexity/5))
//
// Harder work earns more for the same time on task. Difficulty scores are
// clamped to 1-10 and negative minutes count as zero.
func Reward(focusedMinutes float64, resistance, complexity int) int {
	if focusedMinutes <= 0 || math.IsNaN(focusedMinutes) {
		return 0
	}
	r := float64(clampDifficulty(resistance)) / difficultyBase
	c := float64(clampDifficulty(complexity)) / difficultyBase
	return int(math.Round(focusedMinutes * xpPerMinute * r * c))
}

// FocusedMinutes converts focused seconds into fractional minutes.
func FocusedMinutes(seconds int) float64 {
	if seconds <= 0 {
		return 0
	}
	return float64(seconds) / 60
}

func clampDifficulty(v int) int {
	if v < minDifficulty {
		return minDifficulty
	}
	if v > maxDifficulty {
		return maxDifficulty
	}
	return v
}

// ValidDifficulty reports whether v is a usable resistance or complexity score.
func ValidDifficulty(v int) bool {
	return v >= minDifficulty && v <= maxDifficulty
}
