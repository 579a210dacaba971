package client

import (
	"math"
	"time"
)

// Points computes the score for one submission: full credit scaled by a
// time-remaining bonus for correct answers, zero otherwise. With half the
// budget left a correct answer earns 75% of the base.
//
//	points = round(base * (0.5 + 0.5 * remaining/limit))
func Points(base int, remaining, limit time.Duration, correct bool) int {
	if !correct || base <= 0 {
		return 0
	}
	if limit <= 0 {
		return base
	}
	frac := float64(remaining) / float64(limit)
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	return int(math.Round(float64(base) * (0.5 + 0.5*frac)))
}
