package scheduler

import (
	"time"

	"github.com/alanyoungcy/kimpbot/internal/domain"
)

// PriorityConfig weighs sessions against each other when a tick picks the
// one to advance.
type PriorityConfig struct {
	AwaitingWeight float64
	InFlightWeight float64
	IdleWeight     float64
	// RatioWeight scales required-profit/investment of an AWAITING_LEG2
	// session, in percent.
	RatioWeight float64
	// WaitWeight is the bonus earned after waiting WaitSaturation in the
	// current status; it grows linearly up to there.
	WaitWeight     float64
	WaitSaturation time.Duration
}

// DefaultPriority returns the standard weights.
func DefaultPriority() PriorityConfig {
	return PriorityConfig{
		AwaitingWeight: 100,
		InFlightWeight: 50,
		IdleWeight:     10,
		RatioWeight:    1,
		WaitWeight:     20,
		WaitSaturation: 24 * time.Hour,
	}
}

// Score computes the priority of a session in status that has waited since
// the given time. requiredRatioPct is required-profit/investment·100 and is
// only counted for AWAITING_LEG2.
func (p PriorityConfig) Score(status domain.SessionStatus, since, now time.Time, requiredRatioPct float64) float64 {
	var score float64
	switch {
	case status == domain.SessionAwaitingLeg2:
		score = p.AwaitingWeight + p.RatioWeight*requiredRatioPct
	case status.InFlight():
		score = p.InFlightWeight
	default:
		score = p.IdleWeight
	}

	if p.WaitSaturation > 0 && !since.IsZero() {
		waited := now.Sub(since)
		if waited > p.WaitSaturation {
			waited = p.WaitSaturation
		}
		if waited > 0 {
			score += p.WaitWeight * float64(waited) / float64(p.WaitSaturation)
		}
	}
	return score
}
