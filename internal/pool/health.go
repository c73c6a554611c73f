package pool

import "time"

const (
	idleThreshold = 5 * time.Minute

	idlePenalty     = 30
	errorPenalty    = 10
	maxErrorPenalty = 50
	closedPenalty   = 50

	healthyMinScore = 80
	warningMinScore = 60

	// critical connections beyond this error count are force-disconnected
	forceDisconnectErrors = 10
)

// healthScore computes the 0-100 score for a connection. Deductions: idle
// beyond the threshold, accumulated socket errors (capped), transport not
// in an open state.
func healthScore(idle time.Duration, errorCount int64, open bool) int {
	score := 100
	if idle > idleThreshold {
		score -= idlePenalty
	}
	penalty := errorCount * errorPenalty
	if penalty > maxErrorPenalty {
		penalty = maxErrorPenalty
	}
	score -= int(penalty)
	if !open {
		score -= closedPenalty
	}
	if score < 0 {
		score = 0
	}
	return score
}

func classifyScore(score int) Health {
	switch {
	case score >= healthyMinScore:
		return HealthHealthy
	case score >= warningMinScore:
		return HealthWarning
	default:
		return HealthCritical
	}
}

// aggregateHealthScore is the weighted pool-wide score:
// (healthy*100 + warning*60 + critical*30) / total.
func aggregateHealthScore(healthy, warning, critical int) float64 {
	total := healthy + warning + critical
	if total == 0 {
		return 100
	}
	return float64(healthy*100+warning*60+critical*30) / float64(total)
}
