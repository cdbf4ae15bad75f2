package ai

// anomalyScore measures how unusual the amount is for this employee.
// With at least three prior expenses it uses a robust z-score; otherwise a
// fixed heuristic over ratio, size and hour.
func anomalyScore(f features) (score float64, method string) {
	if z, ok := robustZ(f.amount, f.historyAmounts); ok {
		s := sigmoid(z - 3)
		if f.unusualHour() {
			s += 0.1
		}
		return clamp01(s), "robust_zscore"
	}
	return heuristicAnomalyScore(f), "heuristic_anomaly"
}

func heuristicAnomalyScore(f features) float64 {
	score := 0.0
	switch {
	case f.ratioToAverage > 5:
		score += 0.35
	case f.ratioToAverage > 3:
		score += 0.15
	}
	switch {
	case f.amount > 5000:
		score += 0.25
	case f.amount > 2000:
		score += 0.10
	}
	if f.hour < 5 {
		score += 0.15
	}
	return clamp01(score)
}
