// Package aggregate implements the Aggregator: a pure reduction of
// one phase's TaskEvaluation rows into RunTotals.
package aggregate

import (
	"math"

	"github.com/codeready-toolchain/doceval/internal/domain"
)

// Totals reduces evals into a domain.RunTotals. An empty input yields an
// all-zero result (division by totalTasks is guarded, not skipped, so the
// zero value is exact rather than absent).
func Totals(evals []domain.TaskEvaluation) domain.RunTotals {
	totals := domain.RunTotals{FailureBreakdown: map[string]int{}}
	totals.TotalTasks = len(evals)
	if totals.TotalTasks == 0 {
		return totals
	}

	var scoreSum float64
	for _, e := range evals {
		if e.Pass {
			totals.PassedTasks++
		} else {
			totals.FailedTasks++
		}
		if e.QualityPass {
			totals.QualityPassedTasks++
		}
		if e.ValidityPass {
			totals.ValidityPassedTasks++
		}
		if e.FailureClass != nil {
			totals.FailureBreakdown[string(*e.FailureClass)]++
		}
		scoreSum += e.CriterionScores.Average()
	}

	n := float64(totals.TotalTasks)
	totals.PassRate = round4(float64(totals.PassedTasks) / n)
	totals.QualityPassRate = round4(float64(totals.QualityPassedTasks) / n)
	totals.ValidityPassRate = round4(float64(totals.ValidityPassedTasks) / n)
	totals.AverageScore = round4(scoreSum / n)
	return totals
}

// Delta is the component-wise (optimized - baseline) comparison between
// two phases' totals, rounded to 4 decimals.
func Delta(baseline, optimized domain.RunTotals) domain.TotalsDelta {
	return domain.TotalsDelta{
		PassRateDelta:     round4(optimized.PassRate - baseline.PassRate),
		AverageScoreDelta: round4(optimized.AverageScore - baseline.AverageScore),
		PassedTasksDelta:  optimized.PassedTasks - baseline.PassedTasks,
		FailedTasksDelta:  optimized.FailedTasks - baseline.FailedTasks,
	}
}

// round4 applies the same round-half-to-even policy used throughout the
// scoring pipeline, to 4 decimal places.
func round4(v float64) float64 {
	return math.RoundToEven(v*10000) / 10000
}
