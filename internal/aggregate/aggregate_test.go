package aggregate_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/doceval/internal/aggregate"
	"github.com/codeready-toolchain/doceval/internal/domain"
)

func fc(v domain.FailureClass) *domain.FailureClass { return &v }

func TestTotalsEmptyInputIsAllZero(t *testing.T) {
	got := aggregate.Totals(nil)
	require.Equal(t, 0, got.TotalTasks)
	require.Zero(t, got.PassRate)
	require.Zero(t, got.AverageScore)
}

func TestTotalsComputesRatesAndBreakdown(t *testing.T) {
	evals := []domain.TaskEvaluation{
		{Pass: true, QualityPass: true, ValidityPass: true, CriterionScores: domain.CriterionScores{Completeness: 8, Correctness: 8, Groundedness: 8, Actionability: 8}},
		{Pass: false, QualityPass: false, ValidityPass: true, FailureClass: fc(domain.FailureClassMissingExamples), CriterionScores: domain.CriterionScores{Completeness: 4, Correctness: 4, Groundedness: 4, Actionability: 4}},
	}
	got := aggregate.Totals(evals)
	require.Equal(t, 2, got.TotalTasks)
	require.Equal(t, 1, got.PassedTasks)
	require.Equal(t, 1, got.FailedTasks)
	require.Equal(t, 0.5, got.PassRate)
	require.Equal(t, 1, got.FailureBreakdown["missing_examples"])
	require.Equal(t, 6.0, got.AverageScore)
}

func TestTotalsIsIdempotent(t *testing.T) {
	evals := []domain.TaskEvaluation{
		{Pass: true, QualityPass: true, ValidityPass: true, CriterionScores: domain.CriterionScores{Completeness: 7, Correctness: 7, Groundedness: 7, Actionability: 7}},
	}
	a := aggregate.Totals(evals)
	b := aggregate.Totals(evals)
	require.Equal(t, a, b)
}

func TestDeltaIsComponentWise(t *testing.T) {
	baseline := domain.RunTotals{PassRate: 0.4, AverageScore: 5.5, PassedTasks: 2, FailedTasks: 3}
	optimized := domain.RunTotals{PassRate: 0.8, AverageScore: 7.25, PassedTasks: 4, FailedTasks: 1}
	delta := aggregate.Delta(baseline, optimized)
	require.Equal(t, 0.4, delta.PassRateDelta)
	require.Equal(t, 1.75, delta.AverageScoreDelta)
	require.Equal(t, 2, delta.PassedTasksDelta)
	require.Equal(t, -2, delta.FailedTasksDelta)
}
