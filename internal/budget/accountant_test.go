package budget_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/doceval/internal/budget"
	"github.com/codeready-toolchain/doceval/internal/domain"
	"github.com/codeready-toolchain/doceval/internal/modelclient"
	"github.com/codeready-toolchain/doceval/internal/store/memstore"
)

func setupExec(t *testing.T, st *memstore.Store, cfg domain.RunConfig) *domain.TaskExecution {
	t.Helper()
	ctx := context.Background()
	run := &domain.Run{ID: "run-1", Status: domain.RunStatusRunning, Config: cfg}
	require.NoError(t, st.CreateRun(ctx, run))
	exec := &domain.TaskExecution{ID: "exec-1", RunID: "run-1", TaskID: "task-1"}
	require.NoError(t, st.CreateTaskExecution(ctx, exec))
	require.NoError(t, st.UpsertTaskAgentState(ctx, &domain.AgentMemoryState{TaskExecutionID: "exec-1"}))
	return exec
}

func TestDefaultCostFunc(t *testing.T) {
	cost := budget.DefaultCostFunc(modelclient.Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000})
	require.InDelta(t, 2.5, cost, 1e-9)
}

func TestApplyAccumulatesAndWritesRemainingBudget(t *testing.T) {
	cfg := domain.RunConfig{MaxStepsPerTask: 10, MaxTokensPerTask: 1000, HardCostCapUsd: 10}
	st := memstore.New()
	exec := setupExec(t, st, cfg)
	acct := budget.New(st, nil)
	ctx := context.Background()

	totals, err := acct.Apply(ctx, cfg, exec, modelclient.Usage{InputTokens: 100, OutputTokens: 50})
	require.NoError(t, err)
	require.Equal(t, 150, totals.TokensUsed)

	state, err := st.GetTaskAgentState(ctx, "exec-1")
	require.NoError(t, err)
	require.Equal(t, 1000-150, state.RemainingBudget.Tokens)

	run, err := st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.InDelta(t, totals.CostUsed, run.CostEstimate, 1e-9)
}

func TestAfterCallStopReasonPrecedence(t *testing.T) {
	ctx := context.Background()
	cfg := domain.RunConfig{MaxTokensPerTask: 100, HardCostCapUsd: 0.0005}
	st := memstore.New()
	exec := setupExec(t, st, cfg)
	acct := budget.New(st, nil)

	// Token limit fires first regardless of cost state.
	exec.TokensIn, exec.TokensOut = 60, 50
	reason, stop, err := acct.AfterCallStopReason(ctx, cfg, exec)
	require.NoError(t, err)
	require.True(t, stop)
	require.Equal(t, domain.StopReasonTokenLimit, reason)

	// Below token limit, cancellation takes precedence over cost cap.
	exec.TokensIn, exec.TokensOut = 1, 1
	_, err = st.IncrementRunCost(ctx, "run-1", 0.001)
	require.NoError(t, err)
	require.NoError(t, st.FinalizeRun(ctx, "run-1", domain.RunStatusCanceled, nil, 1))
	reason, stop, err = acct.AfterCallStopReason(ctx, cfg, exec)
	require.NoError(t, err)
	require.True(t, stop)
	require.Equal(t, domain.StopReasonCancelled, reason)
}

func TestAfterCallStopReasonCostCap(t *testing.T) {
	ctx := context.Background()
	cfg := domain.RunConfig{MaxTokensPerTask: 100000, HardCostCapUsd: 0.001}
	st := memstore.New()
	exec := setupExec(t, st, cfg)
	acct := budget.New(st, nil)

	_, err := acct.Apply(ctx, cfg, exec, modelclient.Usage{InputTokens: 1000, OutputTokens: 1000})
	require.NoError(t, err)

	reason, stop, err := acct.AfterCallStopReason(ctx, cfg, exec)
	require.NoError(t, err)
	require.True(t, stop)
	require.Equal(t, domain.StopReasonCostLimit, reason)
}

func TestTopOfIterationStopReason(t *testing.T) {
	acct := budget.New(memstore.New(), nil)
	cfg := domain.RunConfig{MaxStepsPerTask: 3}
	_, stop := acct.TopOfIterationStopReason(cfg, 2)
	require.False(t, stop)
	reason, stop := acct.TopOfIterationStopReason(cfg, 3)
	require.True(t, stop)
	require.Equal(t, domain.StopReasonStepLimit, reason)
}
