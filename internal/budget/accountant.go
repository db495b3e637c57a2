// Package budget implements the Budget Accountant: per-task-execution
// token/step/cost tracking, atomic run-cost accumulation, and the
// termination checks that stop an Agent Loop iteration promptly once a cap
// is hit.
package budget

import (
	"context"
	"fmt"

	"github.com/codeready-toolchain/doceval/internal/domain"
	"github.com/codeready-toolchain/doceval/internal/modelclient"
	"github.com/codeready-toolchain/doceval/internal/store"
)

// CostFunc computes a USD cost estimate for one model call's token usage.
// Isolated behind this type so the placeholder linear formula can be
// swapped for provider-reported cost or an alternate pricing policy
// without touching the accountant.
type CostFunc func(usage modelclient.Usage) float64

// DefaultCostFunc is a placeholder linear pricing policy:
// inputTokens/1e6*0.5 + outputTokens/1e6*2.0 USD.
func DefaultCostFunc(usage modelclient.Usage) float64 {
	return float64(usage.InputTokens)/1e6*0.5 + float64(usage.OutputTokens)/1e6*2.0
}

// Accountant tracks per-execution totals and enforces run-level and
// execution-level caps.
type Accountant struct {
	store    store.Store
	costFunc CostFunc
}

// New returns an Accountant using fn for cost pricing; a nil fn falls back
// to DefaultCostFunc.
func New(st store.Store, fn CostFunc) *Accountant {
	if fn == nil {
		fn = DefaultCostFunc
	}
	return &Accountant{store: st, costFunc: fn}
}

// Totals is the running per-execution counters the accountant maintains.
type Totals struct {
	StepsUsed  int
	TokensUsed int
	CostUsed   float64
}

// Apply records one model call's usage against an execution: adds to the
// per-execution totals, atomically adds to the run's cost, and rewrites
// remainingBudget in AgentMemoryState.
func (a *Accountant) Apply(ctx context.Context, cfg domain.RunConfig, exec *domain.TaskExecution, usage modelclient.Usage) (Totals, error) {
	cost := a.costFunc(usage)

	exec.TokensIn += usage.InputTokens
	exec.TokensOut += usage.OutputTokens
	exec.CostEstimate += cost

	if err := a.store.UpdateTaskExecutionProgress(ctx, exec.ID, exec.StepCount, exec.TokensIn, exec.TokensOut, exec.CostEstimate); err != nil {
		return Totals{}, fmt.Errorf("budget: update execution progress: %w", err)
	}

	runCost, err := a.store.IncrementRunCost(ctx, exec.RunID, cost)
	if err != nil {
		return Totals{}, fmt.Errorf("budget: increment run cost: %w", err)
	}

	totals := Totals{
		StepsUsed:  exec.StepCount,
		TokensUsed: exec.TokensIn + exec.TokensOut,
		CostUsed:   exec.CostEstimate,
	}

	if state, err := a.store.GetTaskAgentState(ctx, exec.ID); err == nil && state != nil {
		state.RemainingBudget = a.remaining(cfg, totals)
		if err := a.store.UpsertTaskAgentState(ctx, state); err != nil {
			return Totals{}, fmt.Errorf("budget: rewrite remaining budget: %w", err)
		}
	}

	_ = runCost // run-level cost is consulted via AfterCallStopReason, not returned here
	return totals, nil
}

func (a *Accountant) remaining(cfg domain.RunConfig, t Totals) domain.RemainingBudget {
	remSteps := cfg.MaxStepsPerTask - t.StepsUsed
	if remSteps < 0 {
		remSteps = 0
	}
	remTokens := cfg.MaxTokensPerTask - t.TokensUsed
	if remTokens < 0 {
		remTokens = 0
	}
	remCost := cfg.HardCostCapUsd - t.CostUsed
	if remCost < 0 {
		remCost = 0
	}
	return domain.RemainingBudget{Steps: remSteps, Tokens: remTokens, CostUsd: remCost}
}

// AfterCallStopReason evaluates the termination checks in order, run after
// each model call (i.e. after Apply):
// (i) token limit, (ii) run canceled, (iii) run cost cap.
// A zero-value return means "no stop yet".
func (a *Accountant) AfterCallStopReason(ctx context.Context, cfg domain.RunConfig, exec *domain.TaskExecution) (domain.StopReason, bool, error) {
	if exec.TokensIn+exec.TokensOut >= cfg.MaxTokensPerTask {
		return domain.StopReasonTokenLimit, true, nil
	}

	canceled, err := a.store.IsRunCanceled(ctx, exec.RunID)
	if err != nil {
		return "", false, fmt.Errorf("budget: check run canceled: %w", err)
	}
	if canceled {
		return domain.StopReasonCancelled, true, nil
	}

	run, err := a.store.GetRun(ctx, exec.RunID)
	if err != nil {
		return "", false, fmt.Errorf("budget: load run for cost check: %w", err)
	}
	if run.CostEstimate >= cfg.HardCostCapUsd {
		return domain.StopReasonCostLimit, true, nil
	}

	return "", false, nil
}

// TopOfIterationStopReason is the check evaluated at the top of each loop
// iteration, before retrieve runs: stepsUsed >= maxStepsPerTask.
func (a *Accountant) TopOfIterationStopReason(cfg domain.RunConfig, stepsUsed int) (domain.StopReason, bool) {
	if stepsUsed >= cfg.MaxStepsPerTask {
		return domain.StopReasonStepLimit, true
	}
	return "", false
}
