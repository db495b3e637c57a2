// Package agentloop implements the Agent Loop: the bounded
// retrieve→plan→act→reflect iteration that drives one (task, worker) pair
// to a terminal stop reason, with budget and cancellation checks at the
// top of each iteration and after each model call, a reflect step that can
// force another iteration, and one task.step.created event per iteration.
// No per-iteration timeout is applied beyond the caller's context.
package agentloop

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/codeready-toolchain/doceval/internal/budget"
	"github.com/codeready-toolchain/doceval/internal/domain"
	"github.com/codeready-toolchain/doceval/internal/events"
	"github.com/codeready-toolchain/doceval/internal/guard"
	"github.com/codeready-toolchain/doceval/internal/modelclient"
	"github.com/codeready-toolchain/doceval/internal/retrieval"
	"github.com/codeready-toolchain/doceval/internal/store"
)

const retrieveTopK = 8

// Loop drives the per-task iteration loop.
type Loop struct {
	store  store.Store
	events *events.Log
	budget *budget.Accountant
	client modelclient.Client
}

// New returns a Loop wired to its collaborators.
func New(st store.Store, log *events.Log, acct *budget.Accountant, client modelclient.Client) *Loop {
	return &Loop{store: st, events: log, budget: acct, client: client}
}

// Outcome is everything the caller (Worker Pool / Phase Executor) needs once
// a task execution stops: the terminal execution row, the final attempt for
// evaluation, the evidence it drew on, and the guard's own result so the
// judge doesn't have to recompute it.
type Outcome struct {
	Execution domain.TaskExecution
	Attempt   guard.Attempt
	Evidence  []EvidenceChunk
	Guard     guard.Result
}

// EvidenceChunk is the subset of a retrieved chunk the judge needs.
type EvidenceChunk struct {
	SourceURL   string
	SnippetHash string
	Text        string
}

// Run drives one (task, worker) pair through the bounded loop and returns
// its terminal outcome. The caller persists the TaskEvaluation; Run only
// drives execution, memory, and step traces.
// Run drives one (task, worker) pair through the bounded loop. If it
// returns a non-nil error, the caller (Worker Pool) is responsible for
// synthesizing a fallback evaluation per §4.11/§7.3 — the run itself must
// not fail because one task execution errored. Run finalizes the execution
// row as "error" before returning any error so the caller never needs the
// (unexported) execution id to clean up.
func (l *Loop) Run(ctx context.Context, run *domain.Run, task domain.Task, worker domain.Worker, phase domain.Phase, idx *retrieval.Index) (outcome Outcome, err error) {
	cfg := run.Config
	exec := &domain.TaskExecution{
		ID:        domain.NewID(),
		RunID:     run.ID,
		TaskID:    task.TaskID,
		WorkerID:  worker.ID,
		Phase:     phase,
		Status:    domain.TaskStatusRunning,
		StartedAt: domain.NowMillis(),
	}
	if err := l.store.CreateTaskExecution(ctx, exec); err != nil {
		return Outcome{}, fmt.Errorf("agentloop: create execution: %w", err)
	}
	l.emit(ctx, run.ID, events.TypeTaskStarted, task.TaskID, "task execution started")

	defer func() {
		if err != nil {
			slog.Error("task execution errored", "run_id", run.ID, "task_id", task.TaskID, "worker_id", worker.ID, "error", err)
			_ = l.store.FinalizeTaskExecution(ctx, exec.ID, domain.TaskStatusError, domain.StopReasonError, domain.NowMillis())
			l.emit(ctx, run.ID, events.TypeTaskError, task.TaskID, err.Error())
		}
	}()

	state := &domain.AgentMemoryState{TaskExecutionID: exec.ID, Goal: task.Name}
	if err := l.store.UpsertTaskAgentState(ctx, state); err != nil {
		return Outcome{}, fmt.Errorf("agentloop: init memory state: %w", err)
	}

	var lastEvidence []EvidenceChunk
	var lastAct actResult
	var stepTexts []string
	var finalStopReason domain.StopReason

iterations:
	for iteration := 0; ; iteration++ {
		if reason, stop := l.budget.TopOfIterationStopReason(cfg, exec.StepCount); stop {
			finalStopReason = reason
			break
		}
		// Re-read cancellation and run-cost state at the iteration
		// boundary, so a canceled or cost-capped run stops before the
		// next model call rather than after it.
		if reason, stop, err := l.budget.AfterCallStopReason(ctx, cfg, exec); err != nil {
			return Outcome{}, fmt.Errorf("agentloop: boundary stop check: %w", err)
		} else if stop {
			finalStopReason = reason
			break
		}

		query := retrieveQuery(task, state)
		retrieved := idx.Query(query, retrieveTopK)
		lastEvidence = toEvidence(retrieved)
		if _, err := l.persistStep(ctx, exec, iteration, domain.StepPhaseRetrieve, query, fmt.Sprintf("%d chunks", len(retrieved)), retrieved, nil); err != nil {
			return Outcome{}, err
		}

		plan, planUsage, err := l.callPlan(ctx, cfg.RunModel, task, state, retrieved)
		if err != nil {
			return Outcome{}, fmt.Errorf("agentloop: plan call: %w", err)
		}
		if _, err := l.persistStep(ctx, exec, iteration, domain.StepPhasePlan, query, plan.Rationale, nil, &planUsage); err != nil {
			return Outcome{}, err
		}
		if stop, reason, err := l.applyAndCheck(ctx, cfg, exec, planUsage); err != nil {
			return Outcome{}, err
		} else if stop {
			finalStopReason = reason
			break
		}

		act, actUsage, err := l.callAct(ctx, cfg.RunModel, task, state, retrieved)
		if err != nil {
			return Outcome{}, fmt.Errorf("agentloop: act call: %w", err)
		}
		lastAct = act
		stepTexts = append(stepTexts, act.Answer)
		actStepID, err := l.persistStep(ctx, exec, iteration, domain.StepPhaseAct, query, act.Answer, retrieved, &actUsage)
		if err != nil {
			return Outcome{}, err
		}
		if len(act.Citations) > 0 {
			if err := l.store.PersistTaskStepCitations(ctx, actStepID, act.Citations); err != nil {
				return Outcome{}, fmt.Errorf("agentloop: persist citations: %w", err)
			}
		}
		if stop, reason, err := l.applyAndCheck(ctx, cfg, exec, actUsage); err != nil {
			return Outcome{}, err
		} else if stop {
			finalStopReason = reason
			break
		}

		reflect, reflectUsage, err := l.callReflect(ctx, cfg.RunModel, task, state, act, iteration)
		if err != nil {
			return Outcome{}, fmt.Errorf("agentloop: reflect call: %w", err)
		}
		if _, err := l.persistStep(ctx, exec, iteration, domain.StepPhaseReflect, act.Answer, reflect.Summary, nil, &reflectUsage); err != nil {
			return Outcome{}, err
		}

		exec.StepCount = iteration + 1
		state = updateMemory(state, plan, reflect, retrieved, act.DiscoveredFacts)
		if err := l.store.UpsertTaskAgentState(ctx, state); err != nil {
			return Outcome{}, fmt.Errorf("agentloop: update memory: %w", err)
		}

		stop, reason, err := l.applyAndCheck(ctx, cfg, exec, reflectUsage)
		if err != nil {
			return Outcome{}, err
		}
		if stop {
			finalStopReason = reason
			break
		}

		if act.Done {
			finalStopReason = domain.StopReasonCompleted
			break
		}

		// Force continuation if the model's own shouldContinue verdict would
		// stop an attempt that hasn't produced a usable answer yet.
		if shouldForceContinue(reflect, act, task, iteration) {
			continue iterations
		}
		if !reflect.ShouldContinue {
			finalStopReason = classifyReflectStop(reflect.StopReason)
			break
		}
	}

	status := terminalStatus(finalStopReason)
	endedAt := domain.NowMillis()
	if err := l.store.FinalizeTaskExecution(ctx, exec.ID, status, finalStopReason, endedAt); err != nil {
		return Outcome{}, fmt.Errorf("agentloop: finalize execution: %w", err)
	}
	exec.Status = status
	exec.StopReason = finalStopReason
	exec.EndedAt = &endedAt
	l.emit(ctx, run.ID, events.TypeTaskExecutionDone, task.TaskID, fmt.Sprintf("stopped: %s", finalStopReason))
	slog.Info("task execution finished", "run_id", run.ID, "task_id", task.TaskID, "status", status, "stop_reason", finalStopReason, "steps", exec.StepCount)

	attempt := guard.Attempt{
		Answer:     lastAct.Answer,
		StepOutput: lastAct.StepOutput,
		Steps:      stepTexts,
		Citations:  lastAct.Citations,
		StepCount:  exec.StepCount,
		StopReason: finalStopReason,
	}
	guardResult := guard.Evaluate(task, attempt, idx)
	if err := l.store.PersistDeterministicChecks(ctx, exec.ID, guardResult.Checks); err != nil {
		return Outcome{}, fmt.Errorf("agentloop: persist deterministic checks: %w", err)
	}

	return Outcome{Execution: *exec, Attempt: attempt, Evidence: lastEvidence, Guard: guardResult}, nil
}

func terminalStatus(reason domain.StopReason) domain.TaskStatus {
	switch reason {
	case domain.StopReasonCompleted:
		return domain.TaskStatusPassed // provisional; the judge's verdict is authoritative downstream
	case domain.StopReasonCancelled, domain.StopReasonCostLimit:
		// §4.3(iii): the hard cost cap skips the task outright, same as
		// cancellation — neither gets a judge verdict.
		return domain.TaskStatusSkipped
	default:
		return domain.TaskStatusFailed
	}
}

func (l *Loop) applyAndCheck(ctx context.Context, cfg domain.RunConfig, exec *domain.TaskExecution, usage modelclient.Usage) (bool, domain.StopReason, error) {
	if _, err := l.budget.Apply(ctx, cfg, exec, usage); err != nil {
		return false, "", fmt.Errorf("agentloop: apply usage: %w", err)
	}
	reason, stop, err := l.budget.AfterCallStopReason(ctx, cfg, exec)
	if err != nil {
		return false, "", fmt.Errorf("agentloop: stop-reason check: %w", err)
	}
	return stop, reason, nil
}

// persistStep writes one StepTrace and returns its id for citation linkage.
func (l *Loop) persistStep(ctx context.Context, exec *domain.TaskExecution, iteration int, phase domain.StepPhase, input, output string, retrieved []retrieval.Scored, usage *modelclient.Usage) (string, error) {
	step := &domain.StepTrace{
		ID:              domain.NewID(),
		TaskExecutionID: exec.ID,
		StepIndex:       iteration,
		Phase:           phase,
		Input:           input,
		Output:          output,
		CreatedAt:       domain.NowMillis(),
	}
	for _, r := range retrieved {
		step.Retrieval = append(step.Retrieval, domain.RetrievalRef{SourceURL: r.Chunk.SourceURL, SnippetHash: r.Chunk.SnippetHash, Score: r.Score})
	}
	if usage != nil {
		step.Usage = &domain.Usage{InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens}
	}
	if err := l.store.PersistTaskStep(ctx, step); err != nil {
		return "", fmt.Errorf("agentloop: persist %s step: %w", phase, err)
	}
	if phase == domain.StepPhaseRetrieve {
		l.emit(ctx, exec.RunID, events.TypeTaskStepCreated, exec.TaskID, fmt.Sprintf("retrieve iteration %d", iteration))
	}
	return step.ID, nil
}

func (l *Loop) emit(ctx context.Context, runID, eventType, taskID, message string) {
	_, _ = l.events.Append(ctx, runID, eventType, domain.EventPayload{
		Phase:   "task",
		Message: message,
		Data:    map[string]any{"taskId": taskID},
	})
}

func toEvidence(retrieved []retrieval.Scored) []EvidenceChunk {
	out := make([]EvidenceChunk, len(retrieved))
	for i, r := range retrieved {
		out[i] = EvidenceChunk{SourceURL: r.Chunk.SourceURL, SnippetHash: r.Chunk.SnippetHash, Text: r.Chunk.Text}
	}
	return out
}

func classifyReflectStop(stopReason string) domain.StopReason {
	if strings.Contains(strings.ToLower(stopReason), "error") {
		return domain.StopReasonError
	}
	return domain.StopReasonCompleted
}
