// Package workerpool implements the Worker Pool: a bounded set of
// concurrent workers draining a FIFO task queue, each driving the Agent
// Loop, with a separate judge-concurrency semaphore for evaluation calls.
// The pop-drive-exit loop and the Health snapshot follow the same shape as
// a database-polling worker pool, generalized to an in-process channel
// consumer.
package workerpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/codeready-toolchain/doceval/internal/agentloop"
	"github.com/codeready-toolchain/doceval/internal/domain"
	"github.com/codeready-toolchain/doceval/internal/events"
	"github.com/codeready-toolchain/doceval/internal/judge"
	"github.com/codeready-toolchain/doceval/internal/retrieval"
	"github.com/codeready-toolchain/doceval/internal/store"
)

// Pool drives one phase's worth of task executions across a fixed worker
// set, then fans evaluation out across a bounded judge concurrency.
type Pool struct {
	store  store.Store
	events *events.Log
	loop   *agentloop.Loop
	judge  *judge.Judge
}

// New returns a Pool wired to its collaborators.
func New(st store.Store, log *events.Log, loop *agentloop.Loop, j *judge.Judge) *Pool {
	return &Pool{store: st, events: log, loop: loop, judge: j}
}

// Health is a point-in-time snapshot of worker pool activity, for
// surfacing progress without reading every execution row. Modeled on the
// teacher's PoolHealth/WorkerHealth shape (pkg/queue/pool.go): aggregate
// counts plus a per-worker breakdown, safe to poll concurrently with an
// in-flight Run.
type Health struct {
	TotalWorkers   int
	IdleWorkers    int
	RunningWorkers int
	DoneWorkers    int
	ErrorWorkers   int
	TasksRemaining int
	Workers        []WorkerHealth
}

// WorkerHealth is one worker's current status within a Health snapshot.
type WorkerHealth struct {
	WorkerID string
	Label    string
	Status   domain.WorkerStatus
}

// Snapshot reports the current worker and task-queue state for a run,
// reading directly from the Store rather than from in-memory pool state so
// it reflects concurrently-running phases too.
func (p *Pool) Snapshot(ctx context.Context, runID string) (Health, error) {
	workers, err := p.store.GetWorkers(ctx, runID)
	if err != nil {
		return Health{}, fmt.Errorf("workerpool: snapshot workers: %w", err)
	}
	tasks, err := p.store.GetTasks(ctx, runID)
	if err != nil {
		return Health{}, fmt.Errorf("workerpool: snapshot tasks: %w", err)
	}

	h := Health{TotalWorkers: len(workers), Workers: make([]WorkerHealth, 0, len(workers))}
	for _, w := range workers {
		h.Workers = append(h.Workers, WorkerHealth{WorkerID: w.ID, Label: w.WorkerLabel, Status: w.Status})
		switch w.Status {
		case domain.WorkerStatusIdle:
			h.IdleWorkers++
		case domain.WorkerStatusRunning:
			h.RunningWorkers++
		case domain.WorkerStatusDone:
			h.DoneWorkers++
		case domain.WorkerStatusError:
			h.ErrorWorkers++
		}
	}
	for _, t := range tasks {
		if t.Status == domain.TaskStatusPending || t.Status == domain.TaskStatusRunning {
			h.TasksRemaining++
		}
	}
	return h, nil
}

// Run drains tasks across workers (bounded by executionConcurrency and
// len(workers)), evaluates each finished execution through judgeConcurrency
// concurrent judge calls, and returns every phase-scoped evaluation. It
// returns when the queue drains or cancellation is observed.
func (p *Pool) Run(ctx context.Context, run *domain.Run, tasks []domain.Task, workers []domain.Worker, phase domain.Phase, idx *retrieval.Index) ([]domain.TaskEvaluation, error) {
	if len(workers) == 0 || len(tasks) == 0 {
		return nil, nil
	}
	slog.Info("starting worker pool phase", "run_id", run.ID, "phase", phase, "worker_count", len(workers), "task_count", len(tasks))

	queue := make(chan domain.Task, len(tasks))
	for _, t := range tasks {
		queue <- t
	}
	close(queue)

	concurrency := run.Config.ExecutionConcurrency
	if concurrency <= 0 || concurrency > len(workers) {
		concurrency = len(workers)
	}

	outcomes := make(chan agentloop.Outcome, len(tasks))
	execGroup, execCtx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		worker := workers[i]
		execGroup.Go(func() error {
			return p.driveWorker(execCtx, run, worker, phase, idx, queue, outcomes)
		})
	}

	evalGroup, evalCtx := errgroup.WithContext(ctx)
	judgeConcurrency := run.Config.JudgeConcurrency
	if judgeConcurrency <= 0 {
		judgeConcurrency = 1
	}
	var mu sync.Mutex
	var evaluations []domain.TaskEvaluation
	for i := 0; i < judgeConcurrency; i++ {
		evalGroup.Go(func() error {
			for out := range outcomes {
				eval, err := p.evaluate(evalCtx, run, phase, out)
				if err != nil {
					return err
				}
				mu.Lock()
				evaluations = append(evaluations, eval)
				mu.Unlock()
			}
			return nil
		})
	}

	execErr := execGroup.Wait()
	close(outcomes)
	evalErr := evalGroup.Wait()

	if execErr != nil {
		slog.Error("worker pool execution failed", "run_id", run.ID, "phase", phase, "error", execErr)
		return evaluations, fmt.Errorf("workerpool: execution: %w", execErr)
	}
	if evalErr != nil {
		slog.Error("worker pool evaluation failed", "run_id", run.ID, "phase", phase, "error", evalErr)
		return evaluations, fmt.Errorf("workerpool: evaluation: %w", evalErr)
	}
	slog.Info("worker pool phase complete", "run_id", run.ID, "phase", phase, "evaluations", len(evaluations))
	return evaluations, nil
}

func (p *Pool) driveWorker(ctx context.Context, run *domain.Run, worker domain.Worker, phase domain.Phase, idx *retrieval.Index, queue <-chan domain.Task, outcomes chan<- agentloop.Outcome) error {
	if err := p.store.UpdateWorkerStatus(ctx, worker.ID, domain.WorkerStatusIdle); err != nil {
		return fmt.Errorf("workerpool: mark idle: %w", err)
	}
	p.emitWorker(ctx, run.ID, events.TypeWorkerStarted, worker)
	for task := range queue {
		canceled, err := p.store.IsRunCanceled(ctx, run.ID)
		if err != nil {
			return fmt.Errorf("workerpool: check cancellation: %w", err)
		}
		if canceled {
			continue // drain without executing; task stays unexecuted for this phase
		}

		if err := p.store.UpdateWorkerStatus(ctx, worker.ID, domain.WorkerStatusRunning); err != nil {
			return fmt.Errorf("workerpool: mark running: %w", err)
		}
		out, err := p.loop.Run(ctx, run, task, worker, phase, idx)
		if err != nil {
			// A per-task execution error never fails the run (§4.11/§7.3):
			// the Agent Loop has already finalized the execution row as
			// "error"; here a fallback evaluation takes the place of a
			// genuine judge verdict so the task still has exactly one
			// TaskEvaluation, and the pool moves on to the next task.
			slog.Warn("task execution errored, recording fallback evaluation", "run_id", run.ID, "task_id", task.TaskID, "worker_id", worker.ID, "error", err)
			if fbErr := p.recordFallbackEvaluation(ctx, run, phase, task, err); fbErr != nil {
				_ = p.store.UpdateWorkerStatus(ctx, worker.ID, domain.WorkerStatusError)
				return fmt.Errorf("workerpool: task %s: %w", task.TaskID, fbErr)
			}
			if err := p.store.UpdateWorkerStatus(ctx, worker.ID, domain.WorkerStatusIdle); err != nil {
				return fmt.Errorf("workerpool: mark idle: %w", err)
			}
			continue
		}
		if out.Execution.Status == domain.TaskStatusSkipped {
			// §4.3(iii)/§8 scenario 3: a cost-cap or cancellation stop
			// skips the task outright — no judge call, no evaluation row.
			if err := p.store.UpdateTaskStatus(ctx, run.ID, task.TaskID, domain.TaskStatusSkipped); err != nil {
				return fmt.Errorf("workerpool: mark task skipped: %w", err)
			}
		} else {
			outcomes <- out
		}
		if err := p.store.UpdateWorkerStatus(ctx, worker.ID, domain.WorkerStatusIdle); err != nil {
			return fmt.Errorf("workerpool: mark idle: %w", err)
		}
	}
	p.emitWorker(ctx, run.ID, events.TypeWorkerStopped, worker)
	return p.store.UpdateWorkerStatus(ctx, worker.ID, domain.WorkerStatusDone)
}

func (p *Pool) emitWorker(ctx context.Context, runID, eventType string, worker domain.Worker) {
	if p.events == nil {
		return
	}
	_, _ = p.events.Append(ctx, runID, eventType, domain.EventPayload{
		Phase:   "worker",
		Message: worker.WorkerLabel,
		Data:    map[string]any{"workerId": worker.ID},
	})
}

// recordFallbackEvaluation persists the §4.11 fallback verdict for a task
// whose execution errored: a zero-score, passBlocked=true TaskEvaluation
// classified poor_structure, a TASK_EXECUTION_ERROR run-error row, and a
// task.error event, so the run's aggregate totals and per-task surface stay
// complete even though the judge never ran for this attempt.
func (p *Pool) recordFallbackEvaluation(ctx context.Context, run *domain.Run, phase domain.Phase, task domain.Task, cause error) error {
	if err := p.store.PersistRunError(ctx, &domain.RunError{
		ID: domain.NewID(), RunID: run.ID, Kind: domain.RunErrorKindTaskExecution,
		Message: fmt.Sprintf("task %s: %v", task.TaskID, cause), CreatedAt: domain.NowMillis(),
	}); err != nil {
		return fmt.Errorf("persist run error: %w", err)
	}

	fc := domain.FailureClassPoorStructure
	eval := domain.TaskEvaluation{
		TaskID:       task.TaskID,
		RunID:        run.ID,
		Phase:        phase,
		Pass:         false,
		QualityPass:  false,
		ValidityPass: false,
		FailureClass: &fc,
		Rationale:    fmt.Sprintf("task execution error: %v", cause),
		PassBlocked:  true,
	}
	if err := p.store.PersistTaskEvaluation(ctx, &eval); err != nil {
		return fmt.Errorf("persist fallback evaluation: %w", err)
	}
	if err := p.store.UpdateTaskStatus(ctx, run.ID, task.TaskID, domain.TaskStatusError); err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if p.events != nil {
		_, _ = p.events.Append(ctx, run.ID, events.TypeTaskError, domain.EventPayload{
			Phase:   "task",
			Message: cause.Error(),
			Data:    map[string]any{"taskId": task.TaskID},
		})
	}
	return nil
}

func (p *Pool) evaluate(ctx context.Context, run *domain.Run, phase domain.Phase, out agentloop.Outcome) (domain.TaskEvaluation, error) {
	evidence := make([]judge.EvidenceChunk, len(out.Evidence))
	for i, e := range out.Evidence {
		evidence[i] = judge.EvidenceChunk{SourceURL: e.SourceURL, SnippetHash: e.SnippetHash, Text: e.Text}
	}
	task, err := p.taskByID(ctx, run.ID, out.Execution.TaskID)
	if err != nil {
		return domain.TaskEvaluation{}, err
	}

	in := judge.Input{
		Task:       task,
		Answer:     out.Attempt.Answer,
		StepOutput: out.Attempt.StepOutput,
		Steps:      out.Attempt.Steps,
		Citations:  out.Attempt.Citations,
		Evidence:   evidence,
		Guard:      out.Guard,
	}
	eval, err := p.judge.Evaluate(ctx, in)
	if err != nil {
		return domain.TaskEvaluation{}, fmt.Errorf("workerpool: judge evaluate: %w", err)
	}
	eval.RunID = run.ID
	eval.Phase = phase

	if err := p.store.PersistTaskEvaluation(ctx, &eval); err != nil {
		return domain.TaskEvaluation{}, fmt.Errorf("workerpool: persist evaluation: %w", err)
	}
	status := domain.TaskStatusFailed
	if eval.Pass {
		status = domain.TaskStatusPassed
	}
	if err := p.store.UpdateTaskStatus(ctx, run.ID, task.TaskID, status); err != nil {
		return domain.TaskEvaluation{}, fmt.Errorf("workerpool: update task status: %w", err)
	}
	// The execution's terminal status follows the judge's verdict, so a
	// passed/failed execution row always matches its evaluation's pass flag.
	endedAt := domain.NowMillis()
	if out.Execution.EndedAt != nil {
		endedAt = *out.Execution.EndedAt
	}
	if err := p.store.FinalizeTaskExecution(ctx, out.Execution.ID, status, out.Execution.StopReason, endedAt); err != nil {
		return domain.TaskEvaluation{}, fmt.Errorf("workerpool: finalize execution verdict: %w", err)
	}
	return eval, nil
}

func (p *Pool) taskByID(ctx context.Context, runID, taskID string) (domain.Task, error) {
	tasks, err := p.store.GetTasks(ctx, runID)
	if err != nil {
		return domain.Task{}, fmt.Errorf("workerpool: load tasks: %w", err)
	}
	for _, t := range tasks {
		if t.TaskID == taskID {
			return t, nil
		}
	}
	return domain.Task{}, fmt.Errorf("workerpool: task %s not found", taskID)
}
