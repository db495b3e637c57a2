// Package memstore is the in-memory reference implementation of
// store.Store. It exists so the orchestrator and its tests have something
// concrete to run against; a production deployment would substitute a
// Postgres-backed implementation behind the same interface.
//
// Every method follows a single mutex pattern: an RWMutex, defensive
// copies on read, no lock held across a caller callback.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/codeready-toolchain/doceval/internal/domain"
	"github.com/codeready-toolchain/doceval/internal/store"
)

type runRecord struct {
	run       domain.Run
	artifacts []domain.Artifact
	tasks     map[string]*domain.Task
	workers   map[string]*domain.Worker
	execs     map[string]*domain.TaskExecution
	states    map[string]*domain.AgentMemoryState
	steps     []*domain.StepTrace
	citations map[string][]domain.StepCitation
	checks    map[string][]domain.DeterministicCheckResult
	evals     []*domain.TaskEvaluation
	events    []*domain.RunEvent
	nextSeq   int64
	errs      []*domain.RunError
	skillOpt  *domain.SkillOptimizationSession
}

// Store is a concurrency-safe, process-local implementation of store.Store.
type Store struct {
	mu      sync.RWMutex
	runs    map[string]*runRecord
	nextEvt int64
}

// New returns an empty Store.
func New() *Store {
	return &Store{runs: make(map[string]*runRecord)}
}

func (s *Store) rec(runID string) (*runRecord, error) {
	r, ok := s.runs[runID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return r, nil
}

// CreateRun registers a new run record.
func (s *Store) CreateRun(_ context.Context, run *domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return nil
	}
	s.runs[run.ID] = &runRecord{
		run:       *run,
		tasks:     make(map[string]*domain.Task),
		workers:   make(map[string]*domain.Worker),
		execs:     make(map[string]*domain.TaskExecution),
		states:    make(map[string]*domain.AgentMemoryState),
		citations: make(map[string][]domain.StepCitation),
		checks:    make(map[string][]domain.DeterministicCheckResult),
	}
	return nil
}

// GetRun returns a copy of the run's current state.
func (s *Store) GetRun(_ context.Context, runID string) (*domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.rec(runID)
	if err != nil {
		return nil, err
	}
	cp := r.run
	return &cp, nil
}

// UpdateRunStatus applies a run-state-machine transition, enforcing the
// acyclic graph and terminal stickiness.
func (s *Store) UpdateRunStatus(_ context.Context, runID string, from, to domain.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.rec(runID)
	if err != nil {
		return err
	}
	if r.run.Status.Terminal() {
		return nil // terminal is sticky; only FinalizeRun may write it
	}
	if r.run.Status != from || !domain.CanTransition(from, to) {
		return store.ErrNotFound
	}
	r.run.Status = to
	return nil
}

// FinalizeRun is the sole writer of terminal status.
func (s *Store) FinalizeRun(_ context.Context, runID string, status domain.RunStatus, totals *domain.RunTotals, endedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.rec(runID)
	if err != nil {
		return err
	}
	if r.run.Status.Terminal() {
		return nil
	}
	r.run.Status = status
	r.run.Totals = totals
	r.run.EndedAt = &endedAt
	for _, w := range r.workers {
		if w.Status != domain.WorkerStatusDone && w.Status != domain.WorkerStatusError {
			w.Status = domain.WorkerStatusDone
		}
	}
	return nil
}

// IncrementRunCost atomically adds delta to the run's running cost total and
// returns the new value, so callers always observe a monotonically
// increasing total.
func (s *Store) IncrementRunCost(_ context.Context, runID string, delta float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.rec(runID)
	if err != nil {
		return 0, err
	}
	r.run.CostEstimate += delta
	return r.run.CostEstimate, nil
}

// IsRunCanceled reports whether the run has already reached the canceled
// terminal status.
func (s *Store) IsRunCanceled(_ context.Context, runID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.rec(runID)
	if err != nil {
		return false, err
	}
	return r.run.Status == domain.RunStatusCanceled, nil
}

// PersistIngestionArtifacts stores the artifact set returned by the Ingestor.
func (s *Store) PersistIngestionArtifacts(_ context.Context, runID string, artifacts []domain.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.rec(runID)
	if err != nil {
		return err
	}
	r.artifacts = append([]domain.Artifact(nil), artifacts...)
	return nil
}

// GetIngestionArtifacts returns a copy of the currently persisted artifact
// set (post skill-substitution, if any).
func (s *Store) GetIngestionArtifacts(_ context.Context, runID string) ([]domain.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.rec(runID)
	if err != nil {
		return nil, err
	}
	return append([]domain.Artifact(nil), r.artifacts...), nil
}

// ReplaceSkillArtifact drops any artifact of type skill and appends the
// given one.
func (s *Store) ReplaceSkillArtifact(_ context.Context, runID string, skill domain.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.rec(runID)
	if err != nil {
		return err
	}
	kept := make([]domain.Artifact, 0, len(r.artifacts)+1)
	for _, a := range r.artifacts {
		if a.ArtifactType != domain.ArtifactTypeSkill {
			kept = append(kept, a)
		}
	}
	kept = append(kept, skill)
	r.artifacts = kept
	return nil
}

// PersistTasks stores the synthesized task list for a run.
func (s *Store) PersistTasks(_ context.Context, runID string, tasks []domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.rec(runID)
	if err != nil {
		return err
	}
	for i := range tasks {
		t := tasks[i]
		r.tasks[t.TaskID] = &t
	}
	return nil
}

// GetTasks returns all tasks for a run, ordered by TaskID for determinism.
func (s *Store) GetTasks(_ context.Context, runID string) ([]domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.rec(runID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

// UpdateTaskStatus sets a task's phase-scoped status.
func (s *Store) UpdateTaskStatus(_ context.Context, runID, taskID string, status domain.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.rec(runID)
	if err != nil {
		return err
	}
	t, ok := r.tasks[taskID]
	if !ok {
		return store.ErrNotFound
	}
	t.Status = status
	return nil
}

// EnsureRunWorkers provisions workers idempotently: existing labels are left
// untouched, matching Phase Executor's "provision workers (idempotent; if
// already provisioned, reuse)".
func (s *Store) EnsureRunWorkers(_ context.Context, runID string, workers []domain.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.rec(runID)
	if err != nil {
		return err
	}
	existingLabels := make(map[string]bool, len(r.workers))
	for _, w := range r.workers {
		existingLabels[w.WorkerLabel] = true
	}
	for i := range workers {
		w := workers[i]
		if existingLabels[w.WorkerLabel] {
			continue
		}
		r.workers[w.ID] = &w
	}
	return nil
}

// GetWorkers returns all workers for a run, ordered by WorkerLabel.
func (s *Store) GetWorkers(_ context.Context, runID string) ([]domain.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.rec(runID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerLabel < out[j].WorkerLabel })
	return out, nil
}

// UpdateWorkerStatus sets a worker's lifecycle status. It searches all runs
// since callers identify a worker by its own id.
func (s *Store) UpdateWorkerStatus(_ context.Context, workerID string, status domain.WorkerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if w, ok := r.workers[workerID]; ok {
			w.Status = status
			return nil
		}
	}
	return store.ErrNotFound
}

// CreateTaskExecution registers a new execution row.
func (s *Store) CreateTaskExecution(_ context.Context, exec *domain.TaskExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.rec(exec.RunID)
	if err != nil {
		return err
	}
	cp := *exec
	r.execs[exec.ID] = &cp
	return nil
}

// UpdateTaskExecutionProgress rewrites progress counters after a Budget
// Accountant apply().
func (s *Store) UpdateTaskExecutionProgress(_ context.Context, executionID string, stepCount, tokensIn, tokensOut int, costEstimate float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.findExec(executionID)
	if !ok {
		return store.ErrNotFound
	}
	exec.StepCount = stepCount
	exec.TokensIn = tokensIn
	exec.TokensOut = tokensOut
	exec.CostEstimate = costEstimate
	return nil
}

// FinalizeTaskExecution sets the terminal status and stop reason once an
// execution stops. A terminal run accepts no further writes, so callers
// must not call this after the owning run is terminal.
func (s *Store) FinalizeTaskExecution(_ context.Context, executionID string, status domain.TaskStatus, stopReason domain.StopReason, endedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.findExec(executionID)
	if !ok {
		return store.ErrNotFound
	}
	exec.Status = status
	exec.StopReason = stopReason
	exec.EndedAt = &endedAt
	return nil
}

// GetTaskExecution returns a copy of one execution by id.
func (s *Store) GetTaskExecution(_ context.Context, executionID string) (*domain.TaskExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.findExec(executionID)
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *exec
	return &cp, nil
}

// GetTaskExecutions returns all executions for a run's given phase.
func (s *Store) GetTaskExecutions(_ context.Context, runID string, phase domain.Phase) ([]domain.TaskExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.rec(runID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.TaskExecution, 0, len(r.execs))
	for _, e := range r.execs {
		if e.Phase == phase {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// findExec assumes the lock is held.
func (s *Store) findExec(executionID string) (*domain.TaskExecution, bool) {
	for _, r := range s.runs {
		if e, ok := r.execs[executionID]; ok {
			return e, true
		}
	}
	return nil, false
}

func (s *Store) findRunByExec(executionID string) (*runRecord, bool) {
	for _, r := range s.runs {
		if _, ok := r.execs[executionID]; ok {
			return r, true
		}
	}
	return nil, false
}

// UpsertTaskAgentState writes the single memory-state row for an execution,
// last-writer-wins.
func (s *Store) UpsertTaskAgentState(_ context.Context, state *domain.AgentMemoryState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.findRunByExec(state.TaskExecutionID)
	if !ok {
		return store.ErrNotFound
	}
	cp := *state
	r.states[state.TaskExecutionID] = &cp
	return nil
}

// GetTaskAgentState returns a copy of the current memory state for an
// execution, or (nil, nil) if none has been written yet.
func (s *Store) GetTaskAgentState(_ context.Context, executionID string) (*domain.AgentMemoryState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.findRunByExec(executionID)
	if !ok {
		return nil, store.ErrNotFound
	}
	st, ok := r.states[executionID]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

// PersistTaskStep appends one StepTrace as given; the caller supplies its
// id.
func (s *Store) PersistTaskStep(_ context.Context, step *domain.StepTrace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.findRunByExec(step.TaskExecutionID)
	if !ok {
		return store.ErrNotFound
	}
	cp := *step
	r.steps = append(r.steps, &cp)
	return nil
}

// PersistTaskStepCitations attaches citation child rows to a step.
func (s *Store) PersistTaskStepCitations(_ context.Context, stepID string, citations []domain.StepCitation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		for _, st := range r.steps {
			if st.ID == stepID {
				r.citations[stepID] = append([]domain.StepCitation(nil), citations...)
				return nil
			}
		}
	}
	return store.ErrNotFound
}

// PersistDeterministicChecks stores the Deterministic Guard's check results
// for one execution.
func (s *Store) PersistDeterministicChecks(_ context.Context, executionID string, checks []domain.DeterministicCheckResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.findRunByExec(executionID)
	if !ok {
		return store.ErrNotFound
	}
	r.checks[executionID] = append([]domain.DeterministicCheckResult(nil), checks...)
	return nil
}

// PersistTaskAttempt records the final answer text of a completed
// execution. The reference store keeps this folded into the execution's
// evaluation rather than a separate table, since nothing downstream of the
// judge reads it independently.
func (s *Store) PersistTaskAttempt(_ context.Context, _ string, _ string) error {
	return nil
}

// PersistTaskEvaluation stores a judge verdict.
func (s *Store) PersistTaskEvaluation(_ context.Context, eval *domain.TaskEvaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.rec(eval.RunID)
	if err != nil {
		return err
	}
	cp := *eval
	r.evals = append(r.evals, &cp)
	return nil
}

// GetTaskEvaluations returns all evaluations for a run's given phase.
func (s *Store) GetTaskEvaluations(_ context.Context, runID string, phase domain.Phase) ([]domain.TaskEvaluation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.rec(runID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.TaskEvaluation, 0, len(r.evals))
	for _, e := range r.evals {
		if e.Phase == phase {
			out = append(out, *e)
		}
	}
	return out, nil
}

// AppendRunEvent assigns a dense per-run seq and a dense global id, then
// appends durably before returning. A mutex around the seq allocator is
// acceptable in a single-process implementation; this store is always
// single-process, so the store-wide mutex, held for the duration of the
// call, is that mutex, and no separate optimistic-retry loop is needed.
func (s *Store) AppendRunEvent(_ context.Context, runID, eventType string, payload domain.EventPayload) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.rec(runID)
	if err != nil {
		return 0, err
	}
	r.nextSeq++
	s.nextEvt++
	ev := &domain.RunEvent{
		ID:        s.nextEvt,
		RunID:     runID,
		Seq:       r.nextSeq,
		EventType: eventType,
		Payload:   payload,
		CreatedAt: domain.NowMillis(),
	}
	r.events = append(r.events, ev)
	return ev.ID, nil
}

// GetRunEventsAfter returns events with id > afterID, in id order, up to
// limit (0 means unlimited).
func (s *Store) GetRunEventsAfter(_ context.Context, runID string, afterID int64, limit int) ([]domain.RunEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.rec(runID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.RunEvent, 0)
	for _, ev := range r.events {
		if ev.ID > afterID {
			out = append(out, *ev)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// PersistRunError appends a row to the run-error ledger.
func (s *Store) PersistRunError(_ context.Context, runErr *domain.RunError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.rec(runErr.RunID)
	if err != nil {
		return err
	}
	cp := *runErr
	r.errs = append(r.errs, &cp)
	return nil
}

// GetRunErrors returns the run-error ledger for a run.
func (s *Store) GetRunErrors(_ context.Context, runID string) ([]domain.RunError, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.rec(runID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.RunError, 0, len(r.errs))
	for _, e := range r.errs {
		out = append(out, *e)
	}
	return out, nil
}

// CreateSkillOptimizationSession creates the single session row for a run.
func (s *Store) CreateSkillOptimizationSession(_ context.Context, session *domain.SkillOptimizationSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.rec(session.RunID)
	if err != nil {
		return err
	}
	cp := *session
	r.skillOpt = &cp
	return nil
}

// UpdateSkillOptimizationSession rewrites the session row.
func (s *Store) UpdateSkillOptimizationSession(_ context.Context, session *domain.SkillOptimizationSession) error {
	return s.CreateSkillOptimizationSession(context.Background(), session)
}

// GetSkillOptimizationSession returns the session row for a run, if any.
func (s *Store) GetSkillOptimizationSession(_ context.Context, runID string) (*domain.SkillOptimizationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.rec(runID)
	if err != nil {
		return nil, err
	}
	if r.skillOpt == nil {
		return nil, nil
	}
	cp := *r.skillOpt
	return &cp, nil
}
