// Package store defines the persistence boundary the orchestrator depends
// on. The concrete store is an external collaborator specified only at
// this interface: callers wire a real implementation (Postgres-backed, in
// this codebase's convention, via ent) while this module ships only the
// in-memory reference implementation under store/memstore used by tests
// and the CLI.
package store

import (
	"context"
	"errors"

	"github.com/codeready-toolchain/doceval/internal/domain"
)

// ErrNotFound is returned by single-entity lookups that miss.
var ErrNotFound = errors.New("store: not found")

// ErrSeqConflict signals a unique-constraint violation on (runId, seq).
// The in-memory store never returns it, and the Event Log passes it
// through without retrying.
var ErrSeqConflict = errors.New("store: seq conflict")

// Store is the full set of persistence primitives the orchestrator needs.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, from, to domain.RunStatus) error
	FinalizeRun(ctx context.Context, runID string, status domain.RunStatus, totals *domain.RunTotals, endedAt int64) error
	IncrementRunCost(ctx context.Context, runID string, delta float64) (float64, error)
	IsRunCanceled(ctx context.Context, runID string) (bool, error)

	// Ingestion artifacts
	PersistIngestionArtifacts(ctx context.Context, runID string, artifacts []domain.Artifact) error
	GetIngestionArtifacts(ctx context.Context, runID string) ([]domain.Artifact, error)
	ReplaceSkillArtifact(ctx context.Context, runID string, skill domain.Artifact) error

	// Tasks
	PersistTasks(ctx context.Context, runID string, tasks []domain.Task) error
	GetTasks(ctx context.Context, runID string) ([]domain.Task, error)
	UpdateTaskStatus(ctx context.Context, runID, taskID string, status domain.TaskStatus) error

	// Workers
	EnsureRunWorkers(ctx context.Context, runID string, workers []domain.Worker) error
	GetWorkers(ctx context.Context, runID string) ([]domain.Worker, error)
	UpdateWorkerStatus(ctx context.Context, workerID string, status domain.WorkerStatus) error

	// Task executions
	CreateTaskExecution(ctx context.Context, exec *domain.TaskExecution) error
	UpdateTaskExecutionProgress(ctx context.Context, executionID string, stepCount, tokensIn, tokensOut int, costEstimate float64) error
	FinalizeTaskExecution(ctx context.Context, executionID string, status domain.TaskStatus, stopReason domain.StopReason, endedAt int64) error
	GetTaskExecution(ctx context.Context, executionID string) (*domain.TaskExecution, error)
	GetTaskExecutions(ctx context.Context, runID string, phase domain.Phase) ([]domain.TaskExecution, error)

	// Agent memory
	UpsertTaskAgentState(ctx context.Context, state *domain.AgentMemoryState) error
	GetTaskAgentState(ctx context.Context, executionID string) (*domain.AgentMemoryState, error)

	// Traces
	PersistTaskStep(ctx context.Context, step *domain.StepTrace) error
	PersistTaskStepCitations(ctx context.Context, stepID string, citations []domain.StepCitation) error
	PersistDeterministicChecks(ctx context.Context, executionID string, checks []domain.DeterministicCheckResult) error

	// Evaluation
	PersistTaskAttempt(ctx context.Context, executionID string, answer string) error
	PersistTaskEvaluation(ctx context.Context, eval *domain.TaskEvaluation) error
	GetTaskEvaluations(ctx context.Context, runID string, phase domain.Phase) ([]domain.TaskEvaluation, error)

	// Events
	AppendRunEvent(ctx context.Context, runID, eventType string, payload domain.EventPayload) (int64, error)
	GetRunEventsAfter(ctx context.Context, runID string, afterID int64, limit int) ([]domain.RunEvent, error)

	// Errors
	PersistRunError(ctx context.Context, runErr *domain.RunError) error
	GetRunErrors(ctx context.Context, runID string) ([]domain.RunError, error)

	// Skill optimization
	CreateSkillOptimizationSession(ctx context.Context, session *domain.SkillOptimizationSession) error
	UpdateSkillOptimizationSession(ctx context.Context, session *domain.SkillOptimizationSession) error
	GetSkillOptimizationSession(ctx context.Context, runID string) (*domain.SkillOptimizationSession, error)
}
