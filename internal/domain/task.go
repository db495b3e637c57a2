package domain

// TaskStatus is scoped within a single run phase.
type TaskStatus string

const (
	TaskStatusPending TaskStatus = "pending"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusPassed  TaskStatus = "passed"
	TaskStatusFailed  TaskStatus = "failed"
	TaskStatusError   TaskStatus = "error"
	TaskStatusSkipped TaskStatus = "skipped"
)

// Task is one documented workflow to be accomplished using only retrieved
// context.
type Task struct {
	TaskID          string
	RunID           string
	Name            string
	Description     string
	Category        string
	Difficulty      string
	ExpectedSignals []string
	Status          TaskStatus
}

// WorkerStatus tracks a Worker's lifecycle across the pool it belongs to.
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusRunning WorkerStatus = "running"
	WorkerStatusDone    WorkerStatus = "done"
	WorkerStatusError   WorkerStatus = "error"
)

// Worker is one model-backed attempt slot provisioned for a run. Labels are
// unique within a run.
type Worker struct {
	ID            string
	RunID         string
	WorkerLabel   string
	ModelProvider string
	ModelName     string
	ModelConfig   map[string]string
	Status        WorkerStatus
}

// Phase distinguishes the baseline pass from the optimized re-run.
type Phase string

const (
	PhaseBaseline  Phase = "baseline"
	PhaseOptimized Phase = "optimized"
)

// StopReason is the terminal reason an Agent Loop (or the scheduler on its
// behalf) stopped driving a TaskExecution.
type StopReason string

const (
	StopReasonCompleted  StopReason = "completed"
	StopReasonError      StopReason = "error"
	StopReasonTokenLimit StopReason = "token_limit"
	StopReasonStepLimit  StopReason = "step_limit"
	StopReasonCostLimit  StopReason = "cost_limit"
	StopReasonCancelled  StopReason = "cancelled"
)

// TaskExecution is one attempt of a task by a worker within a phase.
type TaskExecution struct {
	ID           string
	RunID        string
	TaskID       string
	WorkerID     string
	Phase        Phase
	Status       TaskStatus
	StepCount    int
	TokensIn     int
	TokensOut    int
	CostEstimate float64
	StopReason   StopReason
	StartedAt    int64
	EndedAt      *int64
}

// RemainingBudget is the portion of AgentMemoryState the Budget Accountant
// recomputes after every applied usage delta.
type RemainingBudget struct {
	Steps   int
	Tokens  int
	CostUsd float64
}

// AgentMemoryState is upserted once per TaskExecution; the worker driving
// that execution is its sole writer, so no cross-writer coordination is
// needed beyond the row-level upsert.
type AgentMemoryState struct {
	TaskExecutionID string
	CurrentStep     int
	Goal            string
	Plan            []PlanItem
	VisitedSources  []string
	Facts           []string
	StepSummaries   []string
	RemainingBudget RemainingBudget
}

// PlanItem is one entry of AgentMemoryState.Plan.
type PlanItem struct {
	Text string
	Done bool
}
