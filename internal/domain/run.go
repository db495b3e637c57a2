package domain

// RunStatus is a node in the run state machine's acyclic graph.
type RunStatus string

const (
	RunStatusQueued          RunStatus = "queued"
	RunStatusIngesting       RunStatus = "ingesting"
	RunStatusGeneratingTasks RunStatus = "generating_tasks"
	RunStatusRunning         RunStatus = "running"
	RunStatusEvaluating      RunStatus = "evaluating"
	RunStatusCompleted       RunStatus = "completed"
	RunStatusFailed          RunStatus = "failed"
	RunStatusCanceled        RunStatus = "canceled"
)

// Terminal reports whether status is one from which no further transition
// may occur except via the finalizer.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCanceled:
		return true
	default:
		return false
	}
}

// runTransitions is the allowed-edges graph of the run state machine. A
// transition not listed here is forbidden.
var runTransitions = map[RunStatus][]RunStatus{
	RunStatusQueued:          {RunStatusIngesting},
	RunStatusIngesting:       {RunStatusGeneratingTasks},
	RunStatusGeneratingTasks: {RunStatusRunning},
	RunStatusRunning:         {RunStatusEvaluating},
	RunStatusEvaluating:      {RunStatusCompleted, RunStatusFailed, RunStatusCanceled},
}

// CanTransition reports whether moving from "from" to "to" is a legal edge.
// A terminal "from" never permits any transition: the finalizer is the
// only writer of terminal status and it never re-invokes this check.
func CanTransition(from, to RunStatus) bool {
	if from.Terminal() {
		return false
	}
	for _, candidate := range runTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// WorkerAssignment is one entry of RunConfig's worker assignment table.
type WorkerAssignment struct {
	Provider  string
	Model     string
	Quantity  int
	Overrides map[string]string
}

// RunConfig is immutable after the owning Run is created.
type RunConfig struct {
	MaxTasks                int
	MaxStepsPerTask         int
	MaxTokensPerTask        int
	HardCostCapUsd          float64
	ExecutionConcurrency    int
	JudgeConcurrency        int
	TieBreakEnabled         bool
	EnableSkillOptimization bool
	RunModel                string
	JudgeModel              string
	WorkerAssignments       []WorkerAssignment
	UserDefinedTasks        []TaskSpec
}

// TaskSpec is a user-supplied task definition, as accepted by createRun.
type TaskSpec struct {
	Name            string
	Description     string
	Category        string
	Difficulty      string
	ExpectedSignals []string
}

// RunTotals is the aggregator's output, attached to a Run once a phase
// completes.
type RunTotals struct {
	TotalTasks          int
	PassedTasks         int
	FailedTasks         int
	PassRate            float64
	QualityPassedTasks  int
	QualityPassRate     float64
	ValidityPassedTasks int
	ValidityPassRate    float64
	AverageScore        float64
	FailureBreakdown    map[string]int
}

// Run owns every other entity for one evaluation of a documentation site.
type Run struct {
	ID           string
	DocsURL      string
	Status       RunStatus
	StartedAt    int64
	EndedAt      *int64
	Config       RunConfig
	Totals       *RunTotals
	CostEstimate float64
}
