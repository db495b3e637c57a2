package domain

// StepPhase is one of the four phases executed in order within a single
// Agent Loop iteration.
type StepPhase string

const (
	StepPhaseRetrieve StepPhase = "retrieve"
	StepPhasePlan     StepPhase = "plan"
	StepPhaseAct      StepPhase = "act"
	StepPhaseReflect  StepPhase = "reflect"
)

// Usage is the token/cost/latency accounting attached to a model call.
type Usage struct {
	InputTokens  int
	OutputTokens int
	CostEstimate float64
	LatencyMs    int64
}

// RetrievalRef is a ranked chunk reference attached to a retrieve step.
type RetrievalRef struct {
	SourceURL   string
	SnippetHash string
	Score       float64
}

// StepTrace is one phase of one iteration of the agent loop.
type StepTrace struct {
	ID              string
	TaskExecutionID string
	StepIndex       int
	Phase           StepPhase
	Input           string
	Output          string
	Retrieval       []RetrievalRef
	Usage           *Usage
	Decision        string
	CreatedAt       int64
}

// StepCitation is a child row of an "act" StepTrace.
type StepCitation struct {
	StepID      string
	Source      string
	SnippetHash string
	Excerpt     string
	StartOffset *int
	EndOffset   *int
}

// DeterministicCheckResult is the outcome of one named check from the
// Deterministic Guard.
type DeterministicCheckResult struct {
	TaskExecutionID string
	Name            string
	Passed          bool
	ScoreDelta      int
	Details         string
}

// CriterionScores are the Rubric Judge's four axes, each in [0,10].
type CriterionScores struct {
	Completeness  float64
	Correctness   float64
	Groundedness  float64
	Actionability float64
}

// Average returns the mean of the four criteria.
func (c CriterionScores) Average() float64 {
	return (c.Completeness + c.Correctness + c.Groundedness + c.Actionability) / 4
}

// FailureClass is a categorical diagnosis of why a task failed, drawn from a
// closed set of eight values.
type FailureClass string

const (
	FailureClassOutdatedContent       FailureClass = "outdated_content"
	FailureClassBrokenLinks           FailureClass = "broken_links"
	FailureClassMissingExamples       FailureClass = "missing_examples"
	FailureClassAmbiguousInstructions FailureClass = "ambiguous_instructions"
	FailureClassMissingContent        FailureClass = "missing_content"
	FailureClassInsufficientDetail    FailureClass = "insufficient_detail"
	FailureClassPoorStructure         FailureClass = "poor_structure"
	FailureClassMissingCitations      FailureClass = "missing_citations"
)

// TaskEvaluation is the Rubric Judge's persisted verdict for one
// (runId, taskId, phase).
type TaskEvaluation struct {
	TaskID                 string
	RunID                  string
	Phase                  Phase
	CriterionScores        CriterionScores
	Pass                   bool
	QualityPass            bool
	ValidityPass           bool
	ValidityBlockedReasons []string
	FailureClass           *FailureClass
	Rationale              string
	JudgeModel             string
	Confidence             float64
	// PassBlocked marks a fallback evaluation synthesized after a task
	// execution error rather than a genuine judge verdict.
	PassBlocked bool
}

// RunErrorKind distinguishes task-scoped errors from fatal orchestration
// errors in the run-error ledger.
type RunErrorKind string

const (
	RunErrorKindTaskExecution RunErrorKind = "TASK_EXECUTION_ERROR"
	RunErrorKindFatal         RunErrorKind = "RUN_FATAL"
)

// RunError is an explicit, queryable ledger of errors surfaced during a
// run, rather than only a log line.
type RunError struct {
	ID        string
	RunID     string
	Kind      RunErrorKind
	Message   string
	CreatedAt int64
}

// SkillOptimizationStatus tracks the optional second phase's own lifecycle,
// independent of the owning Run's status.
type SkillOptimizationStatus string

const (
	SkillOptimizationStatusSkipped   SkillOptimizationStatus = "skipped"
	SkillOptimizationStatusRunning   SkillOptimizationStatus = "running"
	SkillOptimizationStatusCompleted SkillOptimizationStatus = "completed"
	SkillOptimizationStatusError     SkillOptimizationStatus = "error"
)

// SourceSkillOrigin records whether the pre-optimization skill artifact came
// from the ingested site or did not exist.
type SourceSkillOrigin string

const (
	SourceSkillOriginSite SourceSkillOrigin = "site_skill"
	SourceSkillOriginNone SourceSkillOrigin = "none"
)

// TotalsDelta is the component-wise (optimized - baseline) comparison.
type TotalsDelta struct {
	PassRateDelta     float64
	AverageScoreDelta float64
	PassedTasksDelta  int
	FailedTasksDelta  int
}

// SkillOptimizationSession is exactly one per run when optimization is
// enabled.
type SkillOptimizationSession struct {
	RunID             string
	Status            SkillOptimizationStatus
	SourceSkillOrigin SourceSkillOrigin
	BaselineTotals    *RunTotals
	OptimizedTotals   *RunTotals
	Delta             *TotalsDelta
	ErrorMessage      string
}

// ArtifactType distinguishes the synthetic optimized-skill artifact from
// ordinary ingested documentation.
type ArtifactType string

const (
	ArtifactTypeDoc   ArtifactType = "doc"
	ArtifactTypeSkill ArtifactType = "skill"
)

// Artifact is one fetched (or synthesized) document.
type Artifact struct {
	ArtifactType ArtifactType
	SourceURL    string
	Content      string
	ContentHash  string
	Metadata     map[string]string
}

// Chunk is a paragraph-aligned slice of an Artifact.
type Chunk struct {
	SourceURL   string
	SnippetHash string
	Text        string
}

// RunEvent is one append to the Event Log.
type RunEvent struct {
	ID        int64
	RunID     string
	Seq       int64
	EventType string
	Payload   EventPayload
	CreatedAt int64
}

// EventPayload is the typed body of every RunEvent.
type EventPayload struct {
	RunID   string
	Phase   string
	Message string
	Data    map[string]any
}
