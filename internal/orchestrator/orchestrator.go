// Package orchestrator implements the Orchestrator Entry: the
// single-run driver from queued through a terminal status, the per-process
// idempotency guard, and the outer-boundary error sink, plus the
// createRun/cancelRun/getRunDetail/streamEvents surface callers use to
// drive and observe a run.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/codeready-toolchain/doceval/internal/domain"
	"github.com/codeready-toolchain/doceval/internal/events"
	"github.com/codeready-toolchain/doceval/internal/ingest"
	"github.com/codeready-toolchain/doceval/internal/modelclient"
	"github.com/codeready-toolchain/doceval/internal/phase"
	"github.com/codeready-toolchain/doceval/internal/runstate"
	"github.com/codeready-toolchain/doceval/internal/store"
	"github.com/codeready-toolchain/doceval/internal/workerpool"
)

// Entry is the top-level driver for one run.
type Entry struct {
	store    store.Store
	events   *events.Log
	runstate *runstate.Machine
	ingestor ingest.Ingestor
	client   modelclient.Client
	phase    *phase.Executor
	taskModel string

	mu       sync.Mutex
	inFlight map[string]bool
}

// New returns an Entry wired to its collaborators.
func New(st store.Store, log *events.Log, rs *runstate.Machine, ingestor ingest.Ingestor, client modelclient.Client, ex *phase.Executor, taskModel string) *Entry {
	return &Entry{store: st, events: log, runstate: rs, ingestor: ingestor, client: client, phase: ex, taskModel: taskModel, inFlight: make(map[string]bool)}
}

// CreateRun persists a new run in "queued" status. Request validation and
// RunConfig normalization happen in the caller via internal/config before
// this is called.
func (e *Entry) CreateRun(ctx context.Context, docsURL string, cfg domain.RunConfig) (*domain.Run, error) {
	run := &domain.Run{
		ID:        domain.NewID(),
		DocsURL:   docsURL,
		Status:    domain.RunStatusQueued,
		StartedAt: domain.NowMillis(),
		Config:    cfg,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("orchestrator: create run: %w", err)
	}
	return run, nil
}

// StartRunInBackground launches Execute on a detached context, returning
// immediately. It is idempotent per process: a second call for a runId
// already driving is a no-op, via an in-flight run-id set.
func (e *Entry) StartRunInBackground(runID string) {
	e.mu.Lock()
	if e.inFlight[runID] {
		e.mu.Unlock()
		return
	}
	e.inFlight[runID] = true
	e.mu.Unlock()

	go func() {
		defer func() {
			e.mu.Lock()
			delete(e.inFlight, runID)
			e.mu.Unlock()
		}()
		if err := e.Execute(context.Background(), runID); err != nil {
			e.recordFatal(context.Background(), runID, err)
		}
	}()
}

// Execute drives one run through ingestion, task synthesis, worker
// provisioning, and the phase executor, to a terminal status. Any error
// it returns is the outer-boundary failure StartRunInBackground converts
// into a RUN_FATAL row and a failed finalization.
func (e *Entry) Execute(ctx context.Context, runID string) error {
	log := slog.With("run_id", runID)
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("orchestrator: load run: %w", err)
	}
	log.Info("executing run", "docs_url", run.DocsURL)

	if err := e.runstate.Advance(ctx, runID, domain.RunStatusIngesting); err != nil {
		return fmt.Errorf("orchestrator: advance to ingesting: %w", err)
	}
	ingested, err := e.ingestor.Ingest(ctx, run.DocsURL, ingest.Options{})
	if err != nil {
		log.Error("ingestion failed", "error", err)
		return fmt.Errorf("orchestrator: ingest: %w", err)
	}
	persistedArtifacts := ingested.Artifacts
	if ingested.SkillText != "" {
		persistedArtifacts = append(persistedArtifacts, domain.Artifact{
			ArtifactType: domain.ArtifactTypeSkill,
			SourceURL:    ingested.NormalizedDocsURL + "#skill",
			Content:      ingested.SkillText,
		})
	}
	if err := e.store.PersistIngestionArtifacts(ctx, runID, persistedArtifacts); err != nil {
		return fmt.Errorf("orchestrator: persist artifacts: %w", err)
	}
	if stopped, err := e.observeCancellation(ctx, runID); err != nil || stopped {
		return err
	}

	if err := e.runstate.Advance(ctx, runID, domain.RunStatusGeneratingTasks); err != nil {
		return fmt.Errorf("orchestrator: advance to generating_tasks: %w", err)
	}
	tasks, err := e.buildTaskList(ctx, run, persistedArtifacts)
	if err != nil {
		return fmt.Errorf("orchestrator: build task list: %w", err)
	}
	if err := e.store.PersistTasks(ctx, runID, tasks); err != nil {
		return fmt.Errorf("orchestrator: persist tasks: %w", err)
	}
	log.Info("task list ready", "task_count", len(tasks))
	if stopped, err := e.observeCancellation(ctx, runID); err != nil || stopped {
		return err
	}

	if err := e.runstate.Advance(ctx, runID, domain.RunStatusRunning); err != nil {
		return fmt.Errorf("orchestrator: advance to running: %w", err)
	}

	run, err = e.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("orchestrator: reload run: %w", err)
	}
	if _, err := e.phase.Run(ctx, run); err != nil {
		log.Error("phase execution failed", "error", err)
		return fmt.Errorf("orchestrator: run phases: %w", err)
	}
	return nil
}

// observeCancellation is the between-stages poll point: a canceled run
// stops the driver cleanly (the Cancel path already finalized the run),
// with no error for the outer boundary to convert into RUN_FATAL.
func (e *Entry) observeCancellation(ctx context.Context, runID string) (bool, error) {
	canceled, err := e.runstate.IsCanceled(ctx, runID)
	if err != nil {
		return false, fmt.Errorf("orchestrator: observe cancellation: %w", err)
	}
	if canceled {
		slog.Info("run canceled between stages", "run_id", runID)
	}
	return canceled, nil
}

// recordFatal is the outer-boundary catch-all: persist a RUN_FATAL row,
// finalize the run failed, emit run.failed.
func (e *Entry) recordFatal(ctx context.Context, runID string, cause error) {
	slog.Error("run failed fatally", "run_id", runID, "error", cause)
	_ = e.store.PersistRunError(ctx, &domain.RunError{
		ID: domain.NewID(), RunID: runID, Kind: domain.RunErrorKindFatal,
		Message: cause.Error(), CreatedAt: domain.NowMillis(),
	})
	_ = e.runstate.Finalize(ctx, runID, domain.RunStatusFailed, nil)
}

// CancelRun marks a run canceled; in-flight work observes it cooperatively.
func (e *Entry) CancelRun(ctx context.Context, runID string) error {
	return e.runstate.Cancel(ctx, runID)
}

// GetRunDetail returns the current run row, including totals once set.
func (e *Entry) GetRunDetail(ctx context.Context, runID string) (*domain.Run, error) {
	return e.store.GetRun(ctx, runID)
}

// GetWorkerHealth returns the current worker-pool snapshot for a run, for
// observers polling progress without re-reading every execution row.
func (e *Entry) GetWorkerHealth(ctx context.Context, runID string) (workerpool.Health, error) {
	return e.phase.Health(ctx, runID)
}

// StreamEvents returns events after afterID, the reader-cursor contract
// callers use to poll or tail a run's Event Log.
func (e *Entry) StreamEvents(ctx context.Context, runID string, afterID int64, limit int) ([]domain.RunEvent, error) {
	return e.events.ReadAfter(ctx, runID, afterID, limit)
}

var taskListSchema = modelclient.Schema{
	Name: "task_list",
	Validate: func(decoded any) error {
		m, ok := decoded.(map[string]any)
		if !ok {
			return fmt.Errorf("expected a JSON object")
		}
		if _, ok := m["tasks"].([]any); !ok {
			return fmt.Errorf("missing array field tasks")
		}
		return nil
	},
}

// buildTaskList returns the run's user-defined tasks if any were supplied
// at creation, otherwise synthesizes a task set from the ingested
// artifacts via a single schema-constrained model call, both capped to
// maxTasks.
func (e *Entry) buildTaskList(ctx context.Context, run *domain.Run, artifacts []domain.Artifact) ([]domain.Task, error) {
	if len(run.Config.UserDefinedTasks) > 0 {
		return capTasks(specsToTasks(run.ID, run.Config.UserDefinedTasks), run.Config.MaxTasks), nil
	}

	messages := []modelclient.Message{
		{Role: "system", Content: "You synthesize documentation-grounded evaluation tasks from ingested content. Reply with JSON only."},
		{Role: "user", Content: buildTaskSynthesisPrompt(run, artifacts)},
	}
	result, err := e.client.CompleteJSON(ctx, modelclient.Config{Model: e.taskModel}, messages, taskListSchema)
	if err != nil {
		return nil, fmt.Errorf("synthesize tasks: %w", err)
	}
	m := result.Parsed.(map[string]any)
	rawTasks, _ := m["tasks"].([]any)

	tasks := make([]domain.Task, 0, len(rawTasks))
	for _, rt := range rawTasks {
		tm, ok := rt.(map[string]any)
		if !ok {
			continue
		}
		t := domain.Task{TaskID: domain.NewID(), RunID: run.ID, Status: domain.TaskStatusPending}
		t.Name, _ = tm["name"].(string)
		t.Description, _ = tm["description"].(string)
		t.Category, _ = tm["category"].(string)
		t.Difficulty, _ = tm["difficulty"].(string)
		if signals, ok := tm["expectedSignals"].([]any); ok {
			for _, s := range signals {
				if str, ok := s.(string); ok {
					t.ExpectedSignals = append(t.ExpectedSignals, str)
				}
			}
		}
		tasks = append(tasks, t)
	}
	return capTasks(tasks, run.Config.MaxTasks), nil
}

func specsToTasks(runID string, specs []domain.TaskSpec) []domain.Task {
	out := make([]domain.Task, len(specs))
	for i, s := range specs {
		out[i] = domain.Task{
			TaskID: domain.NewID(), RunID: runID, Name: s.Name, Description: s.Description,
			Category: s.Category, Difficulty: s.Difficulty, ExpectedSignals: s.ExpectedSignals,
			Status: domain.TaskStatusPending,
		}
	}
	return out
}

func capTasks(tasks []domain.Task, maxTasks int) []domain.Task {
	if maxTasks > 0 && len(tasks) > maxTasks {
		return tasks[:maxTasks]
	}
	return tasks
}

func buildTaskSynthesisPrompt(run *domain.Run, artifacts []domain.Artifact) string {
	prompt := fmt.Sprintf("Docs site: %s\nMax tasks: %d\n\nArtifacts:\n", run.DocsURL, run.Config.MaxTasks)
	for _, a := range artifacts {
		prompt += fmt.Sprintf("- %s\n", a.SourceURL)
	}
	return prompt
}
