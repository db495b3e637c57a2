// Package phase implements the Phase Executor: the baseline pass,
// the optional skill-optimization pass, and the delta between them.
package phase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/codeready-toolchain/doceval/internal/aggregate"
	"github.com/codeready-toolchain/doceval/internal/domain"
	"github.com/codeready-toolchain/doceval/internal/events"
	"github.com/codeready-toolchain/doceval/internal/modelclient"
	"github.com/codeready-toolchain/doceval/internal/retrieval"
	"github.com/codeready-toolchain/doceval/internal/runstate"
	"github.com/codeready-toolchain/doceval/internal/store"
	"github.com/codeready-toolchain/doceval/internal/workerpool"
)

// Executor drives one run through its baseline phase and, when warranted,
// the skill-optimization phase.
type Executor struct {
	store      store.Store
	events     *events.Log
	runstate   *runstate.Machine
	pool       *workerpool.Pool
	client     modelclient.Client
	skillModel string
}

// New returns an Executor wired to its collaborators. skillModel names the
// model used for the skill-generation call.
func New(st store.Store, log *events.Log, rs *runstate.Machine, pool *workerpool.Pool, client modelclient.Client, skillModel string) *Executor {
	return &Executor{store: st, events: log, runstate: rs, pool: pool, client: client, skillModel: skillModel}
}

// Result is what the orchestrator needs to know happened.
type Result struct {
	BaselineTotals  domain.RunTotals
	OptimizedTotals *domain.RunTotals
	FinalStatus     domain.RunStatus
}

// Health returns the current worker/task-queue snapshot for a run, for
// observers polling progress mid-run.
func (e *Executor) Health(ctx context.Context, runID string) (workerpool.Health, error) {
	return e.pool.Snapshot(ctx, runID)
}

// Run executes the full phase sequence for run: provision workers, build
// the retrieval index, run the baseline phase, then (if warranted) the
// optimization phase, finalizing the run in every case.
func (e *Executor) Run(ctx context.Context, run *domain.Run) (Result, error) {
	log := slog.With("run_id", run.ID)
	log.Info("starting phase execution", "docs_url", run.DocsURL, "skill_optimization_enabled", run.Config.EnableSkillOptimization)
	if err := e.provisionWorkers(ctx, run); err != nil {
		return Result{}, fmt.Errorf("phase: provision workers: %w", err)
	}
	workers, err := e.store.GetWorkers(ctx, run.ID)
	if err != nil {
		return Result{}, fmt.Errorf("phase: load workers: %w", err)
	}
	tasks, err := e.store.GetTasks(ctx, run.ID)
	if err != nil {
		return Result{}, fmt.Errorf("phase: load tasks: %w", err)
	}

	baselineTotals, _, err := e.runOne(ctx, run, workers, tasks, domain.PhaseBaseline)
	if err != nil {
		log.Error("baseline phase failed", "error", err)
		return Result{}, fmt.Errorf("phase: baseline: %w", err)
	}
	log.Info("baseline phase complete", "passed_tasks", baselineTotals.PassedTasks, "failed_tasks", baselineTotals.FailedTasks)

	if !run.Config.EnableSkillOptimization || baselineTotals.FailedTasks == 0 {
		if err := e.store.CreateSkillOptimizationSession(ctx, &domain.SkillOptimizationSession{
			RunID: run.ID, Status: domain.SkillOptimizationStatusSkipped, BaselineTotals: &baselineTotals,
		}); err != nil {
			return Result{}, fmt.Errorf("phase: record skipped optimization: %w", err)
		}
		e.emitSession(ctx, run.ID, domain.SkillOptimizationStatusSkipped, "")
		if err := e.runstate.Advance(ctx, run.ID, domain.RunStatusEvaluating); err != nil {
			return Result{}, fmt.Errorf("phase: advance to evaluating: %w", err)
		}
		if err := e.runstate.Finalize(ctx, run.ID, domain.RunStatusCompleted, &baselineTotals); err != nil {
			return Result{}, fmt.Errorf("phase: finalize baseline-only run: %w", err)
		}
		log.Info("run completed without skill optimization")
		return Result{BaselineTotals: baselineTotals, FinalStatus: domain.RunStatusCompleted}, nil
	}

	optimizedTotals, err := e.runOptimization(ctx, run, workers, tasks, baselineTotals)
	if err != nil {
		// Skill generation failure finalizes with baseline totals rather
		// than losing an already-computed result.
		log.Warn("skill optimization failed, finalizing with baseline totals", "error", err)
		if err := e.runstate.Advance(ctx, run.ID, domain.RunStatusEvaluating); err != nil {
			return Result{}, fmt.Errorf("phase: advance to evaluating: %w", err)
		}
		if err := e.runstate.Finalize(ctx, run.ID, domain.RunStatusCompleted, &baselineTotals); err != nil {
			return Result{}, fmt.Errorf("phase: finalize after optimization failure: %w", err)
		}
		return Result{BaselineTotals: baselineTotals, FinalStatus: domain.RunStatusCompleted}, nil
	}

	if err := e.runstate.Advance(ctx, run.ID, domain.RunStatusEvaluating); err != nil {
		return Result{}, fmt.Errorf("phase: advance to evaluating: %w", err)
	}
	if err := e.runstate.Finalize(ctx, run.ID, domain.RunStatusCompleted, optimizedTotals); err != nil {
		return Result{}, fmt.Errorf("phase: finalize optimized run: %w", err)
	}
	log.Info("run completed with skill optimization", "optimized_passed_tasks", optimizedTotals.PassedTasks)
	return Result{BaselineTotals: baselineTotals, OptimizedTotals: optimizedTotals, FinalStatus: domain.RunStatusCompleted}, nil
}

func (e *Executor) runOne(ctx context.Context, run *domain.Run, workers []domain.Worker, tasks []domain.Task, p domain.Phase) (domain.RunTotals, []domain.TaskEvaluation, error) {
	artifacts, err := e.store.GetIngestionArtifacts(ctx, run.ID)
	if err != nil {
		return domain.RunTotals{}, nil, fmt.Errorf("load artifacts: %w", err)
	}
	idx := retrieval.Build(artifacts)

	evals, err := e.pool.Run(ctx, run, tasks, workers, p, idx)
	if err != nil {
		return domain.RunTotals{}, nil, fmt.Errorf("run worker pool: %w", err)
	}
	return aggregate.Totals(evals), evals, nil
}

// runOptimization generates an optimized skill, substitutes it into the
// artifact set, rebuilds the index, re-runs the worker pool, and computes
// the delta against the baseline.
func (e *Executor) runOptimization(ctx context.Context, run *domain.Run, workers []domain.Worker, tasks []domain.Task, baselineTotals domain.RunTotals) (*domain.RunTotals, error) {
	session := &domain.SkillOptimizationSession{RunID: run.ID, Status: domain.SkillOptimizationStatusRunning, BaselineTotals: &baselineTotals}
	if err := e.store.CreateSkillOptimizationSession(ctx, session); err != nil {
		return nil, fmt.Errorf("record optimization session: %w", err)
	}
	e.emitSession(ctx, run.ID, domain.SkillOptimizationStatusRunning, "")

	baselineEvals, err := e.store.GetTaskEvaluations(ctx, run.ID, domain.PhaseBaseline)
	if err != nil {
		return nil, fmt.Errorf("load baseline evaluations: %w", err)
	}
	artifacts, err := e.store.GetIngestionArtifacts(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("load artifacts: %w", err)
	}

	existingSkill, origin := existingSkillText(artifacts)
	session.SourceSkillOrigin = origin

	skillMarkdown, err := e.generateSkill(ctx, run, existingSkill, failedOnly(baselineEvals))
	if err != nil {
		e.failSession(ctx, session, err)
		return nil, fmt.Errorf("generate skill: %w", err)
	}

	sum := sha256.Sum256([]byte(skillMarkdown))
	skillArtifact := domain.Artifact{
		ArtifactType: domain.ArtifactTypeSkill,
		SourceURL:    "skill://optimized/" + hex.EncodeToString(sum[:8]),
		Content:      skillMarkdown,
		ContentHash:  hex.EncodeToString(sum[:]),
	}
	if err := e.store.ReplaceSkillArtifact(ctx, run.ID, skillArtifact); err != nil {
		e.failSession(ctx, session, err)
		return nil, fmt.Errorf("persist skill artifact: %w", err)
	}

	optimizedTotals, _, err := e.runOne(ctx, run, workers, tasks, domain.PhaseOptimized)
	if err != nil {
		e.failSession(ctx, session, err)
		return nil, fmt.Errorf("run optimized phase: %w", err)
	}

	delta := aggregate.Delta(baselineTotals, optimizedTotals)
	session.Status = domain.SkillOptimizationStatusCompleted
	session.OptimizedTotals = &optimizedTotals
	session.Delta = &delta
	if err := e.store.UpdateSkillOptimizationSession(ctx, session); err != nil {
		return nil, fmt.Errorf("finalize optimization session: %w", err)
	}
	e.emitSession(ctx, run.ID, domain.SkillOptimizationStatusCompleted, "")
	return &optimizedTotals, nil
}

// failSession records the session's error state and emits the matching
// event; the caller decides how the run itself finalizes.
func (e *Executor) failSession(ctx context.Context, session *domain.SkillOptimizationSession, cause error) {
	session.Status = domain.SkillOptimizationStatusError
	session.ErrorMessage = cause.Error()
	_ = e.store.UpdateSkillOptimizationSession(ctx, session)
	e.emitSession(ctx, session.RunID, domain.SkillOptimizationStatusError, cause.Error())
}

func (e *Executor) emitSession(ctx context.Context, runID string, status domain.SkillOptimizationStatus, message string) {
	if message == "" {
		message = string(status)
	}
	_, _ = e.events.Append(ctx, runID, events.TypeSkillOptimization, domain.EventPayload{
		Phase:   "optimization",
		Message: message,
		Data:    map[string]any{"status": string(status)},
	})
}

func existingSkillText(artifacts []domain.Artifact) (string, domain.SourceSkillOrigin) {
	for _, a := range artifacts {
		if a.ArtifactType == domain.ArtifactTypeSkill {
			return a.Content, domain.SourceSkillOriginSite
		}
	}
	return "", domain.SourceSkillOriginNone
}

func failedOnly(evals []domain.TaskEvaluation) []domain.TaskEvaluation {
	out := make([]domain.TaskEvaluation, 0, len(evals))
	for _, e := range evals {
		if !e.Pass {
			out = append(out, e)
		}
	}
	return out
}

var skillSchema = modelclient.Schema{
	Name: "optimized_skill",
	Validate: func(decoded any) error {
		m, ok := decoded.(map[string]any)
		if !ok {
			return fmt.Errorf("expected a JSON object")
		}
		if _, ok := m["optimizedSkillMarkdown"].(string); !ok {
			return fmt.Errorf("missing string field optimizedSkillMarkdown")
		}
		return nil
	},
}

// generateSkill makes a single schema-constrained model call producing
// markdown under the five required sections.
func (e *Executor) generateSkill(ctx context.Context, run *domain.Run, existingSkill string, failed []domain.TaskEvaluation) (string, error) {
	messages := []modelclient.Message{
		{Role: "system", Content: "You write a documentation-site skill guide to help future agents avoid prior failures. Reply with JSON only."},
		{Role: "user", Content: buildSkillPrompt(run, existingSkill, failed)},
	}
	result, err := e.client.CompleteJSON(ctx, modelclient.Config{Model: e.skillModel}, messages, skillSchema)
	if err != nil {
		return "", err
	}
	m := result.Parsed.(map[string]any)
	markdown, _ := m["optimizedSkillMarkdown"].(string)
	if markdown == "" {
		return "", fmt.Errorf("phase: empty optimizedSkillMarkdown")
	}
	if !hasRequiredSections(markdown) {
		return "", fmt.Errorf("phase: optimized skill markdown missing a required section")
	}
	return markdown, nil
}

var requiredSections = []string{"# Purpose", "# Retrieval Strategy", "# Critical Workflows", "# Failure Prevention", "# Verification Checklist"}

func hasRequiredSections(markdown string) bool {
	for _, s := range requiredSections {
		if !strings.Contains(markdown, s) {
			return false
		}
	}
	return true
}

func buildSkillPrompt(run *domain.Run, existingSkill string, failed []domain.TaskEvaluation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Docs site: %s\n\n", run.DocsURL)
	if existingSkill == "" {
		b.WriteString("No existing skill document.\n\n")
	} else {
		fmt.Fprintf(&b, "Existing skill document:\n%s\n\n", existingSkill)
	}
	b.WriteString("Failed attempts:\n")
	for i, f := range failed {
		class := "unknown"
		if f.FailureClass != nil {
			class = string(*f.FailureClass)
		}
		fmt.Fprintf(&b, "%d. task=%s class=%s rationale=%s\n", i+1, f.TaskID, class, f.Rationale)
	}
	return b.String()
}

// provisionWorkers expands RunConfig.WorkerAssignments into concrete
// Worker rows, idempotently (EnsureRunWorkers skips already-provisioned
// labels).
func (e *Executor) provisionWorkers(ctx context.Context, run *domain.Run) error {
	var workers []domain.Worker
	for _, wa := range run.Config.WorkerAssignments {
		for i := 0; i < wa.Quantity; i++ {
			label := wa.Provider + "-" + wa.Model + "-" + strconv.Itoa(i)
			workers = append(workers, domain.Worker{
				ID:            domain.NewID(),
				RunID:         run.ID,
				WorkerLabel:   label,
				ModelProvider: wa.Provider,
				ModelName:     wa.Model,
				ModelConfig:   wa.Overrides,
				Status:        domain.WorkerStatusIdle,
			})
		}
	}
	return e.store.EnsureRunWorkers(ctx, run.ID, workers)
}
