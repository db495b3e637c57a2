// Package config validates and normalizes inbound run-creation requests,
// using go-playground/validator struct tags for field-level checks.
package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/codeready-toolchain/doceval/internal/domain"
)

var validate = validator.New()

// WorkerAssignmentRequest is one entry of CreateRunRequest's worker table.
type WorkerAssignmentRequest struct {
	Provider  string            `validate:"required"`
	Model     string            `validate:"required"`
	Quantity  int               `validate:"min=0"`
	Overrides map[string]string `validate:"omitempty"`
}

// TaskSpecRequest is one user-supplied task definition.
type TaskSpecRequest struct {
	Name            string   `validate:"required"`
	Description     string   `validate:"required"`
	Category        string   `validate:"omitempty"`
	Difficulty      string   `validate:"omitempty"`
	ExpectedSignals []string `validate:"omitempty"`
}

// WorkersRequest is the optional workers sub-object of CreateRunRequest.
type WorkersRequest struct {
	WorkerCount int                       `validate:"omitempty,min=1"`
	Assignments []WorkerAssignmentRequest `validate:"omitempty,dive"`
}

// CreateRunRequest is the inbound shape accepted by createRun, before
// normalization. The HTTP/form surface that decodes this from a request
// body is out of scope for this module; callers construct it directly.
type CreateRunRequest struct {
	DocsURL                 string            `validate:"required,url"`
	MaxTasks                int               `validate:"omitempty,min=1"`
	MaxStepsPerTask         int               `validate:"omitempty,min=1"`
	MaxTokensPerTask        int               `validate:"omitempty,min=1"`
	HardCostCapUsd          float64           `validate:"omitempty,min=0"`
	ExecutionConcurrency    int               `validate:"omitempty,min=1"`
	JudgeConcurrency        int               `validate:"omitempty,min=1"`
	TieBreakEnabled         bool
	EnableSkillOptimization bool
	RunModel                string            `validate:"omitempty"`
	JudgeModel              string            `validate:"omitempty"`
	Workers                 *WorkersRequest   `validate:"omitempty"`
	Tasks                   []TaskSpecRequest `validate:"omitempty,dive"`
}

// Defaults are applied post-validation, not pre-.
const (
	DefaultMaxTasks         = 20
	DefaultMaxStepsPerTask  = 12
	DefaultMaxTokensPerTask = 60000
	DefaultHardCostCapUsd   = 5.0
	DefaultExecutionConc    = 4
	DefaultJudgeConcurrency = 2
	DefaultWorkerCount      = 4
	DefaultRunModel         = "default-run-model"
	DefaultJudgeModel       = "default-judge-model"
)

// Normalize validates req and returns the RunConfig it describes, applying
// defaults and rescaling worker assignment quantities to sum exactly to
// workerCount: quantities are scaled proportionally, then the rounding
// remainder is assigned to the first assignment so the sum is always exact.
func Normalize(req CreateRunRequest) (domain.RunConfig, error) {
	if err := validate.Struct(req); err != nil {
		return domain.RunConfig{}, fmt.Errorf("config: invalid create-run request: %w", err)
	}

	cfg := domain.RunConfig{
		MaxTasks:                firstPositive(req.MaxTasks, DefaultMaxTasks),
		MaxStepsPerTask:         firstPositive(req.MaxStepsPerTask, DefaultMaxStepsPerTask),
		MaxTokensPerTask:        firstPositive(req.MaxTokensPerTask, DefaultMaxTokensPerTask),
		HardCostCapUsd:          firstPositiveF(req.HardCostCapUsd, DefaultHardCostCapUsd),
		ExecutionConcurrency:    firstPositive(req.ExecutionConcurrency, DefaultExecutionConc),
		JudgeConcurrency:        firstPositive(req.JudgeConcurrency, DefaultJudgeConcurrency),
		TieBreakEnabled:         req.TieBreakEnabled,
		EnableSkillOptimization: req.EnableSkillOptimization,
		RunModel:                firstNonEmpty(req.RunModel, DefaultRunModel),
		JudgeModel:              firstNonEmpty(req.JudgeModel, DefaultJudgeModel),
	}

	workerCount := DefaultWorkerCount
	var assignments []WorkerAssignmentRequest
	if req.Workers != nil {
		if req.Workers.WorkerCount > 0 {
			workerCount = req.Workers.WorkerCount
		}
		assignments = req.Workers.Assignments
	}
	cfg.WorkerAssignments = rescaleAssignments(assignments, workerCount)

	for _, t := range req.Tasks {
		cfg.UserDefinedTasks = append(cfg.UserDefinedTasks, domain.TaskSpec{
			Name: t.Name, Description: t.Description, Category: t.Category,
			Difficulty: t.Difficulty, ExpectedSignals: t.ExpectedSignals,
		})
	}
	return cfg, nil
}

// rescaleAssignments returns assignments whose quantities sum exactly to
// workerCount. With no assignments supplied, it returns a single
// default-provider entry of that size.
func rescaleAssignments(reqs []WorkerAssignmentRequest, workerCount int) []domain.WorkerAssignment {
	if len(reqs) == 0 {
		return []domain.WorkerAssignment{{Provider: "default", Model: DefaultRunModel, Quantity: workerCount}}
	}

	total := 0
	for _, r := range reqs {
		total += r.Quantity
	}
	out := make([]domain.WorkerAssignment, len(reqs))
	scaled := 0
	for i, r := range reqs {
		q := r.Quantity
		if total > 0 {
			q = r.Quantity * workerCount / total
		}
		scaled += q
		out[i] = domain.WorkerAssignment{Provider: r.Provider, Model: r.Model, Quantity: q, Overrides: r.Overrides}
	}
	if remainder := workerCount - scaled; remainder != 0 {
		out[0].Quantity += remainder
	}
	return out
}

func firstPositive(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func firstPositiveF(v, fallback float64) float64 {
	if v > 0 {
		return v
	}
	return fallback
}

func firstNonEmpty(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
