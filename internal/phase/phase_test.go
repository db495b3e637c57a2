package phase_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/doceval/internal/agentloop"
	"github.com/codeready-toolchain/doceval/internal/budget"
	"github.com/codeready-toolchain/doceval/internal/domain"
	"github.com/codeready-toolchain/doceval/internal/events"
	"github.com/codeready-toolchain/doceval/internal/judge"
	"github.com/codeready-toolchain/doceval/internal/modelclient"
	"github.com/codeready-toolchain/doceval/internal/phase"
	"github.com/codeready-toolchain/doceval/internal/retrieval"
	"github.com/codeready-toolchain/doceval/internal/runstate"
	"github.com/codeready-toolchain/doceval/internal/store/memstore"
	"github.com/codeready-toolchain/doceval/internal/workerpool"
)

const authDoc = "Use an API key in the Authorization header."

var authSnippetHash = retrieval.SnippetHash(authDoc)

type scriptedClient struct {
	responses []any
	i         int
}

func (c *scriptedClient) CompleteText(context.Context, modelclient.Config, []modelclient.Message) (*modelclient.TextResult, error) {
	panic("not used")
}

func (c *scriptedClient) CompleteJSON(_ context.Context, _ modelclient.Config, _ []modelclient.Message, _ modelclient.Schema) (*modelclient.JSONResult, error) {
	v := c.responses[c.i%len(c.responses)]
	c.i++
	return &modelclient.JSONResult{Parsed: v}, nil
}

func setupRun(t *testing.T, st *memstore.Store, enableOpt bool) *domain.Run {
	run := &domain.Run{
		ID:      domain.NewID(),
		DocsURL: "https://example.com",
		Status:  domain.RunStatusRunning,
		Config: domain.RunConfig{
			MaxStepsPerTask:         5,
			MaxTokensPerTask:        100000,
			HardCostCapUsd:          100,
			ExecutionConcurrency:    1,
			JudgeConcurrency:        1,
			EnableSkillOptimization: enableOpt,
			WorkerAssignments:       []domain.WorkerAssignment{{Provider: "acme", Model: "m1", Quantity: 1}},
		},
	}
	require.NoError(t, st.CreateRun(context.Background(), run))
	require.NoError(t, st.PersistIngestionArtifacts(context.Background(), run.ID, []domain.Artifact{
		{SourceURL: "doc://auth", Content: authDoc},
	}))
	task := domain.Task{TaskID: "t1", Name: "Authenticate", ExpectedSignals: []string{"api key"}}
	require.NoError(t, st.PersistTasks(context.Background(), run.ID, []domain.Task{task}))
	return run
}

func passingAgentClient() *scriptedClient {
	return &scriptedClient{responses: []any{
		map[string]any{"planItems": []any{"find auth docs"}},
		map[string]any{"answer": "Send the API key in the Authorization header.", "done": true,
			"citations": []any{map[string]any{"source": "doc://auth", "snippetHash": authSnippetHash, "excerpt": "API key"}}},
		map[string]any{"shouldContinue": false, "summary": "done", "confidence": 0.9},
	}}
}

func passingJudgeClient() *scriptedClient {
	return &scriptedClient{responses: []any{
		map[string]any{"isSupportedByEvidence": true, "unsupportedClaims": []any{}},
		map[string]any{"scores": map[string]any{"completeness": 9.0, "correctness": 9.0, "groundedness": 9.0, "actionability": 9.0}, "rationale": "ok", "confidence": 0.9},
	}}
}

func TestRunBaselineOnlyWhenOptimizationDisabled(t *testing.T) {
	st := memstore.New()
	run := setupRun(t, st, false)

	loop := agentloop.New(st, events.New(st), budget.New(st, nil), passingAgentClient())
	j := judge.New(passingJudgeClient(), "judge-model", false)
	pool := workerpool.New(st, events.New(st), loop, j)
	rs := runstate.New(st, events.New(st))
	ex := phase.New(st, events.New(st), rs, pool, passingAgentClient(), "skill-model")

	result, err := ex.Run(context.Background(), run)
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusCompleted, result.FinalStatus)
	require.Nil(t, result.OptimizedTotals)
	require.Equal(t, 1, result.BaselineTotals.PassedTasks)

	got, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusCompleted, got.Status)
	require.NotNil(t, got.Totals)

	session, err := st.GetSkillOptimizationSession(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SkillOptimizationStatusSkipped, session.Status)
}

// TestRunOptimizationUpliftAndDelta drives the full two-phase comparison:
// the baseline attempt fails (uncited, off-signal answer), a skill document
// is generated from the failure, and the optimized re-run passes, so the
// session records a positive delta and the run finalizes with the
// optimized totals.
func TestRunOptimizationUpliftAndDelta(t *testing.T) {
	st := memstore.New()
	run := setupRun(t, st, true)

	agentClient := &scriptedClient{responses: []any{
		// baseline iteration: finishes without citations, misses the signal
		map[string]any{"planItems": []any{"answer from memory"}},
		map[string]any{"answer": "Just call the endpoint.", "done": true},
		map[string]any{"shouldContinue": false, "summary": "done", "confidence": 0.9},
		// optimized iteration: cites the auth chunk and covers the signal
		map[string]any{"planItems": []any{"cite the auth doc"}},
		map[string]any{"answer": "Send the API key in the Authorization header.", "done": true,
			"citations": []any{map[string]any{"source": "doc://auth", "snippetHash": authSnippetHash, "excerpt": "API key"}}},
		map[string]any{"shouldContinue": false, "summary": "done", "confidence": 0.9},
	}}
	judgeClient := &scriptedClient{responses: []any{
		map[string]any{"isSupportedByEvidence": false, "unsupportedClaims": []any{"endpoint call"}},
		map[string]any{"scores": map[string]any{"completeness": 3.0, "correctness": 3.0, "groundedness": 3.0, "actionability": 3.0}, "rationale": "not grounded", "confidence": 0.4},
		map[string]any{"isSupportedByEvidence": true, "unsupportedClaims": []any{}},
		map[string]any{"scores": map[string]any{"completeness": 9.0, "correctness": 9.0, "groundedness": 9.0, "actionability": 9.0}, "rationale": "grounded and complete", "confidence": 0.9},
	}}
	skillClient := &scriptedClient{responses: []any{
		map[string]any{
			"optimizedSkillMarkdown": "# Purpose\nGround answers.\n# Retrieval Strategy\nSearch auth pages.\n# Critical Workflows\nSend the API key header.\n# Failure Prevention\nAlways cite.\n# Verification Checklist\nCheck the Authorization header.",
			"optimizationNotes":      []any{"cover the api key header"},
		},
	}}

	loop := agentloop.New(st, events.New(st), budget.New(st, nil), agentClient)
	j := judge.New(judgeClient, "judge-model", false)
	pool := workerpool.New(st, events.New(st), loop, j)
	rs := runstate.New(st, events.New(st))
	ex := phase.New(st, events.New(st), rs, pool, skillClient, "skill-model")

	result, err := ex.Run(context.Background(), run)
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusCompleted, result.FinalStatus)
	require.Equal(t, 0, result.BaselineTotals.PassedTasks)
	require.NotNil(t, result.OptimizedTotals)
	require.Equal(t, 1, result.OptimizedTotals.PassedTasks)

	session, err := st.GetSkillOptimizationSession(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SkillOptimizationStatusCompleted, session.Status)
	require.NotNil(t, session.Delta)
	require.Equal(t, 1, session.Delta.PassedTasksDelta)
	require.Equal(t, 1.0, session.Delta.PassRateDelta)

	got, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, result.OptimizedTotals, got.Totals)

	// The skill artifact replaced into the set carries the generated text.
	artifacts, err := st.GetIngestionArtifacts(context.Background(), run.ID)
	require.NoError(t, err)
	var sawSkill bool
	for _, a := range artifacts {
		if a.ArtifactType == domain.ArtifactTypeSkill {
			sawSkill = true
			require.Contains(t, a.Content, "# Failure Prevention")
		}
	}
	require.True(t, sawSkill)
}

// TestRunSkillGenerationFailureFallsBackToBaseline covers the error branch:
// the skill-generation call failing records the session as error and the
// run still completes with the baseline totals as the authoritative result.
func TestRunSkillGenerationFailureFallsBackToBaseline(t *testing.T) {
	st := memstore.New()
	run := setupRun(t, st, true)

	agentClient := &scriptedClient{responses: []any{
		map[string]any{"planItems": []any{"answer from memory"}},
		map[string]any{"answer": "Just call the endpoint.", "done": true},
		map[string]any{"shouldContinue": false, "summary": "done", "confidence": 0.9},
	}}
	judgeClient := &scriptedClient{responses: []any{
		map[string]any{"isSupportedByEvidence": false, "unsupportedClaims": []any{"endpoint call"}},
		map[string]any{"scores": map[string]any{"completeness": 3.0, "correctness": 3.0, "groundedness": 3.0, "actionability": 3.0}, "rationale": "not grounded", "confidence": 0.4},
	}}
	// Markdown missing the required sections fails generateSkill's check.
	skillClient := &scriptedClient{responses: []any{
		map[string]any{"optimizedSkillMarkdown": "just some text"},
	}}

	loop := agentloop.New(st, events.New(st), budget.New(st, nil), agentClient)
	j := judge.New(judgeClient, "judge-model", false)
	pool := workerpool.New(st, events.New(st), loop, j)
	rs := runstate.New(st, events.New(st))
	ex := phase.New(st, events.New(st), rs, pool, skillClient, "skill-model")

	result, err := ex.Run(context.Background(), run)
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusCompleted, result.FinalStatus)
	require.Nil(t, result.OptimizedTotals)

	session, err := st.GetSkillOptimizationSession(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SkillOptimizationStatusError, session.Status)
	require.NotEmpty(t, session.ErrorMessage)

	got, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusCompleted, got.Status)
	require.NotNil(t, got.Totals)
	require.Equal(t, 1, got.Totals.FailedTasks)
}

func TestRunPassesThroughEvaluatingBeforeFinalizing(t *testing.T) {
	st := memstore.New()
	run := setupRun(t, st, false)

	loop := agentloop.New(st, events.New(st), budget.New(st, nil), passingAgentClient())
	j := judge.New(passingJudgeClient(), "judge-model", false)
	pool := workerpool.New(st, events.New(st), loop, j)
	rs := runstate.New(st, events.New(st))
	ex := phase.New(st, events.New(st), rs, pool, passingAgentClient(), "skill-model")

	_, err := ex.Run(context.Background(), run)
	require.NoError(t, err)

	evs, err := st.GetRunEventsAfter(context.Background(), run.ID, 0, 0)
	require.NoError(t, err)

	var sawEvaluating bool
	for _, ev := range evs {
		if ev.EventType == "run.status_changed" && ev.Payload.Data["to"] == string(domain.RunStatusEvaluating) {
			sawEvaluating = true
		}
	}
	require.True(t, sawEvaluating, "run must pass through the evaluating status before its terminal finalize")
}
