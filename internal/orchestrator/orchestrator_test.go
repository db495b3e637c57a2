package orchestrator_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/doceval/internal/agentloop"
	"github.com/codeready-toolchain/doceval/internal/budget"
	"github.com/codeready-toolchain/doceval/internal/domain"
	"github.com/codeready-toolchain/doceval/internal/events"
	"github.com/codeready-toolchain/doceval/internal/ingest"
	"github.com/codeready-toolchain/doceval/internal/judge"
	"github.com/codeready-toolchain/doceval/internal/modelclient"
	"github.com/codeready-toolchain/doceval/internal/orchestrator"
	"github.com/codeready-toolchain/doceval/internal/phase"
	"github.com/codeready-toolchain/doceval/internal/retrieval"
	"github.com/codeready-toolchain/doceval/internal/runstate"
	"github.com/codeready-toolchain/doceval/internal/store/memstore"
	"github.com/codeready-toolchain/doceval/internal/workerpool"
)

const authDoc = "Use an API key in the Authorization header."

type fakeIngestor struct{}

func (fakeIngestor) Ingest(context.Context, string, ingest.Options) (*ingest.Result, error) {
	return &ingest.Result{
		NormalizedDocsURL: "https://example.com/docs",
		Artifacts:         []domain.Artifact{{SourceURL: "doc://auth", Content: authDoc}},
	}, nil
}

// scriptedClient answers CompleteJSON from a fixed round-robin script. The
// tests give task synthesis, the agent loop and the judge a separate
// instance each, since each test drives at most one task through one full
// iteration.
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

func TestExecuteDrivesRunToCompleted(t *testing.T) {
	st := memstore.New()
	authSnippetHash := retrieval.SnippetHash(authDoc)

	taskClient := &scriptedClient{responses: []any{
		map[string]any{"tasks": []any{
			map[string]any{"name": "Authenticate", "description": "Explain how to authenticate", "expectedSignals": []any{"api key"}},
		}},
	}}
	agentClient := &scriptedClient{responses: []any{
		map[string]any{"planItems": []any{"find auth docs"}},
		map[string]any{"answer": "Send the API key in the Authorization header.", "done": true,
			"citations": []any{map[string]any{"source": "doc://auth", "snippetHash": authSnippetHash, "excerpt": "API key"}}},
		map[string]any{"shouldContinue": false, "summary": "done", "confidence": 0.9},
	}}
	judgeClient := &scriptedClient{responses: []any{
		map[string]any{"isSupportedByEvidence": true, "unsupportedClaims": []any{}},
		map[string]any{"scores": map[string]any{"completeness": 9.0, "correctness": 9.0, "groundedness": 9.0, "actionability": 9.0}, "rationale": "ok", "confidence": 0.9},
	}}

	loop := agentloop.New(st, events.New(st), budget.New(st, nil), agentClient)
	j := judge.New(judgeClient, "judge-model", false)
	pool := workerpool.New(st, events.New(st), loop, j)
	rs := runstate.New(st, events.New(st))
	ex := phase.New(st, events.New(st), rs, pool, agentClient, "skill-model")
	entry := orchestrator.New(st, events.New(st), rs, fakeIngestor{}, taskClient, ex, "task-model")

	cfg := domain.RunConfig{
		MaxTasks: 5, MaxStepsPerTask: 5, MaxTokensPerTask: 100000, HardCostCapUsd: 100,
		ExecutionConcurrency: 1, JudgeConcurrency: 1,
		WorkerAssignments: []domain.WorkerAssignment{{Provider: "acme", Model: "m1", Quantity: 1}},
	}
	run, err := entry.CreateRun(context.Background(), "https://example.com/docs", cfg)
	require.NoError(t, err)

	require.NoError(t, entry.Execute(context.Background(), run.ID))

	got, err := entry.GetRunDetail(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusCompleted, got.Status)
	require.NotNil(t, got.Totals)
	require.Equal(t, 1, got.Totals.PassedTasks)
}

func TestStartRunInBackgroundIsIdempotentPerProcess(t *testing.T) {
	st := memstore.New()
	taskClient := &scriptedClient{responses: []any{map[string]any{"tasks": []any{}}}}
	rs := runstate.New(st, events.New(st))
	loop := agentloop.New(st, events.New(st), budget.New(st, nil), taskClient)
	j := judge.New(taskClient, "judge-model", false)
	pool := workerpool.New(st, events.New(st), loop, j)
	ex := phase.New(st, events.New(st), rs, pool, taskClient, "skill-model")
	entry := orchestrator.New(st, events.New(st), rs, fakeIngestor{}, taskClient, ex, "task-model")

	cfg := domain.RunConfig{MaxTasks: 5, MaxStepsPerTask: 5, MaxTokensPerTask: 1000, HardCostCapUsd: 10, ExecutionConcurrency: 1, JudgeConcurrency: 1}
	run, err := entry.CreateRun(context.Background(), "https://example.com/docs", cfg)
	require.NoError(t, err)

	entry.StartRunInBackground(run.ID)
	entry.StartRunInBackground(run.ID) // second call is a no-op while the first drives the run

	require.Eventually(t, func() bool {
		got, err := entry.GetRunDetail(context.Background(), run.ID)
		return err == nil && got.Status.Terminal()
	}, 2*time.Second, 10*time.Millisecond)
}
