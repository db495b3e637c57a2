package config_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/doceval/internal/config"
)

func TestNormalizeAppliesDefaults(t *testing.T) {
	cfg, err := config.Normalize(config.CreateRunRequest{DocsURL: "https://example.com/docs"})
	require.NoError(t, err)
	require.Equal(t, config.DefaultMaxTasks, cfg.MaxTasks)
	require.Equal(t, config.DefaultRunModel, cfg.RunModel)
	require.Len(t, cfg.WorkerAssignments, 1)
	require.Equal(t, config.DefaultWorkerCount, cfg.WorkerAssignments[0].Quantity)
}

func TestNormalizeRejectsMissingDocsURL(t *testing.T) {
	_, err := config.Normalize(config.CreateRunRequest{})
	require.Error(t, err)
}

func TestNormalizeRescalesAssignmentsToWorkerCount(t *testing.T) {
	req := config.CreateRunRequest{
		DocsURL: "https://example.com/docs",
		Workers: &config.WorkersRequest{
			WorkerCount: 10,
			Assignments: []config.WorkerAssignmentRequest{
				{Provider: "a", Model: "m1", Quantity: 1},
				{Provider: "b", Model: "m2", Quantity: 1},
			},
		},
	}
	cfg, err := config.Normalize(req)
	require.NoError(t, err)

	sum := 0
	for _, wa := range cfg.WorkerAssignments {
		sum += wa.Quantity
	}
	require.Equal(t, 10, sum)
}

func TestLoadWorkerDefaultsParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/workers.yaml"
	err := os.WriteFile(path, []byte(`
workerCount: 6
assignments:
  - provider: anthropic
    model: claude
    quantity: 2
  - provider: openai
    model: gpt
    quantity: 1
    overrides:
      temperature: "0.2"
`), 0o644)
	require.NoError(t, err)

	wr, err := config.LoadWorkerDefaults(path)
	require.NoError(t, err)
	require.Equal(t, 6, wr.WorkerCount)
	require.Len(t, wr.Assignments, 2)
	require.Equal(t, "anthropic", wr.Assignments[0].Provider)
	require.Equal(t, "0.2", wr.Assignments[1].Overrides["temperature"])
}

func TestLoadWorkerDefaultsMissingFile(t *testing.T) {
	_, err := config.LoadWorkerDefaults("/nonexistent/workers.yaml")
	require.Error(t, err)
}
