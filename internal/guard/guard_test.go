package guard_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/doceval/internal/domain"
	"github.com/codeready-toolchain/doceval/internal/guard"
	"github.com/codeready-toolchain/doceval/internal/retrieval"
)

func TestEvaluateHappyPath(t *testing.T) {
	idx := retrieval.Build([]domain.Artifact{{SourceURL: "doc://auth", Content: "Use an API key in the Authorization header to authenticate requests."}})
	chunk := idx.Chunks()[0]

	task := domain.Task{ExpectedSignals: []string{"api key", "authorization header"}}
	attempt := guard.Attempt{
		Answer:     "Step 1: obtain an API key.\nStep 2: send it in the Authorization header.",
		StepOutput: "",
		Citations: []domain.StepCitation{
			{Source: chunk.SourceURL, SnippetHash: chunk.SnippetHash, Excerpt: "API key in the Authorization header"},
		},
		StepCount:  2,
		StopReason: domain.StopReasonCompleted,
	}

	res := guard.Evaluate(task, attempt, idx)
	require.Empty(t, res.ValidityBlockedReasons)
	for _, c := range res.Checks {
		require.True(t, c.Passed, "check %s should pass", c.Name)
	}
}

func TestEvaluateMissingCitationsBlocksAndCapsGroundedness(t *testing.T) {
	idx := retrieval.Build(nil)
	task := domain.Task{ExpectedSignals: []string{"api key"}}
	attempt := guard.Attempt{Answer: "no citations here", StepCount: 1, StopReason: domain.StopReasonCompleted}

	res := guard.Evaluate(task, attempt, idx)
	require.Contains(t, res.ValidityBlockedReasons, guard.BlockMissingCitations)
	require.Equal(t, 3, res.Caps.Groundedness)
}

func TestEvaluateInvalidCitationNotInIndexBlocks(t *testing.T) {
	idx := retrieval.Build([]domain.Artifact{{SourceURL: "doc://x", Content: "something unrelated entirely"}})
	task := domain.Task{ExpectedSignals: nil}
	attempt := guard.Attempt{
		Answer:     "answer",
		StepCount:  2,
		StopReason: domain.StopReasonCompleted,
		Citations: []domain.StepCitation{
			{Source: "doc://x", SnippetHash: "not-a-real-hash0", Excerpt: "x"},
		},
	}

	res := guard.Evaluate(task, attempt, idx)
	require.Contains(t, res.ValidityBlockedReasons, guard.BlockInvalidCitations)
}

func TestEvaluateBoundedTerminationCap(t *testing.T) {
	idx := retrieval.Build(nil)
	task := domain.Task{}
	attempt := guard.Attempt{StopReason: domain.StopReasonStepLimit, Citations: []domain.StepCitation{{Source: "a", SnippetHash: "b", Excerpt: "c"}}}
	res := guard.Evaluate(task, attempt, idx)
	require.Equal(t, 8, res.Caps.Correctness)
}
