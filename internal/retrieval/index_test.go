package retrieval_test

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/doceval/internal/domain"
	"github.com/codeready-toolchain/doceval/internal/retrieval"
)

func TestBuildChunksSplitsOnParagraphBudget(t *testing.T) {
	para := strings.Repeat("word ", 200) // ~1000 chars
	content := para + "\n\n" + para + "\n\n" + para
	artifacts := []domain.Artifact{{SourceURL: "doc://a", Content: content}}

	chunks := retrieval.BuildChunks(artifacts)
	require.GreaterOrEqual(t, len(chunks), 2, "three ~1000-char paragraphs should not fit in one 1200-char chunk")
	for _, c := range chunks {
		require.LessOrEqual(t, len(c.Text), 1200+4) // allow paragraph separator slack within budget check
	}
}

func TestBuildChunksEmitsTruncatedChunkWhenNoParagraphBreaks(t *testing.T) {
	content := strings.Repeat("x", 2000)
	artifacts := []domain.Artifact{{SourceURL: "doc://b", Content: content}}
	chunks := retrieval.BuildChunks(artifacts)
	require.Len(t, chunks, 1)
	require.Len(t, chunks[0].Text, 1200)
}

func TestTopKDeterministicTieBreak(t *testing.T) {
	chunks := []domain.Chunk{
		{SourceURL: "b", SnippetHash: "h1", Text: "api key authorization"},
		{SourceURL: "a", SnippetHash: "h2", Text: "api key authorization"},
	}
	scored1 := retrieval.TopK(chunks, "api key authorization", 2)
	scored2 := retrieval.TopK(chunks, "api key authorization", 2)
	if diff := cmp.Diff(scored1, scored2); diff != "" {
		t.Fatalf("repeated TopK calls over identical input diverged (-first +second):\n%s", diff)
	}
	require.Equal(t, "a", scored1[0].Chunk.SourceURL, "equal scores should tie-break on source URL ascending")
}

func TestTokenizeDropsShortTokensAndNonAlnum(t *testing.T) {
	tokens := retrieval.Tokenize("API-key: it's the Authorization header!")
	require.True(t, tokens["api"])
	require.True(t, tokens["key"])
	require.True(t, tokens["authorization"])
	require.True(t, tokens["header"])
	require.False(t, tokens["it"])
	require.False(t, tokens["s"])
}

func TestIndexHasMembership(t *testing.T) {
	idx := retrieval.Build([]domain.Artifact{{SourceURL: "doc://c", Content: "api key authorization header"}})
	require.Len(t, idx.Chunks(), 1)
	c := idx.Chunks()[0]
	require.True(t, idx.Has(c.SourceURL, c.SnippetHash))
	require.False(t, idx.Has(c.SourceURL, "deadbeef00000000"))
}
