// Package retrieval implements the Retrieval Index: paragraph-aligned
// chunking of ingested artifacts and a deterministic, dependency-free
// lexical scorer over those chunks. This scoring formula is small and
// exact, so it's implemented directly rather than reached for an
// unrelated third-party BM25/TF-IDF-style scorer (see DESIGN.md).
package retrieval

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"
	"strings"

	"github.com/codeready-toolchain/doceval/internal/domain"
)

const maxChunkChars = 1200

// BuildChunks splits each artifact by blank-line paragraphs, accumulating
// into a chunk until the next paragraph would exceed maxChunkChars. An
// artifact with content but no paragraph boundaries still yields one
// truncated chunk.
func BuildChunks(artifacts []domain.Artifact) []domain.Chunk {
	var chunks []domain.Chunk
	for _, a := range artifacts {
		chunks = append(chunks, chunkArtifact(a)...)
	}
	return chunks
}

func chunkArtifact(a domain.Artifact) []domain.Chunk {
	paragraphs := splitParagraphs(a.Content)
	if len(paragraphs) == 1 && len(paragraphs[0]) > maxChunkChars {
		return []domain.Chunk{newChunk(a.SourceURL, paragraphs[0][:maxChunkChars])}
	}
	var out []domain.Chunk
	var builder strings.Builder

	flush := func() {
		text := strings.TrimSpace(builder.String())
		if text != "" {
			out = append(out, newChunk(a.SourceURL, text))
		}
		builder.Reset()
	}

	for _, p := range paragraphs {
		candidateLen := builder.Len()
		if candidateLen > 0 {
			candidateLen += 2 // blank-line separator
		}
		candidateLen += len(p)

		if candidateLen > maxChunkChars && builder.Len() > 0 {
			flush()
		}
		if builder.Len() > 0 {
			builder.WriteString("\n\n")
		}
		builder.WriteString(p)
	}
	flush()

	if len(out) == 0 && strings.TrimSpace(a.Content) != "" {
		text := a.Content
		if len(text) > maxChunkChars {
			text = text[:maxChunkChars]
		}
		out = append(out, newChunk(a.SourceURL, text))
	}
	return out
}

func newChunk(sourceURL, text string) domain.Chunk {
	return domain.Chunk{
		SourceURL:   sourceURL,
		SnippetHash: SnippetHash(text),
		Text:        text,
	}
}

// SnippetHash is the first 16 hex characters of SHA-256(text), the chunk
// identity's second component.
func SnippetHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:16]
}

func splitParagraphs(content string) []string {
	raw := strings.Split(content, "\n\n")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Scored pairs a chunk with its query score.
type Scored struct {
	Chunk domain.Chunk
	Score float64
}

// Tokenize lowercases, strips non-alphanumeric runs, and drops tokens
// shorter than 3 characters. Used for both queries and chunks so scores
// are comparable.
func Tokenize(text string) map[string]bool {
	lower := strings.ToLower(text)
	var b strings.Builder
	tokens := make(map[string]bool)
	flush := func() {
		if b.Len() >= 3 {
			tokens[b.String()] = true
		}
		b.Reset()
	}
	for _, r := range lower {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

// TopK scores every chunk against query and returns the top K, breaking
// ties on lexicographic (sourceUrl, snippetHash) for determinism (P8).
func TopK(chunks []domain.Chunk, query string, k int) []Scored {
	queryTokens := Tokenize(query)
	scored := make([]Scored, 0, len(chunks))
	for _, c := range chunks {
		chunkTokens := Tokenize(c.Text)
		score := scoreChunk(queryTokens, chunkTokens)
		scored = append(scored, Scored{Chunk: c, Score: score})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if scored[i].Chunk.SourceURL != scored[j].Chunk.SourceURL {
			return scored[i].Chunk.SourceURL < scored[j].Chunk.SourceURL
		}
		return scored[i].Chunk.SnippetHash < scored[j].Chunk.SnippetHash
	})

	if k > 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored
}

func scoreChunk(queryTokens, chunkTokens map[string]bool) float64 {
	if len(chunkTokens) == 0 {
		return 0
	}
	intersection := 0
	for t := range queryTokens {
		if chunkTokens[t] {
			intersection++
		}
	}
	if intersection == 0 {
		return 0
	}
	return float64(intersection) / math.Sqrt(float64(len(chunkTokens)))
}

// Index is a phase-scoped, query-on-demand view over a chunk set. The
// optimized phase rebuilds a fresh Index after substituting the skill
// artifact.
type Index struct {
	chunks []domain.Chunk
}

// Build constructs an Index from artifacts.
func Build(artifacts []domain.Artifact) *Index {
	return &Index{chunks: BuildChunks(artifacts)}
}

// Query returns the top-K chunks for query.
func (i *Index) Query(query string, k int) []Scored {
	return TopK(i.chunks, query, k)
}

// Chunks exposes the full chunk set. The Deterministic Guard's
// citation_integrity check uses Has, not Chunks.
func (i *Index) Chunks() []domain.Chunk {
	return i.chunks
}

// Has reports whether (sourceURL, snippetHash) identifies a chunk in the
// index.
func (i *Index) Has(sourceURL, snippetHash string) bool {
	for _, c := range i.chunks {
		if c.SourceURL == sourceURL && c.SnippetHash == snippetHash {
			return true
		}
	}
	return false
}
