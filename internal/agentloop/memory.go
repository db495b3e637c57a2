package agentloop

import (
	"regexp"
	"strings"

	"github.com/codeready-toolchain/doceval/internal/domain"
	"github.com/codeready-toolchain/doceval/internal/guard"
	"github.com/codeready-toolchain/doceval/internal/retrieval"
)

const (
	maxFacts         = 20
	maxStepSummaries = 12
)

// updateMemory folds one iteration's results into AgentMemoryState: the
// plan becomes the deduplicated union of this iteration's plan items and
// the reflect phase's updates, all marked undone; visited sources, facts
// and step summaries are deduplicated by exact-string match; facts and
// step summaries are truncated to their caps, keeping the most recent
// entries, while visited sources are not capped.
func updateMemory(state *domain.AgentMemoryState, plan planResult, reflect reflectResult, retrieved []retrieval.Scored, discoveredFacts []string) *domain.AgentMemoryState {
	next := *state
	next.CurrentStep++

	items := dedupAppend(plan.PlanItems, reflect.PlanUpdates, 0)
	if len(items) > 0 {
		planItems := make([]domain.PlanItem, len(items))
		for i, text := range items {
			planItems[i] = domain.PlanItem{Text: text}
		}
		next.Plan = planItems
	}

	next.VisitedSources = dedupAppend(next.VisitedSources, sourcesOf(retrieved), 0)
	next.Facts = dedupAppend(next.Facts, discoveredFacts, maxFacts)
	if reflect.Summary != "" {
		next.StepSummaries = dedupAppend(next.StepSummaries, []string{reflect.Summary}, maxStepSummaries)
	}
	return &next
}

func sourcesOf(retrieved []retrieval.Scored) []string {
	out := make([]string, len(retrieved))
	for i, r := range retrieved {
		out[i] = r.Chunk.SourceURL + "#" + r.Chunk.SnippetHash
	}
	return out
}

// dedupAppend appends newItems to existing, skipping exact duplicates, and
// truncates from the front (oldest first) to at most maxLen entries;
// maxLen<=0 means unbounded.
func dedupAppend(existing, newItems []string, maxLen int) []string {
	seen := make(map[string]bool, len(existing))
	out := make([]string, 0, len(existing)+len(newItems))
	for _, s := range existing {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range newItems {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	if maxLen > 0 && len(out) > maxLen {
		out = out[len(out)-maxLen:]
	}
	return out
}

const forceContinueCoverage = 0.75

// negativeResultRe matches answers that read as a premature "nothing
// there" verdict rather than a finished attempt.
var negativeResultRe = regexp.MustCompile(`(?i)no\s+\S+[^.]*\b(found|available|documented)\b|unable to (find|locate|identify|determine)`)

// shouldForceContinue implements the reflect-override: an iteration the
// model marked done=false but also shouldContinue=false is re-driven
// anyway when the attempt plainly isn't finished yet — fewer than two
// iterations taken, expected-signal coverage of the answer still low, no
// citations at all, or the answer reading as a negative result. Any one
// signal is enough.
func shouldForceContinue(reflect reflectResult, act actResult, task domain.Task, iteration int) bool {
	if reflect.ShouldContinue || act.Done {
		return false
	}
	if iteration < 2 {
		return true
	}
	text := strings.TrimSpace(act.Answer + " " + act.StepOutput)
	if guard.SignalCoverage(task.ExpectedSignals, text) < forceContinueCoverage {
		return true
	}
	if len(act.Citations) == 0 {
		return true
	}
	return negativeResultRe.MatchString(text)
}
