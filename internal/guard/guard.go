// Package guard implements the Deterministic Guard: non-LLM
// pass/block checks and per-criterion score caps computed from provable
// properties of an attempt, independent of the Rubric Judge.
package guard

import (
	"fmt"
	"strings"

	"github.com/codeready-toolchain/doceval/internal/domain"
	"github.com/codeready-toolchain/doceval/internal/retrieval"
)

// Check names, used both as DeterministicCheckResult.Name and in
// ValidityBlockedReasons.
const (
	CheckCitationPresence       = "citation_presence"
	CheckCitationIntegrity      = "citation_integrity"
	CheckExpectedSignalCoverage = "expected_signal_coverage"
	CheckActionableStepDepth    = "actionable_step_depth"
	CheckBoundedTermination     = "bounded_termination"

	BlockMissingCitations = "missing_citations"
	BlockInvalidCitations = "invalid_citations"
)

// Attempt is the input the guard evaluates, gathered from the final "act"
// step of an Agent Loop run.
type Attempt struct {
	Answer     string
	StepOutput string
	Steps      []string // one entry per act answer taken; the guard's checks do not read it
	Citations  []domain.StepCitation
	StepCount  int
	StopReason domain.StopReason
}

// Caps holds the per-criterion ceilings the checks below may impose; a cap
// of 0 means "no cap from this check".
type Caps struct {
	Completeness  int
	Correctness   int
	Groundedness  int
	Actionability int
}

// Result is the Deterministic Guard's output, persisted for post-hoc
// inspection and consumed by the Rubric Judge's post-processing step.
type Result struct {
	Caps                   Caps
	ValidityBlockedReasons []string
	Checks                 []domain.DeterministicCheckResult
}

// Evaluate runs every deterministic check against one attempt.
func Evaluate(task domain.Task, attempt Attempt, idx *retrieval.Index) Result {
	var res Result

	// citation_presence
	presencePassed := len(attempt.Citations) >= 1
	res.addCheck(CheckCitationPresence, presencePassed, 0, fmt.Sprintf("%d citations", len(attempt.Citations)))
	if !presencePassed {
		res.capGroundedness(3)
		res.block(BlockMissingCitations)
	}

	// citation_integrity
	integrityPassed := citationsIntegral(attempt.Citations, idx)
	res.addCheck(CheckCitationIntegrity, integrityPassed, 0, "")
	if !integrityPassed {
		res.capGroundedness(3)
		res.block(BlockInvalidCitations)
	}

	// expected_signal_coverage
	coverage := SignalCoverage(task.ExpectedSignals, attempt.Answer+" "+attempt.StepOutput)
	coveragePassed := coverage >= 0.45
	res.addCheck(CheckExpectedSignalCoverage, coveragePassed, 0, fmt.Sprintf("coverage %.2f", coverage))
	if !coveragePassed {
		res.capCompleteness(6)
	}

	// actionable_step_depth
	depthPassed := countSteps(attempt.Answer) >= 2 && attempt.StepCount >= 2
	res.addCheck(CheckActionableStepDepth, depthPassed, 0, fmt.Sprintf("answer lines %d, iterations %d", countSteps(attempt.Answer), attempt.StepCount))
	if !depthPassed {
		res.capActionability(6)
	}

	// bounded_termination
	boundedPassed := attempt.StopReason == domain.StopReasonCompleted
	res.addCheck(CheckBoundedTermination, boundedPassed, 0, string(attempt.StopReason))
	if !boundedPassed {
		res.capCorrectness(8)
	}

	return res
}

func (r *Result) addCheck(name string, passed bool, scoreDelta int, details string) {
	r.Checks = append(r.Checks, domain.DeterministicCheckResult{
		Name:       name,
		Passed:     passed,
		ScoreDelta: scoreDelta,
		Details:    details,
	})
}

func (r *Result) block(reason string) {
	r.ValidityBlockedReasons = append(r.ValidityBlockedReasons, reason)
}

func (r *Result) capGroundedness(v int) {
	if r.Caps.Groundedness == 0 || v < r.Caps.Groundedness {
		r.Caps.Groundedness = v
	}
}
func (r *Result) capCompleteness(v int) {
	if r.Caps.Completeness == 0 || v < r.Caps.Completeness {
		r.Caps.Completeness = v
	}
}
func (r *Result) capActionability(v int) {
	if r.Caps.Actionability == 0 || v < r.Caps.Actionability {
		r.Caps.Actionability = v
	}
}
func (r *Result) capCorrectness(v int) {
	if r.Caps.Correctness == 0 || v < r.Caps.Correctness {
		r.Caps.Correctness = v
	}
}

func citationsIntegral(citations []domain.StepCitation, idx *retrieval.Index) bool {
	if len(citations) == 0 {
		return false
	}
	for _, c := range citations {
		if c.Source == "" || c.Source == "unknown" {
			return false
		}
		if c.SnippetHash == "" || c.Excerpt == "" {
			return false
		}
		if idx != nil && !idx.Has(c.Source, c.SnippetHash) {
			return false
		}
	}
	return true
}

// SignalCoverage computes matched/total using a normalized (lowercase,
// collapsed-whitespace) case-insensitive substring match; see DESIGN.md
// for why substring matching was chosen over exact or token-set matching.
// The Agent Loop's reflect override reuses it with its own threshold.
func SignalCoverage(signals []string, haystack string) float64 {
	if len(signals) == 0 {
		return 1
	}
	normalizedHaystack := normalize(haystack)
	matched := 0
	for _, s := range signals {
		if strings.Contains(normalizedHaystack, normalize(s)) {
			matched++
		}
	}
	return float64(matched) / float64(len(signals))
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// countSteps is a coarse heuristic for "answer has >= 2 steps": it counts
// newline-delimited or numbered-list-style lines in the answer text.
func countSteps(answer string) int {
	lines := strings.Split(answer, "\n")
	count := 0
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			count++
		}
	}
	return count
}
