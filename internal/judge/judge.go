// Package judge implements the Rubric Judge: a two-pass LLM evaluator
// (alignment, then rubric scoring) with deterministic guardrails, optional
// tie-break re-scoring, and failure-class classification.
package judge

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/codeready-toolchain/doceval/internal/domain"
	"github.com/codeready-toolchain/doceval/internal/guard"
	"github.com/codeready-toolchain/doceval/internal/modelclient"
)

// Alignment is the decoded result of the alignment call.
type Alignment struct {
	IsSupportedByEvidence bool
	UnsupportedClaims     []string
	Notes                 string
}

// Rubric is the decoded result of the rubric call.
type Rubric struct {
	Scores                domain.CriterionScores
	Rationale             string
	Confidence            float64
	SuggestedFailureClass string
}

// EvidenceChunk is one retrieved chunk supplied to the alignment call.
type EvidenceChunk struct {
	SourceURL   string
	SnippetHash string
	Text        string
}

const maxEvidenceChunks = 12

// Input bundles everything one evaluation call needs.
type Input struct {
	Task       domain.Task
	Answer     string
	StepOutput string
	Steps      []string
	Citations  []domain.StepCitation
	Evidence   []EvidenceChunk
	Guard      guard.Result
}

// Judge drives the two LLM calls and the scoring post-processing that follows them.
type Judge struct {
	client     modelclient.Client
	judgeModel string
	tieBreak   bool
}

// New returns a Judge backed by client, scoring with judgeModel.
func New(client modelclient.Client, judgeModel string, tieBreakEnabled bool) *Judge {
	return &Judge{client: client, judgeModel: judgeModel, tieBreak: tieBreakEnabled}
}

var alignmentSchema = modelclient.Schema{
	Name: "alignment_result",
	Validate: func(decoded any) error {
		m, ok := decoded.(map[string]any)
		if !ok {
			return fmt.Errorf("expected a JSON object")
		}
		if _, ok := m["isSupportedByEvidence"].(bool); !ok {
			return fmt.Errorf("missing boolean field isSupportedByEvidence")
		}
		return nil
	},
}

var rubricSchema = modelclient.Schema{
	Name: "rubric_result",
	Validate: func(decoded any) error {
		m, ok := decoded.(map[string]any)
		if !ok {
			return fmt.Errorf("expected a JSON object")
		}
		scores, ok := m["scores"].(map[string]any)
		if !ok {
			return fmt.Errorf("missing object field scores")
		}
		for _, key := range []string{"completeness", "correctness", "groundedness", "actionability"} {
			if _, ok := scores[key].(float64); !ok {
				return fmt.Errorf("scores.%s must be a number", key)
			}
		}
		return nil
	},
}

// Evaluate runs the alignment call, the rubric call (and a tie-break rerun
// if applicable), applies every guardrail and cap, and returns the final
// TaskEvaluation.
func (j *Judge) Evaluate(ctx context.Context, in Input) (domain.TaskEvaluation, error) {
	alignment, err := j.callAlignment(ctx, in)
	if err != nil {
		return domain.TaskEvaluation{}, fmt.Errorf("judge: alignment call: %w", err)
	}

	rubric, err := j.callRubric(ctx, in, alignment)
	if err != nil {
		return domain.TaskEvaluation{}, fmt.Errorf("judge: rubric call: %w", err)
	}

	scores := applyGuardrails(rubric.Scores, len(in.Citations), len(in.Steps), len(alignment.UnsupportedClaims) > 0)
	scores = applyCaps(scores, in.Guard.Caps)
	average := roundToEven2(scores.Average())

	if j.tieBreak && average >= 6.5 && average <= 7.5 {
		rubric2, err := j.callRubric(ctx, in, alignment)
		if err != nil {
			return domain.TaskEvaluation{}, fmt.Errorf("judge: tie-break rubric call: %w", err)
		}
		scores2 := applyCaps(applyGuardrails(rubric2.Scores, len(in.Citations), len(in.Steps), len(alignment.UnsupportedClaims) > 0), in.Guard.Caps)
		scores = averageScores(scores, scores2)
		average = roundToEven2(scores.Average())
	}

	qualityPass := average >= 7
	validityPass := alignment.IsSupportedByEvidence && len(in.Guard.ValidityBlockedReasons) == 0
	pass := qualityPass && validityPass

	eval := domain.TaskEvaluation{
		TaskID:                 in.Task.TaskID,
		CriterionScores:        scores,
		Pass:                   pass,
		QualityPass:            qualityPass,
		ValidityPass:           validityPass,
		ValidityBlockedReasons: in.Guard.ValidityBlockedReasons,
		Rationale:              rubric.Rationale,
		JudgeModel:             j.judgeModel,
		Confidence:             rubric.Confidence,
	}
	if !pass {
		fc := classifyFailure(rubric.SuggestedFailureClass, rubric.Rationale, scores)
		eval.FailureClass = &fc
	}
	return eval, nil
}

func (j *Judge) callAlignment(ctx context.Context, in Input) (Alignment, error) {
	messages := []modelclient.Message{
		{Role: "system", Content: "You check whether an answer is supported by the supplied evidence. Reply with JSON only."},
		{Role: "user", Content: buildAlignmentPrompt(in)},
	}
	result, err := j.client.CompleteJSON(ctx, modelclient.Config{Model: j.judgeModel}, messages, alignmentSchema)
	if err != nil {
		return Alignment{}, err
	}
	m := result.Parsed.(map[string]any)
	a := Alignment{IsSupportedByEvidence: m["isSupportedByEvidence"].(bool)}
	a.Notes, _ = m["notes"].(string)
	if claims, ok := m["unsupportedClaims"].([]any); ok {
		for _, c := range claims {
			if s, ok := c.(string); ok {
				a.UnsupportedClaims = append(a.UnsupportedClaims, s)
			}
		}
	}
	return a, nil
}

func (j *Judge) callRubric(ctx context.Context, in Input, alignment Alignment) (Rubric, error) {
	messages := []modelclient.Message{
		{Role: "system", Content: "You score an attempt on four axes from 0 to 10. Reply with JSON only."},
		{Role: "user", Content: buildRubricPrompt(in, alignment)},
	}
	result, err := j.client.CompleteJSON(ctx, modelclient.Config{Model: j.judgeModel}, messages, rubricSchema)
	if err != nil {
		return Rubric{}, err
	}
	m := result.Parsed.(map[string]any)
	scoresMap := m["scores"].(map[string]any)
	r := Rubric{
		Scores: domain.CriterionScores{
			Completeness:  scoresMap["completeness"].(float64),
			Correctness:   scoresMap["correctness"].(float64),
			Groundedness:  scoresMap["groundedness"].(float64),
			Actionability: scoresMap["actionability"].(float64),
		},
	}
	r.Rationale, _ = m["rationale"].(string)
	r.Confidence, _ = m["confidence"].(float64)
	r.SuggestedFailureClass, _ = m["suggestedFailureClass"].(string)
	return r, nil
}

func buildAlignmentPrompt(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n%s\n\n", in.Task.Name, in.Task.Description)
	fmt.Fprintf(&b, "Answer:\n%s\n\n", in.Answer)
	fmt.Fprintf(&b, "Citations: %d\n\n", len(in.Citations))
	b.WriteString("Evidence:\n")
	limit := len(in.Evidence)
	if limit > maxEvidenceChunks {
		limit = maxEvidenceChunks
	}
	for _, e := range in.Evidence[:limit] {
		fmt.Fprintf(&b, "- [%s#%s] %s\n", e.SourceURL, e.SnippetHash, e.Text)
	}
	return b.String()
}

func buildRubricPrompt(in Input, alignment Alignment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n%s\n\n", in.Task.Name, in.Task.Description)
	fmt.Fprintf(&b, "Answer:\n%s\n\n", in.Answer)
	fmt.Fprintf(&b, "Alignment: supported=%v unsupportedClaims=%v\n", alignment.IsSupportedByEvidence, alignment.UnsupportedClaims)
	return b.String()
}

// applyGuardrails caps scores unconditionally before the deterministic
// guard's caps are applied on top.
func applyGuardrails(scores domain.CriterionScores, citationCount, stepCount int, hasUnsupportedClaims bool) domain.CriterionScores {
	if citationCount == 0 {
		scores.Groundedness = math.Min(scores.Groundedness, 4)
	}
	if stepCount < 2 {
		scores.Actionability = math.Min(scores.Actionability, 6)
	}
	if hasUnsupportedClaims {
		scores.Correctness = math.Min(scores.Correctness, 6)
		scores.Groundedness = math.Min(scores.Groundedness, 5)
	}
	return scores
}

func applyCaps(scores domain.CriterionScores, caps guard.Caps) domain.CriterionScores {
	if caps.Completeness > 0 {
		scores.Completeness = math.Min(scores.Completeness, float64(caps.Completeness))
	}
	if caps.Correctness > 0 {
		scores.Correctness = math.Min(scores.Correctness, float64(caps.Correctness))
	}
	if caps.Groundedness > 0 {
		scores.Groundedness = math.Min(scores.Groundedness, float64(caps.Groundedness))
	}
	if caps.Actionability > 0 {
		scores.Actionability = math.Min(scores.Actionability, float64(caps.Actionability))
	}
	return scores
}

func averageScores(a, b domain.CriterionScores) domain.CriterionScores {
	return domain.CriterionScores{
		Completeness:  roundToEven2((a.Completeness + b.Completeness) / 2),
		Correctness:   roundToEven2((a.Correctness + b.Correctness) / 2),
		Groundedness:  roundToEven2((a.Groundedness + b.Groundedness) / 2),
		Actionability: roundToEven2((a.Actionability + b.Actionability) / 2),
	}
}

// roundToEven2 rounds to 2 decimal places using round-half-to-even; see
// DESIGN.md for why this rounding mode was chosen.
func roundToEven2(v float64) float64 {
	return math.RoundToEven(v*100) / 100
}

var (
	outdatedRe   = regexp.MustCompile(`(?i)outdated|deprecated`)
	brokenLinkRe = regexp.MustCompile(`(?i)broken link|404`)
	noExampleRe  = regexp.MustCompile(`(?i)no example|missing example`)
	ambiguousRe  = regexp.MustCompile(`(?i)ambiguous|unclear`)
)

var allowedFailureClasses = map[string]domain.FailureClass{
	string(domain.FailureClassOutdatedContent):       domain.FailureClassOutdatedContent,
	string(domain.FailureClassBrokenLinks):           domain.FailureClassBrokenLinks,
	string(domain.FailureClassMissingExamples):       domain.FailureClassMissingExamples,
	string(domain.FailureClassAmbiguousInstructions): domain.FailureClassAmbiguousInstructions,
	string(domain.FailureClassMissingContent):        domain.FailureClassMissingContent,
	string(domain.FailureClassInsufficientDetail):    domain.FailureClassInsufficientDetail,
	string(domain.FailureClassPoorStructure):         domain.FailureClassPoorStructure,
	string(domain.FailureClassMissingCitations):      domain.FailureClassMissingCitations,
}

// classifyFailure applies classification precedence: suggested class (if
// allowed) > rationale heuristics > score-based.
func classifyFailure(suggested, rationale string, scores domain.CriterionScores) domain.FailureClass {
	if fc, ok := allowedFailureClasses[suggested]; ok {
		return fc
	}
	switch {
	case outdatedRe.MatchString(rationale):
		return domain.FailureClassOutdatedContent
	case brokenLinkRe.MatchString(rationale):
		return domain.FailureClassBrokenLinks
	case noExampleRe.MatchString(rationale):
		return domain.FailureClassMissingExamples
	case ambiguousRe.MatchString(rationale):
		return domain.FailureClassAmbiguousInstructions
	}
	switch {
	case scores.Groundedness < 5:
		return domain.FailureClassMissingContent
	case scores.Actionability < 6 && scores.Completeness < 6:
		return domain.FailureClassInsufficientDetail
	default:
		return domain.FailureClassPoorStructure
	}
}
