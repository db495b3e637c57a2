package agentloop

import (
	"context"
	"fmt"
	"strings"

	"github.com/codeready-toolchain/doceval/internal/domain"
	"github.com/codeready-toolchain/doceval/internal/modelclient"
	"github.com/codeready-toolchain/doceval/internal/retrieval"
)

type planResult struct {
	PlanItems []string
	Rationale string
}

type actResult struct {
	Answer          string
	StepOutput      string
	Citations       []domain.StepCitation
	Done            bool
	DoneReason      string
	DiscoveredFacts []string
}

type reflectResult struct {
	ShouldContinue bool
	Summary        string
	PlanUpdates    []string
	Confidence     float64
	StopReason     string
}

var planSchema = modelclient.Schema{
	Name: "plan_result",
	Validate: func(decoded any) error {
		m, ok := decoded.(map[string]any)
		if !ok {
			return fmt.Errorf("expected a JSON object")
		}
		if _, ok := m["planItems"].([]any); !ok {
			return fmt.Errorf("missing array field planItems")
		}
		return nil
	},
}

var actSchema = modelclient.Schema{
	Name: "act_result",
	Validate: func(decoded any) error {
		m, ok := decoded.(map[string]any)
		if !ok {
			return fmt.Errorf("expected a JSON object")
		}
		if _, ok := m["answer"].(string); !ok {
			return fmt.Errorf("missing string field answer")
		}
		if _, ok := m["done"].(bool); !ok {
			return fmt.Errorf("missing boolean field done")
		}
		return nil
	},
}

var reflectSchema = modelclient.Schema{
	Name: "reflect_result",
	Validate: func(decoded any) error {
		m, ok := decoded.(map[string]any)
		if !ok {
			return fmt.Errorf("expected a JSON object")
		}
		if _, ok := m["shouldContinue"].(bool); !ok {
			return fmt.Errorf("missing boolean field shouldContinue")
		}
		return nil
	},
}

// retrieveQuery assembles the retrieval query from the task itself plus the
// freshest slices of agent memory: pending plan items, the last two step
// summaries, and the last five facts.
func retrieveQuery(task domain.Task, state *domain.AgentMemoryState) string {
	parts := []string{task.Name, task.Description}
	parts = append(parts, task.ExpectedSignals...)
	for _, p := range state.Plan {
		if !p.Done {
			parts = append(parts, p.Text)
		}
	}
	parts = append(parts, lastN(state.StepSummaries, 2)...)
	parts = append(parts, lastN(state.Facts, 5)...)
	return strings.Join(parts, " ")
}

func lastN(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return items[len(items)-n:]
}

func (l *Loop) callPlan(ctx context.Context, model string, task domain.Task, state *domain.AgentMemoryState, retrieved []retrieval.Scored) (planResult, modelclient.Usage, error) {
	messages := []modelclient.Message{
		{Role: "system", Content: "You plan the next steps to accomplish a documentation-grounded task. Reply with JSON only."},
		{Role: "user", Content: buildPlanPrompt(task, state, retrieved)},
	}
	result, err := l.client.CompleteJSON(ctx, modelclient.Config{Model: model}, messages, planSchema)
	if err != nil {
		return planResult{}, modelclient.Usage{}, err
	}
	m := result.Parsed.(map[string]any)
	p := planResult{}
	p.Rationale, _ = m["rationale"].(string)
	if items, ok := m["planItems"].([]any); ok {
		for _, it := range items {
			if s, ok := it.(string); ok {
				p.PlanItems = append(p.PlanItems, s)
			}
		}
	}
	return p, result.Usage, nil
}

func (l *Loop) callAct(ctx context.Context, model string, task domain.Task, state *domain.AgentMemoryState, retrieved []retrieval.Scored) (actResult, modelclient.Usage, error) {
	messages := []modelclient.Message{
		{Role: "system", Content: "You answer the task using only the supplied evidence, citing every factual claim. Reply with JSON only."},
		{Role: "user", Content: buildActPrompt(task, state, retrieved)},
	}
	result, err := l.client.CompleteJSON(ctx, modelclient.Config{Model: model}, messages, actSchema)
	if err != nil {
		return actResult{}, modelclient.Usage{}, err
	}
	m := result.Parsed.(map[string]any)
	a := actResult{}
	a.Answer, _ = m["answer"].(string)
	a.StepOutput, _ = m["stepOutput"].(string)
	a.Done, _ = m["done"].(bool)
	a.DoneReason, _ = m["doneReason"].(string)
	if facts, ok := m["discoveredFacts"].([]any); ok {
		for _, f := range facts {
			if s, ok := f.(string); ok {
				a.DiscoveredFacts = append(a.DiscoveredFacts, s)
			}
		}
	}
	if cites, ok := m["citations"].([]any); ok {
		for _, c := range cites {
			cm, ok := c.(map[string]any)
			if !ok {
				continue
			}
			citation := domain.StepCitation{}
			citation.Source, _ = cm["source"].(string)
			citation.SnippetHash, _ = cm["snippetHash"].(string)
			citation.Excerpt, _ = cm["excerpt"].(string)
			a.Citations = append(a.Citations, citation)
		}
	}
	return a, result.Usage, nil
}

func (l *Loop) callReflect(ctx context.Context, model string, task domain.Task, state *domain.AgentMemoryState, act actResult, iteration int) (reflectResult, modelclient.Usage, error) {
	messages := []modelclient.Message{
		{Role: "system", Content: "You judge whether another iteration is needed before the answer is finished. Reply with JSON only."},
		{Role: "user", Content: buildReflectPrompt(task, state, act, iteration)},
	}
	result, err := l.client.CompleteJSON(ctx, modelclient.Config{Model: model}, messages, reflectSchema)
	if err != nil {
		return reflectResult{}, modelclient.Usage{}, err
	}
	m := result.Parsed.(map[string]any)
	r := reflectResult{}
	r.ShouldContinue, _ = m["shouldContinue"].(bool)
	r.Summary, _ = m["summary"].(string)
	r.StopReason, _ = m["stopReason"].(string)
	r.Confidence, _ = m["confidence"].(float64)
	if updates, ok := m["planUpdates"].([]any); ok {
		for _, u := range updates {
			if s, ok := u.(string); ok {
				r.PlanUpdates = append(r.PlanUpdates, s)
			}
		}
	}
	return r, result.Usage, nil
}

func buildPlanPrompt(task domain.Task, state *domain.AgentMemoryState, retrieved []retrieval.Scored) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n%s\n\n", task.Name, task.Description)
	fmt.Fprintf(&b, "Current plan: %v\n", state.Plan)
	fmt.Fprintf(&b, "Facts so far: %v\n\n", state.Facts)
	b.WriteString("Retrieved evidence:\n")
	for _, r := range retrieved {
		fmt.Fprintf(&b, "- [%s#%s] %s\n", r.Chunk.SourceURL, r.Chunk.SnippetHash, r.Chunk.Text)
	}
	return b.String()
}

func buildActPrompt(task domain.Task, state *domain.AgentMemoryState, retrieved []retrieval.Scored) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n%s\n\n", task.Name, task.Description)
	fmt.Fprintf(&b, "Plan: %v\n\n", state.Plan)
	b.WriteString("Evidence you may cite (cite only these sourceUrl/snippetHash pairs):\n")
	for _, r := range retrieved {
		fmt.Fprintf(&b, "- [%s#%s] %s\n", r.Chunk.SourceURL, r.Chunk.SnippetHash, r.Chunk.Text)
	}
	return b.String()
}

func buildReflectPrompt(task domain.Task, state *domain.AgentMemoryState, act actResult, iteration int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n\n", task.Name)
	fmt.Fprintf(&b, "Iteration: %d\n", iteration)
	fmt.Fprintf(&b, "Latest answer: %s\n", act.Answer)
	fmt.Fprintf(&b, "Citations so far: %d\n", len(act.Citations))
	fmt.Fprintf(&b, "Model-reported done: %v (%s)\n", act.Done, act.DoneReason)
	return b.String()
}
