// Package modelclient defines the ModelClient collaborator boundary: text
// and schema-validated JSON completions against whatever LLM provider a
// caller wires in. The provider integration itself is out of scope for this
// module; this package supplies the interface, the JSON-schema-retry
// decorator that's inseparable from the agent loop's correctness, and a
// gRPC-backed implementation that talks to a model-serving sidecar.
package modelclient

import (
	"context"
	"time"
)

// Message is one turn of a model conversation.
type Message struct {
	Role    string
	Content string
}

// Config selects the provider/model and call-level knobs for one request.
type Config struct {
	Provider    string
	Model       string
	Timeout     time.Duration
	Retries     int
	Temperature float64
}

// Usage is the accounting a model call reports back, consumed directly by
// the Budget Accountant.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// TextResult is the result of a completeText call.
type TextResult struct {
	Text      string
	Usage     Usage
	LatencyMs int64
	Model     string
}

// JSONResult is the result of a completeJson call.
type JSONResult struct {
	Parsed    any
	Text      string
	Usage     Usage
	LatencyMs int64
	Model     string
}

// Schema describes the shape a completeJson caller expects and how to check
// a decoded value against it. Validate receives the decoded JSON value
// (map[string]any, []any, or a scalar) and returns a descriptive error on
// mismatch; that error text is fed back into the repair prompt.
type Schema struct {
	Name     string
	Validate func(decoded any) error
}

// Client is the ModelClient collaborator: two operations, both capable of
// blocking on a network round trip, hence context.Context on both.
type Client interface {
	CompleteText(ctx context.Context, cfg Config, messages []Message) (*TextResult, error)
	CompleteJSON(ctx context.Context, cfg Config, messages []Message, schema Schema) (*JSONResult, error)
}
