package modelclient

import (
	"context"
	"fmt"
)

// TextCompleter is the minimal capability a backend must offer; CompleteJSON
// is built on top of it so every backend gets identical retry/repair
// behavior rather than reimplementing it per provider.
type TextCompleter interface {
	CompleteText(ctx context.Context, cfg Config, messages []Message) (*TextResult, error)
}

// SchemaRetryClient decorates a TextCompleter with a completeJson contract:
// extract JSON tolerant of fences/prose, validate against schema, and on
// failure retry with an instruction-repair message appended, up to
// min(3, retries+1) total attempts.
type SchemaRetryClient struct {
	Backend TextCompleter
}

// NewSchemaRetryClient wraps backend in the schema-retry decorator.
func NewSchemaRetryClient(backend TextCompleter) *SchemaRetryClient {
	return &SchemaRetryClient{Backend: backend}
}

// CompleteText delegates directly; no retry/repair applies to free text.
func (c *SchemaRetryClient) CompleteText(ctx context.Context, cfg Config, messages []Message) (*TextResult, error) {
	return c.Backend.CompleteText(ctx, cfg, messages)
}

// CompleteJSON implements the retry-with-repair contract.
func (c *SchemaRetryClient) CompleteJSON(ctx context.Context, cfg Config, messages []Message, schema Schema) (*JSONResult, error) {
	// §7.2: schema-repair retries are capped at min(3, retries+1) attempts
	// total, regardless of how high Retries is configured.
	attempts := cfg.Retries + 1
	if attempts > 3 {
		attempts = 3
	}
	if attempts < 1 {
		attempts = 1
	}

	conversation := append([]Message(nil), messages...)
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		textResult, err := c.Backend.CompleteText(ctx, cfg, conversation)
		if err != nil {
			return nil, fmt.Errorf("modelclient: completeJson backend call failed: %w", err)
		}

		decoded, extractErr := ExtractJSON(textResult.Text)
		if extractErr == nil {
			if schema.Validate == nil {
				return toJSONResult(decoded, textResult), nil
			}
			if validateErr := schema.Validate(decoded); validateErr == nil {
				return toJSONResult(decoded, textResult), nil
			} else {
				lastErr = validateErr
			}
		} else {
			lastErr = extractErr
		}

		conversation = append(conversation, Message{Role: "assistant", Content: textResult.Text})
		conversation = append(conversation, Message{
			Role: "user",
			Content: fmt.Sprintf(
				"Your previous response did not satisfy the required JSON schema %q: %v. "+
					"Reply again with ONLY a single JSON value matching the schema, no prose, no code fences.",
				schema.Name, lastErr,
			),
		})
	}

	return nil, fmt.Errorf("modelclient: completeJson exhausted %d attempts against schema %q: %w", attempts, schema.Name, lastErr)
}

func toJSONResult(decoded any, text *TextResult) *JSONResult {
	return &JSONResult{
		Parsed:    decoded,
		Text:      text.Text,
		Usage:     text.Usage,
		LatencyMs: text.LatencyMs,
		Model:     text.Model,
	}
}
