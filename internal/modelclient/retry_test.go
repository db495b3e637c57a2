package modelclient_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/doceval/internal/modelclient"
)

type scriptedBackend struct {
	texts []string
	calls int
}

func (b *scriptedBackend) CompleteText(_ context.Context, _ modelclient.Config, messages []modelclient.Message) (*modelclient.TextResult, error) {
	text := b.texts[b.calls]
	b.calls++
	return &modelclient.TextResult{Text: text}, nil
}

var requireFoo = modelclient.Schema{
	Name: "has_foo",
	Validate: func(decoded any) error {
		m, ok := decoded.(map[string]any)
		if !ok {
			return fmt.Errorf("expected object")
		}
		if _, ok := m["foo"]; !ok {
			return fmt.Errorf("missing field foo")
		}
		return nil
	},
}

func TestCompleteJSONSucceedsFirstTry(t *testing.T) {
	backend := &scriptedBackend{texts: []string{`{"foo": "bar"}`}}
	client := modelclient.NewSchemaRetryClient(backend)

	result, err := client.CompleteJSON(context.Background(), modelclient.Config{}, nil, requireFoo)
	require.NoError(t, err)
	require.Equal(t, "bar", result.Parsed.(map[string]any)["foo"])
	require.Equal(t, 1, backend.calls)
}

func TestCompleteJSONRetriesOnSchemaFailureThenSucceeds(t *testing.T) {
	backend := &scriptedBackend{texts: []string{
		`{"wrong": "shape"}`,
		`{"foo": "bar"}`,
	}}
	client := modelclient.NewSchemaRetryClient(backend)

	result, err := client.CompleteJSON(context.Background(), modelclient.Config{Retries: 1}, nil, requireFoo)
	require.NoError(t, err)
	require.Equal(t, "bar", result.Parsed.(map[string]any)["foo"])
	require.Equal(t, 2, backend.calls)
}

func TestCompleteJSONRetriesOnUnparseableTextThenSucceeds(t *testing.T) {
	backend := &scriptedBackend{texts: []string{
		"I can't comply with that request.",
		`{"foo": "bar"}`,
	}}
	client := modelclient.NewSchemaRetryClient(backend)

	result, err := client.CompleteJSON(context.Background(), modelclient.Config{Retries: 1}, nil, requireFoo)
	require.NoError(t, err)
	require.Equal(t, "bar", result.Parsed.(map[string]any)["foo"])
}

func TestCompleteJSONExhaustsRetriesAndReturnsLastError(t *testing.T) {
	backend := &scriptedBackend{texts: []string{
		`{"wrong": 1}`,
		`{"wrong": 2}`,
	}}
	client := modelclient.NewSchemaRetryClient(backend)

	_, err := client.CompleteJSON(context.Background(), modelclient.Config{Retries: 1}, nil, requireFoo)
	require.Error(t, err)
	require.Equal(t, 2, backend.calls)
}

func TestCompleteJSONCapsAttemptsAtThreeRegardlessOfConfiguredRetries(t *testing.T) {
	backend := &scriptedBackend{texts: []string{
		`{"wrong": 1}`,
		`{"wrong": 2}`,
		`{"wrong": 3}`,
		`{"foo": "bar"}`, // never reached: the cap stops at 3 attempts
	}}
	client := modelclient.NewSchemaRetryClient(backend)

	_, err := client.CompleteJSON(context.Background(), modelclient.Config{Retries: 10}, nil, requireFoo)
	require.Error(t, err)
	require.Equal(t, 3, backend.calls)
}

func TestCompleteTextDelegatesWithoutRetry(t *testing.T) {
	backend := &scriptedBackend{texts: []string{"plain text reply"}}
	client := modelclient.NewSchemaRetryClient(backend)

	result, err := client.CompleteText(context.Background(), modelclient.Config{}, nil)
	require.NoError(t, err)
	require.Equal(t, "plain text reply", result.Text)
	require.Equal(t, 1, backend.calls)
}
