package modelclient

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// GRPCClient implements TextCompleter by calling an external model-serving
// sidecar over gRPC: the LLM service runs as a sidecar, reached over
// plaintext localhost gRPC. No .proto-generated service stub ships with
// this module, consistent with it being a go:generate artifact that isn't
// checked in, so requests and responses are exchanged as structpb.Struct,
// a real protobuf message type supplied by the protobuf-go runtime, over a
// fixed method name, rather than fabricating a hand-written .pb.go.
type GRPCClient struct {
	conn       *grpc.ClientConn
	methodText string
}

// NewGRPCClient dials addr and returns a client ready for CompleteText.
func NewGRPCClient(addr string) (*GRPCClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("modelclient: failed to dial model service at %s: %w", addr, err)
	}
	return &GRPCClient{
		conn:       conn,
		methodText: "/doceval.modelclient.v1.ModelService/CompleteText",
	}, nil
}

// Close releases the underlying connection.
func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

// CompleteText sends the conversation as a structpb payload and decodes the
// sidecar's structpb response into a TextResult.
func (c *GRPCClient) CompleteText(ctx context.Context, cfg Config, messages []Message) (*TextResult, error) {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	reqMessages := make([]any, len(messages))
	for i, m := range messages {
		reqMessages[i] = map[string]any{"role": m.Role, "content": m.Content}
	}
	req, err := structpb.NewStruct(map[string]any{
		"provider":    cfg.Provider,
		"model":       cfg.Model,
		"temperature": cfg.Temperature,
		"messages":    reqMessages,
	})
	if err != nil {
		return nil, fmt.Errorf("modelclient: failed to build request payload: %w", err)
	}

	started := time.Now()
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, c.methodText, req, resp); err != nil {
		return nil, fmt.Errorf("modelclient: CompleteText RPC failed: %w", err)
	}
	latency := time.Since(started).Milliseconds()

	fields := resp.GetFields()
	usage := Usage{}
	if u, ok := fields["usage"]; ok {
		uf := u.GetStructValue().GetFields()
		usage.InputTokens = int(uf["input_tokens"].GetNumberValue())
		usage.OutputTokens = int(uf["output_tokens"].GetNumberValue())
	}

	return &TextResult{
		Text:      fields["text"].GetStringValue(),
		Usage:     usage,
		LatencyMs: latency,
		Model:     cfg.Model,
	}, nil
}
