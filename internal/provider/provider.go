package provider

import (
	"context"

	"github.com/opsdesk-io/opsdesk/pkg/protocol"
)

// Provider is the abstraction over LLM APIs. Callers invoke Chat exactly
// once per evaluation; retries, if any, are the caller's decision.
type Provider interface {
	Chat(ctx context.Context, req protocol.ChatRequest) (*protocol.ChatResponse, error)
	Name() string
}
