package model

import (
	"context"

	"github.com/stupiduntilnot/promptrelay/internal/conversation"
)

// Request is one chat completion call.
type Request struct {
	Messages []conversation.Message
	// MaxTokens caps the reply length. Zero leaves it to the API.
	MaxTokens int
	// JSONResponse asks the model to answer with a JSON object.
	JSONResponse bool
	// User is an opaque end-user identifier forwarded for abuse tracking.
	User string
}

// CompletionResponse is the common response model for model providers.
type CompletionResponse struct {
	Content      string
	InputTokens  int
	OutputTokens int
}

// Provider is the completion API abstraction used by the relay.
type Provider interface {
	ChatCompletion(ctx context.Context, req Request) (CompletionResponse, error)
}
