package conversation

import "context"

// Provider rebuilds conversation history from the exchange log.
type Provider interface {
	GetHistory(ctx context.Context, userID int64, limit int) ([]Message, error)
}

// Compressor reduces a conversation to fit structural constraints.
type Compressor interface {
	Compress(messages []Message) []Message
}

// Assembler combines system prompt, history, and user message into a final message list.
type Assembler interface {
	Assemble(system string, history []Message, userMsg string) []Message
}

// TokenCounter reports how many model tokens a piece of text occupies.
type TokenCounter interface {
	Count(text string) (int, error)
}
