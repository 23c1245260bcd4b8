package conversation

import (
	"errors"
	"fmt"
)

var (
	// ErrUntrimmable is matched by errors that report a conversation whose
	// evictable history is exhausted while the budget is still negative.
	ErrUntrimmable = errors.New("conversation cannot fit token budget")

	// ErrTokenization is matched by errors from the token counter.
	ErrTokenization = errors.New("token counting failed")
)

// UntrimmableError indicates that eviction could not bring the response
// budget back to zero or above.
type UntrimmableError struct {
	Tokens           int
	MaxContextTokens int
	ResponseReserve  int
	Available        int
}

func (e *UntrimmableError) Error() string {
	return fmt.Sprintf("untrimmable conversation tokens=%d max_context_tokens=%d response_reserve=%d available=%d",
		e.Tokens, e.MaxContextTokens, e.ResponseReserve, e.Available)
}

func (e *UntrimmableError) Is(target error) bool {
	return target == ErrUntrimmable
}

// TokenizationError reports a failed or implausible count for the turn at Index.
type TokenizationError struct {
	Index int
	Count int
	Err   error
}

func (e *TokenizationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("count tokens of turn %d: %v", e.Index, e.Err)
	}
	return fmt.Sprintf("implausible token count %d for turn %d", e.Count, e.Index)
}

func (e *TokenizationError) Unwrap() error {
	return e.Err
}

func (e *TokenizationError) Is(target error) bool {
	return target == ErrTokenization
}
