// Package tokenizer provides token counters for context budgeting.
package tokenizer

import (
	"fmt"
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is used when the model has no registered encoding.
const DefaultEncoding = "cl100k_base"

const (
	KindTiktoken  = "tiktoken"
	KindHeuristic = "heuristic"
)

// Tiktoken counts tokens with the BPE encoding the model itself uses.
type Tiktoken struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken

	Encoding string
}

// NewTiktoken resolves the encoding for model, falling back to cl100k_base.
func NewTiktoken(model string) (*Tiktoken, error) {
	enc, err := tiktoken.EncodingForModel(model)
	name := model
	if err != nil {
		enc, err = tiktoken.GetEncoding(DefaultEncoding)
		if err != nil {
			return nil, fmt.Errorf("tokenizer: get encoding %s: %w", DefaultEncoding, err)
		}
		name = DefaultEncoding
	}
	return &Tiktoken{enc: enc, Encoding: name}, nil
}

// Count returns the number of tokens in text.
func (t *Tiktoken) Count(text string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.enc.Encode(text, nil, nil)), nil
}

// Heuristic estimates tokens from byte length. It needs no encoding
// tables and is used for offline runs.
type Heuristic struct {
	BytesPerToken int // defaults to 4 if zero
}

func (h Heuristic) ratio() int {
	if h.BytesPerToken <= 0 {
		return 4
	}
	return h.BytesPerToken
}

// Count rounds len(text)/ratio up, so any non-empty text costs a token.
func (h Heuristic) Count(text string) (int, error) {
	r := h.ratio()
	return (len(text) + r - 1) / r, nil
}

// Counter is the capability shared by all counters in this package.
type Counter interface {
	Count(text string) (int, error)
}

// New builds the counter named by kind for model.
func New(kind, model string) (Counter, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", KindTiktoken:
		return NewTiktoken(model)
	case KindHeuristic:
		return Heuristic{}, nil
	default:
		return nil, fmt.Errorf("unknown tokenizer %q", kind)
	}
}
