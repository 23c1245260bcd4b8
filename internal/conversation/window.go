package conversation

import (
	"fmt"
	"strings"
)

// EvictionPolicy selects how many turns leave the window per eviction step.
type EvictionPolicy int

const (
	// EvictPair removes the oldest user turn together with the assistant
	// turn that answered it, so history always starts on a user turn.
	EvictPair EvictionPolicy = iota
	// EvictSingle removes exactly the turn at index 1 per step.
	EvictSingle
)

func (p EvictionPolicy) String() string {
	switch p {
	case EvictSingle:
		return "single"
	default:
		return "pair"
	}
}

// ParseEvictionPolicy maps "pair" or "single" to an EvictionPolicy.
func ParseEvictionPolicy(s string) (EvictionPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "pair":
		return EvictPair, nil
	case "single":
		return EvictSingle, nil
	default:
		return EvictPair, fmt.Errorf("unknown eviction policy %q", s)
	}
}

// Budget holds the limits a conversation is fitted against.
type Budget struct {
	MaxContextTokens int
	ResponseReserve  int
	MaxTurnCount     int
}

// Window keeps a conversation inside a model's context length while
// reserving room for the reply. It holds no conversation state.
type Window struct {
	Counter TokenCounter
	Policy  EvictionPolicy
}

// NewWindow returns a Window counting with counter and evicting per policy.
func NewWindow(counter TokenCounter, policy EvictionPolicy) *Window {
	return &Window{Counter: counter, Policy: policy}
}

// TotalTokens sums the token counts of all turns in order.
func (w *Window) TotalTokens(msgs []Message) (int, error) {
	_, total, err := w.counts(msgs)
	return total, err
}

// FitBudget evicts the oldest non-system turns until
// maxContextTokens - total - responseReserve is no longer negative, and
// returns the trimmed conversation with that remaining response budget.
// The system turn at index 0 and a trailing user turn are never evicted.
// The result never shares a backing array with msgs.
func (w *Window) FitBudget(msgs []Message, maxContextTokens, responseReserve int) ([]Message, int, error) {
	counts, total, err := w.counts(msgs)
	if err != nil {
		return nil, 0, err
	}
	available := maxContextTokens - total - responseReserve
	if available >= 0 {
		return Clone(msgs), available, nil
	}

	out := Clone(msgs)
	for available < 0 {
		n := w.evictionSize(out)
		if n == 0 {
			return nil, 0, &UntrimmableError{
				Tokens:           maxContextTokens - responseReserve - available,
				MaxContextTokens: maxContextTokens,
				ResponseReserve:  responseReserve,
				Available:        available,
			}
		}
		for _, c := range counts[1 : 1+n] {
			available += c
		}
		out = append(out[:1], out[1+n:]...)
		counts = append(counts[:1], counts[1+n:]...)
	}
	return out, available, nil
}

func (w *Window) evictionSize(msgs []Message) int {
	end := evictableEnd(msgs)
	if end <= 1 {
		return 0
	}
	if w.Policy == EvictSingle {
		return 1
	}
	return oldestExchange(msgs, end)
}

func (w *Window) counts(msgs []Message) ([]int, int, error) {
	counts := make([]int, len(msgs))
	total := 0
	for i, m := range msgs {
		n, err := w.Counter.Count(m.Content)
		if err != nil {
			return nil, 0, &TokenizationError{Index: i, Err: err}
		}
		if n < 0 {
			return nil, 0, &TokenizationError{Index: i, Count: n}
		}
		counts[i] = n
		total += n
	}
	return counts, total, nil
}

// EnforceTurnCap drops the oldest exchanges until at most maxTurns
// non-system turns remain. An exchange is a user turn plus the assistant
// turn answering it, or a lone leading assistant turn. A trailing user
// turn is never dropped, so the result can exceed a cap of zero.
// maxTurns <= 0 disables the cap.
func EnforceTurnCap(msgs []Message, maxTurns int) []Message {
	if maxTurns <= 0 || len(msgs)-1 <= maxTurns {
		return Clone(msgs)
	}
	out := Clone(msgs)
	for len(out)-1 > maxTurns {
		n := oldestExchange(out, evictableEnd(out))
		if n == 0 {
			break
		}
		out = append(out[:1], out[1+n:]...)
	}
	return out
}

// evictableEnd returns the exclusive upper bound of evictable indices.
// Turns in [1, end) may be evicted; a trailing user turn is pending.
func evictableEnd(msgs []Message) int {
	end := len(msgs)
	if end > 1 && msgs[end-1].Role == RoleUser {
		end--
	}
	return end
}

func oldestExchange(msgs []Message, end int) int {
	switch {
	case end <= 1:
		return 0
	case msgs[1].Role == RoleUser && end > 2 && msgs[2].Role == RoleAssistant:
		return 2
	default:
		return 1
	}
}
