package conversation

// Roles recognised by the completion API.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single conversational turn. Index 0 of a conversation is
// always the system turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Clone returns a copy of msgs that shares no backing array with it.
func Clone(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}
