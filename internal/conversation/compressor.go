package conversation

// TurnCapCompressor keeps at most MaxTurns non-system turns.
type TurnCapCompressor struct {
	MaxTurns int
}

// Compress drops the oldest exchanges beyond MaxTurns.
func (c *TurnCapCompressor) Compress(messages []Message) []Message {
	return EnforceTurnCap(messages, c.MaxTurns)
}
