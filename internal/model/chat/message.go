package chat

import "time"

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether the role is one the session model accepts.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is one turn in a therapy session. The same logical turn may exist
// as an entity-store record, a channel echo, or both; ids are generated
// independently per channel, so reconciliation keys on (Role, Text) instead.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Sentiment string    `json:"sentiment,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// SameTurn reports whether two messages describe the same logical turn.
func (m Message) SameTurn(other Message) bool {
	return m.Role == other.Role && m.Text == other.Text
}
