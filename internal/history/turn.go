package history

import (
	"time"
)

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the three permitted roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Turn is one message in the conversation. A turn is immutable once appended
// except for the Truncated flag, which the truncation pass owns. TokenCount is
// computed when the turn is built and never recomputed lazily.
type Turn struct {
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	TokenCount int       `json:"num_tokens"`
	Timestamp  time.Time `json:"timestamp"`
	Truncated  bool      `json:"truncated"`
	Protected  bool      `json:"protected,omitempty"`
}

// NewTurn builds a turn stamped with the current UTC time.
func NewTurn(role Role, content string, tokenCount int) Turn {
	return Turn{
		Role:       role,
		Content:    content,
		TokenCount: tokenCount,
		Timestamp:  time.Now().UTC(),
	}
}
