// Package domain contains core domain types for the tutor chat.
package domain

import (
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParseRole maps a stored role string onto a Role. Anything that is not
// "user" is treated as assistant output, matching how history is rendered.
func ParseRole(s string) Role {
	if s == string(RoleUser) {
		return RoleUser
	}
	return RoleAssistant
}

// Message is one utterance in a conversation transcript.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// IsUser reports whether the message was written by the learner.
func (m Message) IsUser() bool {
	return m.Role == RoleUser
}

// StoredMessage is the role/content pair exchanged with the chat endpoints.
type StoredMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// HistoryMessage is a persisted message as returned by the history endpoint.
type HistoryMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// Turn is a user message and the assistant reply persisted together.
type Turn struct {
	UserMessage      StoredMessage `json:"user_message"`
	AssistantMessage StoredMessage `json:"assistant_message"`
}

// NewTurn builds a turn from the two message bodies.
func NewTurn(userContent, assistantContent string) Turn {
	return Turn{
		UserMessage:      StoredMessage{Role: string(RoleUser), Content: userContent},
		AssistantMessage: StoredMessage{Role: string(RoleAssistant), Content: assistantContent},
	}
}
