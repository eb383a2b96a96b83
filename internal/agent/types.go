// Package agent produces tutor replies on the development server and writes
// them to clients in the chat line protocol.
package agent

import (
	"strings"

	"github.com/ashureev/tutor-chat/internal/domain"
)

// ChatRequest is the body of a chat stream request.
type ChatRequest struct {
	Messages []domain.StoredMessage `json:"messages"`
	domain.CurriculumContext
	UserID string `json:"-"`
}

// LastUserMessage returns the content of the final message when it was
// written by the user.
func (r ChatRequest) LastUserMessage() (string, bool) {
	if len(r.Messages) == 0 {
		return "", false
	}
	last := r.Messages[len(r.Messages)-1]
	if domain.ParseRole(last.Role) != domain.RoleUser || strings.TrimSpace(last.Content) == "" {
		return "", false
	}
	return last.Content, true
}

// EventKind identifies what a reply event carries.
type EventKind int

const (
	EventText EventKind = iota
	EventToolStart
	EventToolEnd
)

// Event is one unit of a streamed reply.
type Event struct {
	Kind EventKind
	// Text is assistant output for EventText. It may span several lines.
	Text string
	// Tool and Input describe a tool invocation.
	Tool  string
	Input any
}

// Text returns a text event.
func Text(s string) Event {
	return Event{Kind: EventText, Text: s}
}

// ToolStart returns a tool start event.
func ToolStart(name string, input any) Event {
	return Event{Kind: EventToolStart, Tool: name, Input: input}
}

// ToolEnd returns a tool end event.
func ToolEnd(name string) Event {
	return Event{Kind: EventToolEnd, Tool: name}
}
