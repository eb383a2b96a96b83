// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/tutor-chat/internal/domain"
)

// Repository defines the interface for persisting chat history.
type Repository interface {
	// GetChatSession retrieves the chat session of a user for a curriculum.
	// It returns nil when none exists.
	GetChatSession(ctx context.Context, userID, curriculumID string) (*domain.ChatSession, error)

	// AppendTurn appends a user message and the assistant reply to the
	// session for (userID, curriculumID), creating the session if needed.
	AppendTurn(ctx context.Context, userID, curriculumID string, turn domain.Turn, at time.Time) error

	// DeleteChatSession removes the chat session of a user for a curriculum.
	DeleteChatSession(ctx context.Context, userID, curriculumID string) error

	// DeleteExpiredChatSessions removes sessions not updated since before
	// and returns how many were deleted.
	DeleteExpiredChatSessions(ctx context.Context, before time.Time) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
