package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ashureev/tutor-chat/internal/domain"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
	// writeMu serialises read-modify-write of a session's message list.
	writeMu sync.Mutex
}

const connPragmas = "_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Pragmas in the DSN apply to every pooled connection.
	dsn := dbPath + "?" + connPragmas
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS chat_sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		curriculum_id TEXT NOT NULL,
		messages_json TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(user_id, curriculum_id)
	);
	CREATE INDEX IF NOT EXISTS idx_chat_sessions_updated ON chat_sessions(updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChatSession(row rowScanner) (*domain.ChatSession, error) {
	var session domain.ChatSession
	var messagesJSON string
	var createdAt, updatedAt int64

	err := row.Scan(
		&session.ID, &session.UserID, &session.CurriculumID,
		&messagesJSON, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan chat session: %w", err)
	}

	if err := json.Unmarshal([]byte(messagesJSON), &session.Messages); err != nil {
		return nil, fmt.Errorf("decode chat messages: %w", err)
	}
	session.CreatedAt = time.Unix(createdAt, 0)
	session.UpdatedAt = time.Unix(updatedAt, 0)
	return &session, nil
}

const selectChatSession = `
	SELECT id, user_id, curriculum_id, messages_json, created_at, updated_at
	FROM chat_sessions WHERE user_id = ? AND curriculum_id = ?`

// GetChatSession retrieves the chat session of a user for a curriculum.
func (s *SQLiteStore) GetChatSession(ctx context.Context, userID, curriculumID string) (*domain.ChatSession, error) {
	return scanChatSession(s.db.QueryRowContext(ctx, selectChatSession, userID, curriculumID))
}

// AppendTurn appends both messages of turn to the session, creating it on
// first use. Lock contention is retried with exponential backoff.
func (s *SQLiteStore) AppendTurn(ctx context.Context, userID, curriculumID string, turn domain.Turn, at time.Time) error {
	attempts, err := retryOnConflict(ctx, "append_turn", func() error {
		return s.appendTurnOnce(ctx, userID, curriculumID, turn, at)
	})
	if err != nil {
		return fmt.Errorf("append turn for %s/%s after %d attempts: %w", userID, curriculumID, attempts, err)
	}
	return nil
}

func (s *SQLiteStore) appendTurnOnce(ctx context.Context, userID, curriculumID string, turn domain.Turn, at time.Time) (err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	existing, err := scanChatSession(tx.QueryRowContext(ctx, selectChatSession, userID, curriculumID))
	if err != nil {
		return err
	}

	stamp := at.UTC()
	msgs := []domain.HistoryMessage{
		{Role: turn.UserMessage.Role, Content: turn.UserMessage.Content, CreatedAt: &stamp},
		{Role: turn.AssistantMessage.Role, Content: turn.AssistantMessage.Content, CreatedAt: &stamp},
	}
	id := uuid.NewString()
	createdAt := at.Unix()
	if existing != nil {
		msgs = append(existing.Messages, msgs...)
		id = existing.ID
		createdAt = existing.CreatedAt.Unix()
	}

	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("encode chat messages: %w", err)
	}

	query := `
		INSERT INTO chat_sessions (id, user_id, curriculum_id, messages_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, curriculum_id) DO UPDATE SET
			messages_json = excluded.messages_json,
			updated_at = excluded.updated_at`
	if _, err = tx.ExecContext(ctx, query, id, userID, curriculumID, string(data), createdAt, at.Unix()); err != nil {
		return fmt.Errorf("upsert chat session: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// DeleteChatSession removes the chat session of a user for a curriculum.
func (s *SQLiteStore) DeleteChatSession(ctx context.Context, userID, curriculumID string) error {
	_, err := retryOnConflict(ctx, "delete_chat_session", func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		_, err := s.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE user_id = ? AND curriculum_id = ?`, userID, curriculumID)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete chat session: %w", err)
	}
	return nil
}

// DeleteExpiredChatSessions removes sessions whose last turn is older than
// before.
func (s *SQLiteStore) DeleteExpiredChatSessions(ctx context.Context, before time.Time) (int64, error) {
	var deleted int64
	_, err := retryOnConflict(ctx, "delete_expired_chat_sessions", func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		res, err := s.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE updated_at < ?`, before.Unix())
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete expired chat sessions: %w", err)
	}
	return deleted, nil
}

var _ Repository = (*SQLiteStore)(nil)
