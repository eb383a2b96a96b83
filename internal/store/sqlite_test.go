package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/tutor-chat/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "chat.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return s
}

func TestPragmasApplyToEveryConnection(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	var conns []*sql.Conn
	for range 3 {
		c, err := s.db.Conn(ctx)
		if err != nil {
			t.Fatalf("Conn() error = %v", err)
		}
		conns = append(conns, c)
	}
	for i, c := range conns {
		var timeout int
		if err := c.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&timeout); err != nil {
			t.Fatalf("conn %d busy_timeout: %v", i, err)
		}
		if timeout != 5000 {
			t.Errorf("conn %d busy_timeout = %d, want 5000", i, timeout)
		}
		var mode string
		if err := c.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
			t.Fatalf("conn %d journal_mode: %v", i, err)
		}
		if mode != "wal" {
			t.Errorf("conn %d journal_mode = %q, want wal", i, mode)
		}
	}
	for _, c := range conns {
		if err := c.Close(); err != nil {
			t.Errorf("close conn: %v", err)
		}
	}
}

func TestGetChatSessionMissing(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	got, err := s.GetChatSession(context.Background(), "alice", "go-101")
	if err != nil {
		t.Fatalf("GetChatSession() error = %v", err)
	}
	if got != nil {
		t.Errorf("GetChatSession() = %+v, want nil", got)
	}
}

func TestAppendTurnCreatesAndAppends(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

	if err := s.AppendTurn(ctx, "alice", "go-101", domain.NewTurn("q1", "a1"), t0); err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}
	first, err := s.GetChatSession(ctx, "alice", "go-101")
	if err != nil || first == nil {
		t.Fatalf("GetChatSession() = %v, %v", first, err)
	}

	if err := s.AppendTurn(ctx, "alice", "go-101", domain.NewTurn("q2", "a2"), t0.Add(time.Minute)); err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}
	got, err := s.GetChatSession(ctx, "alice", "go-101")
	if err != nil {
		t.Fatalf("GetChatSession() error = %v", err)
	}

	if got.ID != first.ID {
		t.Errorf("session id changed: %q -> %q", first.ID, got.ID)
	}
	want := []struct{ role, content string }{
		{"user", "q1"}, {"assistant", "a1"}, {"user", "q2"}, {"assistant", "a2"},
	}
	if len(got.Messages) != len(want) {
		t.Fatalf("len(messages) = %d, want %d", len(got.Messages), len(want))
	}
	for i, w := range want {
		m := got.Messages[i]
		if m.Role != w.role || m.Content != w.content {
			t.Errorf("messages[%d] = %s/%q, want %s/%q", i, m.Role, m.Content, w.role, w.content)
		}
		if m.CreatedAt == nil {
			t.Errorf("messages[%d] has no created_at", i)
		}
	}
	if !got.CreatedAt.Equal(t0) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, t0)
	}
	if !got.UpdatedAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("updated_at = %v", got.UpdatedAt)
	}
}

func TestAppendTurnScopesByUserAndCurriculum(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for _, key := range [][2]string{{"alice", "go-101"}, {"alice", "rust-101"}, {"bob", "go-101"}} {
		if err := s.AppendTurn(ctx, key[0], key[1], domain.NewTurn(key[0]+"?", key[1]+"!"), now); err != nil {
			t.Fatalf("AppendTurn(%v) error = %v", key, err)
		}
	}

	got, err := s.GetChatSession(ctx, "bob", "go-101")
	if err != nil {
		t.Fatalf("GetChatSession() error = %v", err)
	}
	if len(got.Messages) != 2 || got.Messages[0].Content != "bob?" {
		t.Errorf("bob's session = %+v", got.Messages)
	}
}

func TestAppendTurnConcurrent(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.AppendTurn(ctx, "alice", "go-101", domain.NewTurn(fmt.Sprintf("q%d", i), "a"), time.Now())
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("AppendTurn() error = %v", err)
		}
	}

	got, err := s.GetChatSession(ctx, "alice", "go-101")
	if err != nil {
		t.Fatalf("GetChatSession() error = %v", err)
	}
	if len(got.Messages) != writers*2 {
		t.Errorf("len(messages) = %d, want %d", len(got.Messages), writers*2)
	}
}

func TestDeleteChatSession(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	if err := s.AppendTurn(ctx, "alice", "go-101", domain.NewTurn("q", "a"), time.Now()); err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}
	if err := s.DeleteChatSession(ctx, "alice", "go-101"); err != nil {
		t.Fatalf("DeleteChatSession() error = %v", err)
	}
	got, err := s.GetChatSession(ctx, "alice", "go-101")
	if err != nil || got != nil {
		t.Errorf("GetChatSession() after delete = %+v, %v", got, err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestIsConflictError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("SQLITE_BUSY: database busy"), true},
		{errors.New("database is locked (5)"), true},
		{fmt.Errorf("wrapped: %w", errors.New("database is locked")), true},
		{errors.New("no such table"), false},
	}
	for _, tt := range tests {
		if got := IsConflictError(tt.err); got != tt.want {
			t.Errorf("IsConflictError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestRetryOnConflict(t *testing.T) {
	t.Parallel()

	t.Run("retries conflicts then succeeds", func(t *testing.T) {
		calls := 0
		attempts, err := retryOnConflict(context.Background(), "test", func() error {
			calls++
			if calls < 2 {
				return errors.New("database is locked")
			}
			return nil
		})
		if err != nil || attempts != 2 {
			t.Errorf("retryOnConflict() = %d, %v; want 2, nil", attempts, err)
		}
	})

	t.Run("does not retry other errors", func(t *testing.T) {
		boom := errors.New("constraint failed")
		attempts, err := retryOnConflict(context.Background(), "test", func() error { return boom })
		if !errors.Is(err, boom) || attempts != 1 {
			t.Errorf("retryOnConflict() = %d, %v", attempts, err)
		}
	})

	t.Run("stops when context is done", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := retryOnConflict(ctx, "test", func() error { return errors.New("SQLITE_BUSY") })
		if !errors.Is(err, context.Canceled) {
			t.Errorf("retryOnConflict() error = %v, want context.Canceled", err)
		}
	})
}

func TestDeleteExpiredChatSessions(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := s.AppendTurn(ctx, "alice", "old", domain.NewTurn("q", "a"), now.Add(-48*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendTurn(ctx, "alice", "fresh", domain.NewTurn("q", "a"), now); err != nil {
		t.Fatal(err)
	}

	deleted, err := s.DeleteExpiredChatSessions(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteExpiredChatSessions() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	if got, _ := s.GetChatSession(ctx, "alice", "old"); got != nil {
		t.Error("expired session still present")
	}
	if got, _ := s.GetChatSession(ctx, "alice", "fresh"); got == nil {
		t.Error("fresh session was deleted")
	}
}

func TestTTLWorker(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.AppendTurn(ctx, "alice", "go-101", domain.NewTurn("q", "a"), time.Now().Add(-2*time.Hour)); err != nil {
		t.Fatal(err)
	}
	StartTTLWorker(ctx, s, time.Hour, Every(10*time.Millisecond), nil)

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := s.GetChatSession(ctx, "alice", "go-101")
		if err != nil {
			t.Fatal(err)
		}
		if got == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("TTL worker did not delete the idle session")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestTTLWorkerDisabled(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.AppendTurn(ctx, "alice", "go-101", domain.NewTurn("q", "a"), time.Now().Add(-2*time.Hour)); err != nil {
		t.Fatal(err)
	}
	StartTTLWorker(ctx, s, 0, Every(10*time.Millisecond), nil)
	time.Sleep(50 * time.Millisecond)

	if got, _ := s.GetChatSession(ctx, "alice", "go-101"); got == nil {
		t.Error("disabled worker deleted history")
	}
}

func TestNewCronSchedule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"", false},
		{"@hourly", false},
		{"0 3 * * *", false},
		{"*/15 * * * *", false},
		{"not a cron", true},
		{"61 * * * *", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			t.Parallel()
			_, err := NewCronSchedule(tt.expr)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewCronSchedule(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
			}
		})
	}
}

func TestCronScheduleNext(t *testing.T) {
	t.Parallel()

	sched, err := NewCronSchedule("0 3 * * *")
	if err != nil {
		t.Fatal(err)
	}
	from := time.Date(2025, 5, 1, 10, 30, 0, 0, time.UTC)
	next, err := sched.Next(from)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	want := time.Date(2025, 5, 2, 3, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("Next() = %v, want %v", next, want)
	}
}
