package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/tutor-chat/internal/agent"
	"github.com/ashureev/tutor-chat/internal/chat"
	"github.com/ashureev/tutor-chat/internal/config"
	"github.com/ashureev/tutor-chat/internal/domain"
	"github.com/ashureev/tutor-chat/internal/store"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	cfg := &config.Config{
		AuthTokens: map[string]string{"tok-a": "alice", "tok-b": "bob"},
		RateLimit:  config.RateLimitConfig{Requests: 100, Window: time.Minute},
		Stream:     config.StreamConfig{MaxBodyBytes: 1 << 20},
	}
	app := newServer(cfg, repo, agent.NewEchoResponder(0, nil), nil)
	srv := httptest.NewServer(app.router)
	t.Cleanup(func() {
		srv.Close()
		app.Close()
		_ = repo.Close()
	})
	return srv
}

func newTestClient(t *testing.T, srv *httptest.Server, token string) *chat.Client {
	t.Helper()
	cfg := chat.DefaultClientConfig()
	cfg.BaseURL = srv.URL
	c, err := chat.NewClient(cfg, chat.StaticToken(token), srv.Client(), nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestChatRoundTrip(t *testing.T) {
	t.Parallel()

	transports := []struct {
		name   string
		opener func(c *chat.Client) chat.StreamOpener
	}{
		{"http", func(c *chat.Client) chat.StreamOpener { return c }},
		{"websocket", func(c *chat.Client) chat.StreamOpener { return chat.NewWSOpener(c) }},
	}

	for _, tr := range transports {
		t.Run(tr.name, func(t *testing.T) {
			t.Parallel()
			srv := newTestServer(t)
			client := newTestClient(t, srv, "tok-a")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			cc := domain.CurriculumContext{CurriculumID: "go-101", CurriculumTitle: "Go Basics", DayNumber: 2, DayTitle: "Maps"}
			panel := chat.NewPanel(chat.NewTranscript(cc), chat.PanelOptions{
				Opener:  tr.opener(client),
				History: client,
				Store:   client,
			})
			if err := panel.SetContext(ctx, cc); err != nil {
				t.Fatalf("SetContext: %v", err)
			}

			res, err := panel.Submit(ctx, "what is a map?")
			if err != nil {
				t.Fatalf("Submit: %v", err)
			}
			if res.Reconcile != chat.ReconcileSaved {
				t.Fatalf("reconcile = %v, want saved", res.Reconcile)
			}
			if !res.Outcome.LogicalEnd {
				t.Error("stream ended without the end marker")
			}
			if !strings.Contains(res.Outcome.Content, "> what is a map?") {
				t.Errorf("assistant content = %q", res.Outcome.Content)
			}
			if strings.Contains(res.Outcome.Content, "__TOOL") {
				t.Errorf("tool marker leaked into content: %q", res.Outcome.Content)
			}

			history, err := client.FetchHistory(ctx, "go-101")
			if err != nil {
				t.Fatalf("FetchHistory: %v", err)
			}
			if len(history) != 2 {
				t.Fatalf("history = %d messages, want 2", len(history))
			}
			if history[0].Content != "what is a map?" || history[1].Content != res.Outcome.Content {
				t.Errorf("history = %+v", history)
			}

			// A fresh panel hydrates the stored turn.
			fresh := chat.NewPanel(chat.NewTranscript(domain.CurriculumContext{}), chat.PanelOptions{History: client})
			if err := fresh.SetContext(ctx, cc); err != nil {
				t.Fatalf("SetContext: %v", err)
			}
			if got := fresh.Transcript().Len(); got != 2 {
				t.Errorf("hydrated transcript = %d messages, want 2", got)
			}

			// History is scoped per user.
			other, err := newTestClient(t, srv, "tok-b").FetchHistory(ctx, "go-101")
			if err != nil {
				t.Fatalf("FetchHistory(bob): %v", err)
			}
			if len(other) != 0 {
				t.Errorf("bob sees %d messages, want 0", len(other))
			}
		})
	}
}

func TestPublicRoutes(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	tests := []struct {
		path     string
		wantCode int
		contains string
	}{
		{"/ping", http.StatusOK, "."},
		{"/health", http.StatusOK, `"healthy"`},
		{"/metrics", http.StatusOK, "tutorchat_server_turns_stored_total"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()
			resp, err := srv.Client().Get(srv.URL + tt.path)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != tt.wantCode {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantCode)
			}
			if !strings.Contains(string(body), tt.contains) {
				t.Errorf("body %q does not contain %q", body, tt.contains)
			}
		})
	}
}

func TestChatRoutesRequireToken(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	resp, err := srv.Client().Get(srv.URL + chat.HistoryPath + "go-101")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}
