// Tutor chat development server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/tutor-chat/internal/agent"
	"github.com/ashureev/tutor-chat/internal/config"
	"github.com/ashureev/tutor-chat/internal/store"
	"github.com/joho/godotenv"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		logger.Info("No .env file found, using environment variables")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Error("Server exited", "error", err)
		stop()
		os.Exit(1)
	}
	logger.Info("Server stopped successfully")
}

// run serves until ctx is canceled or the listener fails.
func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	sweep, err := store.NewCronSchedule(cfg.HistorySweepCron)
	if err != nil {
		return fmt.Errorf("history sweep schedule: %w", err)
	}
	logger.Info("Starting tutor chat server",
		"port", cfg.Port,
		"dev", cfg.IsDevelopment(),
		"tokens", len(cfg.AuthTokens),
		"history_ttl", cfg.HistoryTTL,
	)

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open chat store: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			logger.Error("Failed to close chat store", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("chat store health check: %w", err)
	}
	logger.Info("Chat store ready", "path", cfg.DBPath)

	app := newServer(cfg, repo, agent.NewEchoResponder(cfg.Stream.EchoDelay, logger), logger)
	defer app.Close()

	store.StartTTLWorker(ctx, repo, cfg.HistoryTTL, sweep, logger)

	// Streams need a long-lived response, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     app.router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
