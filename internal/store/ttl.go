package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// DefaultSweepCron is when the TTL worker sweeps for stale history.
const DefaultSweepCron = "@hourly"

// Schedule yields the next sweep time after a given instant.
type Schedule interface {
	Next(after time.Time) (time.Time, error)
}

type cronSchedule string

// NewCronSchedule parses a cron expression. An empty expression selects
// DefaultSweepCron.
func NewCronSchedule(expr string) (Schedule, error) {
	if expr == "" {
		expr = DefaultSweepCron
	}
	if !gronx.IsValid(expr) {
		return nil, fmt.Errorf("invalid cron expression %q", expr)
	}
	return cronSchedule(expr), nil
}

func (c cronSchedule) Next(after time.Time) (time.Time, error) {
	return gronx.NextTickAfter(string(c), after, false)
}

// Every returns a fixed-interval schedule.
type Every time.Duration

// Next implements Schedule.
func (e Every) Next(after time.Time) (time.Time, error) {
	return after.Add(time.Duration(e)), nil
}

// StartTTLWorker runs a background goroutine that deletes chat sessions idle
// for longer than ttl on every tick of sched. It stops when ctx is canceled.
// A non-positive ttl disables the worker.
func StartTTLWorker(ctx context.Context, repo Repository, ttl time.Duration, sched Schedule, logger *slog.Logger) {
	if ttl <= 0 {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}

	go func() {
		logger.Info("TTL worker started", "ttl", ttl)
		for {
			next, err := sched.Next(time.Now().UTC())
			wait := time.Until(next)
			if err != nil {
				logger.Error("TTL worker failed to compute next sweep", "error", err)
				wait = time.Minute
			}

			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
				cleanupExpiredSessions(ctx, repo, ttl, logger)
			case <-ctx.Done():
				timer.Stop()
				logger.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func cleanupExpiredSessions(ctx context.Context, repo Repository, ttl time.Duration, logger *slog.Logger) {
	deleted, err := repo.DeleteExpiredChatSessions(ctx, time.Now().Add(-ttl))
	if err != nil {
		if ctx.Err() != nil {
			logger.Debug("TTL worker canceled during cleanup", "error", err)
			return
		}
		logger.Error("TTL worker failed to delete expired chat sessions", "error", err)
		return
	}
	if deleted > 0 {
		logger.Info("TTL worker deleted expired chat sessions", "count", deleted)
	}
}
