package store

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Retry settings for writes that hit SQLite lock contention.
const (
	maxWriteRetries = 3
	baseRetryDelay  = 100 * time.Millisecond
)

// IsBusyError checks if the error is a SQLITE_BUSY error.
// This occurs when the database is locked by another connection.
func IsBusyError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "SQLITE_BUSY")
}

// IsLockedError checks if the error is a "database is locked" error.
func IsLockedError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "database is locked")
}

// IsConflictError reports SQLite concurrency errors that warrant a retry.
func IsConflictError(err error) bool {
	return IsBusyError(err) || IsLockedError(err)
}

// retryOnConflict runs op until it succeeds, fails with a non-conflict error
// or the retry budget is spent. Delays grow 100ms, 200ms, 400ms.
func retryOnConflict(ctx context.Context, name string, op func() error) (attempts int, err error) {
	for i := 0; i < maxWriteRetries; i++ {
		attempts = i + 1
		err = op()
		if err == nil || !IsConflictError(err) || i == maxWriteRetries-1 {
			return attempts, err
		}

		delay := baseRetryDelay * time.Duration(1<<i)
		slog.Debug("sqlite write conflict, retrying", "op", name, "attempt", attempts, "delay", delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempts, ctx.Err()
		case <-timer.C:
		}
	}
	return attempts, err
}
