package chat

import (
	"context"
	"log/slog"
)

// NoticeLevel is the severity of a transient user notification.
type NoticeLevel string

const (
	NoticeInfo  NoticeLevel = "info"
	NoticeError NoticeLevel = "error"
)

// Notice is a transient message for the user, never part of the transcript.
type Notice struct {
	Level  NoticeLevel
	Title  string
	Detail string
}

// Notifier surfaces notices to the user.
type Notifier interface {
	Notify(ctx context.Context, n Notice)
}

// LogNotifier writes notices to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier returns a notifier backed by logger.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(ctx context.Context, notice Notice) {
	level := slog.LevelInfo
	if notice.Level == NoticeError {
		level = slog.LevelError
	}
	n.logger.Log(ctx, level, notice.Title, "detail", notice.Detail)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notice)

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, n Notice) {
	f(ctx, n)
}
