package agent

import (
	"context"
	"iter"
	"log/slog"
)

// Service turns chat requests into reply events.
type Service struct {
	responder Responder
	logger    *slog.Logger
}

// NewService creates a service backed by responder.
func NewService(responder Responder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{responder: responder, logger: logger}
}

// Chat returns the reply for req. A request whose last message is not a
// user message gets a greeting instead of a responder reply.
func (s *Service) Chat(ctx context.Context, req ChatRequest) iter.Seq2[Event, error] {
	if _, ok := req.LastUserMessage(); !ok {
		s.logger.Info("chat request without trailing user message, sending greeting",
			"user_id", req.UserID,
			"curriculum_id", req.CurriculumID,
			"messages", len(req.Messages),
		)
		return greeting(req)
	}
	return s.responder.Respond(ctx, req)
}

func greeting(req ChatRequest) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		title := req.CurriculumTitle
		if title == "" {
			title = "your curriculum"
		}
		lines := []string{"Hi! I'm your tutor for " + title + "."}
		if req.LearningGoal != "" {
			lines = append(lines, "We're working towards: "+req.LearningGoal)
		}
		lines = append(lines, "Ask me anything about today's lesson.")
		for _, l := range lines {
			if !yield(Text(l), nil) {
				return
			}
		}
	}
}
