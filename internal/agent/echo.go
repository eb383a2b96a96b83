package agent

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"
)

// LookupTool is the tool name the echo responder announces.
const LookupTool = "curriculum_lookup"

// EchoResponder is a stand-in tutor for local development. It announces a
// curriculum lookup, then echoes the question back line by line.
type EchoResponder struct {
	delay  time.Duration
	logger *slog.Logger
}

// NewEchoResponder creates a responder pausing delay between events.
func NewEchoResponder(delay time.Duration, logger *slog.Logger) *EchoResponder {
	if logger == nil {
		logger = slog.Default()
	}
	return &EchoResponder{delay: delay, logger: logger}
}

// Respond implements Responder.
func (e *EchoResponder) Respond(ctx context.Context, req ChatRequest) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		question, ok := req.LastUserMessage()
		if !ok {
			yield(Event{}, fmt.Errorf("last message is not a user message"))
			return
		}

		events := []Event{
			ToolStart(LookupTool, map[string]any{
				"curriculum_id": req.CurriculumID,
				"day":           req.DayNumber,
			}),
			ToolEnd(LookupTool),
		}
		if req.DayTitle != "" {
			events = append(events, Text(fmt.Sprintf("Day %d: %s", req.DayNumber, req.DayTitle)))
		}
		events = append(events, Text("You asked:"))
		for _, line := range strings.Split(strings.TrimSpace(question), "\n") {
			events = append(events, Text("> "+line))
		}

		for _, ev := range events {
			if err := e.pause(ctx); err != nil {
				yield(Event{}, err)
				return
			}
			if !yield(ev, nil) {
				e.logger.Debug("echo reply abandoned by consumer", "user_id", req.UserID)
				return
			}
		}
	}
}

func (e *EchoResponder) pause(ctx context.Context) error {
	if e.delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(e.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
