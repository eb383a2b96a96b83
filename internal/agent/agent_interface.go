package agent

import (
	"context"
	"iter"
)

// Responder produces the assistant reply to a chat request as a sequence of
// events. Iteration stops early when the consumer breaks out of the loop.
type Responder interface {
	Respond(ctx context.Context, req ChatRequest) iter.Seq2[Event, error]
}

// Ensure EchoResponder implements Responder.
var _ Responder = (*EchoResponder)(nil)
