package chat

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/ashureev/tutor-chat/internal/metrics"
)

// State is the lifecycle position of a stream session.
type State int

const (
	StateIdle        State = iota // created, nothing read yet
	StateStreaming                // reading the body
	StateReconciling              // stream finished, turn not yet persisted
	StateDone                     // turn handled
	StateFailed                   // transport or read failure
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateReconciling:
		return "reconciling"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome summarises a finished stream session.
type Outcome struct {
	AssistantID string
	// UserMessageID is the user message that started the session, if known.
	UserMessageID string
	// Content is the final assistant text with end markers stripped and
	// surrounding whitespace trimmed.
	Content string
	// LogicalEnd is true when the end-of-stream marker was seen.
	LogicalEnd bool
	// Terminal is true when the stream ended by marker or clean close. Only
	// terminal outcomes are eligible for persistence.
	Terminal bool
	// Created reports whether an assistant message was inserted.
	Created bool
	Lines   int
}

// StreamSession owns one fetch-and-read lifecycle: the carry-over buffer,
// the accumulated assistant content and the id of the assistant message it
// writes to. It never touches any other message.
type StreamSession struct {
	conv          Conversation
	generation    uint64
	userMessageID string
	assistantID   string
	logger        *slog.Logger
	metrics       *metrics.ClientMetrics

	mu         sync.Mutex
	state      State
	carry      string
	acc        strings.Builder
	created    bool
	logicalEnd bool
	lines      int
}

// NewStreamSession creates a session writing to conv under generation.
// userMessageID names the user message that triggered the stream and may be
// empty.
func NewStreamSession(conv Conversation, generation uint64, userMessageID, assistantID string, logger *slog.Logger, m *metrics.ClientMetrics) *StreamSession {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamSession{
		conv:          conv,
		generation:    generation,
		userMessageID: userMessageID,
		assistantID:   assistantID,
		logger:        logger.With("assistant_id", assistantID),
		metrics:       m,
		state:         StateIdle,
	}
}

// AssistantID returns the id of the message this session writes to.
func (s *StreamSession) AssistantID() string {
	return s.assistantID
}

// Generation returns the transcript generation the session was started in.
func (s *StreamSession) Generation() uint64 {
	return s.generation
}

// State returns the current lifecycle state.
func (s *StreamSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *StreamSession) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// MarkDone moves a reconciling session to Done.
func (s *StreamSession) MarkDone() {
	s.mu.Lock()
	if s.state == StateReconciling {
		s.state = StateDone
	}
	s.mu.Unlock()
}

// Fail moves the session to Failed and clears the tool indicator.
func (s *StreamSession) Fail() {
	s.setState(StateFailed)
	s.conv.SetToolStatus(s.generation, nil)
}

// Run reads r until the end marker, end of body or an error. Chunks are
// processed strictly in arrival order.
func (s *StreamSession) Run(ctx context.Context, r *StreamReader) (Outcome, error) {
	s.setState(StateStreaming)
	for {
		chunk, err := r.ReadNext(ctx)
		if err != nil {
			s.logger.Warn("chat stream read failed", "error", err, "lines", s.lines)
			s.Fail()
			s.metrics.ObserveStream("failed")
			return s.outcome(false), err
		}
		if chunk.Text != "" && s.Feed(chunk.Text) {
			break
		}
		if chunk.Done {
			s.logger.Debug("chat stream reader done")
			s.flushTrailing()
			break
		}
	}
	s.finalize()
	s.setState(StateReconciling)
	if s.logicalEnd {
		s.metrics.ObserveStream("end_marker")
	} else {
		s.metrics.ObserveStream("closed")
	}
	return s.outcome(true), nil
}

// Feed appends decoded text to the carry-over buffer and dispatches every
// complete line. It returns true once the end-of-stream marker is seen;
// anything after it in the same text is discarded.
func (s *StreamSession) Feed(text string) bool {
	if s.logicalEnd {
		return true
	}
	data := s.carry + text
	for {
		i := strings.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := data[:i]
		data = data[i+1:]
		if s.dispatch(Classify(line)) {
			s.carry = ""
			return true
		}
	}
	s.carry = data
	return false
}

// flushTrailing processes an unterminated final line left in the carry-over
// buffer when the body ends without a trailing newline. A bare end marker
// still ends the stream. A tool marker is dropped: it neither becomes content
// nor discards the text received before it.
func (s *StreamSession) flushTrailing() {
	rest := s.carry
	s.carry = ""
	if strings.TrimSpace(rest) == "" {
		return
	}
	s.logger.Debug("chat stream ended with unterminated line", "len", len(rest))
	line := Classify(rest)
	switch line.Kind {
	case LineToolStart, LineToolEnd:
		s.logger.Warn("chat stream ended on a tool marker", "line", line.Text)
		s.metrics.ObserveLine(line.Kind.String())
	default:
		s.dispatch(line)
	}
	s.conv.SetToolStatus(s.generation, nil)
}

// dispatch applies one classified line. It returns true on the end marker.
func (s *StreamSession) dispatch(line Line) bool {
	if line.Kind == LineEmpty {
		return false
	}
	s.lines++
	s.metrics.ObserveLine(line.Kind.String())

	switch line.Kind {
	case LineToolStart:
		if line.Malformed {
			s.logger.Warn("malformed tool start marker", "line", line.Text)
		} else {
			s.metrics.ObserveTool(line.Tool.Name)
		}
		s.conv.SetToolStatus(s.generation, line.Tool)
		// A tool call supersedes any partial text produced before it.
		if s.acc.Len() > 0 {
			s.acc.Reset()
			if s.created {
				s.conv.AppendOrUpdateAssistantMessage(s.generation, s.assistantID, "")
			}
		}

	case LineToolEnd:
		if line.Malformed {
			s.logger.Warn("malformed tool end marker", "line", line.Text)
		}
		s.conv.SetToolStatus(s.generation, line.Tool)

	case LineEnd:
		s.conv.SetToolStatus(s.generation, nil)
		s.logicalEnd = true
		return true

	case LineContent:
		s.conv.SetToolStatus(s.generation, nil)
		s.acc.WriteString(line.Text)
		s.acc.WriteByte('\n')
		if s.conv.AppendOrUpdateAssistantMessage(s.generation, s.assistantID, strings.TrimRight(s.acc.String(), " \t\r\n")) {
			s.created = true
		}
	}
	return false
}

// finalize strips stray end markers and writes the final content.
func (s *StreamSession) finalize() {
	final := StripEndMarker(s.acc.String())
	s.acc.Reset()
	s.acc.WriteString(final)
	if s.created || final != "" {
		if s.conv.AppendOrUpdateAssistantMessage(s.generation, s.assistantID, final) {
			s.created = true
		}
	}
	s.conv.SetToolStatus(s.generation, nil)
}

// Content returns the assistant content accumulated so far.
func (s *StreamSession) Content() string {
	return strings.TrimSpace(s.acc.String())
}

func (s *StreamSession) outcome(terminal bool) Outcome {
	return Outcome{
		AssistantID:   s.assistantID,
		UserMessageID: s.userMessageID,
		Content:       s.Content(),
		LogicalEnd:    s.logicalEnd,
		Terminal:      terminal,
		Created:       s.created,
		Lines:         s.lines,
	}
}
