// Package chat implements the client side of the tutor chat: it reads the
// line protocol streamed by the chat endpoint, applies it to a conversation
// transcript and persists completed turns.
package chat

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ashureev/tutor-chat/internal/domain"
)

// Control markers of the stream protocol.
const (
	ToolStartPrefix = "__TOOL_START__!"
	ToolEndPrefix   = "__TOOL_END__!"
	EndOfStream     = "__END_OF_AI_STREAM__"
)

// Fallback indicator texts used when a tool marker payload cannot be parsed.
const (
	statusToolProcessing = "Processing tool..."
	statusToolFinished   = "Tool finished..."
)

// toolInputPreview is the number of runes of tool input shown in the status.
const toolInputPreview = 40

// LineKind classifies one protocol line.
type LineKind int

const (
	LineEmpty     LineKind = iota // blank line, ignored
	LineContent                   // literal assistant text
	LineToolStart                 // tool invocation began
	LineToolEnd                   // tool invocation finished
	LineEnd                       // logical end of assistant output
)

func (k LineKind) String() string {
	switch k {
	case LineEmpty:
		return "empty"
	case LineContent:
		return "content"
	case LineToolStart:
		return "tool_start"
	case LineToolEnd:
		return "tool_end"
	case LineEnd:
		return "end"
	default:
		return fmt.Sprintf("LineKind(%d)", int(k))
	}
}

// Line is a classified protocol line.
type Line struct {
	Kind LineKind
	// Text is the trimmed line. For content lines it is what gets appended.
	Text string
	// Tool is set for tool start and end lines.
	Tool *domain.ToolActivity
	// Malformed is true when a tool marker carried an unparseable payload.
	Malformed bool
}

type toolPayload struct {
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// Classify inspects one line of the stream. Markers are matched against the
// whitespace-trimmed line in priority order: tool start, tool end, end of
// stream, then literal content. A content line holding a marker escaped with
// a leading backslash is returned without the backslash.
func Classify(raw string) Line {
	line := strings.TrimSpace(raw)
	switch {
	case line == "":
		return Line{Kind: LineEmpty}
	case strings.HasPrefix(line, ToolStartPrefix):
		return classifyToolStart(line)
	case strings.HasPrefix(line, ToolEndPrefix):
		return classifyToolEnd(line)
	case line == EndOfStream:
		return Line{Kind: LineEnd, Text: line}
	default:
		return Line{Kind: LineContent, Text: unescapeMarker(line)}
	}
}

// EscapeMarker prefixes line with a backslash when it would otherwise be
// read as a protocol marker.
func EscapeMarker(line string) string {
	if IsMarker(line) {
		return `\` + line
	}
	return line
}

// IsMarker reports whether the trimmed line reads as a protocol marker.
func IsMarker(line string) bool {
	t := strings.TrimSpace(line)
	return strings.HasPrefix(t, ToolStartPrefix) ||
		strings.HasPrefix(t, ToolEndPrefix) ||
		t == EndOfStream
}

func unescapeMarker(line string) string {
	if rest, ok := strings.CutPrefix(line, `\`); ok && IsMarker(rest) {
		return strings.TrimSpace(rest)
	}
	return line
}

func classifyToolStart(line string) Line {
	out := Line{Kind: LineToolStart, Text: line}
	var p toolPayload
	if err := json.Unmarshal([]byte(line[len(ToolStartPrefix):]), &p); err != nil {
		out.Malformed = true
		out.Tool = &domain.ToolActivity{Phase: domain.ToolPhaseStart, Status: statusToolProcessing}
		return out
	}
	summary := summarizeToolInput(p.Input)
	out.Tool = &domain.ToolActivity{
		Name:         p.Name,
		InputSummary: summary,
		Phase:        domain.ToolPhaseStart,
		Status:       fmt.Sprintf("Using %s for: '%s...'", p.Name, truncateRunes(summary, toolInputPreview)),
	}
	return out
}

func classifyToolEnd(line string) Line {
	out := Line{Kind: LineToolEnd, Text: line}
	var p toolPayload
	if err := json.Unmarshal([]byte(line[len(ToolEndPrefix):]), &p); err != nil {
		out.Malformed = true
		out.Tool = &domain.ToolActivity{Phase: domain.ToolPhaseEnd, Status: statusToolFinished}
		return out
	}
	out.Tool = &domain.ToolActivity{
		Name:   p.Name,
		Phase:  domain.ToolPhaseEnd,
		Status: fmt.Sprintf("%s finished. Synthesizing answer...", p.Name),
	}
	return out
}

// summarizeToolInput renders a string input verbatim and anything else as
// compact JSON.
func summarizeToolInput(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	compact, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(compact)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// StripEndMarker removes every literal end-of-stream marker from content and
// trims the result.
func StripEndMarker(content string) string {
	if strings.Contains(content, EndOfStream) {
		content = strings.ReplaceAll(content, EndOfStream, "")
	}
	return strings.TrimSpace(content)
}

// FormatToolStart renders a tool start marker line (without newline).
func FormatToolStart(name string, input any) (string, error) {
	data, err := json.Marshal(map[string]any{"name": name, "input": input})
	if err != nil {
		return "", fmt.Errorf("encode tool start payload: %w", err)
	}
	return ToolStartPrefix + string(data), nil
}

// FormatToolEnd renders a tool end marker line (without newline).
func FormatToolEnd(name string) (string, error) {
	data, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return "", fmt.Errorf("encode tool end payload: %w", err)
	}
	return ToolEndPrefix + string(data), nil
}
