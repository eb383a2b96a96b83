package agent

import (
	"fmt"
	"io"
	"strings"

	"github.com/ashureev/tutor-chat/internal/chat"
)

// LineWriter encodes reply events as newline-terminated protocol lines.
type LineWriter struct {
	w     io.Writer
	flush func()
}

// NewLineWriter writes to w, calling flush (if non-nil) after every event.
func NewLineWriter(w io.Writer, flush func()) *LineWriter {
	return &LineWriter{w: w, flush: flush}
}

// WriteEvent writes one event.
func (lw *LineWriter) WriteEvent(ev Event) error {
	var line string
	switch ev.Kind {
	case EventToolStart:
		l, err := chat.FormatToolStart(ev.Tool, ev.Input)
		if err != nil {
			return err
		}
		line = l + "\n"
	case EventToolEnd:
		l, err := chat.FormatToolEnd(ev.Tool)
		if err != nil {
			return err
		}
		line = l + "\n"
	default:
		line = sanitizeText(ev.Text)
	}
	return lw.write(line)
}

// WriteEnd writes the end-of-stream marker.
func (lw *LineWriter) WriteEnd() error {
	return lw.write(chat.EndOfStream + "\n")
}

func (lw *LineWriter) write(s string) error {
	if _, err := io.WriteString(lw.w, s); err != nil {
		return fmt.Errorf("write stream line: %w", err)
	}
	if lw.flush != nil {
		lw.flush()
	}
	return nil
}

// sanitizeText terminates every line of text and escapes lines that would
// otherwise read as protocol markers with a leading backslash.
func sanitizeText(text string) string {
	var b strings.Builder
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		b.WriteString(chat.EscapeMarker(line))
		b.WriteByte('\n')
	}
	return b.String()
}
