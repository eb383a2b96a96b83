package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/ashureev/tutor-chat/internal/chat"
	"github.com/ashureev/tutor-chat/internal/domain"
)

const assistantPrompt = "tutor> "

// printer renders transcript changes as they stream in. It writes only the
// new suffix of an assistant message and prints tool status changes on
// their own line.
type printer struct {
	w io.Writer

	mu      sync.Mutex
	printed map[string]string
	status  string
	// open is the assistant message whose line is still being written.
	open string
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w, printed: make(map[string]string)}
}

// history prints every message of snap and marks them as seen.
func (p *printer) history(snap chat.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range snap.Messages {
		if m.IsUser() {
			fmt.Fprintf(p.w, "you> %s\n", m.Content)
		} else {
			fmt.Fprintf(p.w, "%s%s\n", assistantPrompt, m.Content)
		}
		p.printed[m.ID] = m.Content
	}
}

// observe is a chat.Listener.
func (p *printer) observe(snap chat.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if snap.Tool != nil && snap.Tool.Status != p.status {
		p.breakLine()
		fmt.Fprintf(p.w, "  [%s]\n", snap.Tool.Status)
	}
	if snap.Tool == nil {
		p.status = ""
	} else {
		p.status = snap.Tool.Status
	}

	for _, m := range snap.Messages {
		if m.IsUser() {
			if _, ok := p.printed[m.ID]; !ok {
				p.printed[m.ID] = m.Content
			}
			continue
		}
		p.assistant(m)
	}
}

func (p *printer) assistant(m domain.Message) {
	prev, seen := p.printed[m.ID]
	if seen && prev == m.Content {
		return
	}
	switch {
	case p.open == m.ID && strings.HasPrefix(m.Content, prev):
		_, _ = io.WriteString(p.w, m.Content[len(prev):])
	default:
		p.breakLine()
		_, _ = io.WriteString(p.w, assistantPrompt+m.Content)
		p.open = m.ID
	}
	p.printed[m.ID] = m.Content
}

// finish terminates the line of the message being streamed, if any.
func (p *printer) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.breakLine()
}

func (p *printer) breakLine() {
	if p.open != "" {
		_, _ = io.WriteString(p.w, "\n")
		p.open = ""
	}
}
