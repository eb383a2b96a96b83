package chat

import (
	"fmt"
	"sync"
	"time"

	"github.com/ashureev/tutor-chat/internal/domain"
)

// Conversation is the mutable chat state a stream session writes into.
// Every mutation carries the generation captured when the session started;
// writes for a generation that is no longer current are dropped.
type Conversation interface {
	AppendUserMessage(msg domain.Message) (generation uint64)
	AppendOrUpdateAssistantMessage(generation uint64, id, content string) bool
	SetToolStatus(generation uint64, activity *domain.ToolActivity) bool
	Snapshot() Snapshot
}

// Snapshot is a consistent copy of the transcript.
type Snapshot struct {
	Generation uint64
	Context    domain.CurriculumContext
	Messages   []domain.Message
	Tool       *domain.ToolActivity
}

// IndexOf returns the position of the message with the given id, or -1.
func (s Snapshot) IndexOf(id string) int {
	for i, m := range s.Messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// Listener is notified after every applied transcript change.
type Listener func(Snapshot)

// Transcript is an insertion-ordered map of messages keyed by id, scoped to
// one curriculum context. Safe for concurrent use.
type Transcript struct {
	mu sync.RWMutex
	// notifyMu orders listener delivery so snapshots arrive in commit order.
	notifyMu   sync.Mutex
	ctx        domain.CurriculumContext
	generation uint64
	order      []string
	byID       map[string]*domain.Message
	tool       *domain.ToolActivity
	listeners  []Listener
	now        func() time.Time
}

// NewTranscript returns an empty transcript for the given context.
func NewTranscript(ctx domain.CurriculumContext) *Transcript {
	return &Transcript{
		ctx:  ctx,
		byID: make(map[string]*domain.Message),
		now:  time.Now,
	}
}

// Subscribe registers a listener. Listeners run synchronously after the lock
// is released, in registration order, and receive snapshots in the order the
// changes were applied. A listener must not mutate the transcript.
func (t *Transcript) Subscribe(l Listener) {
	t.mu.Lock()
	t.listeners = append(t.listeners, l)
	t.mu.Unlock()
}

// Generation returns the current context generation.
func (t *Transcript) Generation() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.generation
}

// Context returns the curriculum context the transcript is scoped to.
func (t *Transcript) Context() domain.CurriculumContext {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ctx
}

// Reset clears the transcript for a new context and returns the new
// generation. Sessions started under an older generation can no longer write.
func (t *Transcript) Reset(ctx domain.CurriculumContext) uint64 {
	t.mu.Lock()
	t.ctx = ctx
	t.generation++
	t.order = nil
	t.byID = make(map[string]*domain.Message)
	t.tool = nil
	gen := t.generation
	t.unlockAndNotify()
	return gen
}

// Hydrate loads history records, provided the generation is still current.
// Ids are derived from the history index. Messages appended under the same
// generation while history was loading stay after the history records.
func (t *Transcript) Hydrate(generation uint64, records []domain.HistoryMessage) bool {
	t.mu.Lock()
	if generation != t.generation {
		t.mu.Unlock()
		return false
	}
	order := make([]string, 0, len(records)+len(t.order))
	for i, rec := range records {
		msg := &domain.Message{
			ID:      fmt.Sprintf("hist-%s-%d", t.ctx.CurriculumID, i),
			Role:    domain.ParseRole(rec.Role),
			Content: rec.Content,
		}
		if rec.CreatedAt != nil {
			msg.CreatedAt = *rec.CreatedAt
		} else {
			msg.CreatedAt = t.now()
		}
		if _, exists := t.byID[msg.ID]; exists {
			continue
		}
		order = append(order, msg.ID)
		t.byID[msg.ID] = msg
	}
	t.order = append(order, t.order...)
	t.unlockAndNotify()
	return true
}

// AppendUserMessage appends a message to the end of the transcript and
// returns the generation it was written under.
func (t *Transcript) AppendUserMessage(msg domain.Message) uint64 {
	t.mu.Lock()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = t.now()
	}
	if _, exists := t.byID[msg.ID]; !exists {
		t.order = append(t.order, msg.ID)
	}
	stored := msg
	t.byID[msg.ID] = &stored
	gen := t.generation
	t.unlockAndNotify()
	return gen
}

// AppendOrUpdateAssistantMessage inserts the assistant message at the end of
// the transcript the first time id is seen and replaces its content in place
// afterwards.
func (t *Transcript) AppendOrUpdateAssistantMessage(generation uint64, id, content string) bool {
	t.mu.Lock()
	if generation != t.generation {
		t.mu.Unlock()
		return false
	}
	if msg, ok := t.byID[id]; ok {
		msg.Content = content
	} else {
		t.byID[id] = &domain.Message{
			ID:        id,
			Role:      domain.RoleAssistant,
			Content:   content,
			CreatedAt: t.now(),
		}
		t.order = append(t.order, id)
	}
	t.unlockAndNotify()
	return true
}

// SetToolStatus replaces the tool activity indicator; nil clears it.
func (t *Transcript) SetToolStatus(generation uint64, activity *domain.ToolActivity) bool {
	t.mu.Lock()
	if generation != t.generation {
		t.mu.Unlock()
		return false
	}
	if activity == nil && t.tool == nil {
		t.mu.Unlock()
		return true
	}
	if activity != nil {
		cp := *activity
		activity = &cp
	}
	t.tool = activity
	t.unlockAndNotify()
	return true
}

// ToolStatus returns the current tool activity, or nil.
func (t *Transcript) ToolStatus() *domain.ToolActivity {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.tool == nil {
		return nil
	}
	cp := *t.tool
	return &cp
}

// Messages returns the transcript as an ordered list.
func (t *Transcript) Messages() []domain.Message {
	return t.Snapshot().Messages
}

// Len returns the number of messages.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order)
}

// Snapshot returns a copy of the current state.
func (t *Transcript) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked()
}

func (t *Transcript) snapshotLocked() Snapshot {
	msgs := make([]domain.Message, 0, len(t.order))
	for _, id := range t.order {
		msgs = append(msgs, *t.byID[id])
	}
	snap := Snapshot{
		Generation: t.generation,
		Context:    t.ctx,
		Messages:   msgs,
	}
	if t.tool != nil {
		cp := *t.tool
		snap.Tool = &cp
	}
	return snap
}

// unlockAndNotify releases the write lock held by a mutation and hands the
// snapshot taken under it to the listeners. notifyMu is acquired before the
// write lock is released, so deliveries cannot overtake each other.
func (t *Transcript) unlockAndNotify() {
	if len(t.listeners) == 0 {
		t.mu.Unlock()
		return
	}
	listeners := make([]Listener, len(t.listeners))
	copy(listeners, t.listeners)
	snap := t.snapshotLocked()

	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()
	t.mu.Unlock()

	for _, l := range listeners {
		l(snap)
	}
}

var _ Conversation = (*Transcript)(nil)
