package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ashureev/tutor-chat/internal/domain"
	"github.com/ashureev/tutor-chat/internal/metrics"
)

// Notice titles shown to the user.
const (
	titleHistoryFailed = "Could not load chat history"
	titleStreamFailed  = "Chat request failed"
	titlePaywall       = "Subscription required"
	titleInterrupted   = "Chat stream interrupted"
	titleSaveFailed    = "Could not save chat"
)

// PanelOptions wires a Panel to its collaborators.
type PanelOptions struct {
	Opener   StreamOpener
	History  HistorySource
	Store    TurnStore
	Notifier Notifier
	Logger   *slog.Logger
	Metrics  *metrics.ClientMetrics
	// AllowConcurrent lets a new submission start while an earlier stream is
	// still being read. When false Submit returns ErrBusy instead.
	AllowConcurrent bool
}

// Result summarises one submission.
type Result struct {
	UserMessageID string
	AssistantID   string
	Outcome       Outcome
	Reconcile     ReconcileResult
}

// Panel drives a transcript: it loads history for a context, submits user
// messages, runs the resulting stream sessions and persists finished turns.
type Panel struct {
	transcript      *Transcript
	opener          StreamOpener
	history         HistorySource
	reconciler      *Reconciler
	notifier        Notifier
	logger          *slog.Logger
	metrics         *metrics.ClientMetrics
	allowConcurrent bool
	newID           func() string

	mu      sync.Mutex
	nextKey uint64
	cancels map[uint64]context.CancelFunc
}

// NewPanel creates a panel over t.
func NewPanel(t *Transcript, opts PanelOptions) *Panel {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}
	return &Panel{
		transcript:      t,
		opener:          opts.Opener,
		history:         opts.History,
		reconciler:      NewReconciler(opts.Store, logger, opts.Metrics),
		notifier:        notifier,
		logger:          logger,
		metrics:         opts.Metrics,
		allowConcurrent: opts.AllowConcurrent,
		newID:           func() string { return uuid.NewString() },
		cancels:         make(map[uint64]context.CancelFunc),
	}
}

// Transcript returns the transcript the panel writes to.
func (p *Panel) Transcript() *Transcript {
	return p.transcript
}

// InFlight returns the number of streams currently being read.
func (p *Panel) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cancels)
}

// SetContext switches the panel to a new curriculum context. In-flight
// streams are aborted, the transcript is cleared and history for the new
// curriculum is loaded. A history failure is notified and returned; the
// transcript then stays empty.
func (p *Panel) SetContext(ctx context.Context, cc domain.CurriculumContext) error {
	p.cancelAll()
	gen := p.transcript.Reset(cc)
	if cc.CurriculumID == "" || p.history == nil {
		return nil
	}

	records, err := p.history.FetchHistory(ctx, cc.CurriculumID)
	if err != nil {
		p.logger.Error("failed to load chat history", "curriculum_id", cc.CurriculumID, "error", err)
		p.notify(ctx, NoticeError, titleHistoryFailed, err)
		return fmt.Errorf("load chat history: %w", err)
	}
	if !p.transcript.Hydrate(gen, records) {
		p.logger.Debug("context changed while loading history", "curriculum_id", cc.CurriculumID)
		return nil
	}
	p.logger.Info("chat history loaded", "curriculum_id", cc.CurriculumID, "messages", len(records))
	return nil
}

// Submit appends a user message, streams the assistant reply into the
// transcript and persists the finished turn. Failures are reported through
// the notifier and also returned.
func (p *Panel) Submit(ctx context.Context, text string) (Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, ErrEmptyMessage
	}

	sctx, key, ok := p.register(ctx)
	if !ok {
		return Result{}, ErrBusy
	}
	defer p.unregister(key)

	user := domain.Message{ID: p.newID(), Role: domain.RoleUser, Content: text}
	gen := p.transcript.AppendUserMessage(user)
	snap := p.transcript.Snapshot()

	session := NewStreamSession(p.transcript, gen, user.ID, p.newID(), p.logger, p.metrics)
	res := Result{UserMessageID: user.ID, AssistantID: session.AssistantID()}

	body, err := p.opener.OpenStream(sctx, NewStreamRequest(snap.Context, snap.Messages))
	if err != nil {
		session.Fail()
		if p.stale(gen) {
			return res, err
		}
		p.logger.Error("failed to open chat stream", "curriculum_id", snap.Context.CurriculumID, "error", err)
		var se *StatusError
		if errors.As(err, &se) && se.IsPaywall() {
			p.notify(ctx, NoticeError, titlePaywall, err)
		} else {
			p.notify(ctx, NoticeError, titleStreamFailed, err)
		}
		return res, err
	}
	defer func() {
		if closeErr := body.Close(); closeErr != nil {
			p.logger.Debug("failed to close chat stream", "error", closeErr)
		}
	}()

	out, err := session.Run(sctx, NewStreamReader(body))
	res.Outcome = out
	if err != nil {
		res.Reconcile = ReconcileSkippedNotTerminal
		if p.stale(gen) {
			p.logger.Debug("chat stream aborted by context change", "assistant_id", out.AssistantID)
			return res, err
		}
		p.notify(ctx, NoticeError, titleInterrupted, err)
		return res, err
	}

	res.Reconcile, err = p.reconciler.Reconcile(ctx, p.transcript.Snapshot(), out)
	session.MarkDone()
	if err != nil {
		p.notify(ctx, NoticeError, titleSaveFailed, err)
		return res, err
	}
	return res, nil
}

func (p *Panel) stale(gen uint64) bool {
	return p.transcript.Generation() != gen
}

func (p *Panel) register(ctx context.Context) (context.Context, uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.allowConcurrent && len(p.cancels) > 0 {
		return nil, 0, false
	}
	sctx, cancel := context.WithCancel(ctx)
	p.nextKey++
	p.cancels[p.nextKey] = cancel
	return sctx, p.nextKey, true
}

func (p *Panel) unregister(key uint64) {
	p.mu.Lock()
	cancel := p.cancels[key]
	delete(p.cancels, key)
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (p *Panel) cancelAll() {
	p.mu.Lock()
	cancels := p.cancels
	p.cancels = make(map[uint64]context.CancelFunc)
	p.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (p *Panel) notify(ctx context.Context, level NoticeLevel, title string, err error) {
	p.notifier.Notify(ctx, Notice{Level: level, Title: title, Detail: err.Error()})
}
