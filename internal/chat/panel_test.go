package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/tutor-chat/internal/domain"
)

// fakeOpener serves stream bodies from a function and records requests.
type fakeOpener struct {
	mu       sync.Mutex
	requests []StreamRequest
	open     func(ctx context.Context, call int) (io.ReadCloser, error)
}

func (o *fakeOpener) OpenStream(ctx context.Context, req StreamRequest) (io.ReadCloser, error) {
	o.mu.Lock()
	o.requests = append(o.requests, req)
	call := len(o.requests) - 1
	o.mu.Unlock()
	return o.open(ctx, call)
}

func bodyOpener(bodies ...string) *fakeOpener {
	return &fakeOpener{open: func(_ context.Context, call int) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(bodies[call])), nil
	}}
}

// pipeStream is a stream body the test writes to. It closes with the context
// error when ctx is cancelled, like an HTTP response body does.
type pipeStream struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newPipeStream(ctx context.Context) *pipeStream {
	r, w := io.Pipe()
	go func() {
		<-ctx.Done()
		w.CloseWithError(ctx.Err())
	}()
	return &pipeStream{r: r, w: w}
}

func (p *pipeStream) send(t *testing.T, s string) {
	t.Helper()
	if _, err := io.WriteString(p.w, s); err != nil {
		t.Fatalf("write to stream: %v", err)
	}
}

type fakeHistory struct {
	records []domain.HistoryMessage
	err     error
}

func (h *fakeHistory) FetchHistory(context.Context, string) ([]domain.HistoryMessage, error) {
	return h.records, h.err
}

type noticeRecorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *noticeRecorder) Notify(_ context.Context, n Notice) {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
}

func (r *noticeRecorder) titles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, n := range r.notices {
		out = append(out, n.Title)
	}
	return out
}

type panelFixture struct {
	panel   *Panel
	opener  *fakeOpener
	store   *fakeTurnStore
	notices *noticeRecorder
}

func newPanelFixture(t *testing.T, opener *fakeOpener, concurrent bool) *panelFixture {
	t.Helper()
	f := &panelFixture{
		opener:  opener,
		store:   &fakeTurnStore{},
		notices: &noticeRecorder{},
	}
	f.panel = NewPanel(NewTranscript(domain.CurriculumContext{}), PanelOptions{
		Opener:          opener,
		History:         &fakeHistory{},
		Store:           f.store,
		Notifier:        f.notices,
		AllowConcurrent: concurrent,
	})
	if err := f.panel.SetContext(context.Background(), domain.CurriculumContext{CurriculumID: "go-101", DayNumber: 3}); err != nil {
		t.Fatalf("SetContext() error = %v", err)
	}
	return f
}

func TestPanelSubmitPersistsTurnOnce(t *testing.T) {
	t.Parallel()

	f := newPanelFixture(t, bodyOpener(fullStream), false)
	res, err := f.panel.Submit(context.Background(), "  What are generics?  ")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.Reconcile != ReconcileSaved {
		t.Errorf("reconcile = %v, want saved", res.Reconcile)
	}

	saved := f.store.saved()
	if len(saved) != 1 {
		t.Fatalf("saved %d turns, want 1", len(saved))
	}
	want := domain.NewTurn("What are generics?", fullStreamContent)
	if saved[0].turn != want || saved[0].curriculumID != "go-101" {
		t.Errorf("saved = %+v, want %+v", saved[0], want)
	}

	req := f.opener.requests[0]
	if req.CurriculumID != "go-101" || req.DayNumber != 3 {
		t.Errorf("request context = %+v", req.CurriculumContext)
	}
	if len(req.Messages) != 1 || req.Messages[0].Content != "What are generics?" {
		t.Errorf("request messages = %+v", req.Messages)
	}

	msgs := f.panel.Transcript().Messages()
	if len(msgs) != 2 || msgs[1].ID != res.AssistantID || msgs[0].ID != res.UserMessageID {
		t.Errorf("transcript = %+v", msgs)
	}
	if len(f.notices.titles()) != 0 {
		t.Errorf("unexpected notices: %v", f.notices.titles())
	}
}

func TestPanelSubmitEmptyReplyNotSaved(t *testing.T) {
	t.Parallel()

	f := newPanelFixture(t, bodyOpener("__END_OF_AI_STREAM__\n"), false)
	res, err := f.panel.Submit(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.Reconcile != ReconcileSkippedEmpty {
		t.Errorf("reconcile = %v, want skipped_empty", res.Reconcile)
	}
	if len(f.store.saved()) != 0 {
		t.Error("empty reply was persisted")
	}
	if f.panel.Transcript().Len() != 1 {
		t.Errorf("transcript len = %d, want 1", f.panel.Transcript().Len())
	}
}

func TestPanelSubmitRejectsBlankInput(t *testing.T) {
	t.Parallel()

	f := newPanelFixture(t, bodyOpener(), false)
	if _, err := f.panel.Submit(context.Background(), " \n "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("Submit() error = %v, want ErrEmptyMessage", err)
	}
	if f.panel.Transcript().Len() != 0 {
		t.Error("blank input was appended")
	}
}

func TestPanelSubmitOpenFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		wantTitle string
	}{
		{name: "paywall", err: &StatusError{Op: "chat stream", StatusCode: 403, Detail: "no subscription"}, wantTitle: titlePaywall},
		{name: "server error", err: &StatusError{Op: "chat stream", StatusCode: 500}, wantTitle: titleStreamFailed},
		{name: "no token", err: ErrNoToken, wantTitle: titleStreamFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opener := &fakeOpener{open: func(context.Context, int) (io.ReadCloser, error) {
				return nil, tt.err
			}}
			f := newPanelFixture(t, opener, false)

			_, err := f.panel.Submit(context.Background(), "hello")
			if !errors.Is(err, tt.err) {
				t.Fatalf("Submit() error = %v, want %v", err, tt.err)
			}
			msgs := f.panel.Transcript().Messages()
			if len(msgs) != 1 || !msgs[0].IsUser() {
				t.Errorf("transcript = %+v, want only the user message", msgs)
			}
			if titles := f.notices.titles(); len(titles) != 1 || titles[0] != tt.wantTitle {
				t.Errorf("notices = %v, want [%s]", titles, tt.wantTitle)
			}
			if len(f.store.saved()) != 0 {
				t.Error("turn persisted after open failure")
			}
		})
	}
}

func TestPanelSubmitSaveFailureNotified(t *testing.T) {
	t.Parallel()

	f := newPanelFixture(t, bodyOpener("answer\n"), false)
	f.store.err = &StatusError{Op: "append turn", StatusCode: 500, Detail: "db down"}

	res, err := f.panel.Submit(context.Background(), "hello")
	if err == nil {
		t.Fatal("Submit() error = nil, want save failure")
	}
	if res.Reconcile != ReconcileFailed {
		t.Errorf("reconcile = %v", res.Reconcile)
	}
	if titles := f.notices.titles(); len(titles) != 1 || titles[0] != titleSaveFailed {
		t.Errorf("notices = %v", titles)
	}
	if got := f.panel.Transcript().Messages()[1].Content; got != "answer" {
		t.Errorf("assistant content = %q, want it kept after save failure", got)
	}
}

func TestPanelSubmitBusy(t *testing.T) {
	t.Parallel()

	opened := make(chan *pipeStream, 1)
	opener := &fakeOpener{open: func(ctx context.Context, _ int) (io.ReadCloser, error) {
		p := newPipeStream(ctx)
		opened <- p
		return p.r, nil
	}}
	f := newPanelFixture(t, opener, false)

	done := make(chan error, 1)
	go func() {
		_, err := f.panel.Submit(context.Background(), "first")
		done <- err
	}()
	stream := <-opened

	if _, err := f.panel.Submit(context.Background(), "second"); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Submit() error = %v, want ErrBusy", err)
	}

	stream.send(t, "ok\n__END_OF_AI_STREAM__\n")
	if err := <-done; err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}
	if len(f.store.saved()) != 1 {
		t.Errorf("saved %d turns, want 1", len(f.store.saved()))
	}
}

func TestPanelInterleavedSubmissionsPairCorrectly(t *testing.T) {
	t.Parallel()

	opened := make(chan *pipeStream, 2)
	opener := &fakeOpener{open: func(ctx context.Context, _ int) (io.ReadCloser, error) {
		p := newPipeStream(ctx)
		opened <- p
		return p.r, nil
	}}
	f := newPanelFixture(t, opener, true)

	firstDone := make(chan error, 1)
	go func() {
		_, err := f.panel.Submit(context.Background(), "first question")
		firstDone <- err
	}()
	first := <-opened

	secondDone := make(chan error, 1)
	go func() {
		_, err := f.panel.Submit(context.Background(), "second question")
		secondDone <- err
	}()
	second := <-opened

	second.send(t, "second answer\n__END_OF_AI_STREAM__\n")
	if err := <-secondDone; err != nil {
		t.Fatalf("second Submit() error = %v", err)
	}
	first.send(t, "first answer\n__END_OF_AI_STREAM__\n")
	if err := <-firstDone; err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}

	saved := f.store.saved()
	if len(saved) != 2 {
		t.Fatalf("saved %d turns, want 2", len(saved))
	}
	want := []domain.Turn{
		domain.NewTurn("second question", "second answer"),
		domain.NewTurn("first question", "first answer"),
	}
	for i := range want {
		if saved[i].turn != want[i] {
			t.Errorf("turn %d = %+v, want %+v", i, saved[i].turn, want[i])
		}
	}
	if n := f.panel.Transcript().Len(); n != 4 {
		t.Errorf("transcript len = %d, want 4", n)
	}
}

func TestPanelSetContextAbortsInFlightStream(t *testing.T) {
	t.Parallel()

	opened := make(chan *pipeStream, 1)
	opener := &fakeOpener{open: func(ctx context.Context, _ int) (io.ReadCloser, error) {
		p := newPipeStream(ctx)
		opened <- p
		return p.r, nil
	}}
	f := newPanelFixture(t, opener, false)

	done := make(chan error, 1)
	go func() {
		_, err := f.panel.Submit(context.Background(), "question")
		done <- err
	}()
	stream := <-opened
	stream.send(t, "partial\n")

	if err := f.panel.SetContext(context.Background(), domain.CurriculumContext{CurriculumID: "rust-101"}); err != nil {
		t.Fatalf("SetContext() error = %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Submit() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Submit() did not return after context switch")
	}

	if n := f.panel.Transcript().Len(); n != 0 {
		t.Errorf("new context has %d messages, want 0", n)
	}
	if len(f.store.saved()) != 0 {
		t.Error("aborted stream was persisted")
	}
	if titles := f.notices.titles(); len(titles) != 0 {
		t.Errorf("aborted stream notified: %v", titles)
	}
	if f.panel.InFlight() != 0 {
		t.Errorf("in flight = %d after abort", f.panel.InFlight())
	}
}

func TestPanelSetContextHydratesHistory(t *testing.T) {
	t.Parallel()

	history := &fakeHistory{records: []domain.HistoryMessage{
		{Role: "user", Content: "earlier question"},
		{Role: "assistant", Content: "earlier answer"},
	}}
	p := NewPanel(NewTranscript(domain.CurriculumContext{}), PanelOptions{
		Opener:  bodyOpener("new answer\n"),
		History: history,
		Store:   &fakeTurnStore{},
	})

	if err := p.SetContext(context.Background(), domain.CurriculumContext{CurriculumID: "go-101"}); err != nil {
		t.Fatalf("SetContext() error = %v", err)
	}
	msgs := p.Transcript().Messages()
	if len(msgs) != 2 || msgs[0].ID != "hist-go-101-0" || msgs[1].Content != "earlier answer" {
		t.Fatalf("transcript = %+v", msgs)
	}

	if _, err := p.Submit(context.Background(), "follow up"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if n := p.Transcript().Len(); n != 4 {
		t.Errorf("transcript len = %d, want 4", n)
	}
}

func TestPanelSetContextHistoryFailure(t *testing.T) {
	t.Parallel()

	notices := &noticeRecorder{}
	p := NewPanel(NewTranscript(domain.CurriculumContext{}), PanelOptions{
		History:  &fakeHistory{err: &StatusError{Op: "chat history", StatusCode: 500}},
		Notifier: notices,
	})

	err := p.SetContext(context.Background(), domain.CurriculumContext{CurriculumID: "go-101"})
	if err == nil {
		t.Fatal("SetContext() error = nil")
	}
	if titles := notices.titles(); len(titles) != 1 || titles[0] != titleHistoryFailed {
		t.Errorf("notices = %v", titles)
	}
	if p.Transcript().Len() != 0 {
		t.Error("transcript not empty after failed hydrate")
	}
}

// gatedHistory blocks FetchHistory until release is closed.
type gatedHistory struct {
	records []domain.HistoryMessage
	started chan struct{}
	release chan struct{}
}

func (h *gatedHistory) FetchHistory(ctx context.Context, _ string) ([]domain.HistoryMessage, error) {
	close(h.started)
	select {
	case <-h.release:
		return h.records, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestPanelSubmitDuringHistoryLoadKeepsUserMessage(t *testing.T) {
	t.Parallel()

	history := &gatedHistory{
		records: []domain.HistoryMessage{
			{Role: "user", Content: "old question"},
			{Role: "assistant", Content: "old answer"},
		},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	hydrated := make(chan struct{})
	opener := &fakeOpener{open: func(context.Context, int) (io.ReadCloser, error) {
		<-hydrated
		return io.NopCloser(strings.NewReader("new answer\n" + EndOfStream + "\n")), nil
	}}
	store := &fakeTurnStore{}
	panel := NewPanel(NewTranscript(domain.CurriculumContext{}), PanelOptions{
		Opener:  opener,
		History: history,
		Store:   store,
	})

	ctxDone := make(chan error, 1)
	go func() {
		ctxDone <- panel.SetContext(context.Background(), domain.CurriculumContext{CurriculumID: "go-101"})
	}()
	<-history.started

	submitted := make(chan error, 1)
	go func() {
		_, err := panel.Submit(context.Background(), "new question")
		submitted <- err
	}()
	waitFor(t, func() bool { return panel.Transcript().Len() == 1 })

	close(history.release)
	if err := <-ctxDone; err != nil {
		t.Fatalf("SetContext() error = %v", err)
	}
	close(hydrated)
	if err := <-submitted; err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	var got []string
	for _, m := range panel.Transcript().Messages() {
		got = append(got, string(m.Role)+":"+m.Content)
	}
	want := []string{"user:old question", "assistant:old answer", "user:new question", "assistant:new answer"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("transcript = %q, want %q", got, want)
	}

	saved := store.saved()
	if len(saved) != 1 {
		t.Fatalf("saved turns = %d, want 1", len(saved))
	}
	if saved[0].turn.UserMessage.Content != "new question" || saved[0].turn.AssistantMessage.Content != "new answer" {
		t.Errorf("saved turn = %+v", saved[0].turn)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}
