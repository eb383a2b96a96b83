package chat

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/tutor-chat/internal/domain"
	"github.com/ashureev/tutor-chat/internal/metrics"
)

// TurnStore persists a completed turn.
type TurnStore interface {
	AppendTurn(ctx context.Context, curriculumID string, turn domain.Turn) error
}

// ReconcileResult describes what the reconciler did with an outcome.
type ReconcileResult int

const (
	ReconcileSaved ReconcileResult = iota
	ReconcileSkippedEmpty
	ReconcileSkippedNotTerminal
	ReconcileSkippedNoCurriculum
	ReconcileSkippedUnpaired
	ReconcileFailed
)

func (r ReconcileResult) String() string {
	switch r {
	case ReconcileSaved:
		return "saved"
	case ReconcileSkippedEmpty:
		return "skipped_empty"
	case ReconcileSkippedNotTerminal:
		return "skipped_not_terminal"
	case ReconcileSkippedNoCurriculum:
		return "skipped_no_curriculum"
	case ReconcileSkippedUnpaired:
		return "skipped_unpaired"
	case ReconcileFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Reconciler pairs a finished assistant message with the user message that
// prompted it and persists the pair.
type Reconciler struct {
	store   TurnStore
	logger  *slog.Logger
	metrics *metrics.ClientMetrics
}

// NewReconciler creates a reconciler backed by store.
func NewReconciler(store TurnStore, logger *slog.Logger, m *metrics.ClientMetrics) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, logger: logger, metrics: m}
}

// FindTurn locates the assistant message by id in snap and pairs it with a
// preceding user message. When userMessageID is set and that message sits
// before the assistant message it is used directly; otherwise the transcript
// is scanned backward for the closest user message.
func FindTurn(snap Snapshot, userMessageID, assistantID, assistantContent string) (domain.Turn, error) {
	idx := snap.IndexOf(assistantID)
	if idx < 0 {
		return domain.Turn{}, ErrAssistantNotFound
	}
	if userMessageID != "" {
		if u := snap.IndexOf(userMessageID); u >= 0 && u < idx && snap.Messages[u].IsUser() {
			return domain.NewTurn(snap.Messages[u].Content, assistantContent), nil
		}
	}
	for i := idx - 1; i >= 0; i-- {
		if snap.Messages[i].IsUser() {
			return domain.NewTurn(snap.Messages[i].Content, assistantContent), nil
		}
	}
	return domain.Turn{}, ErrUserNotFound
}

// Reconcile persists the turn for out if it qualifies. Pairing and
// qualification problems are logged and reported through the result; only a
// failed persistence call returns an error.
func (r *Reconciler) Reconcile(ctx context.Context, snap Snapshot, out Outcome) (ReconcileResult, error) {
	res, err := r.reconcile(ctx, snap, out)
	r.metrics.ObserveTurn(res.String())
	return res, err
}

func (r *Reconciler) reconcile(ctx context.Context, snap Snapshot, out Outcome) (ReconcileResult, error) {
	log := r.logger.With("assistant_id", out.AssistantID, "curriculum_id", snap.Context.CurriculumID)

	if !out.Terminal {
		log.Info("stream did not finish, turn not saved")
		return ReconcileSkippedNotTerminal, nil
	}
	if out.Content == "" {
		log.Info("no assistant content to save for turn")
		return ReconcileSkippedEmpty, nil
	}
	if snap.Context.CurriculumID == "" {
		log.Info("no curriculum in context, turn not saved")
		return ReconcileSkippedNoCurriculum, nil
	}

	turn, err := FindTurn(snap, out.UserMessageID, out.AssistantID, out.Content)
	if err != nil {
		log.Warn("could not pair assistant message with a user message", "error", err, "messages", len(snap.Messages))
		return ReconcileSkippedUnpaired, nil
	}

	if err := r.store.AppendTurn(ctx, snap.Context.CurriculumID, turn); err != nil {
		log.Error("failed to save chat turn", "error", err)
		return ReconcileFailed, fmt.Errorf("save chat turn: %w", err)
	}
	log.Info("chat turn saved", "assistant_len", len(turn.AssistantMessage.Content))
	return ReconcileSaved, nil
}
