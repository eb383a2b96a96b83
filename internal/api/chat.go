package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/tutor-chat/internal/domain"
	"github.com/ashureev/tutor-chat/internal/identity"
	"github.com/go-chi/chi/v5"
)

// maxAppendBodySize bounds the append_turn request body.
const maxAppendBodySize = 1 << 20

// ChatHandler serves chat history endpoints.
type ChatHandler struct {
	*Handler
}

// NewChatHandler creates a new chat history handler.
func NewChatHandler(base *Handler) *ChatHandler {
	return &ChatHandler{Handler: base}
}

// RegisterRoutes registers history routes (requires authentication).
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/chat", func(r chi.Router) {
		r.Get("/history/{curriculumID}", h.GetHistory)
		r.Delete("/history/{curriculumID}", h.DeleteHistory)
		r.Post("/append_turn", h.AppendTurn)
	})
}

type historyResponse struct {
	Messages []domain.HistoryMessage `json:"messages"`
}

type appendTurnRequest struct {
	CurriculumID     string               `json:"curriculum_id"`
	UserMessage      domain.StoredMessage `json:"user_message"`
	AssistantMessage domain.StoredMessage `json:"assistant_message"`
}

func (r appendTurnRequest) validate() error {
	switch {
	case r.CurriculumID == "":
		return errors.New("curriculum_id is required")
	case r.UserMessage.Role != string(domain.RoleUser):
		return errors.New("user_message.role must be user")
	case r.AssistantMessage.Role != string(domain.RoleAssistant):
		return errors.New("assistant_message.role must be assistant")
	case strings.TrimSpace(r.UserMessage.Content) == "":
		return errors.New("user_message.content is required")
	case strings.TrimSpace(r.AssistantMessage.Content) == "":
		return errors.New("assistant_message.content is required")
	}
	return nil
}

// GetHistory returns the stored messages of the caller for a curriculum.
func (h *ChatHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	curriculumID := chi.URLParam(r, "curriculumID")

	session, err := h.repo.GetChatSession(r.Context(), userID, curriculumID)
	if err != nil {
		h.logger.Error("failed to load chat history", "user_id", userID, "curriculum_id", curriculumID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load chat history")
		return
	}
	h.metrics.ObserveHistoryRead()

	resp := historyResponse{Messages: []domain.HistoryMessage{}}
	if session != nil && session.Messages != nil {
		resp.Messages = session.Messages
	}
	JSON(w, http.StatusOK, resp)
}

// AppendTurn stores a user message and the assistant reply.
func (h *ChatHandler) AppendTurn(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxAppendBodySize)
	var req appendTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	turn := domain.Turn{UserMessage: req.UserMessage, AssistantMessage: req.AssistantMessage}
	if err := h.repo.AppendTurn(r.Context(), userID, req.CurriculumID, turn, time.Now().UTC()); err != nil {
		h.logger.Error("failed to append chat turn", "user_id", userID, "curriculum_id", req.CurriculumID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to save chat turn")
		return
	}
	h.metrics.ObserveTurnStored()

	h.logger.Info("chat turn stored",
		"user_id", userID,
		"curriculum_id", req.CurriculumID,
		"assistant_length", len(req.AssistantMessage.Content),
	)
	JSON(w, http.StatusCreated, map[string]string{"status": "ok"})
}

// DeleteHistory removes the caller's history for a curriculum.
func (h *ChatHandler) DeleteHistory(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	curriculumID := chi.URLParam(r, "curriculumID")

	if err := h.repo.DeleteChatSession(r.Context(), userID, curriculumID); err != nil {
		h.logger.Error("failed to delete chat history", "user_id", userID, "curriculum_id", curriculumID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to delete chat history")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
