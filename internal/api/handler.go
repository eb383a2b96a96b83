// Package api provides HTTP handlers for the chat history API.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ashureev/tutor-chat/internal/metrics"
	"github.com/ashureev/tutor-chat/internal/store"
)

// Handler provides common handler utilities.
type Handler struct {
	repo    store.Repository
	metrics *metrics.ServerMetrics
	logger  *slog.Logger
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, m *metrics.ServerMetrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		repo:    repo,
		metrics: m,
		logger:  logger,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
