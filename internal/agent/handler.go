package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/ashureev/tutor-chat/internal/chat"
	"github.com/ashureev/tutor-chat/internal/config"
	"github.com/ashureev/tutor-chat/internal/identity"
	"github.com/ashureev/tutor-chat/internal/metrics"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// Handler serves the chat stream endpoints.
type Handler struct {
	agent       *Service
	rateLimiter *RateLimiter
	maxBody     int64
	// originPatterns restricts websocket origins. Empty with anyOrigin set
	// accepts every origin.
	originPatterns []string
	anyOrigin      bool
	metrics        *metrics.ServerMetrics
	logger         *slog.Logger
}

// NewHandler creates a stream handler for svc.
func NewHandler(svc *Service, cfg *config.Config, m *metrics.ServerMetrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		agent:       svc,
		rateLimiter: NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window),
		maxBody:     cfg.Stream.MaxBodyBytes,
		metrics:     m,
		logger:      logger,
	}
	if h.maxBody <= 0 {
		h.maxBody = defaultMaxRequestBodySize
	}
	origins := cfg.AllowedOrigins()
	if slices.Contains(origins, "*") {
		h.anyOrigin = true
	} else {
		for _, o := range origins {
			if u, err := url.Parse(o); err == nil && u.Host != "" {
				h.originPatterns = append(h.originPatterns, u.Host)
			}
		}
	}
	return h
}

// RegisterRoutes registers the stream routes (requires authentication).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post(chat.StreamPath, h.HandleChat)
	r.Get(chat.StreamWSPath, h.HandleWS)
}

// Close releases handler resources.
func (h *Handler) Close() {
	h.rateLimiter.Stop()
}

// HandleChat handles POST /api/chat/lc_stream. The reply is written as
// protocol lines on a chunked response. A responder failure after headers
// were sent aborts the connection so the client observes a broken stream
// rather than a clean end.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.admit(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := validateRequest(req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	req.UserID = userID

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.metrics.ObserveStream(config.TransportHTTP)
	reqID := chiMiddleware.GetReqID(r.Context())
	if err := h.stream(r.Context(), NewLineWriter(w, flusher.Flush), req, reqID); err != nil {
		if r.Context().Err() != nil {
			return
		}
		panic(http.ErrAbortHandler)
	}
}

// HandleWS handles GET /api/chat/ws. The first client frame carries the
// request; every reply line is sent as a text frame and the connection is
// closed normally after the end marker.
func (h *Handler) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.admit(w, r)
	if !ok {
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     h.originPatterns,
		InsecureSkipVerify: h.anyOrigin,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", "user_id", userID, "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(h.maxBody)

	ctx := r.Context()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		h.logger.Warn("websocket request read failed", "user_id", userID, "error", err)
		return
	}
	var req ChatRequest
	if typ != websocket.MessageText || json.Unmarshal(data, &req) != nil {
		_ = conn.Close(websocket.StatusUnsupportedData, "invalid request body")
		return
	}
	if msg := validateRequest(req); msg != "" {
		_ = conn.Close(websocket.StatusPolicyViolation, msg)
		return
	}
	req.UserID = userID

	h.metrics.ObserveStream(config.TransportWebSocket)
	nc := websocket.NetConn(ctx, conn, websocket.MessageText)
	if err := h.stream(ctx, NewLineWriter(nc, nil), req, chiMiddleware.GetReqID(ctx)); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "stream failed")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

// admit resolves the caller and applies the rate limit. It writes the
// rejection itself and reports false when the request must not proceed.
func (h *Handler) admit(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	if !h.rateLimiter.Allow(userID) {
		h.metrics.ObserveRateLimited()
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return "", false
	}
	return userID, true
}

func (h *Handler) stream(ctx context.Context, lw *LineWriter, req ChatRequest, reqID string) error {
	start := time.Now()
	events := 0
	h.logger.Info("chat stream request",
		"user_id", req.UserID,
		"curriculum_id", req.CurriculumID,
		"messages", len(req.Messages),
		"request_id", reqID,
	)

	for ev, err := range h.agent.Chat(ctx, req) {
		if err != nil {
			h.logger.Error("chat stream failed",
				"user_id", req.UserID,
				"events", events,
				"request_id", reqID,
				"error", err,
			)
			return err
		}
		if err := lw.WriteEvent(ev); err != nil {
			h.logger.Warn("chat stream write failed", "user_id", req.UserID, "error", err)
			return err
		}
		events++
	}
	if err := lw.WriteEnd(); err != nil {
		h.logger.Warn("chat stream write failed", "user_id", req.UserID, "error", err)
		return err
	}

	h.logger.Info("chat stream finished",
		"user_id", req.UserID,
		"events", events,
		"duration", time.Since(start),
		"request_id", reqID,
	)
	return nil
}

func validateRequest(req ChatRequest) string {
	if req.CurriculumID == "" {
		return "curriculum_id is required"
	}
	if len(req.Messages) == 0 {
		return "messages are required"
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"error":%q}`, msg)
}
