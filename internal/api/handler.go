package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/RichardoC/Pad-i/internal/db"
	"github.com/RichardoC/Pad-i/internal/models"
	"github.com/RichardoC/Pad-i/internal/ratelimit"
	"github.com/RichardoC/Pad-i/internal/usage"
)

const (
	CodeInvalidRequest = "invalid_request"
	CodeNotFound       = "not_found"
	CodeConflict       = "conflict"
	CodeQuotaExceeded  = "quota_exceeded"
	CodeRateLimited    = "rate_limited"
	CodeUpstream       = "upstream_error"
	CodeInternal       = "internal"
)

type Store interface {
	CreateThread(ctx context.Context, id, model, ownerID string) (models.Thread, error)
	UpdateThreadTitle(ctx context.Context, id, title string) error
	UpdateThreadModel(ctx context.Context, id, model string) error
	DeleteThread(ctx context.Context, id string) error
	ListThreads(ctx context.Context, ownerID string) ([]models.Thread, error)
	FetchMessages(ctx context.Context, threadID string) ([]models.Message, error)
	ReplaceMessages(ctx context.Context, threadID string, msgs []models.Message) error
}

type ChatModel interface {
	Send(ctx context.Context, conv models.Conversation) (<-chan models.StreamEvent, error)
	GenerateTitle(ctx context.Context, prompt string) (string, error)
}

type Quota interface {
	Usage(ctx context.Context, identity string) (usage.Usage, error)
	Consume(ctx context.Context, identity string) error
}

type Handler struct {
	store        Store
	llm          ChatModel
	quota        Quota
	chatLimiter  *ratelimit.Pool
	titleLimiter *ratelimit.Pool
	metrics      *Metrics
	maxBody      int64
	logger       *zap.Logger
}

type Options struct {
	ChatLimiter  *ratelimit.Pool
	TitleLimiter *ratelimit.Pool
	Metrics      *Metrics
	MaxBody      int64
}

func NewHandler(store Store, llm ChatModel, quota Quota, opts Options, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	if opts.MaxBody <= 0 {
		opts.MaxBody = 1 << 20
	}
	return &Handler{
		store:        store,
		llm:          llm,
		quota:        quota,
		chatLimiter:  opts.ChatLimiter,
		titleLimiter: opts.TitleLimiter,
		metrics:      opts.Metrics,
		maxBody:      opts.MaxBody,
		logger:       logger,
	}
}

func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(h.metrics.Middleware)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/threads", h.ListThreads).Methods(http.MethodGet)
	api.HandleFunc("/threads", h.CreateThread).Methods(http.MethodPost)
	api.HandleFunc("/threads/{id}", h.UpdateThread).Methods(http.MethodPatch)
	api.HandleFunc("/threads/{id}", h.DeleteThread).Methods(http.MethodDelete)
	api.HandleFunc("/threads/{id}/messages", h.GetMessages).Methods(http.MethodGet)
	api.HandleFunc("/threads/{id}/messages", h.ReplaceMessages).Methods(http.MethodPut)
	api.HandleFunc("/chat", h.Chat).Methods(http.MethodPost)
	api.HandleFunc("/title", h.Title).Methods(http.MethodPost)
	api.HandleFunc("/usage", h.Usage).Methods(http.MethodGet)

	r.Handle("/metrics", h.metrics.Handler()).Methods(http.MethodGet)
	return r
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type CreateThreadRequest struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	OwnerID string `json:"owner_id"`
}

type UpdateThreadRequest struct {
	Title *string `json:"title,omitempty"`
	Model *string `json:"model,omitempty"`
}

type TitleRequest struct {
	Prompt string `json:"prompt"`
}

type TitleResponse struct {
	Title string `json:"title"`
}

func (h *Handler) ListThreads(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Query parameter 'owner' is required")
		return
	}

	threads, err := h.store.ListThreads(r.Context(), owner)
	if err != nil {
		h.logger.Error("Failed to list threads",
			zap.Error(err),
			zap.String("owner", owner))
		h.writeError(w, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}

	h.logger.Debug("Retrieved threads",
		zap.Int("count", len(threads)),
		zap.String("owner", owner))
	h.writeJSON(w, http.StatusOK, threads)
}

func (h *Handler) CreateThread(w http.ResponseWriter, r *http.Request) {
	var req CreateThreadRequest
	if !h.decode(w, r, &req) {
		return
	}
	if _, err := uuid.Parse(req.ID); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Thread id must be a UUID")
		return
	}
	if req.Model == "" || req.OwnerID == "" {
		h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Fields 'model' and 'owner_id' are required")
		return
	}

	thread, err := h.store.CreateThread(r.Context(), req.ID, req.Model, req.OwnerID)
	if err != nil {
		h.storeError(w, "Failed to create thread", req.ID, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, thread)
}

func (h *Handler) UpdateThread(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req UpdateThreadRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Title == nil && req.Model == nil {
		h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Nothing to update")
		return
	}

	var title string
	if req.Title != nil {
		if title = strings.TrimSpace(*req.Title); title == "" {
			h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Title must not be empty")
			return
		}
	}
	if req.Model != nil && *req.Model == "" {
		h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Model must not be empty")
		return
	}

	if req.Title != nil {
		if err := h.store.UpdateThreadTitle(r.Context(), id, title); err != nil {
			h.storeError(w, "Failed to update thread title", id, err)
			return
		}
	}
	if req.Model != nil {
		if err := h.store.UpdateThreadModel(r.Context(), id, *req.Model); err != nil {
			h.storeError(w, "Failed to update thread model", id, err)
			return
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) DeleteThread(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.store.DeleteThread(r.Context(), id); err != nil {
		h.storeError(w, "Failed to delete thread", id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	messages, err := h.store.FetchMessages(r.Context(), id)
	if err != nil {
		h.storeError(w, "Failed to get messages", id, err)
		return
	}
	h.writeJSON(w, http.StatusOK, messages)
}

func (h *Handler) ReplaceMessages(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var messages []models.Message
	if !h.decode(w, r, &messages) {
		return
	}
	for _, m := range messages {
		if m.ID == "" {
			h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Every message needs an id")
			return
		}
	}

	if err := h.store.ReplaceMessages(r.Context(), id, messages); err != nil {
		h.storeError(w, "Failed to replace messages", id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Chat streams the reply as newline delimited StreamEvents.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	var conv models.Conversation
	if !h.decode(w, r, &conv) {
		return
	}
	if conv.Identity == "" || len(conv.Messages) == 0 {
		h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Fields 'identity' and 'messages' are required")
		return
	}

	if h.chatLimiter != nil && !h.chatLimiter.Allow(clientIP(r)) {
		h.metrics.limited.WithLabelValues(CodeRateLimited).Inc()
		h.writeError(w, http.StatusTooManyRequests, CodeRateLimited, "Too many requests")
		return
	}
	if err := h.quota.Consume(r.Context(), conv.Identity); err != nil {
		if errors.Is(err, usage.ErrQuotaExceeded) {
			h.metrics.limited.WithLabelValues(CodeQuotaExceeded).Inc()
			h.writeError(w, http.StatusTooManyRequests, CodeQuotaExceeded, err.Error())
			return
		}
		h.logger.Error("Failed to record usage", zap.Error(err), zap.String("identity", conv.Identity))
		h.writeError(w, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}

	events, err := h.llm.Send(r.Context(), conv)
	if err != nil {
		h.logger.Error("Failed to start stream",
			zap.Error(err),
			zap.String("threadID", conv.ThreadID))
		h.writeError(w, http.StatusBadGateway, CodeUpstream, "Failed to start stream")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	enc := json.NewEncoder(w)
	for ev := range events {
		h.metrics.streamEvents.WithLabelValues(string(ev.Type)).Inc()
		if err := enc.Encode(ev); err != nil {
			// Client went away; drain so the producer can finish.
			h.logger.Debug("Stream client disconnected", zap.String("threadID", conv.ThreadID), zap.Error(err))
			for range events {
			}
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (h *Handler) Title(w http.ResponseWriter, r *http.Request) {
	var req TitleRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Field 'prompt' is required")
		return
	}
	if h.titleLimiter != nil && !h.titleLimiter.Allow(clientIP(r)) {
		h.metrics.limited.WithLabelValues(CodeRateLimited).Inc()
		h.writeError(w, http.StatusTooManyRequests, CodeRateLimited, "Too many requests")
		return
	}

	title, err := h.llm.GenerateTitle(r.Context(), req.Prompt)
	if err != nil {
		h.logger.Warn("Failed to generate title", zap.Error(err))
		h.writeError(w, http.StatusBadGateway, CodeUpstream, "Failed to generate title")
		return
	}
	h.writeJSON(w, http.StatusOK, TitleResponse{Title: title})
}

func (h *Handler) Usage(w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Query().Get("identity")
	if identity == "" {
		h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Query parameter 'identity' is required")
		return
	}

	u, err := h.quota.Usage(r.Context(), identity)
	if err != nil {
		h.logger.Error("Failed to get usage", zap.Error(err), zap.String("identity", identity))
		h.writeError(w, http.StatusInternalServerError, CodeInternal, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, u)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, h.maxBody)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, CodeInvalidRequest, "Request body too large")
			return false
		}
		h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid request body")
		return false
	}
	return true
}

func (h *Handler) storeError(w http.ResponseWriter, msg, threadID string, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		h.writeError(w, http.StatusNotFound, CodeNotFound, "Thread not found")
	case errors.Is(err, db.ErrConflict):
		h.writeError(w, http.StatusConflict, CodeConflict, "Thread already exists")
	default:
		h.logger.Error(msg, zap.Error(err), zap.String("threadID", threadID))
		h.writeError(w, http.StatusInternalServerError, CodeInternal, "Internal server error")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, msg string) {
	h.writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

// clientIP keys the rate limiters. The first X-Forwarded-For hop wins when a
// proxy sets it.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
