package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/founditure/realtime/internal/auth"
	"github.com/founditure/realtime/internal/chat"
	"github.com/founditure/realtime/internal/delivery"
	"github.com/founditure/realtime/internal/gateway"
	"github.com/founditure/realtime/internal/store"
	"github.com/founditure/realtime/internal/thread"
)

type handler struct {
	store   store.MessageStore
	gateway *gateway.Gateway
	checks  map[string]Checker
	nodeID  string
	logger  zerolog.Logger
}

type Check struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

type HealthResponse struct {
	Status    string           `json:"status"`
	Node      string           `json:"node,omitempty"`
	Checks    map[string]Check `json:"checks"`
	Timestamp string           `json:"timestamp"`
}

type ThreadListResponse struct {
	Threads []chat.Thread `json:"threads"`
}

type MessageListResponse struct {
	ThreadID string         `json:"threadId"`
	Messages []chat.Message `json:"messages"`
}

type MarkReadResponse struct {
	ThreadID   string   `json:"threadId"`
	MessageIDs []string `json:"messageIds"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]Check)
	healthy := true

	probe := func(name string, check Checker) {
		start := time.Now()
		if err := check(ctx); err != nil {
			checks[name] = Check{Status: "fail", Message: "connection failed"}
			healthy = false
			h.logger.Warn().Err(err).Str("check", name).Msg("health check failed")

			return
		}
		checks[name] = Check{Status: "pass", Latency: time.Since(start).String()}
	}

	probe("store", h.store.Ping)
	for name, check := range h.checks {
		probe(name, check)
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, HealthResponse{
		Status:    status,
		Node:      h.nodeID,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *handler) listThreads(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.FromContext(r.Context())

	threads, err := h.store.ListThreads(r.Context(), identity.UserID)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list threads")
		writeError(w, http.StatusInternalServerError, "database error")

		return
	}
	if threads == nil {
		threads = []chat.Thread{}
	}
	writeJSON(w, http.StatusOK, ThreadListResponse{Threads: threads})
}

func (h *handler) listMessages(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.FromContext(r.Context())
	peer := chi.URLParam(r, "peer")
	contextRef := r.URL.Query().Get("context")

	threadID, err := thread.Resolve(identity.UserID, peer, contextRef)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := store.DefaultListLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		if l, err := strconv.Atoi(s); err == nil && l > 0 {
			limit = l
		}
	}

	msgs, err := h.store.ListThread(r.Context(), identity.UserID, peer, contextRef, limit)
	if err != nil {
		h.logger.Error().Err(err).Str("thread_id", threadID).Msg("failed to list messages")
		writeError(w, http.StatusInternalServerError, "database error")

		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	writeJSON(w, http.StatusOK, MessageListResponse{ThreadID: threadID, Messages: msgs})
}

// markRead moves everything the caller received in the thread to read and
// tells both participants' devices.
func (h *handler) markRead(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.FromContext(r.Context())
	peer := chi.URLParam(r, "peer")

	threadID, err := thread.Resolve(identity.UserID, peer, r.URL.Query().Get("context"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	changed, err := h.store.MarkThreadRead(r.Context(), identity.UserID, threadID, time.Now())
	if err != nil {
		h.logger.Error().Err(err).Str("thread_id", threadID).Msg("failed to mark thread read")
		writeError(w, http.StatusInternalServerError, "database error")

		return
	}
	h.publish(r.Context(), changed, delivery.StatusRead, identity.UserID)

	ids := make([]string, len(changed))
	for i, m := range changed {
		ids[i] = m.ID
	}
	writeJSON(w, http.StatusOK, MarkReadResponse{ThreadID: threadID, MessageIDs: ids})
}

func (h *handler) deleteMessage(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.FromContext(r.Context())
	id := chi.URLParam(r, "id")

	msg, err := h.store.Delete(r.Context(), id, identity.UserID, time.Now())
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "message not found")
		return
	case errors.Is(err, store.ErrNotSender):
		writeError(w, http.StatusForbidden, "only the sender may delete a message")
		return
	case errors.Is(err, delivery.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		h.logger.Error().Err(err).Str("message_id", id).Msg("failed to delete message")
		writeError(w, http.StatusInternalServerError, "database error")

		return
	}

	h.publish(r.Context(), []chat.Message{*msg}, delivery.StatusDeleted, identity.UserID)
	writeJSON(w, http.StatusOK, msg)
}

// publish is best effort. Devices that miss it see the change in history.
func (h *handler) publish(ctx context.Context, msgs []chat.Message, status delivery.Status, by string) {
	if h.gateway == nil || len(msgs) == 0 {
		return
	}
	if err := h.gateway.PublishStatus(ctx, msgs, status, by); err != nil {
		h.logger.Warn().Err(err).Str("status", string(status)).Msg("failed to publish status change")
	}
}
