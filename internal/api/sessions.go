package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/confidant-bot/confidant/internal/domain"
	"github.com/confidant-bot/confidant/internal/transport"
)

const maxMessageBody = 64 << 10

// RegisterRoutes registers the admin routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/ready", h.Ready)
		r.Get("/sessions", h.ListSessions)
		r.Delete("/sessions/{channel}/{user}", h.EndSession)
		r.Get("/sessions/{channel}/{user}/turns", h.ListTurns)
		r.Post("/messages", h.PostMessage)
		r.Get("/models", h.ListModels)
	})
}

// Ready reports whether the transcript store is reachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		JSON(w, http.StatusOK, map[string]string{"status": "ok", "store": "disabled"})
		return
	}
	if err := h.repo.Ping(r.Context()); err != nil {
		h.logger.Error("Store ping failed", "error", err)
		Error(w, http.StatusServiceUnavailable, "store_unavailable")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok", "store": "ok"})
}

// ListSessions returns every active session.
func (h *Handler) ListSessions(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{"sessions": h.sessions.Snapshot()})
}

// EndSession stops the listening and argument sessions of one key.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKey(r)
	if !ok {
		Error(w, http.StatusBadRequest, "invalid session key")
		return
	}

	listening := h.sessions.Stop(key)
	argument := h.sessions.StopArgument(key)
	if !listening && !argument {
		Error(w, http.StatusNotFound, "session not found")
		return
	}

	h.logger.Info("Session ended via API", "channel_id", key.ChannelID, "user_id", key.UserID)
	JSON(w, http.StatusOK, map[string]bool{"listening": listening, "argument": argument})
}

// ListTurns returns recorded transcript turns for one key.
func (h *Handler) ListTurns(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKey(r)
	if !ok {
		Error(w, http.StatusBadRequest, "invalid session key")
		return
	}
	if h.repo == nil {
		Error(w, http.StatusServiceUnavailable, "store disabled")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			Error(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	turns, err := h.repo.RecentTurns(r.Context(), key, limit)
	if err != nil {
		h.logger.Error("Failed to load turns", "error", err, "channel_id", key.ChannelID, "user_id", key.UserID)
		Error(w, http.StatusInternalServerError, "failed to load turns")
		return
	}
	if turns == nil {
		turns = []domain.Turn{}
	}
	JSON(w, http.StatusOK, map[string]any{"turns": turns})
}

type postMessageRequest struct {
	ChannelID int64  `json:"channel_id"`
	UserID    int64  `json:"user_id"`
	Text      string `json:"text"`
	Mention   bool   `json:"mention"`
}

// PostMessage injects a message through the router as if it came from chat.
// Replies are delivered through the configured transport.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req postMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBody)).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ChannelID == 0 || req.UserID == 0 || strings.TrimSpace(req.Text) == "" {
		Error(w, http.StatusBadRequest, "channel_id, user_id and text are required")
		return
	}

	msg := transport.InboundMessage{ChannelID: req.ChannelID, UserID: req.UserID, Text: req.Text}
	if req.Mention {
		text := req.Text
		msg.Addressed = &text
	}
	handled := h.router.Handle(r.Context(), msg)
	JSON(w, http.StatusAccepted, map[string]bool{"handled": handled})
}

// ListModels returns the models advertised by the active provider.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	if h.models == nil {
		Error(w, http.StatusServiceUnavailable, "models unavailable")
		return
	}
	models, err := h.models.ListModels(r.Context())
	if err != nil {
		h.logger.Error("Failed to list models", "error", err)
		Error(w, http.StatusBadGateway, "failed to fetch models")
		return
	}
	p := h.models.Provider()
	JSON(w, http.StatusOK, map[string]any{
		"provider":  p.Name,
		"model":     p.Model,
		"fallbacks": p.FallbackModels,
		"models":    models,
	})
}

func sessionKey(r *http.Request) (domain.SessionKey, bool) {
	channelID, err := strconv.ParseInt(chi.URLParam(r, "channel"), 10, 64)
	if err != nil {
		return domain.SessionKey{}, false
	}
	userID, err := strconv.ParseInt(chi.URLParam(r, "user"), 10, 64)
	if err != nil {
		return domain.SessionKey{}, false
	}
	return domain.SessionKey{ChannelID: channelID, UserID: userID}, true
}
