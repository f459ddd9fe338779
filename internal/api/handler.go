// Package api provides the admin HTTP API.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/confidant-bot/confidant/internal/config"
	"github.com/confidant-bot/confidant/internal/session"
	"github.com/confidant-bot/confidant/internal/store"
	"github.com/confidant-bot/confidant/internal/transport"
)

// MessageRouter accepts an inbound message and reports whether it was handled.
type MessageRouter interface {
	Handle(ctx context.Context, msg transport.InboundMessage) bool
}

// ModelLister lists the models of the active provider.
type ModelLister interface {
	Provider() config.ProviderConfig
	ListModels(ctx context.Context) ([]string, error)
}

// Handler provides common handler utilities.
type Handler struct {
	sessions *session.Manager
	repo     store.Repository
	router   MessageRouter
	models   ModelLister
	logger   *slog.Logger
}

// NewHandler creates a new Handler with common dependencies. repo and models
// may be nil; their endpoints then report 503.
func NewHandler(sessions *session.Manager, repo store.Repository, router MessageRouter, models ModelLister, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		sessions: sessions,
		repo:     repo,
		router:   router,
		models:   models,
		logger:   logger,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
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
