// Package api provides HTTP handlers for the relay REST API.
//
//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/claude-relay/internal/store"
	"github.com/ashureev/claude-relay/internal/supervisor"
	"github.com/go-chi/chi/v5"
)

const healthCheckTimeout = 5 * time.Second

// Sessions is the part of the supervisor the REST API drives.
type Sessions interface {
	CreateSession(ctx context.Context, req supervisor.CreateRequest) (supervisor.Snapshot, error)
	KillSession(id string) error
	Get(id string) (supervisor.Snapshot, bool)
	List() []supervisor.Snapshot
}

// ClientConfig is the server configuration exposed to the frontend.
type ClientConfig struct {
	AuthMode          string `json:"auth_mode"`
	WorkspaceRoot     string `json:"workspace_root"`
	DefaultModel      string `json:"default_model,omitempty"`
	PermissionMode    string `json:"permission_mode,omitempty"`
	MaxSessions       int    `json:"max_sessions"`
	CompletionTimeout int64  `json:"completion_timeout_seconds"`
}

// Handler serves the session REST endpoints.
type Handler struct {
	repo          store.Repository
	sessions      Sessions
	workspaceRoot string
	clientConfig  ClientConfig
}

// NewHandler creates a new Handler. Working directories supplied by clients
// must resolve under workspaceRoot.
func NewHandler(repo store.Repository, sessions Sessions, workspaceRoot string, cc ClientConfig) *Handler {
	cc.WorkspaceRoot = workspaceRoot
	return &Handler{
		repo:          repo,
		sessions:      sessions,
		workspaceRoot: workspaceRoot,
		clientConfig:  cc,
	}
}

// RegisterRoutes registers the authenticated API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/config", h.GetConfig)
	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", h.ListSessions)
		r.Post("/", h.CreateSession)
		r.Get("/{id}", h.GetSession)
		r.Delete("/{id}", h.DeleteSession)
		r.Get("/{id}/messages", h.ListMessages)
	})
}

// GetConfig returns the server configuration for the frontend.
func (h *Handler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.clientConfig)
}

// Health returns the health status of the API and its dependencies.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]any{
		"status":        "healthy",
		"checks":        checks,
		"live_sessions": len(h.sessions.List()),
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	JSON(w, statusCode, status)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
