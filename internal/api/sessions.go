package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/ashureev/claude-relay/internal/domain"
	"github.com/ashureev/claude-relay/internal/identity"
	"github.com/ashureev/claude-relay/internal/supervisor"
	"github.com/go-chi/chi/v5"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
	maxRequestBody   = 64 << 10
)

var errOutsideWorkspace = errors.New("working directory is outside the workspace root")

// sessionView merges a persisted record with the live state, if any.
type sessionView struct {
	domain.SessionRecord
	Live bool `json:"live"`
}

type createSessionRequest struct {
	ID     string                  `json:"id"`
	Config supervisor.LaunchConfig `json:"config"`
}

// ListSessions returns the caller's live and persisted sessions, most
// recently updated first.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	records, err := h.repo.ListSessions(r.Context(), userID, pageLimit(r))
	if err != nil {
		slog.Error("Failed to list sessions", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	views := make([]sessionView, 0, len(records))
	index := make(map[string]int, len(records))
	for _, rec := range records {
		index[rec.ID] = len(views)
		views = append(views, sessionView{SessionRecord: *rec})
	}

	for _, snap := range h.sessions.List() {
		if snap.Owner != userID {
			continue
		}
		if i, ok := index[snap.ID]; ok {
			views[i] = overlay(views[i].SessionRecord, snap)
			continue
		}
		views = append(views, overlay(recordFromSnapshot(snap), snap))
	}

	slices.SortStableFunc(views, func(a, b sessionView) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})

	JSON(w, http.StatusOK, map[string]any{"sessions": views})
}

// CreateSession starts a CLI session for the caller.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	var req createSessionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	dir, err := resolveWorkingDir(h.workspaceRoot, req.Config.WorkingDir)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Config.WorkingDir = dir
	// Credentials always come from the server configuration.
	req.Config.Auth = supervisor.AuthConfig{}

	snap, err := h.sessions.CreateSession(r.Context(), supervisor.CreateRequest{
		ID:     strings.TrimSpace(req.ID),
		Owner:  userID,
		Config: req.Config,
	})
	if err != nil {
		status, msg := createErrorStatus(err)
		slog.Warn("Failed to create session", "error", err, "user_id", userID)
		Error(w, status, msg)
		return
	}

	slog.Info("Session created", "session_id", snap.ID, "user_id", userID, "working_dir", dir)
	JSON(w, http.StatusCreated, overlay(recordFromSnapshot(snap), snap))
}

// GetSession returns one of the caller's sessions.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	snap, live := h.sessions.Get(id)
	if live && snap.Owner != userID {
		Error(w, http.StatusForbidden, "forbidden")
		return
	}

	rec, err := h.repo.GetSession(r.Context(), id)
	if err != nil {
		slog.Error("Failed to get session", "error", err, "session_id", id)
		Error(w, http.StatusInternalServerError, "failed to get session")
		return
	}

	switch {
	case live && rec != nil:
		JSON(w, http.StatusOK, overlay(*rec, snap))
	case live:
		JSON(w, http.StatusOK, overlay(recordFromSnapshot(snap), snap))
	case rec == nil:
		Error(w, http.StatusNotFound, "session not found")
	case rec.Owner != userID:
		Error(w, http.StatusForbidden, "forbidden")
	default:
		JSON(w, http.StatusOK, sessionView{SessionRecord: *rec})
	}
}

// DeleteSession kills one of the caller's live sessions.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	snap, live := h.sessions.Get(id)
	if !live {
		Error(w, http.StatusNotFound, "session not running")
		return
	}
	if snap.Owner != userID {
		Error(w, http.StatusForbidden, "forbidden")
		return
	}

	if err := h.sessions.KillSession(id); err != nil {
		if errors.Is(err, supervisor.ErrNotFound) {
			Error(w, http.StatusNotFound, "session not running")
			return
		}
		slog.Error("Failed to kill session", "error", err, "session_id", id)
		Error(w, http.StatusInternalServerError, "failed to stop session")
		return
	}

	slog.Info("Session stopped via API", "session_id", id, "user_id", userID)
	JSON(w, http.StatusOK, map[string]string{"status": "stopped", "id": id})
}

// ListMessages returns the stored conversation of one of the caller's
// sessions.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	owner, found, err := h.ownerOf(r, id)
	if err != nil {
		slog.Error("Failed to get session", "error", err, "session_id", id)
		Error(w, http.StatusInternalServerError, "failed to get session")
		return
	}
	if !found {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	if owner != userID {
		Error(w, http.StatusForbidden, "forbidden")
		return
	}

	msgs, err := h.repo.ListMessages(r.Context(), id, pageLimit(r))
	if err != nil {
		slog.Error("Failed to list messages", "error", err, "session_id", id)
		Error(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if msgs == nil {
		msgs = []*domain.StoredMessage{}
	}
	JSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (h *Handler) ownerOf(r *http.Request, id string) (string, bool, error) {
	if snap, ok := h.sessions.Get(id); ok {
		return snap.Owner, true, nil
	}
	rec, err := h.repo.GetSession(r.Context(), id)
	if err != nil || rec == nil {
		return "", false, err
	}
	return rec.Owner, true, nil
}

// resolveWorkingDir returns dir as an absolute path under root. An empty
// dir means root itself; relative paths are taken from root.
func resolveWorkingDir(root, dir string) (string, error) {
	if root == "" {
		return "", errors.New("workspace root is not configured")
	}
	root = evalPath(filepath.Clean(root))

	if dir == "" {
		return root, nil
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(root, dir)
	}
	dir = evalPath(filepath.Clean(dir))

	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errOutsideWorkspace
	}
	return dir, nil
}

// evalPath resolves symlinks when the path exists.
func evalPath(p string) string {
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved
	}
	return p
}

func createErrorStatus(err error) (int, string) {
	var capErr *supervisor.CapacityError
	switch {
	case errors.Is(err, supervisor.ErrInvalidConfig):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, supervisor.ErrSessionExists):
		return http.StatusConflict, "session already exists"
	case errors.Is(err, supervisor.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.As(err, &capErr):
		return http.StatusServiceUnavailable, fmt.Sprintf("session limit reached (%d)", capErr.Limit)
	case errors.Is(err, supervisor.ErrShuttingDown):
		return http.StatusServiceUnavailable, "server is shutting down"
	default:
		return http.StatusInternalServerError, "failed to start session"
	}
}

func pageLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultPageLimit
	}
	return min(n, maxPageLimit)
}

func recordFromSnapshot(snap supervisor.Snapshot) domain.SessionRecord {
	return domain.SessionRecord{
		ID:         snap.ID,
		Owner:      snap.Owner,
		WorkingDir: snap.Config.WorkingDir,
		Model:      snap.Config.Model,
		CreatedAt:  snap.CreatedAt,
		UpdatedAt:  snap.LastActivityAt,
	}
}

// overlay applies the live fields of snap to rec.
func overlay(rec domain.SessionRecord, snap supervisor.Snapshot) sessionView {
	rec.Status = string(snap.Status)
	if snap.ExternalID != "" {
		rec.ExternalID = snap.ExternalID
	}
	if snap.MessageCount > rec.MessageCount {
		rec.MessageCount = snap.MessageCount
	}
	if snap.LastActivityAt.After(rec.UpdatedAt) {
		rec.UpdatedAt = snap.LastActivityAt
	}
	return sessionView{SessionRecord: rec, Live: true}
}
