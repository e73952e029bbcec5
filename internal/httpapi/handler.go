// Package httpapi exposes the admin HTTP surface: submitting a processing
// run, inspecting a persisted workspace, health and active configuration.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/meridianlabs/fathom/internal/config"
	"github.com/meridianlabs/fathom/internal/engine"
	"github.com/meridianlabs/fathom/internal/workspace"
)

// Handler serves the admin API.
type Handler struct {
	engine *engine.Engine
	store  workspace.Store
	cfg    func() *config.Config
	logger *zap.Logger
}

// NewHandler creates an admin API handler. cfg returns the active (possibly
// hot-reloaded) configuration.
func NewHandler(eng *engine.Engine, store workspace.Store, cfg func() *config.Config, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{engine: eng, store: store, cfg: cfg, logger: logger}
}

// RegisterRoutes attaches the API to a mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /v1/config", h.handleConfig)
	mux.HandleFunc("POST /v1/process", h.handleProcess)
	mux.HandleFunc("GET /v1/workspaces/{id}", h.handleWorkspace)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleConfig(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.cfg().Snapshot()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to render configuration")
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(snapshot)
}

// processRequest is the submission payload. Content may be inline or a
// file:// source resolvable by the engine's loader.
type processRequest struct {
	Source          string `json:"source,omitempty"`
	Content         string `json:"content,omitempty"`
	Query           string `json:"query"`
	Structure       string `json:"structure,omitempty"`
	EstimatedTokens int    `json:"estimated_tokens,omitempty"`
}

type processResponse struct {
	WorkspaceID     string  `json:"workspace_id"`
	Answer          string  `json:"answer"`
	Confidence      float64 `json:"confidence"`
	TotalTokenUsage int     `json:"total_token_usage"`
}

func (h *Handler) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	structure := workspace.Structure(req.Structure)
	if structure == "" {
		structure = workspace.StructureUnstructured
	}
	ref := workspace.ContextRef{
		Source:          req.Source,
		Structure:       structure,
		EstimatedTokens: req.EstimatedTokens,
	}

	limits := h.engine.Defaults()
	var (
		id    string
		final *workspace.FinalAnswer
		err   error
	)
	if req.Content != "" {
		id, final, err = h.engine.Execute(r.Context(), ref, req.Content, req.Query, limits)
	} else {
		content, lerr := engine.SourceLoader{}.Load(r.Context(), ref)
		if lerr != nil {
			writeError(w, http.StatusBadRequest, lerr.Error())
			return
		}
		id, final, err = h.engine.Execute(r.Context(), ref, content, req.Query, limits)
	}
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrInvalidContext):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, engine.ErrAllChildrenFailed):
			writeError(w, http.StatusBadGateway, err.Error())
		default:
			h.logger.Error("Process request failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, processResponse{
		WorkspaceID:     id,
		Answer:          final.Text,
		Confidence:      final.Confidence,
		TotalTokenUsage: final.TotalTokenUsage,
	})
}

func (h *Handler) handleWorkspace(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ws, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, workspace.ErrNotFound) {
			writeError(w, http.StatusNotFound, "workspace not found")
			return
		}
		h.logger.Error("Workspace lookup failed", zap.String("workspace_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
