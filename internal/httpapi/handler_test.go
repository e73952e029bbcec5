package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/fathom/internal/config"
	"github.com/meridianlabs/fathom/internal/engine"
	"github.com/meridianlabs/fathom/internal/inference"
	"github.com/meridianlabs/fathom/internal/workspace"
)

func newTestHandler(t *testing.T, stub *inference.Stub) (*http.ServeMux, workspace.Store) {
	t.Helper()
	store := workspace.NewMemoryStore(time.Hour, nil)
	eng := engine.New(store, stub, engine.Limits{}, nil)
	cfg, err := config.Load("")
	require.NoError(t, err)

	mux := http.NewServeMux()
	NewHandler(eng, store, func() *config.Config { return cfg }, nil).RegisterRoutes(mux)
	return mux, store
}

func TestProcessEndpoint(t *testing.T) {
	mux, store := newTestHandler(t, inference.NewStub())

	body, _ := json.Marshal(map[string]string{
		"content": "a short inline document",
		"query":   "Summarize the main themes",
	})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/process", bytes.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp processResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.WorkspaceID)
	assert.NotEmpty(t, resp.Answer)
	assert.InDelta(t, 0.9, resp.Confidence, 1e-9)

	ws, err := store.Get(context.Background(), resp.WorkspaceID)
	require.NoError(t, err)
	assert.Equal(t, workspace.StatusComplete, ws.Status)
}

func TestProcessRejectsMissingQuery(t *testing.T) {
	mux, _ := newTestHandler(t, inference.NewStub())

	body, _ := json.Marshal(map[string]string{"content": "text"})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/process", bytes.NewReader(body)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProcessRejectsEmptyContext(t *testing.T) {
	mux, _ := newTestHandler(t, inference.NewStub())

	body, _ := json.Marshal(map[string]string{"content": "   ", "query": "anything?"})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/process", bytes.NewReader(body)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProcessAllChildrenFailedIsBadGateway(t *testing.T) {
	stub := inference.NewStub()
	stub.Script = func(index int, call inference.Call) (inference.Reply, error) {
		return inference.Reply{}, inference.ErrUnavailable
	}
	mux, _ := newTestHandler(t, stub)

	body, _ := json.Marshal(map[string]string{"content": "text", "query": "Summarize the themes"})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/process", bytes.NewReader(body)))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestWorkspaceLookup(t *testing.T) {
	mux, store := newTestHandler(t, inference.NewStub())

	require.NoError(t, store.Create(context.Background(), &workspace.Workspace{
		ID:     "ws-known",
		Status: workspace.StatusPending,
	}))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/workspaces/ws-known", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var ws workspace.Workspace
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ws))
	assert.Equal(t, "ws-known", ws.ID)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/workspaces/ws-missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	mux, _ := newTestHandler(t, inference.NewStub())
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestConfigEndpoint(t *testing.T) {
	mux, _ := newTestHandler(t, inference.NewStub())
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/config", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "max_depth")
}
