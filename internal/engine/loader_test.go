package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/fathom/internal/inference"
	"github.com/meridianlabs/fathom/internal/workspace"
)

func TestSourceLoaderReadsFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "context.txt")
	require.NoError(t, os.WriteFile(path, []byte("file-backed content"), 0o644))

	content, err := SourceLoader{}.Load(context.Background(), workspace.ContextRef{Source: "file://" + path})
	require.NoError(t, err)
	assert.Equal(t, "file-backed content", content)
}

func TestSourceLoaderMissingFile(t *testing.T) {
	_, err := SourceLoader{}.Load(context.Background(), workspace.ContextRef{Source: "file:///does/not/exist"})
	assert.Error(t, err)
}

func TestSourceLoaderInlineContent(t *testing.T) {
	content, err := SourceLoader{}.Load(context.Background(), workspace.ContextRef{Source: "just inline text"})
	require.NoError(t, err)
	assert.Equal(t, "just inline text", content)
}

func TestProcessLoadsFromFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "context.txt")
	require.NoError(t, os.WriteFile(path, []byte("a short note stored on disk"), 0o644))

	stub := inference.NewStub()
	eng, _ := newTestEngine(stub)

	final, err := eng.Process(context.Background(), workspace.ContextRef{Source: "file://" + path}, holisticQuery, Limits{})
	require.NoError(t, err)
	require.NotNil(t, final)
	assert.Equal(t, 1, stub.CallCount())
	assert.Contains(t, stub.Calls()[0].Text, "stored on disk")
}

func TestProcessMissingSourceIsInvalidContext(t *testing.T) {
	eng, _ := newTestEngine(inference.NewStub())
	_, err := eng.Process(context.Background(), workspace.ContextRef{Source: "file:///does/not/exist"}, holisticQuery, Limits{})
	assert.ErrorIs(t, err, ErrInvalidContext)
}
