package engine

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/meridianlabs/fathom/internal/workspace"
)

// Loader resolves a context reference to its content. The engine never
// assumes where context lives; callers that already hold the blob use
// ProcessContent directly.
type Loader interface {
	Load(ctx context.Context, ref workspace.ContextRef) (string, error)
}

// SourceLoader reads `file://` sources from disk and treats anything else
// as inline content.
type SourceLoader struct{}

func (SourceLoader) Load(ctx context.Context, ref workspace.ContextRef) (string, error) {
	if path, ok := strings.CutPrefix(ref.Source, "file://"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read source %s: %w", ref.Source, err)
		}
		return string(data), nil
	}
	return ref.Source, nil
}
