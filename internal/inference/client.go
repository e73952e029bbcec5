// Package inference contracts the external capability that answers a
// sub-query over a prompt-sized unit of text. The engine never interprets
// content itself; everything language-related happens behind this interface.
package inference

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable indicates the inference backend rejected or could not
	// serve the request.
	ErrUnavailable = errors.New("inference unavailable")
	// ErrTimeout indicates the inference call exceeded its time budget.
	ErrTimeout = errors.New("inference timeout")
)

// Reply is the structured outcome of one inference call.
type Reply struct {
	Answer     string  `json:"answer"`
	Confidence float64 `json:"confidence"`
	TokensUsed int     `json:"tokens_used"`
}

// Client answers a sub-query over a unit of text within a token limit.
type Client interface {
	Answer(ctx context.Context, text, subQuery string, maxTokens int) (Reply, error)
}
