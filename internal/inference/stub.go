package inference

import (
	"context"
	"sync"
	"time"
)

// Call records one request seen by the stub.
type Call struct {
	Text      string
	SubQuery  string
	MaxTokens int
}

// Stub is a deterministic in-memory Client for tests and offline runs.
// By default it echoes a digest of the input; a Script function can
// override replies, inject failures, or add artificial latency per call.
type Stub struct {
	mu    sync.Mutex
	calls []Call

	// Script, when set, decides the reply for each call. The call index
	// is the zero-based sequence number across all invocations.
	Script func(index int, call Call) (Reply, error)
	// Latency delays every call; used to shuffle sibling completion order
	// in ordering tests.
	Latency func(index int, call Call) time.Duration
}

// NewStub creates a stub client.
func NewStub() *Stub {
	return &Stub{}
}

// Answer replies deterministically based on the input text and sub-query.
func (s *Stub) Answer(ctx context.Context, text, subQuery string, maxTokens int) (Reply, error) {
	s.mu.Lock()
	index := len(s.calls)
	call := Call{Text: text, SubQuery: subQuery, MaxTokens: maxTokens}
	s.calls = append(s.calls, call)
	script := s.Script
	latency := s.Latency
	s.mu.Unlock()

	if latency != nil {
		select {
		case <-time.After(latency(index, call)):
		case <-ctx.Done():
			return Reply{}, ErrTimeout
		}
	}
	if ctx.Err() != nil {
		return Reply{}, ErrTimeout
	}

	if script != nil {
		return script(index, call)
	}

	// Default deterministic reply: cost proportional to input size.
	tokens := len(text)/4 + 1
	if maxTokens > 0 && tokens > maxTokens {
		tokens = maxTokens
	}
	return Reply{
		Answer:     defaultAnswer(text, subQuery),
		Confidence: 0.9,
		TokensUsed: tokens,
	}, nil
}

// Calls returns a copy of the recorded calls.
func (s *Stub) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallCount returns how many calls the stub has served.
func (s *Stub) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func defaultAnswer(text, subQuery string) string {
	const max = 48
	snippet := text
	if len(snippet) > max {
		snippet = snippet[:max]
	}
	return "q:" + subQuery + "|" + snippet
}
