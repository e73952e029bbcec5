package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClientAnswer(t *testing.T) {
	var got answerRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/answer", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(Reply{Answer: "forty-two", Confidence: 0.8, TokensUsed: 12})
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPOptions{BaseURL: srv.URL}, nil)
	reply, err := c.Answer(context.Background(), "the question of everything", "what is the answer?", 64)
	require.NoError(t, err)

	assert.Equal(t, "forty-two", reply.Answer)
	assert.InDelta(t, 0.8, reply.Confidence, 1e-9)
	assert.Equal(t, 12, reply.TokensUsed)

	assert.Equal(t, "the question of everything", got.Text)
	assert.Equal(t, "what is the answer?", got.Query)
	assert.Equal(t, 64, got.MaxTokens)
}

func TestHTTPClientServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPOptions{BaseURL: srv.URL}, nil)
	_, err := c.Answer(context.Background(), "text", "q", 0)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestHTTPClientUnreachableIsUnavailable(t *testing.T) {
	c := NewHTTPClient(HTTPOptions{BaseURL: "http://127.0.0.1:1"}, nil)
	_, err := c.Answer(context.Background(), "text", "q", 0)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestHTTPClientDeadlineIsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPOptions{BaseURL: srv.URL}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Answer(ctx, "text", "q", 0)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestHTTPClientDecodeFailureIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPOptions{BaseURL: srv.URL}, nil)
	_, err := c.Answer(context.Background(), "text", "q", 0)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestHTTPClientClampsConfidence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"answer":"x","confidence":1.7,"tokens_used":1}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPOptions{BaseURL: srv.URL}, nil)
	reply, err := c.Answer(context.Background(), "text", "q", 0)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, reply.Confidence, 1e-9)
}
