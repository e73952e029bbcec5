package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/meridianlabs/fathom/internal/metrics"
)

// HTTPOptions configures the HTTP inference adapter.
type HTTPOptions struct {
	BaseURL string
	Timeout time.Duration
	// RequestsPerSecond caps the call rate to the backend; zero disables
	// rate limiting.
	RequestsPerSecond float64
	Burst             int
}

// HTTPClient calls an inference service over HTTP. The service contract is
// a single POST endpoint taking {text, query, max_tokens} and returning
// {answer, confidence, tokens_used}.
type HTTPClient struct {
	base    string
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewHTTPClient creates an HTTP inference adapter.
func NewHTTPClient(opts HTTPOptions, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return &HTTPClient{
		base:    opts.BaseURL,
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: limiter,
		logger:  logger,
	}
}

type answerRequest struct {
	Text      string `json:"text"`
	Query     string `json:"query"`
	MaxTokens int    `json:"max_tokens"`
}

// Answer posts the unit of text and sub-query to the inference service.
func (c *HTTPClient) Answer(ctx context.Context, text, subQuery string, maxTokens int) (Reply, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Reply{}, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
	}

	body, err := json.Marshal(answerRequest{Text: text, Query: subQuery, MaxTokens: maxTokens})
	if err != nil {
		return Reply{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := c.base + "/v1/answer"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		metrics.RecordInference("error", time.Since(start).Seconds())
		if isTimeout(err) {
			return Reply{}, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return Reply{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.RecordInference("error", time.Since(start).Seconds())
		c.logger.Warn("Inference service returned non-2xx status",
			zap.Int("status", resp.StatusCode),
			zap.String("url", url),
		)
		return Reply{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var reply Reply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		metrics.RecordInference("error", time.Since(start).Seconds())
		return Reply{}, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	if reply.Confidence < 0 {
		reply.Confidence = 0
	}
	if reply.Confidence > 1 {
		reply.Confidence = 1
	}

	metrics.RecordInference("ok", time.Since(start).Seconds())
	return reply, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
