// Package llm provides a provider-agnostic model client with retry support.
// Endpoints are resolved by model id from configuration.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/c360studio/taskgate/config"
	"github.com/c360studio/taskgate/metric"
)

// maxResponseSize limits the model response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// slowAcquireThreshold is how long a provider-slot wait can take before
// it is worth logging.
const slowAcquireThreshold = 2 * time.Second

// Client is a provider-agnostic model client with retry support. Calls
// to the same provider share a concurrency cap so a wide judge fan-out
// cannot exhaust an endpoint.
type Client struct {
	endpoints   map[string]config.EndpointConfig
	httpClient  *http.Client
	retryConfig RetryConfig
	logger      *slog.Logger

	maxPerProvider int64
	mu             sync.Mutex
	sems           map[string]*semaphore.Weighted
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // Message content
}

// Request defines a model completion request.
type Request struct {
	// Model is the model id as configured in the endpoint map.
	Model string

	// Messages is the chat history to send to the model.
	Messages []Message

	// Temperature controls randomness. nil uses endpoint default, 0 is deterministic.
	Temperature *float64

	// MaxTokens limits response length. 0 uses endpoint default.
	MaxTokens int
}

// TokenUsage represents token consumption details for a model call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response contains the model completion result.
type Response struct {
	// Content is the generated text.
	Content string

	// Model is the actual model that was used.
	Model string

	// Usage contains token consumption metrics, when the provider
	// reports them.
	Usage TokenUsage

	// FinishReason indicates why generation stopped.
	FinishReason string
}

// StreamFunc receives text deltas as a streamed completion arrives.
// Returning an error aborts the stream.
type StreamFunc func(delta string) error

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(client *Client) {
		client.retryConfig = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// NewClient creates a model client from the transport configuration.
func NewClient(cfg config.LLMConfig, opts ...ClientOption) *Client {
	maxPer := int64(cfg.MaxConcurrentPerProvider)
	if maxPer <= 0 {
		maxPer = 8
	}

	c := &Client{
		endpoints:   cfg.Endpoints,
		retryConfig: DefaultRetryConfig(),
		httpClient: &http.Client{
			Timeout: cfg.ReadTimeout(),
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: cfg.ConnectTimeout(),
				}).DialContext,
			},
		},
		logger:         slog.Default(),
		maxPerProvider: maxPer,
		sems:           make(map[string]*semaphore.Weighted),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Endpoint resolves a model id to its endpoint, nil if unconfigured.
func (c *Client) Endpoint(model string) *config.EndpointConfig {
	ep, ok := c.endpoints[model]
	if !ok {
		return nil
	}
	if ep.Model == "" {
		ep.Model = model
	}
	return &ep
}

// Complete sends a completion request, handling retry logic.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	return c.complete(ctx, req, nil)
}

// CompleteStream sends a streamed completion request, invoking fn for
// each text delta. The returned Response carries the accumulated text.
// Retries apply only before any delta has been delivered.
func (c *Client) CompleteStream(ctx context.Context, req Request, fn StreamFunc) (*Response, error) {
	if fn == nil {
		return nil, fmt.Errorf("stream callback is required")
	}
	return c.complete(ctx, req, fn)
}

func (c *Client) complete(ctx context.Context, req Request, fn StreamFunc) (*Response, error) {
	if req.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}

	ep := c.Endpoint(req.Model)
	if ep == nil {
		return nil, NewFatalError(fmt.Errorf("no endpoint configured for model %s", req.Model))
	}

	release, err := c.acquire(ctx, ep.Provider)
	if err != nil {
		return nil, err
	}
	defer release()

	var lastErr error
	for attempt := 1; attempt <= c.retryConfig.MaxAttempts; attempt++ {
		var (
			resp     *Response
			sentData bool
		)
		resp, sentData, err = c.doRequest(ctx, ep, req, fn)
		if err == nil {
			metric.JudgeCalls.WithLabelValues(req.Model, "success").Inc()
			return resp, nil
		}

		lastErr = err

		// A partially delivered stream cannot be replayed to the caller.
		if IsFatal(err) || sentData {
			break
		}

		if attempt < c.retryConfig.MaxAttempts {
			backoff := c.calculateBackoff(attempt)
			c.logger.Debug("Request failed, retrying",
				"model", req.Model,
				"attempt", attempt,
				"max_attempts", c.retryConfig.MaxAttempts,
				"backoff", backoff,
				"error", err)

			select {
			case <-ctx.Done():
				metric.JudgeCalls.WithLabelValues(req.Model, "canceled").Inc()
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	metric.JudgeCalls.WithLabelValues(req.Model, "error").Inc()
	return nil, lastErr
}

// acquire takes a concurrency slot for the provider, logging waits that
// exceed the slow threshold.
func (c *Client) acquire(ctx context.Context, provider string) (func(), error) {
	c.mu.Lock()
	sem, ok := c.sems[provider]
	if !ok {
		sem = semaphore.NewWeighted(c.maxPerProvider)
		c.sems[provider] = sem
	}
	c.mu.Unlock()

	start := time.Now()
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if wait := time.Since(start); wait > slowAcquireThreshold {
		c.logger.Warn("Provider slot wait",
			"provider", provider,
			"wait", wait)
	}
	return func() { sem.Release(1) }, nil
}

// calculateBackoff computes exponential backoff duration with jitter.
// Jitter prevents thundering herd when multiple clients retry simultaneously.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= c.retryConfig.BackoffMultiplier
	}

	backoff := time.Duration(float64(c.retryConfig.BackoffBase) * multiplier)
	if backoff > c.retryConfig.MaxBackoff {
		backoff = c.retryConfig.MaxBackoff
	}

	// Add jitter: +/- 25% to prevent synchronized retries
	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}

// doRequest executes a single HTTP request to the model endpoint. The
// bool result reports whether any streamed data reached the caller.
func (c *Client) doRequest(ctx context.Context, ep *config.EndpointConfig, req Request, fn StreamFunc) (*Response, bool, error) {
	provider := GetProvider(ep.Provider)
	if provider == nil {
		return nil, false, NewFatalError(fmt.Errorf("unknown provider: %s", ep.Provider))
	}

	streaming := fn != nil
	url := provider.BuildURL(ep.URL)

	body, err := provider.BuildRequestBody(ep.Model, req.Messages, req.Temperature, req.MaxTokens, streaming)
	if err != nil {
		return nil, false, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	c.logger.Debug("Sending model request",
		"provider", ep.Provider,
		"model", ep.Model,
		"url", url,
		"streaming", streaming,
		"messages", len(req.Messages))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, false, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if streaming {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	provider.SetHeaders(httpReq)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Network errors are transient
		return nil, false, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
		return nil, false, classifyHTTPError(httpResp.StatusCode, respBody)
	}

	if streaming {
		return c.consumeStream(ep, provider, httpResp.Body, fn)
	}

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, false, NewTransientError(fmt.Errorf("read response body: %w", err))
	}
	resp, err := provider.ParseResponse(respBody, ep.Model)
	return resp, false, err
}

// consumeStream reads provider stream lines, forwarding deltas to fn and
// accumulating the full text.
func (c *Client) consumeStream(ep *config.EndpointConfig, provider Provider, body io.Reader, fn StreamFunc) (*Response, bool, error) {
	var (
		content  strings.Builder
		sentData bool
	)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxResponseSize)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		delta, done, err := provider.ParseStreamLine(line)
		if err != nil {
			return nil, sentData, NewTransientError(fmt.Errorf("parse stream line: %w", err))
		}
		if delta != "" {
			content.WriteString(delta)
			sentData = true
			if err := fn(delta); err != nil {
				return nil, sentData, NewFatalError(fmt.Errorf("stream callback: %w", err))
			}
		}
		if done {
			return &Response{Content: content.String(), Model: ep.Model, FinishReason: "stop"}, sentData, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, sentData, NewTransientError(fmt.Errorf("read stream: %w", err))
	}

	// Some openai-compatible servers close the stream without a terminal
	// marker. Treat EOF after content as completion.
	if sentData {
		return &Response{Content: content.String(), Model: ep.Model, FinishReason: "stop"}, sentData, nil
	}
	return nil, false, NewTransientError(fmt.Errorf("stream ended without content"))
}

// classifyHTTPError determines if an HTTP error is transient or fatal.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	err := fmt.Errorf("model API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests:
		// Rate limiting is transient
		return NewTransientError(err)
	case statusCode >= 500:
		// Server errors are transient
		return NewTransientError(err)
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusForbidden:
		// Auth errors are fatal
		return NewFatalError(err)
	case statusCode == http.StatusBadRequest:
		// Bad requests are fatal
		return NewFatalError(err)
	default:
		// Unknown errors default to fatal
		return NewFatalError(err)
	}
}
