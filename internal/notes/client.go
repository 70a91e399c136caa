package notes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultEndpoint is the Anthropic Messages API
	DefaultEndpoint = "https://api.anthropic.com/v1/messages"
	// DefaultModel is used when no model is configured
	DefaultModel = "claude-sonnet-4-20250514"

	apiVersion    = "2023-06-01"
	maxRetryDelay = 30 * time.Second
)

// ErrEmptyNote is returned when the model produced no text
var ErrEmptyNote = errors.New("empty response from note model")

// SystemPrompt frames the model as a clinical scribe
const SystemPrompt = "You are a clinical documentation assistant. Write a concise, accurate " +
	"clinical note from the visit transcript. Only include information stated in the transcript."

// APIError is a non-2xx response from the API
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("anthropic API error (HTTP %d): %s", e.StatusCode, e.Body)
}

// Retryable reports whether the request may succeed when repeated
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Config contains note client configuration
type Config struct {
	Endpoint      string
	APIKey        string
	Model         string
	MaxTokens     int
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
	// RetryBaseDelay is the wait before the first retry; it doubles up to 30s
	RetryBaseDelay time.Duration
}

// Request is the input for one note
type Request struct {
	VisitID           string
	Transcript        string
	Instructions      string // template instructions, optional
	AdditionalContext string
}

// Response is a generated note
type Response struct {
	RequestID    string        `json:"request_id"`
	Note         string        `json:"note"`
	Model        string        `json:"model"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Attempts     int           `json:"attempts"`
	Duration     time.Duration `json:"duration"`
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// Client provides HTTP access to the note model
type Client struct {
	config     Config
	httpClient *http.Client
	semaphore  chan struct{}

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// NewClient creates a new note client
func NewClient(config Config) (*Client, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("API key cannot be empty")
	}
	if config.Endpoint == "" {
		config.Endpoint = DefaultEndpoint
	}
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 4096
	}
	if config.Timeout <= 0 {
		config.Timeout = 120 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 3
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = time.Second
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
	}, nil
}

// Generate asks the model for a note, retrying transient failures with
// exponential backoff
func (c *Client) Generate(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Transcript) == "" {
		return nil, fmt.Errorf("visit %s has no transcript", req.VisitID)
	}

	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	startTime := time.Now()
	requestID := uuid.New().String()
	c.incrementTotalRequests()

	body, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		c.incrementFailedRequests()
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.incrementTotalRetries()

			select {
			case <-time.After(c.retryDelay(attempt)):
			case <-ctx.Done():
				c.incrementFailedRequests()
				return nil, ctx.Err()
			}
		}

		resp, err := c.doRequest(ctx, requestID, body)
		if err == nil {
			resp.RequestID = requestID
			resp.Attempts = attempt + 1
			resp.Duration = time.Since(startTime)
			c.incrementSuccessRequests()
			c.updateAvgResponseTime(resp.Duration)
			return resp, nil
		}

		lastErr = err

		if !isRetryableError(err) {
			break
		}
	}

	c.incrementFailedRequests()
	return nil, fmt.Errorf("note generation failed: %w", lastErr)
}

// Retries returns the number of retries performed so far
func (c *Client) Retries() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.totalRetries
}

// retryDelay returns the wait before retry n (n >= 1)
func (c *Client) retryDelay(n int) time.Duration {
	delay := c.config.RetryBaseDelay
	for i := 1; i < n && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}

func (c *Client) buildRequest(req Request) messagesRequest {
	var content strings.Builder
	if req.Instructions != "" {
		content.WriteString("Note template instructions:\n")
		content.WriteString(req.Instructions)
		content.WriteString("\n\n")
	}
	if req.AdditionalContext != "" {
		content.WriteString("Additional context:\n")
		content.WriteString(req.AdditionalContext)
		content.WriteString("\n\n")
	}
	content.WriteString("Visit transcript:\n")
	content.WriteString(req.Transcript)

	return messagesRequest{
		Model:     c.config.Model,
		MaxTokens: c.config.MaxTokens,
		System:    SystemPrompt,
		Messages:  []message{{Role: "user", Content: content.String()}},
	}
}

// doRequest performs a single HTTP request to the Messages API
func (c *Client) doRequest(ctx context.Context, requestID string, body []byte) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.config.APIKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	httpReq.Header.Set("X-Request-ID", requestID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var apiResp messagesResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}

	var note strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			note.WriteString(block.Text)
		}
	}
	if note.Len() == 0 {
		return nil, ErrEmptyNote
	}

	return &Response{
		Note:         note.String(),
		Model:        apiResp.Model,
		InputTokens:  apiResp.Usage.InputTokens,
		OutputTokens: apiResp.Usage.OutputTokens,
	}, nil
}

// isRetryableError reports whether err is a rate limit, server error or
// network failure
func isRetryableError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Statistics methods
func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *Client) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) incrementTotalRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRetries++
}

func (c *Client) updateAvgResponseTime(responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    c.totalRetries,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  len(c.semaphore),
	}
}

// Close waits for in-flight requests to complete
func (c *Client) Close() error {
	for i := 0; i < c.config.MaxConcurrent; i++ {
		c.semaphore <- struct{}{}
	}
	return nil
}
