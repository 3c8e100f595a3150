// Package vision calls the vision-language model that describes uploaded
// architecture diagrams.
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/euaiact-search/internal/retry"
)

// SystemPrompt instructs the model to describe data flows without judging them.
const SystemPrompt = "You are a Senior Cloud Architect. Your job is to analyze this system architecture diagram and write a dense, highly detailed technical summary of how data flows through the system. Provide your output as a single, detailed paragraph. You MUST explicitly name every Machine Learning service shown. More importantly, you MUST transcribe any text on the diagram that describes the specific types of data, metadata, labels, or user inputs being processed (for example, if a step says 'extracts X and Y metadata', you must include X and Y in your summary). Do not classify the system or mention regulations. Just describe exactly what the system does and what specific data it touches based on the text in the diagram."

// Warmup states.
const (
	StatusWarm   = "warm"
	StatusWaking = "waking"
)

var (
	// ErrNotConfigured is returned when no API key is set.
	ErrNotConfigured = errors.New("vision API key not configured")

	// ErrColdStart is returned while the model answers with a transient
	// unavailability status.
	ErrColdStart = errors.New("vision model is warming up")

	// ErrEmptyAnalysis is returned when a successful response has no text.
	ErrEmptyAnalysis = errors.New("vision model returned an empty or unexpected response")
)

// StatusError reports a terminal non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("vision model responded %d: %s", e.StatusCode, e.Body)
}

// coldStartStatus reports whether status is in the transient band.
func coldStartStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable:
		return true
	}
	return false
}

// IsColdStart reports whether err is a cold-start failure.
func IsColdStart(err error) bool {
	return errors.Is(err, ErrColdStart)
}

// Config configures a Client.
type Config struct {
	URL           string
	APIKey        string
	Model         string
	Timeout       time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration

	// Sleep overrides the retry wait; tests use it to skip real delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Client calls an OpenAI-compatible chat completions endpoint with image input.
type Client struct {
	url    string
	apiKey string
	model  string
	policy retry.Policy
	client *http.Client
	logger *slog.Logger
}

// NewClient creates a Client. Cold starts are retried with a delay that
// doubles per retry up to RetryMaxDelay.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	policy := retry.Exponential(cfg.MaxRetries, cfg.RetryDelay, 2, cfg.RetryMaxDelay, IsColdStart)
	policy.Sleep = cfg.Sleep
	return &Client{
		url:    cfg.URL,
		apiKey: cfg.APIKey,
		model:  cfg.Model,
		policy: policy,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Enabled reports whether an API key is configured.
func (c *Client) Enabled() bool { return c.apiKey != "" }

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

// Analyze describes the image. Cold-start responses are retried by the
// client's policy; once exhausted the error wraps ErrColdStart.
func (c *Client) Analyze(ctx context.Context, mimeType string, data []byte) (string, error) {
	if !c.Enabled() {
		return "", ErrNotConfigured
	}

	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: SystemPrompt},
				{Type: "image_url", ImageURL: &imageURL{URL: "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)}},
			},
		}},
	}

	var analysis string
	err := c.policy.Do(ctx, func(ctx context.Context, _ int) error {
		var err error
		analysis, err = c.complete(ctx, req)
		return err
	}, func(a retry.Attempt) {
		c.logger.Info("Vision model cold start, retrying",
			"attempt", a.Number,
			"max_attempts", a.Max,
			"delay", a.Delay,
			"error", a.Err,
		)
	})
	if err != nil {
		return "", err
	}
	return analysis, nil
}

// Warmup sends a one-token request so the model starts loading. Transient
// statuses and network errors report StatusWaking.
func (c *Client) Warmup(ctx context.Context) (string, error) {
	if !c.Enabled() {
		return "", ErrNotConfigured
	}
	_, err := c.complete(ctx, chatRequest{
		Model:     c.model,
		Messages:  []chatMessage{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	})
	var statusErr *StatusError
	switch {
	case err == nil, errors.Is(err, ErrEmptyAnalysis), errors.As(err, &statusErr):
		return StatusWarm, nil
	default:
		c.logger.Debug("Vision warmup not ready", "error", err)
		return StatusWaking, nil
	}
}

func (c *Client) complete(ctx context.Context, body chatRequest) (string, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode vision request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("create vision request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("vision request: %w", err)
	}
	defer resp.Body.Close()

	if coldStartStatus(resp.StatusCode) {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("%w (status %d)", ErrColdStart, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return "", &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(raw))}
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEmptyAnalysis, err)
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		return "", ErrEmptyAnalysis
	}
	return out.Choices[0].Message.Content, nil
}
