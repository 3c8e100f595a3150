// Package kibana talks to the Kibana Agent Builder and actions APIs.
package kibana

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	converseAsyncPath = "/api/agent_builder/converse/async"
	statusPath        = "/api/status"
	maxErrorBody      = 8 << 10
)

var (
	// ErrNotConfigured is returned when no Kibana URL or API key is set.
	ErrNotConfigured = errors.New("kibana not configured")

	// ErrEmptyStream is returned when a converse call succeeds without a body.
	ErrEmptyStream = errors.New("no response stream from agent builder")
)

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("kibana responded %d: %s", e.StatusCode, e.Body)
}

// Config configures a Client.
type Config struct {
	BaseURL     string
	APIKey      string
	AgentID     string
	ConnectorID string
	Timeout     time.Duration
}

// ConverseRequest is one turn sent to the agent.
type ConverseRequest struct {
	Input          string
	ConversationID string
}

// Client calls Kibana with API key authentication.
type Client struct {
	baseURL     string
	apiKey      string
	agentID     string
	connectorID string
	client      *http.Client
	stream      *http.Client
}

// NewClient creates a Client. Streaming calls are bounded only by their
// context so long agent turns are not cut off.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		agentID:     cfg.AgentID,
		connectorID: cfg.ConnectorID,
		client:      &http.Client{Timeout: timeout},
		stream:      &http.Client{},
	}
}

// AgentID returns the agent every turn is addressed to.
func (c *Client) AgentID() string { return c.agentID }

// Converse starts an agent turn and returns the upstream event stream. The
// caller must close the returned body.
func (c *Client) Converse(ctx context.Context, req ConverseRequest) (io.ReadCloser, error) {
	if err := c.configured(); err != nil {
		return nil, err
	}

	payload := map[string]string{
		"input":        req.Input,
		"agent_id":     c.agentID,
		"connector_id": c.connectorID,
	}
	if req.ConversationID != "" {
		payload["conversation_id"] = req.ConversationID
	}

	httpReq, err := c.newRequest(ctx, http.MethodPost, converseAsyncPath, payload)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("agent builder converse: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	if resp.Body == nil || resp.Body == http.NoBody || resp.ContentLength == 0 {
		if resp.Body != nil {
			_ = resp.Body.Close()
		}
		return nil, ErrEmptyStream
	}
	return resp.Body, nil
}

// Complete sends a single user prompt through the configured connector's
// unified completion and returns the model's text.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	if err := c.configured(); err != nil {
		return "", err
	}

	payload := map[string]any{
		"params": map[string]any{
			"subAction": "unified_completion",
			"subActionParams": map[string]any{
				"body": map[string]any{
					"messages": []map[string]string{{"role": "user", "content": prompt}},
				},
			},
		},
	}
	path := "/api/actions/connector/" + url.PathEscape(c.connectorID) + "/_execute"
	httpReq, err := c.newRequest(ctx, http.MethodPost, path, payload)
	if err != nil {
		return "", err
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("execute connector %s: %w", c.connectorID, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return "", err
	}

	var out struct {
		Data struct {
			Message string `json:"message"`
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode connector response: %w", err)
	}
	if out.Data.Message != "" {
		return out.Data.Message, nil
	}
	if len(out.Data.Choices) > 0 {
		return out.Data.Choices[0].Message.Content, nil
	}
	return "", nil
}

// Ping checks that Kibana is reachable with the configured key.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.configured(); err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodGet, statusPath, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("kibana status: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) configured() error {
	if c.baseURL == "" || c.apiKey == "" {
		return fmt.Errorf("%w: missing ELASTIC_API_KEY or KIBANA_URL", ErrNotConfigured)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode kibana request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create kibana request: %w", err)
	}
	req.Header.Set("Authorization", "ApiKey "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("kbn-xsrf", "true")
	req.Header.Set("x-elastic-internal-origin", "kibana")
	return req, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
	return &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(raw))}
}
