package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/ashureev/euaiact-search/internal/search"
)

// APIError is a non-2xx response from the server routes.
type APIError struct {
	Status  int
	Message string
	Body    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("Request failed (%d)", e.Status)
}

// ColdStartError reports that the vision upstream is still warming up.
type ColdStartError struct {
	Status  int
	Message string
}

func (e *ColdStartError) Error() string {
	return e.Message
}

// IsColdStart reports whether err signals a warming vision upstream.
func IsColdStart(err error) bool {
	var cs *ColdStartError
	return errors.As(err, &cs)
}

// TurnRequest is the body of POST /api/agent.
type TurnRequest struct {
	Message        string   `json:"message"`
	ConversationID string   `json:"conversationId,omitempty"`
	Language       Language `json:"language,omitempty"`
}

// FollowUpRequest is the body of POST /api/agent/followups.
type FollowUpRequest struct {
	UserMessage   string   `json:"userMessage"`
	AgentResponse string   `json:"agentResponse"`
	Language      Language `json:"language,omitempty"`
}

// Client talks to the server routes.
type Client struct {
	baseURL string
	http    *http.Client
	stream  *http.Client
	logger  *slog.Logger
}

// NewClient creates a client for the server at baseURL. timeout bounds
// plain JSON calls. Agent streams and vision uploads are bound only by their
// context, since the server's own cold-start retries can outlast timeout.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		stream:  &http.Client{},
		logger:  logger,
	}
}

// StreamTurn posts a turn to the relay and returns the event stream body.
// The caller must close it.
func (c *Client) StreamTurn(ctx context.Context, req TurnRequest) (io.ReadCloser, error) {
	httpReq, err := c.newJSONRequest(ctx, "/api/agent", req)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("agent request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return nil, &APIError{Status: resp.StatusCode, Message: "No response stream."}
	}
	return resp.Body, nil
}

// AnalyzeImage uploads img to the vision route.
func (c *Client) AnalyzeImage(ctx context.Context, img Image) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	header := make(textproto.MIMEHeader)
	name := img.Name
	if name == "" {
		name = "diagram"
	}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename=%q`, name))
	mimeType := img.MIMEType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	header.Set("Content-Type", mimeType)

	part, err := mw.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("create image part: %w", err)
	}
	if _, err := part.Write(img.Data); err != nil {
		return "", fmt.Errorf("write image part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/vision", &body)
	if err != nil {
		return "", fmt.Errorf("create vision request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.stream.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("vision request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read vision response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var failure struct {
			Error     string `json:"error"`
			ColdStart bool   `json:"coldStart"`
		}
		_ = json.Unmarshal(raw, &failure)
		if failure.ColdStart {
			return "", &ColdStartError{Status: resp.StatusCode, Message: failure.Error}
		}
		msg := failure.Error
		if msg == "" {
			msg = fmt.Sprintf("Vision analysis failed (%d)", resp.StatusCode)
		}
		return "", &APIError{Status: resp.StatusCode, Message: msg, Body: string(raw)}
	}

	var out struct {
		Analysis string `json:"analysis"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode vision response: %w", err)
	}
	if out.Analysis == "" {
		return "", errors.New("vision model returned an empty response")
	}
	return out.Analysis, nil
}

// WarmupVision pings the vision route so the model starts loading. It
// returns "warm" or "waking".
func (c *Client) WarmupVision(ctx context.Context) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/vision/warmup", nil)
	if err != nil {
		return "", fmt.Errorf("create warmup request: %w", err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("warmup request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", readAPIError(resp)
	}

	var out struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode warmup response: %w", err)
	}
	return out.Status, nil
}

// FollowUps fetches suggested next questions. Every failure yields nil.
func (c *Client) FollowUps(ctx context.Context, req FollowUpRequest) []string {
	httpReq, err := c.newJSONRequest(ctx, "/api/agent/followups", req)
	if err != nil {
		c.logger.Debug("Follow-up request build failed", "error", err)
		return nil
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.logger.Debug("Follow-up request failed", "error", err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.logger.Debug("Follow-up request rejected", "status", resp.StatusCode)
		return nil
	}

	var out struct {
		Questions []string `json:"questions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		c.logger.Debug("Follow-up response malformed", "error", err)
		return nil
	}
	return out.Questions
}

// Search runs a query against the search route.
func (c *Client) Search(ctx context.Context, req search.Request) (*search.Response, error) {
	httpReq, err := c.newJSONRequest(ctx, "/api/search", req)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, readAPIError(resp)
	}

	var out search.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return &out, nil
}

func (c *Client) newJSONRequest(ctx context.Context, path string, v any) (*http.Request, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func readAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var failure struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(raw, &failure)
	return &APIError{Status: resp.StatusCode, Message: failure.Error, Body: string(raw)}
}
