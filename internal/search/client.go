package search

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
	defaultSize           = 10
	defaultRankWindowSize = 50
)

var (
	// ErrNotConfigured is returned when no Elasticsearch URL or key is set.
	ErrNotConfigured = errors.New("elasticsearch not configured")

	// ErrIndexNotFound is returned when the demo index does not exist.
	ErrIndexNotFound = errors.New("search index not found")
)

var sourceFields = []string{"article_number", "title", "text", "language", "url"}

// Client is a minimal REST client for Elasticsearch search.
type Client struct {
	url        string
	apiKey     string
	index      string
	rerankerID string
	client     *http.Client
}

// Config configures a Client.
type Config struct {
	URL        string
	APIKey     string
	Index      string
	RerankerID string
	Timeout    time.Duration
}

// NewClient creates a Client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		url:        strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		index:      cfg.Index,
		rerankerID: cfg.RerankerID,
		client:     &http.Client{Timeout: timeout},
	}
}

// Index returns the searched index name.
func (c *Client) Index() string { return c.index }

// Search runs a semantic query filtered to language. With rerank the
// candidates are rescored by the configured reranker inference endpoint.
func (c *Client) Search(ctx context.Context, query, language string, rerank bool) ([]Result, error) {
	if err := c.configured(); err != nil {
		return nil, err
	}

	body := NaiveQuery(query, language, defaultSize)
	if rerank {
		body = RerankQuery(query, language, c.rerankerID, defaultRankWindowSize, defaultSize)
	}

	var resp struct {
		Hits struct {
			Hits []hit `json:"hits"`
		} `json:"hits"`
	}
	if err := c.postJSON(ctx, fmt.Sprintf("%s/%s/_search", c.url, url.PathEscape(c.index)), body, &resp); err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(resp.Hits.Hits))
	for _, h := range resp.Hits.Hits {
		results = append(results, h.result())
	}
	return results, nil
}

// Status reports whether the index exists and how many documents it holds
// per language.
func (c *Client) Status(ctx context.Context) (IndexStatus, error) {
	status := IndexStatus{IndexName: c.index}
	if err := c.configured(); err != nil {
		return status, err
	}

	exists, err := c.indexExists(ctx)
	if err != nil {
		return status, err
	}
	if !exists {
		return status, nil
	}
	status.IndexExists = true

	if status.TotalDocs, err = c.count(ctx, ""); err != nil {
		return status, err
	}
	if status.EnCount, err = c.count(ctx, "en"); err != nil {
		return status, err
	}
	if status.DeCount, err = c.count(ctx, "de"); err != nil {
		return status, err
	}
	return status, nil
}

// NaiveQuery builds a semantic query with a language filter.
func NaiveQuery(query, language string, size int) map[string]any {
	return map[string]any{
		"query":   semanticQuery(query, language),
		"size":    size,
		"_source": sourceFields,
	}
}

// RerankQuery wraps the semantic query in a text_similarity_reranker
// retriever that rescores the top rankWindow candidates.
func RerankQuery(query, language, inferenceID string, rankWindow, size int) map[string]any {
	return map[string]any{
		"retriever": map[string]any{
			"text_similarity_reranker": map[string]any{
				"retriever": map[string]any{
					"standard": map[string]any{
						"query": semanticQuery(query, language),
					},
				},
				"field":            "text",
				"inference_id":     inferenceID,
				"inference_text":   query,
				"rank_window_size": rankWindow,
			},
		},
		"size":    size,
		"_source": sourceFields,
	}
}

func semanticQuery(query, language string) map[string]any {
	return map[string]any{
		"bool": map[string]any{
			"must":   []any{map[string]any{"semantic": map[string]any{"field": "text", "query": query}}},
			"filter": []any{map[string]any{"term": map[string]any{"language": language}}},
		},
	}
}

type hit struct {
	ID     string  `json:"_id"`
	Score  float64 `json:"_score"`
	Source struct {
		ArticleNumber string          `json:"article_number"`
		Title         string          `json:"title"`
		Text          json.RawMessage `json:"text"`
		Language      string          `json:"language"`
		URL           string          `json:"url"`
	} `json:"_source"`
}

func (h hit) result() Result {
	return Result{
		ID:            h.ID,
		ArticleNumber: h.Source.ArticleNumber,
		Title:         h.Source.Title,
		Text:          flattenText(h.Source.Text),
		Score:         h.Score,
		Language:      h.Source.Language,
		URL:           h.Source.URL,
	}
}

// flattenText handles semantic_text fields, which come back as an object
// with the original text under "text".
func flattenText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Text != "" {
		return obj.Text
	}
	return string(raw)
}

func (c *Client) configured() error {
	if c.url == "" || c.apiKey == "" {
		return fmt.Errorf("%w: missing ELASTIC_API_KEY or ELASTICSEARCH_URL", ErrNotConfigured)
	}
	return nil
}

func (c *Client) indexExists(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, fmt.Sprintf("%s/%s", c.url, url.PathEscape(c.index)), nil)
	if err != nil {
		return false, fmt.Errorf("create index request: %w", err)
	}
	c.authorize(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("elasticsearch HEAD %s: %w", c.index, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 300:
		return false, fmt.Errorf("elasticsearch HEAD %s failed: %s", c.index, resp.Status)
	}
	return true, nil
}

func (c *Client) count(ctx context.Context, language string) (int64, error) {
	var body any
	if language != "" {
		body = map[string]any{"query": map[string]any{"term": map[string]any{"language": language}}}
	} else {
		body = map[string]any{"query": map[string]any{"match_all": map[string]any{}}}
	}
	var resp struct {
		Count int64 `json:"count"`
	}
	if err := c.postJSON(ctx, fmt.Sprintf("%s/%s/_count", c.url, url.PathEscape(c.index)), body, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "ApiKey "+c.apiKey)
	}
}

func (c *Client) postJSON(ctx context.Context, endpoint string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode elasticsearch request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create elasticsearch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("elasticsearch POST: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		if resp.StatusCode == http.StatusNotFound && bytes.Contains(raw, []byte("index_not_found")) {
			return fmt.Errorf("%w: %s", ErrIndexNotFound, c.index)
		}
		return fmt.Errorf("elasticsearch POST %s failed: %s: %s", endpoint, resp.Status, bytes.TrimSpace(raw))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode elasticsearch response: %w", err)
		}
	}
	return nil
}

// Ping checks that the cluster is reachable and the index exists.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.configured(); err != nil {
		return err
	}
	exists, err := c.indexExists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrIndexNotFound, c.index)
	}
	return nil
}
