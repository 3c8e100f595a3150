package kibana

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestConverseSendsAgentPayload(t *testing.T) {
	t.Parallel()

	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/agent_builder/converse/async" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		for header, want := range map[string]string{
			"Authorization":             "ApiKey secret",
			"kbn-xsrf":                  "true",
			"x-elastic-internal-origin": "kibana",
			"Content-Type":              "application/json",
		} {
			if v := r.Header.Get(header); v != want {
				t.Errorf("header %s = %q, want %q", header, v, want)
			}
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: message_chunk\ndata: {\"text_chunk\":\"Hi\"}\n\n")
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL + "/", APIKey: "secret", AgentID: "eu-ai-act-compliance-agent", ConnectorID: "OpenAI-GPT-4-1-Mini"})
	body, err := c.Converse(context.Background(), ConverseRequest{Input: "Is emotion recognition allowed?", ConversationID: "conv-1"})
	if err != nil {
		t.Fatalf("Converse failed: %v", err)
	}
	defer body.Close()

	raw, _ := io.ReadAll(body)
	if string(raw) != "event: message_chunk\ndata: {\"text_chunk\":\"Hi\"}\n\n" {
		t.Fatalf("stream not passed through: %q", raw)
	}
	if got["agent_id"] != "eu-ai-act-compliance-agent" || got["connector_id"] != "OpenAI-GPT-4-1-Mini" {
		t.Errorf("unexpected payload %v", got)
	}
	if got["conversation_id"] != "conv-1" || got["input"] != "Is emotion recognition allowed?" {
		t.Errorf("unexpected payload %v", got)
	}
}

func TestConverseOmitsEmptyConversationID(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, "data: {}\n\n")
	}))
	defer srv.Close()

	body, err := NewClient(Config{BaseURL: srv.URL, APIKey: "k"}).Converse(context.Background(), ConverseRequest{Input: "hi"})
	if err != nil {
		t.Fatalf("Converse failed: %v", err)
	}
	_ = body.Close()
	if _, ok := got["conversation_id"]; ok {
		t.Fatalf("conversation_id must be omitted for a new conversation, got %v", got)
	}
}

func TestConverseStatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, "kibana is restarting")
	}))
	defer srv.Close()

	_, err := NewClient(Config{BaseURL: srv.URL, APIKey: "k"}).Converse(context.Background(), ConverseRequest{Input: "hi"})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusServiceUnavailable || statusErr.Body != "kibana is restarting" {
		t.Fatalf("unexpected status error %+v", statusErr)
	}
}

func TestConverseEmptyStream(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err := NewClient(Config{BaseURL: srv.URL, APIKey: "k"}).Converse(context.Background(), ConverseRequest{Input: "hi"})
	if !errors.Is(err, ErrEmptyStream) {
		t.Fatalf("expected ErrEmptyStream, got %v", err)
	}
}

func TestCompleteReadsEitherShape(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "message", body: `{"data":{"message":"[\"a\"]"}}`, want: `["a"]`},
		{name: "choices", body: `{"data":{"choices":[{"message":{"content":"[\"b\"]"}}]}}`, want: `["b"]`},
		{name: "neither", body: `{"data":{}}`, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sub string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/actions/connector/OpenAI-GPT-4-1-Mini/_execute" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				var req struct {
					Params struct {
						SubAction string `json:"subAction"`
					} `json:"params"`
				}
				_ = json.NewDecoder(r.Body).Decode(&req)
				sub = req.Params.SubAction
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			got, err := NewClient(Config{BaseURL: srv.URL, APIKey: "k", ConnectorID: "OpenAI-GPT-4-1-Mini"}).Complete(context.Background(), "prompt")
			if err != nil {
				t.Fatalf("Complete failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
			if sub != "unified_completion" {
				t.Errorf("unexpected subAction %q", sub)
			}
		})
	}
}

func TestClientNotConfigured(t *testing.T) {
	t.Parallel()

	c := NewClient(Config{})
	if _, err := c.Converse(context.Background(), ConverseRequest{Input: "hi"}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Converse: expected ErrNotConfigured, got %v", err)
	}
	if _, err := c.Complete(context.Background(), "hi"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Complete: expected ErrNotConfigured, got %v", err)
	}
	if err := c.Ping(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Ping: expected ErrNotConfigured, got %v", err)
	}
}
