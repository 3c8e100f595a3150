package chat

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/euaiact-search/internal/vision"
	"github.com/go-chi/chi/v5"
)

// The server's cold-start retries take longer than the client's JSON
// timeout; the upload must still come back as a cold start so the
// coordinator can run its own retries.
func TestClientVisionColdStartOutlastsRequestTimeout(t *testing.T) {
	t.Parallel()

	var upstreamCalls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		upstreamCalls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer upstream.Close()

	analyzer := vision.NewClient(vision.Config{
		URL:           upstream.URL,
		APIKey:        "test-key",
		Model:         "jina-vlm",
		Timeout:       time.Second,
		MaxRetries:    2,
		RetryDelay:    150 * time.Millisecond,
		RetryMaxDelay: 300 * time.Millisecond,
	}, nil)
	r := chi.NewRouter()
	vision.NewHandler(analyzer, 0).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	client := NewClient(srv.URL, 300*time.Millisecond, nil)

	var mu sync.Mutex
	var progress []VisionProgress
	coord := NewVisionCoordinator(client, VisionConfig{
		MaxRetries: 2,
		RetryDelay: 10 * time.Second,
		Sleep:      (&fakeClock{}).sleep,
		OnProgress: func(p VisionProgress) {
			mu.Lock()
			progress = append(progress, p)
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := coord.Resolve(ctx, Image{Name: "arch.png", MIMEType: "image/png", Data: []byte("png-bytes")})

	var exhausted *VisionExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected cold-start exhaustion, got %v", err)
	}
	if !IsColdStart(err) {
		t.Fatalf("expected a wrapped cold start, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(progress) != 2 {
		t.Fatalf("expected 2 progress events, got %d", len(progress))
	}
	if got := progress[1].String(); got != "Vision AI is warming up, attempt 2 of 3" {
		t.Fatalf("unexpected progress %q", got)
	}
	// Three client attempts, each retried twice by the server.
	if got := upstreamCalls.Load(); got != 9 {
		t.Fatalf("expected 9 upstream calls, got %d", got)
	}
}
