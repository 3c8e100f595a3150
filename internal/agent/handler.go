package agent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/euaiact-search/internal/api"
	"github.com/ashureev/euaiact-search/internal/config"
	"github.com/ashureev/euaiact-search/internal/identity"
	"github.com/ashureev/euaiact-search/internal/kibana"
	"github.com/ashureev/euaiact-search/internal/sse"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

const (
	// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
	defaultMaxRequestBodySize = 1 << 20 // 1MB
	defaultMaxCaptureBytes    = 1 << 20
	relayChunkSize            = 4 << 10
)

// Handler handles agent HTTP requests.
type Handler struct {
	agent       *Service
	rateLimiter *RateLimiter
	log         ConversationLogger
	cfg         *config.Config
}

// RateLimiter implements a per-client rate limiter.
// The key is the client ID only, not client:session, so clients cannot
// bypass throttling by rotating session IDs.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	stop     chan struct{}
	once     sync.Once
}

// NewRateLimiter creates a new rate limiter and starts the background eviction goroutine.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		stop:     make(chan struct{}),
	}
	rl.startEviction()
	return rl
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// Stop ends the eviction goroutine.
func (r *RateLimiter) Stop() {
	r.once.Do(func() { close(r.stop) })
}

// startEviction runs a background goroutine that periodically removes expired
// keys from the requests map, preventing unbounded memory growth.
func (r *RateLimiter) startEviction() {
	go func() {
		ticker := time.NewTicker(r.window)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
			}
			r.mu.Lock()
			cutoff := time.Now().Add(-r.window)
			for key, times := range r.requests {
				var fresh []time.Time
				for _, t := range times {
					if t.After(cutoff) {
						fresh = append(fresh, t)
					}
				}
				if len(fresh) == 0 {
					delete(r.requests, key)
				} else {
					r.requests[key] = fresh
				}
			}
			r.mu.Unlock()
		}
	}()
}

// NewHandler creates an agent handler.
func NewHandler(agentService *Service, conversationLogger ConversationLogger, cfg *config.Config) *Handler {
	if conversationLogger == nil {
		conversationLogger = noopConversationLogger{}
	}

	// Use config values if available, otherwise use defaults
	rateLimitRequests := 20
	rateLimitWindow := time.Minute

	if cfg != nil {
		rateLimitRequests = cfg.RateLimit.RequestsPerWindow
		rateLimitWindow = cfg.RateLimit.WindowDuration
	}

	return &Handler{
		agent:       agentService,
		rateLimiter: NewRateLimiter(rateLimitRequests, rateLimitWindow),
		log:         conversationLogger,
		cfg:         cfg,
	}
}

// RegisterRoutes registers agent routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/agent", func(r chi.Router) {
		r.Post("/", h.HandleTurn)
		r.Post("/followups", h.HandleFollowUps)
		r.Get("/", methodNotAllowed)
	})
	r.Get("/ws/agent", h.HandleSocket)
}

// Close releases handler resources.
func (h *Handler) Close() {
	h.rateLimiter.Stop()
	if h.log != nil {
		if err := h.log.Close(); err != nil {
			slog.Warn("failed to close conversation logger", "error", err)
		}
	}
}

func methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	api.Error(w, http.StatusMethodNotAllowed, "Method not allowed. Use POST.")
}

// HandleTurn handles POST /api/agent. The upstream event stream is copied
// to the client byte for byte.
//
//nolint:gocyclo // Validation and streaming branches are kept inline to preserve request flow.
func (h *Handler) HandleTurn(w http.ResponseWriter, r *http.Request) {
	var req TurnRequest
	if err := api.DecodeJSON(w, r, h.maxBodySize(), &req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			api.Error(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		api.Error(w, http.StatusBadRequest, `Missing or invalid "message" field`)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		api.Error(w, http.StatusBadRequest, `Missing or invalid "message" field`)
		return
	}
	if req.Language == "" {
		req.Language = LanguageEnglish
	}
	if req.Language != LanguageEnglish && req.Language != LanguageGerman {
		api.Error(w, http.StatusBadRequest, `Unsupported "language", use "en" or "de"`)
		return
	}

	clientID := identity.ClientIDFromContext(r.Context())
	if !h.rateLimiter.Allow(clientID) {
		api.Error(w, http.StatusTooManyRequests, "Rate limit exceeded. Please wait a moment.")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		api.Error(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	reqID := chiMiddleware.GetReqID(r.Context())
	sessionID := req.ConversationID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	slog.Info("Agent turn request",
		"client_id", clientID,
		"conversation_id", req.ConversationID,
		"language", req.Language,
		"message_length", len(req.Message),
		"request_id", reqID,
	)
	body, err := h.agent.Turn(r.Context(), req)
	if err != nil {
		status, message := turnFailure(err)
		slog.Error("Agent request failed", "error", err, "status", status, "request_id", reqID)
		h.logUserMessage(clientID, sessionID, req, reqID)
		api.Error(w, status, message)
		return
	}
	defer body.Close()

	sse.SetHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	capture := &boundedBuffer{limit: h.maxCaptureBytes()}
	chunks, relayErr := relay(w, flusher, body, capture)
	if relayErr != nil {
		slog.Warn("Agent stream relay ended early", "error", relayErr, "chunks", chunks, "request_id", reqID)
	}

	conversationID, answer := summarizeStream(capture.Bytes())
	if req.ConversationID == "" && conversationID != "" {
		sessionID = conversationID
	}
	h.logUserMessage(clientID, sessionID, req, reqID)
	h.logAssistantMessage(clientID, sessionID, answer, chunks, relayErr, capture.truncated, reqID)
}

const streamInterruptedPayload = `{"message":"The agent stream was interrupted. Please try again."}`

// relay copies src to w, flushing after every chunk. Read and write
// failures end the relay and are returned for logging only; a read failure
// also appends an error event.
func relay(w io.Writer, flusher http.Flusher, src io.Reader, capture io.Writer) (int, error) {
	buf := make([]byte, relayChunkSize)
	chunks := 0
	for {
		n, err := src.Read(buf)
		if n > 0 {
			chunks++
			_, _ = capture.Write(buf[:n])
			if _, werr := w.Write(buf[:n]); werr != nil {
				return chunks, fmt.Errorf("write to client: %w", werr)
			}
			flusher.Flush()
		}
		if errors.Is(err, io.EOF) {
			return chunks, nil
		}
		if err != nil {
			// Terminate any partial block, then tell the client the answer is cut short.
			if _, werr := io.WriteString(w, "\n\n"); werr == nil {
				_ = sse.Write(w, "error", streamInterruptedPayload)
				flusher.Flush()
			}
			return chunks, fmt.Errorf("read upstream: %w", err)
		}
	}
}

// turnFailure maps an upstream error to the status and message returned
// to the client.
func turnFailure(err error) (int, string) {
	var statusErr *kibana.StatusError
	switch {
	case errors.Is(err, kibana.ErrNotConfigured):
		return http.StatusServiceUnavailable, "Agent Builder is not configured. Set ELASTICSEARCH_URL (or KIBANA_URL) and ELASTIC_API_KEY."
	case errors.As(err, &statusErr):
		status := statusErr.StatusCode
		if status >= 500 {
			status = http.StatusBadGateway
		}
		return status, fmt.Sprintf("Agent request failed (%d).", statusErr.StatusCode)
	case errors.Is(err, kibana.ErrEmptyStream):
		return http.StatusBadGateway, "No response stream from Agent Builder."
	default:
		return http.StatusBadGateway, "Could not reach Agent Builder."
	}
}

// HandleFollowUps handles POST /api/agent/followups. Upstream failures
// always answer 200 with an empty list.
func (h *Handler) HandleFollowUps(w http.ResponseWriter, r *http.Request) {
	var req FollowUpRequest
	if err := api.DecodeJSON(w, r, h.maxBodySize(), &req); err != nil || req.UserMessage == "" || req.AgentResponse == "" {
		api.Error(w, http.StatusBadRequest, "Missing required fields: userMessage, agentResponse")
		return
	}

	questions := h.agent.FollowUps(r.Context(), req)
	slog.Debug("Follow-ups generated", "count", len(questions), "request_id", chiMiddleware.GetReqID(r.Context()))
	api.JSON(w, http.StatusOK, FollowUpResponse{Questions: questions})
}

// logUserMessage runs once the conversation id is known so both sides of a
// new conversation land in the same log file.
func (h *Handler) logUserMessage(clientID, sessionID string, req TurnRequest, requestID string) {
	h.log.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     clientID,
		SessionID:  sessionID,
		Channel:    "agent_http",
		Direction:  "outbound",
		EventType:  "agent_user_message",
		ContentRaw: req.Message,
		Content:    cleanForReadability(req.Message),
		Meta: map[string]any{
			"request_id": requestID,
			"language":   req.Language,
		},
	})
}

func (h *Handler) logAssistantMessage(clientID, sessionID, content string, chunks int, relayErr error, truncated bool, requestID string) {
	streamErrMsg := ""
	if relayErr != nil {
		streamErrMsg = relayErr.Error()
	}
	h.log.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     clientID,
		SessionID:  sessionID,
		Channel:    "agent_http",
		Direction:  "inbound",
		EventType:  "agent_assistant_message",
		ContentRaw: content,
		Content:    cleanForReadability(content),
		Meta: map[string]any{
			"stream_chunks":     chunks,
			"partial":           relayErr != nil,
			"stream_error":      streamErrMsg,
			"capture_truncated": truncated,
			"request_id":        requestID,
		},
	})
}

func (h *Handler) maxBodySize() int64 {
	if h.cfg != nil && h.cfg.SSE.MaxRequestBodySize > 0 {
		return h.cfg.SSE.MaxRequestBodySize
	}
	return defaultMaxRequestBodySize
}

func (h *Handler) maxCaptureBytes() int {
	if h.cfg != nil && h.cfg.SSE.MaxCaptureBytes > 0 {
		return h.cfg.SSE.MaxCaptureBytes
	}
	return defaultMaxCaptureBytes
}

// boundedBuffer keeps the first limit bytes written to it.
type boundedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.truncated = true
		b.buf.Write(p[:room])
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *boundedBuffer) Bytes() []byte { return b.buf.Bytes() }

// streamPayload holds the fields the relay reads back for logging. Payloads
// carry them flat or under a "data" envelope.
type streamPayload struct {
	ConversationID string         `json:"conversation_id"`
	TextChunk      string         `json:"text_chunk"`
	Data           *streamPayload `json:"data"`
}

// summarizeStream extracts the conversation id and answer text from a
// captured event stream.
func summarizeStream(raw []byte) (conversationID, answer string) {
	var text strings.Builder
	for frame, err := range sse.Frames(bytes.NewReader(raw)) {
		if err != nil {
			break
		}
		var p streamPayload
		if err := json.Unmarshal([]byte(frame.Data), &p); err != nil {
			continue
		}
		if p.Data != nil {
			p = *p.Data
		}
		if conversationID == "" && p.ConversationID != "" {
			conversationID = p.ConversationID
		}
		text.WriteString(p.TextChunk)
	}
	return conversationID, text.String()
}
