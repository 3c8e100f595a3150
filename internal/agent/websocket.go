package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/euaiact-search/internal/identity"
	"github.com/coder/websocket"
)

const socketWriteTimeout = 10 * time.Second

// HandleSocket serves GET /ws/agent. Each "turn" message runs one agent
// turn; its frames are sent back as "event" messages, followed by "done"
// or "error". Turns on one socket run one at a time.
func (h *Handler) HandleSocket(w http.ResponseWriter, r *http.Request) {
	clientID := identity.ClientIDFromContext(r.Context())
	slog.Info("Agent socket connection request", "client_id", clientID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "client_id", clientID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "client_id", clientID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "client_id", clientID)
			} else if !errors.Is(err, context.Canceled) {
				slog.Warn("WebSocket read error", "error", err, "client_id", clientID)
			}
			return
		}

		var msg socketMessage
		if err := json.Unmarshal(message, &msg); err != nil || msg.Type != "turn" {
			if err := writeSocket(ctx, ws, socketMessage{Type: "error", Error: "expected a turn message"}); err != nil {
				return
			}
			continue
		}
		if err := h.socketTurn(ctx, ws, clientID, msg); err != nil {
			slog.Debug("WebSocket turn aborted", "error", err, "client_id", clientID)
			return
		}
	}
}

// socketTurn runs one turn. Only socket write failures are returned;
// turn failures are reported to the client.
func (h *Handler) socketTurn(ctx context.Context, ws *websocket.Conn, clientID string, msg socketMessage) error {
	req := TurnRequest{Message: msg.Message, ConversationID: msg.ConversationID, Language: msg.Language}
	if req.Language == "" {
		req.Language = LanguageEnglish
	}
	switch {
	case strings.TrimSpace(req.Message) == "":
		return writeSocket(ctx, ws, socketMessage{Type: "error", Error: `Missing or invalid "message" field`})
	case req.Language != LanguageEnglish && req.Language != LanguageGerman:
		return writeSocket(ctx, ws, socketMessage{Type: "error", Error: `Unsupported "language", use "en" or "de"`})
	case !h.rateLimiter.Allow(clientID):
		return writeSocket(ctx, ws, socketMessage{Type: "error", Error: "Rate limit exceeded. Please wait a moment."})
	}

	frames := 0
	for frame, err := range h.agent.Events(ctx, req) {
		if err != nil {
			_, message := turnFailure(err)
			if frames > 0 {
				message = "Agent stream ended unexpectedly."
			}
			slog.Warn("Agent socket turn failed", "error", err, "client_id", clientID, "frames", frames)
			return writeSocket(ctx, ws, socketMessage{Type: "error", Error: message})
		}
		frames++
		if err := writeSocket(ctx, ws, socketMessage{Type: "event", Event: frame.Event, Data: frame.Data}); err != nil {
			return err
		}
	}
	return writeSocket(ctx, ws, socketMessage{Type: "done"})
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.cfg == nil || h.cfg.IsDevelopment() {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.cfg.FrontendURL == "" || h.cfg.FrontendURL == "*" {
		return true
	}
	if origin == h.cfg.FrontendURL {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.cfg.FrontendURL)
	return false
}

func writeSocket(ctx context.Context, ws *websocket.Conn, msg socketMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, socketWriteTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
