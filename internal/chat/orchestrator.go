package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/euaiact-search/internal/sse"
	"github.com/google/uuid"
)

// Relay opens the agent event stream for one turn.
type Relay interface {
	StreamTurn(ctx context.Context, req TurnRequest) (io.ReadCloser, error)
}

// FollowUpSource suggests next questions. It never fails; no suggestions is nil.
type FollowUpSource interface {
	FollowUps(ctx context.Context, req FollowUpRequest) []string
}

// OrchestratorConfig wires an Orchestrator.
type OrchestratorConfig struct {
	Relay     Relay
	FollowUps FollowUpSource
	Vision    *VisionCoordinator

	// OnUpdate is called after every change to the session, from the
	// goroutine that made it.
	OnUpdate func(*Session)

	// FollowUpTimeout bounds the background follow-up fetch.
	FollowUpTimeout time.Duration

	Logger *slog.Logger
}

// Orchestrator drives agent turns end to end.
type Orchestrator struct {
	relay           Relay
	followUps       FollowUpSource
	vision          *VisionCoordinator
	onUpdate        func(*Session)
	followUpTimeout time.Duration
	logger          *slog.Logger

	wg sync.WaitGroup
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.FollowUpTimeout <= 0 {
		cfg.FollowUpTimeout = 30 * time.Second
	}
	return &Orchestrator{
		relay:           cfg.Relay,
		followUps:       cfg.FollowUps,
		vision:          cfg.Vision,
		onUpdate:        cfg.OnUpdate,
		followUpTimeout: cfg.FollowUpTimeout,
		logger:          cfg.Logger,
	}
}

// Wait blocks until background follow-up fetches have finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// SubmitTurn runs one turn against sess. It returns ErrEmptyTurn or
// ErrTurnInProgress without touching the session; any other failure is also
// recorded on the session as a TurnError. Cancelling ctx aborts the turn.
func (o *Orchestrator) SubmitTurn(ctx context.Context, sess *Session, in TurnInput) error {
	text := strings.TrimSpace(in.Text)
	if text == "" && in.Image == nil {
		return ErrEmptyTurn
	}

	turnID := uuid.NewString()
	if err := sess.beginTurn(turnID, Entry{Role: RoleUser, Text: text, Image: in.Image}); err != nil {
		return err
	}
	defer func() {
		sess.endTurn()
		o.notify(sess)
	}()
	o.notify(sess)

	logger := o.logger.With("turn_id", turnID)

	var analysis string
	if in.Image != nil {
		var err error
		analysis, err = o.resolveVision(ctx, *in.Image)
		if err != nil {
			logger.Warn("Vision analysis failed", "error", err)
			sess.setError(turnErrorFrom(err))
			return err
		}
	}

	var seed []Step
	if analysis != "" {
		seed = []Step{{Type: StepVisionAnalysis, Text: analysis}}
	}
	idx := sess.openAgent(seed)
	o.notify(sess)

	answer, err := o.stream(ctx, sess, idx, TurnRequest{
		Message:        ComposeMessage(text, analysis),
		ConversationID: sess.ConversationID(),
		Language:       in.Language,
	}, logger)
	if err != nil {
		logger.Warn("Agent turn failed", "error", err)
		sess.abandonAgent(idx, len(seed))
		sess.setError(turnErrorFrom(err))
		return err
	}

	sess.complete(idx, FallbackAnswer)
	logger.Info("Agent turn complete", "answer_length", len(answer))

	if answer != "" && o.followUps != nil {
		o.fetchFollowUps(sess, turnID, FollowUpRequest{
			UserMessage:   text,
			AgentResponse: answer,
			Language:      in.Language,
		})
	}
	return nil
}

func (o *Orchestrator) resolveVision(ctx context.Context, img Image) (string, error) {
	if o.vision == nil {
		return "", errors.New("image attached but no vision analyzer is configured")
	}
	return o.vision.Resolve(ctx, img)
}

// stream relays the turn and folds its events into the agent entry at idx.
// It returns the streamed answer text.
func (o *Orchestrator) stream(ctx context.Context, sess *Session, idx int, req TurnRequest, logger *slog.Logger) (string, error) {
	body, err := o.relay.StreamTurn(ctx, req)
	if err != nil {
		return "", err
	}
	defer body.Close()

	var answer strings.Builder
	for frame, err := range sse.Frames(body) {
		if err != nil {
			return answer.String(), fmt.Errorf("read agent stream: %w", err)
		}

		ev, err := decodeEvent(frame.Data)
		if err != nil {
			logger.Debug("Skipping malformed frame", "event", frame.Event, "error", err)
			continue
		}
		if chunk := o.apply(sess, idx, frame.Event, ev, logger); chunk != "" {
			answer.WriteString(chunk)
		}
		o.notify(sess)
	}
	return answer.String(), nil
}

// apply folds one event into the session and returns any answer text it carried.
func (o *Orchestrator) apply(sess *Session, idx int, name string, ev event, logger *slog.Logger) string {
	switch name {
	case EventConversationIDSet:
		if sess.setConversationID(ev.ConversationID) {
			logger.Debug("Conversation id set", "conversation_id", ev.ConversationID)
		}
	case EventReasoning:
		if ev.Reasoning != "" {
			sess.appendStep(idx, Step{Type: StepReasoning, Text: ev.Reasoning}, StatusThinking)
		}
	case EventToolCall:
		sess.appendStep(idx, Step{
			Type:       StepToolCall,
			ToolCallID: ev.ToolCallID,
			ToolID:     ev.ToolID,
			Params:     ev.Params,
		}, StatusSearching)
	case EventToolProgress:
		if ev.Message != "" {
			sess.appendStep(idx, Step{Type: StepToolProgress, Text: ev.Message}, "")
		}
	case EventToolResult:
		sess.appendStep(idx, Step{
			Type:       StepToolResult,
			ToolCallID: ev.ToolCallID,
			ToolID:     ev.ToolID,
			Results:    ev.Results,
			IsError:    resultsHaveError(ev.Results),
		}, "")
	case EventMessageChunk:
		if ev.TextChunk != "" {
			sess.appendText(idx, ev.TextChunk)
			return ev.TextChunk
		}
	case EventError:
		msg := ev.Message
		if msg == "" {
			msg = "An error occurred."
		}
		sess.setError(&TurnError{Message: msg, Detail: indentJSON(ev.raw)})
	default:
		logger.Debug("Ignoring unknown event", "event", name)
	}
	return ""
}

func (o *Orchestrator) fetchFollowUps(sess *Session, turnID string, req FollowUpRequest) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), o.followUpTimeout)
		defer cancel()

		questions := o.followUps.FollowUps(ctx, req)
		if len(questions) == 0 {
			return
		}
		if !sess.setFollowUps(turnID, questions) {
			o.logger.Debug("Discarding stale follow-ups", "turn_id", turnID)
			return
		}
		o.notify(sess)
	}()
}

func (o *Orchestrator) notify(sess *Session) {
	if o.onUpdate != nil {
		o.onUpdate(sess)
	}
}

// turnErrorFrom converts err into the user-facing TurnError.
func turnErrorFrom(err error) *TurnError {
	var te *TurnError
	if errors.As(err, &te) {
		return te
	}

	msg := err.Error()
	detail := err.Error()

	var apiErr *APIError
	var exhausted *VisionExhaustedError
	switch {
	case errors.As(err, &exhausted):
		msg = exhausted.Error()
	case errors.As(err, &apiErr):
		msg = apiErr.Error()
		if apiErr.Body != "" {
			detail = fmt.Sprintf("%s\nstatus %d: %s", detail, apiErr.Status, apiErr.Body)
		}
	case errors.Is(err, context.Canceled):
		msg = "Request cancelled."
	case errors.Is(err, context.DeadlineExceeded):
		msg = "Request timed out."
	}
	return &TurnError{Message: msg, Detail: detail}
}
