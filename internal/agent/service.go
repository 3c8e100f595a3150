package agent

import (
	"context"
	"encoding/json"
	"io"
	"iter"
	"log/slog"
	"regexp"
	"strings"

	"github.com/ashureev/euaiact-search/internal/kibana"
	"github.com/ashureev/euaiact-search/internal/sse"
)

const (
	defaultMaxResponseChars = 1500
	maxFollowUps            = 3
)

var jsonArrayPattern = regexp.MustCompile(`\[[\s\S]*\]`)

// Service provides agent turns and follow-up suggestions on top of an Upstream.
type Service struct {
	upstream         Upstream
	maxResponseChars int
	logger           *slog.Logger
}

// NewService creates a Service. maxResponseChars bounds how much of the
// agent's answer is quoted in the follow-up prompt.
func NewService(upstream Upstream, maxResponseChars int, logger *slog.Logger) *Service {
	if maxResponseChars <= 0 {
		maxResponseChars = defaultMaxResponseChars
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{upstream: upstream, maxResponseChars: maxResponseChars, logger: logger}
}

// Turn starts an agent turn and returns the upstream event stream unchanged.
func (s *Service) Turn(ctx context.Context, req TurnRequest) (io.ReadCloser, error) {
	return s.upstream.Converse(ctx, kibana.ConverseRequest{
		Input:          AgentInput(req.Message, req.Language),
		ConversationID: req.ConversationID,
	})
}

// Events starts an agent turn and yields its decoded frames.
func (s *Service) Events(ctx context.Context, req TurnRequest) iter.Seq2[sse.Frame, error] {
	return func(yield func(sse.Frame, error) bool) {
		body, err := s.Turn(ctx, req)
		if err != nil {
			yield(sse.Frame{}, err)
			return
		}
		defer body.Close()
		for frame, err := range sse.Frames(body) {
			if !yield(frame, err) || err != nil {
				return
			}
		}
	}
}

// FollowUps asks the connector for next questions. Any failure yields an
// empty list.
func (s *Service) FollowUps(ctx context.Context, req FollowUpRequest) []string {
	prompt := BuildFollowUpPrompt(req.UserMessage, req.AgentResponse, req.Language, s.maxResponseChars)
	content, err := s.upstream.Complete(ctx, prompt)
	if err != nil {
		s.logger.Warn("Follow-up connector call failed", "error", err)
		return []string{}
	}
	if content == "" {
		s.logger.Warn("Follow-up connector returned no content")
		return []string{}
	}
	questions := ParseFollowUps(content)
	if len(questions) == 0 {
		s.logger.Debug("Follow-up content had no usable question list", "content", preview(content, 200))
	}
	return questions
}

// AgentInput trims the message and adds the German directive when needed.
func AgentInput(message, language string) string {
	input := strings.TrimSpace(message)
	if language == LanguageGerman {
		input = germanDirective + input
	}
	return input
}

// BuildFollowUpPrompt builds the single-message prompt for follow-up questions.
func BuildFollowUpPrompt(userMessage, agentResponse, language string, maxChars int) string {
	lines := []string{
		"Based on this conversation about EU AI Act compliance:",
		"",
		`User asked: "` + userMessage + `"`,
		"",
		`Advisor responded: "` + truncate(agentResponse, maxChars) + `"`,
		"",
		"Generate exactly 3 short follow-up questions the user might want to ask next.",
		"Each question should be specific to the topics, services, or articles discussed — not generic.",
		"Return ONLY a JSON array of 3 strings, no other text.",
	}
	if language == LanguageGerman {
		lines = append(lines, "Write the questions in German.")
	}

	kept := lines[:0]
	for _, l := range lines {
		if l != "" {
			kept = append(kept, l)
		}
	}
	return strings.Join(kept, "\n")
}

// ParseFollowUps extracts up to three non-blank strings from the first
// JSON array found in content.
func ParseFollowUps(content string) []string {
	questions := []string{}
	match := jsonArrayPattern.FindString(content)
	if match == "" {
		return questions
	}
	var items []any
	if err := json.Unmarshal([]byte(match), &items); err != nil {
		return questions
	}
	for _, item := range items {
		q, ok := item.(string)
		if !ok || strings.TrimSpace(q) == "" {
			continue
		}
		questions = append(questions, q)
		if len(questions) == maxFollowUps {
			break
		}
	}
	return questions
}

func truncate(s string, maxChars int) string {
	r := []rune(s)
	if len(r) <= maxChars {
		return s
	}
	return string(r[:maxChars]) + "..."
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
