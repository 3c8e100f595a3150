// Package chat implements the conversational client: it drives agent turns
// against the relay routes, folds streamed events into a transcript, and
// coordinates vision pre-analysis of attached diagrams.
package chat

import (
	"encoding/json"
	"errors"
)

// Language selects the answer language of a turn.
type Language string

const (
	LanguageEnglish Language = "en"
	LanguageGerman  Language = "de"
)

// Role identifies who produced a transcript entry.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Status is the progress of an agent entry.
type Status string

// Agent entry statuses. Complete is terminal.
const (
	StatusThinking  Status = "thinking"
	StatusSearching Status = "searching"
	StatusTyping    Status = "typing"
	StatusComplete  Status = "complete"
)

// StepType tags the variant of a Step.
type StepType string

const (
	StepReasoning      StepType = "reasoning"
	StepToolCall       StepType = "tool_call"
	StepToolProgress   StepType = "tool_progress"
	StepToolResult     StepType = "tool_result"
	StepVisionAnalysis StepType = "vlm_analysis"
)

// Image is an attached diagram.
type Image struct {
	Name     string
	MIMEType string
	Data     []byte
}

// TurnInput is one user submission.
type TurnInput struct {
	Text     string
	Image    *Image
	Language Language
}

// Step is one unit of agent activity inside an agent entry.
// Text carries the reasoning, progress message or vision analysis.
type Step struct {
	Type       StepType          `json:"type"`
	Text       string            `json:"text,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	ToolID     string            `json:"tool_id,omitempty"`
	Params     json.RawMessage   `json:"params,omitempty"`
	Results    []json.RawMessage `json:"results,omitempty"`
	IsError    bool              `json:"is_error,omitempty"`
}

// Entry is one transcript row. For agent entries Text is the answer.
type Entry struct {
	Role   Role   `json:"role"`
	Text   string `json:"text"`
	Image  *Image `json:"-"`
	Steps  []Step `json:"steps,omitempty"`
	Status Status `json:"status,omitempty"`
}

// Open reports whether the entry is an agent entry still receiving events.
func (e Entry) Open() bool {
	return e.Role == RoleAgent && e.Status != StatusComplete
}

// TurnError is the user-facing failure of a turn. Message is short; Detail
// holds the raw payload or error chain for diagnosis.
type TurnError struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

func (e *TurnError) Error() string {
	return e.Message
}

var (
	// ErrEmptyTurn is returned when a turn has neither text nor an image.
	ErrEmptyTurn = errors.New("turn has no text and no image")

	// ErrTurnInProgress is returned when a turn is submitted while another is open.
	ErrTurnInProgress = errors.New("a turn is already in progress")
)

const (
	// FallbackAnswer replaces an empty answer once the stream ends.
	FallbackAnswer = "I received your message but could not generate a response. Please try again."

	defaultImagePrompt = "Analyze this system architecture for EU AI Act compliance risks."

	classificationInstruction = "Using the analysis above, identify every AI/ML capability in this system and " +
		"classify each one against the EU AI Act risk categories (prohibited, high-risk, limited-risk, minimal-risk). " +
		"Cite the specific articles that apply."
)

// ComposeMessage builds the outbound agent message. With an analysis the
// message carries the diagram block, the classification instruction and the
// user's question (or a default prompt); without one the text is sent verbatim.
func ComposeMessage(text, analysis string) string {
	if analysis == "" {
		return text
	}
	question := text
	if question == "" {
		question = defaultImagePrompt
	}
	return "[Architecture Diagram Analysis]\n" + analysis +
		"\n\n" + classificationInstruction +
		"\n\n[User Question]\n" + question
}
