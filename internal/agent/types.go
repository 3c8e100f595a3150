// Package agent relays compliance questions to the upstream agent and
// suggests follow-up questions.
package agent

// Languages the agent can answer in.
const (
	LanguageEnglish = "en"
	LanguageGerman  = "de"
)

// germanDirective is prepended to German turns so the agent searches and
// cites German article text.
const germanDirective = `[Language: German / Deutsch. Search with language="de" to get German-language EU AI Act articles. Respond in German and cite German article URLs.]` + "\n\n"

// TurnRequest is the body of POST /api/agent.
type TurnRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId,omitempty"`
	Language       string `json:"language,omitempty"`
}

// FollowUpRequest is the body of POST /api/agent/followups.
type FollowUpRequest struct {
	UserMessage   string `json:"userMessage"`
	AgentResponse string `json:"agentResponse"`
	Language      string `json:"language,omitempty"`
}

// FollowUpResponse carries up to three suggested questions.
type FollowUpResponse struct {
	Questions []string `json:"questions"`
}

// socketMessage is one frame exchanged over /ws/agent. Clients send
// type "turn"; the server answers with "event" frames followed by "done"
// or "error".
type socketMessage struct {
	Type           string `json:"type"`
	Message        string `json:"message,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Language       string `json:"language,omitempty"`
	Event          string `json:"event,omitempty"`
	Data           string `json:"data,omitempty"`
	Error          string `json:"error,omitempty"`
}
