package types

import "encoding/json"

// SessionInputKind tags the variant of a SessionInput.
type SessionInputKind string

const (
	InputUserMessage  SessionInputKind = "user_message"
	InputApproveTool  SessionInputKind = "approve_tool"
	InputRejectTool   SessionInputKind = "reject_tool"
	InputAnswer       SessionInputKind = "answer_question"
	InputStop         SessionInputKind = "stop"
)

// SessionInput is the tagged union a frontend sends to a session, per
// spec.md §3. Only the fields relevant to Kind are populated.
type SessionInput struct {
	Kind SessionInputKind `json:"kind"`

	// UserMessage
	Text string `json:"text,omitempty"`

	// ApproveTool / RejectTool
	CallID        string `json:"callID,omitempty"`
	SessionScoped bool   `json:"sessionScoped,omitempty"` // "always approve" vs "once"

	// AnswerQuestion
	RequestID string            `json:"requestID,omitempty"`
	Answers   map[string]string `json:"answers,omitempty"`
}

// SessionOutputKind tags the variant of a SessionOutput.
type SessionOutputKind string

const (
	OutputReady            SessionOutputKind = "ready"
	OutputUserMessageEcho  SessionOutputKind = "user_message_echo"
	OutputThinkingDelta    SessionOutputKind = "thinking"
	OutputTextDelta        SessionOutputKind = "text_delta"
	OutputAssistantMessage SessionOutputKind = "assistant_message"
	OutputToolStart        SessionOutputKind = "tool_start"
	OutputToolPending      SessionOutputKind = "tool_pending"
	OutputToolDone         SessionOutputKind = "tool_done"
	OutputIdle             SessionOutputKind = "idle"
	OutputError            SessionOutputKind = "error"
	OutputStopped          SessionOutputKind = "stopped"
	OutputQuestion         SessionOutputKind = "question"
)

// SessionOutput is the tagged union emitted on the streaming bus for one
// session, per spec.md §3 and §6. Exactly one session publishes into any
// given subscriber set; see internal/event.
type SessionOutput struct {
	Kind      SessionOutputKind `json:"kind"`
	SessionID string            `json:"sessionID"`

	Text    string `json:"text,omitempty"`    // UserMessageEcho, ThinkingDelta, TextDelta, Error
	CallID  string `json:"callID,omitempty"`  // ToolStart, ToolPending, ToolDone
	Tool    string `json:"tool,omitempty"`    // ToolStart
	Success bool   `json:"success,omitempty"` // ToolDone
	Output  string `json:"output,omitempty"`  // ToolDone

	Message *AssistantTurn `json:"message,omitempty"` // AssistantMessage

	RequestID string          `json:"requestID,omitempty"` // Question
	Options   []string        `json:"options,omitempty"`   // Question
	Extra     json.RawMessage `json:"extra,omitempty"`
}

// AssistantTurn is the in-memory shape of one completed assistant turn:
// concatenated text plus the finalized tool-call array, matching spec.md
// §3's Message{Assistant(text, tool_calls[])} variant. Conversation
// persistence stores the richer Message+Part breakdown (pkg/types
// Message/Part); AssistantTurn is what the loop hands to callbacks and the
// event bus mid-turn.
type AssistantTurn struct {
	MessageID string     `json:"messageID"`
	Text      string     `json:"text"`
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
}
