// Package chat implements the persona chat pipeline: the bounded
// tool-calling generation loop and the orchestrator that fronts it with
// the semantic cache.
package chat

import "encoding/json"

// EventType discriminates the stream event union.
type EventType string

const (
	// EventThinking carries model reasoning, either native reasoning
	// output or text inside <think> tags. Clients may hide it.
	EventThinking EventType = "thinking"
	// EventContent carries user-visible answer text.
	EventContent EventType = "content"
	// EventToolCall reports tool invocation lifecycle transitions.
	EventToolCall EventType = "tool_call"
	// EventError is terminal; nothing follows it on the stream.
	EventError EventType = "error"
)

// ToolCallStatus is the lifecycle stage of one tool invocation.
type ToolCallStatus string

const (
	ToolCallStarted   ToolCallStatus = "started"
	ToolCallCompleted ToolCallStatus = "completed"
	ToolCallFailed    ToolCallStatus = "failed"
)

// Error codes carried by EventError.
const (
	ErrCodeModelFailure      = "MODEL_FAILURE"
	ErrCodeMaxRoundsExceeded = "MAX_ROUNDS_EXCEEDED"
)

// ToolCallInfo describes one tool invocation as seen by the client.
// Arguments and Result are populated from the completed/failed
// transition onward.
type ToolCallInfo struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Status    ToolCallStatus  `json:"status"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    string          `json:"result,omitempty"`
}

// ErrorInfo is the payload of a terminal error event.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StreamEvent is one element of the chat event stream. Exactly the
// fields implied by Type are set.
type StreamEvent struct {
	Type     EventType     `json:"type"`
	Content  string        `json:"content,omitempty"`
	ToolCall *ToolCallInfo `json:"tool_call,omitempty"`
	Error    *ErrorInfo    `json:"error,omitempty"`
}

func thinkingEvent(text string) StreamEvent {
	return StreamEvent{Type: EventThinking, Content: text}
}

func contentEvent(text string) StreamEvent {
	return StreamEvent{Type: EventContent, Content: text}
}

func errorEvent(code, message string) StreamEvent {
	return StreamEvent{Type: EventError, Error: &ErrorInfo{Code: code, Message: message}}
}
