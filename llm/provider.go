// Package llm defines the model capability contract: messages, tool
// schemas, streaming chunks, and the Provider interface the generation
// loop drives. It has no dependencies on other chatty packages.
package llm

import (
	"context"
	"encoding/json"
	"time"
)

// ErrorCode classifies model-capability failures for retry and
// surfacing decisions.
type ErrorCode string

const (
	ErrInvalidRequest  ErrorCode = "LLM_INVALID_REQUEST"
	ErrUnauthorized    ErrorCode = "LLM_UNAUTHORIZED"
	ErrRateLimited     ErrorCode = "LLM_RATE_LIMITED"
	ErrUpstreamTimeout ErrorCode = "LLM_UPSTREAM_TIMEOUT"
	ErrUpstreamError   ErrorCode = "LLM_UPSTREAM_ERROR"
)

// Error is the typed failure returned by providers. It always surfaces
// as a terminal MODEL_FAILURE at the event-stream boundary; Retryable
// only informs provider-internal retry policy.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
}

func (e *Error) Error() string { return e.Message }

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a tool invocation requested by the model. In stream
// deltas, Index identifies which in-flight call a fragment belongs to
// and Arguments may hold a partial JSON fragment until the turn
// completes.
type ToolCall struct {
	Index     int             `json:"index,omitempty"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is one conversation turn. A turn with Role == RoleTool links
// back to its invocation via ToolCallID.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	Reasoning  string     `json:"reasoning,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolSchema describes a tool to the model (Parameters is JSON Schema).
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []Message     `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
	TopP        float32       `json:"top_p,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Tools       []ToolSchema  `json:"tools,omitempty"`
	ToolChoice  string        `json:"tool_choice,omitempty"` // auto/none/<tool name>
	Timeout     time.Duration `json:"timeout,omitempty"`
}

type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

type ChatChoice struct {
	Index        int     `json:"index"`
	FinishReason string  `json:"finish_reason,omitempty"`
	Message      Message `json:"message"`
}

type ChatResponse struct {
	ID        string       `json:"id,omitempty"`
	Provider  string       `json:"provider,omitempty"`
	Model     string       `json:"model"`
	Choices   []ChatChoice `json:"choices"`
	Usage     ChatUsage    `json:"usage,omitempty"`
	CreatedAt time.Time    `json:"created_at,omitempty"`
}

// StreamChunk is one incremental fragment of an assistant turn.
// Delta.Content carries answer text, Delta.Reasoning carries native
// reasoning output, and Delta.ToolCalls carries tool-call fragments the
// consumer accumulates by call index until the turn completes.
type StreamChunk struct {
	ID           string     `json:"id,omitempty"`
	Provider     string     `json:"provider,omitempty"`
	Model        string     `json:"model,omitempty"`
	Index        int        `json:"index,omitempty"`
	Delta        Message    `json:"delta"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        *ChatUsage `json:"usage,omitempty"`
	Err          *Error     `json:"error,omitempty"`
}

// HealthStatus reports the result of a provider health probe.
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
}

// Provider is the unified model adapter. Stream closes the returned
// channel when the turn completes; a chunk with Err != nil is terminal.
type Provider interface {
	// Completion issues a synchronous chat request.
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Stream issues a streaming chat request and returns the chunk channel.
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)

	// HealthCheck performs a lightweight liveness probe.
	HealthCheck(ctx context.Context) (*HealthStatus, error)

	// Name returns the provider's unique identifier.
	Name() string
}
