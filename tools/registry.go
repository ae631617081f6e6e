// Package tools provides the tool registry the generation loop
// dispatches into, plus the built-in persona knowledge lookup tool.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/chattyhq/chatty/llm"
)

var tracer = otel.Tracer("github.com/chattyhq/chatty/tools")

// Tool is an executable capability exposed to the model.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the tool's JSON Schema.
	Parameters() json.RawMessage
	// Invoke runs the tool. The returned string is fed back to the
	// model verbatim as a tool message.
	Invoke(ctx context.Context, args json.RawMessage) (string, error)
}

// Error is a recoverable tool failure. Its message is surfaced to the
// model as the tool result so the model can retry or route around it;
// it never terminates the event stream.
type Error struct {
	Tool string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

const defaultInvokeTimeout = 30 * time.Second

// Registry holds the available tools and dispatches model tool calls.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	timeout time.Duration
	logger  *zap.Logger
}

// NewRegistry creates an empty registry. A zero timeout falls back to
// the 30s default.
func NewRegistry(timeout time.Duration, logger *zap.Logger) *Registry {
	if timeout <= 0 {
		timeout = defaultInvokeTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tools:   make(map[string]Tool),
		timeout: timeout,
		logger:  logger,
	}
}

// Register adds a tool. Registering a duplicate name is a wiring bug
// and returns an error.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tool %s already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Schemas returns tool definitions in stable name order, ready to
// attach to a chat request.
func (r *Registry) Schemas() []llm.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.tools) == 0 {
		return nil
	}
	out := make([]llm.ToolSchema, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, llm.ToolSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch runs one model tool call under the registry timeout. Unknown
// tools and tool failures come back as *Error so the caller can feed
// them to the model instead of aborting the turn.
func (r *Registry) Dispatch(ctx context.Context, call llm.ToolCall) (string, error) {
	r.mu.RLock()
	t, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return "", &Error{Tool: call.Name, Err: fmt.Errorf("unknown tool %q; available tools: %v", call.Name, r.names())}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "tool.dispatch",
		trace.WithAttributes(attribute.String("tool.name", call.Name)))
	defer span.End()

	start := time.Now()
	result, err := t.Invoke(ctx, call.Arguments)
	elapsed := time.Since(start)
	if err != nil {
		span.RecordError(err)
		r.logger.Warn("tool invocation failed",
			zap.String("tool", call.Name),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		var terr *Error
		if errors.As(err, &terr) {
			return "", err
		}
		return "", &Error{Tool: call.Name, Err: err}
	}
	r.logger.Debug("tool invoked",
		zap.String("tool", call.Name),
		zap.Duration("elapsed", elapsed))
	return result, nil
}

func (r *Registry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
