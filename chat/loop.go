package chat

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chattyhq/chatty/llm"
	"github.com/chattyhq/chatty/tools"
)

var tracer = otel.Tracer("github.com/chattyhq/chatty/chat")

const defaultMaxRounds = 8

// LoopConfig bounds the generation loop.
type LoopConfig struct {
	// MaxRounds caps model turns per request. A turn that still wants
	// tools after the last round terminates with MAX_ROUNDS_EXCEEDED.
	MaxRounds int `yaml:"max_rounds"`
	// SplitThinkTags routes <think> sections in content to thinking
	// events, for models without native reasoning output.
	SplitThinkTags bool `yaml:"split_think_tags"`
}

// Loop drives the streaming tool-call protocol against a provider: it
// streams a model turn, folds any tool-call fragments, dispatches the
// requested tools, feeds their results back, and repeats until the
// model answers in prose or the round budget runs out.
type Loop struct {
	provider llm.Provider
	registry *tools.Registry
	cfg      LoopConfig
	logger   *zap.Logger
}

func NewLoop(provider llm.Provider, registry *tools.Registry, cfg LoopConfig, logger *zap.Logger) *Loop {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = defaultMaxRounds
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{provider: provider, registry: registry, cfg: cfg, logger: logger}
}

// Run executes the loop and returns the event stream. The channel is
// closed when the turn completes, errors terminally, or the context is
// canceled. A terminal error event is always the last event sent.
func (l *Loop) Run(ctx context.Context, messages []llm.Message) <-chan StreamEvent {
	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		l.run(ctx, messages, out)
	}()
	return out
}

func (l *Loop) run(ctx context.Context, messages []llm.Message, out chan<- StreamEvent) {
	msgs := make([]llm.Message, len(messages))
	copy(msgs, messages)

	for round := 0; round < l.cfg.MaxRounds; round++ {
		var done bool
		msgs, done = l.runRound(ctx, round, msgs, out)
		if done {
			return
		}
	}

	l.logger.Warn("round budget exhausted", zap.Int("max_rounds", l.cfg.MaxRounds))
	send(ctx, out, errorEvent(ErrCodeMaxRoundsExceeded, "the model kept requesting tools past the round limit"))
}

// runRound plays one model turn plus any tool dispatch it requests.
// done is true when the turn finished, in prose or terminally, and the
// loop should stop.
func (l *Loop) runRound(ctx context.Context, round int, msgs []llm.Message, out chan<- StreamEvent) (next []llm.Message, done bool) {
	ctx, span := tracer.Start(ctx, "chat.round",
		trace.WithAttributes(attribute.Int("chat.round", round+1)))
	defer span.End()

	assistant, calls, ok := l.streamTurn(ctx, msgs, out)
	if !ok {
		return msgs, true
	}
	if len(calls) == 0 {
		l.logger.Debug("turn completed", zap.Int("rounds", round+1))
		return msgs, true
	}

	assistant.ToolCalls = calls
	msgs = append(msgs, assistant)

	results, ok := l.dispatchAll(ctx, calls, out)
	if !ok {
		return msgs, true
	}
	return append(msgs, results...), false
}

// streamTurn runs one model turn, emitting thinking/content events as
// deltas arrive. It returns the assembled assistant message and any
// complete tool calls; ok is false when the turn ended the stream
// (terminal error or canceled context).
func (l *Loop) streamTurn(ctx context.Context, msgs []llm.Message, out chan<- StreamEvent) (llm.Message, []llm.ToolCall, bool) {
	req := &llm.ChatRequest{
		Messages:   msgs,
		Tools:      l.registry.Schemas(),
		ToolChoice: "auto",
	}
	stream, err := l.provider.Stream(ctx, req)
	if err != nil {
		l.logger.Error("model stream failed", zap.Error(err))
		send(ctx, out, modelFailure(err))
		return llm.Message{}, nil, false
	}

	acc := newToolCallAccumulator()
	var splitter thinkSplitter
	var content, reasoning strings.Builder

	for chunk := range stream {
		if chunk.Err != nil {
			l.logger.Error("model stream errored mid-turn",
				zap.String("code", string(chunk.Err.Code)),
				zap.String("message", chunk.Err.Message))
			send(ctx, out, modelFailure(chunk.Err))
			return llm.Message{}, nil, false
		}
		if chunk.Delta.Reasoning != "" {
			reasoning.WriteString(chunk.Delta.Reasoning)
			if !send(ctx, out, thinkingEvent(chunk.Delta.Reasoning)) {
				return llm.Message{}, nil, false
			}
		}
		if chunk.Delta.Content != "" {
			var th, ct string
			if l.cfg.SplitThinkTags {
				th, ct = splitter.feed(chunk.Delta.Content)
			} else {
				ct = chunk.Delta.Content
			}
			if th != "" {
				reasoning.WriteString(th)
				if !send(ctx, out, thinkingEvent(th)) {
					return llm.Message{}, nil, false
				}
			}
			if ct != "" {
				content.WriteString(ct)
				if !send(ctx, out, contentEvent(ct)) {
					return llm.Message{}, nil, false
				}
			}
		}
		acc.add(chunk.Delta.ToolCalls)
	}
	if l.cfg.SplitThinkTags {
		th, ct := splitter.flush()
		if th != "" {
			reasoning.WriteString(th)
			if !send(ctx, out, thinkingEvent(th)) {
				return llm.Message{}, nil, false
			}
		}
		if ct != "" {
			content.WriteString(ct)
			if !send(ctx, out, contentEvent(ct)) {
				return llm.Message{}, nil, false
			}
		}
	}
	if ctx.Err() != nil {
		return llm.Message{}, nil, false
	}

	assistant := llm.Message{
		Role:      llm.RoleAssistant,
		Content:   content.String(),
		Reasoning: reasoning.String(),
	}
	return assistant, acc.complete(), true
}

// dispatchAll runs the turn's tool calls concurrently. Each call gets a
// started event before dispatch and a completed or failed event after;
// failures are recoverable and come back as tool messages the model
// sees on the next round.
func (l *Loop) dispatchAll(ctx context.Context, calls []llm.ToolCall, out chan<- StreamEvent) ([]llm.Message, bool) {
	for _, call := range calls {
		ev := StreamEvent{Type: EventToolCall, ToolCall: &ToolCallInfo{
			ID:     call.ID,
			Name:   call.Name,
			Status: ToolCallStarted,
		}}
		if !send(ctx, out, ev) {
			return nil, false
		}
	}

	results := make([]llm.Message, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			result, err := l.registry.Dispatch(gctx, call)
			info := &ToolCallInfo{
				ID:        call.ID,
				Name:      call.Name,
				Arguments: call.Arguments,
			}
			content := result
			if err != nil {
				info.Status = ToolCallFailed
				info.Result = err.Error()
				content = "Error: " + err.Error()
			} else {
				info.Status = ToolCallCompleted
				info.Result = result
			}
			if !send(gctx, out, StreamEvent{Type: EventToolCall, ToolCall: info}) {
				return gctx.Err()
			}
			results[i] = llm.Message{
				Role:       llm.RoleTool,
				Name:       call.Name,
				ToolCallID: call.ID,
				Content:    content,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, false
	}
	return results, true
}

func modelFailure(err error) StreamEvent {
	var lerr *llm.Error
	if errors.As(err, &lerr) {
		return errorEvent(ErrCodeModelFailure, lerr.Message)
	}
	return errorEvent(ErrCodeModelFailure, err.Error())
}

// send delivers an event unless the context is done; it reports whether
// the event went out.
func send(ctx context.Context, out chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
