package chat

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/chattyhq/chatty/cache"
	"github.com/chattyhq/chatty/llm"
)

// Recorder persists conversation turns. Recording is best-effort; the
// orchestrator logs failures and moves on.
type Recorder interface {
	Record(ctx context.Context, sessionID, role, content string, cacheHit bool) error
}

// Metrics receives pipeline instrumentation callbacks.
type Metrics interface {
	CacheLookup(result string)
	CacheAdmission()
	TurnOutcome(outcome string)
	ToolInvocation(tool, status string)
}

// Lookup results and turn outcomes reported through Metrics.
const (
	LookupHit    = "hit"
	LookupMiss   = "miss"
	LookupBypass = "bypass"

	OutcomeCompleted    = "completed"
	OutcomeCacheHit     = "cache_hit"
	OutcomeModelFailure = "model_failure"
	OutcomeMaxRounds    = "max_rounds_exceeded"
)

// Request is one user turn entering the pipeline.
type Request struct {
	SessionID string
	Query     string
	// History holds the session's prior turns, oldest first, without
	// the system prompt.
	History []llm.Message
}

// OrchestratorOptions configures the optional collaborators around the
// generation loop. Nil fields disable the corresponding behavior.
type OrchestratorOptions struct {
	Cache        *cache.SemanticCache
	Truncator    *Truncator
	Recorder     Recorder
	Metrics      Metrics
	SystemPrompt string
	Logger       *zap.Logger
}

// Orchestrator fronts the generation loop with the semantic cache: a
// cache hit is replayed as a single content event without touching the
// model, and answers that complete naturally on an admission-eligible
// miss are written back to the cache.
type Orchestrator struct {
	loop *Loop
	opts OrchestratorOptions
}

func NewOrchestrator(loop *Loop, opts OrchestratorOptions) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Orchestrator{loop: loop, opts: opts}
}

// Chat processes one user turn and returns the event stream.
func (o *Orchestrator) Chat(ctx context.Context, req Request) <-chan StreamEvent {
	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		o.chat(ctx, req, out)
	}()
	return out
}

func (o *Orchestrator) chat(ctx context.Context, req Request, out chan<- StreamEvent) {
	ctx, span := tracer.Start(ctx, "chat.turn",
		trace.WithAttributes(attribute.String("session.id", req.SessionID)))
	defer span.End()

	// Only the opening turn of a session is cache-eligible; later
	// turns depend on conversation state a cached answer cannot see.
	firstTurn := len(req.History) == 0

	var lookup *cache.LookupResult
	if o.opts.Cache != nil && firstTurn {
		res, err := o.lookupCached(ctx, req.Query)
		switch {
		case err != nil:
			o.opts.Logger.Warn("cache lookup skipped", zap.Error(err))
			o.countLookup(LookupBypass)
		case res.Hit:
			o.opts.Logger.Debug("cache hit",
				zap.String("session", req.SessionID),
				zap.Float64("similarity", res.Similarity))
			o.countLookup(LookupHit)
			o.countOutcome(OutcomeCacheHit)
			if send(ctx, out, contentEvent(res.Answer)) {
				o.record(ctx, req.SessionID, string(llm.RoleUser), req.Query, true)
				o.record(ctx, req.SessionID, string(llm.RoleAssistant), res.Answer, true)
			}
			return
		default:
			o.countLookup(LookupMiss)
			lookup = res
		}
	}

	msgs := o.buildMessages(req)
	var answer string
	failCode := ""
	for ev := range o.loop.Run(ctx, msgs) {
		switch ev.Type {
		case EventContent:
			answer += ev.Content
		case EventToolCall:
			if s := ev.ToolCall.Status; s != ToolCallStarted {
				o.countTool(ev.ToolCall.Name, string(s))
			}
		case EventError:
			failCode = ev.Error.Code
		}
		if !send(ctx, out, ev) {
			return
		}
	}
	if failCode != "" || ctx.Err() != nil {
		switch failCode {
		case ErrCodeMaxRoundsExceeded:
			o.countOutcome(OutcomeMaxRounds)
		case ErrCodeModelFailure:
			o.countOutcome(OutcomeModelFailure)
		}
		return
	}
	o.countOutcome(OutcomeCompleted)

	o.record(ctx, req.SessionID, string(llm.RoleUser), req.Query, false)
	o.record(ctx, req.SessionID, string(llm.RoleAssistant), answer, false)

	if o.opts.Cache != nil && lookup != nil && lookup.AdmitEligible && answer != "" {
		// The client may hang up right after the last event; admission
		// should not be lost to that.
		admitCtx := context.WithoutCancel(ctx)
		if err := o.opts.Cache.Admit(admitCtx, lookup.ClusterID, req.Query, answer); err != nil {
			o.opts.Logger.Warn("cache admission failed",
				zap.String("cluster", lookup.ClusterID),
				zap.Error(err))
		} else if o.opts.Metrics != nil {
			o.opts.Metrics.CacheAdmission()
		}
	}
}

// lookupCached wraps the cache lookup in its own span.
func (o *Orchestrator) lookupCached(ctx context.Context, query string) (*cache.LookupResult, error) {
	ctx, span := tracer.Start(ctx, "cache.lookup")
	defer span.End()
	res, err := o.opts.Cache.Lookup(ctx, query)
	switch {
	case err != nil:
		span.RecordError(err)
	case res.Hit:
		span.SetAttributes(
			attribute.Bool("cache.hit", true),
			attribute.Float64("cache.similarity", res.Similarity))
	default:
		span.SetAttributes(attribute.Bool("cache.hit", false))
	}
	return res, err
}

func (o *Orchestrator) buildMessages(req Request) []llm.Message {
	history := req.History
	if o.opts.Truncator != nil {
		history = o.opts.Truncator.Truncate(history)
	}
	msgs := make([]llm.Message, 0, len(history)+2)
	if o.opts.SystemPrompt != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: o.opts.SystemPrompt})
	}
	msgs = append(msgs, history...)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: req.Query})
	return msgs
}

func (o *Orchestrator) record(ctx context.Context, sessionID, role, content string, cacheHit bool) {
	if o.opts.Recorder == nil {
		return
	}
	if err := o.opts.Recorder.Record(ctx, sessionID, role, content, cacheHit); err != nil {
		o.opts.Logger.Warn("history not recorded",
			zap.String("session", sessionID),
			zap.Error(err))
	}
}

func (o *Orchestrator) countLookup(result string) {
	if o.opts.Metrics != nil {
		o.opts.Metrics.CacheLookup(result)
	}
}

func (o *Orchestrator) countOutcome(outcome string) {
	if o.opts.Metrics != nil {
		o.opts.Metrics.TurnOutcome(outcome)
	}
}

func (o *Orchestrator) countTool(tool, status string) {
	if o.opts.Metrics != nil {
		o.opts.Metrics.ToolInvocation(tool, status)
	}
}
