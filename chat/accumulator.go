package chat

import (
	"sort"

	"github.com/chattyhq/chatty/llm"
)

// toolCallAccumulator folds streamed tool-call fragments into complete
// calls. Fragments are keyed by the call index the provider assigns;
// the ID and name arrive on the first fragment and argument text
// accumulates across the rest.
type toolCallAccumulator struct {
	calls map[int]*llm.ToolCall
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{calls: make(map[int]*llm.ToolCall)}
}

func (a *toolCallAccumulator) add(deltas []llm.ToolCall) {
	for _, d := range deltas {
		c, ok := a.calls[d.Index]
		if !ok {
			c = &llm.ToolCall{Index: d.Index}
			a.calls[d.Index] = c
		}
		if d.ID != "" {
			c.ID = d.ID
		}
		if d.Name != "" {
			c.Name = d.Name
		}
		c.Arguments = append(c.Arguments, d.Arguments...)
	}
}

// complete returns the folded calls in index order, or nil when no
// tool-call fragments were seen this turn.
func (a *toolCallAccumulator) complete() []llm.ToolCall {
	if len(a.calls) == 0 {
		return nil
	}
	out := make([]llm.ToolCall, 0, len(a.calls))
	for _, c := range a.calls {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}
