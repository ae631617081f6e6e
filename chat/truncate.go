package chat

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/chattyhq/chatty/llm"
)

// perMessageOverhead approximates the chat-format framing tokens each
// message costs on the wire.
const perMessageOverhead = 4

// TokenCounter estimates the token cost of a text fragment.
type TokenCounter interface {
	Count(text string) int
}

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (c tiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// Truncator trims conversation history to fit the model context. It
// keeps at most maxTurns trailing turns, then drops whole turns from
// the front until the token estimate fits the budget. A turn starts at
// a user message and owns every assistant and tool message up to the
// next one, so tool calls are never separated from their results.
type Truncator struct {
	counter     TokenCounter
	maxTurns    int
	tokenBudget int
}

// NewTruncator builds a truncator on the given tiktoken encoding
// (cl100k_base fits the models chatty targets).
func NewTruncator(encoding string, maxTurns, tokenBudget int) (*Truncator, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load encoding %s: %w", encoding, err)
	}
	return NewTruncatorWithCounter(tiktokenCounter{enc: enc}, maxTurns, tokenBudget), nil
}

// NewTruncatorWithCounter builds a truncator on a caller-supplied
// counter.
func NewTruncatorWithCounter(counter TokenCounter, maxTurns, tokenBudget int) *Truncator {
	return &Truncator{counter: counter, maxTurns: maxTurns, tokenBudget: tokenBudget}
}

func (t *Truncator) Truncate(history []llm.Message) []llm.Message {
	turns := splitTurns(history)
	if t.maxTurns > 0 && len(turns) > t.maxTurns {
		turns = turns[len(turns)-t.maxTurns:]
	}
	if t.tokenBudget > 0 {
		for len(turns) > 1 && t.countTurns(turns) > t.tokenBudget {
			turns = turns[1:]
		}
	}
	var out []llm.Message
	for _, turn := range turns {
		out = append(out, turn...)
	}
	return out
}

// CountTokens estimates the wire cost of a message list.
func (t *Truncator) CountTokens(msgs []llm.Message) int {
	total := 0
	for _, m := range msgs {
		total += perMessageOverhead
		total += t.counter.Count(m.Content)
		for _, tc := range m.ToolCalls {
			total += t.counter.Count(tc.Name)
			total += t.counter.Count(string(tc.Arguments))
		}
	}
	return total
}

func (t *Truncator) countTurns(turns [][]llm.Message) int {
	total := 0
	for _, turn := range turns {
		total += t.CountTokens(turn)
	}
	return total
}

func splitTurns(history []llm.Message) [][]llm.Message {
	var turns [][]llm.Message
	for _, m := range history {
		if m.Role == llm.RoleUser || len(turns) == 0 {
			turns = append(turns, nil)
		}
		turns[len(turns)-1] = append(turns[len(turns)-1], m)
	}
	return turns
}
