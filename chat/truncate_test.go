package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chattyhq/chatty/llm"
)

// runeCounter keeps the tests hermetic; the tiktoken counter fetches its
// encoding tables on first use.
type runeCounter struct{}

func (runeCounter) Count(text string) int { return len([]rune(text)) }

func TestTruncatorKeepsRecentTurns(t *testing.T) {
	tr := NewTruncatorWithCounter(runeCounter{}, 2, 0)
	history := []llm.Message{
		{Role: llm.RoleUser, Content: "q1"},
		{Role: llm.RoleAssistant, Content: "a1"},
		{Role: llm.RoleUser, Content: "q2"},
		{Role: llm.RoleAssistant, Content: "a2"},
		{Role: llm.RoleUser, Content: "q3"},
		{Role: llm.RoleAssistant, Content: "a3"},
	}
	out := tr.Truncate(history)
	require.Len(t, out, 4)
	assert.Equal(t, "q2", out[0].Content)
	assert.Equal(t, "a3", out[3].Content)
}

func TestTruncatorDropsWholeToolRounds(t *testing.T) {
	tr := NewTruncatorWithCounter(runeCounter{}, 0, 30)
	history := []llm.Message{
		{Role: llm.RoleUser, Content: "tell me about your work"},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "lookup"}}},
		{Role: llm.RoleTool, ToolCallID: "call_1", Content: "woodworking since 2015"},
		{Role: llm.RoleAssistant, Content: "I build furniture."},
		{Role: llm.RoleUser, Content: "nice"},
		{Role: llm.RoleAssistant, Content: "thanks"},
	}
	out := tr.Truncate(history)

	// The oldest turn is dropped as a unit; no orphaned tool messages.
	require.Len(t, out, 2)
	assert.Equal(t, "nice", out[0].Content)
	for _, m := range out {
		assert.NotEqual(t, llm.RoleTool, m.Role)
	}
}

func TestTruncatorAlwaysKeepsLastTurn(t *testing.T) {
	tr := NewTruncatorWithCounter(runeCounter{}, 0, 1)
	history := []llm.Message{
		{Role: llm.RoleUser, Content: "a very long question that blows the budget"},
		{Role: llm.RoleAssistant, Content: "an equally long answer"},
	}
	out := tr.Truncate(history)
	assert.Len(t, out, 2)
}

func TestTruncatorNoLimitsPassThrough(t *testing.T) {
	tr := NewTruncatorWithCounter(runeCounter{}, 0, 0)
	history := []llm.Message{
		{Role: llm.RoleUser, Content: "q1"},
		{Role: llm.RoleAssistant, Content: "a1"},
	}
	assert.Equal(t, history, tr.Truncate(history))
}
