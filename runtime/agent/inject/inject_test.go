package inject

import (
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/agentrun/runtime/agent"
)

func TestMessageToEventsUserMessage(t *testing.T) {
	msg := agent.Message{ID: "u1", Role: agent.RoleUser, Content: "hi"}
	got := MessageToEvents(msg)
	require.Equal(t, []agent.Event{
		agent.TextMessageStartEvent{MessageID: "u1", Role: agent.RoleUser},
		agent.TextMessageContentEvent{MessageID: "u1", Delta: "hi"},
		agent.TextMessageEndEvent{MessageID: "u1"},
	}, got)
}

func TestMessageToEventsEmptyContentProducesNoTextEvents(t *testing.T) {
	msg := agent.Message{ID: "u1", Role: agent.RoleUser, Content: ""}
	require.Empty(t, MessageToEvents(msg))
}

func TestMessageToEventsAssistantWithToolCalls(t *testing.T) {
	msg := agent.Message{
		ID:      "a1",
		Role:    agent.RoleAssistant,
		Content: "let me check",
		ToolCalls: []agent.ToolCall{
			{ID: "tc1", Function: struct {
				Name      string `json:"name"`
				Arguments string `json:"arguments"`
			}{Name: "lookup", Arguments: `{"q":1}`}},
		},
	}
	got := MessageToEvents(msg)
	require.Equal(t, []agent.Event{
		agent.TextMessageStartEvent{MessageID: "a1", Role: agent.RoleAssistant},
		agent.TextMessageContentEvent{MessageID: "a1", Delta: "let me check"},
		agent.TextMessageEndEvent{MessageID: "a1"},
		agent.ToolCallStartEvent{ToolCallID: "tc1", ToolCallName: "lookup", ParentMessageID: "a1"},
		agent.ToolCallArgsEvent{ToolCallID: "tc1", Delta: `{"q":1}`},
		agent.ToolCallEndEvent{ToolCallID: "tc1"},
	}, got)
}

func TestMessageToEventsToolResult(t *testing.T) {
	msg := agent.Message{ID: "tr1", Role: agent.RoleTool, ToolCallID: "tc1", Content: "42"}
	got := MessageToEvents(msg)
	require.Equal(t, []agent.Event{
		agent.ToolCallResultEvent{MessageID: "tr1", ToolCallID: "tc1", Content: "42", Role: "tool"},
	}, got)
}

func TestMessageToEventsToolWithoutToolCallIDProducesNothing(t *testing.T) {
	msg := agent.Message{ID: "tr1", Role: agent.RoleTool, Content: "42"}
	require.Empty(t, MessageToEvents(msg))
}

func TestMessagesToEventsSkipsAlreadySeenAndRecordsNewIDs(t *testing.T) {
	seen := map[string]struct{}{"u1": {}}
	messages := []agent.Message{
		{ID: "u1", Role: agent.RoleUser, Content: "already stored"},
		{ID: "u2", Role: agent.RoleUser, Content: "new"},
	}
	got := MessagesToEvents(messages, seen)

	require.Equal(t, []agent.Event{
		agent.TextMessageStartEvent{MessageID: "u2", Role: agent.RoleUser},
		agent.TextMessageContentEvent{MessageID: "u2", Delta: "new"},
		agent.TextMessageEndEvent{MessageID: "u2"},
	}, got, "u1 must not be re-emitted since it is already in the seen set (Invariant 5)")

	_, ok := seen["u2"]
	require.True(t, ok, "newly injected ids must be recorded into seen")
}
