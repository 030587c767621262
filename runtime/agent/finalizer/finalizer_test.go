package finalizer

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/agentrun/runtime/agent"
)

func TestFinalizeStopClosesHalfOpenMessageAndSynthesizesRunError(t *testing.T) {
	buffer := []agent.Event{
		agent.RunStartedEvent{ThreadID: "t1", RunID: "r1"},
		agent.TextMessageStartEvent{MessageID: "m1", Role: agent.RoleAssistant},
		agent.TextMessageContentEvent{MessageID: "m1", Delta: "Thin"},
	}

	appended := Finalize("t1", "r1", buffer, true)

	require.Equal(t, []agent.Event{
		agent.TextMessageEndEvent{MessageID: "m1"},
		agent.RunErrorEvent{Code: "STOPPED", Message: "Run stopped by user"},
	}, appended)
}

func TestFinalizeStopClosesOpenToolCallWithoutResult(t *testing.T) {
	buffer := []agent.Event{
		agent.ToolCallStartEvent{ToolCallID: "tc1", ToolCallName: "lookup", ParentMessageID: "m1"},
		agent.ToolCallArgsEvent{ToolCallID: "tc1", Delta: `{"q":1}`},
	}

	appended := Finalize("t1", "r1", buffer, true)

	require.Len(t, appended, 3)
	require.Equal(t, agent.ToolCallEndEvent{ToolCallID: "tc1"}, appended[0])

	result, ok := appended[1].(agent.ToolCallResultEvent)
	require.True(t, ok)
	require.Equal(t, "tc1", result.ToolCallID)
	require.Equal(t, "tc1-result", result.MessageID)
	require.Equal(t, "tool", result.Role)
	var body map[string]string
	require.NoError(t, json.Unmarshal([]byte(result.Content), &body))
	require.Equal(t, "interrupted", body["status"])

	require.Equal(t, agent.RunErrorEvent{Code: "STOPPED", Message: "Run stopped by user"}, appended[2])
}

func TestFinalizeStopDoesNotDuplicateTerminalIfAgentAlreadyFinished(t *testing.T) {
	buffer := []agent.Event{
		agent.RunFinishedEvent{ThreadID: "t1", RunID: "r1"},
	}
	appended := Finalize("t1", "r1", buffer, true)
	require.Empty(t, appended, "a run that already reached a terminal event before stop landed needs no synthesized events")
}

func TestFinalizeSynthesizesRunFinishedWhenAgentReturnsNormallyWithoutTerminal(t *testing.T) {
	buffer := []agent.Event{
		agent.TextMessageStartEvent{MessageID: "m1", Role: agent.RoleAssistant},
		agent.TextMessageContentEvent{MessageID: "m1", Delta: "done"},
		agent.TextMessageEndEvent{MessageID: "m1"},
	}
	appended := Finalize("t1", "r1", buffer, false)
	require.Equal(t, []agent.Event{
		agent.RunFinishedEvent{ThreadID: "t1", RunID: "r1"},
	}, appended)
}

func TestFinalizeNoOpWhenAgentAlreadyEmittedTerminalAndNotStopped(t *testing.T) {
	buffer := []agent.Event{
		agent.RunFinishedEvent{ThreadID: "t1", RunID: "r1"},
	}
	appended := Finalize("t1", "r1", buffer, false)
	require.Empty(t, appended)
}

func TestFinalizeToolCallThatSawEndButNotResultStillGetsInterruptedResult(t *testing.T) {
	buffer := []agent.Event{
		agent.ToolCallStartEvent{ToolCallID: "tc1", ToolCallName: "lookup", ParentMessageID: "m1"},
		agent.ToolCallEndEvent{ToolCallID: "tc1"},
	}
	appended := Finalize("t1", "r1", buffer, true)

	require.Len(t, appended, 2)
	result, ok := appended[0].(agent.ToolCallResultEvent)
	require.True(t, ok)
	require.Equal(t, "tc1", result.ToolCallID)
	require.Equal(t, agent.RunErrorEvent{Code: "STOPPED", Message: "Run stopped by user"}, appended[1])
}
