package compact

import (
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/agentrun/runtime/agent"
)

func TestCompactMergesDeltasAndReordersInterleavedCustom(t *testing.T) {
	events := []agent.Event{
		agent.TextMessageStartEvent{MessageID: "m1", Role: agent.RoleUser},
		agent.TextMessageContentEvent{MessageID: "m1", Delta: "H"},
		agent.TextMessageContentEvent{MessageID: "m1", Delta: "i"},
		agent.CustomEvent{ID: "c1", Name: "note"},
		agent.TextMessageContentEvent{MessageID: "m1", Delta: "!"},
		agent.TextMessageEndEvent{MessageID: "m1"},
		agent.RunFinishedEvent{ThreadID: "t1", RunID: "r1"},
	}

	got := Compact(events)

	require.Equal(t, []agent.Event{
		agent.TextMessageStartEvent{MessageID: "m1", Role: agent.RoleUser},
		agent.TextMessageContentEvent{MessageID: "m1", Delta: "Hi!"},
		agent.TextMessageEndEvent{MessageID: "m1"},
		agent.CustomEvent{ID: "c1", Name: "note"},
		agent.RunFinishedEvent{ThreadID: "t1", RunID: "r1"},
	}, got)
}

func TestCompactIsIdempotent(t *testing.T) {
	events := []agent.Event{
		agent.TextMessageStartEvent{MessageID: "m1", Role: agent.RoleAssistant},
		agent.TextMessageContentEvent{MessageID: "m1", Delta: "a"},
		agent.TextMessageContentEvent{MessageID: "m1", Delta: "b"},
		agent.TextMessageEndEvent{MessageID: "m1"},
		agent.RunFinishedEvent{ThreadID: "t1", RunID: "r1"},
	}
	once := Compact(events)
	twice := Compact(once)
	require.Equal(t, once, twice)
}

func TestCompactFlushesUnterminatedGroupWithoutSyntheticEnd(t *testing.T) {
	events := []agent.Event{
		agent.TextMessageStartEvent{MessageID: "m1", Role: agent.RoleAssistant},
		agent.TextMessageContentEvent{MessageID: "m1", Delta: "Thin"},
	}
	got := Compact(events)
	require.Equal(t, []agent.Event{
		agent.TextMessageStartEvent{MessageID: "m1", Role: agent.RoleAssistant},
		agent.TextMessageContentEvent{MessageID: "m1", Delta: "Thin"},
	}, got)
}

func TestCompactPassesToolCallDeltasUnmodified(t *testing.T) {
	events := []agent.Event{
		agent.ToolCallStartEvent{ToolCallID: "tc1", ToolCallName: "lookup", ParentMessageID: "m1"},
		agent.ToolCallArgsEvent{ToolCallID: "tc1", Delta: `{"q":`},
		agent.ToolCallArgsEvent{ToolCallID: "tc1", Delta: `1}`},
		agent.ToolCallEndEvent{ToolCallID: "tc1"},
	}
	got := Compact(events)
	require.Equal(t, events, got, "tool-call streaming events have no meaningful merge at this layer (§4.5 rule 3)")
}

func TestCompactPreservesContentConcatenationAndNonStreamingSet(t *testing.T) {
	events := []agent.Event{
		agent.RunStartedEvent{ThreadID: "t1", RunID: "r1"},
		agent.TextMessageStartEvent{MessageID: "m1", Role: agent.RoleAssistant},
		agent.TextMessageContentEvent{MessageID: "m1", Delta: "foo"},
		agent.TextMessageContentEvent{MessageID: "m1", Delta: "bar"},
		agent.TextMessageEndEvent{MessageID: "m1"},
		agent.RunFinishedEvent{ThreadID: "t1", RunID: "r1"},
	}
	got := Compact(events)

	var concatenated string
	var nonStreaming []agent.Event
	for _, e := range got {
		if v, ok := e.(agent.TextMessageContentEvent); ok {
			concatenated += v.Delta
			continue
		}
		if _, isStart := e.(agent.TextMessageStartEvent); isStart {
			continue
		}
		if _, isEnd := e.(agent.TextMessageEndEvent); isEnd {
			continue
		}
		nonStreaming = append(nonStreaming, e)
	}
	require.Equal(t, "foobar", concatenated)
	require.Equal(t, []agent.Event{
		agent.RunStartedEvent{ThreadID: "t1", RunID: "r1"},
		agent.RunFinishedEvent{ThreadID: "t1", RunID: "r1"},
	}, nonStreaming)
}
