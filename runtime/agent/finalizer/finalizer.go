// Package finalizer implements the TerminalFinalizer: it closes any
// half-open messages/tool calls and guarantees the mandatory terminal event
// on stop or agent return (§4.7).
package finalizer

import (
	"encoding/json"

	"goa.design/agentrun/runtime/agent"
)

type toolCallState struct {
	sawEnd    bool
	sawResult bool
}

// Finalize scans buffer (the accumulated events of one run) and appends the
// events required to satisfy Invariant 3 (exactly one terminal event) and
// Invariant 4 (every START/STOP pair closed). It returns the events that were
// appended; callers publish those to both sinks and append them to buffer
// before compaction, per §4.7's closing instruction.
func Finalize(threadID, runID string, buffer []agent.Event, stopRequested bool) []agent.Event {
	openMessages := map[string]struct{}{}
	toolCalls := map[string]*toolCallState{}
	var toolCallOrder []string
	var messageOrder []string
	hasTerminal := false

	for _, e := range buffer {
		switch v := e.(type) {
		case agent.TextMessageStartEvent:
			if _, ok := openMessages[v.MessageID]; !ok {
				messageOrder = append(messageOrder, v.MessageID)
			}
			openMessages[v.MessageID] = struct{}{}
		case agent.TextMessageEndEvent:
			delete(openMessages, v.MessageID)
		case agent.ToolCallStartEvent:
			if _, ok := toolCalls[v.ToolCallID]; !ok {
				toolCalls[v.ToolCallID] = &toolCallState{}
				toolCallOrder = append(toolCallOrder, v.ToolCallID)
			}
		case agent.ToolCallEndEvent:
			if st := toolCalls[v.ToolCallID]; st != nil {
				st.sawEnd = true
			}
		case agent.ToolCallResultEvent:
			if st := toolCalls[v.ToolCallID]; st != nil {
				st.sawResult = true
			}
		default:
			if agent.IsTerminal(e) {
				hasTerminal = true
			}
		}
	}

	var appended []agent.Event

	if stopRequested {
		for _, mid := range messageOrder {
			if _, open := openMessages[mid]; open {
				appended = append(appended, agent.TextMessageEndEvent{MessageID: mid})
				delete(openMessages, mid)
			}
		}
		for _, tid := range toolCallOrder {
			st := toolCalls[tid]
			if !st.sawEnd {
				appended = append(appended, agent.ToolCallEndEvent{ToolCallID: tid})
				st.sawEnd = true
			}
			if !st.sawResult {
				interrupted, _ := json.Marshal(map[string]string{"status": "interrupted"})
				appended = append(appended, agent.ToolCallResultEvent{
					MessageID:  tid + "-result",
					ToolCallID: tid,
					Role:       "tool",
					Content:    string(interrupted),
				})
				st.sawResult = true
			}
		}
		if !hasTerminal {
			appended = append(appended, agent.RunErrorEvent{
				Code:    "STOPPED",
				Message: "Run stopped by user",
			})
			hasTerminal = true
		}
	}

	// §4.7 step 4: synthesize RUN_FINISHED if the agent returned normally
	// without emitting a terminal event, so connect() streams always
	// complete (§9, "Terminal event synthesis").
	if !hasTerminal {
		appended = append(appended, agent.RunFinishedEvent{ThreadID: threadID, RunID: runID})
	}

	return appended
}
