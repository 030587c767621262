// Package inject implements the MessageInjector: a pure function lowering an
// input Message into the Event subsequence it represents (§4.3).
package inject

import "goa.design/agentrun/runtime/agent"

// MessageToEvents lowers msg into its ordered Event subsequence. No other
// role/field combination produces events.
func MessageToEvents(msg agent.Message) []agent.Event {
	var events []agent.Event

	switch msg.Role {
	case agent.RoleUser, agent.RoleAssistant, agent.RoleSystem, agent.RoleDeveloper:
		if msg.Content != "" {
			events = append(events,
				agent.TextMessageStartEvent{MessageID: msg.ID, Role: msg.Role},
				agent.TextMessageContentEvent{MessageID: msg.ID, Delta: msg.Content},
				agent.TextMessageEndEvent{MessageID: msg.ID},
			)
		}
		if msg.Role == agent.RoleAssistant {
			for _, tc := range msg.ToolCalls {
				events = append(events,
					agent.ToolCallStartEvent{ToolCallID: tc.ID, ToolCallName: tc.Function.Name, ParentMessageID: msg.ID},
					agent.ToolCallArgsEvent{ToolCallID: tc.ID, Delta: tc.Function.Arguments},
					agent.ToolCallEndEvent{ToolCallID: tc.ID},
				)
			}
		}
	case agent.RoleTool:
		if msg.ToolCallID != "" {
			events = append(events, agent.ToolCallResultEvent{
				MessageID:  msg.ID,
				ToolCallID: msg.ToolCallID,
				Content:    msg.Content,
				Role:       "tool",
			})
		}
	}

	return events
}

// MessagesToEvents lowers a sequence of messages in order, skipping any
// message whose id is already present in seen and recording newly-injected
// ids into seen. This is the duplication rule the coordinator applies on top
// of MessageToEvents to satisfy Invariant 5 (§4.3, "RunCoordinator's
// duplication rule").
func MessagesToEvents(messages []agent.Message, seen map[string]struct{}) []agent.Event {
	var events []agent.Event
	for _, m := range messages {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		events = append(events, MessageToEvents(m)...)
		seen[m.ID] = struct{}{}
	}
	return events
}
