// Package compact implements the EventCompactor: a pure, idempotent
// transform that merges streaming TEXT_MESSAGE_CONTENT deltas into a single
// concatenated event per message while preserving the relative order of
// every other event.
package compact

import "goa.design/agentrun/runtime/agent"

// messageGroup accumulates one open TEXT_MESSAGE_* run. Non-text events that
// arrive between START and END are buffered and flushed immediately after
// END, per §4.5 rule 1.
type messageGroup struct {
	start     agent.TextMessageStartEvent
	content   string
	buffered  []agent.Event
	closed    bool
}

// Compact normalizes events in one pass:
//  1. Consecutive TEXT_MESSAGE_CONTENT deltas for the same messageId are
//     concatenated into a single TEXT_MESSAGE_CONTENT between the group's
//     START and END.
//  2. Any other event seen while a group is open is buffered and emitted
//     right after that group's END.
//  3. A group that never sees an END is flushed at the end of input with no
//     synthetic END (the finalizer is responsible for closing those).
//  4. Tool-call streaming events and all other events pass through unmodified
//     and in order.
//
// Compact is idempotent: Compact(Compact(es)) == Compact(es), since a
// compacted sequence contains at most one CONTENT event per open group and
// no buffered non-text event ever lands back between a START and its END.
func Compact(events []agent.Event) []agent.Event {
	out := make([]agent.Event, 0, len(events))
	// order preserves insertion order of currently-open groups (§4.5 tie-break:
	// a non-text event is attributed to the first open group discovered).
	order := make([]string, 0, 1)
	open := make(map[string]*messageGroup)

	dropFromOrder := func(mid string) {
		for i, id := range order {
			if id == mid {
				order = append(order[:i], order[i+1:]...)
				break
			}
		}
	}

	// closeWithEnd flushes a group that saw a real END: START, CONTENT, END,
	// then the buffered events (§4.5 rule 1).
	closeWithEnd := func(end agent.TextMessageEndEvent) {
		g := open[end.MessageID]
		out = append(out, g.start)
		out = append(out, agent.TextMessageContentEvent{MessageID: end.MessageID, Delta: g.content})
		out = append(out, end)
		out = append(out, g.buffered...)
		delete(open, end.MessageID)
		dropFromOrder(end.MessageID)
	}

	// closeWithoutEnd flushes a group that never saw an END: START, CONTENT,
	// then the buffered events, with no synthetic END (§4.5 rule 2).
	closeWithoutEnd := func(mid string) {
		g := open[mid]
		out = append(out, g.start)
		out = append(out, agent.TextMessageContentEvent{MessageID: mid, Delta: g.content})
		out = append(out, g.buffered...)
		delete(open, mid)
		dropFromOrder(mid)
	}

	for _, e := range events {
		switch v := e.(type) {
		case agent.TextMessageStartEvent:
			open[v.MessageID] = &messageGroup{start: v}
			order = append(order, v.MessageID)
		case agent.TextMessageContentEvent:
			if g := open[v.MessageID]; g != nil {
				g.content += v.Delta
				continue
			}
			// Content without a preceding START in this slice: pass through
			// verbatim rather than drop it silently.
			out = append(out, e)
		case agent.TextMessageEndEvent:
			if _, ok := open[v.MessageID]; ok {
				closeWithEnd(v)
				continue
			}
			out = append(out, e)
		default:
			if len(order) > 0 {
				mid := order[0]
				open[mid].buffered = append(open[mid].buffered, e)
				continue
			}
			out = append(out, e)
		}
	}

	// Rule 2: flush any groups that never saw an END, in open order.
	for len(order) > 0 {
		closeWithoutEnd(order[0])
	}

	return out
}
