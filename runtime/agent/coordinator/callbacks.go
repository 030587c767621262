package coordinator

import (
	"context"

	"goa.design/agentrun/runtime/agent"
	"goa.design/agentrun/runtime/agent/inject"
	"goa.design/agentrun/runtime/agent/telemetry"
)

// runCallbacks implements agentapi.Callbacks for one run. It lowers
// RunRequest.Input.Messages into injected events on OnRunStarted, tracks the
// seen-message set the coordinator uses to satisfy Invariant 5, and forwards
// every event onto both the caller's sink and the thread's live bus (§4.2
// "Run execution" steps 4-5).
type runCallbacks struct {
	ctx      context.Context
	req      RunRequest
	historic map[string]struct{}
	seen     map[string]struct{}
	ar       *activeRun
	runSink  chan agent.Event
	// broker is nil in a single-process deployment; when set, every event
	// is also published to it so a subscriber on another coordinator
	// replica can follow the run (§5).
	broker Broker
	logger telemetry.Logger
}

// OnRunStarted injects the request's input messages that have not already
// been stored by a previous run on this thread (§4.3's duplication rule).
// Injected events go only to the live bus, never to runSink: runSink carries
// only events the agent itself emits (§4.2 step 3).
func (cb *runCallbacks) OnRunStarted() {
	cb.ar.mu.Lock()
	defer cb.ar.mu.Unlock()

	injected := inject.MessagesToEvents(cb.req.Input.Messages, cb.seen)
	for _, e := range injected {
		cb.ar.buffer = append(cb.ar.buffer, e)
		cb.ar.liveBus.Publish(e)
		if cb.broker != nil {
			if err := cb.broker.Publish(cb.ctx, cb.req.ThreadID, e); err != nil {
				cb.logger.Error(cb.ctx, "failed to publish injected message to broker", "threadId", cb.req.ThreadID, "error", err)
			}
		}
	}
}

// OnNewMessage is advisory: it marks msg.ID as already emitted so the
// injector does not later duplicate it from RunInput.Messages.
func (cb *runCallbacks) OnNewMessage(msg agent.Message) {
	cb.ar.mu.Lock()
	defer cb.ar.mu.Unlock()
	cb.seen[msg.ID] = struct{}{}
}

// OnEvent is the hot path (§4.2 step 4c): it attaches a sanitized Input to an
// agent-emitted RUN_STARTED that did not set one, then forwards the event to
// both sinks and appends it to the run buffer.
func (cb *runCallbacks) OnEvent(event agent.Event) {
	if rs, ok := event.(agent.RunStartedEvent); ok && rs.Input == nil {
		sanitized := cb.req.Input
		sanitized.Messages = filterHistoric(cb.req.Input.Messages, cb.historic)
		rs.Input = &sanitized
		event = rs
	}

	cb.ar.mu.Lock()
	cb.ar.buffer = append(cb.ar.buffer, event)
	cb.ar.liveBus.Publish(event)
	cb.ar.mu.Unlock()

	if cb.broker != nil {
		if err := cb.broker.Publish(cb.ctx, cb.req.ThreadID, event); err != nil {
			// Best-effort: the in-process Bus already has this event for
			// any local subscriber, and ThreadStore will have it once the
			// run persists. Losing the broker tail only affects a
			// cross-process subscriber already mid-stream.
			cb.logger.Error(cb.ctx, "failed to publish to broker", "threadId", cb.req.ThreadID, "error", err)
		}
	}

	cb.runSink <- event
}

// filterHistoric returns the subset of messages whose id is not already
// present in historicMessageIds, matching §4.2 step 4c's "messages NOT in
// historicMessageIds" rule for the synthesized RUN_STARTED.Input.
func filterHistoric(messages []agent.Message, historic map[string]struct{}) []agent.Message {
	if len(messages) == 0 {
		return nil
	}
	out := make([]agent.Message, 0, len(messages))
	for _, m := range messages {
		if _, ok := historic[m.ID]; ok {
			continue
		}
		out = append(out, m)
	}
	return out
}
