// Package agentapi defines the Agent Contract (§6.4): the interface any
// agent implementation must satisfy to be driven by a RunCoordinator.
package agentapi

import (
	"context"

	"goa.design/agentrun/runtime/agent"
)

type (
	// Agent is any value capable of executing one run at a time. The
	// coordinator calls Clone to obtain a fresh per-run instance before
	// every invocation of RunAgent.
	Agent interface {
		// RunAgent executes one run, invoking callbacks for every event it
		// produces. RunAgent returns when the run completes, whether
		// normally, by error, or by AbortRun being called concurrently.
		RunAgent(ctx context.Context, input agent.RunInput, callbacks Callbacks) error

		// AbortRun requests cooperative cancellation. It MUST cause the
		// in-flight RunAgent call to return promptly, normally or with an
		// error; it must never block.
		AbortRun()

		// Clone returns a new, independent instance suitable for driving one
		// run. The coordinator calls Clone once per run() invocation so
		// concurrent runs on different threads never share agent state.
		Clone() Agent
	}

	// Callbacks are invoked by RunAgent as the run progresses. The
	// coordinator supplies an implementation that lowers injected messages,
	// forwards events to both sinks, and tracks the seen-message set.
	Callbacks interface {
		// OnRunStarted is invoked once, before any event flows, so the
		// coordinator can inject input-derived events ahead of the agent's
		// own output.
		OnRunStarted()

		// OnNewMessage is advisory: it records msg.ID as already emitted by
		// the agent, so the coordinator's injector does not duplicate it
		// from RunInput.Messages.
		OnNewMessage(msg agent.Message)

		// OnEvent MUST be invoked for every Event the agent produces, in
		// order. The coordinator attaches a sanitized Input to an
		// agent-emitted RUN_STARTED whose Input field is nil.
		OnEvent(event agent.Event)
	}
)

// Registry resolves an agentId (from the HTTP route §6.1) to a prototype
// Agent instance. The coordinator/HTTP layer clones it per run.
type Registry interface {
	Lookup(agentID string) (Agent, bool)
}

// MapRegistry is a static, in-memory Registry suitable for a fixed catalog of
// agents configured at startup.
type MapRegistry map[string]Agent

// Lookup implements Registry.
func (m MapRegistry) Lookup(agentID string) (Agent, bool) {
	a, ok := m[agentID]
	return a, ok
}
