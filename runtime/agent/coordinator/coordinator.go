// Package coordinator implements the RunCoordinator: the per-thread state
// machine composing ThreadStore, EventBus, MessageInjector, EventCompactor,
// ScopeGate, and TerminalFinalizer into run(), connect(), stop(), and
// isRunning() (§4.2).
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/agentrun/runtime/agent"
	"goa.design/agentrun/runtime/agent/agentapi"
	"goa.design/agentrun/runtime/agent/bus"
	"goa.design/agentrun/runtime/agent/compact"
	"goa.design/agentrun/runtime/agent/finalizer"
	"goa.design/agentrun/runtime/agent/inject"
	"goa.design/agentrun/runtime/agent/scope"
	"goa.design/agentrun/runtime/agent/telemetry"
	"goa.design/agentrun/runtime/agent/thread"
)

// runSinkBufferSize bounds the channel returned to the caller of Run. The
// caller of run() is expected to drain it promptly (it is forwarded
// directly onto an SSE response); this only guards against a slow or
// abandoned caller stalling the agent goroutine.
const runSinkBufferSize = 4096

type (
	// RunRequest is the input to Run (§4.2).
	RunRequest struct {
		ThreadID string
		AgentID  string
		Input    agent.RunInput
		Scope    *scope.ResourceScope
	}

	// ConnectRequest is the input to Connect (§4.2).
	ConnectRequest struct {
		ThreadID string
		Scope    *scope.ResourceScope
	}

	// activeRun is the in-process handle for a thread's currently admitted
	// run, used by Stop and Connect to reach the live agent and bus.
	activeRun struct {
		runID       string
		resourceIDs []string

		mu            sync.Mutex
		stopRequested bool
		buffer        []agent.Event

		agentInstance agentapi.Agent
		liveBus       *bus.Bus
	}

	// Coordinator is the RunCoordinator (§4.2). The zero value is not
	// usable; construct with New.
	Coordinator struct {
		store    thread.Store
		registry agentapi.Registry

		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer

		// lock and broker are nil in a single-process deployment. When set
		// (WithDistributedLock, WithBroker), Run additionally acquires a
		// cross-process advisory lock before driving a run and publishes
		// every event to the broker so a subscriber on another replica can
		// still follow it (§5).
		lock      DistributedLock
		lockRenew time.Duration
		broker    Broker

		mu     sync.Mutex
		active map[string]*activeRun
	}

	// Option configures a Coordinator at construction time.
	Option func(*Coordinator)
)

// WithLogger overrides the default no-op Logger.
func WithLogger(l telemetry.Logger) Option { return func(c *Coordinator) { c.logger = l } }

// WithMetrics overrides the default no-op Metrics.
func WithMetrics(m telemetry.Metrics) Option { return func(c *Coordinator) { c.metrics = m } }

// WithTracer overrides the default no-op Tracer.
func WithTracer(t telemetry.Tracer) Option { return func(c *Coordinator) { c.tracer = t } }

// New constructs a Coordinator backed by store and registry.
func New(store thread.Store, registry agentapi.Registry, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    store,
		registry: registry,
		logger:   telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
		tracer:   telemetry.NewNoopTracer(),
		active:   make(map[string]*activeRun),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run admits and drives one run against a thread, per the admission and
// execution rules in §4.2. The returned channel carries only the events the
// agent itself emits, plus any TerminalFinalizer additions; it is closed
// once the run is durably persisted.
func (c *Coordinator) Run(ctx context.Context, req RunRequest) (<-chan agent.Event, error) {
	if req.ThreadID == "" || req.AgentID == "" {
		return nil, fmt.Errorf("%w: threadId and agentId are required", ErrInvalidInput)
	}

	agentProto, ok := c.registry.Lookup(req.AgentID)
	if !ok {
		return nil, fmt.Errorf("%w: agent %q", ErrNotFound, req.AgentID)
	}

	resourceIDs, exists, err := c.store.ThreadResourceIDs(ctx, req.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	switch {
	// A thread whose first run is still in flight has a running record but
	// no ownership yet; it is admitted as new and loses the compare-and-set
	// below with ErrThreadAlreadyRunning.
	case exists && len(resourceIDs) > 0:
		if !scope.Matches(resourceIDs, req.Scope) {
			return nil, fmt.Errorf("%w: thread %q not in caller's scope", ErrUnauthorized, req.ThreadID)
		}
	case req.Scope == nil || len(req.Scope.ResourceID) == 0:
		return nil, fmt.Errorf("%w: admin scope cannot create thread %q", ErrInvalidScope, req.ThreadID)
	default:
		resourceIDs = req.Scope.ResourceID
	}

	runID := uuid.NewString()
	admitted, err := c.store.TestAndSetRunning(ctx, req.ThreadID, runID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if !admitted {
		return nil, fmt.Errorf("%w: thread %q", ErrThreadAlreadyRunning, req.ThreadID)
	}

	// The local compare-and-set only excludes other goroutines in this
	// process; a distributed deployment also needs the cross-process
	// advisory lock (§5) before it is safe to actually drive the run.
	var lockToken string
	if c.lock != nil {
		tok, ok, err := c.lock.Acquire(ctx, req.ThreadID, runID)
		if err != nil {
			_ = c.store.SetRunning(ctx, req.ThreadID, "")
			return nil, fmt.Errorf("%w: distributed lock: %v", ErrStorage, err)
		}
		if !ok {
			_ = c.store.SetRunning(ctx, req.ThreadID, "")
			return nil, fmt.Errorf("%w: thread %q held by another process", ErrThreadAlreadyRunning, req.ThreadID)
		}
		lockToken = tok
	}

	prevRuns, err := c.store.ListRuns(ctx, req.ThreadID)
	if err != nil {
		_ = c.store.SetRunning(ctx, req.ThreadID, "")
		if c.lock != nil {
			_ = c.lock.Release(ctx, req.ThreadID, lockToken)
		}
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	var parentRunID string
	historic := make(map[string]struct{})
	if len(prevRuns) > 0 {
		parentRunID = prevRuns[len(prevRuns)-1].ID
	}
	for _, r := range prevRuns {
		for _, e := range r.Events {
			if mid, ok := agent.MessageIDOf(e); ok {
				historic[mid] = struct{}{}
			}
		}
	}

	ar := &activeRun{
		runID:         runID,
		resourceIDs:   resourceIDs,
		agentInstance: agentProto.Clone(),
		liveBus:       bus.New(),
	}
	c.mu.Lock()
	c.active[req.ThreadID] = ar
	c.mu.Unlock()

	runSink := make(chan agent.Event, runSinkBufferSize)
	properties := map[string]any(nil)
	if req.Scope != nil {
		properties = req.Scope.Properties
	}

	go c.drive(ctx, req, runID, parentRunID, lockToken, historic, resourceIDs, properties, ar, runSink)

	return runSink, nil
}

// drive runs the agent to completion and performs the termination sequence
// (§4.2 "Run execution" steps 4-5). It always clears the running flag and
// closes both sinks before returning, even if the agent panics or errors.
func (c *Coordinator) drive(
	ctx context.Context,
	req RunRequest,
	runID, parentRunID, lockToken string,
	historic map[string]struct{},
	resourceIDs []string,
	properties map[string]any,
	ar *activeRun,
	runSink chan agent.Event,
) {
	seen := make(map[string]struct{}, len(historic))
	for id := range historic {
		seen[id] = struct{}{}
	}

	if c.lock != nil {
		stopRenew := make(chan struct{})
		defer close(stopRenew)
		go c.renewLock(ctx, req.ThreadID, lockToken, stopRenew)
	}

	cb := &runCallbacks{
		ctx:      ctx,
		req:      req,
		historic: historic,
		seen:     seen,
		ar:       ar,
		runSink:  runSink,
		broker:   c.broker,
		logger:   c.logger,
	}

	runErr := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("agent panic: %v", r)
			}
		}()
		return ar.agentInstance.RunAgent(ctx, req.Input, cb)
	}()

	if runErr != nil {
		c.logger.Error(ctx, "agent run returned error", "threadId", req.ThreadID, "runId", runID, "error", runErr)
	}

	ar.mu.Lock()
	appended := finalizer.Finalize(req.ThreadID, runID, ar.buffer, ar.stopRequested)
	for _, e := range appended {
		ar.buffer = append(ar.buffer, e)
		runSink <- e
		ar.liveBus.Publish(e)
		if c.broker != nil {
			if err := c.broker.Publish(ctx, req.ThreadID, e); err != nil {
				c.logger.Error(ctx, "failed to publish to broker", "threadId", req.ThreadID, "error", err)
			}
		}
	}
	finalBuffer := append([]agent.Event(nil), ar.buffer...)
	ar.mu.Unlock()

	compacted := compact.Compact(finalBuffer)

	run := agent.Run{
		ID:          runID,
		ThreadID:    req.ThreadID,
		ParentRunID: parentRunID,
		Input:       req.Input,
		Events:      compacted,
		CreatedAt:   time.Now(),
	}
	if err := c.store.AppendRun(ctx, req.ThreadID, resourceIDs, properties, run); err != nil {
		c.logger.Error(ctx, "failed to persist run", "threadId", req.ThreadID, "runId", runID, "error", err)
		c.metrics.IncCounter("coordinator.append_run_failed", 1)
	}
	if err := c.store.SetRunning(ctx, req.ThreadID, ""); err != nil {
		c.logger.Error(ctx, "failed to clear running flag", "threadId", req.ThreadID, "error", err)
	}
	if c.lock != nil {
		if err := c.lock.Release(ctx, req.ThreadID, lockToken); err != nil {
			c.logger.Error(ctx, "failed to release distributed lock", "threadId", req.ThreadID, "error", err)
		}
	}
	if c.broker != nil {
		if err := c.broker.CloseThread(ctx, req.ThreadID); err != nil {
			c.logger.Error(ctx, "failed to close broker thread", "threadId", req.ThreadID, "error", err)
		}
	}

	c.mu.Lock()
	delete(c.active, req.ThreadID)
	c.mu.Unlock()

	ar.liveBus.Close()
	close(runSink)
}

// Connect attaches a subscriber to a thread's compacted history plus (if a
// run is active) the live tail. Unlike §4.2's "empty stream" phrasing, a
// scope mismatch or absent thread is reported as ErrNotFound so the HTTP
// layer can return 404 before any SSE headers are written.
func (c *Coordinator) Connect(ctx context.Context, req ConnectRequest) (<-chan agent.Event, error) {
	if req.ThreadID == "" {
		return nil, fmt.Errorf("%w: threadId is required", ErrInvalidInput)
	}

	resourceIDs, exists, err := c.store.ThreadResourceIDs(ctx, req.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	c.mu.Lock()
	ar := c.active[req.ThreadID]
	c.mu.Unlock()
	if ar != nil && len(resourceIDs) == 0 {
		// The thread's first run is still in flight and its ownership is
		// only persisted with that run; check against the admitted owner.
		resourceIDs, exists = ar.resourceIDs, true
	}
	if !exists || !scope.Matches(resourceIDs, req.Scope) {
		return nil, fmt.Errorf("%w: thread %q", ErrNotFound, req.ThreadID)
	}

	runs, err := c.store.ListRuns(ctx, req.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	var history []agent.Event
	for _, r := range runs {
		history = append(history, r.Events...)
	}
	history = compact.Compact(history)

	out := make(chan agent.Event, runSinkBufferSize)
	go func() {
		defer close(out)
		seenFromHistory := make(map[string]struct{})
		for _, e := range history {
			if mid, ok := agent.MessageIDOf(e); ok {
				seenFromHistory[mid] = struct{}{}
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
		if ar != nil {
			c.tailLiveBus(ctx, ar, out, seenFromHistory)
			return
		}
		// No local active run. On a distributed deployment the run may
		// still be live on another coordinator replica; fall back to the
		// broker tail instead of ending the stream at history (§5).
		if c.broker == nil {
			return
		}
		running, err := c.store.IsRunning(ctx, req.ThreadID)
		if err != nil || !running {
			return
		}
		c.tailBroker(ctx, req.ThreadID, out, seenFromHistory)
	}()
	return out, nil
}

// tailLiveBus forwards a thread's live in-process bus to out until the bus
// closes, the reader is dropped, or ctx is cancelled.
func (c *Coordinator) tailLiveBus(ctx context.Context, ar *activeRun, out chan<- agent.Event, seenFromHistory map[string]struct{}) {
	deliveries, sub := ar.liveBus.Subscribe()
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			// The subscriber disconnected: release its bus buffer instead
			// of blocking forever on a send nobody will ever read (§5,
			// "connect() cancellation").
			return
		case d, ok := <-deliveries:
			if !ok || d.Err != nil {
				return
			}
			if mid, ok := agent.MessageIDOf(d.Event); ok {
				if _, dup := seenFromHistory[mid]; dup {
					continue
				}
			}
			select {
			case out <- d.Event:
			case <-ctx.Done():
				return
			}
		}
	}
}

// tailBroker forwards the cross-process broker's live tail to out until it
// ends, errors, or ctx is cancelled.
func (c *Coordinator) tailBroker(ctx context.Context, threadID string, out chan<- agent.Event, seenFromHistory map[string]struct{}) {
	events, errs := c.broker.Tail(ctx, threadID)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				if err, ok2 := <-errs; ok2 && err != nil {
					c.logger.Error(ctx, "broker tail ended with error", "threadId", threadID, "error", err)
				}
				return
			}
			if mid, ok := agent.MessageIDOf(e); ok {
				if _, dup := seenFromHistory[mid]; dup {
					continue
				}
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Stop requests cooperative cancellation of the active run on threadID. It
// returns false if no run is active; true means the agent's cancellation
// hook was invoked (the finalizer still runs asynchronously, §4.2 "stop").
func (c *Coordinator) Stop(ctx context.Context, threadID string) (bool, error) {
	running, err := c.store.IsRunning(ctx, threadID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if !running {
		return false, nil
	}

	c.mu.Lock()
	ar := c.active[threadID]
	c.mu.Unlock()
	if ar == nil {
		return false, nil
	}

	ar.mu.Lock()
	ar.stopRequested = true
	ar.mu.Unlock()
	ar.agentInstance.AbortRun()
	return true, nil
}

// IsRunning reports whether threadID currently has an active run.
func (c *Coordinator) IsRunning(ctx context.Context, threadID string) (bool, error) {
	running, err := c.store.IsRunning(ctx, threadID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return running, nil
}
