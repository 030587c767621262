package coordinator

import (
	"context"
	"time"

	"goa.design/agentrun/runtime/agent"
)

type (
	// DistributedLock is the cross-process counterpart to
	// thread.Store.TestAndSetRunning (§5): a durable, TTL'd lock keyed by
	// threadID that a coordinator replica must also hold before it may drive
	// a run, so a crashed replica's stuck local admission can never wedge a
	// thread forever. Implemented by features/bus/redis.AdvisoryLock for
	// multi-process deployments; a single-process deployment leaves this nil
	// and relies on ThreadStore's compare-and-set alone.
	DistributedLock interface {
		Acquire(ctx context.Context, threadID, runID string) (token string, ok bool, err error)
		Renew(ctx context.Context, threadID, token string) (bool, error)
		Release(ctx context.Context, threadID, token string) error
	}

	// Broker fans a run's live events out to subscribers attached to a
	// coordinator replica other than the one driving the run (§5,
	// "optionally, tail a broker-specific shared log"). Implemented by
	// features/bus/redis.BrokerTail; nil in a single-process deployment,
	// where Bus.Subscribe already covers every subscriber.
	Broker interface {
		Publish(ctx context.Context, threadID string, event agent.Event) error
		CloseThread(ctx context.Context, threadID string) error
		Tail(ctx context.Context, threadID string) (<-chan agent.Event, <-chan error)
	}
)

// WithDistributedLock enables the cross-process advisory lock for
// multi-replica deployments (§5).
func WithDistributedLock(lock DistributedLock, renewEvery time.Duration) Option {
	return func(c *Coordinator) {
		c.lock = lock
		c.lockRenew = renewEvery
	}
}

// WithBroker enables cross-process live-event fan-out for multi-replica
// deployments (§5).
func WithBroker(broker Broker) Option {
	return func(c *Coordinator) { c.broker = broker }
}

// renewLock periodically renews tok for threadID until stop is closed or a
// renewal reports the lock lost; a renewal that errors is logged and tried
// again on the next tick. A lost lock means another process may now also
// believe it holds this thread (§5); the coordinator has no way to safely
// abort an in-flight agent call, so this only logs — the run still races to
// finish and persist, same as it would with no distributed lock at all.
func (c *Coordinator) renewLock(ctx context.Context, threadID, tok string, stop <-chan struct{}) {
	if c.lock == nil || c.lockRenew <= 0 {
		return
	}
	ticker := time.NewTicker(c.lockRenew)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ok, err := c.lock.Renew(ctx, threadID, tok)
			if err != nil {
				c.logger.Error(ctx, "failed to renew distributed lock", "threadId", threadID, "error", err)
				continue
			}
			if !ok {
				c.logger.Error(ctx, "lost distributed lock to another process", "threadId", threadID)
				return
			}
		}
	}
}
