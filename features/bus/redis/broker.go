package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/agentrun/runtime/agent"
)

const (
	// streamFieldEvent is the single field name under which the JSON-encoded
	// event envelope is stored on each stream entry.
	streamFieldEvent = "event"

	// defaultEntryTTL bounds how long a thread's broker stream survives
	// after the run completes; EventBus's in-process history plus
	// ThreadStore already cover replay, so the broker tail only needs to
	// outlive slow cross-process subscribers, not serve as durable storage
	// (§5: "not part of this core spec").
	defaultEntryTTL = 10 * time.Minute
)

// BrokerTail publishes a run's live events to a Redis stream so a subscriber
// attached to a different coordinator process than the run's writer can
// still tail it (§5: "optionally, tail a broker-specific shared log"). It is
// a pure fan-out convenience layered on top of the in-process EventBus, not
// a replacement for ThreadStore: history is always read from ThreadStore.
type BrokerTail struct {
	rdb    *redis.Client
	prefix string
}

// NewBrokerTail constructs a BrokerTail backed by rdb.
func NewBrokerTail(rdb *redis.Client) *BrokerTail {
	return &BrokerTail{rdb: rdb, prefix: "agentrun:stream:"}
}

// Publish appends event to threadID's stream. Callers publish every event an
// in-process Bus.Publish call also receives, so a remote subscriber sees the
// same ordered sequence a local one would (§5: "fan-out ordering").
func (b *BrokerTail) Publish(ctx context.Context, threadID string, event agent.Event) error {
	payload, err := agent.EncodeEvent(event)
	if err != nil {
		return fmt.Errorf("redis: encode event: %w", err)
	}
	_, err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: b.key(threadID),
		Values: map[string]any{streamFieldEvent: payload},
	}).Result()
	return err
}

// CloseThread marks the stream as done by setting its expiry, so it is
// cleaned up shortly after the run completes instead of accumulating
// forever (§5, §9 "bounded ring buffer" discipline applied to the broker
// tail too).
func (b *BrokerTail) CloseThread(ctx context.Context, threadID string) error {
	return b.rdb.Expire(ctx, b.key(threadID), defaultEntryTTL).Err()
}

// Tail streams every event published to threadID from the beginning of the
// stream, blocking for new entries until ctx is cancelled. The channel ends
// once a terminal event has been forwarded, when ctx is cancelled, or when
// an XREAD fails or an entry cannot be decoded; those two failures are also
// sent on the error channel.
func (b *BrokerTail) Tail(ctx context.Context, threadID string) (<-chan agent.Event, <-chan error) {
	events := make(chan agent.Event, 256)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		lastID := "0"
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			res, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{b.key(threadID), lastID},
				Block:   2 * time.Second,
				Count:   100,
			}).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			if err != nil {
				errs <- fmt.Errorf("redis: xread: %w", err)
				return
			}
			for _, stream := range res {
				for _, msg := range stream.Messages {
					lastID = msg.ID
					raw, ok := msg.Values[streamFieldEvent]
					if !ok {
						continue
					}
					s, ok := raw.(string)
					if !ok {
						continue
					}
					event, err := agent.DecodeEvent([]byte(s))
					if err != nil {
						errs <- fmt.Errorf("redis: decode event: %w", err)
						return
					}
					select {
					case events <- event:
					case <-ctx.Done():
						return
					}
					if agent.IsTerminal(event) {
						return
					}
				}
			}
		}
	}()

	return events, errs
}
