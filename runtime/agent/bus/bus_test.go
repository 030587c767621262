package bus

import (
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/agentrun/runtime/agent"
)

func drain(t *testing.T, ch <-chan Delivery) []agent.Event {
	t.Helper()
	var out []agent.Event
	for d := range ch {
		require.NoError(t, d.Err)
		out = append(out, d.Event)
	}
	return out
}

func TestSubscribeMidRunReplaysFromStartThenTail(t *testing.T) {
	b := New()
	b.Publish(agent.RunStartedEvent{ThreadID: "t1", RunID: "r1"})
	b.Publish(agent.TextMessageStartEvent{MessageID: "m1", Role: agent.RoleAssistant})

	ch, sub := b.Subscribe()
	defer sub.Unsubscribe()

	b.Publish(agent.TextMessageContentEvent{MessageID: "m1", Delta: "hi"})
	b.Publish(agent.RunFinishedEvent{ThreadID: "t1", RunID: "r1"})
	b.Close()

	got := drain(t, ch)
	require.Equal(t, []agent.Event{
		agent.RunStartedEvent{ThreadID: "t1", RunID: "r1"},
		agent.TextMessageStartEvent{MessageID: "m1", Role: agent.RoleAssistant},
		agent.TextMessageContentEvent{MessageID: "m1", Delta: "hi"},
		agent.RunFinishedEvent{ThreadID: "t1", RunID: "r1"},
	}, got)
}

func TestMultipleSubscribersSeeIdenticalTails(t *testing.T) {
	b := New()
	const n = 50
	var events []agent.Event
	for i := 0; i < n; i++ {
		events = append(events, agent.CustomEvent{ID: "c", Name: "tick"})
	}

	chans := make([]<-chan Delivery, 3)
	subs := make([]Subscription, 3)
	for i := range chans {
		chans[i], subs[i] = b.Subscribe()
		defer subs[i].Unsubscribe()
	}

	for _, e := range events {
		b.Publish(e)
	}
	b.Publish(agent.RunFinishedEvent{ThreadID: "t1", RunID: "r1"})
	b.Close()

	for i := range chans {
		got := drain(t, chans[i])
		require.Len(t, got, n+1)
		require.Equal(t, agent.RunFinishedEvent{ThreadID: "t1", RunID: "r1"}, got[n])
	}
}

func TestSubscribeAfterCloseGetsNothing(t *testing.T) {
	b := New()
	b.Publish(agent.RunFinishedEvent{ThreadID: "t1", RunID: "r1"})
	b.Close()

	ch, sub := b.Subscribe()
	defer sub.Unsubscribe()
	got := drain(t, ch)
	require.Empty(t, got, "historical replay after completion is ThreadStore's job, not the bus's")
}

func TestUnsubscribeDoesNotAffectWriterOrOtherReaders(t *testing.T) {
	b := New()
	ch1, sub1 := b.Subscribe()
	ch2, sub2 := b.Subscribe()
	defer sub2.Unsubscribe()

	sub1.Unsubscribe()
	_, ok := <-ch1
	require.False(t, ok, "unsubscribed reader's channel must be closed")

	b.Publish(agent.RunFinishedEvent{ThreadID: "t1", RunID: "r1"})
	b.Close()

	got := drain(t, ch2)
	require.Equal(t, []agent.Event{agent.RunFinishedEvent{ThreadID: "t1", RunID: "r1"}}, got)
}

func TestOverflowDropsReaderWithErrorWithoutBlockingWriter(t *testing.T) {
	b := New()
	b.bufSize = 2
	ch, sub := b.Subscribe()
	defer sub.Unsubscribe()

	for i := 0; i < 10; i++ {
		b.Publish(agent.CustomEvent{ID: "c", Name: "tick"})
	}
	b.Publish(agent.RunFinishedEvent{ThreadID: "t1", RunID: "r1"})
	b.Close()

	var sawOverflow bool
	for d := range ch {
		if d.Err != nil {
			require.ErrorIs(t, d.Err, ErrReaderOverflow)
			sawOverflow = true
		}
	}
	require.True(t, sawOverflow, "a reader that falls behind must be dropped with an error, never silently lose events for other readers")
}

func TestSubscribeOverflowingDuringReplayDoesNotPanicOrRegisterReader(t *testing.T) {
	b := New()
	b.bufSize = 2
	for i := 0; i < 10; i++ {
		b.Publish(agent.CustomEvent{ID: "c", Name: "tick"})
	}

	// The bus is still open and already has more history than bufSize, so
	// Subscribe's own replay loop must overflow before returning.
	ch, sub := b.Subscribe()
	defer sub.Unsubscribe()

	var sawOverflow bool
	for d := range ch {
		if d.Err != nil {
			require.ErrorIs(t, d.Err, ErrReaderOverflow)
			sawOverflow = true
		}
	}
	require.True(t, sawOverflow)

	require.NotPanics(t, func() {
		b.Publish(agent.CustomEvent{ID: "c", Name: "tock"})
	}, "a reader dropped during replay must not still be registered for live delivery")
}
