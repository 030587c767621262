package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"goa.design/agentrun/runtime/agent"
)

// testClient connects to REDIS_ADDR (default localhost:6379) and skips the
// test if no server answers within a short timeout. These are integration
// tests: AdvisoryLock and BrokerTail only make sense against a real Redis,
// and this package carries no fake client the way thread/mongo does.
func testClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestAdvisoryLockMutualExclusion(t *testing.T) {
	rdb := testClient(t)
	lock := NewAdvisoryLock(rdb, time.Second)
	ctx := context.Background()
	threadID := "t-" + t.Name()
	defer rdb.Del(ctx, "agentrun:lock:"+threadID)

	token, ok, err := lock.Acquire(ctx, threadID, "run-1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = lock.Acquire(ctx, threadID, "run-2")
	require.NoError(t, err)
	require.False(t, ok)

	renewed, err := lock.Renew(ctx, threadID, token)
	require.NoError(t, err)
	require.True(t, renewed)

	require.NoError(t, lock.Release(ctx, threadID, token))

	_, ok, err = lock.Acquire(ctx, threadID, "run-3")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAdvisoryLockRenewRejectsStaleToken(t *testing.T) {
	rdb := testClient(t)
	lock := NewAdvisoryLock(rdb, time.Second)
	ctx := context.Background()
	threadID := "t-" + t.Name()
	defer rdb.Del(ctx, "agentrun:lock:"+threadID)

	_, ok, err := lock.Acquire(ctx, threadID, "run-1")
	require.NoError(t, err)
	require.True(t, ok)

	renewed, err := lock.Renew(ctx, threadID, Token("not-the-real-token"))
	require.NoError(t, err)
	require.False(t, renewed)
}

func TestBrokerTailPublishAndTail(t *testing.T) {
	rdb := testClient(t)
	tail := NewBrokerTail(rdb)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	threadID := "t-" + t.Name()
	defer rdb.Del(ctx, "agentrun:stream:"+threadID)

	events, errs := tail.Tail(ctx, threadID)

	require.NoError(t, tail.Publish(ctx, threadID, agent.TextMessageStartEvent{MessageID: "m1", Role: agent.RoleAssistant}))
	require.NoError(t, tail.Publish(ctx, threadID, agent.RunFinishedEvent{ThreadID: threadID, RunID: "r1"}))

	var got []agent.Event
	for e := range events {
		got = append(got, e)
	}
	require.NoError(t, <-errs)
	require.Len(t, got, 2)
	require.Equal(t, agent.EventTextMessageStart, got[0].Type())
	require.Equal(t, agent.EventRunFinished, got[1].Type())
}
