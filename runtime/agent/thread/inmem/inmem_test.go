package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/agentrun/runtime/agent"
	"goa.design/agentrun/runtime/agent/scope"
)

func TestStoreAppendRunListRuns(t *testing.T) {
	store := New()
	ctx := context.Background()

	first := agent.Run{
		ID:        "run-1",
		ThreadID:  "t1",
		CreatedAt: time.Now().Add(-time.Minute),
		Events: []agent.Event{
			agent.TextMessageStartEvent{MessageID: "m1", Role: agent.RoleUser},
			agent.TextMessageContentEvent{MessageID: "m1", Delta: "Hello"},
			agent.TextMessageEndEvent{MessageID: "m1"},
			agent.RunFinishedEvent{ThreadID: "t1", RunID: "run-1"},
		},
	}
	second := agent.Run{
		ID:          "run-2",
		ThreadID:    "t1",
		ParentRunID: "run-1",
		CreatedAt:   time.Now(),
		Events:      []agent.Event{agent.RunFinishedEvent{ThreadID: "t1", RunID: "run-2"}},
	}

	require.NoError(t, store.AppendRun(ctx, "t1", []string{"org-1"}, map[string]any{"k": "v"}, first))
	require.NoError(t, store.AppendRun(ctx, "t1", []string{"org-2"}, nil, second))

	runs, err := store.ListRuns(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "run-1", runs[0].ID)
	require.Equal(t, "run-2", runs[1].ID)

	ids, ok, err := store.ThreadResourceIDs(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"org-1"}, ids, "ownership is fixed on the first run and ignores later runs")
}

func TestStoreAppendRunIsIdempotent(t *testing.T) {
	store := New()
	ctx := context.Background()
	run := agent.Run{ID: "run-1", ThreadID: "t1", CreatedAt: time.Now()}
	require.NoError(t, store.AppendRun(ctx, "t1", nil, nil, run))
	require.NoError(t, store.AppendRun(ctx, "t1", nil, nil, run))
	runs, err := store.ListRuns(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, runs, 1)
}

func TestStoreGetThreadMetadataDefensiveCopy(t *testing.T) {
	store := New()
	ctx := context.Background()
	require.NoError(t, store.AppendRun(ctx, "t1", []string{"org-1"}, map[string]any{"k": "v"}, agent.Run{
		ID: "run-1", ThreadID: "t1", CreatedAt: time.Now(),
		Events: []agent.Event{
			agent.TextMessageStartEvent{MessageID: "m1", Role: agent.RoleUser},
			agent.TextMessageContentEvent{MessageID: "m1", Delta: "first message"},
			agent.TextMessageEndEvent{MessageID: "m1"},
		},
	}))

	md, err := store.GetThreadMetadata(ctx, "t1", nil)
	require.NoError(t, err)
	require.NotNil(t, md)
	require.Equal(t, "first message", md.FirstMessage)
	require.Equal(t, 1, md.MessageCount)

	md.Properties["k"] = "mutated"
	reread, _ := store.GetThreadMetadata(ctx, "t1", nil)
	require.Equal(t, "v", reread.Properties["k"], "expected defensive copy")
}

func TestStoreGetThreadMetadataScopeMismatchIsNotFound(t *testing.T) {
	store := New()
	ctx := context.Background()
	require.NoError(t, store.AppendRun(ctx, "t1", []string{"org-1"}, nil, agent.Run{ID: "run-1", ThreadID: "t1", CreatedAt: time.Now()}))

	md, err := store.GetThreadMetadata(ctx, "t1", &scope.ResourceScope{ResourceID: []string{"org-2"}})
	require.NoError(t, err)
	require.Nil(t, md, "scope mismatch must behave like absence, never an authorization error")

	md, err = store.GetThreadMetadata(ctx, "does-not-exist", nil)
	require.NoError(t, err)
	require.Nil(t, md)
}

func TestStoreListThreadsScopeFilterAndPaging(t *testing.T) {
	store := New()
	ctx := context.Background()
	for i, id := range []string{"t1", "t2", "t3"} {
		require.NoError(t, store.AppendRun(ctx, id, []string{"org-1"}, nil, agent.Run{
			ID: id + "-run", ThreadID: id, CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, store.AppendRun(ctx, "t4", []string{"org-2"}, nil, agent.Run{ID: "t4-run", ThreadID: "t4", CreatedAt: time.Now()}))

	page, err := store.ListThreads(ctx, &scope.ResourceScope{ResourceID: []string{"org-1"}}, 2, 0)
	require.NoError(t, err)
	require.Equal(t, 3, page.Total)
	require.Len(t, page.Threads, 2)
	require.Equal(t, "t3", page.Threads[0].ThreadID, "most recently active thread first")

	page, err = store.ListThreads(ctx, &scope.ResourceScope{ResourceID: []string{"org-1"}}, 2, 2)
	require.NoError(t, err)
	require.Len(t, page.Threads, 1)
	require.Equal(t, "t1", page.Threads[0].ThreadID)
}

func TestStoreRunningFlag(t *testing.T) {
	store := New()
	ctx := context.Background()

	running, err := store.IsRunning(ctx, "t1")
	require.NoError(t, err)
	require.False(t, running)

	require.NoError(t, store.SetRunning(ctx, "t1", "run-1"))
	running, err = store.IsRunning(ctx, "t1")
	require.NoError(t, err)
	require.True(t, running)

	require.NoError(t, store.SetRunning(ctx, "t1", ""))
	running, err = store.IsRunning(ctx, "t1")
	require.NoError(t, err)
	require.False(t, running)
}

func TestStoreTestAndSetRunningIsExclusive(t *testing.T) {
	store := New()
	ctx := context.Background()

	admitted, err := store.TestAndSetRunning(ctx, "t1", "run-1")
	require.NoError(t, err)
	require.True(t, admitted)

	admitted, err = store.TestAndSetRunning(ctx, "t1", "run-2")
	require.NoError(t, err)
	require.False(t, admitted, "second concurrent admission attempt must fail")

	require.NoError(t, store.SetRunning(ctx, "t1", ""))
	admitted, err = store.TestAndSetRunning(ctx, "t1", "run-3")
	require.NoError(t, err)
	require.True(t, admitted, "admission must succeed again once the flag is cleared")
}

func TestStoreDeleteThreadIsIdempotent(t *testing.T) {
	store := New()
	ctx := context.Background()
	require.NoError(t, store.AppendRun(ctx, "t1", []string{"org-1"}, nil, agent.Run{ID: "run-1", ThreadID: "t1", CreatedAt: time.Now()}))

	require.NoError(t, store.DeleteThread(ctx, "t1", nil))
	md, err := store.GetThreadMetadata(ctx, "t1", nil)
	require.NoError(t, err)
	require.Nil(t, md)

	require.NoError(t, store.DeleteThread(ctx, "t1", nil), "deleting an absent thread is not an error")
	require.NoError(t, store.DeleteThread(ctx, "does-not-exist", nil))
}
