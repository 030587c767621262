// Package thread defines the ThreadStore contract: the durable per-thread
// log of completed runs, indexed by thread id and scope (§4.1).
package thread

import (
	"context"
	"errors"

	"goa.design/agentrun/runtime/agent"
	"goa.design/agentrun/runtime/agent/scope"
)

// ErrStorage wraps any backend failure. The coordinator treats it as fatal
// for the current operation but never as silent data loss (§4.1).
var ErrStorage = errors.New("thread: storage error")

// SuggestionMarker excludes vendor-defined "suggestion" threads (scratch
// threads created by client-side suggestion features) from ListThreads
// (§4.1).
const SuggestionMarker = "__suggestion__"

// Page is the result of ListThreads: the page of matching threads plus the
// total count across all pages for that scope.
type Page struct {
	Threads []agent.ThreadMetadata
	Total   int
}

// Store is the ThreadStore contract (§4.1). Implementations must provide
// serializable semantics for AppendRun and the run_state upsert (§5).
type Store interface {
	// AppendRun is idempotent on run.ID (unique constraint) and atomically
	// updates the thread's LastActivityAt. On the thread's first run,
	// resourceIDs and properties are recorded; on subsequent runs they are
	// ignored (thread ownership is immutable, §4.2).
	AppendRun(ctx context.Context, threadID string, resourceIDs []string, properties map[string]any, run agent.Run) error

	// ListRuns returns a thread's runs in CreatedAt ascending order,
	// following the ParentRunID linked list (§4.1).
	ListRuns(ctx context.Context, threadID string) ([]agent.Run, error)

	// ListThreads returns threads visible to scope, sorted by
	// LastActivityAt descending. limit defaults to 20 and is clamped to
	// [1,100]; offset is clamped to >= 0. Threads whose id contains
	// SuggestionMarker are excluded.
	ListThreads(ctx context.Context, s *scope.ResourceScope, limit, offset int) (Page, error)

	// GetThreadMetadata returns nil (not an error) if the thread is absent or
	// scope does not match — 404, never 403, to prevent existence
	// enumeration (§4.1, §9).
	GetThreadMetadata(ctx context.Context, threadID string, s *scope.ResourceScope) (*agent.ThreadMetadata, error)

	// DeleteThread is idempotent: no error if the thread is absent or scope
	// mismatched.
	DeleteThread(ctx context.Context, threadID string, s *scope.ResourceScope) error

	// IsRunning reports the single authoritative is-running flag used for
	// the single-writer mutual-exclusion invariant.
	IsRunning(ctx context.Context, threadID string) (bool, error)

	// SetRunning sets or clears (runID == "") the is-running flag. Callers
	// use this as part of an admission compare-and-set; distributed
	// deployments additionally take the advisory lock in package
	// features/bus/redis (§5).
	SetRunning(ctx context.Context, threadID string, runID string) error

	// TestAndSetRunning atomically admits runID iff the thread is not
	// already running, implementing §5's "atomic compare-and-set on the
	// thread's isRunning flag" (IsRunning+SetRunning alone cannot express
	// this atomically across a network round trip).
	TestAndSetRunning(ctx context.Context, threadID string, runID string) (admitted bool, err error)

	// ThreadResourceIDs returns the immutable ownership set recorded when
	// the thread was created, or (nil, false) if the thread does not exist.
	// The coordinator uses this for admission scope checks before a run
	// exists for the thread.
	ThreadResourceIDs(ctx context.Context, threadID string) ([]string, bool, error)
}
