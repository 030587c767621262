// Package inmem provides an in-memory implementation of thread.Store for
// testing and local development. State lives in process memory only and does
// not survive a restart; production deployments should use a durable backend
// such as features/thread/mongo.
package inmem

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"goa.design/agentrun/runtime/agent"
	"goa.design/agentrun/runtime/agent/scope"
	"goa.design/agentrun/runtime/agent/thread"
)

// threadRecord is the internal per-thread state: ownership, the run log, and
// the single-writer flag. Runs are kept in a map keyed by ID plus an
// append-order slice of ids, mirroring the ParentRunID chain a durable
// backend would reconstruct via a query.
type threadRecord struct {
	resourceIDs    []string
	properties     map[string]any
	createdAt      time.Time
	lastActivityAt time.Time
	runningRunID   string
	runOrder       []string
	runs           map[string]agent.Run
}

// Store implements thread.Store in memory with no durability. All operations
// are safe for concurrent use via a single mutex guarding the whole map;
// records are defensively copied on read and write so callers cannot mutate
// stored state through a returned slice or map.
type Store struct {
	mu      sync.Mutex
	threads map[string]*threadRecord
}

// New constructs an empty Store with no recorded threads.
func New() *Store {
	return &Store{threads: make(map[string]*threadRecord)}
}

// AppendRun implements thread.Store.
func (s *Store) AppendRun(_ context.Context, threadID string, resourceIDs []string, properties map[string]any, run agent.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[threadID]
	if !ok {
		now := run.CreatedAt
		if now.IsZero() {
			now = time.Now()
		}
		t = &threadRecord{createdAt: now, runs: make(map[string]agent.Run)}
		s.threads[threadID] = t
	}
	// Ownership is recorded on the thread's first run, including when
	// TestAndSetRunning already created a bare record at admission.
	if len(t.runOrder) == 0 {
		t.resourceIDs = append([]string(nil), resourceIDs...)
		t.properties = cloneProperties(properties)
	}

	if _, exists := t.runs[run.ID]; !exists {
		t.runOrder = append(t.runOrder, run.ID)
	}
	t.runs[run.ID] = cloneRun(run)

	if run.CreatedAt.After(t.lastActivityAt) {
		t.lastActivityAt = run.CreatedAt
	} else if t.lastActivityAt.IsZero() {
		t.lastActivityAt = time.Now()
	}
	return nil
}

// ListRuns implements thread.Store.
func (s *Store) ListRuns(_ context.Context, threadID string) ([]agent.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[threadID]
	if !ok {
		return nil, nil
	}
	runs := make([]agent.Run, 0, len(t.runOrder))
	for _, id := range t.runOrder {
		runs = append(runs, cloneRun(t.runs[id]))
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].CreatedAt.Before(runs[j].CreatedAt) })
	return runs, nil
}

// ListThreads implements thread.Store.
func (s *Store) ListThreads(_ context.Context, sc *scope.ResourceScope, limit, offset int) (thread.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, t := range s.threads {
		if !scope.Matches(t.resourceIDs, sc) {
			continue
		}
		if strings.Contains(id, thread.SuggestionMarker) {
			continue
		}
		ids = append(ids, id)
	}
	sort.SliceStable(ids, func(i, j int) bool {
		return s.threads[ids[i]].lastActivityAt.After(s.threads[ids[j]].lastActivityAt)
	})

	limit = clampInt(limit, 20, 1, 100)
	offset = clampInt(offset, 0, 0, len(ids))

	page := thread.Page{Total: len(ids)}
	end := offset + limit
	if end > len(ids) {
		end = len(ids)
	}
	for _, id := range ids[offset:end] {
		md := s.metadataLocked(id)
		if md != nil {
			page.Threads = append(page.Threads, *md)
		}
	}
	return page, nil
}

// GetThreadMetadata implements thread.Store.
func (s *Store) GetThreadMetadata(_ context.Context, threadID string, sc *scope.ResourceScope) (*agent.ThreadMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[threadID]
	if !ok || !scope.Matches(t.resourceIDs, sc) {
		return nil, nil
	}
	return s.metadataLocked(threadID), nil
}

// DeleteThread implements thread.Store.
func (s *Store) DeleteThread(_ context.Context, threadID string, sc *scope.ResourceScope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[threadID]
	if !ok || !scope.Matches(t.resourceIDs, sc) {
		return nil
	}
	delete(s.threads, threadID)
	return nil
}

// IsRunning implements thread.Store.
func (s *Store) IsRunning(_ context.Context, threadID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		return false, nil
	}
	return t.runningRunID != "", nil
}

// SetRunning implements thread.Store. An empty threadID record is created on
// demand so a run can be admitted before any run has been appended yet.
func (s *Store) SetRunning(_ context.Context, threadID string, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		t = &threadRecord{createdAt: time.Now(), runs: make(map[string]agent.Run)}
		s.threads[threadID] = t
	}
	t.runningRunID = runID
	return nil
}

// ThreadResourceIDs implements thread.Store.
func (s *Store) ThreadResourceIDs(_ context.Context, threadID string) ([]string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		return nil, false, nil
	}
	return append([]string(nil), t.resourceIDs...), true, nil
}

// TestAndSetRunning implements thread.Store.
func (s *Store) TestAndSetRunning(_ context.Context, threadID string, runID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		t = &threadRecord{createdAt: time.Now(), runs: make(map[string]agent.Run)}
		s.threads[threadID] = t
	}
	if t.runningRunID != "" {
		return false, nil
	}
	t.runningRunID = runID
	return true, nil
}

// Reset clears all stored threads. Not part of thread.Store; for tests only.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads = make(map[string]*threadRecord)
}

func (s *Store) metadataLocked(threadID string) *agent.ThreadMetadata {
	t, ok := s.threads[threadID]
	if !ok {
		return nil
	}
	md := &agent.ThreadMetadata{
		ThreadID:       threadID,
		CreatedAt:      t.createdAt,
		LastActivityAt: t.lastActivityAt,
		IsRunning:      t.runningRunID != "",
		Properties:     cloneProperties(t.properties),
	}
	if len(t.resourceIDs) > 0 {
		md.ResourceID = t.resourceIDs[0]
	}
	seen := make(map[string]struct{})
	for _, id := range t.runOrder {
		for _, e := range t.runs[id].Events {
			if mid, ok := agent.MessageIDOf(e); ok {
				seen[mid] = struct{}{}
			}
		}
	}
	md.MessageCount = len(seen)
	if first := firstMessageContent(t); first != "" {
		md.FirstMessage = agent.TruncateFirstMessage(first)
	}
	return md
}

// firstMessageContent returns the first non-empty TEXT_MESSAGE_CONTENT.delta
// across the thread's runs, in run then event order (§4.1 ThreadMetadata).
func firstMessageContent(t *threadRecord) string {
	for _, id := range t.runOrder {
		for _, e := range t.runs[id].Events {
			if v, ok := e.(agent.TextMessageContentEvent); ok && v.Delta != "" {
				return v.Delta
			}
		}
	}
	return ""
}

func clampInt(v, def, min, max int) int {
	if v <= 0 {
		v = def
	}
	if v < min {
		v = min
	}
	if v > max {
		v = max
	}
	return v
}

func cloneProperties(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func cloneRun(r agent.Run) agent.Run {
	cp := r
	cp.Events = append([]agent.Event(nil), r.Events...)
	if r.Input.Messages != nil {
		cp.Input.Messages = append([]agent.Message(nil), r.Input.Messages...)
	}
	if r.Input.Tools != nil {
		cp.Input.Tools = append([]any(nil), r.Input.Tools...)
	}
	if r.Input.Context != nil {
		cp.Input.Context = cloneProperties(r.Input.Context)
	}
	return cp
}
