package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"goa.design/agentrun/runtime/agent"
	clientsmongo "goa.design/agentrun/features/thread/mongo/clients/mongo"
	"goa.design/agentrun/runtime/agent/scope"
	"goa.design/agentrun/runtime/agent/thread"
)

// Store implements thread.Store by delegating to a Mongo Client. It is the
// durable counterpart to thread/inmem.Store: every method has the same
// contract, backed by the two collections in §6.5.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("mongo thread store: client is required")
	}
	return &Store{client: client}, nil
}

// AppendRun implements thread.Store.
func (s *Store) AppendRun(ctx context.Context, threadID string, resourceIDs []string, properties map[string]any, run agent.Run) error {
	eventsBlob, err := agent.EncodeEvents(run.Events)
	if err != nil {
		return fmt.Errorf("%w: encode events: %v", thread.ErrStorage, err)
	}
	inputBlob, err := json.Marshal(run.Input)
	if err != nil {
		return fmt.Errorf("%w: encode input: %v", thread.ErrStorage, err)
	}

	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	if err := s.client.UpsertRunState(ctx, threadID, resourceIDs, toBSONProperties(properties), createdAt.UnixNano()); err != nil {
		return fmt.Errorf("%w: upsert run state: %v", thread.ErrStorage, err)
	}

	doc := clientsmongo.RunDocument{
		ThreadID:    threadID,
		RunID:       run.ID,
		ParentRunID: run.ParentRunID,
		Events:      eventsBlob,
		Input:       inputBlob,
		CreatedAt:   createdAt.UnixNano(),
	}
	if err := s.client.UpsertRun(ctx, doc); err != nil {
		return fmt.Errorf("%w: upsert run: %v", thread.ErrStorage, err)
	}
	if err := s.client.TouchLastActivity(ctx, threadID, createdAt.UnixNano()); err != nil {
		return fmt.Errorf("%w: touch last activity: %v", thread.ErrStorage, err)
	}
	return nil
}

// ListRuns implements thread.Store. Ordering follows CreatedAt ascending,
// which (absent clock skew) coincides with the ParentRunID chain; §4.1 notes
// the chain-walk exists specifically to survive skew, so we additionally
// verify the chain and fall back to the CreatedAt order if it's broken
// rather than erroring.
func (s *Store) ListRuns(ctx context.Context, threadID string) ([]agent.Run, error) {
	docs, err := s.client.ListRuns(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("%w: list runs: %v", thread.ErrStorage, err)
	}
	runs := make([]agent.Run, 0, len(docs))
	for _, d := range docs {
		events, err := agent.DecodeEvents(d.Events)
		if err != nil {
			return nil, fmt.Errorf("%w: decode events for run %s: %v", thread.ErrStorage, d.RunID, err)
		}
		var input agent.RunInput
		if len(d.Input) > 0 {
			if err := json.Unmarshal(d.Input, &input); err != nil {
				return nil, fmt.Errorf("%w: decode input for run %s: %v", thread.ErrStorage, d.RunID, err)
			}
		}
		runs = append(runs, agent.Run{
			ID:          d.RunID,
			ThreadID:    d.ThreadID,
			ParentRunID: d.ParentRunID,
			Input:       input,
			Events:      events,
			CreatedAt:   time.Unix(0, d.CreatedAt),
		})
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].CreatedAt.Before(runs[j].CreatedAt) })
	return chainOrder(runs), nil
}

// chainOrder walks the ParentRunID linked list starting from the run with no
// parent. If the chain is broken (a concurrent write lost a race, or data
// predates a ParentRunID backfill) it falls back to the CreatedAt-sorted
// input unchanged, since that is already the best available approximation.
func chainOrder(runs []agent.Run) []agent.Run {
	byID := make(map[string]agent.Run, len(runs))
	children := make(map[string]string, len(runs))
	var root string
	for _, r := range runs {
		byID[r.ID] = r
		if r.ParentRunID == "" {
			if root != "" {
				return runs // more than one root: ambiguous, use CreatedAt order
			}
			root = r.ID
		} else {
			children[r.ParentRunID] = r.ID
		}
	}
	if root == "" && len(runs) > 0 {
		return runs
	}
	ordered := make([]agent.Run, 0, len(runs))
	id := root
	for id != "" {
		r, ok := byID[id]
		if !ok {
			return runs
		}
		ordered = append(ordered, r)
		id = children[id]
	}
	if len(ordered) != len(runs) {
		return runs
	}
	return ordered
}

// ListThreads implements thread.Store.
func (s *Store) ListThreads(ctx context.Context, sc *scope.ResourceScope, limit, offset int) (thread.Page, error) {
	states, err := s.client.ListThreadStates(ctx)
	if err != nil {
		return thread.Page{}, fmt.Errorf("%w: list thread states: %v", thread.ErrStorage, err)
	}
	var visible []clientsmongo.RunStateDocument
	for _, st := range states {
		if !scope.Matches(st.ResourceIDs, sc) {
			continue
		}
		if strings.Contains(st.ThreadID, thread.SuggestionMarker) {
			continue
		}
		visible = append(visible, st)
	}
	sort.SliceStable(visible, func(i, j int) bool { return visible[i].LastActivityAt > visible[j].LastActivityAt })

	limit = clampInt(limit, 20, 1, 100)
	offset = clampInt(offset, 0, 0, len(visible))

	page := thread.Page{Total: len(visible)}
	end := offset + limit
	if end > len(visible) {
		end = len(visible)
	}
	for _, st := range visible[offset:end] {
		md, err := s.metadataFor(ctx, st)
		if err != nil {
			return thread.Page{}, err
		}
		if md != nil {
			page.Threads = append(page.Threads, *md)
		}
	}
	return page, nil
}

// GetThreadMetadata implements thread.Store.
func (s *Store) GetThreadMetadata(ctx context.Context, threadID string, sc *scope.ResourceScope) (*agent.ThreadMetadata, error) {
	st, err := s.client.GetRunState(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("%w: get run state: %v", thread.ErrStorage, err)
	}
	if st == nil || !scope.Matches(st.ResourceIDs, sc) {
		return nil, nil
	}
	return s.metadataFor(ctx, *st)
}

func (s *Store) metadataFor(ctx context.Context, st clientsmongo.RunStateDocument) (*agent.ThreadMetadata, error) {
	runs, err := s.ListRuns(ctx, st.ThreadID)
	if err != nil {
		return nil, err
	}
	md := &agent.ThreadMetadata{
		ThreadID:       st.ThreadID,
		CreatedAt:      time.Unix(0, st.CreatedAt),
		LastActivityAt: time.Unix(0, st.LastActivityAt),
		IsRunning:      st.IsRunning,
		Properties:     fromBSONProperties(st.Properties),
	}
	if len(st.ResourceIDs) > 0 {
		md.ResourceID = st.ResourceIDs[0]
	}
	seen := make(map[string]struct{})
	for _, r := range runs {
		for _, e := range r.Events {
			if mid, ok := agent.MessageIDOf(e); ok {
				seen[mid] = struct{}{}
			}
			if md.FirstMessage == "" {
				if v, ok := e.(agent.TextMessageContentEvent); ok && v.Delta != "" {
					md.FirstMessage = agent.TruncateFirstMessage(v.Delta)
				}
			}
		}
	}
	md.MessageCount = len(seen)
	return md, nil
}

// DeleteThread implements thread.Store.
func (s *Store) DeleteThread(ctx context.Context, threadID string, sc *scope.ResourceScope) error {
	st, err := s.client.GetRunState(ctx, threadID)
	if err != nil {
		return fmt.Errorf("%w: get run state: %v", thread.ErrStorage, err)
	}
	if st == nil || !scope.Matches(st.ResourceIDs, sc) {
		return nil
	}
	if err := s.client.DeleteThread(ctx, threadID); err != nil {
		return fmt.Errorf("%w: delete thread: %v", thread.ErrStorage, err)
	}
	return nil
}

// IsRunning implements thread.Store.
func (s *Store) IsRunning(ctx context.Context, threadID string) (bool, error) {
	st, err := s.client.GetRunState(ctx, threadID)
	if err != nil {
		return false, fmt.Errorf("%w: get run state: %v", thread.ErrStorage, err)
	}
	return st != nil && st.IsRunning, nil
}

// SetRunning implements thread.Store.
func (s *Store) SetRunning(ctx context.Context, threadID string, runID string) error {
	if err := s.client.SetRunning(ctx, threadID, runID); err != nil {
		return fmt.Errorf("%w: set running: %v", thread.ErrStorage, err)
	}
	return nil
}

// TestAndSetRunning implements thread.Store.
func (s *Store) TestAndSetRunning(ctx context.Context, threadID string, runID string) (bool, error) {
	admitted, err := s.client.TestAndSetRunning(ctx, threadID, runID)
	if err != nil {
		return false, fmt.Errorf("%w: test-and-set running: %v", thread.ErrStorage, err)
	}
	return admitted, nil
}

// ThreadResourceIDs implements thread.Store.
func (s *Store) ThreadResourceIDs(ctx context.Context, threadID string) ([]string, bool, error) {
	st, err := s.client.GetRunState(ctx, threadID)
	if err != nil {
		return nil, false, fmt.Errorf("%w: get run state: %v", thread.ErrStorage, err)
	}
	if st == nil {
		return nil, false, nil
	}
	return st.ResourceIDs, true, nil
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

func toBSONProperties(m map[string]any) bson.M {
	if len(m) == 0 {
		return nil
	}
	out := make(bson.M, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func fromBSONProperties(m bson.M) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
