// Package mongo hosts the MongoDB client backing the durable ThreadStore
// (§4.1, §6.5 persisted state layout).
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"
)

const (
	defaultRunsCollection     = "agentrun_runs"
	defaultRunStateCollection = "agentrun_run_state"
	defaultOpTimeout          = 5 * time.Second
	threadClientName          = "thread-mongo"

	// schemaVersion is recorded on every run_state upsert. §6.5 calls for a
	// schema-version row; this store keeps it inline on each document rather
	// than a separate collection since there is exactly one migration level
	// so far.
	schemaVersion = 1
)

// RunDocument is the persisted shape of one runs(...) row (§6.5).
type RunDocument struct {
	ThreadID    string `bson:"thread_id"`
	RunID       string `bson:"run_id"`
	ParentRunID string `bson:"parent_run_id,omitempty"`
	Events      []byte `bson:"events"`
	Input       []byte `bson:"input"`
	CreatedAt   int64  `bson:"created_at"`
	Version     int    `bson:"version"`
}

// RunStateDocument is the persisted shape of the run_state(...) row (§6.5).
type RunStateDocument struct {
	ThreadID       string   `bson:"_id"`
	ResourceIDs    []string `bson:"resource_ids"`
	Properties     bson.M   `bson:"properties,omitempty"`
	IsRunning      bool     `bson:"is_running"`
	CurrentRunID   string   `bson:"current_run_id,omitempty"`
	CreatedAt      int64    `bson:"created_at"`
	LastActivityAt int64    `bson:"last_activity_at"`
	Version        int      `bson:"version"`
}

// ErrAlreadyRunning is returned by TestAndSetRunning when the thread is
// already running and the caller's compare-and-set therefore loses (§5).
var ErrAlreadyRunning = errors.New("mongo: thread already running")

// Client exposes the Mongo-backed operations package mongo (the ThreadStore
// adapter, one directory up) needs.
type Client interface {
	health.Pinger

	UpsertRun(ctx context.Context, doc RunDocument) error
	ListRuns(ctx context.Context, threadID string) ([]RunDocument, error)
	UpsertRunState(ctx context.Context, threadID string, resourceIDs []string, properties bson.M, createdAt int64) error
	TouchLastActivity(ctx context.Context, threadID string, at int64) error
	GetRunState(ctx context.Context, threadID string) (*RunStateDocument, error)
	DeleteThread(ctx context.Context, threadID string) error
	TestAndSetRunning(ctx context.Context, threadID, runID string) (bool, error)
	SetRunning(ctx context.Context, threadID, runID string) error
	ListThreadStates(ctx context.Context) ([]RunStateDocument, error)
}

// Options configures the Mongo thread client.
type Options struct {
	Client          *mongodriver.Client
	Database        string
	RunsCollection  string
	StateCollection string
	Timeout         time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	runs    *mongodriver.Collection
	state   *mongodriver.Collection
	timeout time.Duration
}

// New returns a Client backed by MongoDB, creating the indexes ThreadStore's
// query patterns rely on (§4.1: lookup by thread_id, chain-walk by
// parent_run_id).
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	runsColl := opts.RunsCollection
	if runsColl == "" {
		runsColl = defaultRunsCollection
	}
	stateColl := opts.StateCollection
	if stateColl == "" {
		stateColl = defaultRunStateCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	db := opts.Client.Database(opts.Database)
	c := &client{
		mongo:   opts.Client,
		runs:    db.Collection(runsColl),
		state:   db.Collection(stateColl),
		timeout: timeout,
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := c.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *client) ensureIndexes(ctx context.Context) error {
	_, err := c.runs.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "thread_id", Value: 1}}},
		{Keys: bson.D{{Key: "parent_run_id", Value: 1}}},
		{Keys: bson.D{{Key: "run_id", Value: 1}}, Options: options.Index().SetUnique(true)},
	})
	return err
}

func (c *client) Name() string { return threadClientName }

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

// UpsertRun is idempotent on RunID: a run already stored (the retry case
// after a crashed AppendRun whose write succeeded but ack was lost) is left
// untouched rather than erroring (§4.1).
func (c *client) UpsertRun(ctx context.Context, doc RunDocument) error {
	doc.Version = schemaVersion
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	_, err := c.runs.UpdateOne(ctx,
		bson.M{"run_id": doc.RunID},
		bson.M{"$setOnInsert": doc},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

// ListRuns returns every run document for threadID. Ordering into the
// ParentRunID chain is the caller's job (package mongo, one directory up)
// since it must tolerate a broken chain gracefully.
func (c *client) ListRuns(ctx context.Context, threadID string) ([]RunDocument, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	cur, err := c.runs.Find(ctx, bson.M{"thread_id": threadID})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var docs []RunDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// UpsertRunState records a thread's immutable ownership on first creation.
// Subsequent calls for the same threadID are no-ops on resourceIDs/
// properties (§4.2: "thread's ownership is immutable"). The match filter
// keys off created_at rather than the whole document existing, because
// TestAndSetRunning's own upsert (the compare-and-set admission that runs
// before a new thread's first AppendRun) may already have created a bare
// run_state row with is_running/current_run_id set and nothing else; this
// still needs to backfill ownership onto that row exactly once. A thread
// whose ownership is already established loses the filter match and the
// upsert collides on _id, which is treated the same as "already set".
func (c *client) UpsertRunState(ctx context.Context, threadID string, resourceIDs []string, properties bson.M, createdAt int64) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	_, err := c.state.UpdateOne(ctx,
		bson.M{"_id": threadID, "created_at": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{
			"resource_ids": resourceIDs,
			"properties":   properties,
			"created_at":   createdAt,
			"version":      schemaVersion,
		}},
		options.UpdateOne().SetUpsert(true),
	)
	if mongodriver.IsDuplicateKeyError(err) {
		return nil
	}
	return err
}

// TouchLastActivity updates LastActivityAt on every AppendRun (§4.1).
func (c *client) TouchLastActivity(ctx context.Context, threadID string, at int64) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	_, err := c.state.UpdateOne(ctx,
		bson.M{"_id": threadID},
		bson.M{"$max": bson.M{"last_activity_at": at}},
	)
	return err
}

func (c *client) GetRunState(ctx context.Context, threadID string) (*RunStateDocument, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var doc RunStateDocument
	err := c.state.FindOne(ctx, bson.M{"_id": threadID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// DeleteThread removes both the run_state row and every run document for
// threadID. It is idempotent: deleting zero documents is not an error (§4.1).
func (c *client) DeleteThread(ctx context.Context, threadID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if _, err := c.state.DeleteOne(ctx, bson.M{"_id": threadID}); err != nil {
		return err
	}
	_, err := c.runs.DeleteMany(ctx, bson.M{"thread_id": threadID})
	return err
}

// TestAndSetRunning implements the atomic compare-and-set admission to a
// run (§5): it only flips is_running when the row is currently clear (absent
// counts as clear; a concurrent winner's write is invisible to any loser).
// A thread's run_state row is only guaranteed to exist once its first run
// has been appended (§4.2: UpsertRunState happens at AppendRun time), so the
// very first run on a brand-new thread must be able to admit against no row
// at all — hence the upsert. Two concurrent first-runs on the same new
// thread race the upsert itself: the loser gets a duplicate-key error on
// _id, which this treats the same as "already running".
func (c *client) TestAndSetRunning(ctx context.Context, threadID, runID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	res, err := c.state.UpdateOne(ctx,
		bson.M{"_id": threadID, "is_running": bson.M{"$ne": true}},
		bson.M{"$set": bson.M{"is_running": true, "current_run_id": runID}},
		options.UpdateOne().SetUpsert(true),
	)
	if mongodriver.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return res.ModifiedCount == 1 || res.UpsertedCount == 1, nil
}

func (c *client) SetRunning(ctx context.Context, threadID, runID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	_, err := c.state.UpdateOne(ctx,
		bson.M{"_id": threadID},
		bson.M{"$set": bson.M{"is_running": runID != "", "current_run_id": runID}},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

func (c *client) ListThreadStates(ctx context.Context) ([]RunStateDocument, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	cur, err := c.state.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var docs []RunStateDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}
