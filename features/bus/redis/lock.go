// Package redis provides the distributed collaborators a multi-process
// deployment of the coordinator needs that a single in-process Bus cannot
// provide (§5): a TTL'd advisory lock backing the single-writer admission
// compare-and-set across coordinator replicas, and an XADD-based broker tail
// so subscribers on a different process than the run's writer can still
// follow the live event stream.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld describes the advisory lock for a thread being held by another
// process. Acquire does not return it: it reports a held lock as ok == false
// with a nil error.
var ErrLockHeld = errors.New("redis: advisory lock held by another process")

// renewScript atomically extends a lock's TTL only if the caller still holds
// it (token matches), so a process that lost the lock to expiry can never
// accidentally renew someone else's admission.
const renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`

// releaseScript deletes the lock key only if the caller still holds it.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// AdvisoryLock implements the per-thread advisory lock §5 requires for
// distributed deployments: "a durable advisory lock keyed by threadId with a
// TTL exceeding the longest expected run and renewed while the run is
// active".
type AdvisoryLock struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

// NewAdvisoryLock constructs an AdvisoryLock backed by rdb. ttl should
// exceed the longest expected run (config.BusConfig.LockTTL); the lock is
// renewed periodically by the caller via Renew while the run is active.
func NewAdvisoryLock(rdb *redis.Client, ttl time.Duration) *AdvisoryLock {
	return &AdvisoryLock{rdb: rdb, ttl: ttl, prefix: "agentrun:lock:"}
}

// Token is the opaque handle returned by Acquire and required by Renew and
// Release, so a process can never renew or release a lock it does not hold.
type Token string

// Acquire attempts to admit runID as the sole writer for threadID across all
// coordinator replicas. It returns ("", false, nil) if another process holds
// the lock; this is the distributed counterpart to
// thread.Store.TestAndSetRunning and must be checked in addition to it
// (§5: the compare-and-set is local per-store, the lock is cross-process).
func (l *AdvisoryLock) Acquire(ctx context.Context, threadID, runID string) (Token, bool, error) {
	token := Token(fmt.Sprintf("%s:%s", runID, uuid.NewString()))
	ok, err := l.rdb.SetNX(ctx, l.key(threadID), string(token), l.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis: acquire lock: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Renew extends the lock's TTL. Callers should invoke this on an interval
// well under ttl/2 while the run remains active; a failed renew (lock lost
// to expiry, e.g. a long GC pause) should be treated as "another process may
// now also believe it holds this thread" and surfaced to the caller so it
// can decide whether to abort.
func (l *AdvisoryLock) Renew(ctx context.Context, threadID string, token Token) (bool, error) {
	res, err := l.rdb.Eval(ctx, renewScript, []string{l.key(threadID)}, string(token), l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis: renew lock: %w", err)
	}
	return res == 1, nil
}

// Release drops the lock if token still matches. Safe to call after the
// lock has already expired or been taken over by another process (a no-op
// in that case).
func (l *AdvisoryLock) Release(ctx context.Context, threadID string, token Token) error {
	if _, err := l.rdb.Eval(ctx, releaseScript, []string{l.key(threadID)}, string(token)).Int64(); err != nil {
		return fmt.Errorf("redis: release lock: %w", err)
	}
	return nil
}

func (l *AdvisoryLock) key(threadID string) string {
	return l.prefix + threadID
}
