// Package syncutil provides context-aware synchronization primitives.
package syncutil

import (
	"context"
	"hash/fnv"
)

// ContextShardedMutex provides per-key locking with context cancellation
// support. Keys are hashed onto a fixed number of shards, each guarded by a
// channel-based mutex that a waiter can abandon when its context is done.
//
// Settlement uses one of these keyed by player ID so that two concurrent
// settlements for the same player serialize while unrelated players proceed
// in parallel.
type ContextShardedMutex struct {
	shards []chan struct{}
}

// NewContextShardedMutex creates a sharded mutex with the given shard count.
// Counts below 1 fall back to 256.
func NewContextShardedMutex(shardCount int) *ContextShardedMutex {
	if shardCount < 1 {
		shardCount = 256
	}
	shards := make([]chan struct{}, shardCount)
	for i := range shards {
		shards[i] = make(chan struct{}, 1)
	}
	return &ContextShardedMutex{shards: shards}
}

func (m *ContextShardedMutex) shard(key string) chan struct{} {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}

// LockContext acquires the lock for key, blocking until it is available or
// ctx is done. On success it returns an unlock function that must be called
// exactly once.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	ch := m.shard(key)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the lock for key without blocking. It returns the unlock
// function and true on success, or nil and false if the lock is held.
func (m *ContextShardedMutex) TryLock(key string) (func(), bool) {
	ch := m.shard(key)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, true
	default:
		return nil, false
	}
}
