package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockContextSerializesSameKey(t *testing.T) {
	m := NewContextShardedMutex(16)
	ctx := context.Background()

	unlock, err := m.LockContext(ctx, "player-1")
	require.NoError(t, err)

	// A second waiter on the same key must block until unlock.
	acquired := make(chan struct{})
	go func() {
		u2, err := m.LockContext(ctx, "player-1")
		if err == nil {
			close(acquired)
			u2()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first still held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second lock never acquired after unlock")
	}
}

func TestLockContextCancellation(t *testing.T) {
	m := NewContextShardedMutex(16)

	unlock, err := m.LockContext(context.Background(), "player-2")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = m.LockContext(ctx, "player-2")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTryLock(t *testing.T) {
	m := NewContextShardedMutex(16)

	unlock, ok := m.TryLock("player-3")
	require.True(t, ok)

	_, ok = m.TryLock("player-3")
	assert.False(t, ok)

	unlock()

	unlock2, ok := m.TryLock("player-3")
	assert.True(t, ok)
	unlock2()
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	// With a large shard count, distinct keys almost certainly land on
	// distinct shards; exercise a burst of goroutines on distinct keys.
	m := NewContextShardedMutex(1024)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, key := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			unlock, err := m.LockContext(ctx, k)
			assert.NoError(t, err)
			time.Sleep(10 * time.Millisecond)
			unlock()
		}(key)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lock burst did not finish")
	}
}
