// Package syncutil provides keyed mutual exclusion primitives.
//
// The session tracker serializes start/heartbeat/stop per user with a
// KeyedMutex so that read-modify-write cycles against the same user's live
// session state cannot interleave.
package syncutil

import (
	"context"
	"hash/fnv"
	"strconv"
	"sync"
)

const shardCount = 256

// KeyedMutex provides a fixed-size pool of channel-based mutexes keyed by
// string. Callers waiting on a lock can bail out when their context is
// cancelled. Two distinct keys may share a shard; that only costs extra
// contention, never correctness.
type KeyedMutex struct {
	shards [shardCount]chanMutex
	once   sync.Once
}

// chanMutex is a mutex implemented via a buffered channel, allowing select{}
// with a context cancellation channel.
type chanMutex struct {
	ch chan struct{}
}

// NewKeyedMutex creates a new keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	m := &KeyedMutex{}
	m.init()
	return m
}

func (m *KeyedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i].ch = make(chan struct{}, 1)
			m.shards[i].ch <- struct{}{} // Start unlocked.
		}
	})
}

// Lock acquires the mutex for the given key, respecting context cancellation.
// On success, returns an unlock function and nil error. The caller MUST call
// the unlock function when done. On cancellation, returns nil and ctx.Err().
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.init()
	shard := &m.shards[m.shardIdx(key)]

	select {
	case <-shard.ch:
		return func() { shard.ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LockUser acquires the mutex for a numeric user id.
func (m *KeyedMutex) LockUser(ctx context.Context, userID int64) (func(), error) {
	return m.Lock(ctx, strconv.FormatInt(userID, 10))
}

func (m *KeyedMutex) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
