// Package syncutil holds locking primitives shared by the escrow services.
package syncutil

import (
	"context"
	"encoding/binary"
)

// DefaultShards is the shard count used by NewDigestMutex.
const DefaultShards = 256

// DigestMutex serializes work on 32-byte digest keys such as escrow record
// keys. Keys are already uniformly distributed, so the shard is taken from
// the key's leading bytes without rehashing. Two keys that share a shard
// serialize against each other; memory stays fixed however many keys are
// seen.
type DigestMutex struct {
	shards []chan struct{}
}

// NewDigestMutex creates a mutex pool with DefaultShards shards.
func NewDigestMutex() *DigestMutex {
	return NewDigestMutexShards(DefaultShards)
}

// NewDigestMutexShards creates a mutex pool with n shards (minimum 1).
func NewDigestMutexShards(n int) *DigestMutex {
	if n < 1 {
		n = 1
	}
	m := &DigestMutex{shards: make([]chan struct{}, n)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{} // unlocked
	}
	return m
}

// Lock acquires the shard owning key, giving up when ctx is done. The
// returned unlock function must be called exactly once.
func (m *DigestMutex) Lock(ctx context.Context, key [32]byte) (func(), error) {
	shard := m.shards[m.shardIdx(key)]

	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *DigestMutex) shardIdx(key [32]byte) int {
	return int(binary.LittleEndian.Uint32(key[:4]) % uint32(len(m.shards)))
}
