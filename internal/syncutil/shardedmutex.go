// Package syncutil holds the bounded per-key locks the rate limiter uses.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

// ShardCount is the number of lock shards in a ShardedMutex.
const ShardCount = 256

// ShardedMutex is a fixed pool of locks keyed by string. Memory stays
// bounded however many identifiers are seen; keys that hash to the same
// shard contend with each other. The zero value is ready to use.
//
// A shard is held while its channel contains a token, which lets
// LockContext give up when the caller's context ends.
type ShardedMutex struct {
	once   sync.Once
	shards [ShardCount]chan struct{}
}

func (s *ShardedMutex) shard(i int) chan struct{} {
	s.once.Do(func() {
		for j := range s.shards {
			s.shards[j] = make(chan struct{}, 1)
		}
	})
	return s.shards[i]
}

// Lock acquires the shard for key and returns its unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	return s.LockShard(ShardIndex(key))
}

// LockShard acquires shard i directly. Sweepers walking every shard use it
// to hold the same lock the per-key path takes.
func (s *ShardedMutex) LockShard(i int) func() {
	ch := s.shard(i % ShardCount)
	ch <- struct{}{}
	return func() { <-ch }
}

// LockContext is Lock that returns ctx.Err() if ctx ends before the shard
// frees up.
func (s *ShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := s.shard(ShardIndex(key))
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ShardIndex returns the shard a key maps to.
func ShardIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % ShardCount)
}
