package ratelimit

import (
	"context"
	"time"

	"github.com/mbd888/abuseguard/internal/syncutil"
)

// MemoryStore keeps records in process memory, partitioned into lock
// shards. Check-and-increment and sweeping both take the shard lock of the
// record they touch. Suitable for a single instance only.
type MemoryStore struct {
	locks  syncutil.ShardedMutex
	shards [syncutil.ShardCount]map[string]*Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i] = make(map[string]*Record)
	}
	return s
}

func (s *MemoryStore) Get(_ context.Context, identifier string) (*Record, error) {
	unlock := s.locks.Lock(identifier)
	defer unlock()

	rec, ok := s.shards[syncutil.ShardIndex(identifier)][identifier]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) Set(_ context.Context, rec Record) error {
	unlock := s.locks.Lock(rec.Identifier)
	defer unlock()

	s.shards[syncutil.ShardIndex(rec.Identifier)][rec.Identifier] = &rec
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, identifier string) error {
	unlock := s.locks.Lock(identifier)
	defer unlock()

	delete(s.shards[syncutil.ShardIndex(identifier)], identifier)
	return nil
}

// Hit runs the fixed-window check under the identifier's shard lock.
func (s *MemoryStore) Hit(_ context.Context, identifier string, maxAttempts int, window time.Duration, now time.Time) (Decision, error) {
	unlock := s.locks.Lock(identifier)
	defer unlock()

	shard := s.shards[syncutil.ShardIndex(identifier)]
	next, decision, changed := apply(shard[identifier], identifier, maxAttempts, window, now)
	if changed {
		shard[identifier] = &next
	}
	return decision, nil
}

// Sweep walks every shard under its lock and drops expired records.
func (s *MemoryStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	for i := range s.shards {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		unlock := s.locks.LockShard(i)
		for id, rec := range s.shards[i] {
			if rec.Expired(now) {
				delete(s.shards[i], id)
				removed++
			}
		}
		unlock()
	}
	return removed, nil
}

// Len returns the number of records currently held.
func (s *MemoryStore) Len(_ context.Context) (int, error) {
	n := 0
	for i := range s.shards {
		unlock := s.locks.LockShard(i)
		n += len(s.shards[i])
		unlock()
	}
	return n, nil
}
