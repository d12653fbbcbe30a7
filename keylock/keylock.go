// Package keylock provides mutual exclusion keyed by resource name, so that
// work on different resources proceeds in parallel.
package keylock

import (
	"context"
	"sort"
	"sync"
)

// entry is a one-slot semaphore; holding the slot holds the key.
type entry struct {
	sem  chan struct{}
	refs int
}

type Set struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func New() *Set {
	return &Set{locks: make(map[string]*entry)}
}

// Lock acquires every key and returns a function releasing them. Keys are
// deduplicated and taken in sorted order, so two callers locking
// overlapping sets cannot deadlock. If ctx ends while waiting, the keys
// taken so far are released and ctx.Err() is returned.
func (s *Set) Lock(ctx context.Context, keys ...string) (unlock func(), err error) {
	keys = normalize(keys)
	held := make([]*entry, 0, len(keys))
	releaseHeld := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i].sem
			s.release(keys[i])
		}
	}
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			releaseHeld()
			return nil, err
		}
		e := s.acquire(k)
		select {
		case e.sem <- struct{}{}:
			held = append(held, e)
		case <-ctx.Done():
			s.release(k)
			releaseHeld()
			return nil, ctx.Err()
		}
	}
	var once sync.Once
	return func() { once.Do(releaseHeld) }, nil
}

// Len reports how many keys are currently held or awaited.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}

func (s *Set) acquire(key string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.locks[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		s.locks[key] = e
	}
	e.refs++
	return e
}

func (s *Set) release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.locks[key]
	e.refs--
	if e.refs == 0 {
		delete(s.locks, key)
	}
}

func normalize(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
