package bridge

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCollected is returned to a second concurrent waiter on the same id.
var ErrCollected = errors.New("bridge: result already collected")

type slot struct {
	ready    chan struct{} // closed once the result is stored
	res      Result
	filled   bool
	taken    bool
	created  time.Time
	filledAt time.Time
	waiters  int
}

// ResultStore hands results from the dispatcher to waiting callers.
// Each id is written once and read once; Await blocks on a per-id channel.
type ResultStore struct {
	mu    sync.Mutex
	slots map[string]*slot
	now   func() time.Time
}

func NewResultStore() *ResultStore {
	return &ResultStore{slots: map[string]*slot{}, now: time.Now}
}

// slotLocked returns the slot for id, creating an empty one if needed.
func (s *ResultStore) slotLocked(id string) *slot {
	sl := s.slots[id]
	if sl == nil {
		sl = &slot{ready: make(chan struct{}), created: s.now()}
		s.slots[id] = sl
	}
	return sl
}

// Reserve creates the wait slot for id ahead of its result.
func (s *ResultStore) Reserve(id string) {
	s.mu.Lock()
	s.slotLocked(id)
	s.mu.Unlock()
}

// Put stores res under id. It reports false if a result was already stored.
func (s *ResultStore) Put(id string, res Result) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl := s.slotLocked(id)
	if sl.filled {
		return false
	}
	sl.res = res
	sl.filled = true
	sl.filledAt = s.now()
	close(sl.ready)
	return true
}

// Release drops the slot for id unless a result or a waiter is attached.
func (s *ResultStore) Release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl := s.slots[id]; sl != nil && !sl.filled && sl.waiters == 0 {
		delete(s.slots, id)
	}
}

// Await waits for the result of id. On success the entry is removed, so a
// result is delivered at most once. An id with no slot (never submitted,
// already collected or reaped) fails at once with ErrUnknown. It returns
// ErrTimedOut when timeout elapses first; the entry stays for a later Await
// or the reaper.
func (s *ResultStore) Await(ctx context.Context, id string, timeout time.Duration) (Result, error) {
	s.mu.Lock()
	sl := s.slots[id]
	if sl == nil {
		s.mu.Unlock()
		return Result{}, ErrUnknown
	}
	sl.waiters++
	s.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	var waitErr error
	select {
	case <-sl.ready:
	case <-expired:
		waitErr = ErrTimedOut
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sl.waiters--
	if waitErr != nil {
		return Result{}, waitErr
	}
	if sl.taken {
		return Result{}, ErrCollected
	}
	sl.taken = true
	if s.slots[id] == sl {
		delete(s.slots, id)
	}
	return sl.res, nil
}

// Reap drops stored results older than ttl and empty slots nobody is
// waiting on that are older than ttl. It returns how many were removed.
func (s *ResultStore) Reap(ttl time.Duration) int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sl := range s.slots {
		switch {
		case sl.filled && now.Sub(sl.filledAt) >= ttl:
		case !sl.filled && sl.waiters == 0 && now.Sub(sl.created) >= ttl:
		default:
			continue
		}
		delete(s.slots, id)
		n++
	}
	return n
}

func (s *ResultStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

// RunReaper calls Reap every interval until ctx is done.
func (s *ResultStore) RunReaper(ctx context.Context, every, ttl time.Duration, onReap func(n int)) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n := s.Reap(ttl); n > 0 && onReap != nil {
				onReap(n)
			}
		}
	}
}
