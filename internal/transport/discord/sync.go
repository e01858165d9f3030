package discord

import (
	"sort"
	"sync"
)

// rosterSync tracks which guilds have their full member list in the roster.
// A guild is pending from Ready or GUILD_CREATE until its last member chunk
// has been applied by the loop.
type rosterSync struct {
	mu     sync.Mutex
	guilds map[string]bool // guild id -> synced
}

func newRosterSync() *rosterSync {
	return &rosterSync{guilds: map[string]bool{}}
}

// expect replaces the tracked set with ids, all pending.
func (s *rosterSync) expect(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guilds = make(map[string]bool, len(ids))
	for _, id := range ids {
		s.guilds[id] = false
	}
}

// pending marks one guild as waiting for its members.
func (s *rosterSync) pending(id string) {
	s.mu.Lock()
	s.guilds[id] = false
	s.mu.Unlock()
}

func (s *rosterSync) done(id string) {
	s.mu.Lock()
	if _, ok := s.guilds[id]; ok {
		s.guilds[id] = true
	}
	s.mu.Unlock()
}

func (s *rosterSync) forget(id string) {
	s.mu.Lock()
	delete(s.guilds, id)
	s.mu.Unlock()
}

// synced reports whether every tracked guild is complete.
func (s *rosterSync) synced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ok := range s.guilds {
		if !ok {
			return false
		}
	}
	return true
}

// waiting lists the guilds still syncing.
func (s *rosterSync) waiting() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, ok := range s.guilds {
		if !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// lastChunk reports whether a members chunk completes its guild.
func lastChunk(index, count int) bool {
	return count <= 0 || index >= count-1
}
