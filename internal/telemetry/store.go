package telemetry

import (
	"slices"
	"strings"
	"sync"
)

// DefaultHistory is the number of samples kept per signal.
const DefaultHistory = 1000

type ring struct {
	buf  []Record
	next int
	full bool
}

func (r *ring) put(rec Record) {
	r.buf[r.next] = rec
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) items() []Record {
	if !r.full {
		return slices.Clone(r.buf[:r.next])
	}
	out := make([]Record, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

// dm1Set collects the codes of one DM1 message as its records arrive.
type dm1Set struct {
	remaining int
	seen      map[string]struct{}
}

// Store keeps the latest record and a bounded history per signal key. Safe
// for concurrent use.
//
// Trouble codes follow the last DM1 of each source address: an
// active_dtc_count record opens a set, the dtc records that follow fill it,
// and once the set is complete codes it does not name are dropped.
type Store struct {
	depth int

	mu      sync.RWMutex
	latest  map[string]Record
	history map[string]*ring
	dm1     map[uint8]*dm1Set
}

// NewStore keeps depth samples per signal (DefaultHistory when depth <= 0).
func NewStore(depth int) *Store {
	if depth <= 0 {
		depth = DefaultHistory
	}
	return &Store{
		depth:   depth,
		latest:  make(map[string]Record),
		history: make(map[string]*ring),
		dm1:     make(map[uint8]*dm1Set),
	}
}

// Put records r as the latest value of its key and appends it to the history.
func (s *Store) Put(r Record) {
	k := r.Key()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest[k] = r
	h, ok := s.history[k]
	if !ok {
		h = &ring{buf: make([]Record, s.depth)}
		s.history[k] = h
	}
	h.put(r)

	switch r.Name {
	case NameDTCCount:
		set := &dm1Set{remaining: int(r.Value), seen: make(map[string]struct{})}
		s.dm1[r.Source.Address] = set
		if set.remaining <= 0 {
			s.closeDM1(r.Source.Address, set)
		}
	case NameDTC:
		set := s.dm1[r.Source.Address]
		if set == nil {
			return
		}
		set.seen[k] = struct{}{}
		if set.remaining--; set.remaining <= 0 {
			s.closeDM1(r.Source.Address, set)
		}
	}
}

// closeDM1 drops the codes of addr that the completed set did not report.
func (s *Store) closeDM1(addr uint8, set *dm1Set) {
	delete(s.dm1, addr)
	prefix := dtcPrefix(addr)
	for k := range s.latest {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if _, ok := set.seen[k]; !ok {
			delete(s.latest, k)
			delete(s.history, k)
		}
	}
}

// Latest returns the newest record for key.
func (s *Store) Latest(key string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.latest[key]
	return r, ok
}

// Snapshot returns the newest record of every signal, ordered by key.
func (s *Store) Snapshot() []Record {
	s.mu.RLock()
	out := make([]Record, 0, len(s.latest))
	for _, r := range s.latest {
		out = append(out, r)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b Record) int { return strings.Compare(a.Key(), b.Key()) })
	return out
}

// History returns up to the last depth samples for key, oldest first.
func (s *Store) History(key string) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.history[key]
	if !ok {
		return nil
	}
	return h.items()
}

// Reset forgets everything. The daemon calls it when a replacement session
// takes over after a lost link.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.latest)
	clear(s.history)
	clear(s.dm1)
}
