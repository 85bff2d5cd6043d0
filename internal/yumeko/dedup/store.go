package dedup

import "sync"

// DefaultKeysPerGroup is the per-group key limit when no explicit limit is
// configured. Sized to comfortably cover several replay fetches worth of
// events.
const DefaultKeysPerGroup = 600

// Store remembers admitted keys per group. It is safe for concurrent use.
//
// The store is process-local and deliberately not persisted: the message
// history table is the durable record, and replay consults the store only to
// avoid re-admitting events within one process lifetime.
type Store struct {
	mu       sync.Mutex
	perGroup int
	groups   map[string]*groupKeys
}

// groupKeys holds one group's admitted keys plus their admission order for
// oldest-first eviction.
type groupKeys struct {
	seen  map[Key]struct{}
	order []Key
}

// NewStore creates a Store that keeps at most perGroup keys for each group.
// If perGroup ≤ 0 it defaults to DefaultKeysPerGroup.
func NewStore(perGroup int) *Store {
	if perGroup <= 0 {
		perGroup = DefaultKeysPerGroup
	}
	return &Store{
		perGroup: perGroup,
		groups:   make(map[string]*groupKeys),
	}
}

// IsNew reports whether key has not been admitted for group.
func (s *Store) IsNew(group string, key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[group]
	if !ok {
		return true
	}
	_, seen := g.seen[key]
	return !seen
}

// MarkAdmitted records key as admitted for group, evicting the group's
// oldest key when the per-group limit is reached. Marking an already
// admitted key is a no-op.
func (s *Store) MarkAdmitted(group string, key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[group]
	if !ok {
		g = &groupKeys{seen: make(map[Key]struct{})}
		s.groups[group] = g
	}
	if _, seen := g.seen[key]; seen {
		return
	}

	for len(g.order) >= s.perGroup {
		oldest := g.order[0]
		g.order = g.order[1:]
		delete(g.seen, oldest)
	}

	g.seen[key] = struct{}{}
	g.order = append(g.order, key)
}

// Len returns the number of admitted keys currently held for group.
func (s *Store) Len(group string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[group]
	if !ok {
		return 0
	}
	return len(g.seen)
}
