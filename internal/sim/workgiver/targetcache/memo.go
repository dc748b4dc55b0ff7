package targetcache

// memo holds the last reachability verdict per candidate id for one entry
// generation.
type memo struct {
	verdicts map[string]bool
}

func (m *memo) reset() { m.verdicts = nil }

func (m *memo) get(id string) (found, verdict bool) {
	v, ok := m.verdicts[id]
	return ok, v
}

func (m *memo) set(id string, v bool) {
	if m.verdicts == nil {
		m.verdicts = make(map[string]bool, 16)
	}
	m.verdicts[id] = v
}

// Memo is a handle on the reachability memo of one (module, world) entry,
// pinned to the generation it was obtained for. Once the entry has been
// rebuilt or dropped the handle reads as empty and drops writes.
type Memo struct {
	s   *Store
	key Key
	gen uint64
}

// Memo returns the memo handle for k at generation gen (normally
// View.Generation).
func (s *Store) Memo(k Key, gen uint64) Memo { return Memo{s: s, key: k, gen: gen} }

func (m Memo) TryGet(candidateID string) (found, verdict bool) {
	if m.s == nil {
		return false, false
	}
	sh := m.s.shardFor(m.key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e := sh.entries[m.key]
	if e == nil || e.generation != m.gen {
		return false, false
	}
	return e.memo.get(candidateID)
}

// Set records a verdict. Best effort: a write for an outdated generation is
// silently dropped.
func (m Memo) Set(candidateID string, verdict bool) {
	if m.s == nil {
		return
	}
	sh := m.s.shardFor(m.key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e := sh.entries[m.key]
	if e == nil || e.generation != m.gen {
		return
	}
	e.memo.set(candidateID, verdict)
}

// MemoLen is the number of verdicts memoized for k, 0 if k has no entry.
func (s *Store) MemoLen(k Key) int {
	sh := s.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e := sh.entries[k]
	if e == nil {
		return 0
	}
	return len(e.memo.verdicts)
}
