// Package targetcache keeps, per (module, world), a bounded snapshot of the
// candidates a work module may hand out, together with a memo of the last
// reachability verdict for each of them. Both live in the same entry and are
// replaced together.
package targetcache

import (
	"sync"

	"github.com/cockroachdb/errors"

	"workcraft.ai/internal/sim/mathx"
	"workcraft.ai/internal/sim/model"
)

const (
	DefaultMaxCandidates = 250
	MaxCandidatesLimit   = 10000
	shardCount           = 16
)

// ErrScanPanic marks a scan that panicked instead of returning an error.
var ErrScanPanic = errors.New("targetcache: scan panicked")

type Key struct {
	ModuleID string
	WorldID  model.WorldID
}

// ScanFunc enumerates candidates by calling yield until it returns false.
// It must not mutate world state.
type ScanFunc func(yield func(model.Candidate) bool) error

// EntryInfo is what a Gate gets to see about an entry when deciding whether
// it must be rebuilt on this tick.
type EntryInfo struct {
	Built       bool
	LastRefresh uint64
	Generation  uint64
	Size        int
	// MemoOnly is set by Touch: rolling the generation scans nothing.
	MemoOnly bool
}

type Decision uint8

const (
	Fresh   Decision = iota // serve as is
	Rebuild                 // rescan now
	Defer                   // due, but serve stale on this tick
)

// Gate decides whether an entry is due for a rebuild. New(nil) uses
// IntervalGate.
type Gate interface {
	Due(key Key, info EntryInfo, tick, interval uint64) Decision
}

// IntervalGate rebuilds as soon as tick - lastRefresh >= interval.
type IntervalGate struct{}

func (IntervalGate) Due(_ Key, info EntryInfo, tick, interval uint64) Decision {
	if !info.Built || tick-info.LastRefresh >= interval {
		return Rebuild
	}
	return Fresh
}

// View is a read-only look at one entry. Candidates is shared with the
// store and with every other caller on the same generation; do not modify it.
type View struct {
	Key         Key
	Candidates  []model.Candidate
	Generation  uint64
	LastRefresh uint64

	Rebuilt   bool // this call rebuilt the entry
	Truncated bool // the last rebuild hit MaxCandidates
	Stale     bool // a rebuild was due but did not happen (failure or deferred)
	Failed    bool // the scan failed on this tick
}

type entry struct {
	built       bool
	candidates  []model.Candidate
	lastRefresh uint64
	generation  uint64
	truncated   bool

	failed     bool
	failedTick uint64

	memo memo
}

type shard struct {
	mu      sync.Mutex
	entries map[Key]*entry
}

type Store struct {
	gate   Gate
	shards [shardCount]shard
}

func New(gate Gate) *Store {
	if gate == nil {
		gate = IntervalGate{}
	}
	s := &Store{gate: gate}
	for i := range s.shards {
		s.shards[i].entries = map[Key]*entry{}
	}
	return s
}

func (s *Store) shardFor(k Key) *shard {
	h := mathx.Combine(mathx.HashString(k.ModuleID), uint64(k.WorldID))
	return &s.shards[h%shardCount]
}

// GetOrRefresh returns the entry for k, rebuilding it with scan first when
// the gate says it is due. When scan fails the previous candidates are kept,
// the error is returned alongside the stale view, and the scan is not
// retried again on the same tick.
func (s *Store) GetOrRefresh(k Key, tick, interval uint64, maxCandidates int, scan ScanFunc) (View, error) {
	sh := s.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.entries[k]
	if e == nil {
		e = &entry{}
		sh.entries[k] = e
	}
	if e.failed && e.failedTick == tick {
		return e.failedView(k), nil
	}
	switch s.gate.Due(k, e.info(), tick, interval) {
	case Fresh:
		return e.view(k, false, false), nil
	case Defer:
		return e.view(k, false, true), nil
	}

	cands, truncated, err := runScan(scan, maxCandidates)
	if err != nil {
		e.failed = true
		e.failedTick = tick
		return e.failedView(k), err
	}
	e.built = true
	e.candidates = cands
	e.truncated = truncated
	e.lastRefresh = tick
	e.generation++
	e.failed = false
	e.memo.reset()
	return e.view(k, true, false), nil
}

// Touch rolls the memo generation of k on the same cadence GetOrRefresh
// would rebuild it, without holding any candidates. Used by modules that
// query near the agent every time instead of caching.
func (s *Store) Touch(k Key, tick, interval uint64) View {
	sh := s.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.entries[k]
	if e == nil {
		e = &entry{}
		sh.entries[k] = e
	}
	info := e.info()
	info.MemoOnly = true
	switch s.gate.Due(k, info, tick, interval) {
	case Fresh:
		return e.view(k, false, false)
	case Defer:
		return e.view(k, false, true)
	}
	e.built = true
	e.candidates = nil
	e.lastRefresh = tick
	e.generation++
	e.memo.reset()
	return e.view(k, true, false)
}

// Peek returns the current entry without refreshing it.
func (s *Store) Peek(k Key) (View, bool) {
	sh := s.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e := sh.entries[k]
	if e == nil || !e.built {
		return View{Key: k}, false
	}
	return e.view(k, false, false), true
}

// DropWorld removes every entry (and memo) of world w.
func (s *Store) DropWorld(w model.WorldID) int {
	return s.drop(func(k Key) bool { return k.WorldID == w })
}

// DropModule removes every entry (and memo) of module id across worlds.
func (s *Store) DropModule(id string) int {
	return s.drop(func(k Key) bool { return k.ModuleID == id })
}

// Reset removes everything.
func (s *Store) Reset() int {
	return s.drop(func(Key) bool { return true })
}

func (s *Store) drop(match func(Key) bool) int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k := range sh.entries {
			if match(k) {
				delete(sh.entries, k)
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n
}

// Len is the number of live entries.
func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

func (e *entry) info() EntryInfo {
	return EntryInfo{
		Built:       e.built,
		LastRefresh: e.lastRefresh,
		Generation:  e.generation,
		Size:        len(e.candidates),
	}
}

func (e *entry) view(k Key, rebuilt, stale bool) View {
	return View{
		Key:         k,
		Candidates:  e.candidates,
		Generation:  e.generation,
		LastRefresh: e.lastRefresh,
		Rebuilt:     rebuilt,
		Truncated:   e.truncated,
		Stale:       stale,
	}
}

func (e *entry) failedView(k Key) View {
	v := e.view(k, false, true)
	v.Failed = true
	return v
}

func runScan(scan ScanFunc, maxCandidates int) (out []model.Candidate, truncated bool, err error) {
	if scan == nil {
		return nil, false, errors.New("targetcache: nil scan")
	}
	if maxCandidates <= 0 {
		maxCandidates = DefaultMaxCandidates
	}
	defer func() {
		if r := recover(); r != nil {
			out = nil
			truncated = false
			err = errors.Wrapf(ErrScanPanic, "%v", r)
		}
	}()
	out = make([]model.Candidate, 0, min(maxCandidates, 64))
	err = scan(func(c model.Candidate) bool {
		if len(out) >= maxCandidates {
			truncated = true
			return false
		}
		out = append(out, c)
		return true
	})
	if err != nil {
		return nil, false, err
	}
	return out, truncated, nil
}
