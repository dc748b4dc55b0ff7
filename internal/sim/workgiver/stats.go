package workgiver

import (
	"sort"
	"sync"
	"sync/atomic"
)

// TickStats are the scheduler counters of one tick.
type TickStats struct {
	Tick uint64 `json:"tick"`

	Resolves       int64 `json:"resolves"`
	Assigned       int64 `json:"assigned"`
	Rebuilds       int64 `json:"rebuilds"`
	Deferred       int64 `json:"deferred"`
	ScanFailures   int64 `json:"scan_failures"`
	ModuleFailures int64 `json:"module_failures"`
	OracleCalls    int64 `json:"oracle_calls"`
	MemoHits       int64 `json:"memo_hits"`
	MemoMisses     int64 `json:"memo_misses"`
	Candidates     int64 `json:"candidates_scanned"`

	ByModule []ModuleCount `json:"by_module,omitempty"`
}

type ModuleCount struct {
	ModuleID string `json:"module_id"`
	Assigned int64  `json:"assigned"`
}

// Add accumulates o into s (ByModule merged by id).
func (s *TickStats) Add(o TickStats) {
	s.Resolves += o.Resolves
	s.Assigned += o.Assigned
	s.Rebuilds += o.Rebuilds
	s.Deferred += o.Deferred
	s.ScanFailures += o.ScanFailures
	s.ModuleFailures += o.ModuleFailures
	s.OracleCalls += o.OracleCalls
	s.MemoHits += o.MemoHits
	s.MemoMisses += o.MemoMisses
	s.Candidates += o.Candidates
	if len(o.ByModule) == 0 {
		return
	}
	idx := make(map[string]int, len(s.ByModule))
	for i, mc := range s.ByModule {
		idx[mc.ModuleID] = i
	}
	for _, mc := range o.ByModule {
		if i, ok := idx[mc.ModuleID]; ok {
			s.ByModule[i].Assigned += mc.Assigned
			continue
		}
		idx[mc.ModuleID] = len(s.ByModule)
		s.ByModule = append(s.ByModule, mc)
	}
	sortModuleCounts(s.ByModule)
}

type counters struct {
	resolves       atomic.Int64
	assigned       atomic.Int64
	rebuilds       atomic.Int64
	scanFailures   atomic.Int64
	moduleFailures atomic.Int64
	oracleCalls    atomic.Int64
	memoHits       atomic.Int64
	memoMisses     atomic.Int64
	candidates     atomic.Int64

	mu       sync.Mutex
	byModule map[string]int64
}

func (c *counters) assignedTo(moduleID string) {
	c.assigned.Add(1)
	c.mu.Lock()
	if c.byModule == nil {
		c.byModule = map[string]int64{}
	}
	c.byModule[moduleID]++
	c.mu.Unlock()
}

// drain returns the counters and zeroes them.
func (c *counters) drain(tick uint64) TickStats {
	out := TickStats{
		Tick:           tick,
		Resolves:       c.resolves.Swap(0),
		Assigned:       c.assigned.Swap(0),
		Rebuilds:       c.rebuilds.Swap(0),
		ScanFailures:   c.scanFailures.Swap(0),
		ModuleFailures: c.moduleFailures.Swap(0),
		OracleCalls:    c.oracleCalls.Swap(0),
		MemoHits:       c.memoHits.Swap(0),
		MemoMisses:     c.memoMisses.Swap(0),
		Candidates:     c.candidates.Swap(0),
	}
	c.mu.Lock()
	for id, n := range c.byModule {
		out.ByModule = append(out.ByModule, ModuleCount{ModuleID: id, Assigned: n})
	}
	c.byModule = nil
	c.mu.Unlock()
	sortModuleCounts(out.ByModule)
	return out
}

func (c *counters) peek(tick uint64) TickStats {
	out := TickStats{
		Tick:           tick,
		Resolves:       c.resolves.Load(),
		Assigned:       c.assigned.Load(),
		Rebuilds:       c.rebuilds.Load(),
		ScanFailures:   c.scanFailures.Load(),
		ModuleFailures: c.moduleFailures.Load(),
		OracleCalls:    c.oracleCalls.Load(),
		MemoHits:       c.memoHits.Load(),
		MemoMisses:     c.memoMisses.Load(),
		Candidates:     c.candidates.Load(),
	}
	c.mu.Lock()
	for id, n := range c.byModule {
		out.ByModule = append(out.ByModule, ModuleCount{ModuleID: id, Assigned: n})
	}
	c.mu.Unlock()
	sortModuleCounts(out.ByModule)
	return out
}

func sortModuleCounts(mc []ModuleCount) {
	sort.Slice(mc, func(i, j int) bool {
		if mc[i].Assigned != mc[j].Assigned {
			return mc[i].Assigned > mc[j].Assigned
		}
		return mc[i].ModuleID < mc[j].ModuleID
	})
}
