package stagger

import (
	"fmt"
	"testing"

	"workcraft.ai/internal/sim/model"
	"workcraft.ai/internal/sim/workgiver/targetcache"
)

func TestScaleInterval(t *testing.T) {
	cfg := Config{PopulationBaseline: 20, PopulationStep: 10, MaxMultiplier: 3}
	cases := []struct {
		pop  int
		want uint64
	}{
		{0, 60},
		{20, 60},
		{29, 60},
		{30, 120},
		{45, 180},
		{500, 180},
	}
	for _, c := range cases {
		if got := ScaleInterval(60, c.pop, cfg); got != c.want {
			t.Fatalf("ScaleInterval(pop=%d): got %d want %d", c.pop, got, c.want)
		}
	}
	if got := ScaleInterval(0, 0, cfg); got != 1 {
		t.Fatalf("zero base should clamp to 1, got %d", got)
	}
}

func TestEffectiveInterval_PerWorld(t *testing.T) {
	c := New(Config{PopulationBaseline: 10, PopulationStep: 10, MaxMultiplier: 4})
	c.SetPopulation(1, 35)
	if got := c.EffectiveInterval(30, 1); got != 90 {
		t.Fatalf("world 1: got %d want 90", got)
	}
	if got := c.EffectiveInterval(30, 2); got != 30 {
		t.Fatalf("world 2: got %d want 30", got)
	}
	c.ForgetWorld(1)
	if got := c.EffectiveInterval(30, 1); got != 30 {
		t.Fatalf("forgotten world: got %d want 30", got)
	}
}

func TestPhase_StableAndBounded(t *testing.T) {
	k := targetcache.Key{ModuleID: "haul", WorldID: 1}
	p := Phase(k, 60)
	if p >= 60 {
		t.Fatalf("phase out of range: %d", p)
	}
	if Phase(k, 60) != p {
		t.Fatalf("phase must be stable")
	}
	if Phase(k, 1) != 0 || Phase(k, 0) != 0 {
		t.Fatalf("phase of trivial interval must be 0")
	}
}

func TestPhase_Desynchronizes(t *testing.T) {
	seen := map[uint64]bool{}
	for i := 0; i < 32; i++ {
		seen[Phase(targetcache.Key{ModuleID: fmt.Sprintf("m%d", i), WorldID: 1}, 60)] = true
	}
	if len(seen) < 8 {
		t.Fatalf("phases poorly spread: %d distinct of 32", len(seen))
	}
}

func TestDue_FirstGenerationExtendedByPhase(t *testing.T) {
	c := New(Config{Enabled: true})
	k := targetcache.Key{ModuleID: "haul", WorldID: 1}
	const interval = 60
	phase := Phase(k, interval)

	info := targetcache.EntryInfo{Built: true, LastRefresh: 0, Generation: 1}
	if phase > 0 {
		if got := c.Due(k, info, interval, interval); got != targetcache.Fresh {
			t.Fatalf("first generation must wait for its phase: got %v", got)
		}
	}
	if got := c.Due(k, info, interval+phase, interval); got != targetcache.Rebuild {
		t.Fatalf("first generation due at interval+phase: got %v", got)
	}

	info.Generation = 2
	if got := c.Due(k, info, interval-1, interval); got != targetcache.Fresh {
		t.Fatalf("later generation fresh before interval: got %v", got)
	}
	if got := c.Due(k, info, interval, interval); got != targetcache.Rebuild {
		t.Fatalf("later generation due at interval: got %v", got)
	}
}

func TestDue_DisabledIsPlainInterval(t *testing.T) {
	c := New(Config{})
	k := targetcache.Key{ModuleID: "haul", WorldID: 1}
	info := targetcache.EntryInfo{Built: true, LastRefresh: 100, Generation: 1}
	if got := c.Due(k, info, 109, 10); got != targetcache.Fresh {
		t.Fatalf("got %v want Fresh", got)
	}
	if got := c.Due(k, info, 110, 10); got != targetcache.Rebuild {
		t.Fatalf("got %v want Rebuild", got)
	}
}

func TestDue_RebuildBudget(t *testing.T) {
	c := New(Config{MaxRebuildsPerTick: 2})
	c.BeginTick(100)
	stale := targetcache.EntryInfo{Built: true, LastRefresh: 85, Generation: 3}
	var got []targetcache.Decision
	for i := 0; i < 4; i++ {
		k := targetcache.Key{ModuleID: fmt.Sprintf("m%d", i), WorldID: model.WorldID(1)}
		got = append(got, c.Due(k, stale, 100, 10))
	}
	want := []targetcache.Decision{targetcache.Rebuild, targetcache.Rebuild, targetcache.Defer, targetcache.Defer}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("decision %d: got %v want %v", i, got[i], want[i])
		}
	}

	// Unbuilt entries and very old entries ignore the budget.
	if d := c.Due(targetcache.Key{ModuleID: "new"}, targetcache.EntryInfo{}, 100, 10); d != targetcache.Rebuild {
		t.Fatalf("unbuilt entry must always rebuild, got %v", d)
	}
	old := targetcache.EntryInfo{Built: true, LastRefresh: 70, Generation: 3}
	if d := c.Due(targetcache.Key{ModuleID: "old"}, old, 100, 10); d != targetcache.Rebuild {
		t.Fatalf("entry older than twice its interval must rebuild, got %v", d)
	}

	counts := c.BeginTick(101)
	if counts.Tick != 100 || counts.Rebuilds != 4 || counts.Deferred != 2 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
	if d := c.Due(targetcache.Key{ModuleID: "m2", WorldID: 1}, stale, 101, 10); d != targetcache.Rebuild {
		t.Fatalf("budget should reset on a new tick, got %v", d)
	}
}

func TestController_AsStoreGate(t *testing.T) {
	c := New(Config{Enabled: true})
	s := targetcache.New(c)
	k := targetcache.Key{ModuleID: "haul", WorldID: 1}
	scans := 0
	scan := func(yield func(model.Candidate) bool) error {
		scans++
		yield(model.Candidate{ID: "x"})
		return nil
	}
	const interval = 20
	phase := Phase(k, interval)
	for tick := uint64(0); tick <= interval+phase; tick++ {
		c.BeginTick(tick)
		if _, err := s.GetOrRefresh(k, tick, interval, 0, scan); err != nil {
			t.Fatalf("tick %d: %v", tick, err)
		}
	}
	if scans != 2 {
		t.Fatalf("expected build + one staggered rebuild, got %d scans", scans)
	}
}

func TestDue_MemoOnlyIgnoresBudget(t *testing.T) {
	c := New(Config{MaxRebuildsPerTick: 1})
	c.BeginTick(100)
	k := targetcache.Key{ModuleID: "doc", WorldID: 1}
	memo := targetcache.EntryInfo{Built: true, LastRefresh: 90, Generation: 2, MemoOnly: true}
	if d := c.Due(k, targetcache.EntryInfo{MemoOnly: true}, 100, 10); d != targetcache.Rebuild {
		t.Fatalf("unbuilt memo entry: got %v", d)
	}
	if d := c.Due(k, memo, 100, 10); d != targetcache.Rebuild {
		t.Fatalf("due memo entry: got %v", d)
	}
	if n := c.Counts().Rebuilds; n != 0 {
		t.Fatalf("memo rolls charged the budget: %d", n)
	}

	stale := targetcache.EntryInfo{Built: true, LastRefresh: 90, Generation: 2}
	if d := c.Due(targetcache.Key{ModuleID: "a"}, stale, 100, 10); d != targetcache.Rebuild {
		t.Fatalf("budget slot still free for a scan: got %v", d)
	}
	for i := 0; i < 3; i++ {
		if d := c.Due(targetcache.Key{ModuleID: "b"}, stale, 100, 10); d != targetcache.Defer {
			t.Fatalf("over budget: got %v", d)
		}
	}
	if n := c.Counts().Deferred; n != 1 {
		t.Fatalf("one key deferred three times counts once: got %d", n)
	}
}
