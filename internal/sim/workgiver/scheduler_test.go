package workgiver

import (
	"fmt"
	"testing"

	"github.com/cockroachdb/errors"

	"workcraft.ai/internal/sim/model"
	"workcraft.ai/internal/sim/tasks"
	"workcraft.ai/internal/sim/tuning"
	"workcraft.ai/internal/sim/workgiver/catalog"
	"workcraft.ai/internal/sim/workgiver/registry"
	"workcraft.ai/internal/sim/workgiver/stagger"
	"workcraft.ai/internal/sim/workgiver/targetcache"
)

type fakeIndex struct {
	byCat     map[model.Category][]model.Candidate
	scans     int
	nearScans int
	err       error
}

func (f *fakeIndex) EnumerateCandidates(w model.WorldID, cat model.Category, yield func(model.Candidate) bool) error {
	f.scans++
	if f.err != nil {
		return f.err
	}
	for _, c := range f.byCat[cat] {
		if c.WorldID != w {
			continue
		}
		if !yield(c) {
			return nil
		}
	}
	return nil
}

func (f *fakeIndex) EnumerateCandidatesNear(w model.WorldID, cat model.Category, pos model.Vec3i, radius int, yield func(model.Candidate) bool) error {
	f.nearScans++
	r2 := int64(radius) * int64(radius)
	for _, c := range f.byCat[cat] {
		if c.WorldID != w || model.DistSq(pos, c.Pos) > r2 {
			continue
		}
		if !yield(c) {
			return nil
		}
	}
	return nil
}

type fakeCaps struct {
	can      map[model.Category]bool
	current  *tasks.Job
	disabled map[model.Category]bool
}

func (f *fakeCaps) HasCapability(_ model.Agent, cat model.Category) bool {
	if f.can == nil {
		return true
	}
	return f.can[cat]
}

func (f *fakeCaps) CurrentAssignment(model.Agent) *tasks.Job { return f.current }

func (f *fakeCaps) CategoryEnabled(_ model.Agent, cat model.Category) bool { return !f.disabled[cat] }

type countingOracle struct {
	calls  int
	reject map[string]bool
}

func (o *countingOracle) CanReserveAndReach(_ model.Agent, c model.Candidate) bool {
	o.calls++
	return !o.reject[c.ID]
}

func grid(prefix string, n int, world model.WorldID) []model.Candidate {
	out := make([]model.Candidate, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, model.Candidate{ID: fmt.Sprintf("%s%d", prefix, i), Kind: model.KindItem, WorldID: world, Pos: model.Vec3i{X: i % 5, Z: i / 5}})
	}
	return out
}

func staticScan(cands []model.Candidate) registry.ScanFunc {
	return func(_ model.WorldID, yield func(model.Candidate) bool) error {
		for _, c := range cands {
			if !yield(c) {
				break
			}
		}
		return nil
	}
}

var agent = model.Agent{ID: "A1", WorldID: 1, Pos: model.Vec3i{}}

func newTestScheduler(idx *fakeIndex, caps *fakeCaps, oracle Oracle) *Scheduler {
	opts := Options{Index: idx, Oracle: oracle, Seed: 7, Stagger: stagger.Config{}}
	if caps != nil {
		opts.Capabilities = caps
		opts.Settings = caps
	}
	return New(opts)
}

func TestResolve_ShortCircuitsOnFirstJob(t *testing.T) {
	s := newTestScheduler(&fakeIndex{}, nil, nil)
	j1 := &tasks.Job{JobID: "J1"}
	m2Called := false
	if err := s.RegisterModule(registry.Module{
		ID: "low", Priority: 5, Category: "HAUL", Scan: staticScan(grid("c", 3, 1)),
		MakeJob: func(model.Agent, model.Candidate, uint64) *tasks.Job {
			m2Called = true
			return &tasks.Job{JobID: "J2"}
		},
	}); err != nil {
		t.Fatalf("register low: %v", err)
	}
	if err := s.RegisterModule(registry.Module{
		ID: "high", Priority: 10, Category: "TEND", Scan: staticScan(grid("p", 3, 1)),
		MakeJob: func(model.Agent, model.Candidate, uint64) *tasks.Job { return j1 },
	}); err != nil {
		t.Fatalf("register high: %v", err)
	}

	got := s.Resolve(agent)
	if got != j1 {
		t.Fatalf("got %+v want J1", got)
	}
	if m2Called {
		t.Fatalf("lower priority builder must not run after a job was found")
	}
	if got.ModuleID != "high" {
		t.Fatalf("module id should be filled in, got %q", got.ModuleID)
	}
}

func TestResolve_FallsThroughPanickingModule(t *testing.T) {
	s := newTestScheduler(&fakeIndex{}, nil, nil)
	_ = s.RegisterModule(registry.Module{
		ID: "broken", Priority: 10, Category: "TEND", Scan: staticScan(grid("p", 3, 1)),
		MakeJob: func(model.Agent, model.Candidate, uint64) *tasks.Job { panic("builder bug") },
	})
	_ = s.RegisterModule(registry.Module{
		ID: "ok", Priority: 5, Category: "HAUL", Scan: staticScan(grid("c", 3, 1)),
		MakeJob: func(a model.Agent, c model.Candidate, tick uint64) *tasks.Job {
			return &tasks.Job{JobID: "J2", Target: c}
		},
	})

	res := s.ResolveDetailed(agent)
	if res.Job == nil || res.Job.JobID != "J2" {
		t.Fatalf("got %+v want J2", res.Job)
	}
	if len(res.Steps) != 2 || res.Steps[0].Outcome != OutcomeFailed || !errors.Is(res.Steps[0].Err, ErrModulePanic) {
		t.Fatalf("unexpected steps: %+v", res.Steps)
	}
	if st := s.Stats(); st.ModuleFailures != 1 {
		t.Fatalf("module failures: got %d want 1", st.ModuleFailures)
	}
}

func TestResolve_PanicsInEveryStageAreContained(t *testing.T) {
	boom := func() { panic(errors.New("boom")) }
	mods := []registry.Module{
		{ID: "eligible", Category: "X", Eligible: func(model.Agent) bool { boom(); return true }},
		{ID: "scan", Category: "X", Scan: func(model.WorldID, func(model.Candidate) bool) error { boom(); return nil }},
		{ID: "validate", Category: "X", Scan: staticScan(grid("v", 2, 1)), Validate: func(model.Agent, model.Candidate) bool { boom(); return true }},
	}
	for _, m := range mods {
		s := newTestScheduler(&fakeIndex{}, nil, nil)
		if err := s.RegisterModule(m); err != nil {
			t.Fatalf("register %s: %v", m.ID, err)
		}
		res := s.ResolveDetailed(agent)
		if res.Job != nil {
			t.Fatalf("%s: expected no job", m.ID)
		}
		if len(res.Steps) != 1 {
			t.Fatalf("%s: steps %+v", m.ID, res.Steps)
		}
		o := res.Steps[0].Outcome
		if o != OutcomeFailed && o != OutcomeScanFailed {
			t.Fatalf("%s: outcome %v", m.ID, o)
		}
	}
}

func TestResolve_ScanErrorSkipsModuleForTheTick(t *testing.T) {
	idx := &fakeIndex{err: fmt.Errorf("index offline")}
	s := newTestScheduler(idx, nil, nil)
	_ = s.RegisterModule(registry.Module{ID: "haul", Priority: 1, Category: "HAUL"})
	s.BeginTick(1)
	for i := 0; i < 3; i++ {
		res := s.ResolveDetailed(agent)
		if res.Job != nil || res.Steps[0].Outcome != OutcomeScanFailed {
			t.Fatalf("resolve %d: %+v", i, res)
		}
	}
	if idx.scans != 1 {
		t.Fatalf("failed scan should not be retried on the same tick: scans=%d", idx.scans)
	}
	if st := s.Stats(); st.ScanFailures != 1 {
		t.Fatalf("scan failures: got %d want 1", st.ScanFailures)
	}
}

func TestResolve_IdempotentWithinTick(t *testing.T) {
	idx := &fakeIndex{byCat: map[model.Category][]model.Candidate{"HAUL": grid("c", 20, 1)}}
	oracle := &countingOracle{}
	s := newTestScheduler(idx, &fakeCaps{}, oracle)
	_ = s.RegisterModule(registry.Module{ID: "haul", Priority: 1, Category: "HAUL", Thresholds: []int64{100}})
	s.BeginTick(5)

	a := s.Resolve(agent)
	b := s.Resolve(agent)
	if a == nil || b == nil {
		t.Fatalf("expected jobs, got %v %v", a, b)
	}
	if a.Target.ID != b.Target.ID {
		t.Fatalf("same tick, same agent: got %s then %s", a.Target.ID, b.Target.ID)
	}
	if idx.scans != 1 {
		t.Fatalf("scans: got %d want 1", idx.scans)
	}
	if oracle.calls != 1 {
		t.Fatalf("second resolve should be answered from the memo: oracle calls=%d", oracle.calls)
	}
	if st := s.Stats(); st.MemoHits != 1 || st.MemoMisses != 1 {
		t.Fatalf("memo stats: %+v", st)
	}
}

func TestResolve_MemoizedRejectionSkipsOracle(t *testing.T) {
	cands := grid("c", 2, 1)
	idx := &fakeIndex{byCat: map[model.Category][]model.Candidate{"HAUL": cands}}
	oracle := &countingOracle{reject: map[string]bool{"c0": true, "c1": true}}
	s := newTestScheduler(idx, &fakeCaps{}, oracle)
	_ = s.RegisterModule(registry.Module{ID: "haul", Priority: 1, Category: "HAUL"})

	if j := s.Resolve(agent); j != nil {
		t.Fatalf("nothing reachable, got %+v", j)
	}
	if oracle.calls != 2 {
		t.Fatalf("oracle calls: got %d want 2", oracle.calls)
	}
	other := model.Agent{ID: "A2", WorldID: 1}
	if j := s.Resolve(other); j != nil {
		t.Fatalf("cached rejection should hold, got %+v", j)
	}
	if oracle.calls != 2 {
		t.Fatalf("rejections must come from the memo: oracle calls=%d", oracle.calls)
	}
}

func TestResolve_MemoEmptyAfterRebuild(t *testing.T) {
	idx := &fakeIndex{byCat: map[model.Category][]model.Candidate{"HAUL": grid("c", 4, 1)}}
	s := newTestScheduler(idx, &fakeCaps{}, &countingOracle{})
	_ = s.RegisterModule(registry.Module{ID: "haul", Priority: 1, Category: "HAUL", RefreshInterval: 10})
	key := targetcache.Key{ModuleID: "haul", WorldID: 1}

	s.BeginTick(0)
	_ = s.Resolve(agent)
	if s.Cache().MemoLen(key) == 0 {
		t.Fatalf("expected memo entries after resolve")
	}
	s.BeginTick(10)
	if _, err := s.Cache().GetOrRefresh(key, 10, 10, 0, func(yield func(model.Candidate) bool) error { return nil }); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if s.Cache().MemoLen(key) != 0 {
		t.Fatalf("memo must be empty right after a rebuild")
	}
}

func TestResolve_ValidatorRejectsStaleCandidates(t *testing.T) {
	cands := grid("c", 3, 1)
	idx := &fakeIndex{byCat: map[model.Category][]model.Candidate{"HAUL": cands}}
	gone := map[string]bool{"c0": true, "c1": true}
	s := newTestScheduler(idx, &fakeCaps{}, &countingOracle{})
	_ = s.RegisterModule(registry.Module{
		ID: "haul", Priority: 1, Category: "HAUL",
		Validate: func(_ model.Agent, c model.Candidate) bool { return !gone[c.ID] },
	})
	j := s.Resolve(agent)
	if j == nil || j.Target.ID != "c2" {
		t.Fatalf("got %+v want c2", j)
	}
}

func TestResolve_CapabilityAndCategoryGates(t *testing.T) {
	idx := &fakeIndex{byCat: map[model.Category][]model.Candidate{
		"TEND": grid("p", 2, 1),
		"HAUL": grid("c", 2, 1),
	}}
	caps := &fakeCaps{can: map[model.Category]bool{"HAUL": true, "TEND": true}, disabled: map[model.Category]bool{"TEND": true}}
	s := newTestScheduler(idx, caps, nil)
	_ = s.RegisterModule(registry.Module{ID: "doctor", Priority: 10, Category: "TEND"})
	_ = s.RegisterModule(registry.Module{ID: "haul", Priority: 1, Category: "HAUL"})

	res := s.ResolveDetailed(agent)
	if res.Job == nil || res.Job.ModuleID != "haul" {
		t.Fatalf("disabled category should fall through to haul, got %+v", res.Job)
	}
	if res.Steps[0].Outcome != OutcomeDisabled {
		t.Fatalf("doctor outcome: %v", res.Steps[0].Outcome)
	}

	caps.can["HAUL"] = false
	res = s.ResolveDetailed(agent)
	if res.Job != nil || res.Steps[1].Outcome != OutcomeIneligible {
		t.Fatalf("agent without capability must be skipped: %+v", res)
	}
	if idx.scans != 1 {
		t.Fatalf("ineligible and disabled modules must not scan: scans=%d", idx.scans)
	}
}

func TestResolve_OnlyHigherPriorityPreempts(t *testing.T) {
	idx := &fakeIndex{byCat: map[model.Category][]model.Candidate{
		"TEND": grid("p", 1, 1),
		"HAUL": grid("c", 1, 1),
	}}
	caps := &fakeCaps{current: &tasks.Job{Priority: 5}}
	s := newTestScheduler(idx, caps, nil)
	_ = s.RegisterModule(registry.Module{ID: "doctor", Priority: 10, Category: "TEND"})
	_ = s.RegisterModule(registry.Module{ID: "haul", Priority: 5, Category: "HAUL"})

	res := s.ResolveDetailed(agent)
	if res.Job == nil || res.Job.ModuleID != "doctor" {
		t.Fatalf("higher priority work should preempt: %+v", res.Job)
	}
	caps.current = &tasks.Job{Priority: 10}
	res = s.ResolveDetailed(agent)
	if res.Job != nil || !res.Preempted || len(res.Steps) != 0 {
		t.Fatalf("nothing outranks the current job: %+v", res)
	}
}

func TestResolve_NearModuleQueriesAroundAgent(t *testing.T) {
	idx := &fakeIndex{byCat: map[model.Category][]model.Candidate{"CLEAN": {
		{ID: "near", WorldID: 1, Pos: model.Vec3i{X: 2}},
		{ID: "far", WorldID: 1, Pos: model.Vec3i{X: 200}},
	}}}
	s := newTestScheduler(idx, &fakeCaps{}, &countingOracle{})
	_ = s.RegisterModule(registry.Module{ID: "clean", Priority: 1, Category: "CLEAN", NearRadius: 10})
	j := s.Resolve(agent)
	if j == nil || j.Target.ID != "near" {
		t.Fatalf("got %+v want near", j)
	}
	if idx.nearScans != 1 || idx.scans != 0 {
		t.Fatalf("near module must use the near query: near=%d full=%d", idx.nearScans, idx.scans)
	}
}

func TestInvalidateAndReset(t *testing.T) {
	idx := &fakeIndex{byCat: map[model.Category][]model.Candidate{"HAUL": append(grid("a", 2, 1), grid("b", 2, 2)...)}}
	s := newTestScheduler(idx, &fakeCaps{}, nil)
	_ = s.RegisterModule(registry.Module{ID: "haul", Priority: 1, Category: "HAUL"})
	_ = s.RegisterModule(registry.Module{ID: "haul2", Priority: 0, Category: "HAUL", MakeJob: func(model.Agent, model.Candidate, uint64) *tasks.Job { return nil }})

	_ = s.Resolve(model.Agent{ID: "A", WorldID: 1})
	_ = s.Resolve(model.Agent{ID: "B", WorldID: 2})
	if s.CacheEntries() != 2 {
		t.Fatalf("entries: got %d want 2", s.CacheEntries())
	}
	s.InvalidateWorld(1)
	if s.CacheEntries() != 1 {
		t.Fatalf("after InvalidateWorld: got %d want 1", s.CacheEntries())
	}
	s.InvalidateModule("haul")
	if s.CacheEntries() != 0 {
		t.Fatalf("after InvalidateModule: got %d want 0", s.CacheEntries())
	}
	_ = s.Resolve(model.Agent{ID: "A", WorldID: 1})
	s.ResetAll()
	if s.CacheEntries() != 0 {
		t.Fatalf("after ResetAll: got %d", s.CacheEntries())
	}
}

func TestRegisterModule_RejectsBadConfig(t *testing.T) {
	s := newTestScheduler(&fakeIndex{}, nil, nil)
	if err := s.RegisterModule(registry.Module{ID: "", Category: "HAUL"}); !errors.Is(err, registry.ErrInvalidModule) {
		t.Fatalf("expected ErrInvalidModule, got %v", err)
	}
	_ = s.RegisterModule(registry.Module{ID: "haul", Category: "HAUL"})
	if err := s.RegisterModule(registry.Module{ID: "haul", Category: "HAUL"}); !errors.Is(err, registry.ErrDuplicateModule) {
		t.Fatalf("expected ErrDuplicateModule, got %v", err)
	}
	if s.Registry().Len() != 1 {
		t.Fatalf("rejected modules must not be registered")
	}
	s.UnregisterModule("haul")
	if s.Registry().Len() != 0 {
		t.Fatalf("unregister failed")
	}
}

func TestBeginTick_DrainsStats(t *testing.T) {
	idx := &fakeIndex{byCat: map[model.Category][]model.Candidate{"HAUL": grid("c", 3, 1)}}
	s := newTestScheduler(idx, &fakeCaps{}, nil)
	_ = s.RegisterModule(registry.Module{ID: "haul", Priority: 1, Category: "HAUL"})
	s.BeginTick(1)
	_ = s.Resolve(agent)
	_ = s.Resolve(agent)
	st := s.BeginTick(2)
	if st.Tick != 1 || st.Resolves != 2 || st.Assigned != 2 || st.Rebuilds != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if len(st.ByModule) != 1 || st.ByModule[0].ModuleID != "haul" || st.ByModule[0].Assigned != 2 {
		t.Fatalf("by module: %+v", st.ByModule)
	}
	if cur := s.Stats(); cur.Resolves != 0 {
		t.Fatalf("counters must reset on BeginTick: %+v", cur)
	}
}

func TestApplyTuning_ReplacesModulesAndResetsCaches(t *testing.T) {
	idx := &fakeIndex{byCat: map[model.Category][]model.Candidate{"HAUL": grid("c", 3, 1)}}
	s := newTestScheduler(idx, &fakeCaps{}, nil)
	_ = s.RegisterModule(registry.Module{ID: "old", Priority: 1, Category: "HAUL"})
	_ = s.Resolve(agent)
	if s.CacheEntries() == 0 {
		t.Fatalf("expected a cache entry")
	}

	tu := tuning.Defaults()
	if err := s.ApplyTuning(tu, catalog.Hooks{}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if s.CacheEntries() != 0 {
		t.Fatalf("caches must be reset on tuning change")
	}
	if _, ok := s.Registry().Get("old"); ok {
		t.Fatalf("old module should be gone")
	}
	if s.Registry().Len() != len(tu.Modules) {
		t.Fatalf("modules: got %d want %d", s.Registry().Len(), len(tu.Modules))
	}

	bad := tuning.Defaults()
	bad.Modules[0].CandidateKinds = []string{"ROCK"}
	if err := s.ApplyTuning(bad, catalog.Hooks{}); err == nil {
		t.Fatalf("expected bad tuning to be rejected")
	}
	if s.Registry().Len() != len(tu.Modules) {
		t.Fatalf("rejected tuning must keep the current registry")
	}
}

func TestRebuildBudget_NearModulesDoNotSpendIt(t *testing.T) {
	idx := &fakeIndex{byCat: map[model.Category][]model.Candidate{"HAUL": grid("c", 3, 1)}}
	s := New(Options{Index: idx, Capabilities: &fakeCaps{}, Seed: 7, Stagger: stagger.Config{MaxRebuildsPerTick: 1}})
	noJob := func(model.Agent, model.Candidate, uint64) *tasks.Job { return nil }
	_ = s.RegisterModule(registry.Module{ID: "doc", Priority: 10, Category: "TEND", NearRadius: 8, RefreshInterval: 10})
	_ = s.RegisterModule(registry.Module{ID: "haul", Priority: 5, Category: "HAUL", RefreshInterval: 10, MakeJob: noJob})
	_ = s.RegisterModule(registry.Module{ID: "haul2", Priority: 4, Category: "HAUL", RefreshInterval: 10, MakeJob: noJob})

	s.BeginTick(1)
	_ = s.Resolve(agent)
	if idx.scans != 2 {
		t.Fatalf("first tick builds both cached modules: got %d scans", idx.scans)
	}

	s.BeginTick(11)
	for i := 0; i < 5; i++ {
		_ = s.Resolve(agent)
	}
	if idx.scans != 3 {
		t.Fatalf("the one budget slot belongs to a real rescan: got %d scans want 3", idx.scans)
	}
	st := s.Stats()
	if st.Rebuilds != 1 {
		t.Fatalf("memo rolls are not rebuilds: got %d", st.Rebuilds)
	}
	if st.Deferred != 1 {
		t.Fatalf("a deferred entry counts once per tick, got %d", st.Deferred)
	}
	if idx.nearScans != 6 {
		t.Fatalf("near module still queries every resolve: got %d", idx.nearScans)
	}
}
