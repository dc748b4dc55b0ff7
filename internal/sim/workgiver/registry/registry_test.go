package registry

import (
	"math"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"

	"workcraft.ai/internal/sim/model"
	"workcraft.ai/internal/sim/tasks"
)

func TestNew_SortsByPriorityThenRegistrationOrder(t *testing.T) {
	r, err := New(
		Module{ID: "clean", Priority: 1, Category: "CLEAN"},
		Module{ID: "haul_a", Priority: 5, Category: "HAUL"},
		Module{ID: "doctor", Priority: 10, Category: "TEND"},
		Module{ID: "haul_b", Priority: 5, Category: "HAUL"},
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := strings.Join(r.IDs(), ",")
	if got != "doctor,haul_a,haul_b,clean" {
		t.Fatalf("order: got %s", got)
	}

	r2, err := r.With(Module{ID: "haul_c", Priority: 5, Category: "HAUL"})
	if err != nil {
		t.Fatalf("With: %v", err)
	}
	if got := strings.Join(r2.IDs(), ","); got != "doctor,haul_a,haul_b,haul_c,clean" {
		t.Fatalf("order after With: got %s", got)
	}
	if r.Len() != 4 {
		t.Fatalf("With must not modify the original registry")
	}
}

func TestNew_RejectsInvalidModules(t *testing.T) {
	cases := []struct {
		name string
		m    Module
	}{
		{"empty id", Module{Category: "HAUL"}},
		{"nan priority", Module{ID: "x", Category: "HAUL", Priority: math.NaN()}},
		{"inf priority", Module{ID: "x", Category: "HAUL", Priority: math.Inf(1)}},
		{"no category", Module{ID: "x"}},
		{"bad thresholds", Module{ID: "x", Category: "HAUL", Thresholds: []int64{400, 100}}},
		{"negative max", Module{ID: "x", Category: "HAUL", MaxCandidates: -1}},
		{"max above limit", Module{ID: "x", Category: "HAUL", MaxCandidates: 10001}},
		{"near and scan", Module{ID: "x", Category: "HAUL", NearRadius: 5, Scan: func(model.WorldID, func(model.Candidate) bool) error { return nil }}},
	}
	for _, c := range cases {
		_, err := New(c.m)
		if !errors.Is(err, ErrInvalidModule) {
			t.Fatalf("%s: expected ErrInvalidModule, got %v", c.name, err)
		}
	}
}

func TestNew_RejectsDuplicateIDs(t *testing.T) {
	_, err := New(
		Module{ID: "haul", Category: "HAUL"},
		Module{ID: "haul", Category: "HAUL"},
	)
	if !errors.Is(err, ErrDuplicateModule) {
		t.Fatalf("expected ErrDuplicateModule, got %v", err)
	}
}

func TestDefaults(t *testing.T) {
	thr := []int64{10, 20}
	r := MustNew(Module{ID: "haul", Category: "haul", Thresholds: thr})
	m, ok := r.Get("haul")
	if !ok {
		t.Fatalf("module missing")
	}
	if m.RefreshInterval != DefaultRefreshInterval {
		t.Fatalf("interval: got %d", m.RefreshInterval)
	}
	if m.JobKind != tasks.Kind("HAUL") {
		t.Fatalf("job kind: got %s", m.JobKind)
	}
	thr[0] = 999
	if m.Thresholds[0] != 10 {
		t.Fatalf("registry must own its thresholds copy")
	}
}

func TestBuildJob_DefaultsAndOverrides(t *testing.T) {
	r := MustNew(
		Module{ID: "haul", Category: "HAUL", Priority: 3, WorkTicks: 7},
		Module{ID: "never", Category: "HAUL", MakeJob: func(model.Agent, model.Candidate, uint64) *tasks.Job { return nil }},
	)
	a := model.Agent{ID: "A1", WorldID: 1}
	c := model.Candidate{ID: "item_1"}

	m, _ := r.Get("haul")
	j := m.BuildJob(a, c, 9)
	if j == nil || j.ModuleID != "haul" || j.Priority != 3 || j.WorkTicks != 7 || j.Kind != "HAUL" {
		t.Fatalf("unexpected job: %+v", j)
	}
	n, _ := r.Get("never")
	if n.BuildJob(a, c, 9) != nil {
		t.Fatalf("nil MakeJob result must yield no job")
	}
}

func TestWithout(t *testing.T) {
	r := MustNew(Module{ID: "a", Category: "X"}, Module{ID: "b", Category: "X"})
	r2 := r.Without("a")
	if r2.Len() != 1 || r.Len() != 2 {
		t.Fatalf("Without: got %d, original %d", r2.Len(), r.Len())
	}
	if _, ok := r2.Get("a"); ok {
		t.Fatalf("a should be gone")
	}
}
