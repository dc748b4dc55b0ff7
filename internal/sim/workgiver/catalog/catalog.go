// Package catalog turns tuning module specs into registry modules.
//
// Module behaviour that cannot be written as data (custom scans, job
// builders, structural validators) is attached by id through Hooks.
package catalog

import (
	"github.com/cockroachdb/errors"

	"workcraft.ai/internal/sim/model"
	"workcraft.ai/internal/sim/tasks"
	"workcraft.ai/internal/sim/tuning"
	"workcraft.ai/internal/sim/workgiver/registry"
	"workcraft.ai/internal/sim/workgiver/stagger"
)

// Hooks are per-module overrides keyed by module id.
type Hooks struct {
	Eligible map[string]func(a model.Agent) bool
	Scan     map[string]registry.ScanFunc
	Validate map[string]func(a model.Agent, c model.Candidate) bool
	MakeJob  map[string]func(a model.Agent, c model.Candidate, tick uint64) *tasks.Job
}

// Build returns a registry holding every enabled module of t.
func Build(t tuning.Tuning, hooks Hooks) (*registry.Registry, error) {
	specs := t.EnabledModules()
	mods := make([]registry.Module, 0, len(specs))
	for _, spec := range specs {
		m, err := Module(spec, t.Scheduler, hooks)
		if err != nil {
			return nil, err
		}
		mods = append(mods, m)
	}
	return registry.New(mods...)
}

// Module converts one spec. Zero fields inherit from defaults.
func Module(spec tuning.ModuleSpec, defaults tuning.SchedulerSpec, hooks Hooks) (registry.Module, error) {
	kinds, err := kindSet(spec.CandidateKinds)
	if err != nil {
		return registry.Module{}, errors.Wrapf(registry.ErrInvalidModule, "module %s: %v", spec.ID, err)
	}
	m := registry.Module{
		ID:              spec.ID,
		Priority:        spec.Priority,
		Category:        model.Category(spec.Category),
		JobKind:         tasks.Kind(spec.JobKind),
		NearRadius:      spec.NearRadius,
		SkipReach:       spec.SkipReach,
		RefreshInterval: spec.RefreshIntervalTicks,
		Thresholds:      spec.Thresholds,
		MaxCandidates:   spec.MaxCandidates,
		WorkTicks:       spec.WorkTicks,
		Eligible:        hooks.Eligible[spec.ID],
		Scan:            hooks.Scan[spec.ID],
		MakeJob:         hooks.MakeJob[spec.ID],
	}
	if m.RefreshInterval == 0 {
		m.RefreshInterval = defaults.RefreshIntervalTicks
	}
	if len(m.Thresholds) == 0 {
		m.Thresholds = defaults.Thresholds
	}
	if m.MaxCandidates == 0 {
		m.MaxCandidates = defaults.MaxCandidates
	}
	m.Validate = validator(kinds, hooks.Validate[spec.ID])
	return m, nil
}

// Stagger maps the tuning stagger block.
func Stagger(t tuning.Tuning) stagger.Config {
	return stagger.Config{
		Enabled:            t.Stagger.Enabled,
		PopulationBaseline: t.Stagger.PopulationBaseline,
		PopulationStep:     t.Stagger.PopulationStep,
		MaxMultiplier:      t.Stagger.MaxMultiplier,
		MaxRebuildsPerTick: t.Stagger.MaxRebuildsPerTick,
	}
}

func kindSet(names []string) (map[model.CandidateKind]bool, error) {
	if len(names) == 0 {
		return nil, nil
	}
	out := make(map[model.CandidateKind]bool, len(names))
	for _, n := range names {
		k, ok := model.ParseCandidateKind(n)
		if !ok {
			return nil, errors.Newf("unknown candidate kind %q", n)
		}
		out[k] = true
	}
	return out, nil
}

func validator(kinds map[model.CandidateKind]bool, extra func(model.Agent, model.Candidate) bool) func(model.Agent, model.Candidate) bool {
	switch {
	case kinds == nil && extra == nil:
		return nil
	case kinds == nil:
		return extra
	}
	return func(a model.Agent, c model.Candidate) bool {
		if !kinds[c.Kind] {
			return false
		}
		return extra == nil || extra(a, c)
	}
}
