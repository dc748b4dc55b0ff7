// Package workgiver assigns jobs to agents.
//
// A Scheduler is the whole mutable state of the assignment engine: the
// module registry, the per-(module, world) target caches with their
// reachability memos, and the stagger controller. The host owns it, calls
// BeginTick once per simulation tick and Resolve once per idle agent.
// Nothing in here escapes as a panic or error into the host tick loop.
package workgiver

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"workcraft.ai/internal/sim/model"
	"workcraft.ai/internal/sim/workgiver/registry"
	"workcraft.ai/internal/sim/workgiver/stagger"
	"workcraft.ai/internal/sim/workgiver/targetcache"
)

type Options struct {
	Index        WorldIndex
	Oracle       Oracle
	Capabilities Capabilities
	Settings     WorkSettings // optional

	Stagger stagger.Config
	// Seed feeds the per-resolve shuffle so runs are reproducible.
	Seed int64

	Logger *zerolog.Logger

	// Failure log throttling per module.
	FailureLogEvery time.Duration
	FailureLogBurst int
}

type Scheduler struct {
	index    WorldIndex
	oracle   Oracle
	caps     Capabilities
	settings WorkSettings
	seed     int64

	reg   atomic.Pointer[registry.Registry]
	store *targetcache.Store
	ctrl  *stagger.Controller

	tick  atomic.Uint64
	stats counters

	log      zerolog.Logger
	failures *failureLog
}

func New(opts Options) *Scheduler {
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = opts.Logger.With().Str("component", "workgiver").Logger()
	}
	ctrl := stagger.New(opts.Stagger)
	s := &Scheduler{
		index:    opts.Index,
		oracle:   opts.Oracle,
		caps:     opts.Capabilities,
		settings: opts.Settings,
		seed:     opts.Seed,
		store:    targetcache.New(ctrl),
		ctrl:     ctrl,
		log:      log,
		failures: newFailureLog(log, opts.FailureLogEvery, opts.FailureLogBurst),
	}
	empty, _ := registry.New()
	s.reg.Store(empty)
	return s
}

// RegisterModule adds m to the registry. Invalid or duplicate modules are
// rejected with an error wrapping registry.ErrInvalidModule or
// registry.ErrDuplicateModule.
func (s *Scheduler) RegisterModule(m registry.Module) error {
	for {
		cur := s.reg.Load()
		next, err := cur.With(m)
		if err != nil {
			s.log.Error().Err(err).Str("module", m.ID).Msg("module rejected")
			return err
		}
		if s.reg.CompareAndSwap(cur, next) {
			s.log.Debug().Str("module", m.ID).Float64("priority", m.Priority).Int("modules", next.Len()).Msg("module registered")
			return nil
		}
	}
}

// UnregisterModule removes a module and its caches.
func (s *Scheduler) UnregisterModule(id string) {
	for {
		cur := s.reg.Load()
		if s.reg.CompareAndSwap(cur, cur.Without(id)) {
			break
		}
	}
	s.InvalidateModule(id)
	s.failures.forget(id)
}

// SetRegistry replaces every module at once and drops all caches, the
// policy-reset path used on configuration changes.
func (s *Scheduler) SetRegistry(r *registry.Registry) {
	if r == nil {
		r, _ = registry.New()
	}
	s.reg.Store(r)
	s.ResetAll()
}

func (s *Scheduler) Registry() *registry.Registry { return s.reg.Load() }

// ModuleIDs lists the registered modules in evaluation order. Safe to call
// from any goroutine.
func (s *Scheduler) ModuleIDs() []string { return s.Registry().IDs() }

// SetStaggerConfig swaps stagger settings. Caches are kept; new intervals
// apply from the next due check.
func (s *Scheduler) SetStaggerConfig(cfg stagger.Config) { s.ctrl.SetConfig(cfg) }

// BeginTick advances the scheduler clock and returns the counters of the
// tick that ended.
func (s *Scheduler) BeginTick(tick uint64) TickStats {
	prev := s.tick.Swap(tick)
	sc := s.ctrl.BeginTick(tick)
	out := s.stats.drain(prev)
	out.Deferred = int64(sc.Deferred)
	return out
}

func (s *Scheduler) CurrentTick() uint64 { return s.tick.Load() }

// Stats returns the counters of the current tick so far.
func (s *Scheduler) Stats() TickStats {
	out := s.stats.peek(s.tick.Load())
	out.Deferred = int64(s.ctrl.Counts().Deferred)
	return out
}

// SetPopulation tells the stagger controller how many agents live in w.
func (s *Scheduler) SetPopulation(w model.WorldID, n int) { s.ctrl.SetPopulation(w, n) }

// InvalidateWorld purges every cache of world w. Call it when w unloads.
func (s *Scheduler) InvalidateWorld(w model.WorldID) {
	n := s.store.DropWorld(w)
	s.ctrl.ForgetWorld(w)
	s.log.Debug().Int("world", int(w)).Int("entries", n).Msg("world caches invalidated")
}

// InvalidateModule purges the caches of module id in every world.
func (s *Scheduler) InvalidateModule(id string) {
	n := s.store.DropModule(id)
	s.log.Debug().Str("module", id).Int("entries", n).Msg("module caches invalidated")
}

// ResetAll purges every cache. Call it on configuration changes and after
// loading a different simulation state.
func (s *Scheduler) ResetAll() {
	n := s.store.Reset()
	s.log.Info().Int("entries", n).Msg("all work caches reset")
}

// CacheEntries is the number of live (module, world) entries.
func (s *Scheduler) CacheEntries() int { return s.store.Len() }

// Cache exposes the target cache for inspection.
func (s *Scheduler) Cache() *targetcache.Store { return s.store }
