// Package stagger spreads target-cache rebuilds over ticks.
//
// Every cache uses the same rule: an entry is due once its age reaches the
// effective interval. The first generation of an entry is extended by a
// phase derived from a stable hash of (module, world), so caches created on
// the same tick do not keep rebuilding on the same tick forever after. On
// top of that a per-tick rebuild budget may push a due rebuild to a later
// tick, up to twice the interval.
package stagger

import (
	"sync"

	"workcraft.ai/internal/sim/mathx"
	"workcraft.ai/internal/sim/model"
	"workcraft.ai/internal/sim/workgiver/targetcache"
)

type Config struct {
	// Enabled turns on the first-generation phase offset.
	Enabled bool

	// Population scaling: the interval is multiplied by
	// 1 + (population-Baseline)/Step, capped at MaxMultiplier.
	PopulationBaseline int
	PopulationStep     int
	MaxMultiplier      int

	// MaxRebuildsPerTick bounds rebuilds system-wide per tick; 0 = unlimited.
	MaxRebuildsPerTick int
}

func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		PopulationBaseline: 20,
		PopulationStep:     20,
		MaxMultiplier:      4,
		MaxRebuildsPerTick: 0,
	}
}

// TickCounts is what the controller saw during the current tick.
type TickCounts struct {
	Tick     uint64
	Rebuilds int
	Deferred int
}

type Controller struct {
	mu         sync.Mutex
	cfg        Config
	tick       uint64
	rebuilds   int
	deferred   map[targetcache.Key]struct{} // keys served stale this tick
	population map[model.WorldID]int
}

func New(cfg Config) *Controller {
	return &Controller{cfg: cfg, deferred: map[targetcache.Key]struct{}{}, population: map[model.WorldID]int{}}
}

func (c *Controller) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

func (c *Controller) SetConfig(cfg Config) {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
}

// BeginTick resets the per-tick budget and returns the counts of the tick
// that just ended.
func (c *Controller) BeginTick(tick uint64) TickCounts {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := TickCounts{Tick: c.tick, Rebuilds: c.rebuilds, Deferred: len(c.deferred)}
	c.tick = tick
	c.rebuilds = 0
	clear(c.deferred)
	return prev
}

func (c *Controller) Counts() TickCounts {
	c.mu.Lock()
	defer c.mu.Unlock()
	return TickCounts{Tick: c.tick, Rebuilds: c.rebuilds, Deferred: len(c.deferred)}
}

// SetPopulation records how many agents live in world w. n <= 0 forgets w.
func (c *Controller) SetPopulation(w model.WorldID, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= 0 {
		delete(c.population, w)
		return
	}
	c.population[w] = n
}

func (c *Controller) ForgetWorld(w model.WorldID) { c.SetPopulation(w, 0) }

// EffectiveInterval scales base by the population of w.
func (c *Controller) EffectiveInterval(base uint64, w model.WorldID) uint64 {
	c.mu.Lock()
	pop := c.population[w]
	cfg := c.cfg
	c.mu.Unlock()
	return ScaleInterval(base, pop, cfg)
}

func ScaleInterval(base uint64, population int, cfg Config) uint64 {
	if base == 0 {
		base = 1
	}
	if cfg.PopulationStep <= 0 || population <= cfg.PopulationBaseline {
		return base
	}
	mult := 1 + (population-cfg.PopulationBaseline)/cfg.PopulationStep
	if cfg.MaxMultiplier > 0 && mult > cfg.MaxMultiplier {
		mult = cfg.MaxMultiplier
	}
	return base * uint64(mult)
}

// Phase is the stable offset of k within interval.
func Phase(k targetcache.Key, interval uint64) uint64 {
	if interval <= 1 {
		return 0
	}
	return mathx.Combine(mathx.HashString(k.ModuleID), uint64(k.WorldID)) % interval
}

// Due implements targetcache.Gate. Memo-only entries follow the same
// cadence but never charge or wait for the rebuild budget.
func (c *Controller) Due(k targetcache.Key, info targetcache.EntryInfo, tick, interval uint64) targetcache.Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !info.Built {
		if !info.MemoOnly {
			c.rebuilds++
		}
		return targetcache.Rebuild
	}
	age := tick - info.LastRefresh
	if tick < info.LastRefresh {
		// Tick counter went backwards (state reload without reset).
		age = interval
	}
	threshold := interval
	if c.cfg.Enabled && info.Generation == 1 {
		threshold += Phase(k, interval)
	}
	if age < threshold {
		return targetcache.Fresh
	}
	if info.MemoOnly {
		return targetcache.Rebuild
	}
	if c.cfg.MaxRebuildsPerTick > 0 && c.rebuilds >= c.cfg.MaxRebuildsPerTick && age < 2*threshold {
		c.deferred[k] = struct{}{}
		return targetcache.Defer
	}
	c.rebuilds++
	return targetcache.Rebuild
}
