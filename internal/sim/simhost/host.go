// Package simhost is a small reference simulation that drives the work
// scheduler: grid worlds whose candidates appear and get consumed every
// tick, agents with capability tables, exclusive reservations and a
// terrain-based reachability oracle.
//
// A Host is not safe for concurrent use. Run owns it; other goroutines talk
// to it through RequestReload and QueueTuning.
package simhost

import (
	"math/rand/v2"
	"sort"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"workcraft.ai/internal/sim/mathx"
	"workcraft.ai/internal/sim/model"
	"workcraft.ai/internal/sim/tasks"
	"workcraft.ai/internal/sim/tuning"
	"workcraft.ai/internal/sim/workgiver"
	"workcraft.ai/internal/sim/workgiver/catalog"
)

type agentState struct {
	model.Agent
	caps     map[model.Category]bool
	disabled map[model.Category]bool

	job       *tasks.Job
	remaining int
	parked    bool // its world is unloaded
}

type Host struct {
	cfg   Config
	log   zerolog.Logger
	sched *workgiver.Scheduler
	rng   *rand.Rand

	worlds   map[model.WorldID]*world
	agents   []*agentState
	agentsBy map[string]*agentState

	// candidate id -> agent id
	reservations map[string]string

	tick        uint64
	generation  int64 // bumped by Reload
	oracleCalls int64
	spawnWeight int

	tickSinks   []TickLogger
	assignSinks []AssignmentLogger

	reloadReq chan struct{}
	tuningReq chan tuning.Tuning

	cur TickRecord
}

// New builds the host, its scheduler, and the scheduler modules from tu.
func New(cfg Config, tu tuning.Tuning, log zerolog.Logger) (*Host, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := &Host{
		cfg:          cfg,
		log:          log.With().Str("component", "simhost").Logger(),
		worlds:       map[model.WorldID]*world{},
		agentsBy:     map[string]*agentState{},
		reservations: map[string]string{},
		reloadReq:    make(chan struct{}, 1),
		tuningReq:    make(chan tuning.Tuning, 1),
	}
	for _, s := range cfg.Spawns {
		h.spawnWeight += s.Weight
	}
	h.sched = workgiver.New(workgiver.Options{
		Index:           h,
		Oracle:          h,
		Capabilities:    h,
		Settings:        h,
		Stagger:         catalog.Stagger(tu),
		Seed:            tu.Scheduler.Seed,
		Logger:          &log,
		FailureLogEvery: millis(tu.Scheduler.FailureLogEveryMs),
		FailureLogBurst: tu.Scheduler.FailureLogBurst,
	})
	if err := h.ApplyTuning(tu); err != nil {
		return nil, err
	}
	h.populate()
	return h, nil
}

func millis(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

func (h *Host) Scheduler() *workgiver.Scheduler { return h.sched }
func (h *Host) Tick() uint64                    { return h.tick }
func (h *Host) OracleCalls() int64              { return h.oracleCalls }

func (h *Host) AddTickLogger(l TickLogger) {
	if l != nil {
		h.tickSinks = append(h.tickSinks, l)
	}
}

func (h *Host) AddAssignmentLogger(l AssignmentLogger) {
	if l != nil {
		h.assignSinks = append(h.assignSinks, l)
	}
}

// ApplyTuning rebuilds the scheduler modules. Call it from the goroutine
// that runs the host, or before Run.
func (h *Host) ApplyTuning(tu tuning.Tuning) error {
	return h.sched.ApplyTuning(tu, h.hooks(tu))
}

// QueueTuning checks tu and hands it to the running host, which applies it
// before its next tick. A tuning still waiting is replaced.
func (h *Host) QueueTuning(tu tuning.Tuning) error {
	if _, err := catalog.Build(tu, catalog.Hooks{}); err != nil {
		return err
	}
	for {
		select {
		case h.tuningReq <- tu:
			return nil
		default:
		}
		select {
		case <-h.tuningReq:
		default:
		}
	}
}

// RequestReload asks the running host to replace its state before the next
// tick.
func (h *Host) RequestReload() {
	select {
	case h.reloadReq <- struct{}{}:
	default:
	}
}

// hooks gives every module a structural validator: the candidate must still
// exist and not be reserved by someone else.
func (h *Host) hooks(tu tuning.Tuning) catalog.Hooks {
	hk := catalog.Hooks{Validate: map[string]func(model.Agent, model.Candidate) bool{}}
	for _, m := range tu.Modules {
		hk.Validate[m.ID] = h.available
	}
	return hk
}

func (h *Host) available(a model.Agent, c model.Candidate) bool {
	w := h.worlds[c.WorldID]
	if w == nil || !w.exists(c.ID) {
		return false
	}
	owner, taken := h.reservations[c.ID]
	return !taken || owner == a.ID
}

// populate creates worlds and agents from the seed and the current
// generation.
func (h *Host) populate() {
	seed := h.cfg.Seed + h.generation*7919
	h.rng = rand.New(rand.NewPCG(uint64(seed), mathx.Mix64(uint64(seed))))
	h.worlds = map[model.WorldID]*world{}
	h.agents = h.agents[:0]
	h.agentsBy = map[string]*agentState{}
	h.reservations = map[string]string{}

	for i := 1; i <= h.cfg.Worlds; i++ {
		h.loadWorld(model.WorldID(i))
	}
	for i := 0; i < h.cfg.Worlds*h.cfg.AgentsPerWorld; i++ {
		wid := model.WorldID(i%h.cfg.Worlds + 1)
		a := &agentState{
			Agent: model.Agent{
				ID:      agentID(i),
				WorldID: wid,
				Pos:     model.Vec3i{X: h.rng.IntN(h.cfg.Size), Z: h.rng.IntN(h.cfg.Size)},
			},
			caps:     map[model.Category]bool{},
			disabled: map[model.Category]bool{},
		}
		for _, s := range h.cfg.Spawns {
			a.caps[s.Category] = true
		}
		// Every fourth agent cannot tend; every fifth has hauling switched off.
		if i%4 == 3 {
			a.caps["TEND"] = false
		}
		if i%5 == 4 {
			a.disabled["HAUL"] = true
		}
		h.agents = append(h.agents, a)
		h.agentsBy[a.ID] = a
	}
	for id := range h.worlds {
		h.sched.SetPopulation(id, h.population(id))
	}
}

func agentID(i int) string { return "A" + strconv.Itoa(i) }

func (h *Host) loadWorld(id model.WorldID) *world {
	w := newWorld(id, h.cfg.Seed+int64(id)*104729+h.generation, h.cfg)
	for i := 0; i < h.cfg.InitialCandidates; i++ {
		if spec, ok := pickSpawn(h.rng, h.cfg.Spawns, h.spawnWeight); ok {
			w.spawn(h.rng, spec)
		}
	}
	h.worlds[id] = w
	return w
}

// Reload drops every world, agent and reservation and regenerates them, as
// loading a different simulation state would, then resets the scheduler
// caches.
func (h *Host) Reload() {
	h.generation++
	h.populate()
	h.sched.ResetAll()
	h.log.Info().Int64("generation", h.generation).Uint64("tick", h.tick).Msg("state reloaded")
}

// UnloadWorld removes world id. Its agents are parked and their jobs and
// reservations dropped.
func (h *Host) UnloadWorld(id model.WorldID) bool {
	if _, ok := h.worlds[id]; !ok {
		return false
	}
	delete(h.worlds, id)
	for _, a := range h.agents {
		if a.WorldID != id {
			continue
		}
		h.dropJob(a)
		a.parked = true
	}
	h.sched.InvalidateWorld(id)
	h.log.Info().Int("world", int(id)).Uint64("tick", h.tick).Msg("world unloaded")
	return true
}

// LoadWorld (re)creates world id and unparks its agents.
func (h *Host) LoadWorld(id model.WorldID) bool {
	if _, ok := h.worlds[id]; ok {
		return false
	}
	h.loadWorld(id)
	for _, a := range h.agents {
		if a.WorldID == id {
			a.parked = false
		}
	}
	h.sched.SetPopulation(id, h.population(id))
	h.log.Info().Int("world", int(id)).Uint64("tick", h.tick).Msg("world loaded")
	return true
}

func (h *Host) population(id model.WorldID) int {
	n := 0
	for _, a := range h.agents {
		if a.WorldID == id && !a.parked {
			n++
		}
	}
	return n
}

func (h *Host) reserve(a *agentState, c model.Candidate) bool {
	if owner, taken := h.reservations[c.ID]; taken && owner != a.ID {
		return false
	}
	h.reservations[c.ID] = a.ID
	return true
}

func (h *Host) dropJob(a *agentState) {
	if a.job == nil {
		return
	}
	if owner := h.reservations[a.job.Target.ID]; owner == a.ID {
		delete(h.reservations, a.job.Target.ID)
	}
	a.job = nil
	a.remaining = 0
}

// WorldIDs lists loaded worlds in ascending order.
func (h *Host) WorldIDs() []model.WorldID {
	out := make([]model.WorldID, 0, len(h.worlds))
	for id := range h.worlds {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// LiveCandidates counts candidates over all loaded worlds.
func (h *Host) LiveCandidates() int {
	n := 0
	for _, w := range h.worlds {
		n += w.live()
	}
	return n
}

// Assignment returns the job agent id is working on.
func (h *Host) Assignment(id string) (*tasks.Job, bool) {
	a := h.agentsBy[id]
	if a == nil {
		return nil, false
	}
	return a.job, a.job != nil
}

// Reserved returns the agent holding candidate id.
func (h *Host) Reserved(id string) (string, bool) {
	owner, ok := h.reservations[id]
	return owner, ok
}

// --- workgiver collaborators ---

func (h *Host) EnumerateCandidates(id model.WorldID, cat model.Category, yield func(model.Candidate) bool) error {
	w := h.worlds[id]
	if w == nil {
		return errors.Newf("world %d not loaded", id)
	}
	for _, c := range w.candidates(cat) {
		if !yield(c) {
			return nil
		}
	}
	return nil
}

func (h *Host) EnumerateCandidatesNear(id model.WorldID, cat model.Category, pos model.Vec3i, radius int, yield func(model.Candidate) bool) error {
	w := h.worlds[id]
	if w == nil {
		return errors.Newf("world %d not loaded", id)
	}
	r2 := int64(radius) * int64(radius)
	for _, c := range w.candidates(cat) {
		if model.DistSq(pos, c.Pos) > r2 {
			continue
		}
		if !yield(c) {
			return nil
		}
	}
	return nil
}

// CanReserveAndReach answers from terrain: candidates on blocked cells are
// unreachable for everyone.
func (h *Host) CanReserveAndReach(a model.Agent, c model.Candidate) bool {
	h.oracleCalls++
	w := h.worlds[c.WorldID]
	if w == nil || c.WorldID != a.WorldID || !w.exists(c.ID) {
		return false
	}
	if owner, taken := h.reservations[c.ID]; taken && owner != a.ID {
		return false
	}
	return !w.isBlocked(c.Pos)
}

func (h *Host) HasCapability(a model.Agent, cat model.Category) bool {
	st := h.agentsBy[a.ID]
	return st != nil && st.caps[cat]
}

func (h *Host) CurrentAssignment(a model.Agent) *tasks.Job {
	if st := h.agentsBy[a.ID]; st != nil {
		return st.job
	}
	return nil
}

func (h *Host) CategoryEnabled(a model.Agent, cat model.Category) bool {
	st := h.agentsBy[a.ID]
	return st == nil || !st.disabled[cat]
}
