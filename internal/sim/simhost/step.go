package simhost

import (
	"context"
	"time"

	"workcraft.ai/internal/sim/model"
	"workcraft.ai/internal/sim/tasks"
	"workcraft.ai/internal/sim/tuning"
	"workcraft.ai/internal/sim/workgiver"
)

// Step runs one tick: lifecycle events, spawning, job progress, then one
// resolve per idle agent (and per busy agent on preemption ticks).
func (h *Host) Step() TickRecord {
	h.tick++
	tick := h.tick
	h.sched.BeginTick(tick)
	h.cur = TickRecord{Tick: tick}

	h.lifecycle(tick)
	for _, id := range h.WorldIDs() {
		h.spawnInto(h.worlds[id])
		h.sched.SetPopulation(id, h.population(id))
	}

	preemptTick := h.cfg.PreemptCheckEvery > 0 && tick%h.cfg.PreemptCheckEvery == 0
	for _, a := range h.agents {
		if a.parked || h.worlds[a.WorldID] == nil {
			continue
		}
		h.cur.Agents++
		if a.job != nil {
			h.work(a)
		}
		if a.job != nil && !preemptTick {
			continue
		}
		h.assign(a, tick)
		if a.job == nil {
			h.cur.Idle++
		}
	}

	h.cur.Worlds = len(h.worlds)
	h.cur.LiveCandidates = h.LiveCandidates()
	h.cur.Scheduler = h.sched.Stats()
	rec := h.cur
	for _, s := range h.tickSinks {
		if err := s.WriteTick(rec); err != nil {
			h.log.Debug().Err(err).Uint64("tick", tick).Msg("tick sink failed")
		}
	}
	return rec
}

func (h *Host) lifecycle(tick uint64) {
	select {
	case <-h.reloadReq:
		h.Reload()
	default:
	}
	if every := h.cfg.ReloadEveryTicks; every > 0 && tick%every == 0 {
		h.Reload()
	}
	if every := h.cfg.CycleWorldEveryTicks; every > 0 && tick%every == 0 && h.cfg.Worlds > 1 {
		last := h.lastWorldID()
		if !h.UnloadWorld(last) {
			h.LoadWorld(last)
		}
	}
}

func (h *Host) lastWorldID() model.WorldID { return model.WorldID(h.cfg.Worlds) }

func (h *Host) spawnInto(w *world) {
	for i := 0; i < h.cfg.SpawnPerTick; i++ {
		if h.cfg.MaxLivePerWorld > 0 && w.live() >= h.cfg.MaxLivePerWorld {
			return
		}
		spec, ok := pickSpawn(h.rng, h.cfg.Spawns, h.spawnWeight)
		if !ok {
			return
		}
		w.spawn(h.rng, spec)
		h.cur.Spawned++
	}
}

// work advances a's job; a finished job consumes its target.
func (h *Host) work(a *agentState) {
	a.remaining--
	if a.remaining > 0 {
		return
	}
	target := a.job.Target
	if w := h.worlds[target.WorldID]; w != nil {
		w.consume(target.ID)
	}
	a.Pos = target.Pos
	h.dropJob(a)
	h.cur.Completed++
}

func (h *Host) assign(a *agentState, tick uint64) {
	var res workgiver.Resolution
	if len(h.assignSinks) > 0 {
		res = h.sched.ResolveDetailed(a.Agent)
	} else {
		res.Job = h.sched.Resolve(a.Agent)
	}
	job := res.Job
	if job == nil {
		return
	}
	if job.Target.ID != "" && !h.reserve(a, job.Target) {
		h.cur.Conflicts++
		return
	}
	preempted := a.job != nil
	if preempted {
		if !tasks.SameTarget(a.job, job) {
			if owner := h.reservations[a.job.Target.ID]; owner == a.ID {
				delete(h.reservations, a.job.Target.ID)
			}
		}
		h.cur.Preempted++
	}
	a.job = job
	a.remaining = max(1, job.WorkTicks)

	e := AssignmentEntry{
		Tick:        tick,
		AgentID:     a.ID,
		JobID:       job.JobID,
		ModuleID:    job.ModuleID,
		Kind:        string(job.Kind),
		WorldID:     int(job.WorldID),
		CandidateID: job.Target.ID,
		Pos:         job.Target.Pos.ToArray(),
		Priority:    job.Priority,
		Preempted:   preempted,
	}
	for _, st := range res.Steps {
		if st.Outcome == workgiver.OutcomeAssigned {
			break
		}
		p := PassedModule{ModuleID: st.ModuleID, Outcome: st.Outcome.String()}
		if st.Err != nil {
			p.Err = st.Err.Error()
		}
		e.Passed = append(e.Passed, p)
	}
	for _, s := range h.assignSinks {
		if err := s.WriteAssignment(e); err != nil {
			h.log.Debug().Err(err).Uint64("tick", tick).Msg("assignment sink failed")
		}
	}
}

// Run steps the host until ctx ends or MaxTicks is reached. Queued tunings
// and reload requests are applied between ticks.
func (h *Host) Run(ctx context.Context) error {
	var tickC <-chan time.Time
	if h.cfg.TickRateHz > 0 {
		ticker := time.NewTicker(time.Second / time.Duration(h.cfg.TickRateHz))
		defer ticker.Stop()
		tickC = ticker.C
	}
	for {
		if h.cfg.MaxTicks > 0 && h.tick >= h.cfg.MaxTicks {
			return nil
		}
		if tickC == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case tu := <-h.tuningReq:
				h.applyQueued(tu)
			default:
				h.Step()
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tu := <-h.tuningReq:
			h.applyQueued(tu)
		case <-tickC:
			h.Step()
		}
	}
}

func (h *Host) applyQueued(tu tuning.Tuning) {
	if err := h.ApplyTuning(tu); err != nil {
		h.log.Warn().Err(err).Msg("queued tuning rejected")
	}
}
