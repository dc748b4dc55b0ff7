package workgiver

import (
	"math/rand/v2"

	"github.com/cockroachdb/errors"

	"workcraft.ai/internal/sim/mathx"
	"workcraft.ai/internal/sim/model"
	"workcraft.ai/internal/sim/tasks"
	"workcraft.ai/internal/sim/workgiver/bucket"
	"workcraft.ai/internal/sim/workgiver/registry"
	"workcraft.ai/internal/sim/workgiver/targetcache"
)

type Outcome uint8

const (
	OutcomeIneligible  Outcome = iota + 1 // quick filter rejected the agent
	OutcomeDisabled                       // category switched off for the agent
	OutcomeScanFailed                     // candidate enumeration failed
	OutcomeNoCandidate                    // no candidate passed validation
	OutcomeNoJob                          // builder returned nil
	OutcomeFailed                         // panic inside the module
	OutcomeAssigned
)

var outcomeNames = map[Outcome]string{
	OutcomeIneligible:  "INELIGIBLE",
	OutcomeDisabled:    "DISABLED",
	OutcomeScanFailed:  "SCAN_FAILED",
	OutcomeNoCandidate: "NO_CANDIDATE",
	OutcomeNoJob:       "NO_JOB",
	OutcomeFailed:      "FAILED",
	OutcomeAssigned:    "ASSIGNED",
}

func (o Outcome) String() string {
	if s, ok := outcomeNames[o]; ok {
		return s
	}
	return "UNKNOWN"
}

// Step records what one module did during a resolve.
type Step struct {
	ModuleID string
	Outcome  Outcome
	Err      error
}

type Resolution struct {
	Job   *tasks.Job
	Steps []Step
	// Preempted is set when the agent already had a job and only modules
	// above its priority were considered.
	Preempted bool
}

// Resolve returns the job of the highest priority module that both applies
// to agent and finds a candidate, or nil.
func (s *Scheduler) Resolve(agent model.Agent) *tasks.Job {
	return s.resolve(agent, nil).Job
}

// ResolveDetailed is Resolve with a per-module trace.
func (s *Scheduler) ResolveDetailed(agent model.Agent) Resolution {
	steps := make([]Step, 0, 8)
	return s.resolve(agent, &steps)
}

func (s *Scheduler) resolve(agent model.Agent, steps *[]Step) (res Resolution) {
	tick := s.tick.Load()
	s.stats.resolves.Add(1)
	defer func() {
		if r := recover(); r != nil {
			// Only the capability lookups run outside a module boundary.
			s.stats.moduleFailures.Add(1)
			s.failures.report("<resolver>", tick, agent.ID, "capabilities", panicError("<resolver>", "capabilities", r))
			res = Resolution{}
		}
		if steps != nil {
			res.Steps = *steps
		}
	}()

	var current *tasks.Job
	if s.caps != nil {
		current = s.caps.CurrentAssignment(agent)
	}
	for _, m := range s.reg.Load().Modules() {
		if current != nil && m.Priority <= current.Priority {
			res.Preempted = true
			break
		}
		job, out, err := s.evalModule(m, agent, tick)
		if steps != nil {
			*steps = append(*steps, Step{ModuleID: m.ID, Outcome: out, Err: err})
		}
		if job != nil {
			s.stats.assignedTo(m.ID)
			res.Job = job
			return res
		}
	}
	return res
}

// evalModule runs one module for one agent. Every panic is turned into
// OutcomeFailed here so the next module still gets its turn.
func (s *Scheduler) evalModule(m *registry.Module, agent model.Agent, tick uint64) (job *tasks.Job, out Outcome, err error) {
	stage := "eligible"
	defer func() {
		if r := recover(); r != nil {
			job = nil
			out = OutcomeFailed
			err = panicError(m.ID, stage, r)
			s.stats.moduleFailures.Add(1)
			s.failures.report(m.ID, tick, agent.ID, stage, err)
		}
	}()

	if !s.eligible(m, agent) {
		return nil, OutcomeIneligible, nil
	}
	stage = "settings"
	if s.settings != nil && !s.settings.CategoryEnabled(agent, m.Category) {
		return nil, OutcomeDisabled, nil
	}

	stage = "scan"
	key := targetcache.Key{ModuleID: m.ID, WorldID: agent.WorldID}
	interval := s.ctrl.EffectiveInterval(m.RefreshInterval, agent.WorldID)
	cands, gen, err := s.candidates(m, key, agent, tick, interval)
	if errors.Is(err, errScanFailedThisTick) {
		return nil, OutcomeScanFailed, nil
	}
	if err != nil {
		s.stats.scanFailures.Add(1)
		s.failures.report(m.ID, tick, agent.ID, stage, err)
		return nil, OutcomeScanFailed, err
	}
	if len(cands) == 0 {
		return nil, OutcomeNoCandidate, nil
	}

	stage = "validate"
	memo := s.store.Memo(key, gen)
	valid := func(c model.Candidate) bool {
		if m.Validate != nil && !m.Validate(agent, c) {
			return false
		}
		if m.SkipReach || s.oracle == nil {
			return true
		}
		if found, verdict := memo.TryGet(c.ID); found {
			s.stats.memoHits.Add(1)
			return verdict
		}
		s.stats.memoMisses.Add(1)
		s.stats.oracleCalls.Add(1)
		verdict := s.oracle.CanReserveAndReach(agent, c)
		memo.Set(c.ID, verdict)
		return verdict
	}
	c, ok := bucket.SelectNearest(agent.Pos, cands, m.Thresholds, valid, s.shuffleRand(agent.ID, m.ID, tick))
	if !ok {
		return nil, OutcomeNoCandidate, nil
	}

	stage = "build"
	job = m.BuildJob(agent, c, tick)
	if job == nil {
		return nil, OutcomeNoJob, nil
	}
	return job, OutcomeAssigned, nil
}

func (s *Scheduler) eligible(m *registry.Module, agent model.Agent) bool {
	if m.Eligible != nil {
		return m.Eligible(agent)
	}
	if s.caps == nil {
		return true
	}
	return s.caps.HasCapability(agent, m.Category)
}

// candidates returns the list the selector works on and the memo
// generation that goes with it.
func (s *Scheduler) candidates(m *registry.Module, key targetcache.Key, agent model.Agent, tick, interval uint64) ([]model.Candidate, uint64, error) {
	if m.NearRadius > 0 {
		v := s.store.Touch(key, tick, interval)
		if s.index == nil {
			return nil, v.Generation, errors.Wrapf(ErrScanFailed, "module %s: no world index", m.ID)
		}
		limit := m.MaxCandidates
		if limit <= 0 {
			limit = targetcache.DefaultMaxCandidates
		}
		out := make([]model.Candidate, 0, min(limit, 32))
		err := s.index.EnumerateCandidatesNear(agent.WorldID, m.Category, agent.Pos, m.NearRadius, func(c model.Candidate) bool {
			if len(out) >= limit {
				return false
			}
			out = append(out, c)
			return true
		})
		if err != nil {
			return nil, v.Generation, errors.Wrapf(ErrScanFailed, "module %s near scan: %v", m.ID, err)
		}
		s.stats.candidates.Add(int64(len(out)))
		return out, v.Generation, nil
	}

	scan := s.scanFor(m)
	v, err := s.store.GetOrRefresh(key, tick, interval, m.MaxCandidates, func(yield func(model.Candidate) bool) error {
		return scan(key.WorldID, yield)
	})
	if v.Rebuilt {
		s.stats.rebuilds.Add(1)
		s.stats.candidates.Add(int64(len(v.Candidates)))
		s.log.Trace().Str("module", m.ID).Int("world", int(key.WorldID)).Int("candidates", len(v.Candidates)).Bool("truncated", v.Truncated).Uint64("generation", v.Generation).Msg("target cache rebuilt")
	}
	if err != nil {
		return nil, v.Generation, errors.Wrapf(ErrScanFailed, "module %s: %v", m.ID, err)
	}
	if v.Failed {
		return nil, v.Generation, errScanFailedThisTick
	}
	return v.Candidates, v.Generation, nil
}

func (s *Scheduler) scanFor(m *registry.Module) registry.ScanFunc {
	if m.Scan != nil {
		return m.Scan
	}
	index := s.index
	category := m.Category
	return func(w model.WorldID, yield func(model.Candidate) bool) error {
		if index == nil {
			return errors.New("no world index")
		}
		return index.EnumerateCandidates(w, category, yield)
	}
}

// shuffleRand seeds the bucket shuffle from (seed, tick, agent, module) so a
// repeated resolve on the same tick makes the same choice.
func (s *Scheduler) shuffleRand(agentID, moduleID string, tick uint64) *rand.Rand {
	a := mathx.Combine(uint64(s.seed), tick, mathx.HashString(agentID))
	b := mathx.Combine(a, mathx.HashString(moduleID))
	return rand.New(rand.NewPCG(a, b))
}
