package registry

import (
	"math"
	"strings"

	"github.com/cockroachdb/errors"

	"workcraft.ai/internal/sim/model"
	"workcraft.ai/internal/sim/tasks"
	"workcraft.ai/internal/sim/workgiver/bucket"
	"workcraft.ai/internal/sim/workgiver/targetcache"
)

var (
	ErrInvalidModule   = errors.New("invalid work module")
	ErrDuplicateModule = errors.New("duplicate work module id")
)

const DefaultRefreshInterval = 60

// ScanFunc enumerates the candidates of a module in one world. It is called
// on cache rebuilds only.
type ScanFunc func(world model.WorldID, yield func(model.Candidate) bool) error

// Module is one work category policy. Behaviour is composed from the
// function fields; no field depends on which agent asked before Eligible is
// called.
type Module struct {
	ID       string
	Priority float64 // higher is evaluated first
	Category model.Category
	JobKind  tasks.Kind

	// Eligible is the cheap per-agent filter. It must not scan the world.
	// nil means "agent has the module's category capability".
	Eligible func(a model.Agent) bool

	// Scan rebuilds the cached candidate list. nil means
	// WorldIndex.EnumerateCandidates(world, Category).
	Scan ScanFunc

	// NearRadius > 0 skips the shared cache: candidates are queried around
	// the agent on every resolve with EnumerateCandidatesNear. The
	// reachability memo still follows RefreshInterval.
	NearRadius int

	// Validate is the structural check done before trusting a candidate,
	// cached or not. nil accepts everything.
	Validate func(a model.Agent, c model.Candidate) bool

	// SkipReach disables the reachability oracle for this module.
	SkipReach bool

	// MakeJob turns the chosen candidate into a job. nil builds a plain
	// tasks.Job of JobKind. Returning nil means no job from this module.
	MakeJob func(a model.Agent, c model.Candidate, tick uint64) *tasks.Job

	RefreshInterval uint64
	Thresholds      []int64
	MaxCandidates   int
	WorkTicks       int
}

// withDefaults fills optional fields. It never touches the caller's
// Thresholds slice.
func (m Module) withDefaults() Module {
	m.ID = strings.TrimSpace(m.ID)
	if m.RefreshInterval == 0 {
		m.RefreshInterval = DefaultRefreshInterval
	}
	if len(m.Thresholds) == 0 {
		m.Thresholds = bucket.DefaultThresholds
	}
	m.Thresholds = append([]int64(nil), m.Thresholds...)
	if m.JobKind == "" {
		m.JobKind = tasks.Kind(strings.ToUpper(string(m.Category)))
	}
	return m
}

// Check reports configuration errors. All of them wrap ErrInvalidModule.
func (m Module) Check() error {
	m = m.withDefaults()
	if m.ID == "" {
		return errors.Wrap(ErrInvalidModule, "module id must not be empty")
	}
	if math.IsNaN(m.Priority) || math.IsInf(m.Priority, 0) {
		return errors.Wrapf(ErrInvalidModule, "module %s priority must be finite, got %v", m.ID, m.Priority)
	}
	if strings.TrimSpace(string(m.Category)) == "" {
		return errors.Wrapf(ErrInvalidModule, "module %s category must not be empty", m.ID)
	}
	if m.MaxCandidates < 0 || m.MaxCandidates > targetcache.MaxCandidatesLimit {
		return errors.Wrapf(ErrInvalidModule, "module %s max_candidates must be in [0,%d], got %d", m.ID, targetcache.MaxCandidatesLimit, m.MaxCandidates)
	}
	if m.NearRadius < 0 {
		return errors.Wrapf(ErrInvalidModule, "module %s near_radius must be >= 0", m.ID)
	}
	if m.NearRadius > 0 && m.Scan != nil {
		return errors.Wrapf(ErrInvalidModule, "module %s cannot set both near_radius and a custom scan", m.ID)
	}
	if m.WorkTicks < 0 {
		return errors.Wrapf(ErrInvalidModule, "module %s work_ticks must be >= 0", m.ID)
	}
	if err := bucket.CheckThresholds(m.Thresholds); err != nil {
		return errors.Wrapf(ErrInvalidModule, "module %s: %v", m.ID, err)
	}
	return nil
}

// BuildJob runs MakeJob, or builds the default job when MakeJob is nil.
func (m *Module) BuildJob(a model.Agent, c model.Candidate, tick uint64) *tasks.Job {
	var j *tasks.Job
	if m.MakeJob != nil {
		j = m.MakeJob(a, c, tick)
	} else {
		j = tasks.NewJob(m.JobKind, a, c, tick)
		j.WorkTicks = m.WorkTicks
	}
	if j == nil {
		return nil
	}
	if j.ModuleID == "" {
		j.ModuleID = m.ID
	}
	if j.Category == "" {
		j.Category = m.Category
	}
	if j.Priority == 0 {
		j.Priority = m.Priority
	}
	return j
}
