package workgiver

import (
	"workcraft.ai/internal/sim/model"
	"workcraft.ai/internal/sim/tasks"
)

// WorldIndex enumerates candidate objects. Enumeration stops as soon as yield
// returns false. Implementations must not mutate the world from inside an
// enumeration.
type WorldIndex interface {
	EnumerateCandidates(world model.WorldID, category model.Category, yield func(model.Candidate) bool) error
	EnumerateCandidatesNear(world model.WorldID, category model.Category, pos model.Vec3i, radius int, yield func(model.Candidate) bool) error
}

// Oracle answers whether agent can reserve and reach a candidate. Calls are
// assumed expensive and are memoized per cache generation.
type Oracle interface {
	CanReserveAndReach(agent model.Agent, c model.Candidate) bool
}

type Capabilities interface {
	HasCapability(agent model.Agent, category model.Category) bool
	// CurrentAssignment returns the job the agent is doing, or nil.
	CurrentAssignment(agent model.Agent) *tasks.Job
}

// WorkSettings is the optional per-agent category switch board ("is
// hauling enabled for this agent right now").
type WorkSettings interface {
	CategoryEnabled(agent model.Agent, category model.Category) bool
}

// OracleFunc adapts a function to Oracle.
type OracleFunc func(agent model.Agent, c model.Candidate) bool

func (f OracleFunc) CanReserveAndReach(agent model.Agent, c model.Candidate) bool { return f(agent, c) }
