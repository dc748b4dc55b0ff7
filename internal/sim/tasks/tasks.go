package tasks

import (
	"github.com/google/uuid"

	"workcraft.ai/internal/sim/model"
)

// Kind names the work a job asks for. Modules set it from configuration,
// usually the upper-cased category ("HAUL", "TEND").
type Kind string

// Job is a concrete unit of work picked for one agent. The scheduler only
// builds Jobs; reserving the target and executing the work is the host's job.
type Job struct {
	JobID    string
	Kind     Kind
	ModuleID string
	Category model.Category
	Priority float64

	AgentID string
	WorldID model.WorldID
	Target  model.Candidate

	CreatedTick uint64
	WorkTicks   int // ticks of work once the agent reaches the target
}

// NewJob fills in the identity fields shared by every job.
func NewJob(kind Kind, agent model.Agent, target model.Candidate, tick uint64) *Job {
	return &Job{
		JobID:       uuid.NewString(),
		Kind:        kind,
		AgentID:     agent.ID,
		WorldID:     agent.WorldID,
		Target:      target,
		CreatedTick: tick,
	}
}

// SameTarget reports whether two jobs point at the same candidate.
func SameTarget(a, b *Job) bool {
	if a == nil || b == nil {
		return false
	}
	return a.WorldID == b.WorldID && a.Target.ID == b.Target.ID
}
