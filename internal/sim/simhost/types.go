package simhost

import (
	"workcraft.ai/internal/sim/workgiver"
)

// TickRecord summarises one host tick.
type TickRecord struct {
	Tick uint64 `json:"tick"`

	Worlds         int `json:"worlds"`
	Agents         int `json:"agents"`
	Idle           int `json:"idle"`
	LiveCandidates int `json:"live_candidates"`
	Spawned        int `json:"spawned"`
	Completed      int `json:"completed"`
	Preempted      int `json:"preempted"`
	Conflicts      int `json:"conflicts"`

	Scheduler workgiver.TickStats `json:"scheduler"`
}

// AssignmentEntry is one job handed to an agent.
type AssignmentEntry struct {
	Tick        uint64  `json:"tick"`
	AgentID     string  `json:"agent_id"`
	JobID       string  `json:"job_id"`
	ModuleID    string  `json:"module_id"`
	Kind        string  `json:"kind"`
	WorldID     int     `json:"world_id"`
	CandidateID string  `json:"candidate_id"`
	Pos         [3]int  `json:"pos"`
	Priority    float64 `json:"priority"`
	Preempted   bool    `json:"preempted,omitempty"`

	// Passed lists the higher priority modules that produced no job first.
	Passed []PassedModule `json:"passed,omitempty"`
}

type PassedModule struct {
	ModuleID string `json:"module_id"`
	Outcome  string `json:"outcome"`
	Err      string `json:"err,omitempty"`
}

type TickLogger interface {
	WriteTick(rec TickRecord) error
}

type AssignmentLogger interface {
	WriteAssignment(e AssignmentEntry) error
}
