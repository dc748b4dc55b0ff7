package observerproto

import "workcraft.ai/internal/sim/workgiver"

// Version is the observer protocol version.
const Version = "0.1"

const (
	TypeSubscribe = "SUBSCRIBE"
	TypeTick      = "TICK"
)

// Client -> Server. First message on the observer WS connection, and can be re-sent to update settings.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// EveryNTicks thins the stream; 1 sends every tick.
	EveryNTicks int `json:"every_n_ticks,omitempty"`
	// Modules restricts by_module counts to these ids. Empty keeps all.
	Modules []string `json:"modules,omitempty"`
}

// HTTP response for GET /observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string   `json:"protocol_version"`
	Tick            uint64   `json:"tick"`
	Modules         []string `json:"modules"`
	Subscribers     int      `json:"subscribers"`
}

// Server -> Client. Sent every N ticks.
type TickMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`

	Worlds         int `json:"worlds"`
	Agents         int `json:"agents"`
	Idle           int `json:"idle"`
	LiveCandidates int `json:"live_candidates"`
	Spawned        int `json:"spawned"`
	Completed      int `json:"completed"`
	Preempted      int `json:"preempted"`
	Conflicts      int `json:"conflicts"`

	Scheduler workgiver.TickStats `json:"scheduler"`

	// Dropped counts ticks this session missed because it was slow.
	Dropped uint64 `json:"dropped,omitempty"`
}
