package model

// HostStatus is the connectivity state of a host as judged by heartbeats.
type HostStatus string

const (
	HostOnline  HostStatus = "online"
	HostOffline HostStatus = "offline" // heartbeat missed beyond threshold
)

type Host struct {
	ID       string     `json:"id"`
	Addr     string     `json:"addr"` // network address the agent listens on
	Capacity Resource   `json:"capacity"`
	Status   HostStatus `json:"status"`

	// Unix seconds of the last heartbeat the master observed.
	LastHeartbeat int64 `json:"last_heartbeat"`
}

// NodeTelemetry is the per-node slice of a heartbeat: sync progress and
// consensus/stake observations reported by the host agent.
type NodeTelemetry struct {
	NodeID        string `json:"node_id"`
	SyncHeight    int64  `json:"sync_height"`
	ChainHeight   int64  `json:"chain_height"`
	Consensus     bool   `json:"consensus"`
	StakedOnChain bool   `json:"staked_on_chain"`
}

// Heartbeat is what a host agent reports each interval. Telemetry is
// optional; an empty slice still proves liveness.
type Heartbeat struct {
	HostID    string          `json:"host_id"`
	Timestamp int64           `json:"timestamp"`
	Nodes     []NodeTelemetry `json:"nodes,omitempty"`
}
