package model

// CommandAction is an explicit operator instruction for a node.
type CommandAction string

const (
	CommandStop    CommandAction = "stop"
	CommandStart   CommandAction = "start"
	CommandUpgrade CommandAction = "upgrade"
)

// CommandRequest is a queued operator command. Commands are written by
// operator tooling and consumed by the master's reconciler, which deletes
// them once applied.
type CommandRequest struct {
	ID       string        `json:"id"`
	NodeID   string        `json:"node_id"`
	Action   CommandAction `json:"action"`
	IssuedAt int64         `json:"issued_at"`
}
