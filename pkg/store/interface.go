package store

import (
	"context"
	"errors"

	"blockfleet/pkg/model"
)

// ErrNotFound is returned for lookups of unknown host, node type or node ids.
var ErrNotFound = errors.New("not found")

// NodeEventType classifies node watch events.
type NodeEventType int

const (
	NodeCreate NodeEventType = iota
	NodeUpdate
	NodeDelete
)

// NodeEvent is delivered on the node watch channel whenever a node record
// changes. For deletes, Node carries the last known state.
type NodeEvent struct {
	Type NodeEventType
	Node *model.Node
}

// Store is the shared data store behind the master and the host agents. The
// etcd implementation is authoritative in production; the memory
// implementation backs tests.
type Store interface {
	// --- Node types ---

	PutNodeType(ctx context.Context, nt *model.NodeType) error
	GetNodeType(ctx context.Context, id string) (*model.NodeType, error)
	ListNodeTypes(ctx context.Context) ([]*model.NodeType, error)

	// --- Hosts ---

	PutHost(ctx context.Context, host *model.Host) error
	GetHost(ctx context.Context, id string) (*model.Host, error)
	ListHosts(ctx context.Context) ([]*model.Host, error)
	DeleteHost(ctx context.Context, id string) error

	// --- Nodes ---

	CreateNode(ctx context.Context, node *model.Node) error
	GetNode(ctx context.Context, id string) (*model.Node, error)
	UpdateNode(ctx context.Context, node *model.Node) error
	DeleteNode(ctx context.Context, id string) error
	ListNodes(ctx context.Context) ([]*model.Node, error)

	// WatchNodes converts store changes under the node prefix into a
	// channel of events. The channel closes when ctx is done.
	WatchNodes(ctx context.Context) <-chan NodeEvent

	// --- Heartbeats ---

	PutHeartbeat(ctx context.Context, hb *model.Heartbeat) error
	WatchHeartbeats(ctx context.Context) <-chan *model.Heartbeat

	// --- Operator commands ---

	PutCommand(ctx context.Context, cmd *model.CommandRequest) error
	DeleteCommand(ctx context.Context, id string) error

	// ListCommands returns every queued command so commands written while
	// no consumer was watching are still applied.
	ListCommands(ctx context.Context) ([]*model.CommandRequest, error)
	WatchCommands(ctx context.Context) <-chan *model.CommandRequest
}
