// Package fleet is the narrow interface the request-handling layer calls
// into: node creation and deletion, heartbeats, operator commands and the
// read-side status/utilization queries. Inputs are assumed validated for
// shape; referential checks happen here.
package fleet

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"blockfleet/internal/master/ledger"
	"blockfleet/internal/master/reconciler"
	"blockfleet/internal/master/registry"
	"blockfleet/internal/master/scheduler"
	"blockfleet/pkg/model"
	"blockfleet/pkg/store"
)

type Fleet struct {
	store    store.Store
	registry *registry.Registry
	ledger   *ledger.Ledger
	sched    *scheduler.Scheduler
	recon    *reconciler.Reconciler

	now func() time.Time
	log *zap.Logger
}

func New(st store.Store, reg *registry.Registry, led *ledger.Ledger, sched *scheduler.Scheduler, recon *reconciler.Reconciler, log *zap.Logger) *Fleet {
	return &Fleet{
		store:    st,
		registry: reg,
		ledger:   led,
		sched:    sched,
		recon:    recon,
		now:      time.Now,
		log:      log,
	}
}

// CreateNode registers a pending node for the given type and policy. The
// scheduler's watch loop picks it up for placement; callers that need the
// decision synchronously use Place.
func (f *Fleet) CreateNode(ctx context.Context, typeID, orgID string, policy model.SchedulerPolicy) (*model.Node, error) {
	nt, err := f.registry.Get(ctx, typeID)
	if err != nil {
		return nil, err
	}
	node, err := model.NewPendingNode(nt, orgID, policy, f.now().Unix())
	if err != nil {
		return nil, err
	}

	if err := f.store.CreateNode(ctx, node); err != nil {
		return nil, fmt.Errorf("create node: %w", err)
	}
	f.log.Info("node created",
		zap.String("node_id", node.ID),
		zap.String("type_id", typeID),
		zap.String("group_key", node.GroupKey))
	return node, nil
}

// Place runs one synchronous placement attempt for the node.
func (f *Fleet) Place(ctx context.Context, node *model.Node) (*scheduler.Assignment, error) {
	return f.sched.Place(ctx, node)
}

// DeleteNode removes a node, releasing its reservation and clearing
// reconciler bookkeeping. Deleting an unknown node is an error.
func (f *Fleet) DeleteNode(ctx context.Context, nodeID string) error {
	node, err := f.store.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	f.ledger.Release(node.ReservationID)
	f.recon.NodeDeleted(nodeID)
	if err := f.store.DeleteNode(ctx, nodeID); err != nil {
		return err
	}
	f.log.Info("node deleted", zap.String("node_id", nodeID))
	return nil
}

// HostHeartbeat feeds one heartbeat into the reconciler. Agents normally
// report through the store's heartbeat prefix; this entry point serves
// callers that proxy agent telemetry.
func (f *Fleet) HostHeartbeat(ctx context.Context, hb *model.Heartbeat) error {
	return f.recon.HandleHeartbeat(ctx, hb)
}

// OperatorCommand applies stop/start/upgrade to a node.
func (f *Fleet) OperatorCommand(ctx context.Context, nodeID string, action model.CommandAction) error {
	return f.recon.ApplyCommand(ctx, nodeID, action)
}

// NodeStatus is the read-side answer for one node.
type NodeStatus struct {
	NodeID      string            `json:"node_id"`
	Status      model.NodeStatus  `json:"status"`
	StakeStatus model.StakeStatus `json:"stake_status,omitempty"`
	HostID      string            `json:"host_id,omitempty"`
}

func (f *Fleet) GetNodeStatus(ctx context.Context, nodeID string) (*NodeStatus, error) {
	node, err := f.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	st := &NodeStatus{NodeID: node.ID, Status: node.Status, HostID: node.HostID}
	if node.Validator != nil {
		st.StakeStatus = node.Validator.StakeStatus
	}
	return st, nil
}

// ListHostUtilization reports per-host free/used capacity from the ledger.
func (f *Fleet) ListHostUtilization() []model.Utilization {
	return f.ledger.ListUtilization()
}

// RegisterHost adds or updates a host record and starts tracking its
// capacity in the ledger.
func (f *Fleet) RegisterHost(ctx context.Context, host *model.Host) error {
	if err := f.store.PutHost(ctx, host); err != nil {
		return err
	}
	f.ledger.AddHost(host)
	f.log.Info("host registered", zap.String("host_id", host.ID), zap.String("addr", host.Addr))
	return nil
}

// RemoveHost retires a host from the fleet. Refused while any node is still
// assigned to it; stop or re-place the nodes first.
func (f *Fleet) RemoveHost(ctx context.Context, hostID string) error {
	nodes, err := f.store.ListNodes(ctx)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if n.HostID == hostID {
			return fmt.Errorf("host %s still runs node %s", hostID, n.ID)
		}
	}
	if err := f.store.DeleteHost(ctx, hostID); err != nil {
		return err
	}
	f.ledger.RemoveHost(hostID)
	f.log.Info("host removed", zap.String("host_id", hostID))
	return nil
}

// PutNodeType publishes a node type through the registry, which refuses
// mutation of types referenced by live nodes.
func (f *Fleet) PutNodeType(ctx context.Context, nt *model.NodeType) error {
	return f.registry.Put(ctx, nt)
}
