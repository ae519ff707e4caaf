// Package agent is the per-host daemon: it registers the host's capacity,
// heartbeats with per-node telemetry, and starts/stops node workloads as the
// master assigns them to this host.
package agent

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"blockfleet/internal/agent/runtime"
	"blockfleet/pkg/model"
	"blockfleet/pkg/store"
)

type Agent struct {
	hostID   string
	addr     string
	capacity model.Resource
	interval time.Duration

	store   store.Store
	runtime runtime.Runtime

	mu      sync.Mutex
	running map[string]string // node id -> runtime ref

	now func() time.Time
	log *zap.Logger
}

func New(hostID, addr string, capacity model.Resource, interval time.Duration, st store.Store, rt runtime.Runtime, log *zap.Logger) *Agent {
	return &Agent{
		hostID:   hostID,
		addr:     addr,
		capacity: capacity,
		interval: interval,
		store:    st,
		runtime:  rt,
		running:  make(map[string]string),
		now:      time.Now,
		log:      log,
	}
}

// Run registers the host, then heartbeats and reacts to node assignments
// until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.register(ctx); err != nil {
		return err
	}
	go a.heartbeatLoop(ctx)
	a.watchNodes(ctx)
	return nil
}

func (a *Agent) register(ctx context.Context) error {
	host := &model.Host{
		ID:            a.hostID,
		Addr:          a.addr,
		Capacity:      a.capacity,
		Status:        model.HostOnline,
		LastHeartbeat: a.now().Unix(),
	}
	if err := a.store.PutHost(ctx, host); err != nil {
		return err
	}
	a.log.Info("host registered",
		zap.String("host_id", a.hostID),
		zap.Int64("cpu_milli", a.capacity.CPUMilli),
		zap.Int64("memory_bytes", a.capacity.MemoryBytes))
	return nil
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	a.sendHeartbeat(ctx)
	for {
		select {
		case <-ticker.C:
			a.sendHeartbeat(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// sendHeartbeat probes every workload this agent runs and reports liveness
// plus per-node sync/consensus telemetry.
func (a *Agent) sendHeartbeat(ctx context.Context) {
	a.mu.Lock()
	refs := make(map[string]string, len(a.running))
	for nodeID, ref := range a.running {
		refs[nodeID] = ref
	}
	a.mu.Unlock()

	hb := &model.Heartbeat{
		HostID:    a.hostID,
		Timestamp: a.now().Unix(),
	}
	nodeIDs := make([]string, 0, len(refs))
	for nodeID := range refs {
		nodeIDs = append(nodeIDs, nodeID)
	}
	sort.Strings(nodeIDs)

	for _, nodeID := range nodeIDs {
		node, err := a.store.GetNode(ctx, nodeID)
		if err != nil {
			continue
		}
		nt, err := a.store.GetNodeType(ctx, node.TypeID)
		if err != nil {
			continue
		}
		state, err := a.runtime.Probe(ctx, refs[nodeID], nt)
		if err != nil {
			a.log.Warn("probe failed", zap.String("node_id", nodeID), zap.Error(err))
			continue
		}
		if !state.Running {
			continue
		}
		hb.Nodes = append(hb.Nodes, model.NodeTelemetry{
			NodeID:        nodeID,
			SyncHeight:    state.SyncHeight,
			ChainHeight:   state.ChainHeight,
			Consensus:     state.Consensus,
			StakedOnChain: state.StakedOnChain,
		})
	}

	if err := a.store.PutHeartbeat(ctx, hb); err != nil {
		a.log.Warn("heartbeat failed", zap.Error(err))
	}
}

// watchNodes reacts to assignment changes for this host: start workloads for
// nodes placed here, stop them when the node stops, is deleted or moves away.
func (a *Agent) watchNodes(ctx context.Context) {
	events := a.store.WatchNodes(ctx)
	a.log.Info("watching for node assignments", zap.String("host_id", a.hostID))

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			a.handleNodeEvent(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) handleNodeEvent(ctx context.Context, ev store.NodeEvent) {
	node := ev.Node

	a.mu.Lock()
	_, isRunning := a.running[node.ID]
	a.mu.Unlock()

	mine := node.HostID == a.hostID && ev.Type != store.NodeDelete

	switch {
	case mine && node.Status == model.NodeProvisioning && !isRunning:
		a.startNode(ctx, node)
	case mine && node.Status == model.NodeUpgrading && isRunning:
		// Upgrade is a recreate: the image is re-resolved from the node
		// type, and the node resyncs after restart.
		a.stopNode(ctx, node.ID)
		a.startNode(ctx, node)
	case isRunning && (!mine || node.Status == model.NodeStopped):
		a.stopNode(ctx, node.ID)
	}
}

func (a *Agent) startNode(ctx context.Context, node *model.Node) {
	nt, err := a.store.GetNodeType(ctx, node.TypeID)
	if err != nil {
		a.log.Error("resolve node type", zap.String("node_id", node.ID), zap.Error(err))
		return
	}
	ref, err := a.runtime.Start(ctx, node, nt)
	if err != nil {
		a.log.Error("start workload", zap.String("node_id", node.ID), zap.Error(err))
		return
	}
	a.mu.Lock()
	a.running[node.ID] = ref
	a.mu.Unlock()
	a.log.Info("workload started", zap.String("node_id", node.ID), zap.String("ref", ref))
}

func (a *Agent) stopNode(ctx context.Context, nodeID string) {
	a.mu.Lock()
	ref, ok := a.running[nodeID]
	delete(a.running, nodeID)
	a.mu.Unlock()
	if !ok {
		return
	}
	if err := a.runtime.Stop(ctx, ref); err != nil {
		a.log.Error("stop workload", zap.String("node_id", nodeID), zap.Error(err))
		return
	}
	a.log.Info("workload stopped", zap.String("node_id", nodeID))
}
