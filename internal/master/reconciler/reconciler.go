// Package reconciler owns the node and validator status state machines. It
// consumes host heartbeats and per-node sync telemetry, sweeps for missed
// heartbeats, and on host loss releases capacity, stops the hosted nodes and
// queues them for re-placement with backoff.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"blockfleet/internal/master/ledger"
	"blockfleet/internal/master/scheduler"
	"blockfleet/pkg/model"
	"blockfleet/pkg/store"
)

// ErrInvalidTransition is returned for operator commands that have no legal
// edge from the node's current status.
var ErrInvalidTransition = errors.New("invalid status transition")

// Config carries the reconciler's timing knobs.
type Config struct {
	// OfflineThreshold is how long a host may miss heartbeats before it is
	// declared offline.
	OfflineThreshold time.Duration

	// SweepInterval is the cadence of the missed-heartbeat sweep and the
	// re-placement queue drain.
	SweepInterval time.Duration

	// ReplaceBackoff is the initial retry delay after a failed
	// re-placement; it doubles per attempt up to ReplaceBackoffMax.
	ReplaceBackoff    time.Duration
	ReplaceBackoffMax time.Duration

	// ConsensusStreak is how many consecutive heartbeats must report
	// consensus participation before an observed on-chain stake is
	// reflected as staked.
	ConsensusStreak int
}

// replacement schedules one re-placement retry. The intent itself lives on
// the node record (ReplaceFrom, or an unassigned provisioning status), so a
// fresh instance rebuilds the queue from the store; this struct only carries
// the in-memory backoff state.
type replacement struct {
	nodeID  string
	backoff time.Duration
	due     time.Time
}

type Reconciler struct {
	store  store.Store
	ledger *ledger.Ledger
	sched  *scheduler.Scheduler
	cfg    Config

	// mu serializes all status transitions: single writer per node is all
	// the ordering the state machine needs.
	mu        sync.Mutex
	queue     []replacement
	consensus map[string]int // node id -> consecutive consensus heartbeats

	now func() time.Time
	log *zap.Logger
}

func New(st store.Store, led *ledger.Ledger, sched *scheduler.Scheduler, cfg Config, log *zap.Logger) *Reconciler {
	if cfg.ConsensusStreak <= 0 {
		cfg.ConsensusStreak = 3
	}
	return &Reconciler{
		store:     st,
		ledger:    led,
		sched:     sched,
		cfg:       cfg,
		consensus: make(map[string]int),
		now:       time.Now,
		log:       log,
	}
}

// Run drives the reconciler until ctx is done: heartbeat events as they
// arrive, plus a timer sweep for hosts that stopped reporting. Re-placement
// runs on its own goroutine so failure detection never blocks on placement.
func (r *Reconciler) Run(ctx context.Context) {
	heartbeats := r.store.WatchHeartbeats(ctx)
	nodeEvents := r.store.WatchNodes(ctx)
	commands := r.store.WatchCommands(ctx)
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	go r.runQueue(ctx)
	r.log.Info("reconciler started",
		zap.Duration("offline_threshold", r.cfg.OfflineThreshold),
		zap.Duration("sweep_interval", r.cfg.SweepInterval))

	// Commands queued while no instance was consuming are applied before
	// the watch takes over, and an immediate sweep recovers pending
	// re-placements left by the previous instance.
	r.drainCommands(ctx)
	if err := r.Sweep(ctx); err != nil {
		r.log.Error("sweep", zap.Error(err))
	}

	for {
		select {
		case hb, ok := <-heartbeats:
			if !ok {
				return
			}
			if err := r.HandleHeartbeat(ctx, hb); err != nil {
				r.log.Error("handle heartbeat", zap.String("host_id", hb.HostID), zap.Error(err))
			}
		case ev, ok := <-nodeEvents:
			if !ok {
				return
			}
			// Deletions through the store (operator tooling) still must
			// free capacity and drop bookkeeping.
			if ev.Type == store.NodeDelete {
				r.ledger.Release(ev.Node.ReservationID)
				r.NodeDeleted(ev.Node.ID)
			}
		case cmd, ok := <-commands:
			if !ok {
				return
			}
			r.applyQueuedCommand(ctx, cmd)
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.log.Error("sweep", zap.Error(err))
			}
		case <-ctx.Done():
			r.log.Info("reconciler stopped")
			return
		}
	}
}

// drainCommands lists and applies commands already sitting in the store.
// The watch only surfaces writes made after it started.
func (r *Reconciler) drainCommands(ctx context.Context) {
	cmds, err := r.store.ListCommands(ctx)
	if err != nil {
		r.log.Error("list queued commands", zap.Error(err))
		return
	}
	for _, cmd := range cmds {
		r.applyQueuedCommand(ctx, cmd)
	}
}

func (r *Reconciler) applyQueuedCommand(ctx context.Context, cmd *model.CommandRequest) {
	if err := r.ApplyCommand(ctx, cmd.NodeID, cmd.Action); err != nil {
		r.log.Warn("operator command rejected",
			zap.String("node_id", cmd.NodeID),
			zap.String("action", string(cmd.Action)),
			zap.Error(err))
	}
	if err := r.store.DeleteCommand(ctx, cmd.ID); err != nil {
		r.log.Warn("delete applied command", zap.String("command_id", cmd.ID), zap.Error(err))
	}
}

func (r *Reconciler) runQueue(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.ProcessQueue(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// HandleHeartbeat records host liveness and applies per-node telemetry to
// the lifecycle state machine.
func (r *Reconciler) HandleHeartbeat(ctx context.Context, hb *model.Heartbeat) error {
	host, err := r.store.GetHost(ctx, hb.HostID)
	if err != nil {
		return fmt.Errorf("heartbeat from unregistered host %s: %w", hb.HostID, err)
	}

	host.LastHeartbeat = hb.Timestamp
	if host.Status != model.HostOnline {
		r.log.Info("host back online", zap.String("host_id", host.ID))
	}
	host.Status = model.HostOnline
	if err := r.store.PutHost(ctx, host); err != nil {
		return err
	}
	// Keeps the ledger's capacity and connectivity view in step with the
	// stored host record; committed allocations are untouched.
	r.ledger.AddHost(host)

	for _, tel := range hb.Nodes {
		if err := r.applyTelemetry(ctx, hb.HostID, tel); err != nil {
			r.log.Warn("apply telemetry", zap.String("node_id", tel.NodeID), zap.Error(err))
		}
	}
	return nil
}

// applyTelemetry advances one node's status from what its host reports.
func (r *Reconciler) applyTelemetry(ctx context.Context, hostID string, tel model.NodeTelemetry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, err := r.store.GetNode(ctx, tel.NodeID)
	if err != nil {
		return err
	}
	if node.HostID != hostID {
		// Telemetry raced a re-placement; the reporting host no longer
		// owns this node.
		return nil
	}

	switch node.Status {
	case model.NodeProvisioning:
		// Telemetry for the node is the host's acknowledgement that it
		// started.
		return r.setStatusLocked(ctx, node, model.NodeSyncing)
	case model.NodeSyncing:
		if tel.ChainHeight > 0 && tel.SyncHeight >= tel.ChainHeight {
			return r.setStatusLocked(ctx, node, model.NodeSynced)
		}
	case model.NodeUpgrading:
		// The agent reports the node again once the upgrade is applied;
		// it resyncs from there.
		return r.setStatusLocked(ctx, node, model.NodeSyncing)
	case model.NodeSynced:
		if tel.Consensus && node.Validator != nil {
			if err := r.setStatusLocked(ctx, node, model.NodeConsensus); err != nil {
				return err
			}
			return r.trackConsensusLocked(ctx, node, tel)
		}
	case model.NodeConsensus:
		if tel.ChainHeight > 0 && tel.SyncHeight < tel.ChainHeight {
			delete(r.consensus, node.ID)
			return r.setStatusLocked(ctx, node, model.NodeSyncing)
		}
		return r.trackConsensusLocked(ctx, node, tel)
	}
	return nil
}

// trackConsensusLocked counts consecutive consensus heartbeats and reflects
// an observed on-chain stake once participation is sustained. Staking itself
// is an external action; the reconciler only mirrors what the chain reports.
func (r *Reconciler) trackConsensusLocked(ctx context.Context, node *model.Node, tel model.NodeTelemetry) error {
	if node.Validator == nil {
		return nil
	}
	if !tel.Consensus {
		delete(r.consensus, node.ID)
		return nil
	}
	r.consensus[node.ID]++
	if r.consensus[node.ID] < r.cfg.ConsensusStreak || !tel.StakedOnChain {
		return nil
	}
	switch node.Validator.StakeStatus {
	case model.StakeAvailable, model.StakeDisabled:
		node.Validator.StakeStatus = model.StakeStaked
		node.UpdatedAt = r.now().Unix()
		r.log.Info("validator staked",
			zap.String("node_id", node.ID),
			zap.String("address", node.Validator.Address))
		return r.store.UpdateNode(ctx, node)
	}
	return nil
}

// Sweep declares hosts offline once their heartbeat is older than the
// threshold and fails their nodes over: release the reservation, stop the
// node, queue a re-placement. It then recovers pending re-placements from
// the store, so the level, not the edge, drives the queue.
func (r *Reconciler) Sweep(ctx context.Context) error {
	hosts, err := r.store.ListHosts(ctx)
	if err != nil {
		return err
	}
	cutoff := r.now().Add(-r.cfg.OfflineThreshold).Unix()

	for _, host := range hosts {
		if host.Status != model.HostOnline || host.LastHeartbeat > cutoff {
			continue
		}
		if err := r.hostLost(ctx, host); err != nil {
			r.log.Error("host offline handling", zap.String("host_id", host.ID), zap.Error(err))
		}
	}
	return r.recoverPending(ctx)
}

// recoverPending re-queues every node whose stored record carries an
// unfinished placement intent: stopped by host loss (ReplaceFrom set) or
// awaiting placement (provisioning without an assignment). The queue is
// in-memory, so after a leadership change this rebuilds it from the store.
// Nodes already queued keep their backoff schedule.
func (r *Reconciler) recoverPending(ctx context.Context) error {
	nodes, err := r.store.ListNodes(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, node := range nodes {
		if node.ReservationID != "" {
			continue
		}
		lost := node.Status == model.NodeStopped && node.ReplaceFrom != ""
		unplaced := node.Status == model.NodeProvisioning && node.HostID == ""
		if !lost && !unplaced {
			continue
		}
		r.enqueueLocked(replacement{
			nodeID:  node.ID,
			backoff: r.cfg.ReplaceBackoff,
			due:     r.now(),
		})
	}
	return nil
}

func (r *Reconciler) hostLost(ctx context.Context, host *model.Host) error {
	r.log.Warn("host offline, failing over its nodes",
		zap.String("host_id", host.ID),
		zap.Int64("last_heartbeat", host.LastHeartbeat))

	host.Status = model.HostOffline
	if err := r.store.PutHost(ctx, host); err != nil {
		return err
	}
	r.ledger.SetHostOnline(host.ID, false)

	nodes, err := r.store.ListNodes(ctx)
	if err != nil {
		return err
	}
	for _, node := range nodes {
		if node.HostID != host.ID || node.Status == model.NodeStopped {
			continue
		}
		r.mu.Lock()
		r.ledger.Release(node.ReservationID)
		node.ReservationID = ""
		// The re-placement intent is persisted with the node so it is
		// not lost with this instance's queue.
		node.ReplaceFrom = host.ID
		if err := r.setStatusLocked(ctx, node, model.NodeStopped); err != nil {
			r.mu.Unlock()
			return err
		}
		r.enqueueLocked(replacement{
			nodeID:  node.ID,
			backoff: r.cfg.ReplaceBackoff,
			due:     r.now(),
		})
		r.mu.Unlock()
	}
	return nil
}

// ProcessQueue attempts every due re-placement once. Infeasible attempts go
// back on the queue with doubled backoff; deleted nodes are dropped.
func (r *Reconciler) ProcessQueue(ctx context.Context) {
	now := r.now()

	r.mu.Lock()
	var due []replacement
	remaining := r.queue[:0]
	for _, item := range r.queue {
		if item.due.After(now) {
			remaining = append(remaining, item)
			continue
		}
		due = append(due, item)
	}
	r.queue = remaining
	r.mu.Unlock()

	for _, item := range due {
		r.replaceOne(ctx, item)
	}
}

func (r *Reconciler) replaceOne(ctx context.Context, item replacement) {
	node, err := r.store.GetNode(ctx, item.nodeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return
		}
		r.requeue(item)
		return
	}
	if node.ReservationID != "" {
		// Already re-placed through another path.
		return
	}
	lost := node.Status == model.NodeStopped && node.ReplaceFrom != ""
	unplaced := node.Status == model.NodeProvisioning && node.HostID == ""
	if !lost && !unplaced {
		// Settled meanwhile: stopped by an operator, or running again.
		return
	}

	if _, err := r.sched.Replace(ctx, node, node.ReplaceFrom); err != nil {
		var inf *scheduler.InfeasibleError
		if errors.As(err, &inf) {
			r.log.Info("re-placement infeasible, will retry",
				zap.String("node_id", item.nodeID),
				zap.String("reason", inf.Reason),
				zap.Duration("backoff", item.backoff))
		} else {
			r.log.Error("re-placement failed", zap.String("node_id", item.nodeID), zap.Error(err))
		}
		r.requeue(item)
		return
	}
	r.log.Info("node re-placed", zap.String("node_id", item.nodeID))
}

func (r *Reconciler) requeue(item replacement) {
	item.due = r.now().Add(item.backoff)
	item.backoff *= 2
	if item.backoff > r.cfg.ReplaceBackoffMax {
		item.backoff = r.cfg.ReplaceBackoffMax
	}
	r.mu.Lock()
	r.enqueueLocked(item)
	r.mu.Unlock()
}

func (r *Reconciler) enqueueLocked(item replacement) {
	for _, existing := range r.queue {
		if existing.nodeID == item.nodeID {
			return
		}
	}
	r.queue = append(r.queue, item)
}

// ApplyCommand executes an explicit operator command against a node.
func (r *Reconciler) ApplyCommand(ctx context.Context, nodeID string, action model.CommandAction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, err := r.store.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}

	switch action {
	case model.CommandStop:
		// An explicit stop also cancels any pending re-placement, both the
		// queued retry and the persisted intent.
		r.dequeueLocked(node.ID)
		if node.Status == model.NodeStopped {
			if node.ReplaceFrom == "" {
				return nil
			}
			node.ReplaceFrom = ""
			node.UpdatedAt = r.now().Unix()
			return r.store.UpdateNode(ctx, node)
		}
		r.ledger.Release(node.ReservationID)
		node.ReservationID = ""
		node.ReplaceFrom = ""
		return r.setStatusLocked(ctx, node, model.NodeStopped)

	case model.CommandStart:
		if node.Status != model.NodeStopped {
			return fmt.Errorf("start from %s: %w", node.Status, ErrInvalidTransition)
		}
		// Restart goes back through placement: the stop released the
		// reservation, so the node needs a fresh one (possibly on the
		// same host). Recording it as an unassigned provisioning node
		// persists the intent past this instance's queue.
		node.HostID = ""
		node.ReplaceFrom = ""
		if err := r.setStatusLocked(ctx, node, model.NodeProvisioning); err != nil {
			return err
		}
		r.enqueueLocked(replacement{
			nodeID:  node.ID,
			backoff: r.cfg.ReplaceBackoff,
			due:     r.now(),
		})
		return nil

	case model.CommandUpgrade:
		if node.Status != model.NodeSyncing {
			return fmt.Errorf("upgrade from %s: %w", node.Status, ErrInvalidTransition)
		}
		return r.setStatusLocked(ctx, node, model.NodeUpgrading)

	default:
		return fmt.Errorf("unknown command %q", action)
	}
}

// NodeDeleted clears reconciler bookkeeping for a removed node. The caller
// releases the reservation and deletes the store record.
func (r *Reconciler) NodeDeleted(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.consensus, nodeID)
	r.dequeueLocked(nodeID)
}

func (r *Reconciler) dequeueLocked(nodeID string) {
	remaining := r.queue[:0]
	for _, item := range r.queue {
		if item.nodeID != nodeID {
			remaining = append(remaining, item)
		}
	}
	r.queue = remaining
}

// setStatusLocked applies a lifecycle transition plus the stake derivation
// rule: entering stopped forces the validator toward disabled unless it is
// already delinquent. Node status influences stake status, never the
// reverse.
func (r *Reconciler) setStatusLocked(ctx context.Context, node *model.Node, to model.NodeStatus) error {
	if !model.ValidTransition(node.Status, to) {
		return fmt.Errorf("%s -> %s: %w", node.Status, to, ErrInvalidTransition)
	}
	from := node.Status
	node.Status = to
	node.UpdatedAt = r.now().Unix()

	if to == model.NodeStopped {
		delete(r.consensus, node.ID)
		if node.Validator != nil && node.Validator.StakeStatus != model.StakeDelinquent {
			node.Validator.StakeStatus = model.StakeDisabled
		}
	}

	if err := r.store.UpdateNode(ctx, node); err != nil {
		return err
	}
	r.log.Info("node status",
		zap.String("node_id", node.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	return nil
}
