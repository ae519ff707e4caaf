package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"blockfleet/internal/master/ledger"
	"blockfleet/internal/master/registry"
	"blockfleet/internal/master/scheduler"
	"blockfleet/pkg/model"
	"blockfleet/pkg/store"
)

const testTypeID = "val-chain-v1"

var baseTime = time.Unix(1_700_000_000, 0)

type fixture struct {
	store *store.MemoryStore
	led   *ledger.Ledger
	recon *Reconciler
	sched *scheduler.Scheduler
	clock time.Time
}

func newFixture(t *testing.T, hosts ...*model.Host) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	ctx := context.Background()

	nt := &model.NodeType{
		ID:        testTypeID,
		Validator: true,
		Requirements: []model.Requirement{
			{Key: model.ResourceCPUMilli, Quantity: 1000},
		},
	}
	if err := st.PutNodeType(ctx, nt); err != nil {
		t.Fatal(err)
	}

	led := ledger.New(zap.NewNop())
	for _, h := range hosts {
		if err := st.PutHost(ctx, h); err != nil {
			t.Fatal(err)
		}
		led.AddHost(h)
	}

	sched := scheduler.New(st, registry.New(st), led, time.Second, zap.NewNop())
	recon := New(st, led, sched, Config{
		OfflineThreshold:  30 * time.Second,
		SweepInterval:     5 * time.Second,
		ReplaceBackoff:    5 * time.Second,
		ReplaceBackoffMax: time.Minute,
		ConsensusStreak:   2,
	}, zap.NewNop())

	f := &fixture{store: st, led: led, recon: recon, sched: sched, clock: baseTime}
	recon.now = func() time.Time { return f.clock }
	return f
}

func host(id string, lastHeartbeat time.Time) *model.Host {
	return &model.Host{
		ID:            id,
		Capacity:      model.Resource{CPUMilli: 1000},
		Status:        model.HostOnline,
		LastHeartbeat: lastHeartbeat.Unix(),
	}
}

// placedNode creates a node assigned to hostID with a committed reservation,
// in the given status.
func (f *fixture) placedNode(t *testing.T, id, hostID string, status model.NodeStatus) *model.Node {
	t.Helper()
	ctx := context.Background()
	res, err := f.led.TryReserve(ctx, hostID, id, model.Resource{CPUMilli: 1000})
	if err != nil {
		t.Fatalf("reserve for %s: %v", id, err)
	}
	node := &model.Node{
		ID:            id,
		TypeID:        testTypeID,
		OrgID:         "org-1",
		HostID:        hostID,
		Status:        status,
		Policy:        model.SchedulerPolicy{Resource: model.ResourceLeast},
		GroupKey:      model.GroupKey(testTypeID, "org-1"),
		Requirement:   model.Resource{CPUMilli: 1000},
		ReservationID: res.ID,
		Validator:     &model.Validator{StakeStatus: model.StakeAvailable},
	}
	if err := f.store.CreateNode(ctx, node); err != nil {
		t.Fatal(err)
	}
	return node
}

func (f *fixture) nodeStatus(t *testing.T, id string) *model.Node {
	t.Helper()
	n, err := f.store.GetNode(context.Background(), id)
	if err != nil {
		t.Fatalf("get node %s: %v", id, err)
	}
	return n
}

func telemetry(nodeID string, sync, chain int64, consensus, staked bool) *model.Heartbeat {
	return &model.Heartbeat{
		HostID:    "h1",
		Timestamp: baseTime.Unix(),
		Nodes: []model.NodeTelemetry{{
			NodeID:        nodeID,
			SyncHeight:    sync,
			ChainHeight:   chain,
			Consensus:     consensus,
			StakedOnChain: staked,
		}},
	}
}

func TestHeartbeatDrivesLifecycle(t *testing.T) {
	f := newFixture(t, host("h1", baseTime))
	f.placedNode(t, "n1", "h1", model.NodeProvisioning)
	ctx := context.Background()

	// First telemetry is the start acknowledgement.
	if err := f.recon.HandleHeartbeat(ctx, telemetry("n1", 10, 100, false, false)); err != nil {
		t.Fatal(err)
	}
	if got := f.nodeStatus(t, "n1").Status; got != model.NodeSyncing {
		t.Fatalf("after ack status = %s, want syncing", got)
	}

	// Still behind the chain head: stays syncing.
	if err := f.recon.HandleHeartbeat(ctx, telemetry("n1", 50, 100, false, false)); err != nil {
		t.Fatal(err)
	}
	if got := f.nodeStatus(t, "n1").Status; got != model.NodeSyncing {
		t.Fatalf("behind head status = %s, want syncing", got)
	}

	// Reaches head.
	if err := f.recon.HandleHeartbeat(ctx, telemetry("n1", 100, 100, false, false)); err != nil {
		t.Fatal(err)
	}
	if got := f.nodeStatus(t, "n1").Status; got != model.NodeSynced {
		t.Fatalf("at head status = %s, want synced", got)
	}

	// Begins participating in consensus.
	if err := f.recon.HandleHeartbeat(ctx, telemetry("n1", 101, 101, true, false)); err != nil {
		t.Fatal(err)
	}
	if got := f.nodeStatus(t, "n1").Status; got != model.NodeConsensus {
		t.Fatalf("participating status = %s, want consensus", got)
	}

	// Falls behind: back to syncing.
	if err := f.recon.HandleHeartbeat(ctx, telemetry("n1", 90, 200, true, false)); err != nil {
		t.Fatal(err)
	}
	if got := f.nodeStatus(t, "n1").Status; got != model.NodeSyncing {
		t.Fatalf("fell behind status = %s, want syncing", got)
	}
}

func TestSustainedConsensusReflectsStake(t *testing.T) {
	f := newFixture(t, host("h1", baseTime))
	f.placedNode(t, "n1", "h1", model.NodeSynced)
	ctx := context.Background()

	// Streak 1: enters consensus, stake not yet reflected.
	if err := f.recon.HandleHeartbeat(ctx, telemetry("n1", 100, 100, true, true)); err != nil {
		t.Fatal(err)
	}
	if got := f.nodeStatus(t, "n1").Validator.StakeStatus; got != model.StakeAvailable {
		t.Fatalf("stake after 1 heartbeat = %s, want available", got)
	}

	// Streak 2 (configured threshold): observed stake is reflected.
	if err := f.recon.HandleHeartbeat(ctx, telemetry("n1", 101, 101, true, true)); err != nil {
		t.Fatal(err)
	}
	if got := f.nodeStatus(t, "n1").Validator.StakeStatus; got != model.StakeStaked {
		t.Fatalf("stake after sustained consensus = %s, want staked", got)
	}
}

func TestHostOfflineFailover(t *testing.T) {
	f := newFixture(t, host("h1", baseTime), host("h2", baseTime))
	f.placedNode(t, "n1", "h1", model.NodeConsensus)
	ctx := context.Background()

	// h2 keeps heartbeating; h1 goes silent past the threshold.
	f.clock = baseTime.Add(time.Minute)
	h2, _ := f.store.GetHost(ctx, "h2")
	h2.LastHeartbeat = f.clock.Unix()
	f.store.PutHost(ctx, h2)

	if err := f.recon.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	gotHost, _ := f.store.GetHost(ctx, "h1")
	if gotHost.Status != model.HostOffline {
		t.Errorf("h1 status = %s, want offline", gotHost.Status)
	}
	node := f.nodeStatus(t, "n1")
	if node.Status != model.NodeStopped {
		t.Errorf("node status = %s, want stopped", node.Status)
	}
	if node.Validator.StakeStatus != model.StakeDisabled {
		t.Errorf("stake = %s, want disabled", node.Validator.StakeStatus)
	}
	if node.ReservationID != "" {
		t.Error("reservation id not cleared on host loss")
	}
	u, _ := f.led.Utilization("h1")
	if !u.Allocated.IsZero() {
		t.Errorf("h1 allocation not released: %+v", u.Allocated)
	}

	// One reconciliation cycle later the node is provisioning elsewhere.
	f.recon.ProcessQueue(ctx)
	node = f.nodeStatus(t, "n1")
	if node.Status != model.NodeProvisioning || node.HostID != "h2" {
		t.Fatalf("after re-placement node = %s on %s, want provisioning on h2", node.Status, node.HostID)
	}
	if node.ReservationID == "" {
		t.Error("re-placed node has no reservation")
	}
}

func TestReplacementBacksOffWhenInfeasible(t *testing.T) {
	f := newFixture(t, host("h1", baseTime)) // no spare host
	f.placedNode(t, "n1", "h1", model.NodeSyncing)
	ctx := context.Background()

	f.clock = baseTime.Add(time.Minute)
	if err := f.recon.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	f.recon.ProcessQueue(ctx)

	node := f.nodeStatus(t, "n1")
	if node.Status != model.NodeStopped {
		t.Fatalf("node status = %s, want stopped while no host available", node.Status)
	}

	f.recon.mu.Lock()
	if len(f.recon.queue) != 1 {
		f.recon.mu.Unlock()
		t.Fatalf("queue length = %d, want 1 (requeued)", len(f.recon.queue))
	}
	item := f.recon.queue[0]
	f.recon.mu.Unlock()
	if item.backoff != 10*time.Second {
		t.Errorf("backoff = %v, want doubled to 10s", item.backoff)
	}
	if !item.due.Equal(f.clock.Add(5 * time.Second)) {
		t.Errorf("due = %v, want now+initial backoff", item.due)
	}

	// Not due yet: nothing happens.
	f.recon.ProcessQueue(ctx)
	if got := f.nodeStatus(t, "n1").Status; got != model.NodeStopped {
		t.Fatalf("early retry changed status to %s", got)
	}

	// A host comes back with capacity; the due retry succeeds.
	f.clock = f.clock.Add(6 * time.Second)
	h2 := host("h2", f.clock)
	f.store.PutHost(ctx, h2)
	f.led.AddHost(h2)
	f.recon.ProcessQueue(ctx)
	node = f.nodeStatus(t, "n1")
	if node.Status != model.NodeProvisioning || node.HostID != "h2" {
		t.Fatalf("after retry node = %s on %s, want provisioning on h2", node.Status, node.HostID)
	}
}

func TestHeartbeatBringsHostBackOnline(t *testing.T) {
	f := newFixture(t, host("h1", baseTime))
	ctx := context.Background()

	h, _ := f.store.GetHost(ctx, "h1")
	h.Status = model.HostOffline
	f.store.PutHost(ctx, h)
	f.led.SetHostOnline("h1", false)

	hb := &model.Heartbeat{HostID: "h1", Timestamp: baseTime.Add(time.Minute).Unix()}
	if err := f.recon.HandleHeartbeat(ctx, hb); err != nil {
		t.Fatal(err)
	}
	h, _ = f.store.GetHost(ctx, "h1")
	if h.Status != model.HostOnline || h.LastHeartbeat != hb.Timestamp {
		t.Errorf("host = %s @%d, want online @%d", h.Status, h.LastHeartbeat, hb.Timestamp)
	}
	if got := f.led.CandidateHosts(model.Resource{CPUMilli: 1}, nil); len(got) != 1 {
		t.Error("recovered host not eligible in ledger")
	}
}

func TestHeartbeatFromUnknownHost(t *testing.T) {
	f := newFixture(t)
	err := f.recon.HandleHeartbeat(context.Background(), &model.Heartbeat{HostID: "ghost"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCommandStopReleasesAndDisables(t *testing.T) {
	f := newFixture(t, host("h1", baseTime))
	node := f.placedNode(t, "n1", "h1", model.NodeConsensus)
	node.Validator.StakeStatus = model.StakeStaked
	f.store.UpdateNode(context.Background(), node)

	if err := f.recon.ApplyCommand(context.Background(), "n1", model.CommandStop); err != nil {
		t.Fatalf("stop: %v", err)
	}
	got := f.nodeStatus(t, "n1")
	if got.Status != model.NodeStopped {
		t.Errorf("status = %s, want stopped", got.Status)
	}
	if got.Validator.StakeStatus != model.StakeDisabled {
		t.Errorf("stake = %s, want disabled", got.Validator.StakeStatus)
	}
	u, _ := f.led.Utilization("h1")
	if !u.Allocated.IsZero() {
		t.Errorf("stop did not release the reservation: %+v", u.Allocated)
	}
}

func TestCommandStopPreservesDelinquency(t *testing.T) {
	f := newFixture(t, host("h1", baseTime))
	node := f.placedNode(t, "n1", "h1", model.NodeConsensus)
	node.Validator.StakeStatus = model.StakeDelinquent
	f.store.UpdateNode(context.Background(), node)

	if err := f.recon.ApplyCommand(context.Background(), "n1", model.CommandStop); err != nil {
		t.Fatal(err)
	}
	if got := f.nodeStatus(t, "n1").Validator.StakeStatus; got != model.StakeDelinquent {
		t.Errorf("stake = %s, delinquent must survive a stop", got)
	}
}

func TestCommandStartRestartsThroughPlacement(t *testing.T) {
	f := newFixture(t, host("h1", baseTime))
	node := f.placedNode(t, "n1", "h1", model.NodeSyncing)
	ctx := context.Background()

	if err := f.recon.ApplyCommand(ctx, "n1", model.CommandStop); err != nil {
		t.Fatal(err)
	}
	if err := f.recon.ApplyCommand(ctx, "n1", model.CommandStart); err != nil {
		t.Fatal(err)
	}
	f.recon.ProcessQueue(ctx)

	got := f.nodeStatus(t, "n1")
	if got.Status != model.NodeProvisioning || got.HostID != "h1" {
		t.Fatalf("restarted node = %s on %q, want provisioning on h1", got.Status, got.HostID)
	}
	if got.ReservationID == node.ReservationID {
		t.Error("restart reused the released reservation")
	}
}

func TestCommandUpgradeOnlyFromSyncing(t *testing.T) {
	f := newFixture(t, host("h1", baseTime), host("h2", baseTime))
	f.placedNode(t, "n1", "h1", model.NodeSyncing)
	ctx := context.Background()

	if err := f.recon.ApplyCommand(ctx, "n1", model.CommandUpgrade); err != nil {
		t.Fatalf("upgrade from syncing: %v", err)
	}
	if got := f.nodeStatus(t, "n1").Status; got != model.NodeUpgrading {
		t.Fatalf("status = %s, want upgrading", got)
	}

	// Next telemetry means the upgrade was applied; back to syncing.
	if err := f.recon.HandleHeartbeat(ctx, telemetry("n1", 10, 100, false, false)); err != nil {
		t.Fatal(err)
	}
	if got := f.nodeStatus(t, "n1").Status; got != model.NodeSyncing {
		t.Fatalf("status = %s, want syncing after upgrade applied", got)
	}

	f.placedNode(t, "n2", "h2", model.NodeConsensus)
	err := f.recon.ApplyCommand(ctx, "n2", model.CommandUpgrade)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("upgrade from consensus err = %v, want ErrInvalidTransition", err)
	}
}

func TestStaleTelemetryForMovedNodeIgnored(t *testing.T) {
	f := newFixture(t, host("h1", baseTime), host("h2", baseTime))
	node := f.placedNode(t, "n1", "h2", model.NodeSyncing)

	// h1 reports a node that now lives on h2.
	if err := f.recon.HandleHeartbeat(context.Background(), telemetry("n1", 100, 100, false, false)); err != nil {
		t.Fatal(err)
	}
	if got := f.nodeStatus(t, "n1").Status; got != node.Status {
		t.Errorf("stale telemetry changed status to %s", got)
	}
}

func TestReplacementSurvivesLeaderChange(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	nt := &model.NodeType{
		ID:        testTypeID,
		Validator: true,
		Requirements: []model.Requirement{
			{Key: model.ResourceCPUMilli, Quantity: 1000},
		},
	}
	if err := st.PutNodeType(ctx, nt); err != nil {
		t.Fatal(err)
	}
	h1 := host("h1", baseTime)
	if err := st.PutHost(ctx, h1); err != nil {
		t.Fatal(err)
	}

	cfg := Config{
		OfflineThreshold:  30 * time.Second,
		SweepInterval:     5 * time.Second,
		ReplaceBackoff:    5 * time.Second,
		ReplaceBackoffMax: time.Minute,
		ConsensusStreak:   2,
	}
	clock := baseTime.Add(time.Minute)

	// First instance: h1 misses its heartbeats, n1 is stopped and queued
	// for re-placement, then the instance dies before the queue drains.
	led1 := ledger.New(zap.NewNop())
	led1.AddHost(h1)
	res, err := led1.TryReserve(ctx, "h1", "n1", model.Resource{CPUMilli: 1000})
	if err != nil {
		t.Fatal(err)
	}
	node := &model.Node{
		ID:            "n1",
		TypeID:        testTypeID,
		OrgID:         "org-1",
		HostID:        "h1",
		Status:        model.NodeConsensus,
		Policy:        model.SchedulerPolicy{Resource: model.ResourceLeast},
		GroupKey:      model.GroupKey(testTypeID, "org-1"),
		Requirement:   model.Resource{CPUMilli: 1000},
		ReservationID: res.ID,
		Validator:     &model.Validator{StakeStatus: model.StakeStaked},
	}
	if err := st.CreateNode(ctx, node); err != nil {
		t.Fatal(err)
	}
	r1 := New(st, led1, scheduler.New(st, registry.New(st), led1, time.Second, zap.NewNop()), cfg, zap.NewNop())
	r1.now = func() time.Time { return clock }
	if err := r1.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	if got := mustGet(t, st, "n1"); got.Status != model.NodeStopped {
		t.Fatalf("node after sweep = %s, want stopped", got.Status)
	}

	// Second instance takes over with a fresh queue, rebuilding its ledger
	// from the store; a spare host is online.
	h2 := host("h2", clock)
	if err := st.PutHost(ctx, h2); err != nil {
		t.Fatal(err)
	}
	hosts, err := st.ListHosts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	nodes, err := st.ListNodes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	led2 := ledger.New(zap.NewNop())
	if err := led2.Rebuild(hosts, nodes); err != nil {
		t.Fatal(err)
	}
	r2 := New(st, led2, scheduler.New(st, registry.New(st), led2, time.Second, zap.NewNop()), cfg, zap.NewNop())
	r2.now = func() time.Time { return clock }

	if err := r2.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	r2.ProcessQueue(ctx)

	got := mustGet(t, st, "n1")
	if got.Status != model.NodeProvisioning || got.HostID != "h2" {
		t.Fatalf("node after takeover = %s on %s, want provisioning on h2", got.Status, got.HostID)
	}
	if got.ReservationID == "" {
		t.Error("re-placed node has no reservation")
	}
	if got.ReplaceFrom != "" {
		t.Errorf("replace marker not cleared: %q", got.ReplaceFrom)
	}
}

func mustGet(t *testing.T, st *store.MemoryStore, id string) *model.Node {
	t.Helper()
	n, err := st.GetNode(context.Background(), id)
	if err != nil {
		t.Fatalf("get node %s: %v", id, err)
	}
	return n
}

func TestStopCancelsPendingReplacement(t *testing.T) {
	f := newFixture(t, host("h1", baseTime))
	f.placedNode(t, "n1", "h1", model.NodeSyncing)
	ctx := context.Background()

	f.clock = baseTime.Add(time.Minute)
	if err := f.recon.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	if err := f.recon.ApplyCommand(ctx, "n1", model.CommandStop); err != nil {
		t.Fatalf("stop: %v", err)
	}

	// Capacity appears, but the operator said stop: nothing may re-queue
	// or re-place the node.
	h2 := host("h2", f.clock)
	f.store.PutHost(ctx, h2)
	f.led.AddHost(h2)
	if err := f.recon.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	f.recon.ProcessQueue(ctx)

	got := f.nodeStatus(t, "n1")
	if got.Status != model.NodeStopped {
		t.Fatalf("status = %s, want stopped to stick", got.Status)
	}
	if got.ReplaceFrom != "" {
		t.Errorf("replace marker survived the stop: %q", got.ReplaceFrom)
	}
	f.recon.mu.Lock()
	defer f.recon.mu.Unlock()
	if len(f.recon.queue) != 0 {
		t.Errorf("queue length = %d after stop, want 0", len(f.recon.queue))
	}
}

func TestCommandsQueuedBeforeStartAreApplied(t *testing.T) {
	f := newFixture(t, host("h1", baseTime))
	f.placedNode(t, "n1", "h1", model.NodeSyncing)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := &model.CommandRequest{
		ID:       "c1",
		NodeID:   "n1",
		Action:   model.CommandStop,
		IssuedAt: baseTime.Unix(),
	}
	if err := f.store.PutCommand(ctx, cmd); err != nil {
		t.Fatal(err)
	}

	// The command predates the reconciler; the watch alone would never
	// surface it.
	go f.recon.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := f.store.GetNode(ctx, "n1")
		if err != nil {
			t.Fatal(err)
		}
		if n.Status == model.NodeStopped {
			cmds, err := f.store.ListCommands(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(cmds) != 0 {
				t.Fatalf("applied command not deleted, %d left", len(cmds))
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("command queued before start was never applied")
}

func TestNodeDeletedClearsQueue(t *testing.T) {
	f := newFixture(t, host("h1", baseTime))
	f.placedNode(t, "n1", "h1", model.NodeSyncing)
	ctx := context.Background()

	f.clock = baseTime.Add(time.Minute)
	if err := f.recon.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	f.recon.NodeDeleted("n1")

	f.recon.mu.Lock()
	defer f.recon.mu.Unlock()
	if len(f.recon.queue) != 0 {
		t.Errorf("queue length = %d after NodeDeleted, want 0", len(f.recon.queue))
	}
}
