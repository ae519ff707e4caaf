// Package scheduler picks exactly one host for a pending node, or reports
// infeasibility. It orchestrates the node type registry, the resource
// ledger's capacity pre-filter and the affinity evaluator, then walks the
// ranked candidates reserving until one commits.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"blockfleet/internal/master/affinity"
	"blockfleet/internal/master/ledger"
	"blockfleet/internal/master/registry"
	"blockfleet/pkg/model"
	"blockfleet/pkg/store"
)

// Infeasibility reasons carried by InfeasibleError.
const (
	ReasonNoCapacity     = "no host has sufficient free capacity"
	ReasonNoCandidates   = "affinity constraints leave no candidate hosts"
	ReasonReserveTimeout = "timed out waiting for a host reservation lock"
	ReasonAllRejected    = "every candidate rejected the reservation"
	ReasonInFlight       = "a placement attempt for the node is already in flight"
)

// InfeasibleError means placement could not choose a host. It is data for
// the caller's retry policy, not a fault.
type InfeasibleError struct {
	Reason string
}

func (e *InfeasibleError) Error() string {
	return "placement infeasible: " + e.Reason
}

// Assignment is the placement decision for one node.
type Assignment struct {
	NodeID        string
	HostID        string
	ReservationID string
	Resources     model.Resource
	DecidedAt     time.Time
}

type Scheduler struct {
	store    store.Store
	registry *registry.Registry
	ledger   *ledger.Ledger

	// reserveTimeout bounds the wait on a single host's reservation lock.
	reserveTimeout time.Duration

	// inflight dedupes concurrent attempts for the same node: the watch
	// loop, the startup listing and the reconciler's retry queue may all
	// hold a reference to an unplaced node at once.
	mu       sync.Mutex
	inflight map[string]bool

	now func() time.Time
	log *zap.Logger
}

func New(st store.Store, reg *registry.Registry, led *ledger.Ledger, reserveTimeout time.Duration, log *zap.Logger) *Scheduler {
	return &Scheduler{
		store:          st,
		registry:       reg,
		ledger:         led,
		reserveTimeout: reserveTimeout,
		inflight:       make(map[string]bool),
		now:            time.Now,
		log:            log,
	}
}

// Place assigns the node to a host: on success the node record carries the
// chosen host, its reservation id and status provisioning. On infeasibility
// the node stays unassigned and the caller owns retry/backoff.
func (s *Scheduler) Place(ctx context.Context, node *model.Node) (*Assignment, error) {
	return s.place(ctx, node, "")
}

// Replace runs the identical algorithm with the lost host excluded. The
// caller must have released the node's previous reservation already.
func (s *Scheduler) Replace(ctx context.Context, node *model.Node, excludedHost string) (*Assignment, error) {
	return s.place(ctx, node, excludedHost)
}

func (s *Scheduler) place(ctx context.Context, node *model.Node, excludedHost string) (*Assignment, error) {
	if err := s.begin(node.ID); err != nil {
		return nil, err
	}
	defer s.end(node.ID)

	nt, err := s.registry.Get(ctx, node.TypeID)
	if err != nil {
		return nil, fmt.Errorf("resolve node type: %w", err)
	}
	req, err := nt.ResolveRequirements()
	if err != nil {
		return nil, err
	}

	exclude := map[string]bool{}
	if excludedHost != "" {
		exclude[excludedHost] = true
	}
	eligible := s.ledger.CandidateHosts(req, exclude)
	if len(eligible) == 0 {
		return nil, &InfeasibleError{Reason: ReasonNoCapacity}
	}

	siblings, err := s.siblingCounts(ctx, node)
	if err != nil {
		return nil, err
	}
	candidates := make([]affinity.Candidate, 0, len(eligible))
	for _, h := range eligible {
		candidates = append(candidates, affinity.Candidate{
			HostID:       h.HostID,
			FreeFraction: h.FreeFraction,
			Siblings:     siblings[h.HostID],
		})
	}
	ranked := affinity.Rank(candidates, node.Policy)
	if len(ranked) == 0 {
		return nil, &InfeasibleError{Reason: ReasonNoCandidates}
	}

	// First successful reservation wins. A concurrent placement may have
	// consumed the capacity the pre-filter saw, so rejection just moves on
	// to the next candidate.
	for _, cand := range ranked {
		res, err := s.reserve(ctx, cand.HostID, node.ID, req)
		switch {
		case errors.Is(err, ledger.ErrInsufficientCapacity):
			continue
		case errors.Is(err, ledger.ErrReserveTimeout):
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, &InfeasibleError{Reason: ReasonReserveTimeout}
		case err != nil:
			return nil, err
		}
		return s.bind(ctx, node, res)
	}
	return nil, &InfeasibleError{Reason: ReasonAllRejected}
}

func (s *Scheduler) begin(nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[nodeID] {
		return &InfeasibleError{Reason: ReasonInFlight}
	}
	s.inflight[nodeID] = true
	return nil
}

func (s *Scheduler) end(nodeID string) {
	s.mu.Lock()
	delete(s.inflight, nodeID)
	s.mu.Unlock()
}

func (s *Scheduler) reserve(ctx context.Context, hostID, nodeID string, req model.Resource) (*ledger.Reservation, error) {
	if s.reserveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.reserveTimeout)
		defer cancel()
	}
	return s.ledger.TryReserve(ctx, hostID, nodeID, req)
}

// bind persists the decision against the stored record, not the caller's
// copy. The record may have moved on while we were choosing: deleted, placed
// by a concurrent attempt, or stopped by an operator. In each case the
// committed reservation is released so nothing dangles, and the store's
// update-if-exists write closes the remaining window against a racing
// delete.
func (s *Scheduler) bind(ctx context.Context, node *model.Node, res *ledger.Reservation) (*Assignment, error) {
	stored, err := s.store.GetNode(ctx, node.ID)
	if err != nil {
		s.ledger.Release(res.ID)
		return nil, fmt.Errorf("node %s gone before bind: %w", node.ID, err)
	}
	if stored.ReservationID != "" || (stored.Status == model.NodeStopped && stored.ReplaceFrom == "") {
		s.ledger.Release(res.ID)
		return nil, fmt.Errorf("node %s no longer awaits placement", node.ID)
	}

	stored.HostID = res.HostID
	stored.ReservationID = res.ID
	stored.Status = model.NodeProvisioning
	stored.Requirement = res.Resources
	stored.ReplaceFrom = ""
	stored.UpdatedAt = s.now().Unix()
	if err := s.store.UpdateNode(ctx, stored); err != nil {
		s.ledger.Release(res.ID)
		return nil, fmt.Errorf("bind node %s: %w", node.ID, err)
	}

	s.log.Info("node placed",
		zap.String("node_id", node.ID),
		zap.String("host_id", res.HostID),
		zap.String("group_key", node.GroupKey))
	return &Assignment{
		NodeID:        node.ID,
		HostID:        res.HostID,
		ReservationID: res.ID,
		Resources:     res.Resources,
		DecidedAt:     s.now(),
	}, nil
}

// siblingCounts maps host id to the number of live nodes sharing the pending
// node's group key. The snapshot may be slightly stale; the reservation step
// is the race-resolution point.
func (s *Scheduler) siblingCounts(ctx context.Context, node *model.Node) (map[string]int, error) {
	nodes, err := s.store.ListNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list siblings: %w", err)
	}
	counts := make(map[string]int)
	for _, n := range nodes {
		if n.ID == node.ID || n.GroupKey != node.GroupKey {
			continue
		}
		if n.HostID == "" || n.Status == model.NodeStopped {
			continue
		}
		counts[n.HostID]++
	}
	return counts, nil
}

// Run is the watch-driven placement loop: every node created without a host
// assignment gets one placement attempt. Infeasible placements are logged
// and left pending; the reconciler's backoff queue or an operator retry
// picks them up. Nodes created while no scheduler was watching are caught
// up from a store listing before the watch takes over; the watch is
// subscribed first so nothing created in between is missed.
func (s *Scheduler) Run(ctx context.Context) {
	events := s.store.WatchNodes(ctx)
	s.log.Info("scheduler started, watching for pending nodes")
	s.placePending(ctx)

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != store.NodeCreate || ev.Node.HostID != "" {
				continue
			}
			go s.placeLogged(ctx, ev.Node)
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		}
	}
}

// placePending lists the store for nodes still awaiting their first
// placement and gives each one attempt.
func (s *Scheduler) placePending(ctx context.Context) {
	nodes, err := s.store.ListNodes(ctx)
	if err != nil {
		s.log.Error("list nodes awaiting placement", zap.Error(err))
		return
	}
	for _, node := range nodes {
		if node.HostID != "" || node.ReservationID != "" || node.Status != model.NodeProvisioning {
			continue
		}
		s.placeLogged(ctx, node)
	}
}

func (s *Scheduler) placeLogged(ctx context.Context, node *model.Node) {
	if _, err := s.Place(ctx, node); err != nil {
		var inf *InfeasibleError
		if errors.As(err, &inf) {
			s.log.Warn("placement infeasible",
				zap.String("node_id", node.ID),
				zap.String("reason", inf.Reason))
			return
		}
		s.log.Error("placement failed", zap.String("node_id", node.ID), zap.Error(err))
	}
}
