// Package ledger tracks per-host capacity and committed allocations. It is a
// materialized index over Node→Host assignments: authoritative for admission
// decisions, but always reconstructable from the store via Rebuild.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"blockfleet/pkg/model"
)

var (
	// ErrInsufficientCapacity means the host cannot fit the requirement.
	ErrInsufficientCapacity = errors.New("insufficient capacity")

	// ErrReserveTimeout means the per-host critical section could not be
	// acquired before the caller's deadline.
	ErrReserveTimeout = errors.New("reservation lock timeout")

	// ErrUnknownHost means the host is not tracked by the ledger.
	ErrUnknownHost = errors.New("unknown host")
)

// Reservation is a committed claim against a host's capacity. Exactly one
// Release matches each Reservation over the owning node's lifetime.
type Reservation struct {
	ID        string
	HostID    string
	NodeID    string
	Resources model.Resource
}

// HostFree is a capacity-eligible host with its binding free fraction, as
// handed to the affinity evaluator.
type HostFree struct {
	HostID       string
	FreeFraction float64
}

type hostState struct {
	// lock is the per-host critical section for reservations. A 1-buffered
	// channel instead of a mutex so acquisition can respect a context
	// deadline.
	lock chan struct{}

	// mu guards the fields below for non-blocking readers and Release.
	mu           sync.Mutex
	capacity     model.Resource
	allocated    model.Resource
	online       bool
	reservations map[string]model.Resource
}

func (h *hostState) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return ErrReserveTimeout
	}
	select {
	case h.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrReserveTimeout
	}
}

func (h *hostState) release() {
	<-h.lock
}

type Ledger struct {
	mu       sync.RWMutex
	hosts    map[string]*hostState
	resIndex map[string]string // reservation id -> host id
	log      *zap.Logger
}

func New(log *zap.Logger) *Ledger {
	return &Ledger{
		hosts:    make(map[string]*hostState),
		resIndex: make(map[string]string),
		log:      log,
	}
}

// AddHost starts tracking a host. Re-adding an existing host updates its
// capacity and connectivity without touching committed allocations.
func (l *Ledger) AddHost(host *model.Host) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.hosts[host.ID]
	if !ok {
		h = &hostState{
			lock:         make(chan struct{}, 1),
			reservations: make(map[string]model.Resource),
		}
		l.hosts[host.ID] = h
	}
	h.mu.Lock()
	h.capacity = host.Capacity
	h.online = host.Status == model.HostOnline
	h.mu.Unlock()
}

// SetHostOnline flips a host's connectivity. Offline hosts keep their
// allocations (the reconciler releases them node by node) but are excluded
// from candidacy.
func (l *Ledger) SetHostOnline(hostID string, online bool) {
	l.mu.RLock()
	h, ok := l.hosts[hostID]
	l.mu.RUnlock()
	if !ok {
		return
	}
	h.mu.Lock()
	h.online = online
	h.mu.Unlock()
}

// RemoveHost drops a host and all its reservations from the index.
func (l *Ledger) RemoveHost(hostID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.hosts[hostID]
	if !ok {
		return
	}
	h.mu.Lock()
	for id := range h.reservations {
		delete(l.resIndex, id)
	}
	h.mu.Unlock()
	delete(l.hosts, hostID)
}

// Rebuild reconstructs the ledger from stored state: the set of hosts and
// every node currently holding an assignment. Called when a master instance
// acquires leadership, because stored Node→Host assignments, not ledger
// memory, are the source of truth.
func (l *Ledger) Rebuild(hosts []*model.Host, nodes []*model.Node) error {
	l.mu.Lock()
	l.hosts = make(map[string]*hostState, len(hosts))
	l.resIndex = make(map[string]string)
	l.mu.Unlock()

	for _, h := range hosts {
		l.AddHost(h)
	}
	for _, n := range nodes {
		if n.HostID == "" || n.ReservationID == "" {
			continue
		}
		l.mu.RLock()
		h, ok := l.hosts[n.HostID]
		l.mu.RUnlock()
		if !ok {
			return fmt.Errorf("node %s assigned to untracked host %s", n.ID, n.HostID)
		}
		h.mu.Lock()
		next := h.allocated.Add(n.Requirement)
		if !next.Fits(h.capacity) {
			h.mu.Unlock()
			return fmt.Errorf("rebuild host %s: allocations exceed capacity", n.HostID)
		}
		h.allocated = next
		h.reservations[n.ReservationID] = n.Requirement
		h.mu.Unlock()
		l.mu.Lock()
		l.resIndex[n.ReservationID] = n.HostID
		l.mu.Unlock()
	}
	return nil
}

// TryReserve atomically checks and commits a claim against the host. Callers
// targeting the same host are serialized; the wait is bounded by ctx and a
// timeout surfaces as ErrReserveTimeout, distinct from capacity rejection.
func (l *Ledger) TryReserve(ctx context.Context, hostID, nodeID string, req model.Resource) (*Reservation, error) {
	l.mu.RLock()
	h, ok := l.hosts[hostID]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("host %s: %w", hostID, ErrUnknownHost)
	}

	if err := h.acquire(ctx); err != nil {
		return nil, err
	}
	defer h.release()

	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.online {
		return nil, fmt.Errorf("host %s offline: %w", hostID, ErrInsufficientCapacity)
	}
	next := h.allocated.Add(req)
	if !next.Fits(h.capacity) {
		return nil, fmt.Errorf("host %s: %w", hostID, ErrInsufficientCapacity)
	}
	h.allocated = next

	res := &Reservation{
		ID:        uuid.NewString(),
		HostID:    hostID,
		NodeID:    nodeID,
		Resources: req,
	}
	h.reservations[res.ID] = req
	l.mu.Lock()
	l.resIndex[res.ID] = hostID
	l.mu.Unlock()
	return res, nil
}

// Release returns a reservation's resources to its host. Idempotent:
// releasing an unknown or already-released reservation is logged and treated
// as success so retries are harmless.
func (l *Ledger) Release(reservationID string) {
	if reservationID == "" {
		return
	}
	l.mu.Lock()
	hostID, ok := l.resIndex[reservationID]
	if ok {
		delete(l.resIndex, reservationID)
	}
	h := l.hosts[hostID]
	l.mu.Unlock()

	if !ok || h == nil {
		l.log.Info("release of stale reservation", zap.String("reservation_id", reservationID))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	req, ok := h.reservations[reservationID]
	if !ok {
		l.log.Info("release of stale reservation", zap.String("reservation_id", reservationID))
		return
	}
	delete(h.reservations, reservationID)
	h.allocated = h.allocated.Sub(req)
	if h.allocated.Negative() {
		// Cannot happen while reserve/release are the only mutators.
		l.log.Error("allocation underflow", zap.String("host_id", hostID))
		h.allocated = model.Resource{}
	}
}

// Utilization reports a host's capacity against its committed allocation.
func (l *Ledger) Utilization(hostID string) (model.Utilization, error) {
	l.mu.RLock()
	h, ok := l.hosts[hostID]
	l.mu.RUnlock()
	if !ok {
		return model.Utilization{}, fmt.Errorf("host %s: %w", hostID, ErrUnknownHost)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return model.Utilization{HostID: hostID, Capacity: h.capacity, Allocated: h.allocated}, nil
}

// ListUtilization reports every tracked host, ordered by host id.
func (l *Ledger) ListUtilization() []model.Utilization {
	l.mu.RLock()
	ids := make([]string, 0, len(l.hosts))
	for id := range l.hosts {
		ids = append(ids, id)
	}
	l.mu.RUnlock()
	sort.Strings(ids)

	out := make([]model.Utilization, 0, len(ids))
	for _, id := range ids {
		if u, err := l.Utilization(id); err == nil {
			out = append(out, u)
		}
	}
	return out
}

// CandidateHosts is the cheap pre-filter: online hosts whose free capacity
// fits req, minus the excluded set, ordered by host id. The result may be
// stale by the time the caller reserves; TryReserve is the authoritative
// check.
func (l *Ledger) CandidateHosts(req model.Resource, exclude map[string]bool) []HostFree {
	l.mu.RLock()
	ids := make([]string, 0, len(l.hosts))
	for id := range l.hosts {
		ids = append(ids, id)
	}
	l.mu.RUnlock()
	sort.Strings(ids)

	out := make([]HostFree, 0, len(ids))
	for _, id := range ids {
		if exclude[id] {
			continue
		}
		l.mu.RLock()
		h := l.hosts[id]
		l.mu.RUnlock()
		if h == nil {
			continue
		}
		h.mu.Lock()
		eligible := h.online && req.Fits(h.capacity.Sub(h.allocated))
		frac := model.FreeFraction(h.capacity, h.allocated)
		h.mu.Unlock()
		if eligible {
			out = append(out, HostFree{HostID: id, FreeFraction: frac})
		}
	}
	return out
}
