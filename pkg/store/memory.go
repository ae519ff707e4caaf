package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"blockfleet/pkg/model"
)

// MemoryStore is an in-process Store used by tests and single-binary
// development setups. Watch channels are buffered; a subscriber that stops
// draining loses events rather than blocking mutators.
type MemoryStore struct {
	mu       sync.RWMutex
	types    map[string]*model.NodeType
	hosts    map[string]*model.Host
	nodes    map[string]*model.Node
	commands map[string]*model.CommandRequest

	nodeSubs map[int]chan NodeEvent
	hbSubs   map[int]chan *model.Heartbeat
	cmdSubs  map[int]chan *model.CommandRequest
	nextSub  int
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		types:    make(map[string]*model.NodeType),
		hosts:    make(map[string]*model.Host),
		nodes:    make(map[string]*model.Node),
		commands: make(map[string]*model.CommandRequest),
		nodeSubs: make(map[int]chan NodeEvent),
		hbSubs:   make(map[int]chan *model.Heartbeat),
		cmdSubs:  make(map[int]chan *model.CommandRequest),
	}
}

// --- Node types ---

func (m *MemoryStore) PutNodeType(ctx context.Context, nt *model.NodeType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *nt
	m.types[nt.ID] = &cp
	return nil
}

func (m *MemoryStore) GetNodeType(ctx context.Context, id string) (*model.NodeType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	nt, ok := m.types[id]
	if !ok {
		return nil, fmt.Errorf("node type %s: %w", id, ErrNotFound)
	}
	cp := *nt
	return &cp, nil
}

func (m *MemoryStore) ListNodeTypes(ctx context.Context) ([]*model.NodeType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.NodeType, 0, len(m.types))
	for _, nt := range m.types {
		cp := *nt
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Hosts ---

func (m *MemoryStore) PutHost(ctx context.Context, host *model.Host) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *host
	m.hosts[host.ID] = &cp
	return nil
}

func (m *MemoryStore) GetHost(ctx context.Context, id string) (*model.Host, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hosts[id]
	if !ok {
		return nil, fmt.Errorf("host %s: %w", id, ErrNotFound)
	}
	cp := *h
	return &cp, nil
}

func (m *MemoryStore) ListHosts(ctx context.Context) ([]*model.Host, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Host, 0, len(m.hosts))
	for _, h := range m.hosts {
		cp := *h
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) DeleteHost(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hosts, id)
	return nil
}

// --- Nodes ---

func (m *MemoryStore) CreateNode(ctx context.Context, node *model.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[node.ID] = cloneNode(node)
	m.broadcastLocked(NodeEvent{Type: NodeCreate, Node: cloneNode(node)})
	return nil
}

func (m *MemoryStore) GetNode(ctx context.Context, id string) (*model.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	return cloneNode(n), nil
}

// UpdateNode mirrors the etcd implementation's update-if-exists semantics:
// a node deleted since it was read cannot be written back.
func (m *MemoryStore) UpdateNode(ctx context.Context, node *model.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[node.ID]; !ok {
		return fmt.Errorf("node %s: %w", node.ID, ErrNotFound)
	}
	m.nodes[node.ID] = cloneNode(node)
	m.broadcastLocked(NodeEvent{Type: NodeUpdate, Node: cloneNode(node)})
	return nil
}

func (m *MemoryStore) DeleteNode(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return nil
	}
	delete(m.nodes, id)
	m.broadcastLocked(NodeEvent{Type: NodeDelete, Node: cloneNode(n)})
	return nil
}

func (m *MemoryStore) ListNodes(ctx context.Context) ([]*model.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, cloneNode(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) WatchNodes(ctx context.Context) <-chan NodeEvent {
	ch := make(chan NodeEvent, 128)
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.nodeSubs[id] = ch
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.nodeSubs, id)
		m.mu.Unlock()
		close(ch)
	}()
	return ch
}

// --- Heartbeats ---

func (m *MemoryStore) PutHeartbeat(ctx context.Context, hb *model.Heartbeat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *hb
	cp.Nodes = append([]model.NodeTelemetry(nil), hb.Nodes...)
	for _, ch := range m.hbSubs {
		select {
		case ch <- &cp:
		default:
		}
	}
	return nil
}

func (m *MemoryStore) WatchHeartbeats(ctx context.Context) <-chan *model.Heartbeat {
	ch := make(chan *model.Heartbeat, 128)
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.hbSubs[id] = ch
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.hbSubs, id)
		m.mu.Unlock()
		close(ch)
	}()
	return ch
}

// --- Operator commands ---

func (m *MemoryStore) PutCommand(ctx context.Context, cmd *model.CommandRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *cmd
	m.commands[cmd.ID] = &cp
	for _, ch := range m.cmdSubs {
		bc := cp
		select {
		case ch <- &bc:
		default:
		}
	}
	return nil
}

func (m *MemoryStore) DeleteCommand(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.commands, id)
	return nil
}

func (m *MemoryStore) ListCommands(ctx context.Context) ([]*model.CommandRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.CommandRequest, 0, len(m.commands))
	for _, cmd := range m.commands {
		cp := *cmd
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) WatchCommands(ctx context.Context) <-chan *model.CommandRequest {
	ch := make(chan *model.CommandRequest, 128)
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.cmdSubs[id] = ch
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.cmdSubs, id)
		m.mu.Unlock()
		close(ch)
	}()
	return ch
}

func (m *MemoryStore) broadcastLocked(ev NodeEvent) {
	for _, ch := range m.nodeSubs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func cloneNode(n *model.Node) *model.Node {
	cp := *n
	if n.Validator != nil {
		v := *n.Validator
		cp.Validator = &v
	}
	return &cp
}
