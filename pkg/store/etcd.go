package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"blockfleet/pkg/model"
)

// Key prefixes. Every entity is a JSON value under its id.
const (
	typeKeyPrefix      = "/blockfleet/types/"
	hostKeyPrefix      = "/blockfleet/hosts/"
	nodeKeyPrefix      = "/blockfleet/nodes/"
	heartbeatKeyPrefix = "/blockfleet/heartbeats/"
	commandKeyPrefix   = "/blockfleet/commands/"
)

type EtcdStore struct {
	client *clientv3.Client
	log    *zap.Logger
}

var _ Store = (*EtcdStore)(nil)

// NewEtcdStore connects to the etcd cluster backing the fleet.
func NewEtcdStore(endpoints []string, dialTimeout time.Duration, log *zap.Logger) (*EtcdStore, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      log.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd %v: %w", endpoints, err)
	}
	return &EtcdStore{client: cli, log: log}, nil
}

// Client exposes the underlying etcd client for components that need raw
// primitives (leader election sessions).
func (e *EtcdStore) Client() *clientv3.Client {
	return e.client
}

func (e *EtcdStore) Close() error {
	return e.client.Close()
}

// --- Node types ---

func (e *EtcdStore) PutNodeType(ctx context.Context, nt *model.NodeType) error {
	return e.putValue(ctx, typeKeyPrefix+nt.ID, nt)
}

func (e *EtcdStore) GetNodeType(ctx context.Context, id string) (*model.NodeType, error) {
	var nt model.NodeType
	if err := e.getValue(ctx, typeKeyPrefix+id, &nt); err != nil {
		return nil, err
	}
	return &nt, nil
}

func (e *EtcdStore) ListNodeTypes(ctx context.Context) ([]*model.NodeType, error) {
	return listPrefix[model.NodeType](ctx, e, typeKeyPrefix)
}

// --- Hosts ---

func (e *EtcdStore) PutHost(ctx context.Context, host *model.Host) error {
	return e.putValue(ctx, hostKeyPrefix+host.ID, host)
}

func (e *EtcdStore) GetHost(ctx context.Context, id string) (*model.Host, error) {
	var h model.Host
	if err := e.getValue(ctx, hostKeyPrefix+id, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (e *EtcdStore) ListHosts(ctx context.Context) ([]*model.Host, error) {
	return listPrefix[model.Host](ctx, e, hostKeyPrefix)
}

func (e *EtcdStore) DeleteHost(ctx context.Context, id string) error {
	_, err := e.client.Delete(ctx, hostKeyPrefix+id)
	return err
}

// --- Nodes ---

func (e *EtcdStore) CreateNode(ctx context.Context, node *model.Node) error {
	return e.putValue(ctx, nodeKeyPrefix+node.ID, node)
}

func (e *EtcdStore) GetNode(ctx context.Context, id string) (*model.Node, error) {
	var n model.Node
	if err := e.getValue(ctx, nodeKeyPrefix+id, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// UpdateNode writes the node only if its key still exists, so an update
// racing a delete cannot resurrect the record. A lost race reports
// ErrNotFound.
func (e *EtcdStore) UpdateNode(ctx context.Context, node *model.Node) error {
	key := nodeKeyPrefix + node.ID
	bytes, err := json.Marshal(node)
	if err != nil {
		return err
	}
	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Version(key), ">", 0)).
		Then(clientv3.OpPut(key, string(bytes))).
		Commit()
	if err != nil {
		return err
	}
	if !resp.Succeeded {
		return fmt.Errorf("node %s: %w", node.ID, ErrNotFound)
	}
	return nil
}

func (e *EtcdStore) DeleteNode(ctx context.Context, id string) error {
	_, err := e.client.Delete(ctx, nodeKeyPrefix+id)
	return err
}

func (e *EtcdStore) ListNodes(ctx context.Context) ([]*model.Node, error) {
	return listPrefix[model.Node](ctx, e, nodeKeyPrefix)
}

// WatchNodes converts the etcd watch stream under the node prefix into
// NodeEvents. Deletes carry the previous value so consumers see the last
// known node state.
func (e *EtcdStore) WatchNodes(ctx context.Context) <-chan NodeEvent {
	eventChan := make(chan NodeEvent)

	go func() {
		defer close(eventChan)
		watchChan := e.client.Watch(ctx, nodeKeyPrefix, clientv3.WithPrefix(), clientv3.WithPrevKV())

		for watchResp := range watchChan {
			for _, ev := range watchResp.Events {
				var node model.Node
				var eventType NodeEventType

				switch ev.Type {
				case clientv3.EventTypePut:
					eventType = NodeUpdate
					if ev.IsCreate() {
						eventType = NodeCreate
					}
					if err := json.Unmarshal(ev.Kv.Value, &node); err != nil {
						e.log.Warn("unmarshal node event", zap.Error(err))
						continue
					}
				case clientv3.EventTypeDelete:
					eventType = NodeDelete
					if ev.PrevKv != nil {
						if err := json.Unmarshal(ev.PrevKv.Value, &node); err != nil {
							e.log.Warn("unmarshal deleted node", zap.Error(err))
						}
					}
					if node.ID == "" {
						node.ID = strings.TrimPrefix(string(ev.Kv.Key), nodeKeyPrefix)
					}
				}

				select {
				case eventChan <- NodeEvent{Type: eventType, Node: &node}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return eventChan
}

// --- Heartbeats ---

func (e *EtcdStore) PutHeartbeat(ctx context.Context, hb *model.Heartbeat) error {
	return e.putValue(ctx, heartbeatKeyPrefix+hb.HostID, hb)
}

func (e *EtcdStore) WatchHeartbeats(ctx context.Context) <-chan *model.Heartbeat {
	hbChan := make(chan *model.Heartbeat)

	go func() {
		defer close(hbChan)
		watchChan := e.client.Watch(ctx, heartbeatKeyPrefix, clientv3.WithPrefix())

		for watchResp := range watchChan {
			for _, ev := range watchResp.Events {
				if ev.Type != clientv3.EventTypePut {
					continue
				}
				var hb model.Heartbeat
				if err := json.Unmarshal(ev.Kv.Value, &hb); err != nil {
					e.log.Warn("unmarshal heartbeat", zap.Error(err))
					continue
				}
				select {
				case hbChan <- &hb:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return hbChan
}

// --- Operator commands ---

func (e *EtcdStore) PutCommand(ctx context.Context, cmd *model.CommandRequest) error {
	return e.putValue(ctx, commandKeyPrefix+cmd.ID, cmd)
}

func (e *EtcdStore) DeleteCommand(ctx context.Context, id string) error {
	_, err := e.client.Delete(ctx, commandKeyPrefix+id)
	return err
}

func (e *EtcdStore) ListCommands(ctx context.Context) ([]*model.CommandRequest, error) {
	return listPrefix[model.CommandRequest](ctx, e, commandKeyPrefix)
}

func (e *EtcdStore) WatchCommands(ctx context.Context) <-chan *model.CommandRequest {
	cmdChan := make(chan *model.CommandRequest)

	go func() {
		defer close(cmdChan)
		watchChan := e.client.Watch(ctx, commandKeyPrefix, clientv3.WithPrefix())

		for watchResp := range watchChan {
			for _, ev := range watchResp.Events {
				if ev.Type != clientv3.EventTypePut {
					continue
				}
				var cmd model.CommandRequest
				if err := json.Unmarshal(ev.Kv.Value, &cmd); err != nil {
					e.log.Warn("unmarshal command", zap.Error(err))
					continue
				}
				select {
				case cmdChan <- &cmd:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return cmdChan
}

// --- Helpers ---

func (e *EtcdStore) putValue(ctx context.Context, key string, val any) error {
	bytes, err := json.Marshal(val)
	if err != nil {
		return err
	}
	_, err = e.client.Put(ctx, key, string(bytes))
	return err
}

func (e *EtcdStore) getValue(ctx context.Context, key string, out any) error {
	resp, err := e.client.Get(ctx, key)
	if err != nil {
		return err
	}
	if len(resp.Kvs) == 0 {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return json.Unmarshal(resp.Kvs[0].Value, out)
}

func listPrefix[T any](ctx context.Context, e *EtcdStore, prefix string) ([]*T, error) {
	resp, err := e.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var v T
		if err := json.Unmarshal(kv.Value, &v); err != nil {
			e.log.Warn("unmarshal list entry", zap.String("key", string(kv.Key)), zap.Error(err))
			continue
		}
		out = append(out, &v)
	}
	return out, nil
}
