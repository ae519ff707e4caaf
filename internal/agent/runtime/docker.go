// Package runtime runs node workloads as containers on the host.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"blockfleet/pkg/model"
)

// Node type property keys the runtime understands.
const (
	PropImage      = "image"
	PropRPCPort    = "rpc_port"
	PropStatusPath = "status_path"
)

// NodeState is one probe of a running node: chain sync progress and
// consensus participation as the node itself reports them.
type NodeState struct {
	Running       bool  `json:"running"`
	SyncHeight    int64 `json:"sync_height"`
	ChainHeight   int64 `json:"chain_height"`
	Consensus     bool  `json:"consensus"`
	StakedOnChain bool  `json:"staked_on_chain"`
}

// Runtime is what the agent needs from a workload backend. The docker
// implementation is production; tests fake it.
type Runtime interface {
	Start(ctx context.Context, node *model.Node, nt *model.NodeType) (ref string, err error)
	Stop(ctx context.Context, ref string) error
	Probe(ctx context.Context, ref string, nt *model.NodeType) (NodeState, error)
}

type DockerRuntime struct {
	cli  *client.Client
	http *http.Client
}

var _ Runtime = (*DockerRuntime)(nil)

func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithVersion("1.44"))
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerRuntime{
		cli:  cli,
		http: &http.Client{Timeout: 2 * time.Second},
	}, nil
}

// Start creates and starts a container for the node from its type's image
// property, passing the remaining properties as environment.
func (d *DockerRuntime) Start(ctx context.Context, node *model.Node, nt *model.NodeType) (string, error) {
	image, ok := nt.Property(PropImage)
	if !ok {
		return "", fmt.Errorf("node type %s has no %s property", nt.ID, PropImage)
	}

	var env []string
	for _, p := range nt.Properties {
		if p.Key == PropImage {
			continue
		}
		env = append(env, fmt.Sprintf("NODE_%s=%s", p.Key, p.Value))
	}
	env = append(env, "NODE_ID="+node.ID)

	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image: image,
		Env:   env,
		Tty:   false,
	}, nil, nil, nil, "blockfleet-"+node.ID)
	if err != nil {
		return "", fmt.Errorf("create container for node %s: %w", node.ID, err)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return "", fmt.Errorf("start container %s: %w", resp.ID[:12], err)
	}
	return resp.ID, nil
}

// Stop stops and removes the node's container. Unknown containers are
// treated as already stopped.
func (d *DockerRuntime) Stop(ctx context.Context, ref string) error {
	timeout := 30
	if err := d.cli.ContainerStop(ctx, ref, container.StopOptions{Timeout: &timeout}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("stop container %s: %w", ref[:12], err)
	}
	return d.cli.ContainerRemove(ctx, ref, types.ContainerRemoveOptions{Force: true})
}

// Probe inspects the container and, when the node type declares an RPC
// port, queries the node's status endpoint for sync and consensus state.
func (d *DockerRuntime) Probe(ctx context.Context, ref string, nt *model.NodeType) (NodeState, error) {
	inspect, err := d.cli.ContainerInspect(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return NodeState{}, nil
		}
		return NodeState{}, err
	}
	state := NodeState{Running: inspect.State != nil && inspect.State.Running}
	if !state.Running {
		return state, nil
	}

	port, ok := nt.Property(PropRPCPort)
	if !ok || inspect.NetworkSettings == nil || inspect.NetworkSettings.IPAddress == "" {
		return state, nil
	}
	path, ok := nt.Property(PropStatusPath)
	if !ok {
		path = "/status"
	}

	url := fmt.Sprintf("http://%s:%s%s", inspect.NetworkSettings.IPAddress, port, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return state, err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		// The node may still be booting; liveness alone is a valid probe.
		return state, nil
	}
	defer resp.Body.Close()

	var chain NodeState
	if err := json.NewDecoder(resp.Body).Decode(&chain); err != nil {
		return state, nil
	}
	state.SyncHeight = chain.SyncHeight
	state.ChainHeight = chain.ChainHeight
	state.Consensus = chain.Consensus
	state.StakedOnChain = chain.StakedOnChain
	return state, nil
}
