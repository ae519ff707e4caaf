// fleetctl is the operator CLI: it publishes node types, registers hosts,
// creates and deletes nodes, issues commands and shows fleet state, all
// through the shared store. The master's watch loops react to the writes.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"blockfleet/internal/config"
	"blockfleet/pkg/model"
	"blockfleet/pkg/store"
)

const usage = `usage: fleetctl <command> [flags]

commands:
  put-type       publish a node type from a YAML file
  register-host  add a host record with its capacity
  remove-host    retire a host that runs no nodes
  create-node    create a pending node (the master places it)
  delete-node    delete a node
  command        issue stop/start/upgrade for a node
  status         show a node's status, stake status and host
  utilization    show per-host used/free capacity
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	log, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg := config.Default()
	fs := pflag.NewFlagSet(os.Args[1], pflag.ExitOnError)
	config.BindCommonFlags(fs, &cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	run := func(f func(ctx context.Context, st *store.EtcdStore) error) {
		st, err := store.NewEtcdStore(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout.Std(), log)
		if err != nil {
			log.Fatal("connect etcd", zap.Error(err))
		}
		defer st.Close()
		if err := f(ctx, st); err != nil {
			log.Fatal(os.Args[1], zap.Error(err))
		}
	}

	switch os.Args[1] {
	case "put-type":
		file := fs.String("file", "", "YAML file describing the node type")
		fs.Parse(os.Args[2:])
		run(func(ctx context.Context, st *store.EtcdStore) error {
			data, err := os.ReadFile(*file)
			if err != nil {
				return err
			}
			var nt model.NodeType
			if err := yaml.Unmarshal(data, &nt); err != nil {
				return err
			}
			if _, err := nt.ResolveRequirements(); err != nil {
				return err
			}
			if err := st.PutNodeType(ctx, &nt); err != nil {
				return err
			}
			fmt.Printf("node type %s published\n", nt.ID)
			return nil
		})

	case "register-host":
		id := fs.String("id", "", "host id")
		addr := fs.String("addr", "", "host address")
		var capVec model.Resource
		fs.Int64Var(&capVec.CPUMilli, "cpu-milli", 0, "CPU capacity in millicores")
		fs.Int64Var(&capVec.MemoryBytes, "memory-bytes", 0, "memory capacity in bytes")
		fs.Int64Var(&capVec.DiskBytes, "disk-bytes", 0, "disk capacity in bytes")
		fs.Int64Var(&capVec.IPAddrs, "ip-addrs", 0, "IP slot capacity")
		fs.Parse(os.Args[2:])
		run(func(ctx context.Context, st *store.EtcdStore) error {
			host := &model.Host{
				ID:            *id,
				Addr:          *addr,
				Capacity:      capVec,
				Status:        model.HostOnline,
				LastHeartbeat: time.Now().Unix(),
			}
			if err := st.PutHost(ctx, host); err != nil {
				return err
			}
			fmt.Printf("host %s registered\n", host.ID)
			return nil
		})

	case "remove-host":
		id := fs.String("id", "", "host id")
		fs.Parse(os.Args[2:])
		run(func(ctx context.Context, st *store.EtcdStore) error {
			nodes, err := st.ListNodes(ctx)
			if err != nil {
				return err
			}
			for _, n := range nodes {
				if n.HostID == *id {
					return fmt.Errorf("host %s still runs node %s", *id, n.ID)
				}
			}
			if err := st.DeleteHost(ctx, *id); err != nil {
				return err
			}
			fmt.Printf("host %s removed\n", *id)
			return nil
		})

	case "create-node":
		typeID := fs.String("type", "", "node type id")
		orgID := fs.String("org", "", "owning org id")
		similarity := fs.String("similarity", "", "cluster | spread (empty for no affinity)")
		resource := fs.String("resource", string(model.ResourceLeast), "most_resources | least_resources")
		fs.Parse(os.Args[2:])
		run(func(ctx context.Context, st *store.EtcdStore) error {
			nt, err := st.GetNodeType(ctx, *typeID)
			if err != nil {
				return err
			}
			policy := model.SchedulerPolicy{Resource: model.ResourcePolicy(*resource)}
			if *similarity != "" {
				sim := model.SimilarityPolicy(*similarity)
				policy.Similarity = &sim
			}
			node, err := model.NewPendingNode(nt, *orgID, policy, time.Now().Unix())
			if err != nil {
				return err
			}
			if err := st.CreateNode(ctx, node); err != nil {
				return err
			}
			fmt.Printf("node %s created, awaiting placement\n", node.ID)
			return nil
		})

	case "delete-node":
		id := fs.String("id", "", "node id")
		fs.Parse(os.Args[2:])
		run(func(ctx context.Context, st *store.EtcdStore) error {
			if err := st.DeleteNode(ctx, *id); err != nil {
				return err
			}
			fmt.Printf("node %s deleted\n", *id)
			return nil
		})

	case "command":
		id := fs.String("id", "", "node id")
		action := fs.String("action", "", "stop | start | upgrade")
		fs.Parse(os.Args[2:])
		run(func(ctx context.Context, st *store.EtcdStore) error {
			cmd := &model.CommandRequest{
				ID:       uuid.NewString(),
				NodeID:   *id,
				Action:   model.CommandAction(*action),
				IssuedAt: time.Now().Unix(),
			}
			if err := st.PutCommand(ctx, cmd); err != nil {
				return err
			}
			fmt.Printf("command %s queued for node %s\n", *action, *id)
			return nil
		})

	case "status":
		id := fs.String("id", "", "node id")
		fs.Parse(os.Args[2:])
		run(func(ctx context.Context, st *store.EtcdStore) error {
			node, err := st.GetNode(ctx, *id)
			if err != nil {
				return err
			}
			status := string(node.Status)
			if node.Status == model.NodeProvisioning && node.HostID == "" {
				status = "provisioning (pending placement)"
			}
			fmt.Printf("node:   %s\nstatus: %s\nhost:   %s\n", node.ID, status, node.HostID)
			if node.Validator != nil {
				fmt.Printf("stake:  %s\n", node.Validator.StakeStatus)
			}
			return nil
		})

	case "utilization":
		fs.Parse(os.Args[2:])
		run(func(ctx context.Context, st *store.EtcdStore) error {
			hosts, err := st.ListHosts(ctx)
			if err != nil {
				return err
			}
			nodes, err := st.ListNodes(ctx)
			if err != nil {
				return err
			}
			// Derived the same way the master rebuilds its ledger: the
			// committed allocation is the sum of assigned requirements.
			allocated := make(map[string]model.Resource)
			for _, n := range nodes {
				if n.HostID == "" || n.ReservationID == "" {
					continue
				}
				allocated[n.HostID] = allocated[n.HostID].Add(n.Requirement)
			}
			for _, h := range hosts {
				a := allocated[h.ID]
				fmt.Printf("%s (%s): cpu %d/%dm, mem %d/%d, disk %d/%d, ips %d/%d\n",
					h.ID, h.Status,
					a.CPUMilli, h.Capacity.CPUMilli,
					a.MemoryBytes, h.Capacity.MemoryBytes,
					a.DiskBytes, h.Capacity.DiskBytes,
					a.IPAddrs, h.Capacity.IPAddrs)
			}
			return nil
		})

	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}
