// Package config loads daemon configuration from an optional YAML file with
// pflag overrides on top.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"blockfleet/pkg/model"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Etcd struct {
	Endpoints   []string `yaml:"endpoints"`
	DialTimeout Duration `yaml:"dial_timeout"`
}

type Master struct {
	InstanceID        string   `yaml:"instance_id"`
	SessionTTL        Duration `yaml:"session_ttl"`
	ReserveTimeout    Duration `yaml:"reserve_timeout"`
	OfflineThreshold  Duration `yaml:"offline_threshold"`
	SweepInterval     Duration `yaml:"sweep_interval"`
	ReplaceBackoff    Duration `yaml:"replace_backoff"`
	ReplaceBackoffMax Duration `yaml:"replace_backoff_max"`
	ConsensusStreak   int      `yaml:"consensus_streak"`
}

type Agent struct {
	HostID            string         `yaml:"host_id"`
	Addr              string         `yaml:"addr"`
	HeartbeatInterval Duration       `yaml:"heartbeat_interval"`
	Capacity          model.Resource `yaml:"capacity"`
}

type Config struct {
	Etcd   Etcd   `yaml:"etcd"`
	Master Master `yaml:"master"`
	Agent  Agent  `yaml:"agent"`
}

func Default() Config {
	hostname, _ := os.Hostname()
	return Config{
		Etcd: Etcd{
			Endpoints:   []string{"localhost:2379"},
			DialTimeout: Duration(5 * time.Second),
		},
		Master: Master{
			InstanceID:        hostname,
			SessionTTL:        Duration(15 * time.Second),
			ReserveTimeout:    Duration(3 * time.Second),
			OfflineThreshold:  Duration(30 * time.Second),
			SweepInterval:     Duration(5 * time.Second),
			ReplaceBackoff:    Duration(5 * time.Second),
			ReplaceBackoffMax: Duration(2 * time.Minute),
			ConsensusStreak:   3,
		},
		Agent: Agent{
			HostID:            hostname,
			Addr:              "127.0.0.1",
			HeartbeatInterval: Duration(3 * time.Second),
		},
	}
}

// Load returns defaults overlaid with the YAML file at path, if given.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// BindCommonFlags registers the flags shared by every daemon.
func BindCommonFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringSliceVar(&cfg.Etcd.Endpoints, "etcd-endpoints", cfg.Etcd.Endpoints, "etcd cluster endpoints")
}

// BindAgentFlags registers the host agent's flags.
func BindAgentFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.Agent.HostID, "host-id", cfg.Agent.HostID, "host identity")
	fs.StringVar(&cfg.Agent.Addr, "addr", cfg.Agent.Addr, "address the agent is reachable on")
	fs.Int64Var(&cfg.Agent.Capacity.CPUMilli, "cpu-milli", cfg.Agent.Capacity.CPUMilli, "host CPU capacity in millicores")
	fs.Int64Var(&cfg.Agent.Capacity.MemoryBytes, "memory-bytes", cfg.Agent.Capacity.MemoryBytes, "host memory capacity in bytes")
	fs.Int64Var(&cfg.Agent.Capacity.DiskBytes, "disk-bytes", cfg.Agent.Capacity.DiskBytes, "host disk capacity in bytes")
	fs.Int64Var(&cfg.Agent.Capacity.IPAddrs, "ip-addrs", cfg.Agent.Capacity.IPAddrs, "host IP slot capacity")
}
