package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadWithoutFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Etcd.Endpoints) != 1 || cfg.Etcd.Endpoints[0] != "localhost:2379" {
		t.Errorf("endpoints = %v", cfg.Etcd.Endpoints)
	}
	if cfg.Master.OfflineThreshold.Std() != 30*time.Second {
		t.Errorf("offline threshold = %v", cfg.Master.OfflineThreshold.Std())
	}
	if cfg.Master.ConsensusStreak != 3 {
		t.Errorf("consensus streak = %d", cfg.Master.ConsensusStreak)
	}
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	path := writeConfig(t, `
etcd:
  endpoints: ["etcd-1:2379", "etcd-2:2379"]
master:
  offline_threshold: 1m
  consensus_streak: 5
agent:
  host_id: host-42
  capacity:
    cpu_milli: 16000
    memory_bytes: 68719476736
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Etcd.Endpoints) != 2 || cfg.Etcd.Endpoints[0] != "etcd-1:2379" {
		t.Errorf("endpoints = %v", cfg.Etcd.Endpoints)
	}
	if cfg.Master.OfflineThreshold.Std() != time.Minute {
		t.Errorf("offline threshold = %v", cfg.Master.OfflineThreshold.Std())
	}
	if cfg.Master.ConsensusStreak != 5 {
		t.Errorf("consensus streak = %d", cfg.Master.ConsensusStreak)
	}
	if cfg.Agent.HostID != "host-42" || cfg.Agent.Capacity.CPUMilli != 16000 {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	// Keys absent from the file keep their defaults.
	if cfg.Master.SweepInterval.Std() != 5*time.Second {
		t.Errorf("sweep interval = %v, want default", cfg.Master.SweepInterval.Std())
	}
	if cfg.Agent.HeartbeatInterval.Std() != 3*time.Second {
		t.Errorf("heartbeat interval = %v, want default", cfg.Agent.HeartbeatInterval.Std())
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	path := writeConfig(t, "master:\n  sweep_interval: soon\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unparseable duration")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/does/not/exist.yaml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
