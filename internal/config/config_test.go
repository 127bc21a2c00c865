package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadAppliesDefaultsToMissingFields(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 1883\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Backend != "bbolt" {
		t.Fatalf("Storage.Backend = %q; want bbolt", cfg.Storage.Backend)
	}
	if cfg.Cluster.ReplicatedLog != "memory" {
		t.Fatalf("Cluster.ReplicatedLog = %q; want memory", cfg.Cluster.ReplicatedLog)
	}
	if cfg.Auth.SQLiteDSN != "./data/auth.db" {
		t.Fatalf("Auth.SQLiteDSN = %q; want ./data/auth.db", cfg.Auth.SQLiteDSN)
	}
	if cfg.RPC.Addr != "127.0.0.1:9091" {
		t.Fatalf("RPC.Addr = %q; want 127.0.0.1:9091", cfg.RPC.Addr)
	}
}

func TestLoadRejectsInvalidPort(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 70000\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Load with out-of-range port succeeded; want error")
	}
}

func TestLoadRejectsRaftWithoutBindAddr(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 1883\ncluster:\n  replicated_log: raft\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Load with replicated_log=raft and no raft_bind_addr succeeded; want error")
	}
}

func TestLoadAcceptsRaftWithBindAddr(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 1883\ncluster:\n  replicated_log: raft\n  raft_bind_addr: 127.0.0.1:7000\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Cluster.RaftBindAddr != "127.0.0.1:7000" {
		t.Fatalf("Cluster.RaftBindAddr = %q; want 127.0.0.1:7000", cfg.Cluster.RaftBindAddr)
	}
}

func TestLoadRejectsMetricsPortCollidingWithServerPort(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 1883\nmetrics:\n  enabled: true\n  port: 1883\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Load with colliding metrics/server ports succeeded; want error")
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Load of a missing file succeeded; want error")
	}
}
