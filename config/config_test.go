package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error: %v", err)
	}

	def := Default()
	if cfg.Eth.RPC != def.Eth.RPC {
		t.Errorf("Eth.RPC = %q, want %q", cfg.Eth.RPC, def.Eth.RPC)
	}
	if cfg.P2P.ListenPort != def.P2P.ListenPort {
		t.Errorf("P2P.ListenPort = %d, want %d", cfg.P2P.ListenPort, def.P2P.ListenPort)
	}
	if cfg.Pool.VisibilityTimeout != def.Pool.VisibilityTimeout {
		t.Errorf("Pool.VisibilityTimeout = %v, want %v", cfg.Pool.VisibilityTimeout, def.Pool.VisibilityTimeout)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nomad.toml")

	content := `[eth]
rpc = "https://mainnet.example/rpc"
min_eth = "1000000000000000"

[p2p]
listen_port = 30999
peers = ["127.0.0.1:30303", "127.0.0.1:30304"]

[rpc]
listen_port = 9000

[pool]
visibility_timeout = "45s"
retention = "20m"

[vm]
cycle_budget = 250000
trace = true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Eth.RPC != "https://mainnet.example/rpc" {
		t.Errorf("Eth.RPC = %q", cfg.Eth.RPC)
	}
	if cfg.P2P.ListenPort != 30999 {
		t.Errorf("P2P.ListenPort = %d, want 30999", cfg.P2P.ListenPort)
	}
	if len(cfg.P2P.Peers) != 2 {
		t.Errorf("P2P.Peers = %v, want 2 entries", cfg.P2P.Peers)
	}
	if cfg.RPC.ListenPort != 9000 {
		t.Errorf("RPC.ListenPort = %d, want 9000", cfg.RPC.ListenPort)
	}
	if cfg.Pool.VisibilityTimeout != 45*time.Second {
		t.Errorf("Pool.VisibilityTimeout = %v, want 45s", cfg.Pool.VisibilityTimeout)
	}
	if cfg.Pool.Retention != 20*time.Minute {
		t.Errorf("Pool.Retention = %v, want 20m", cfg.Pool.Retention)
	}
	if cfg.VM.CycleBudget != 250000 {
		t.Errorf("VM.CycleBudget = %d, want 250000", cfg.VM.CycleBudget)
	}
	if !cfg.VM.Trace {
		t.Error("VM.Trace = false, want true")
	}

	minETH, err := cfg.Eth.MinETHWei()
	if err != nil {
		t.Fatalf("MinETHWei: %v", err)
	}
	if minETH.Uint64() != 1_000_000_000_000_000 {
		t.Errorf("MinETHWei = %v, want 1e15", minETH)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.toml")
	if err := os.WriteFile(path, []byte("not = [valid"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected parse error for invalid TOML")
	}
}

func TestEthMinETHWeiEmpty(t *testing.T) {
	e := Eth{}
	v, err := e.MinETHWei()
	if err != nil {
		t.Fatalf("MinETHWei: %v", err)
	}
	if v.Sign() != 0 {
		t.Errorf("MinETHWei() = %v, want 0", v)
	}
}

func TestEthMinETHWeiInvalid(t *testing.T) {
	e := Eth{MinETH: "not-a-number"}
	if _, err := e.MinETHWei(); err == nil {
		t.Fatal("expected error for invalid min_eth value")
	}
}
