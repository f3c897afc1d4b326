package config

import (
	"flag"
	"testing"

	"github.com/urfave/cli/v2"
)

func newTestContext(t *testing.T, args []string) *cli.Context {
	t.Helper()
	app := &cli.App{Flags: append(append([]cli.Flag{}, GlobalFlags...), RunFlags...)}
	set := flag.NewFlagSet("test", flag.ContinueOnError)
	for _, f := range app.Flags {
		if err := f.Apply(set); err != nil {
			t.Fatalf("apply flag: %v", err)
		}
	}
	if err := set.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}
	return cli.NewContext(app, set, nil)
}

func TestFromCLIOverridesOnlySetFlags(t *testing.T) {
	c := newTestContext(t, []string{"--rpc-port", "9999"})
	cfg := FromCLI(c, Default())

	if cfg.RPC.ListenPort != 9999 {
		t.Errorf("RPC.ListenPort = %d, want 9999", cfg.RPC.ListenPort)
	}
	// Untouched fields keep their default.
	def := Default()
	if cfg.Eth.RPC != def.Eth.RPC {
		t.Errorf("Eth.RPC = %q, want unchanged default %q", cfg.Eth.RPC, def.Eth.RPC)
	}
}

func TestFromCLIHttpRPCAndPeers(t *testing.T) {
	c := newTestContext(t, []string{
		"--http-rpc", "http://example.com",
		"--p2p-port", "31000",
		"--peer", "10.0.0.1:30303",
		"--peer", "10.0.0.2:30303",
	})
	cfg := FromCLI(c, Default())

	if cfg.Eth.RPC != "http://example.com" {
		t.Errorf("Eth.RPC = %q", cfg.Eth.RPC)
	}
	if cfg.P2P.ListenPort != 31000 {
		t.Errorf("P2P.ListenPort = %d, want 31000", cfg.P2P.ListenPort)
	}
	if len(cfg.P2P.Peers) != 2 {
		t.Errorf("P2P.Peers = %v, want 2 entries", cfg.P2P.Peers)
	}
}

func TestKeysRejectsEmpty(t *testing.T) {
	c := newTestContext(t, []string{"--pk", "aabb", "--pk", ""})
	if _, err := Keys(c); err == nil {
		t.Fatal("expected error for empty --pk value")
	}
}

func TestKeysAndWriteMode(t *testing.T) {
	c := newTestContext(t, []string{"--pk", "aabb", "--pk", "ccdd"})
	keys, err := Keys(c)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("len(keys) = %d, want 2", len(keys))
	}
	if !WriteModeEnabled(keys) {
		t.Error("expected write mode with 2 keys")
	}
}

func TestWriteModeDisabledWithFewerThanTwoKeys(t *testing.T) {
	c := newTestContext(t, []string{"--pk", "aabb"})
	keys, err := Keys(c)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if WriteModeEnabled(keys) {
		t.Error("expected read-only mode with 1 key")
	}
	if WriteModeEnabled(nil) {
		t.Error("expected read-only mode with 0 keys")
	}
}

func TestVerbosityLevels(t *testing.T) {
	tests := []struct {
		args      []string
		wantLevel int
		wantTrace bool
	}{
		{nil, 0, false},
		{[]string{"--v"}, 1, false},
		{[]string{"--vv"}, 2, true},
	}
	for _, tt := range tests {
		c := newTestContext(t, tt.args)
		level, trace := Verbosity(c)
		if level != tt.wantLevel || trace != tt.wantTrace {
			t.Errorf("Verbosity(%v) = (%d, %v), want (%d, %v)", tt.args, level, trace, tt.wantLevel, tt.wantTrace)
		}
	}
}
