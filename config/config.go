// Package config loads the node's TOML configuration file and merges it
// with CLI flag overrides, following default -> file -> flag precedence.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/holiman/uint256"
	"github.com/pelletier/go-toml/v2"
)

// Eth holds the EVM JSON-RPC endpoint and the balance floor below which a
// sender key is paused.
type Eth struct {
	RPC    string `toml:"rpc"`
	MinETH string `toml:"min_eth"`
}

// MinETHWei parses MinETH as a base-10 wei amount. An empty value means no
// floor is enforced.
func (e Eth) MinETHWei() (*uint256.Int, error) {
	if e.MinETH == "" {
		return uint256.NewInt(0), nil
	}
	v, err := uint256.FromDecimal(e.MinETH)
	if err != nil {
		return nil, fmt.Errorf("eth.min_eth: %w", err)
	}
	return v, nil
}

// P2P holds the gossip overlay's listen port and seed peers.
type P2P struct {
	ListenPort int      `toml:"listen_port"`
	Peers      []string `toml:"peers"`
}

// RPC holds the JSON-RPC ingress listen port.
type RPC struct {
	ListenPort int `toml:"listen_port"`
}

// Pool holds the signal pool's lease and dedup timers.
type Pool struct {
	VisibilityTimeout time.Duration `toml:"visibility_timeout"`
	Retention         time.Duration `toml:"retention"`
}

// VM holds the puzzle VM's per-cycle execution cap and the optional escrow
// bytecode template (hex-encoded) used for S4's template validation.
type VM struct {
	CycleBudget    uint64 `toml:"cycle_budget"`
	Trace          bool   `toml:"trace"`
	EscrowTemplate string `toml:"escrow_template"`
}

// Relayer holds the relayer HTTP client's base URL and request timeout.
type Relayer struct {
	URL     string        `toml:"url"`
	Timeout time.Duration `toml:"timeout"`
}

// Metrics holds the internal Prometheus/health listener's port.
type Metrics struct {
	ListenPort int `toml:"listen_port"`
}

// Config is the fully merged node configuration: TOML file values
// overridden by any CLI flags the caller applied on top.
type Config struct {
	Eth     Eth     `toml:"eth"`
	P2P     P2P     `toml:"p2p"`
	RPC     RPC     `toml:"rpc"`
	Pool    Pool    `toml:"pool"`
	VM      VM      `toml:"vm"`
	Relayer Relayer `toml:"relayer"`
	Metrics Metrics `toml:"metrics"`
}

// Default returns a Config populated with the node's built-in defaults,
// matching pool.DefaultVisibilityTimeout/DefaultRetention and a
// conservative VM cycle budget.
func Default() Config {
	return Config{
		Eth: Eth{RPC: "http://127.0.0.1:8545"},
		P2P: P2P{ListenPort: 30303},
		RPC: RPC{ListenPort: 8645},
		Pool: Pool{
			VisibilityTimeout: 30 * time.Second,
			Retention:         10 * time.Minute,
		},
		VM: VM{CycleBudget: 100_000},
		Relayer: Relayer{
			URL:     "http://127.0.0.1:9000",
			Timeout: 10 * time.Second,
		},
		Metrics: Metrics{ListenPort: 9090},
	}
}

// Load reads and parses the TOML file at path on top of Default(). An
// empty path returns the defaults unchanged, matching the CLI's
// --config being optional.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
