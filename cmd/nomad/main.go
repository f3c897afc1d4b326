// Command nomad is the Mirage network node: it gossips signals over a
// peer-to-peer overlay, accepts them over JSON-RPC, and — when started
// with at least two sender keys — competes to decrypt, bond, transfer,
// prove, and claim them against an EVM-compatible chain.
//
// Usage:
//
//	nomad run --http-rpc URL [--pk HEX ...] [flags]
//	nomad faucet CONTRACT --pk HEX [--pk HEX ...]
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"
	"github.com/urfave/cli/v2"

	"github.com/MiragePrivacy/Nomad/chain"
	"github.com/MiragePrivacy/Nomad/config"
	nomadlog "github.com/MiragePrivacy/Nomad/log"
	"github.com/MiragePrivacy/Nomad/node"
	"github.com/MiragePrivacy/Nomad/p2p"
	"github.com/MiragePrivacy/Nomad/pipeline"
	"github.com/MiragePrivacy/Nomad/pool"
	"github.com/MiragePrivacy/Nomad/relayer"
	"github.com/MiragePrivacy/Nomad/rpc"
	nomadsig "github.com/MiragePrivacy/Nomad/signal"
)

// Build-time version info, overridable with ldflags:
//
//	go build -ldflags "-X main.version=v0.2.0 -X main.commit=abc1234"
var (
	version = "v0.1.0-dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run(os.Args))
}

// run builds and executes the CLI app, translating its result to the exit
// codes a caller (init system, shell script) can rely on: 0 normal, 1
// config error, 2 fatal startup, 130 interrupted.
func run(args []string) int {
	app := &cli.App{
		Name:                 "nomad",
		Usage:                "Mirage privacy-preserving transfer network node",
		Version:              fmt.Sprintf("%s (%s)", version, commit),
		Flags:                config.GlobalFlags,
		EnableBashCompletion: true,
		Commands: []*cli.Command{
			runCommand(),
			faucetCommand(),
		},
	}

	if err := app.Run(args); err != nil {
		if ec, ok := err.(cli.ExitCoder); ok {
			if msg := ec.Error(); msg != "" {
				fmt.Fprintln(os.Stderr, msg)
			}
			return ec.ExitCode()
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// commandFlags combines the global flags with a subcommand's own, so --pk,
// --config, -v, and -vv all work whether given before or after the
// subcommand name.
func commandFlags(extra ...[]cli.Flag) []cli.Flag {
	flags := append([]cli.Flag{}, config.GlobalFlags...)
	for _, e := range extra {
		flags = append(flags, e...)
	}
	return flags
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "start the node: gossip overlay, RPC ingress, and (with >=2 --pk keys) the processing pipeline",
		Flags: commandFlags(config.RunFlags),
		Action: func(c *cli.Context) error {
			return runNode(c)
		},
	}
}

func faucetCommand() *cli.Command {
	return &cli.Command{
		Name:      "faucet",
		Usage:     "mint test tokens to every configured --pk key",
		ArgsUsage: "CONTRACT",
		Flags:     commandFlags(),
		Action: func(c *cli.Context) error {
			return runFaucet(c)
		},
	}
}

// runNode wires every component together and blocks until SIGINT/SIGTERM.
func runNode(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("config: %v", err), 1)
	}
	cfg = config.FromCLI(c, cfg)

	keys, err := config.Keys(c)
	if err != nil {
		return cli.Exit(fmt.Sprintf("config: %v", err), 1)
	}
	writeMode := config.WriteModeEnabled(keys)

	escrowTemplate, err := decodeEscrowTemplate(cfg.VM.EscrowTemplate)
	if err != nil {
		return cli.Exit(fmt.Sprintf("config: vm.escrow_template: %v", err), 1)
	}

	// Validate key format up front, before any network dial: a malformed
	// --pk is a config error (exit 1), not a startup failure (exit 2).
	if writeMode {
		if _, err := chain.NewKeySigner(keys[0], big.NewInt(1)); err != nil {
			return cli.Exit(fmt.Sprintf("config: sender key A: %v", err), 1)
		}
		if _, err := chain.NewKeySigner(keys[1], big.NewInt(1)); err != nil {
			return cli.Exit(fmt.Sprintf("config: sender key B: %v", err), 1)
		}
	}

	level, trace := config.Verbosity(c)
	if trace {
		cfg.VM.Trace = true
	}
	logger := buildLogger(level)
	nomadlog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chainID, err := fetchChainID(ctx, cfg.Eth.RPC)
	if err != nil {
		return cli.Exit(fmt.Sprintf("fatal: chain unreachable at %s: %v", cfg.Eth.RPC, err), 2)
	}
	adapter, err := chain.Dial(ctx, cfg.Eth.RPC, chainID)
	if err != nil {
		return cli.Exit(fmt.Sprintf("fatal: %v", err), 2)
	}
	defer adapter.Close()

	signalPool := pool.New(cfg.Pool.VisibilityTimeout, cfg.Pool.Retention)

	identity, err := p2p.NewIdentity()
	if err != nil {
		return cli.Exit(fmt.Sprintf("fatal: generate peer identity: %v", err), 2)
	}
	p2pServer := p2p.NewServer(identity, p2p.Config{
		ListenAddr: fmt.Sprintf(":%d", cfg.P2P.ListenPort),
		Seeds:      cfg.P2P.Peers,
	}, poolSink{pool: signalPool}, logger.Slog())

	registry := rpc.NewMethodRegistry()
	ingress := rpc.NewIngress(signalPool, p2pServer.Gossip())
	if err := ingress.Register(registry); err != nil {
		return cli.Exit(fmt.Sprintf("fatal: register rpc methods: %v", err), 2)
	}
	rpcServer := rpc.NewServer(registry)

	var dispatcher node.Dispatcher
	if writeMode {
		signerA, err := chain.NewKeySigner(keys[0], chainID)
		if err != nil {
			return cli.Exit(fmt.Sprintf("config: sender key A: %v", err), 1)
		}
		signerB, err := chain.NewKeySigner(keys[1], chainID)
		if err != nil {
			return cli.Exit(fmt.Sprintf("config: sender key B: %v", err), 1)
		}
		relayerClient := relayer.New(cfg.Relayer.URL, cfg.Relayer.Timeout)
		dispatcher = pipeline.New(adapter, relayerClient, pipeline.KeySet{A: signerA, B: signerB}, pipeline.Config{
			CycleBudget:    cfg.VM.CycleBudget,
			EscrowTemplate: escrowTemplate,
		})
	}

	supervisor := node.NewSupervisor(node.DefaultSupervisorConfig(), signalPool, dispatcher, logger)
	if err := supervisor.RegisterGossip("gossip", p2pServer.Start, p2pServer.Stop); err != nil {
		return cli.Exit(fmt.Sprintf("fatal: %v", err), 2)
	}
	if err := supervisor.RegisterRPC("rpc", &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.RPC.ListenPort),
		Handler: rpcServer.Handler(),
	}); err != nil {
		return cli.Exit(fmt.Sprintf("fatal: %v", err), 2)
	}
	if err := supervisor.RegisterMetricsServer(fmt.Sprintf(":%d", cfg.Metrics.ListenPort)); err != nil {
		return cli.Exit(fmt.Sprintf("fatal: %v", err), 2)
	}
	p2pServer.Gossip().SetMetrics(supervisor.Metrics().GossipForwards, supervisor.Metrics().GossipDrops)

	logger.Info("starting nomad node",
		"write_mode", writeMode,
		"chain_id", chainID.String(),
		"p2p_port", cfg.P2P.ListenPort,
		"rpc_port", cfg.RPC.ListenPort,
		"metrics_port", cfg.Metrics.ListenPort,
	)

	if err := supervisor.Run(ctx); err != nil {
		return cli.Exit(fmt.Sprintf("fatal: %v", err), 2)
	}

	logger.Info("shutdown complete")
	return cli.Exit("", 130)
}

// runFaucet invokes the configured token contract's mint() once per
// configured --pk key, printing the resulting tx hash per key.
func runFaucet(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("faucet requires exactly one CONTRACT argument", 1)
	}
	contract := common.HexToAddress(c.Args().First())

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("config: %v", err), 1)
	}
	cfg = config.FromCLI(c, cfg)

	keys, err := config.Keys(c)
	if err != nil {
		return cli.Exit(fmt.Sprintf("config: %v", err), 1)
	}
	if len(keys) == 0 {
		return cli.Exit("faucet requires at least one --pk key", 1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chainID, err := fetchChainID(ctx, cfg.Eth.RPC)
	if err != nil {
		return cli.Exit(fmt.Sprintf("fatal: chain unreachable at %s: %v", cfg.Eth.RPC, err), 2)
	}
	adapter, err := chain.Dial(ctx, cfg.Eth.RPC, chainID)
	if err != nil {
		return cli.Exit(fmt.Sprintf("fatal: %v", err), 2)
	}
	defer adapter.Close()

	const mintAmountWei = 1_000_000_000_000_000_000 // 1 token at 18 decimals
	mintAmount := uint256.NewInt(mintAmountWei)

	failures := 0
	for _, hexKey := range keys {
		signer, err := chain.NewKeySigner(hexKey, chainID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "faucet: invalid key: %v\n", err)
			failures++
			continue
		}

		txHash, err := adapter.Mint(ctx, signer.Key(), signer.Address(), contract, signer.Address(), mintAmount, signer.Sign)
		if err != nil {
			fmt.Fprintf(os.Stderr, "faucet: mint for %s failed: %v\n", signer.Address().Hex(), err)
			failures++
			continue
		}
		receipt, err := adapter.AwaitReceipt(ctx, txHash)
		if err != nil || receipt.Status != types.ReceiptStatusSuccessful {
			fmt.Fprintf(os.Stderr, "faucet: mint for %s reverted (tx %s)\n", signer.Address().Hex(), txHash.Hex())
			failures++
			continue
		}
		fmt.Printf("%s: %s\n", signer.Address().Hex(), txHash.Hex())
	}

	if failures > 0 {
		return cli.Exit(fmt.Sprintf("%d of %d mints failed", failures, len(keys)), 1)
	}
	return nil
}

// poolSink adapts *pool.Pool to p2p.Sink: the gossip service only needs to
// insert a newly-seen signal, discarding the admission bookkeeping the RPC
// ingress path cares about.
type poolSink struct {
	pool *pool.Pool
}

func (s poolSink) Insert(sig *nomadsig.Signal) error {
	_, _, err := s.pool.Insert(sig)
	return err
}

// fetchChainID resolves the chain id from the configured EVM endpoint,
// needed before any EIP-1559 signer can be constructed.
func fetchChainID(ctx context.Context, endpoint string) (*big.Int, error) {
	raw, err := gethrpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	defer raw.Close()
	return ethclient.NewClient(raw).ChainID(ctx)
}

// decodeEscrowTemplate decodes an optional hex-encoded (with or without a
// leading "0x") escrow bytecode template. An empty string disables S4's
// template byte-compare.
func decodeEscrowTemplate(hexStr string) ([]byte, error) {
	if hexStr == "" {
		return nil, nil
	}
	return hex.DecodeString(strings.TrimPrefix(hexStr, "0x"))
}

// buildLogger resolves the -v/-vv verbosity level to a console logger:
// Info by default, Debug under -v or -vv.
func buildLogger(verbosity int) *nomadlog.Logger {
	level := slog.LevelInfo
	if verbosity >= 1 {
		level = slog.LevelDebug
	}
	return nomadlog.NewConsole(os.Stderr, level, true)
}
