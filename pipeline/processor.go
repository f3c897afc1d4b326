package pipeline

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/MiragePrivacy/Nomad/chain"
	"github.com/MiragePrivacy/Nomad/relayer"
	"github.com/MiragePrivacy/Nomad/signal"
	"github.com/MiragePrivacy/Nomad/vm"
)

// DefaultStepTimeout bounds a single attempt at a chain-interacting step
// (submitting a transaction and awaiting its receipt). Without a per-attempt
// deadline a step-local retry would share the caller's long-lived context
// and could never actually get a fresh window to succeed in.
const DefaultStepTimeout = 2 * time.Minute

// stepRetryJitter returns a short randomized delay before a step's single
// retry attempt, so workers that fail in lockstep after a shared RPC blip
// don't all retry in the same instant.
func stepRetryJitter() time.Duration {
	return time.Duration(150+rand.Intn(150)) * time.Millisecond
}

// withRetry runs step once and, if it failed with a Kind the pipeline
// considers retryable (RpcTransport, Timeout), waits a jittered backoff and
// runs step exactly one more time. Any other failure, or a second
// consecutive failure, is returned as-is.
func withRetry[T any](step func() (T, *Error)) (T, *Error) {
	result, err := step()
	if err == nil || !err.Kind.Retryable() {
		return result, err
	}
	time.Sleep(stepRetryJitter())
	return step()
}

// transferEventSig is the topic0 for ERC-20 Transfer(address,address,uint256).
var transferEventSig = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Chain is the subset of chain.Adapter's surface the pipeline needs. It is
// satisfied structurally by *chain.Adapter; tests substitute a fake.
type Chain interface {
	CodeAt(ctx context.Context, contract common.Address) ([]byte, error)
	Call(ctx context.Context, contract common.Address, data []byte) ([]byte, error)
	GetTokenBalance(ctx context.Context, token, owner common.Address) (*uint256.Int, error)
	SendCall(ctx context.Context, senderKey string, from, contract common.Address, abiCall []byte, value *uint256.Int, sign func(*types.DynamicFeeTx) (*types.Transaction, error)) (common.Hash, error)
	AwaitReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	MerklePatriciaProof(ctx context.Context, blockHash common.Hash, receiptIndex, logIndex uint64) (*signal.InclusionProof, error)
	IsPausedForFunds(senderKey string) bool
	ClearFundsPause(ctx context.Context, senderKey string, from common.Address) error
}

// Relayer is the subset of relayer.Client the pipeline needs.
type Relayer interface {
	FetchK1(ctx context.Context, keccakK2 [32]byte) ([32]byte, error)
}

// Signer binds a sender key identity to a transaction-signing callback.
// The supervisor owns the underlying private key; the pipeline only ever
// sees this narrow interface.
type Signer interface {
	Key() string
	Address() common.Address
	Sign(tx *types.DynamicFeeTx) (*types.Transaction, error)
}

// KeySet holds the two distinct sender identities a write-mode node uses:
// A bonds and claims, B executes the transfer. Keeping them separate means
// an observer watching the bond/claim identity learns nothing about which
// address actually moved the tokens.
type KeySet struct {
	A Signer
	B Signer
}

// Config parameterizes a Processor.
type Config struct {
	CycleBudget    uint64
	EscrowTemplate []byte
	StepTimeout    time.Duration // bounds one attempt of a chain-interacting step; defaults to DefaultStepTimeout
}

// Outcome is the terminal result of running one signal to completion.
type Outcome struct {
	Success      bool
	FailKind     Kind
	BondTxHash   common.Hash
	TransferHash common.Hash
	ClaimTxHash  common.Hash
	Proof        *signal.InclusionProof
}

// Processor drives a single signal through S1_Solve..S9_Done. It holds no
// per-signal state between calls to Run, and every invocation starts at
// S1_Solve. Progress an earlier run made on chain is not picked up: an
// escrow that is already bonded, including one this node bonded before a
// crash, fails escrow validation (S4) with EscrowInvalid when the signal
// is leased again.
type Processor struct {
	chain   Chain
	relayer Relayer
	keys    KeySet
	cfg     Config
}

// New creates a Processor wired to a chain adapter, a relayer client, and
// the two sender identities a write-mode node was started with.
func New(chainClient Chain, relayerClient Relayer, keys KeySet, cfg Config) *Processor {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	return &Processor{chain: chainClient, relayer: relayerClient, keys: keys, cfg: cfg}
}

// FundsPaused reports whether either sender key is currently paused after an
// insufficient-funds failure. The supervisor consults this before leasing a
// new signal, per spec.md §7's "no new leases assigned that would use it."
func (p *Processor) FundsPaused() bool {
	return p.chain.IsPausedForFunds(p.keys.A.Key()) || p.chain.IsPausedForFunds(p.keys.B.Key())
}

// ResumeFundsPause resyncs both sender keys' nonces from the chain, which
// clears their funds pause. It does not check either key's balance, so a
// paused key is resumed on the first successful call. Called by the
// supervisor's periodic lease-expiry tick once a key has been paused.
func (p *Processor) ResumeFundsPause(ctx context.Context) error {
	if err := p.chain.ClearFundsPause(ctx, p.keys.A.Key(), p.keys.A.Address()); err != nil {
		return err
	}
	return p.chain.ClearFundsPause(ctx, p.keys.B.Key(), p.keys.B.Address())
}

// Run executes the full pipeline for sig and returns the terminal outcome.
// A non-nil *Error is also returned on any failing step so callers can
// inspect Kind/State without a type switch on Outcome.FailKind alone.
func (p *Processor) Run(ctx context.Context, sig *signal.Signal) (*Outcome, error) {
	k2, err := p.solve(sig)
	if err != nil {
		return &Outcome{FailKind: err.Kind}, err
	}

	k1, err := p.fetchK1(ctx, k2)
	if err != nil {
		return &Outcome{FailKind: err.Kind}, err
	}

	plaintext, err := p.decrypt(sig, k1, k2)
	if err != nil {
		return &Outcome{FailKind: err.Kind}, err
	}

	if err := p.validateEscrow(ctx, sig, plaintext); err != nil {
		return &Outcome{FailKind: err.Kind}, err
	}

	out := &Outcome{}
	bondTx, err := p.bond(ctx, sig)
	if err != nil {
		if err.Kind == KindLostRace {
			out.Success = true // another node already bonded; nothing left for us to do
			return out, nil
		}
		out.FailKind = err.Kind
		return out, err
	}
	out.BondTxHash = bondTx

	transferTx, receipt, perr := p.transfer(ctx, sig, plaintext)
	if perr != nil {
		out.FailKind = perr.Kind
		return out, perr
	}
	out.TransferHash = transferTx

	proof, perr := p.buildProof(ctx, receipt)
	if perr != nil {
		out.FailKind = perr.Kind
		return out, perr
	}
	out.Proof = proof

	claimTx, perr := p.claim(ctx, sig, proof)
	if perr != nil {
		if perr.Kind == KindClaimReverted && proof != nil {
			// AlreadyClaimed by another race winner counts as our success.
			if bonded, berr := callIsBonded(ctx, p.chain, sig.Escrow); berr == nil && !bonded {
				out.Success = true
				return out, nil
			}
		}
		out.FailKind = perr.Kind
		return out, perr
	}
	out.ClaimTxHash = claimTx
	out.Success = true
	return out, nil
}

// solve is S1_Solve.
func (p *Processor) solve(sig *signal.Signal) ([32]byte, *Error) {
	result := vm.Execute(sig.Puzzle, p.cfg.CycleBudget)
	switch result.Status {
	case vm.Halted:
		return result.Output, nil
	case vm.Faulted:
		if result.Fault == vm.CycleExhausted {
			return [32]byte{}, fail(S1Solve, KindCycleExhausted, errors.New(result.Fault.String()))
		}
		return [32]byte{}, fail(S1Solve, KindInvalidPuzzle, errors.New(result.Fault.String()))
	default:
		return [32]byte{}, fail(S1Solve, KindInternal, errors.New("vm: unexpected status"))
	}
}

// fetchK1 is S2_FetchK1. The relayer client already performs its own
// bounded, jittered retries against transient failure, so a relayer
// NotFound, Unauthorized or Unavailable error is reported as the terminal
// RelayerUnavailable kind; any other error is reported as RpcTransport.
func (p *Processor) fetchK1(ctx context.Context, k2 [32]byte) ([32]byte, *Error) {
	keccakK2 := crypto.Keccak256Hash(k2[:])
	k1, err := p.relayer.FetchK1(ctx, keccakK2)
	if err != nil {
		if errors.Is(err, relayer.ErrNotFound) || errors.Is(err, relayer.ErrUnauthorized) || errors.Is(err, relayer.ErrUnavailable) {
			return [32]byte{}, fail(S2FetchK1, KindRelayerUnavailable, err)
		}
		return [32]byte{}, fail(S2FetchK1, KindRpcTransport, err)
	}
	return k1, nil
}

// decrypt is S3_Decrypt.
func (p *Processor) decrypt(sig *signal.Signal, k1, k2 [32]byte) ([]byte, *Error) {
	plaintext, err := decryptPayload(sig.Ciphertext, k1, k2)
	if err != nil {
		return nil, fail(S3Decrypt, KindDecryption, err)
	}
	return plaintext, nil
}

// validateEscrow is S4_ValidateEscrow.
func (p *Processor) validateEscrow(ctx context.Context, sig *signal.Signal, plaintext []byte) *Error {
	code, err := p.chain.CodeAt(ctx, sig.Escrow)
	if err != nil {
		return fail(S4ValidateEscrow, KindRpcTransport, err)
	}
	if len(p.cfg.EscrowTemplate) > 0 && !validateEscrowBytecode(p.cfg.EscrowTemplate, plaintext, code) {
		return fail(S4ValidateEscrow, KindEscrowInvalid, errors.New("escrow bytecode does not match expected template"))
	}

	bonded, err := callIsBonded(ctx, p.chain, sig.Escrow)
	if err != nil {
		return fail(S4ValidateEscrow, KindRpcTransport, err)
	}
	if bonded {
		return fail(S4ValidateEscrow, KindEscrowInvalid, errors.New("escrow already bonded"))
	}

	held, err := p.chain.GetTokenBalance(ctx, sig.Token, sig.Escrow)
	if err != nil {
		return fail(S4ValidateEscrow, KindRpcTransport, err)
	}
	required := new(uint256.Int).Add(sig.RewardAmount, sig.TransferAmount)
	if held.Lt(required) {
		return fail(S4ValidateEscrow, KindEscrowInvalid, errors.New("escrow holds less than reward+transfer"))
	}
	return nil
}

// bond is S5_Bond. RpcTransport and Timeout failures retry once, per
// spec.md §4.6's "else retry once"; LostRace and Funds are terminal on the
// first attempt and never reach the retry.
func (p *Processor) bond(ctx context.Context, sig *signal.Signal) (common.Hash, *Error) {
	return withRetry(func() (common.Hash, *Error) { return p.sendBond(ctx, sig) })
}

func (p *Processor) sendBond(ctx context.Context, sig *signal.Signal) (common.Hash, *Error) {
	data, err := packBond()
	if err != nil {
		return common.Hash{}, fail(S5Bond, KindInternal, err)
	}

	stepCtx, cancel := context.WithTimeout(ctx, p.cfg.StepTimeout)
	defer cancel()

	txHash, err := p.chain.SendCall(stepCtx, p.keys.A.Key(), p.keys.A.Address(), sig.Escrow, data, nil, p.keys.A.Sign)
	if err != nil {
		if errors.Is(err, chain.ErrInsufficientFunds) {
			return common.Hash{}, fail(S5Bond, KindFunds, err)
		}
		return common.Hash{}, fail(S5Bond, KindRpcTransport, err)
	}

	receipt, err := p.chain.AwaitReceipt(stepCtx, txHash)
	if err != nil {
		if errors.Is(err, chain.ErrTimeout) {
			return common.Hash{}, fail(S5Bond, KindTimeout, err)
		}
		return common.Hash{}, fail(S5Bond, KindRpcTransport, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		if bonded, berr := callIsBonded(ctx, p.chain, sig.Escrow); berr == nil && bonded {
			return common.Hash{}, fail(S5Bond, KindLostRace, errors.New("escrow already bonded by another sender"))
		}
		return common.Hash{}, fail(S5Bond, KindFunds, errors.New("bond transaction reverted"))
	}
	return txHash, nil
}

// transfer is S6_Transfer. A transport failure submitting the call retries
// the whole send (nothing landed yet, so resending is safe). A timeout
// awaiting the receipt instead rechecks once with a fresh window rather than
// resubmitting: a second transfer call would move the tokens twice if the
// first is still pending on-chain — spec.md §4.6's "on timeout, resync and
// recheck."
func (p *Processor) transfer(ctx context.Context, sig *signal.Signal, plaintext []byte) (common.Hash, *types.Receipt, *Error) {
	txHash, err := withRetry(func() (common.Hash, *Error) { return p.sendTransfer(ctx, sig, plaintext) })
	if err != nil {
		return common.Hash{}, nil, err
	}

	receipt, err := p.awaitTransferReceipt(ctx, txHash)
	if err != nil {
		return common.Hash{}, nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return common.Hash{}, nil, fail(S6Transfer, KindTransferReverted, errors.New("transfer transaction reverted"))
	}
	return txHash, receipt, nil
}

func (p *Processor) sendTransfer(ctx context.Context, sig *signal.Signal, plaintext []byte) (common.Hash, *Error) {
	stepCtx, cancel := context.WithTimeout(ctx, p.cfg.StepTimeout)
	defer cancel()
	txHash, err := p.chain.SendCall(stepCtx, p.keys.B.Key(), p.keys.B.Address(), sig.Token, plaintext, nil, p.keys.B.Sign)
	if err != nil {
		return common.Hash{}, fail(S6Transfer, KindRpcTransport, err)
	}
	return txHash, nil
}

// awaitTransferReceipt polls for txHash's receipt. On a timeout it retries
// the wait alone, never the send.
func (p *Processor) awaitTransferReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, *Error) {
	return withRetry(func() (*types.Receipt, *Error) {
		stepCtx, cancel := context.WithTimeout(ctx, p.cfg.StepTimeout)
		defer cancel()
		receipt, err := p.chain.AwaitReceipt(stepCtx, txHash)
		if err != nil {
			if errors.Is(err, chain.ErrTimeout) {
				return nil, fail(S6Transfer, KindTimeout, err)
			}
			return nil, fail(S6Transfer, KindRpcTransport, err)
		}
		return receipt, nil
	})
}

// buildProof is S7_BuildProof. spec.md §4.6 calls for "retry once with a
// re-fetch" unconditionally here, unlike the RpcTransport/Timeout-gated
// retry used elsewhere: a proof built from a receipt set fetched before the
// node's view of the block fully settled can fail for reasons this pipeline
// has no finer-grained Kind for, so the single retry simply re-fetches.
func (p *Processor) buildProof(ctx context.Context, receipt *types.Receipt) (*signal.InclusionProof, *Error) {
	proof, err := p.fetchProof(ctx, receipt)
	if err == nil {
		return proof, nil
	}
	time.Sleep(stepRetryJitter())
	return p.fetchProof(ctx, receipt)
}

func (p *Processor) fetchProof(ctx context.Context, receipt *types.Receipt) (*signal.InclusionProof, *Error) {
	logIndex, ferr := findTransferLog(receipt)
	if ferr != nil {
		return nil, fail(S7BuildProof, KindProofConstruction, ferr)
	}

	proof, err := p.chain.MerklePatriciaProof(ctx, receipt.BlockHash, uint64(receipt.TransactionIndex), logIndex)
	if err != nil {
		return nil, fail(S7BuildProof, KindProofConstruction, err)
	}
	return proof, nil
}

func findTransferLog(receipt *types.Receipt) (uint64, error) {
	for i, l := range receipt.Logs {
		if len(l.Topics) > 0 && l.Topics[0] == transferEventSig {
			return uint64(i), nil
		}
	}
	return 0, errors.New("no Transfer log found in receipt")
}

// claim is S8_Claim. RpcTransport and Timeout retry once, per spec.md
// §4.6's "else retry once"; a revert caused by a retry racing its own
// earlier, now-confirmed claim is indistinguishable from AlreadyClaimed and
// is handled the same way by Run's post-claim bonded check.
func (p *Processor) claim(ctx context.Context, sig *signal.Signal, proof *signal.InclusionProof) (common.Hash, *Error) {
	return withRetry(func() (common.Hash, *Error) { return p.sendClaim(ctx, sig, proof) })
}

func (p *Processor) sendClaim(ctx context.Context, sig *signal.Signal, proof *signal.InclusionProof) (common.Hash, *Error) {
	data, err := packClaim(proof.ProofNodes, proof.ReceiptIndex, proof.LogIndex)
	if err != nil {
		return common.Hash{}, fail(S8Claim, KindInternal, err)
	}

	stepCtx, cancel := context.WithTimeout(ctx, p.cfg.StepTimeout)
	defer cancel()

	txHash, err := p.chain.SendCall(stepCtx, p.keys.A.Key(), p.keys.A.Address(), sig.Escrow, data, nil, p.keys.A.Sign)
	if err != nil {
		return common.Hash{}, fail(S8Claim, KindRpcTransport, err)
	}

	receipt, err := p.chain.AwaitReceipt(stepCtx, txHash)
	if err != nil {
		if errors.Is(err, chain.ErrTimeout) {
			return common.Hash{}, fail(S8Claim, KindTimeout, err)
		}
		return common.Hash{}, fail(S8Claim, KindRpcTransport, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return common.Hash{}, fail(S8Claim, KindClaimReverted, errors.New("claim transaction reverted"))
	}
	return txHash, nil
}
