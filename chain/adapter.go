// Package chain is the typed wrapper over an EVM-compatible RPC node: the
// only component that speaks to the outside chain. All other components
// reach it through this package rather than touching ethclient directly.
package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"

	"github.com/MiragePrivacy/Nomad/signal"
	"github.com/MiragePrivacy/Nomad/trie"
)

// BackoffConfig controls AwaitReceipt's polling interval.
type BackoffConfig struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
}

// DefaultBackoff polls quickly at first and backs off to once every few
// seconds for long-pending transactions.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{Initial: 200 * time.Millisecond, Max: 5 * time.Second, Factor: 1.6}
}

var erc20ABI = mustParseABI(`[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`)

var mintableABI = mustParseABI(`[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"mint","outputs":[],"type":"function"}
]`)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// rlpUint encodes i the same way the trie test fixtures key receipt
// indices, so MerklePatriciaProof and signal/proof.go agree on the key
// schema for a receipts trie.
func rlpUint(i uint64) ([]byte, error) {
	return rlp.EncodeToBytes(i)
}

// Adapter is the chain-facing wrapper used by every other component. It
// owns a single JSON-RPC connection and serializes nonce assignment per
// sender key so that concurrent pipeline workers never collide.
type Adapter struct {
	eth     *ethclient.Client
	rawRPC  *rpc.Client
	chainID *big.Int
	backoff BackoffConfig
	nonces  *nonceTracker

	sentMu sync.Mutex
	sent   map[common.Hash]sentTx
}

// sentTx records which sender key and nonce produced a submitted
// transaction hash, so AwaitReceipt can retire it from the nonce tracker's
// outstanding FIFO once a receipt confirms it landed.
type sentTx struct {
	key   string
	nonce uint64
}

// Dial connects to an EVM JSON-RPC endpoint and returns a ready Adapter.
func Dial(ctx context.Context, endpoint string, chainID *big.Int) (*Adapter, error) {
	rawRPC, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, errors.Join(ErrTransportFailure, err)
	}
	return &Adapter{
		eth:     ethclient.NewClient(rawRPC),
		rawRPC:  rawRPC,
		chainID: chainID,
		backoff: DefaultBackoff(),
		nonces:  newNonceTracker(),
		sent:    make(map[common.Hash]sentTx),
	}, nil
}

// Close releases the underlying RPC connection.
func (a *Adapter) Close() {
	a.rawRPC.Close()
}

// ChainID returns the chain ID this adapter was configured for.
func (a *Adapter) ChainID() *big.Int {
	return a.chainID
}

// GetETHBalance returns the native balance of addr in wei.
func (a *Adapter) GetETHBalance(ctx context.Context, addr common.Address) (*uint256.Int, error) {
	bal, err := a.eth.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, errors.Join(ErrTransportFailure, err)
	}
	u, overflow := uint256.FromBig(bal)
	if overflow {
		return nil, errors.New("chain: balance overflows 256 bits")
	}
	return u, nil
}

// GetTokenBalance returns owner's ERC-20 balance of token via a static call.
func (a *Adapter) GetTokenBalance(ctx context.Context, token, owner common.Address) (*uint256.Int, error) {
	data, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, err
	}
	out, err := a.Call(ctx, token, data)
	if err != nil {
		return nil, err
	}
	results, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil || len(results) != 1 {
		return nil, errors.New("chain: malformed balanceOf response")
	}
	bal, ok := results[0].(*big.Int)
	if !ok {
		return nil, errors.New("chain: malformed balanceOf response")
	}
	u, overflow := uint256.FromBig(bal)
	if overflow {
		return nil, errors.New("chain: token balance overflows 256 bits")
	}
	return u, nil
}

// CodeAt returns the deployed bytecode at contract, used for escrow
// bytecode-template validation before bonding.
func (a *Adapter) CodeAt(ctx context.Context, contract common.Address) ([]byte, error) {
	code, err := a.eth.CodeAt(ctx, contract, nil)
	if err != nil {
		return nil, errors.Join(ErrTransportFailure, err)
	}
	return code, nil
}

// Call performs a static eth_call against contract.
func (a *Adapter) Call(ctx context.Context, contract common.Address, data []byte) ([]byte, error) {
	out, err := a.eth.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, errors.Join(ErrTransportFailure, err)
	}
	return out, nil
}

// SignFunc builds and signs a transaction for the given nonce.
type SignFunc func(nonce uint64) (*types.Transaction, error)

// SendRaw assigns the next nonce for senderKey, invokes sign to produce a
// signed transaction, and submits it. On "nonce too low" it resyncs the
// tracker from the chain and returns ErrNonceTooLow so the caller can
// retry; on "insufficient funds" it pauses senderKey and returns
// ErrInsufficientFunds, a terminal error for the step.
//
// The whole Next->sign->submit->Track sequence runs under senderKey's lock:
// signing (SendCall's signer fetches the gas tip and latest header) and
// submission (eth.SendTransaction) are RPC round trips, so without holding
// the lock across them two concurrent callers for the same key could both
// read the same Next nonce before either Tracked theirs.
func (a *Adapter) SendRaw(ctx context.Context, senderKey string, from common.Address, sign SignFunc) (common.Hash, error) {
	unlock := a.nonces.Lock(senderKey)
	defer unlock()

	nonce := a.nonces.Next(senderKey)
	tx, err := sign(nonce)
	if err != nil {
		return common.Hash{}, err
	}

	err = a.eth.SendTransaction(ctx, tx)
	if err == nil {
		a.nonces.Track(senderKey, nonce)
		a.sentMu.Lock()
		a.sent[tx.Hash()] = sentTx{key: senderKey, nonce: nonce}
		a.sentMu.Unlock()
		return tx.Hash(), nil
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "nonce too low"):
		chainNonce, rerr := a.eth.PendingNonceAt(ctx, from)
		if rerr != nil {
			return common.Hash{}, errors.Join(ErrTransportFailure, rerr)
		}
		a.nonces.Resync(senderKey, chainNonce)
		return common.Hash{}, ErrNonceTooLow
	case strings.Contains(msg, "insufficient funds"):
		a.nonces.Pause(senderKey)
		return common.Hash{}, ErrInsufficientFunds
	default:
		return common.Hash{}, errors.Join(ErrTransportFailure, err)
	}
}

// SendCall is a state-changing equivalent of Call: it submits a transaction
// carrying abiCall as calldata against contract.
func (a *Adapter) SendCall(ctx context.Context, senderKey string, from, contract common.Address, abiCall []byte, value *uint256.Int, sign func(tx *types.DynamicFeeTx) (*types.Transaction, error)) (common.Hash, error) {
	return a.SendRaw(ctx, senderKey, from, func(nonce uint64) (*types.Transaction, error) {
		gasTip, err := a.eth.SuggestGasTipCap(ctx)
		if err != nil {
			return nil, errors.Join(ErrTransportFailure, err)
		}
		head, err := a.eth.HeaderByNumber(ctx, nil)
		if err != nil {
			return nil, errors.Join(ErrTransportFailure, err)
		}
		gasFeeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), gasTip)
		valueWei := big.NewInt(0)
		if value != nil {
			valueWei = value.ToBig()
		}
		return sign(&types.DynamicFeeTx{
			ChainID:   a.chainID,
			Nonce:     nonce,
			GasTipCap: gasTip,
			GasFeeCap: gasFeeCap,
			Gas:       500_000,
			To:        &contract,
			Value:     valueWei,
			Data:      abiCall,
		})
	})
}

// Mint calls the token contract's mint(to, amount) from senderKey. Used by
// the faucet subcommand to fund sender keys on test networks; the core
// pipeline never mints.
func (a *Adapter) Mint(ctx context.Context, senderKey string, from, token, to common.Address, amount *uint256.Int, sign func(*types.DynamicFeeTx) (*types.Transaction, error)) (common.Hash, error) {
	data, err := mintableABI.Pack("mint", to, amount.ToBig())
	if err != nil {
		return common.Hash{}, err
	}
	return a.SendCall(ctx, senderKey, from, token, data, nil, sign)
}

// IsPausedForFunds reports whether senderKey is paused pending a balance
// recheck after ErrInsufficientFunds.
func (a *Adapter) IsPausedForFunds(senderKey string) bool {
	return a.nonces.IsPaused(senderKey)
}

// ClearFundsPause resyncs senderKey's nonce from the pending nonce of from,
// which also clears senderKey's funds pause. The balance of from is not
// checked: every successful call lifts the pause.
func (a *Adapter) ClearFundsPause(ctx context.Context, senderKey string, from common.Address) error {
	chainNonce, err := a.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return errors.Join(ErrTransportFailure, err)
	}
	a.nonces.Resync(senderKey, chainNonce)
	return nil
}

// confirmSent retires txHash's nonce from its sender key's outstanding FIFO
// once a receipt for it has been observed, so pending doesn't grow
// unboundedly across a long-running node.
func (a *Adapter) confirmSent(txHash common.Hash) {
	a.sentMu.Lock()
	st, ok := a.sent[txHash]
	if ok {
		delete(a.sent, txHash)
	}
	a.sentMu.Unlock()
	if ok {
		a.nonces.Confirm(st.key, st.nonce)
	}
}

// AwaitReceipt polls for txHash's receipt with exponential backoff until it
// appears or the deadline implied by ctx elapses, in which case it returns
// ErrTimeout.
func (a *Adapter) AwaitReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	wait := a.backoff.Initial
	for {
		receipt, err := a.eth.TransactionReceipt(ctx, txHash)
		if err == nil {
			a.confirmSent(txHash)
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, errors.Join(ErrTransportFailure, err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ErrTimeout
		case <-timer.C:
		}

		wait = time.Duration(float64(wait) * a.backoff.Factor)
		if wait > a.backoff.Max {
			wait = a.backoff.Max
		}
	}
}

// FetchReceipts returns every receipt in the block identified by blockHash,
// in transaction-index order.
func (a *Adapter) FetchReceipts(ctx context.Context, blockHash common.Hash) ([]*types.Receipt, error) {
	block, err := a.eth.BlockByHash(ctx, blockHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrBlockNotFound
		}
		return nil, errors.Join(ErrTransportFailure, err)
	}

	receipts := make([]*types.Receipt, len(block.Transactions()))
	for i, tx := range block.Transactions() {
		r, err := a.eth.TransactionReceipt(ctx, tx.Hash())
		if err != nil {
			return nil, errors.Join(ErrTransportFailure, err)
		}
		receipts[i] = r
	}
	return receipts, nil
}

// FetchBlockHeader returns the header for blockHash.
func (a *Adapter) FetchBlockHeader(ctx context.Context, blockHash common.Hash) (*types.Header, error) {
	header, err := a.eth.HeaderByHash(ctx, blockHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrBlockNotFound
		}
		return nil, errors.Join(ErrTransportFailure, err)
	}
	return header, nil
}

// MerklePatriciaProof fetches every receipt in blockHash, rebuilds the
// block's receipts trie locally, and returns an inclusion proof for the log
// at logIndex within the receipt at receiptIndex. The returned proof's
// ReceiptsRoot must equal the block header's ReceiptHash; callers that need
// that invariant should compare against FetchBlockHeader separately.
func (a *Adapter) MerklePatriciaProof(ctx context.Context, blockHash common.Hash, receiptIndex, logIndex uint64) (*signal.InclusionProof, error) {
	receipts, err := a.FetchReceipts(ctx, blockHash)
	if err != nil {
		return nil, err
	}
	if receiptIndex >= uint64(len(receipts)) {
		return nil, errors.New("chain: receipt index out of range")
	}
	if logIndex >= uint64(len(receipts[receiptIndex].Logs)) {
		return nil, errors.New("chain: log index out of range")
	}

	tr := trie.New()
	for i, r := range receipts {
		enc, err := r.MarshalBinary()
		if err != nil {
			return nil, err
		}
		key, err := rlpUint(uint64(i))
		if err != nil {
			return nil, err
		}
		if err := tr.Put(key, enc); err != nil {
			return nil, err
		}
	}

	root := tr.Hash()
	key, err := rlpUint(receiptIndex)
	if err != nil {
		return nil, err
	}
	proofNodes, err := tr.Prove(key)
	if err != nil {
		return nil, err
	}

	return &signal.InclusionProof{
		ReceiptsRoot: root,
		ReceiptIndex: receiptIndex,
		LogIndex:     logIndex,
		ProofNodes:   proofNodes,
	}, nil
}
