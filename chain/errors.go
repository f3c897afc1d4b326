package chain

import "errors"

// Sentinel errors returned by the chain adapter. The pipeline maps these
// onto its own nomaderr taxonomy (RpcTransport, Timeout, Funds, ...); the
// adapter itself stays agnostic of pipeline step semantics.
var (
	// ErrTimeout is returned by AwaitReceipt when the deadline elapses
	// before a receipt is observed.
	ErrTimeout = errors.New("chain: await receipt timed out")

	// ErrNonceTooLow is returned when a submission is rejected because the
	// tracked nonce has fallen behind the chain's view of the sender.
	ErrNonceTooLow = errors.New("chain: nonce too low")

	// ErrInsufficientFunds is a terminal error for a submission step.
	ErrInsufficientFunds = errors.New("chain: insufficient funds")

	// ErrTransportFailure wraps any RPC-level failure (dial, call, decode)
	// that is not itself informative about the underlying chain state.
	ErrTransportFailure = errors.New("chain: rpc transport failure")

	// ErrBlockNotFound is returned when a requested block or its receipts
	// cannot be located by the backing node.
	ErrBlockNotFound = errors.New("chain: block not found")
)
