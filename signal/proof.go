package signal

import "github.com/ethereum/go-ethereum/common"

// InclusionProof is a Merkle-Patricia proof that a specific log, identified
// by its position within a specific transaction receipt, is committed
// under a block's receiptsRoot.
type InclusionProof struct {
	ReceiptsRoot common.Hash
	ReceiptIndex uint64   // RLP index of the receipt within the block
	LogIndex     uint64   // position of the log within that receipt
	ProofNodes   [][]byte // trie nodes along the path to ReceiptIndex, root first
}

// TransferOutcome bundles the on-chain results a pipeline run accumulates.
// Nothing in this module constructs or reads it; the pipeline reports its
// results through pipeline.Outcome.
type TransferOutcome struct {
	BondTxHash     common.Hash
	TransferTxHash common.Hash
	ClaimTxHash    common.Hash
	Proof          *InclusionProof
}
