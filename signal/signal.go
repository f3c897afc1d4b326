// Package signal defines the gossip unit of the Mirage network and its
// canonical wire encoding: a Signal describing a hidden on-chain transfer,
// content-addressed by a keccak256 hash over its immutable fields.
package signal

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// MaxPuzzleSize bounds the puzzle program carried by a signal (64 KiB).
const MaxPuzzleSize = 64 * 1024

var (
	ErrZeroTransferAmount = errors.New("signal: transfer_amount must be > 0")
	ErrZeroRewardAmount   = errors.New("signal: reward_amount must be > 0")
	ErrPuzzleTooLarge     = errors.New("signal: puzzle exceeds max size")
	ErrEmptyCiphertext    = errors.New("signal: ciphertext must not be empty")
)

// Signal is the immutable, gossiped description of one encrypted transfer
// job. Field order below is also the canonical RLP field order used for
// both the content hash and the wire encoding.
type Signal struct {
	Escrow             common.Address
	Token              common.Address
	Recipient          common.Address
	TransferAmount     *uint256.Int
	RewardAmount       *uint256.Int
	AcknowledgementURL string
	Puzzle             []byte
	Ciphertext         []byte
}

// rlpSignal is the on-the-wire shape; go-ethereum/rlp does not natively
// encode *uint256.Int, so amounts are carried as big-endian byte strings.
type rlpSignal struct {
	Escrow             common.Address
	Token              common.Address
	Recipient          common.Address
	TransferAmount     []byte
	RewardAmount       []byte
	AcknowledgementURL string
	Puzzle             []byte
	Ciphertext         []byte
}

func (s *Signal) toWire() rlpSignal {
	return rlpSignal{
		Escrow:             s.Escrow,
		Token:              s.Token,
		Recipient:          s.Recipient,
		TransferAmount:     s.TransferAmount.Bytes(),
		RewardAmount:       s.RewardAmount.Bytes(),
		AcknowledgementURL: s.AcknowledgementURL,
		Puzzle:             s.Puzzle,
		Ciphertext:         s.Ciphertext,
	}
}

func (w rlpSignal) toSignal() *Signal {
	return &Signal{
		Escrow:             w.Escrow,
		Token:              w.Token,
		Recipient:          w.Recipient,
		TransferAmount:     new(uint256.Int).SetBytes(w.TransferAmount),
		RewardAmount:       new(uint256.Int).SetBytes(w.RewardAmount),
		AcknowledgementURL: w.AcknowledgementURL,
		Puzzle:             w.Puzzle,
		Ciphertext:         w.Ciphertext,
	}
}

// Validate checks the invariants from the data model: both amounts are
// positive and the puzzle respects the size cap.
func (s *Signal) Validate() error {
	if s.TransferAmount == nil || s.TransferAmount.IsZero() {
		return ErrZeroTransferAmount
	}
	if s.RewardAmount == nil || s.RewardAmount.IsZero() {
		return ErrZeroRewardAmount
	}
	if len(s.Puzzle) > MaxPuzzleSize {
		return ErrPuzzleTooLarge
	}
	if len(s.Ciphertext) == 0 {
		return ErrEmptyCiphertext
	}
	return nil
}

// Encode returns the canonical RLP encoding of the signal's immutable
// fields, used both for the content hash and the gossip wire format.
func (s *Signal) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(s.toWire())
}

// Decode parses the canonical RLP encoding produced by Encode.
func Decode(data []byte) (*Signal, error) {
	var w rlpSignal
	if err := rlp.DecodeBytes(data, &w); err != nil {
		return nil, err
	}
	return w.toSignal(), nil
}

// ID returns the 32-byte content hash keccak256(rlp(signal)), used as the
// pool key and gossip dedup key.
func (s *Signal) ID() (common.Hash, error) {
	enc, err := s.Encode()
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(enc), nil
}
