package pipeline

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// escrowABI is the subset of the escrow contract this node consumes:
// bond(), claim(bytes,uint256,uint256), isBonded() view, minBond() view,
// reward() view.
var escrowABI = mustParseEscrowABI(`[
	{"inputs":[],"name":"bond","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"proof","type":"bytes"},{"name":"receiptIndex","type":"uint256"},{"name":"logIndex","type":"uint256"}],"name":"claim","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[],"name":"isBonded","outputs":[{"name":"","type":"bool"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"minBond","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"reward","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`)

func mustParseEscrowABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

func packBond() ([]byte, error) {
	return escrowABI.Pack("bond")
}

func packClaim(proofNodes [][]byte, receiptIndex, logIndex uint64) ([]byte, error) {
	encodedProof := new(bytes.Buffer)
	for _, n := range proofNodes {
		encodedProof.Write(n)
	}
	return escrowABI.Pack("claim", encodedProof.Bytes(), new(big.Int).SetUint64(receiptIndex), new(big.Int).SetUint64(logIndex))
}

func callIsBonded(ctx context.Context, chain Chain, escrow common.Address) (bool, error) {
	data, err := escrowABI.Pack("isBonded")
	if err != nil {
		return false, err
	}
	out, err := chain.Call(ctx, escrow, data)
	if err != nil {
		return false, err
	}
	results, err := escrowABI.Unpack("isBonded", out)
	if err != nil || len(results) != 1 {
		return false, errors.New("pipeline: malformed isBonded response")
	}
	bonded, ok := results[0].(bool)
	if !ok {
		return false, errors.New("pipeline: malformed isBonded response")
	}
	return bonded, nil
}

func callMinBond(ctx context.Context, chain Chain, escrow common.Address) (*big.Int, error) {
	return callUint256View(ctx, chain, escrow, "minBond")
}

func callReward(ctx context.Context, chain Chain, escrow common.Address) (*big.Int, error) {
	return callUint256View(ctx, chain, escrow, "reward")
}

func callUint256View(ctx context.Context, chain Chain, escrow common.Address, method string) (*big.Int, error) {
	data, err := escrowABI.Pack(method)
	if err != nil {
		return nil, err
	}
	out, err := chain.Call(ctx, escrow, data)
	if err != nil {
		return nil, err
	}
	results, err := escrowABI.Unpack(method, out)
	if err != nil || len(results) != 1 {
		return nil, errors.New("pipeline: malformed " + method + " response")
	}
	val, ok := results[0].(*big.Int)
	if !ok {
		return nil, errors.New("pipeline: malformed " + method + " response")
	}
	return val, nil
}

// escrowPlaceholder marks the 32-byte slot in an escrow bytecode template
// that gets replaced with keccak256(plaintext) to derive the expected
// deployed bytecode for a given decrypted transfer call.
var escrowPlaceholder = bytes.Repeat([]byte{0xEE}, 32)

// expectedEscrowCode reconstructs the bytecode a correctly-obfuscated
// escrow for this signal must have deployed, given the decrypted plaintext
// call-data. A node that already holds the chain's deployed code for this
// escrow (actual) can byte-compare against this to confirm the escrow
// wasn't tampered with or misparameterized.
func expectedEscrowCode(template, plaintext []byte) []byte {
	digest := crypto.Keccak256(plaintext)
	return bytes.Replace(template, escrowPlaceholder, digest, 1)
}

// validateEscrowBytecode reports whether actual matches the template once
// parameterized by plaintext.
func validateEscrowBytecode(template, plaintext, actual []byte) bool {
	return bytes.Equal(expectedEscrowCode(template, plaintext), actual)
}
