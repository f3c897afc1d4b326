package chain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const testPrivKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestNewKeySignerParsesKeyAndDerivesAddress(t *testing.T) {
	s, err := NewKeySigner(testPrivKey, big.NewInt(1))
	if err != nil {
		t.Fatalf("NewKeySigner: %v", err)
	}
	if s.Address() == (common.Address{}) {
		t.Fatal("expected a non-empty derived address")
	}
	if s.Key() != s.Address().Hex() {
		t.Errorf("Key() = %q, want Address().Hex() = %q", s.Key(), s.Address().Hex())
	}
}

func TestNewKeySignerRejectsInvalidHex(t *testing.T) {
	if _, err := NewKeySigner("not-hex", big.NewInt(1)); err == nil {
		t.Fatal("expected error for invalid hex key")
	}
}

func TestKeySignerSignsTransaction(t *testing.T) {
	s, err := NewKeySigner(testPrivKey, big.NewInt(1))
	if err != nil {
		t.Fatalf("NewKeySigner: %v", err)
	}

	tx := &types.DynamicFeeTx{
		ChainID:   big.NewInt(1),
		Nonce:     0,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Gas:       21000,
		To:        &s.addr,
		Value:     big.NewInt(0),
	}
	signed, err := s.Sign(tx)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	from, err := types.Sender(types.NewLondonSigner(big.NewInt(1)), signed)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if from != s.Address() {
		t.Errorf("recovered sender = %s, want %s", from.Hex(), s.Address().Hex())
	}
}
