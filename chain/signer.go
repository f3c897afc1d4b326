package chain

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// KeySigner binds a raw ECDSA private key to the pipeline.Signer interface:
// it reports the key's address and signs DynamicFeeTx transactions for a
// given chain.
type KeySigner struct {
	key    *ecdsa.PrivateKey
	addr   common.Address
	signer types.Signer
}

// NewKeySigner parses a hex-encoded secp256k1 private key (with or without
// a leading "0x") and binds it to chainID for EIP-1559 signing.
func NewKeySigner(hexKey string, chainID *big.Int) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &KeySigner{
		key:    key,
		addr:   crypto.PubkeyToAddress(key.PublicKey),
		signer: types.NewLondonSigner(chainID),
	}, nil
}

// Key returns the signer's address as a hex string, used as the pipeline's
// sender-key identity for per-key nonce ordering.
func (s *KeySigner) Key() string { return s.addr.Hex() }

// Address returns the signer's on-chain address.
func (s *KeySigner) Address() common.Address { return s.addr }

// Sign produces a signed transaction from tx using the bound key.
func (s *KeySigner) Sign(tx *types.DynamicFeeTx) (*types.Transaction, error) {
	return types.SignNewTx(s.key, s.signer, tx)
}
