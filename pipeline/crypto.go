package pipeline

import (
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// kdfInfo is the fixed HKDF info string binding derived keys to this
// protocol, so the same (k1, k2) pair used elsewhere can never be
// reinterpreted as a Nomad decryption key.
var kdfInfo = []byte("mirage-nomad-v1")

// deriveKey combines the relayer's half (k1) and the puzzle's half (k2)
// into a single 32-byte ChaCha20-Poly1305 key via HKDF-SHA256.
func deriveKey(k1, k2 [32]byte) ([32]byte, error) {
	var key [32]byte
	ikm := make([]byte, 0, 64)
	ikm = append(ikm, k1[:]...)
	ikm = append(ikm, k2[:]...)

	reader := hkdf.New(sha256.New, ikm, nil, kdfInfo)
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		return key, err
	}
	return key, nil
}

// decryptPayload AEAD-opens ciphertext using the key derived from k1 and
// k2. The wire format is nonce (chacha20poly1305.NonceSize bytes) followed
// by the sealed box, matching how the puzzle author encrypted it.
func decryptPayload(ciphertext []byte, k1, k2 [32]byte) ([]byte, error) {
	key, err := deriveKey(k1, k2)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, errors.New("pipeline: ciphertext shorter than nonce")
	}
	nonce, box := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	return aead.Open(nil, nonce, box, nil)
}
