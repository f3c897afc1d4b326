package p2p

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
)

// handshakeTimeout bounds how long a session waits for the peer's hello
// before giving up.
const handshakeTimeout = 5 * time.Second

// ErrSelfDial is returned when a handshake completes against our own
// identity, which happens when a seed list loops back to the local node.
var ErrSelfDial = errors.New("p2p: dialed self")

// Identity is this node's self-generated libp2p-style peer identity. There
// is no certificate authority and no signal-level signing: the identity
// only authenticates the gossip session itself.
type Identity struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// NewIdentity generates a fresh Ed25519 identity.
func NewIdentity() (Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, err
	}
	return Identity{pub: pub, priv: priv}, nil
}

// ID is the hex-encoded public key used as the peer's gossip identity.
func (id Identity) ID() string { return hex.EncodeToString(id.pub) }

// hello is the only message exchanged before a session is treated as an
// established gossip peer: an identity and a reachable listen port.
type hello struct {
	PublicKey  []byte
	ListenPort uint16
}

// handshake exchanges hello messages over conn and returns the remote
// peer's id and advertised listen port. Both sides write before reading to
// avoid a head-of-line deadlock.
func handshake(conn net.Conn, self Identity, listenPort uint16) (remoteID string, remoteListenPort uint16, err error) {
	if err := conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return "", 0, err
	}
	defer conn.SetDeadline(time.Time{})

	ours := hello{PublicKey: self.pub, ListenPort: listenPort}
	enc, err := rlp.EncodeToBytes(&ours)
	if err != nil {
		return "", 0, err
	}
	if _, err := conn.Write(frameMessage(enc)); err != nil {
		return "", 0, err
	}

	raw, err := readFrame(conn)
	if err != nil {
		return "", 0, err
	}
	var theirs hello
	if err := rlp.DecodeBytes(raw, &theirs); err != nil {
		return "", 0, err
	}
	if len(theirs.PublicKey) != ed25519.PublicKeySize {
		return "", 0, fmt.Errorf("p2p: malformed peer public key (%d bytes)", len(theirs.PublicKey))
	}

	id := hex.EncodeToString(theirs.PublicKey)
	if id == self.ID() {
		return "", 0, ErrSelfDial
	}
	return id, theirs.ListenPort, nil
}
