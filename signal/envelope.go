package signal

import (
	"github.com/ethereum/go-ethereum/rlp"
)

// DefaultMaxHopCount bounds gossip propagation (spec §4.5 default).
const DefaultMaxHopCount = 16

// GossipEnvelope wraps a Signal for the wire: the RLP-encoded signal bytes
// (not the struct itself, so a node can compute the id without first
// decoding the signal), the originating peer id, and a hop counter.
type GossipEnvelope struct {
	SignalRLP []byte
	OriginID  string
	HopCount  uint8
}

// NewGossipEnvelope encodes sig and wraps it with hop count zero.
func NewGossipEnvelope(sig *Signal, originID string) (*GossipEnvelope, error) {
	enc, err := sig.Encode()
	if err != nil {
		return nil, err
	}
	return &GossipEnvelope{SignalRLP: enc, OriginID: originID, HopCount: 0}, nil
}

// Forwardable reports whether the envelope may still be propagated: its hop
// count has not reached maxHops.
func (e *GossipEnvelope) Forwardable(maxHops uint8) bool {
	return e.HopCount < maxHops
}

// NextHop returns a copy of the envelope with HopCount incremented, ready
// to forward to the next peer.
func (e *GossipEnvelope) NextHop() *GossipEnvelope {
	next := *e
	next.HopCount = e.HopCount + 1
	return &next
}

// Signal decodes the wrapped signal.
func (e *GossipEnvelope) Signal() (*Signal, error) {
	return Decode(e.SignalRLP)
}

// EncodeEnvelope returns the length-prefixing-ready RLP encoding of the
// envelope for the wire.
func EncodeEnvelope(e *GossipEnvelope) ([]byte, error) {
	return rlp.EncodeToBytes(e)
}

// DecodeEnvelope parses an envelope from its RLP encoding.
func DecodeEnvelope(data []byte) (*GossipEnvelope, error) {
	var e GossipEnvelope
	if err := rlp.DecodeBytes(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
