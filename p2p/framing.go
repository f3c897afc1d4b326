package p2p

import (
	"encoding/binary"
	"errors"
	"io"
)

// maxFrameSize bounds a single gossip frame to guard against a misbehaving
// or malicious peer claiming an unbounded length prefix.
const maxFrameSize = 1 << 20 // 1 MiB

// ErrFrameTooLarge is returned by readFrame when a peer's declared frame
// length exceeds maxFrameSize.
var ErrFrameTooLarge = errors.New("p2p: frame exceeds maximum size")

// frameMessage prefixes payload with its big-endian uint32 length, the wire
// format every gossip and handshake message uses on the TCP session.
func frameMessage(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[4:], payload)
	return out
}

// readFrame blocks until a full length-prefixed message has arrived on r.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
