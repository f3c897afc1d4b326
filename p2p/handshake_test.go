package p2p

import (
	"net"
	"testing"
)

func TestHandshakeExchangesIdentityAndPort(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	idA, err := NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	idB, err := NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}

	type result struct {
		id   string
		port uint16
		err  error
	}
	resA := make(chan result, 1)
	resB := make(chan result, 1)

	go func() {
		id, port, err := handshake(a, idA, 4001)
		resA <- result{id, port, err}
	}()
	go func() {
		id, port, err := handshake(b, idB, 4002)
		resB <- result{id, port, err}
	}()

	ra := <-resA
	rb := <-resB

	if ra.err != nil {
		t.Fatalf("side A handshake: %v", ra.err)
	}
	if rb.err != nil {
		t.Fatalf("side B handshake: %v", rb.err)
	}
	if ra.id != idB.ID() {
		t.Fatalf("side A learned id %s, want %s", ra.id, idB.ID())
	}
	if rb.id != idA.ID() {
		t.Fatalf("side B learned id %s, want %s", rb.id, idA.ID())
	}
	if ra.port != 4002 {
		t.Fatalf("side A learned port %d, want 4002", ra.port)
	}
	if rb.port != 4001 {
		t.Fatalf("side B learned port %d, want 4001", rb.port)
	}
}

func TestHandshakeRejectsSelfDial(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	id, err := NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, _, err := handshake(a, id, 4001)
		errCh <- err
	}()

	_, _, err = handshake(b, id, 4002)
	if err != ErrSelfDial {
		t.Fatalf("side B err = %v, want ErrSelfDial", err)
	}
	if err := <-errCh; err != ErrSelfDial {
		t.Fatalf("side A err = %v, want ErrSelfDial", err)
	}
}
