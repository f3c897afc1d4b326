package relayer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestFetchK1Success(t *testing.T) {
	var want [32]byte
	for i := range want {
		want[i] = byte(i)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(want[:])
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	got, err := c.FetchK1(context.Background(), [32]byte{})
	if err != nil {
		t.Fatalf("FetchK1: %v", err)
	}
	if got != want {
		t.Fatalf("FetchK1 = %x, want %x", got, want)
	}
}

func TestFetchK1NotFoundNoRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	_, err := c.FetchK1(context.Background(), [32]byte{})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("FetchK1 err = %v, want ErrNotFound", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("NotFound should not be retried, got %d calls", calls)
	}
}

func TestFetchK1UnauthorizedNoRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	_, err := c.FetchK1(context.Background(), [32]byte{})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("FetchK1 err = %v, want ErrUnauthorized", err)
	}
}

func TestFetchK1RetriesOnUnavailableThenSucceeds(t *testing.T) {
	var calls int32
	var want [32]byte
	want[0] = 0xaa

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write(want[:])
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	got, err := c.FetchK1(context.Background(), [32]byte{})
	if err != nil {
		t.Fatalf("FetchK1: %v", err)
	}
	if got != want {
		t.Fatalf("FetchK1 = %x, want %x", got, want)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", calls)
	}
}

func TestFetchK1ExhaustsRetriesOnPersistentUnavailable(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	_, err := c.FetchK1(context.Background(), [32]byte{})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("FetchK1 err = %v, want ErrUnavailable", err)
	}
	if atomic.LoadInt32(&calls) != maxAttempts {
		t.Fatalf("calls = %d, want %d", calls, maxAttempts)
	}
}
