package chain

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// rpcRequest/rpcResponse mirror the minimal JSON-RPC 2.0 envelope that
// ethclient.Client sends over its underlying rpc.Client.
type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result"`
}

// fakeNode serves canned eth_* responses keyed by method name, just enough
// surface for the adapter methods under test.
func fakeNode(t *testing.T, results map[string]interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		result, ok := results[req.Method]
		if !ok {
			t.Fatalf("unexpected method %q", req.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result})
	}))
}

func dialFake(t *testing.T, srv *httptest.Server) *Adapter {
	t.Helper()
	a, err := Dial(context.Background(), srv.URL, big.NewInt(1337))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func TestGetETHBalance(t *testing.T) {
	srv := fakeNode(t, map[string]interface{}{
		"eth_getBalance": "0xde0b6b3a7640000", // 1 ETH in wei
	})
	defer srv.Close()
	a := dialFake(t, srv)

	bal, err := a.GetETHBalance(context.Background(), common.HexToAddress("0xaaaa"))
	if err != nil {
		t.Fatalf("GetETHBalance: %v", err)
	}
	want := new(big.Int)
	want.SetString("de0b6b3a7640000", 16)
	if bal.ToBig().Cmp(want) != 0 {
		t.Fatalf("GetETHBalance = %s, want %s", bal.ToBig(), want)
	}
}

func TestConfirmSentRetiresNonceFromTracker(t *testing.T) {
	srv := fakeNode(t, map[string]interface{}{})
	defer srv.Close()
	a := dialFake(t, srv)

	a.nonces.Track("alice", 3)
	txHash := common.HexToHash("0xabc")
	a.sentMu.Lock()
	a.sent[txHash] = sentTx{key: "alice", nonce: 3}
	a.sentMu.Unlock()

	a.confirmSent(txHash)

	if out := a.nonces.Outstanding("alice"); len(out) != 0 {
		t.Fatalf("Outstanding after confirmSent = %v, want empty", out)
	}
	a.sentMu.Lock()
	_, stillTracked := a.sent[txHash]
	a.sentMu.Unlock()
	if stillTracked {
		t.Fatalf("confirmSent left %s in the sent map", txHash)
	}
}

func TestConfirmSentIgnoresUnknownHash(t *testing.T) {
	srv := fakeNode(t, map[string]interface{}{})
	defer srv.Close()
	a := dialFake(t, srv)

	// Should not panic or touch the tracker for a hash it never sent.
	a.confirmSent(common.HexToHash("0xdead"))
}

// TestSendRawSerializesConcurrentSendsForSameKey reproduces the race the
// maintainer review identified: many workers sharing one sender key must
// never receive the same nonce, since SendRaw now holds the key's lock
// across the whole Next->sign->submit->Track sequence.
func TestSendRawSerializesConcurrentSendsForSameKey(t *testing.T) {
	srv := fakeNode(t, map[string]interface{}{
		"eth_sendRawTransaction": "0x" + strings.Repeat("11", 32),
	})
	defer srv.Close()
	a := dialFake(t, srv)

	signer, err := NewKeySigner(testPrivKey, big.NewInt(1337))
	if err != nil {
		t.Fatalf("NewKeySigner: %v", err)
	}

	const workers = 16
	var mu sync.Mutex
	var nonces []uint64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, sendErr := a.SendRaw(context.Background(), signer.Key(), signer.Address(), func(nonce uint64) (*types.Transaction, error) {
				mu.Lock()
				nonces = append(nonces, nonce)
				mu.Unlock()
				return signer.Sign(&types.DynamicFeeTx{
					ChainID:   big.NewInt(1337),
					Nonce:     nonce,
					GasTipCap: big.NewInt(1),
					GasFeeCap: big.NewInt(2),
					Gas:       21000,
					To:        &signer.addr,
					Value:     big.NewInt(0),
				})
			})
			if sendErr != nil {
				t.Errorf("SendRaw: %v", sendErr)
			}
		}()
	}
	wg.Wait()

	if len(nonces) != workers {
		t.Fatalf("got %d nonce assignments, want %d", len(nonces), workers)
	}
	seen := make(map[uint64]bool, workers)
	for _, n := range nonces {
		if seen[n] {
			t.Fatalf("nonce %d assigned to more than one SendRaw call: %v", n, nonces)
		}
		seen[n] = true
	}
	if out := a.nonces.Outstanding(signer.Key()); len(out) != workers {
		t.Fatalf("Outstanding = %d entries, want %d", len(out), workers)
	}
}

func TestAwaitReceiptTimesOut(t *testing.T) {
	srv := fakeNode(t, map[string]interface{}{
		"eth_getTransactionReceipt": nil,
	})
	defer srv.Close()
	a := dialFake(t, srv)
	a.backoff = BackoffConfig{Initial: 5 * time.Millisecond, Max: 10 * time.Millisecond, Factor: 1.5}

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	_, err := a.AwaitReceipt(ctx, common.HexToHash("0x01"))
	if err != ErrTimeout {
		t.Fatalf("AwaitReceipt = %v, want ErrTimeout", err)
	}
}
