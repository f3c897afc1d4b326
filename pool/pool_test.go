package pool

import (
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/MiragePrivacy/Nomad/signal"
)

func makeSignal(reward uint64) *signal.Signal {
	return &signal.Signal{
		Escrow:         common.HexToAddress("0x01"),
		Token:          common.HexToAddress("0x02"),
		Recipient:      common.HexToAddress("0x03"),
		TransferAmount: uint256.NewInt(1000),
		RewardAmount:   uint256.NewInt(reward),
		Puzzle:         []byte{0x00},
		Ciphertext:     []byte{0x01},
	}
}

func TestInsertDuplicate(t *testing.T) {
	p := New(0, 0)
	sig := makeSignal(1)

	res, id, err := p.Insert(sig)
	if err != nil || res != Accepted {
		t.Fatalf("first insert: res=%v err=%v", res, err)
	}
	res2, id2, err := p.Insert(sig)
	if err != nil || res2 != Duplicate || id2 != id {
		t.Fatalf("second insert should be Duplicate with same id, got res=%v id=%v", res2, id2)
	}
}

func TestLeaseExclusive(t *testing.T) {
	p := New(0, 0)
	sig := makeSignal(1)
	_, id, _ := p.Insert(sig)

	now := time.Now()
	lease, ok := p.Lease("worker-a", now)
	if !ok || lease.ID != id {
		t.Fatalf("expected a lease on the single entry, got ok=%v lease=%v", ok, lease)
	}

	if _, ok := p.Lease("worker-b", now); ok {
		t.Fatalf("pool should be empty of Free entries after the only entry was leased")
	}

	st, ok := p.State(id)
	if !ok || st != Leased {
		t.Fatalf("state = %v, want Leased", st)
	}
}

func TestNoTwoConcurrentLeasesReturnSameID(t *testing.T) {
	p := New(0, 0)
	const n = 50
	ids := make([]common.Hash, 0, n)
	for i := 0; i < n; i++ {
		_, id, _ := p.Insert(makeSignal(uint64(i + 1)))
		ids = append(ids, id)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[common.Hash]int)
	now := time.Now()

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			lease, ok := p.Lease("worker", now)
			if !ok {
				return
			}
			mu.Lock()
			seen[lease.ID]++
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	for id, count := range seen {
		if count != 1 {
			t.Fatalf("id %x leased %d times concurrently, want 1", id, count)
		}
	}
	if len(seen) != n {
		t.Fatalf("leased %d distinct ids, want %d", len(seen), n)
	}
}

func TestExpireLeasesRevertsToFree(t *testing.T) {
	p := New(10*time.Millisecond, time.Hour)
	_, id, _ := p.Insert(makeSignal(1))

	now := time.Now()
	if _, ok := p.Lease("worker-a", now); !ok {
		t.Fatalf("expected lease to succeed")
	}

	later := now.Add(time.Second)
	reverted := p.ExpireLeases(later)
	if reverted != 1 {
		t.Fatalf("ExpireLeases reverted %d, want 1", reverted)
	}
	st, _ := p.State(id)
	if st != Free {
		t.Fatalf("state = %v, want Free after expiry", st)
	}
}

func TestCompleteThenEvictAfterRetention(t *testing.T) {
	p := New(0, 10*time.Millisecond)
	_, id, _ := p.Insert(makeSignal(1))

	now := time.Now()
	lease, _ := p.Lease("worker-a", now)
	if err := p.Complete(lease, Outcome{Success: true}, now); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	st, ok := p.State(id)
	if !ok || st != Done {
		t.Fatalf("state = %v ok=%v, want Done", st, ok)
	}

	p.ExpireLeases(now.Add(time.Hour))
	if _, ok := p.State(id); ok {
		t.Fatalf("entry should have been evicted after its retention window")
	}
}

func TestCompleteWrongWorkerRejected(t *testing.T) {
	p := New(0, 0)
	_, id, _ := p.Insert(makeSignal(1))
	now := time.Now()
	lease, _ := p.Lease("worker-a", now)

	wrong := &Lease{ID: id, WorkerID: "worker-b"}
	if err := p.Complete(wrong, Outcome{Success: true}, now); err != ErrWrongWorker {
		t.Fatalf("Complete with wrong worker = %v, want ErrWrongWorker", err)
	}
	_ = lease
}
