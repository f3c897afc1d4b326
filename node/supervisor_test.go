package node

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/MiragePrivacy/Nomad/log"
	"github.com/MiragePrivacy/Nomad/pipeline"
	"github.com/MiragePrivacy/Nomad/pool"
	"github.com/MiragePrivacy/Nomad/signal"
)

func sampleSignal(t *testing.T, salt byte) *signal.Signal {
	t.Helper()
	sig := &signal.Signal{
		Escrow:             common.HexToAddress("0xaa"),
		Token:              common.HexToAddress("0xbb"),
		Recipient:          common.HexToAddress("0xcc"),
		TransferAmount:     uint256.NewInt(1000),
		RewardAmount:       uint256.NewInt(1),
		AcknowledgementURL: "https://example.com/ack",
		Puzzle:             []byte{salt},
		Ciphertext:         []byte{1, 2, 3, salt},
	}
	return sig
}

type fakeDispatcher struct {
	mu     sync.Mutex
	runs   int
	fail   bool
	delay  time.Duration
	paused bool
}

func (f *fakeDispatcher) Run(ctx context.Context, sig *signal.Signal) (*pipeline.Outcome, error) {
	f.mu.Lock()
	f.runs++
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
		}
	}
	if f.fail {
		return &pipeline.Outcome{FailKind: pipeline.KindInternal}, &pipeline.Error{}
	}
	return &pipeline.Outcome{Success: true}, nil
}

func (f *fakeDispatcher) Runs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

func (f *fakeDispatcher) FundsPaused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

func (f *fakeDispatcher) ResumeFundsPause(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = false
	return nil
}

func TestSupervisorProcessesLeasedSignal(t *testing.T) {
	p := pool.New(time.Minute, time.Minute)
	sig := sampleSignal(t, 1)
	if _, _, err := p.Insert(sig); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	dispatch := &fakeDispatcher{}
	sup := NewSupervisor(SupervisorConfig{Workers: 1, LeaseTick: 50 * time.Millisecond, ShutdownDeadline: 2 * time.Second}, p, dispatch, log.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	if err := sup.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if dispatch.Runs() == 0 {
		t.Fatal("expected the dispatcher to process at least one signal")
	}
	id, _ := sig.ID()
	state, ok := p.State(id)
	if !ok {
		t.Fatal("expected signal to remain tracked after completion")
	}
	if state != pool.Done {
		t.Errorf("state = %v, want Done", state)
	}
}

func TestSupervisorSkipsLeasingWhilePaused(t *testing.T) {
	p := pool.New(time.Minute, time.Minute)
	sig := sampleSignal(t, 4)
	p.Insert(sig)

	dispatch := &fakeDispatcher{paused: true}
	// LeaseTick outlasts the run: the tick's ResumeFundsPause would otherwise
	// clear the fake's pause and let the worker lease the signal.
	sup := NewSupervisor(SupervisorConfig{Workers: 1, LeaseTick: time.Second, ShutdownDeadline: time.Second}, p, dispatch, log.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := sup.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if dispatch.Runs() != 0 {
		t.Errorf("a paused dispatcher should never be leased a signal, got %d runs", dispatch.Runs())
	}
	id, _ := sig.ID()
	state, _ := p.State(id)
	if state != pool.Free {
		t.Errorf("state = %v, want Free (never leased)", state)
	}
}

func TestSupervisorReadOnlyModeNeverLeases(t *testing.T) {
	p := pool.New(time.Minute, time.Minute)
	sig := sampleSignal(t, 2)
	p.Insert(sig)

	sup := NewSupervisor(SupervisorConfig{LeaseTick: 50 * time.Millisecond, ShutdownDeadline: time.Second}, p, nil, log.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := sup.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	id, _ := sig.ID()
	state, _ := p.State(id)
	if state != pool.Free {
		t.Errorf("read-only supervisor leased a signal: state = %v", state)
	}
}

func TestSupervisorExpiresStaleLeases(t *testing.T) {
	p := pool.New(10*time.Millisecond, time.Minute)
	sig := sampleSignal(t, 3)
	p.Insert(sig)

	// Lease it directly and never complete it, simulating a crashed worker.
	if _, ok := p.Lease("ghost-worker", time.Now()); !ok {
		t.Fatal("expected a lease")
	}

	sup := NewSupervisor(SupervisorConfig{LeaseTick: 20 * time.Millisecond, ShutdownDeadline: time.Second}, p, nil, log.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := sup.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	id, _ := sig.ID()
	state, _ := p.State(id)
	if state != pool.Free {
		t.Errorf("state = %v, want Free after lease expiry", state)
	}
}

func TestSupervisorStopTriggersShutdown(t *testing.T) {
	p := pool.New(time.Minute, time.Minute)
	sup := NewSupervisor(SupervisorConfig{Workers: 1, ShutdownDeadline: time.Second}, p, &fakeDispatcher{}, log.Default())

	done := make(chan error, 1)
	go func() { done <- sup.Run(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	sup.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestFuncServiceDelegatesToClosures(t *testing.T) {
	var calls atomic.Int32
	svc := &funcService{name: "x", start: func() error { calls.Add(1); return nil }, stop: func() error { return nil }}
	if svc.Name() != "x" {
		t.Fatalf("Name() = %q", svc.Name())
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("start not invoked")
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestPoolCheckerReportsOccupancy(t *testing.T) {
	p := pool.New(time.Minute, time.Minute)
	p.Insert(sampleSignal(t, 9))

	health := poolChecker{pool: p}.Check()
	if health.Status != StatusHealthy {
		t.Errorf("Status = %q, want healthy", health.Status)
	}
	if health.Message == "" {
		t.Error("expected a non-empty occupancy message")
	}
}

func TestDispatcherCheckerReadOnly(t *testing.T) {
	health := dispatcherChecker{health: NewHealthMonitor(time.Second), writeMode: false}.Check()
	if health.Status != StatusHealthy {
		t.Errorf("Status = %q, want healthy for a read-only node", health.Status)
	}
}

func TestDispatcherCheckerDegradedWhenSomeWorkersDead(t *testing.T) {
	hm := NewHealthMonitor(time.Second)
	hm.Register("worker-0", func() bool { return true })
	hm.Register("worker-1", func() bool { return false })

	health := dispatcherChecker{health: hm, writeMode: true}.Check()
	if health.Status != StatusDegraded {
		t.Errorf("Status = %q, want degraded", health.Status)
	}
}

func TestHTTPServiceStartAndStop(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	svc := newHTTPService("test-http", &http.Server{Addr: "127.0.0.1:0", Handler: mux})

	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
