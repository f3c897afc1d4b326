// Package pool implements the signal pool (C5): a thread-safe unordered set
// of signals with exclusive-lease semantics, generalized from the teacher's
// commit-reveal encrypted transaction pool to a free/leased/done/evict
// lifecycle.
package pool

import (
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/MiragePrivacy/Nomad/signal"
)

// DefaultVisibilityTimeout is the lease duration before a worker's claim on
// a signal is presumed lost (spec.md §4.8 default worker count pairs with
// this timer; value itself follows the pool's own default).
const DefaultVisibilityTimeout = 30 * time.Second

// DefaultRetention is how long a Done entry is kept to reject duplicate
// re-admission from late gossip (spec.md §4.4 default, 10 minutes).
const DefaultRetention = 10 * time.Minute

var (
	ErrLeaseNotFound  = errors.New("pool: lease not found")
	ErrNotLeased      = errors.New("pool: entry is not in the Leased state")
	ErrWrongWorker    = errors.New("pool: lease held by a different worker")
	ErrEmptyPool      = errors.New("pool: no free entries")
)

// LeaseState is the lifecycle state of a PoolEntry.
type LeaseState uint8

const (
	Free LeaseState = iota
	Leased
	Done
)

func (s LeaseState) String() string {
	switch s {
	case Free:
		return "Free"
	case Leased:
		return "Leased"
	case Done:
		return "Done"
	default:
		return "Unknown"
	}
}

// InsertResult reports the outcome of Insert.
type InsertResult uint8

const (
	Accepted InsertResult = iota
	Duplicate
)

// Outcome records why a leased signal reached Done, for metrics and the
// eventual acknowledgement POST.
type Outcome struct {
	Success bool
	ErrKind string // zero value means success
}

// entry is the pool's internal record; PoolEntry in the spec.
type entry struct {
	id       common.Hash
	sig      *signal.Signal
	state    LeaseState
	workerID string
	deadline time.Time
	doneAt   time.Time
	outcome  Outcome
}

// Lease is the exclusive, time-limited claim a worker holds on one entry.
type Lease struct {
	ID       common.Hash
	WorkerID string
}

// Pool is the signal pool. All methods are safe for concurrent use.
type Pool struct {
	mu                sync.Mutex
	entries           map[common.Hash]*entry
	free              []common.Hash // ids currently Free, for O(1)-ish random lease
	visibilityTimeout time.Duration
	retention         time.Duration
}

// New returns an empty pool with the given visibility timeout and
// retention window (zero values fall back to the package defaults).
func New(visibilityTimeout, retention time.Duration) *Pool {
	if visibilityTimeout <= 0 {
		visibilityTimeout = DefaultVisibilityTimeout
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Pool{
		entries:           make(map[common.Hash]*entry),
		visibilityTimeout: visibilityTimeout,
		retention:         retention,
	}
}

// Insert admits a signal, rejecting it if its id is already present (either
// live or still within its post-Done retention window).
func (p *Pool) Insert(sig *signal.Signal) (InsertResult, common.Hash, error) {
	id, err := sig.ID()
	if err != nil {
		return Duplicate, common.Hash{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.entries[id]; exists {
		return Duplicate, id, nil
	}

	p.entries[id] = &entry{id: id, sig: sig, state: Free}
	p.free = append(p.free, id)
	return Accepted, id, nil
}

// Lease returns a uniformly-random Free entry, transitioning it to Leased.
// The second return value is false if the pool has no Free entries.
func (p *Pool) Lease(workerID string, now time.Time) (*Lease, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.free) > 0 {
		i := rand.IntN(len(p.free))
		id := p.free[i]
		p.free[i] = p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]

		e, ok := p.entries[id]
		if !ok || e.state != Free {
			continue // stale entry from a race with Complete/expiry bookkeeping
		}
		e.state = Leased
		e.workerID = workerID
		e.deadline = now.Add(p.visibilityTimeout)
		return &Lease{ID: id, WorkerID: workerID}, true
	}
	return nil, false
}

// Complete transitions a leased entry to Done and records its outcome. The
// entry remains in the pool (but unleasable) until its retention window
// elapses, so duplicate gossip cannot re-admit it.
func (p *Pool) Complete(lease *Lease, outcome Outcome, now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[lease.ID]
	if !ok {
		return ErrLeaseNotFound
	}
	if e.state != Leased {
		return ErrNotLeased
	}
	if e.workerID != lease.WorkerID {
		return ErrWrongWorker
	}
	e.state = Done
	e.doneAt = now
	e.outcome = outcome
	return nil
}

// ExpireLeases reverts any Leased entry past its deadline back to Free
// (worker crash recovery) and evicts Done entries past their retention
// window. Returns the number of leases reverted.
func (p *Pool) ExpireLeases(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	reverted := 0
	for id, e := range p.entries {
		switch e.state {
		case Leased:
			if now.After(e.deadline) {
				e.state = Free
				e.workerID = ""
				e.deadline = time.Time{}
				p.free = append(p.free, id)
				reverted++
			}
		case Done:
			if now.Sub(e.doneAt) > p.retention {
				delete(p.entries, id)
			}
		}
	}
	return reverted
}

// State returns the current lifecycle state of id and whether it is
// present in the pool at all.
func (p *Pool) State(id common.Hash) (LeaseState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		return 0, false
	}
	return e.state, true
}

// Len reports the total number of entries currently tracked (any state).
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Signal returns the signal stored for id, if present.
func (p *Pool) Signal(id common.Hash) (*signal.Signal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		return nil, false
	}
	return e.sig, true
}
