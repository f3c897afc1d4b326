package chain

import "sync"

// senderNonceState tracks the nonce sequence for a single sender key: the
// chain's state nonce plus the FIFO of nonces the adapter has submitted but
// not yet seen confirmed or dropped.
type senderNonceState struct {
	stateNonce uint64
	pending    []uint64 // sorted ascending, nonces currently outstanding
	paused     bool     // set on ErrInsufficientFunds, cleared by Resync
}

// nonceTracker manages per-sender nonce assignment for outstanding
// transactions. A sender key maps to exactly one account; the chain adapter
// serializes all submissions for a given key through this tracker so that
// two concurrent workers never race on the same nonce.
//
// Adapted from a mempool admission nonce tracker (gap detection against a
// pool of many senders' candidate transactions) to Nomad's narrower need:
// one outstanding FIFO per sender key, with resync-from-chain whenever the
// node reports the tracked nonce as stale.
type nonceTracker struct {
	mu       sync.Mutex
	accounts map[string]*senderNonceState
	keyLocks map[string]*sync.Mutex
}

func newNonceTracker() *nonceTracker {
	return &nonceTracker{
		accounts: make(map[string]*senderNonceState),
		keyLocks: make(map[string]*sync.Mutex),
	}
}

// Lock serializes the entire Next->sign->submit->Track sequence for key so
// that two concurrent submitters sharing a sender key can never both see the
// same next nonce. The caller must invoke the returned unlock func exactly
// once, after Track/Resync/Pause has recorded the outcome of the submission.
func (nt *nonceTracker) Lock(key string) (unlock func()) {
	nt.mu.Lock()
	km, ok := nt.keyLocks[key]
	if !ok {
		km = &sync.Mutex{}
		nt.keyLocks[key] = km
	}
	nt.mu.Unlock()

	km.Lock()
	return km.Unlock
}

func (nt *nonceTracker) account(key string) *senderNonceState {
	acct, ok := nt.accounts[key]
	if !ok {
		acct = &senderNonceState{}
		nt.accounts[key] = acct
	}
	return acct
}

// Next returns the next nonce to use for key, assuming the caller will
// submit a transaction with it immediately. It does not mark the nonce
// pending; call Track once submission succeeds.
func (nt *nonceTracker) Next(key string) uint64 {
	nt.mu.Lock()
	defer nt.mu.Unlock()
	acct := nt.account(key)
	if len(acct.pending) == 0 {
		return acct.stateNonce
	}
	return acct.pending[len(acct.pending)-1] + 1
}

// Track records that nonce was submitted successfully for key.
func (nt *nonceTracker) Track(key string, nonce uint64) {
	nt.mu.Lock()
	defer nt.mu.Unlock()
	acct := nt.account(key)
	acct.pending = append(acct.pending, nonce)
}

// Confirm removes nonce from the outstanding FIFO for key, advancing the
// known state nonce past it. Called once a receipt is observed.
func (nt *nonceTracker) Confirm(key string, nonce uint64) {
	nt.mu.Lock()
	defer nt.mu.Unlock()
	acct := nt.account(key)
	if nonce >= acct.stateNonce {
		acct.stateNonce = nonce + 1
	}
	kept := acct.pending[:0]
	for _, n := range acct.pending {
		if n > nonce {
			kept = append(kept, n)
		}
	}
	acct.pending = kept
}

// Resync overwrites the tracked state nonce with an authoritative value
// read from the chain (e.g. after ErrNonceTooLow) and drops any pending
// entries now known to be stale, clearing the paused flag.
func (nt *nonceTracker) Resync(key string, chainNonce uint64) {
	nt.mu.Lock()
	defer nt.mu.Unlock()
	acct := nt.account(key)
	acct.stateNonce = chainNonce
	acct.paused = false
	kept := acct.pending[:0]
	for _, n := range acct.pending {
		if n >= chainNonce {
			kept = append(kept, n)
		}
	}
	acct.pending = kept
}

// Pause marks key as unavailable for new leases, set when a submission
// fails with ErrInsufficientFunds.
func (nt *nonceTracker) Pause(key string) {
	nt.mu.Lock()
	defer nt.mu.Unlock()
	nt.account(key).paused = true
}

// IsPaused reports whether key is currently paused for insufficient funds.
func (nt *nonceTracker) IsPaused(key string) bool {
	nt.mu.Lock()
	defer nt.mu.Unlock()
	return nt.account(key).paused
}

// Outstanding returns a copy of the current pending nonce FIFO for key.
func (nt *nonceTracker) Outstanding(key string) []uint64 {
	nt.mu.Lock()
	defer nt.mu.Unlock()
	acct := nt.account(key)
	out := make([]uint64, len(acct.pending))
	copy(out, acct.pending)
	return out
}
