package facilitator

import (
	"errors"
	"sync"
	"time"
)

// defaultMaxPayerLocks bounds the lock table so a flood of distinct payer
// addresses cannot grow it without limit.
const defaultMaxPayerLocks = 100_000

// ErrTooManyPayers is returned when the lock table is at capacity and the
// payer has no existing entry. The settlement is refused, not queued.
var ErrTooManyPayers = errors.New("too many concurrent payers")

// lockTable serializes settlements per payer. Two authorizations from the
// same payer never race each other through verify-then-claim; different
// payers proceed in parallel.
type lockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
	max     int
}

type lockEntry struct {
	mu       sync.Mutex
	refs     int
	lastUsed time.Time
}

func newLockTable(max int) *lockTable {
	if max <= 0 {
		max = defaultMaxPayerLocks
	}
	return &lockTable{
		entries: make(map[string]*lockEntry),
		max:     max,
	}
}

// Acquire blocks until the payer's lock is held and returns the release
// function. Entries are created lazily.
func (t *lockTable) Acquire(payer string) (func(), error) {
	t.mu.Lock()
	entry, ok := t.entries[payer]
	if !ok {
		if len(t.entries) >= t.max {
			t.mu.Unlock()
			return nil, ErrTooManyPayers
		}
		entry = &lockEntry{}
		t.entries[payer] = entry
	}
	entry.refs++
	t.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()
		t.mu.Lock()
		entry.refs--
		entry.lastUsed = time.Now()
		t.mu.Unlock()
	}, nil
}

// PurgeIdle removes entries that are unreferenced and untouched since the
// cutoff, returning the number removed. Held locks are never removed.
func (t *lockTable) PurgeIdle(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for payer, entry := range t.entries {
		if entry.refs == 0 && entry.lastUsed.Before(cutoff) {
			delete(t.entries, payer)
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked payers.
func (t *lockTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
