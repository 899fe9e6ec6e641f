package noncestore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore provides an in-memory implementation of Store.
//
// Suitable for single-instance deployments and tests. Replay protection
// does not survive a restart, so a facilitator settling real value should
// use SQLStore; services that only verify can use this.
type MemoryStore struct {
	mu     sync.Mutex
	claims map[string]claim
}

type claim struct {
	payer  string
	expiry time.Time
}

// NewMemoryStore creates an empty in-memory nonce store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		claims: make(map[string]claim),
	}
}

// TryClaim records the nonce as used. Insert-if-absent under the mutex:
// exactly one concurrent caller wins.
func (s *MemoryStore) TryClaim(_ context.Context, nonce, payer string, expiry time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.claims[nonce]; exists {
		return ErrNonceAlreadyUsed
	}
	s.claims[nonce] = claim{payer: payer, expiry: expiry}
	return nil
}

// Used reports whether the nonce has been claimed.
func (s *MemoryStore) Used(_ context.Context, nonce string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.claims[nonce]
	return exists, nil
}

// PurgeExpired removes claims whose expiry has passed.
func (s *MemoryStore) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for nonce, c := range s.claims {
		if c.expiry.Before(now) {
			delete(s.claims, nonce)
			removed++
		}
	}
	return removed, nil
}

// Len reports the number of live claims. Test helper.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.claims)
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)
