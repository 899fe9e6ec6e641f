package facilitator

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	x402 "github.com/tempo-x402/x402-go"
)

// ReceiptCache makes retried settlements idempotent. A client that resends
// the same signed authorization after a timeout gets the original outcome
// back instead of triggering a second transfer attempt, and concurrent
// duplicates wait on the first in-flight attempt.
type ReceiptCache struct {
	mu      sync.Mutex
	entries map[string]*receiptEntry
	ttl     time.Duration
}

type receiptEntry struct {
	// done is non-nil while an attempt is in flight; resp is set once it
	// resolves.
	done      chan struct{}
	resp      *x402.SettleResponse
	expiresAt time.Time
}

// NewReceiptCache creates a cache retaining settled outcomes for ttl.
func NewReceiptCache(ttl time.Duration) *ReceiptCache {
	return &ReceiptCache{
		entries: make(map[string]*receiptEntry),
		ttl:     ttl,
	}
}

// ReceiptKey derives the cache key from an authorization's signing digest.
// The digest covers every authorization field, so two distinct payments can
// never collide.
func ReceiptKey(digest []byte) string {
	return hex.EncodeToString(digest)
}

// ReceiptStatus is the result of checking the cache.
type ReceiptStatus int

const (
	// ReceiptNotFound means this caller should perform the settlement;
	// the key is now marked in-flight.
	ReceiptNotFound ReceiptStatus = iota
	// ReceiptCached means a retained outcome was returned.
	ReceiptCached
	// ReceiptInFlight means another caller is settling this key.
	ReceiptInFlight
)

// CheckAndMark atomically resolves the key's state. On ReceiptNotFound the
// caller owns the returned done channel and must call Complete or Fail.
func (c *ReceiptCache) CheckAndMark(key string) (ReceiptStatus, *x402.SettleResponse, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		if entry.done != nil {
			return ReceiptInFlight, nil, entry.done
		}
		if time.Now().Before(entry.expiresAt) {
			return ReceiptCached, entry.resp, nil
		}
		delete(c.entries, key)
	}

	done := make(chan struct{})
	c.entries[key] = &receiptEntry{done: done}
	return ReceiptNotFound, nil, done
}

// WaitForResult blocks until the in-flight attempt resolves or the context
// is cancelled. A nil response means the attempt failed without caching an
// outcome and the caller may retry.
func (c *ReceiptCache) WaitForResult(ctx context.Context, key string, done chan struct{}) (*x402.SettleResponse, error) {
	select {
	case <-done:
		return c.get(key), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *ReceiptCache) get(key string) *x402.SettleResponse {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || entry.done != nil {
		return nil
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.entries, key)
		return nil
	}
	return entry.resp
}

// Complete caches the outcome, releases the in-flight marker and wakes any
// waiters. Also takes the opportunity to drop expired entries.
func (c *ReceiptCache) Complete(key string, resp *x402.SettleResponse, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &receiptEntry{
		resp:      resp,
		expiresAt: time.Now().Add(c.ttl),
	}
	close(done)

	now := time.Now()
	for k, entry := range c.entries {
		if entry.done == nil && now.After(entry.expiresAt) {
			delete(c.entries, k)
		}
	}
}

// Fail releases the in-flight marker without caching anything, so the next
// attempt for this key starts fresh.
func (c *ReceiptCache) Fail(key string, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
	close(done)
}
