// Package noncestore provides replay protection for payment authorizations.
// A nonce is claimed exactly once; a second claim of the same nonce fails,
// regardless of payer. Claims are never released, even when the settlement
// that followed them fails.
package noncestore

import (
	"context"
	"errors"
	"time"
)

// ErrNonceAlreadyUsed is returned by TryClaim when the nonce has been
// claimed before.
var ErrNonceAlreadyUsed = errors.New("nonce already used")

// Store is the replay-protection interface. Implementations must make
// TryClaim atomic: under concurrent claims of the same nonce exactly one
// caller succeeds.
//
// Any error other than ErrNonceAlreadyUsed means the store could not
// determine the nonce's state; callers must treat that as a refusal to
// settle, never as an unused nonce.
type Store interface {
	// TryClaim records the nonce as used. The expiry bounds how long the
	// record must be retained: once the authorization's validity window
	// has passed, replaying it fails on the time check instead.
	TryClaim(ctx context.Context, nonce, payer string, expiry time.Time) error

	// Used reports whether the nonce has been claimed. A dry-run check
	// only; it takes no claim and a false result can be stale by the time
	// the caller acts on it.
	Used(ctx context.Context, nonce string) (bool, error)

	// PurgeExpired removes records whose expiry is before now, returning
	// the number removed.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}
