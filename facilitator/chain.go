// Package facilitator implements the settlement side of the protocol:
// verification of signed payment authorizations against on-chain state and
// their settlement via delegated transferFrom, with replay protection,
// per-payer serialization and idempotent retries.
package facilitator

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ErrReceiptNotFound is returned by TransactionReceipt while the
// transaction is still pending.
var ErrReceiptNotFound = errors.New("transaction receipt not found")

// Receipt is the settled transaction outcome.
type Receipt struct {
	TxHash   common.Hash
	Reverted bool
}

// ChainClient is the on-chain surface the facilitator needs. Implemented
// by signers/evm against a live RPC endpoint and by mocks in tests.
type ChainClient interface {
	// Balance returns the owner's token balance.
	Balance(ctx context.Context, token, owner common.Address) (*big.Int, error)

	// Allowance returns how much the spender may move on the owner's
	// behalf.
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)

	// TransferFrom submits the delegated transfer and returns the
	// transaction hash. An error here means submission was rejected; it
	// does not guarantee the transaction is absent from the chain.
	TransferFrom(ctx context.Context, token, from, to common.Address, amount *big.Int) (common.Hash, error)

	// TransactionReceipt fetches the receipt for a submitted transaction,
	// or ErrReceiptNotFound while it is pending.
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*Receipt, error)
}
