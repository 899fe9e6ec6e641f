// Package evm provides the ethclient-backed chain client used by the
// facilitator to read balances and allowances and to submit delegated
// transfers on the Tempo network.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/tempo-x402/x402-go/facilitator"
)

// erc20ABI covers the three entry points the facilitator touches.
const erc20ABI = `[
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"transferFrom","type":"function","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

// fallbackGasLimit is used when gas estimation fails; a token transferFrom
// fits comfortably.
const fallbackGasLimit = 120_000

// Client implements facilitator.ChainClient over a JSON-RPC connection,
// signing submissions with a local ECDSA key.
type Client struct {
	eth      *ethclient.Client
	key      *ecdsa.PrivateKey
	address  common.Address
	chainID  *big.Int
	tokenABI abi.ABI

	// mu serializes submissions so account nonces are assigned in order.
	mu sync.Mutex
}

// Dial connects to the RPC endpoint and prepares a signing client.
//
// Args:
//
//	ctx: Context for the connection handshake
//	rpcURL: JSON-RPC endpoint of the network
//	privateKeyHex: Hex-encoded facilitator key (with or without "0x")
//	chainID: Expected chain ID; the endpoint is checked against it
//
// Returns:
//
//	A ready Client, or an error if the key is invalid or the endpoint
//	reports a different chain
func Dial(ctx context.Context, rpcURL, privateKeyHex string, chainID *big.Int) (*Client, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", rpcURL, err)
	}

	remote, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("failed to query chain id: %w", err)
	}
	if remote.Cmp(chainID) != 0 {
		eth.Close()
		return nil, fmt.Errorf("endpoint chain id %s does not match expected %s", remote, chainID)
	}

	tokenABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token ABI: %w", err)
	}

	return &Client{
		eth:      eth,
		key:      key,
		address:  crypto.PubkeyToAddress(key.PublicKey),
		chainID:  chainID,
		tokenABI: tokenABI,
	}, nil
}

// Address returns the client's signing address, the spender of every
// delegated transfer.
func (c *Client) Address() common.Address {
	return c.address
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// Health checks RPC liveness by fetching the current block number.
func (c *Client) Health(ctx context.Context) error {
	if _, err := c.eth.BlockNumber(ctx); err != nil {
		return fmt.Errorf("rpc unreachable: %w", err)
	}
	return nil
}

// Balance returns the owner's token balance.
func (c *Client) Balance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return c.readUint256(ctx, token, "balanceOf", owner)
}

// Allowance returns how much the spender may move on the owner's behalf.
func (c *Client) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return c.readUint256(ctx, token, "allowance", owner, spender)
}

func (c *Client) readUint256(ctx context.Context, token common.Address, method string, args ...interface{}) (*big.Int, error) {
	data, err := c.tokenABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}

	result, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}

	outputs, err := c.tokenABI.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s result: %w", method, err)
	}
	value, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected %s result type", method)
	}
	return value, nil
}

// TransferFrom submits the delegated transfer and returns the transaction
// hash. Submissions are serialized so the account nonce never gaps.
func (c *Client) TransferFrom(ctx context.Context, token, from, to common.Address, amount *big.Int) (common.Hash, error) {
	data, err := c.tokenABI.Pack("transferFrom", from, to, amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack transferFrom: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	nonce, err := c.eth.PendingNonceAt(ctx, c.address)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to fetch account nonce: %w", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to fetch gas price: %w", err)
	}

	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From: c.address,
		To:   &token,
		Data: data,
	})
	if err != nil {
		// Estimation reverts surface real failures; anything else falls
		// back to a fixed limit.
		if isExecutionRevert(err) {
			return common.Hash{}, fmt.Errorf("transfer would revert: %w", err)
		}
		gasLimit = fallbackGasLimit
	}

	tx := types.NewTransaction(nonce, token, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	return signed.Hash(), nil
}

// TransactionReceipt fetches the receipt for a submitted transaction,
// mapping a pending transaction to facilitator.ErrReceiptNotFound.
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*facilitator.Receipt, error) {
	receipt, err := c.eth.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, facilitator.ErrReceiptNotFound
		}
		return nil, err
	}
	return &facilitator.Receipt{
		TxHash:   txHash,
		Reverted: receipt.Status == types.ReceiptStatusFailed,
	}, nil
}

func isExecutionRevert(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "revert") || strings.Contains(msg, "execution")
}

// Ensure Client implements ChainClient
var _ facilitator.ChainClient = (*Client)(nil)
