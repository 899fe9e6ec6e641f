package facilitator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	x402 "github.com/tempo-x402/x402-go"

	"github.com/tempo-x402/x402-go/metrics"
	"github.com/tempo-x402/x402-go/noncestore"
)

const (
	// nonceRetentionSlack keeps a claimed nonce on record past the end of
	// its validity window, covering clock skew between the facilitator and
	// whoever timestamps the authorization.
	nonceRetentionSlack = 60 * time.Second

	// requirementWindowSlack is added to a requirement's maxTimeoutSeconds
	// when bounding the authorization's validity window.
	requirementWindowSlack = 60 * time.Second

	// receiptPollInterval paces the confirmation wait after submission.
	receiptPollInterval = 500 * time.Millisecond

	// reconcileAttempts bounds the extra receipt polls performed before a
	// settlement is declared indeterminate.
	reconcileAttempts = 4

	defaultMaxValidityWindow = 15 * time.Minute
	defaultSettleTimeout     = 30 * time.Second
	defaultReceiptTTL        = 10 * time.Minute

	// reasonGenericDecline hides balance and allowance detail from callers;
	// probing other accounts' funds through verify is not a feature.
	reasonGenericDecline = "payment cannot be completed"
)

// Config carries the facilitator's deployment parameters.
type Config struct {
	// Chain pins the network and chain ID payments must be bound to.
	Chain x402.ChainConfig

	// Address is the facilitator's own signing address, the spender of
	// every delegated transfer. Authorizations paying it are rejected.
	Address common.Address

	// AcceptedTokens is the settlement token allowlist. Empty means only
	// the default token is accepted.
	AcceptedTokens []string

	// MaxSettleAmount caps a single settlement in smallest units.
	// Nil means no cap.
	MaxSettleAmount *big.Int

	// MaxValidityWindow bounds validBefore - validAfter, so claimed nonces
	// can be purged once the window has passed.
	MaxValidityWindow time.Duration

	// SettleTimeout bounds submission plus confirmation wait.
	SettleTimeout time.Duration

	// ReceiptTTL is how long settled outcomes are retained for
	// idempotent retries.
	ReceiptTTL time.Duration

	Logger *zap.Logger
}

// Facilitator verifies and settles payment authorizations.
type Facilitator struct {
	client   ChainClient
	store    noncestore.Store
	cfg      Config
	locks    *lockTable
	receipts *ReceiptCache
	notifier *Notifier
	logger   *zap.Logger

	// now and pollInterval are replaceable in tests.
	now          func() time.Time
	pollInterval time.Duration
}

// New builds a facilitator. Zero durations in cfg get defaults; an empty
// token allowlist admits only the default token.
func New(client ChainClient, store noncestore.Store, cfg Config) *Facilitator {
	if cfg.MaxValidityWindow <= 0 {
		cfg.MaxValidityWindow = defaultMaxValidityWindow
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = defaultSettleTimeout
	}
	if cfg.ReceiptTTL <= 0 {
		cfg.ReceiptTTL = defaultReceiptTTL
	}
	if len(cfg.AcceptedTokens) == 0 {
		cfg.AcceptedTokens = []string{x402.DefaultTokenAddress}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Facilitator{
		client:       client,
		store:        store,
		cfg:          cfg,
		locks:        newLockTable(defaultMaxPayerLocks),
		receipts:     NewReceiptCache(cfg.ReceiptTTL),
		logger:       logger,
		now:          time.Now,
		pollInterval: receiptPollInterval,
	}
}

// SetNotifier attaches a settlement webhook notifier.
func (f *Facilitator) SetNotifier(n *Notifier) {
	f.notifier = n
}

// Supported describes the scheme and network this facilitator settles.
func (f *Facilitator) Supported() map[string]interface{} {
	return map[string]interface{}{
		"x402Version": x402.X402Version,
		"kinds": []map[string]string{
			{"scheme": x402.SchemeTempoTIP20, "network": f.cfg.Chain.Network},
		},
		"acceptedTokens": f.cfg.AcceptedTokens,
	}
}

// Verify checks a payment authorization without settling it. The returned
// response reports validity; a non-nil error means the facilitator could
// not reach a verdict (store or RPC trouble) and nothing should proceed.
//
// The check order is fixed: cheap structural and replay checks run before
// any cryptography, and cryptography runs before any RPC.
func (f *Facilitator) Verify(ctx context.Context, payload *x402.PaymentPayload, reqs *x402.PaymentRequirements) (x402.VerifyResponse, error) {
	resp, code, err := f.verify(ctx, payload, reqs)
	if err != nil {
		return resp, err
	}
	if resp.IsValid {
		metrics.VerifyTotal.WithLabelValues("valid").Inc()
	} else {
		metrics.VerifyTotal.WithLabelValues(code).Inc()
	}
	return resp, nil
}

// verify reports the rejection as a caller-facing reason plus the error
// code used as the metric label; the code never reaches the caller.
func (f *Facilitator) verify(ctx context.Context, payload *x402.PaymentPayload, reqs *x402.PaymentRequirements) (x402.VerifyResponse, string, error) {
	invalid := func(code, reason string) (x402.VerifyResponse, string, error) {
		return x402.VerifyResponse{IsValid: false, InvalidReason: reason}, code, nil
	}

	if payload.X402Version != x402.X402Version {
		return invalid(x402.ErrCodeMalformedPayload, "unsupported x402 version")
	}
	if payload.Scheme != x402.SchemeTempoTIP20 || payload.Scheme != reqs.Scheme {
		return invalid(x402.ErrCodeMalformedPayload, "scheme mismatch")
	}
	if payload.Network != f.cfg.Chain.Network || payload.Network != reqs.Network {
		return invalid(x402.ErrCodeChainMismatch, "network mismatch")
	}
	if err := x402.ValidatePaymentPayload(payload); err != nil {
		return invalid(x402.ErrCodeMalformedPayload, err.Error())
	}

	auth := payload.Payload.PaymentAuthorization

	// Replay pre-check. Non-claiming: the authoritative claim happens
	// under the payer lock during settle.
	used, err := f.store.Used(ctx, auth.Nonce)
	if err != nil {
		return x402.VerifyResponse{}, "", fmt.Errorf("nonce store unavailable: %w", err)
	}
	if used {
		return invalid(x402.ErrCodeReplayedNonce, "nonce already used")
	}

	now := f.now().Unix()
	if now < auth.ValidAfter {
		return invalid(x402.ErrCodePaymentExpired, "authorization not yet valid")
	}
	// validBefore itself is still inside the window.
	if now > auth.ValidBefore {
		return invalid(x402.ErrCodePaymentExpired, "authorization expired")
	}

	// The window must be short enough that the nonce record outlives it.
	maxWindow := int64(f.cfg.MaxValidityWindow / time.Second)
	if reqs.MaxTimeoutSeconds > 0 {
		if w := int64(reqs.MaxTimeoutSeconds) + int64(requirementWindowSlack/time.Second); w < maxWindow {
			maxWindow = w
		}
	}
	if auth.ValidBefore-auth.ValidAfter > maxWindow {
		return invalid(x402.ErrCodeMalformedPayload, "validity window too long")
	}

	from := common.HexToAddress(auth.From)
	to := common.HexToAddress(auth.To)
	if from == (common.Address{}) || to == (common.Address{}) {
		return invalid(x402.ErrCodeMalformedPayload, "zero address")
	}
	if from == to {
		return invalid(x402.ErrCodeMalformedPayload, "self payment")
	}
	if to == f.cfg.Address {
		return invalid(x402.ErrCodeMalformedPayload, "facilitator cannot be the payment recipient")
	}

	if err := x402.VerifySignature(auth, payload.Payload.Signature, f.cfg.Chain.ChainID); err != nil {
		code := x402.ErrCodeInvalidSignature
		var paymentErr *x402.PaymentError
		if errors.As(err, &paymentErr) {
			code = paymentErr.Code
		}
		return invalid(code, err.Error())
	}

	// Requirement matching.
	if !strings.EqualFold(auth.Token, reqs.Asset) {
		return invalid(x402.ErrCodeContractMismatch, "token does not match requirements")
	}
	if !strings.EqualFold(auth.To, reqs.PayTo) {
		return invalid(x402.ErrCodeMalformedPayload, "recipient does not match requirements")
	}
	value, _ := new(big.Int).SetString(auth.Value, 10)
	required, ok := new(big.Int).SetString(reqs.MaxAmountRequired, 10)
	if !ok {
		return x402.VerifyResponse{}, "", fmt.Errorf("invalid required amount: %s", reqs.MaxAmountRequired)
	}
	if value.Cmp(required) < 0 {
		return invalid(x402.ErrCodeMalformedPayload, "authorized amount below required amount")
	}

	if !f.tokenAccepted(auth.Token) {
		return invalid(x402.ErrCodeContractMismatch, "token not accepted")
	}
	if f.cfg.MaxSettleAmount != nil && value.Cmp(f.cfg.MaxSettleAmount) > 0 {
		return invalid(x402.ErrCodeMalformedPayload, "amount exceeds settlement cap")
	}

	// On-chain checks last: they are the expensive ones, and their detail
	// stays in the logs.
	balance, err := f.client.Balance(ctx, common.HexToAddress(auth.Token), from)
	if err != nil {
		return x402.VerifyResponse{}, "", fmt.Errorf("balance check failed: %w", err)
	}
	if balance.Cmp(value) < 0 {
		f.logger.Info("payment declined: insufficient balance",
			zap.String("payer", from.Hex()),
			zap.String("value", value.String()),
			zap.String("balance", balance.String()))
		return invalid(x402.ErrCodeInsufficientFunds, reasonGenericDecline)
	}

	allowance, err := f.client.Allowance(ctx, common.HexToAddress(auth.Token), from, f.cfg.Address)
	if err != nil {
		return x402.VerifyResponse{}, "", fmt.Errorf("allowance check failed: %w", err)
	}
	if allowance.Cmp(value) < 0 {
		f.logger.Info("payment declined: insufficient allowance",
			zap.String("payer", from.Hex()),
			zap.String("value", value.String()),
			zap.String("allowance", allowance.String()))
		return invalid(x402.ErrCodeInsufficientAllowance, reasonGenericDecline)
	}

	return x402.VerifyResponse{IsValid: true, Payer: from.Hex()}, "", nil
}

// Settle verifies and settles a payment authorization. Retries of the same
// authorization are idempotent: the first attempt's outcome is returned
// from the receipt cache, and concurrent duplicates wait for it.
func (f *Facilitator) Settle(ctx context.Context, payload *x402.PaymentPayload, reqs *x402.PaymentRequirements) (x402.SettleResponse, error) {
	digest, err := x402.SigningHash(payload.Payload.PaymentAuthorization, f.cfg.Chain.ChainID)
	if err != nil {
		metrics.SettleTotal.WithLabelValues("rejected").Inc()
		return x402.SettleResponse{
			Success:     false,
			Network:     payload.Network,
			ErrorReason: "malformed authorization",
		}, nil
	}
	key := ReceiptKey(digest)

	for {
		status, cached, done := f.receipts.CheckAndMark(key)
		switch status {
		case ReceiptCached:
			return *cached, nil
		case ReceiptInFlight:
			result, err := f.receipts.WaitForResult(ctx, key, done)
			if err != nil {
				return x402.SettleResponse{}, err
			}
			if result != nil {
				return *result, nil
			}
			// The in-flight attempt failed without an outcome; take over.
			continue
		}

		start := time.Now()
		resp, err := f.settleOnce(ctx, payload, reqs)
		metrics.SettleDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			f.receipts.Fail(key, done)
			return x402.SettleResponse{}, err
		}

		f.recordOutcome(&resp)
		if resp.Success || resp.ErrorReason == x402.ErrCodeSettlementIndeterminate {
			// An indeterminate outcome is cached too: the nonce is burned,
			// so a retry cannot do better than report the same ambiguity.
			f.receipts.Complete(key, &resp, done)
		} else {
			f.receipts.Fail(key, done)
		}
		return resp, nil
	}
}

func (f *Facilitator) settleOnce(ctx context.Context, payload *x402.PaymentPayload, reqs *x402.PaymentRequirements) (x402.SettleResponse, error) {
	auth := payload.Payload.PaymentAuthorization
	payer := common.HexToAddress(auth.From).Hex()

	release, err := f.locks.Acquire(payer)
	if err != nil {
		return x402.SettleResponse{}, err
	}
	defer release()

	// Re-verify under the lock: state may have moved since any dry run.
	verifyResp, err := f.Verify(ctx, payload, reqs)
	if err != nil {
		return x402.SettleResponse{}, err
	}
	if !verifyResp.IsValid {
		return x402.SettleResponse{
			Success:     false,
			Network:     payload.Network,
			ErrorReason: verifyResp.InvalidReason,
		}, nil
	}

	// Claim the nonce before touching the chain. Once claimed it is never
	// released, whatever happens to the transfer: releasing it on failure
	// would let a second attempt race a possibly-landed first transfer.
	expiry := time.Unix(auth.ValidBefore, 0).Add(nonceRetentionSlack)
	if err := f.store.TryClaim(ctx, auth.Nonce, payer, expiry); err != nil {
		if err == noncestore.ErrNonceAlreadyUsed {
			return x402.SettleResponse{
				Success:     false,
				Network:     payload.Network,
				ErrorReason: "nonce already used",
			}, nil
		}
		return x402.SettleResponse{}, fmt.Errorf("nonce claim failed: %w", err)
	}

	value, _ := new(big.Int).SetString(auth.Value, 10)
	from := common.HexToAddress(auth.From)
	to := common.HexToAddress(auth.To)
	token := common.HexToAddress(auth.Token)

	// The transfer is detached from the caller: an impatient client must
	// not be able to abandon a transaction that may already be in flight.
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.cfg.SettleTimeout)
	defer cancel()

	txHash, err := f.client.TransferFrom(tctx, token, from, to, value)
	if err != nil {
		if tctx.Err() != nil {
			// Submission timed out; the transaction may still be out there.
			f.logger.Error("transfer submission timed out",
				zap.String("payer", payer),
				zap.Error(err))
			return f.indeterminate(payload, payer, common.Hash{}), nil
		}
		f.logger.Warn("transfer submission rejected",
			zap.String("payer", payer),
			zap.String("value", value.String()),
			zap.Error(err))
		return x402.SettleResponse{
			Success:     false,
			Network:     payload.Network,
			Payer:       payer,
			ErrorReason: x402.ErrCodeSettlementFailed,
		}, nil
	}

	if resp, ok := f.awaitReceipt(tctx, payload, payer, txHash); ok {
		return resp, nil
	}

	// Confirmation did not arrive in time. A short reconciliation pass on
	// a fresh deadline decides between settled and indeterminate.
	rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), time.Duration(reconcileAttempts+1)*f.pollInterval)
	defer rcancel()
	for i := 0; i < reconcileAttempts; i++ {
		select {
		case <-rctx.Done():
			i = reconcileAttempts
			continue
		case <-time.After(f.pollInterval):
		}
		receipt, err := f.client.TransactionReceipt(rctx, txHash)
		if err != nil {
			continue
		}
		return f.finalize(payload, payer, receipt), nil
	}

	return f.indeterminate(payload, payer, txHash), nil
}

// awaitReceipt polls for the transaction receipt until the context
// expires. The bool reports whether a definitive outcome was reached.
func (f *Facilitator) awaitReceipt(ctx context.Context, payload *x402.PaymentPayload, payer string, txHash common.Hash) (x402.SettleResponse, bool) {
	for {
		select {
		case <-ctx.Done():
			return x402.SettleResponse{}, false
		case <-time.After(f.pollInterval):
		}

		receipt, err := f.client.TransactionReceipt(ctx, txHash)
		if err != nil {
			if err != ErrReceiptNotFound && ctx.Err() == nil {
				f.logger.Warn("receipt poll failed",
					zap.String("tx", txHash.Hex()),
					zap.Error(err))
			}
			continue
		}
		return f.finalize(payload, payer, receipt), true
	}
}

func (f *Facilitator) finalize(payload *x402.PaymentPayload, payer string, receipt *Receipt) x402.SettleResponse {
	auth := payload.Payload.PaymentAuthorization
	if receipt.Reverted {
		f.logger.Warn("settlement transaction reverted",
			zap.String("payer", payer),
			zap.String("tx", receipt.TxHash.Hex()))
		return x402.SettleResponse{
			Success:     false,
			Network:     payload.Network,
			Payer:       payer,
			Transaction: receipt.TxHash.Hex(),
			ErrorReason: x402.ErrCodeSettlementFailed,
		}
	}

	f.logger.Info("settlement confirmed",
		zap.String("payer", payer),
		zap.String("payTo", auth.To),
		zap.String("value", auth.Value),
		zap.String("tx", receipt.TxHash.Hex()))

	if f.notifier != nil {
		f.notifier.Notify(SettlementEvent{
			Transaction: receipt.TxHash.Hex(),
			Network:     payload.Network,
			Payer:       payer,
			PayTo:       auth.To,
			Value:       auth.Value,
			Token:       auth.Token,
			Nonce:       auth.Nonce,
			SettledAt:   f.now().Unix(),
		})
	}

	return x402.SettleResponse{
		Success:     true,
		Network:     payload.Network,
		Payer:       payer,
		Transaction: receipt.TxHash.Hex(),
	}
}

func (f *Facilitator) indeterminate(payload *x402.PaymentPayload, payer string, txHash common.Hash) x402.SettleResponse {
	resp := x402.SettleResponse{
		Success:     false,
		Network:     payload.Network,
		Payer:       payer,
		ErrorReason: x402.ErrCodeSettlementIndeterminate,
	}
	if txHash != (common.Hash{}) {
		resp.Transaction = txHash.Hex()
	}
	f.logger.Error("settlement outcome unknown",
		zap.String("payer", payer),
		zap.String("tx", resp.Transaction))
	return resp
}

func (f *Facilitator) recordOutcome(resp *x402.SettleResponse) {
	switch {
	case resp.Success:
		metrics.SettleTotal.WithLabelValues("settled").Inc()
	case resp.ErrorReason == x402.ErrCodeSettlementIndeterminate:
		metrics.SettleTotal.WithLabelValues("indeterminate").Inc()
	case resp.ErrorReason == x402.ErrCodeSettlementFailed:
		metrics.SettleTotal.WithLabelValues("failed").Inc()
	default:
		metrics.SettleTotal.WithLabelValues("rejected").Inc()
	}
}

func (f *Facilitator) tokenAccepted(token string) bool {
	for _, accepted := range f.cfg.AcceptedTokens {
		if strings.EqualFold(accepted, token) {
			return true
		}
	}
	return false
}

// StartNonceCleanup launches the periodic maintenance task: expired nonce
// records and idle payer locks are purged every interval until the context
// is cancelled. It never takes a lock that blocks in-flight claims.
func (f *Facilitator) StartNonceCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				purged, err := f.store.PurgeExpired(ctx, f.now())
				if err != nil {
					f.logger.Warn("nonce purge failed", zap.Error(err))
				} else if purged > 0 {
					metrics.NoncesPurged.Add(float64(purged))
					f.logger.Debug("purged expired nonces", zap.Int("count", purged))
				}
				f.locks.PurgeIdle(f.now().Add(-interval))
			}
		}
	}()
}
