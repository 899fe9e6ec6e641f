// The facilitator binary verifies and settles x402 payment authorizations
// on the Tempo network. Configuration is taken from the environment:
//
//	X402_PRIVATE_KEY         hex private key of the settlement account (required)
//	X402_AUTH_SECRET         HMAC secret authenticating API callers (required)
//	X402_NONCE_DB            path to the sqlite nonce database (required unless
//	                         X402_ALLOW_MEMORY_NONCES=true)
//	X402_RPC_URL             chain RPC endpoint
//	X402_LISTEN_ADDR         listen address, default :8402
//	X402_ACCEPTED_TOKENS     comma-separated token allowlist
//	X402_MAX_SETTLE_AMOUNT   per-settlement cap in smallest units
//	X402_WEBHOOK_URLS        comma-separated settlement webhook targets
//	X402_METRICS_TOKEN       bearer token guarding /metrics
//	X402_METRICS_PUBLIC      "true" exposes /metrics without a token
package main

import (
	"context"
	"database/sql"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	x402 "github.com/tempo-x402/x402-go"

	"github.com/tempo-x402/x402-go/facilitator"
	x402http "github.com/tempo-x402/x402-go/http"
	"github.com/tempo-x402/x402-go/noncestore"
	"github.com/tempo-x402/x402-go/signers/evm"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("facilitator exited", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	privateKey := os.Getenv("X402_PRIVATE_KEY")
	if privateKey == "" {
		return x402.NewPaymentError(x402.ErrCodeConfigurationFatal, "X402_PRIVATE_KEY is required", nil)
	}
	authSecret := os.Getenv("X402_AUTH_SECRET")
	if authSecret == "" {
		return x402.NewPaymentError(x402.ErrCodeConfigurationFatal, "X402_AUTH_SECRET is required", nil)
	}

	chain := x402.DefaultChainConfig()
	if rpcURL := os.Getenv("X402_RPC_URL"); rpcURL != "" {
		chain.RPCURL = rpcURL
	}

	client, err := evm.Dial(ctx, chain.RPCURL, privateKey, chain.ChainID)
	if err != nil {
		return err
	}
	defer client.Close()

	store, err := openNonceStore(ctx, logger)
	if err != nil {
		return err
	}

	cfg := facilitator.Config{
		Chain:          chain,
		Address:        client.Address(),
		AcceptedTokens: splitList(os.Getenv("X402_ACCEPTED_TOKENS")),
		Logger:         logger,
	}
	if raw := os.Getenv("X402_MAX_SETTLE_AMOUNT"); raw != "" {
		maxAmount, ok := new(big.Int).SetString(raw, 10)
		if !ok || maxAmount.Sign() <= 0 {
			return x402.NewPaymentError(x402.ErrCodeConfigurationFatal, "X402_MAX_SETTLE_AMOUNT must be a positive integer", nil)
		}
		cfg.MaxSettleAmount = maxAmount
	}

	fac := facilitator.New(client, store, cfg)

	if urls := splitList(os.Getenv("X402_WEBHOOK_URLS")); len(urls) > 0 {
		notifier, err := facilitator.NewNotifier(urls, []byte(authSecret), logger)
		if err != nil {
			return err
		}
		fac.SetNotifier(notifier)
	}
	fac.StartNonceCleanup(ctx, time.Minute)

	server, err := x402http.NewFacilitatorServer(x402http.FacilitatorServerConfig{
		Facilitator:   fac,
		AuthSecret:    []byte(authSecret),
		Health:        client.Health,
		MetricsToken:  os.Getenv("X402_METRICS_TOKEN"),
		MetricsPublic: os.Getenv("X402_METRICS_PUBLIC") == "true",
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	addr := envOr("X402_LISTEN_ADDR", ":8402")
	httpServer := &http.Server{Addr: addr, Handler: server.Handler()}

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()
	logger.Info("facilitator listening",
		zap.String("addr", addr),
		zap.String("network", chain.Network),
		zap.String("settler", client.Address().Hex()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// openNonceStore opens the durable nonce store. Running without one is a
// deliberate dev-only choice: replayed nonces are only caught within a
// single process lifetime.
func openNonceStore(ctx context.Context, logger *zap.Logger) (noncestore.Store, error) {
	dbPath := os.Getenv("X402_NONCE_DB")
	if dbPath == "" {
		if os.Getenv("X402_ALLOW_MEMORY_NONCES") != "true" {
			return nil, x402.NewPaymentError(x402.ErrCodeConfigurationFatal,
				"X402_NONCE_DB is required; X402_ALLOW_MEMORY_NONCES=true disables durable replay protection", nil)
		}
		logger.Warn("using in-memory nonce store; replay protection will not survive a restart")
		return noncestore.NewMemoryStore(), nil
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	store := noncestore.NewSQLStore(db)
	if err := store.Migrate(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
