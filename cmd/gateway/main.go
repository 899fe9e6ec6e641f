// The gateway binary hosts the paid-endpoint registry and the paywalled
// reverse proxy. Settlement happens at a remote facilitator reached over
// HMAC-authenticated HTTP. Configuration is taken from the environment:
//
//	X402_GATEWAY_DB         path to the sqlite endpoint database (required)
//	X402_GATEWAY_PAY_TO     address receiving registration fees (required)
//	X402_FACILITATOR_URL    facilitator base URL (required)
//	X402_AUTH_SECRET        HMAC secret shared with the facilitator (required)
//	X402_ADMIN_PRICE        registration/management fee, default $0.10
//	X402_HEADER_SECRET      HMAC secret for payment header tags
//	X402_BASE_URL           public base URL used in paywall challenges
//	X402_LISTEN_ADDR        listen address, default :8403
//	X402_METRICS_TOKEN      bearer token guarding /metrics
//	X402_METRICS_PUBLIC     "true" exposes /metrics without a token
package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	x402 "github.com/tempo-x402/x402-go"

	"github.com/tempo-x402/x402-go/gateway"
	x402http "github.com/tempo-x402/x402-go/http"
)

// staleReservationAge is how long a pending registration may sit unpaid
// before its slug is reclaimed.
const staleReservationAge = 15 * time.Minute

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("gateway exited", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPath := os.Getenv("X402_GATEWAY_DB")
	if dbPath == "" {
		return x402.NewPaymentError(x402.ErrCodeConfigurationFatal, "X402_GATEWAY_DB is required", nil)
	}
	payTo := os.Getenv("X402_GATEWAY_PAY_TO")
	if payTo == "" {
		return x402.NewPaymentError(x402.ErrCodeConfigurationFatal, "X402_GATEWAY_PAY_TO is required", nil)
	}
	facilitatorURL := os.Getenv("X402_FACILITATOR_URL")
	if facilitatorURL == "" {
		return x402.NewPaymentError(x402.ErrCodeConfigurationFatal, "X402_FACILITATOR_URL is required", nil)
	}
	authSecret := os.Getenv("X402_AUTH_SECRET")
	if authSecret == "" {
		return x402.NewPaymentError(x402.ErrCodeConfigurationFatal, "X402_AUTH_SECRET is required", nil)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return err
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	registry := gateway.NewRegistry(db)
	if err := registry.Migrate(ctx); err != nil {
		return err
	}
	go reapStaleReservations(ctx, registry, logger)

	settler, err := x402http.NewFacilitatorClient(x402http.FacilitatorClientConfig{
		URL:        facilitatorURL,
		AuthSecret: []byte(authSecret),
	})
	if err != nil {
		return err
	}

	var headerSecret []byte
	if s := os.Getenv("X402_HEADER_SECRET"); s != "" {
		headerSecret = []byte(s)
	}

	server, err := x402http.NewGatewayServer(x402http.GatewayServerConfig{
		Registry:      registry,
		Proxy:         gateway.NewProxy(logger),
		Settler:       settler,
		PayTo:         payTo,
		AdminPriceUSD: envOr("X402_ADMIN_PRICE", "$0.10"),
		HeaderSecret:  headerSecret,
		BaseURL:       os.Getenv("X402_BASE_URL"),
		Health:        db.PingContext,
		MetricsToken:  os.Getenv("X402_METRICS_TOKEN"),
		MetricsPublic: os.Getenv("X402_METRICS_PUBLIC") == "true",
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	addr := envOr("X402_LISTEN_ADDR", ":8403")
	httpServer := &http.Server{Addr: addr, Handler: server.Handler()}

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()
	logger.Info("gateway listening",
		zap.String("addr", addr),
		zap.String("facilitator", facilitatorURL))

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

// reapStaleReservations frees slugs whose registration was never paid.
func reapStaleReservations(ctx context.Context, registry *gateway.Registry, logger *zap.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := registry.PurgeStaleReservations(ctx, time.Now().Add(-staleReservationAge))
			if err != nil {
				logger.Warn("failed to purge stale reservations", zap.Error(err))
				continue
			}
			if purged > 0 {
				logger.Info("purged stale reservations", zap.Int("count", purged))
			}
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
