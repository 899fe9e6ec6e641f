package http

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	x402 "github.com/tempo-x402/x402-go"

	"github.com/tempo-x402/x402-go/metrics"
)

// maxRequestBody caps verify/settle request bodies. Payment envelopes are
// small; anything bigger is garbage.
const maxRequestBody = 64 * 1024

// FacilitatorService is the facilitator surface the server exposes.
type FacilitatorService interface {
	Settler
	Supported() map[string]interface{}
}

// FacilitatorServerConfig configures the facilitator HTTP server.
type FacilitatorServerConfig struct {
	// Facilitator handles verification and settlement.
	Facilitator FacilitatorService

	// AuthSecret authenticates callers: every verify/settle request must
	// carry an X-Facilitator-Auth HMAC over its raw body. Required.
	AuthSecret []byte

	// Health probes the settlement backend, typically an RPC liveness
	// check. Optional.
	Health func(ctx context.Context) error

	// MetricsToken guards GET /metrics; MetricsPublic exposes it without
	// a token. With neither set the route does not exist.
	MetricsToken  string
	MetricsPublic bool

	Logger *zap.Logger
}

// FacilitatorServer serves the facilitator API.
type FacilitatorServer struct {
	cfg    FacilitatorServerConfig
	engine *gin.Engine
	logger *zap.Logger
}

// NewFacilitatorServer builds the server. A missing auth secret is a
// configuration error: an unauthenticated settlement endpoint would let
// anyone spend the facilitator's gas.
func NewFacilitatorServer(cfg FacilitatorServerConfig) (*FacilitatorServer, error) {
	if cfg.Facilitator == nil {
		return nil, x402.NewPaymentError(x402.ErrCodeConfigurationFatal, "facilitator is required", nil)
	}
	if len(cfg.AuthSecret) == 0 {
		return nil, x402.NewPaymentError(x402.ErrCodeConfigurationFatal, "facilitator auth secret is required", nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &FacilitatorServer{
		cfg:    cfg,
		engine: newEngine(),
		logger: cfg.Logger,
	}

	authed := s.engine.Group("/", s.requireAuth)
	authed.POST("/verify", s.handleVerify)
	authed.POST("/verify-and-settle", s.handleSettle)

	s.engine.GET("/supported", s.handleSupported)
	s.engine.GET("/health", s.handleHealth)
	metricsRoute(s.engine, cfg.MetricsToken, cfg.MetricsPublic)

	return s, nil
}

// Handler returns the server as an http.Handler.
func (s *FacilitatorServer) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until the listener fails.
func (s *FacilitatorServer) Run(addr string) error {
	return s.engine.Run(addr)
}

// requireAuth checks the X-Facilitator-Auth HMAC over the raw body, then
// hands the body back to the JSON binder.
func (s *FacilitatorServer) requireAuth(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBody)
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error": "unreadable request body",
			"code":  x402.ErrCodeMalformedPayload,
		})
		return
	}

	tag := c.GetHeader(x402.HeaderFacilitatorAuth)
	if !x402.VerifyHMAC(s.cfg.AuthSecret, body, tag) {
		metrics.AuthFailures.Inc()
		s.logger.Warn("rejected unauthenticated facilitator request",
			zap.String("path", c.Request.URL.Path),
			zap.String("remote", c.ClientIP()))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "missing or invalid facilitator auth",
			"code":  x402.ErrCodeUnauthorized,
		})
		return
	}

	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	c.Next()
}

func (s *FacilitatorServer) handleVerify(c *gin.Context) {
	var req settlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "malformed request body",
			"code":  x402.ErrCodeMalformedPayload,
		})
		return
	}

	resp, err := s.cfg.Facilitator.Verify(c.Request.Context(), req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		s.logger.Error("verification unavailable", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "verification unavailable"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *FacilitatorServer) handleSettle(c *gin.Context) {
	var req settlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "malformed request body",
			"code":  x402.ErrCodeMalformedPayload,
		})
		return
	}

	// Settlement outcomes, including failures, travel in the response
	// body with a 200: the HTTP status describes the transport, the
	// SettleResponse describes the payment.
	resp, err := s.cfg.Facilitator.Settle(c.Request.Context(), req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		s.logger.Error("settlement unavailable", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "settlement unavailable"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *FacilitatorServer) handleSupported(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.Facilitator.Supported())
}

func (s *FacilitatorServer) handleHealth(c *gin.Context) {
	if s.cfg.Health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.cfg.Health(ctx); err != nil {
			s.logger.Warn("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
