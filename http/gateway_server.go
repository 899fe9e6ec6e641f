package http

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	x402 "github.com/tempo-x402/x402-go"

	"github.com/tempo-x402/x402-go/gateway"
	"github.com/tempo-x402/x402-go/metrics"
)

// paymentTimeoutSeconds is the max_timeout advertised in every paywall
// challenge.
const paymentTimeoutSeconds = 300

// GatewayServerConfig configures the gateway HTTP server.
type GatewayServerConfig struct {
	Registry *gateway.Registry
	Proxy    *gateway.Proxy

	// Settler settles payments, in process or via FacilitatorClient.
	Settler Settler

	// PayTo receives registration and management fees.
	PayTo string

	// AdminPriceUSD is the fee for register/update/deactivate calls,
	// e.g. "$0.10".
	AdminPriceUSD string

	// Network and ChainID identify the settlement chain. Defaults to the
	// Tempo chain.
	Network string
	ChainID *big.Int

	// HeaderSecret, when set, requires an HMAC tag on PAYMENT-SIGNATURE
	// and tags every PAYMENT-RESPONSE.
	HeaderSecret []byte

	// BaseURL prefixes the resource field of paywall challenges.
	BaseURL string

	// Health probes the gateway's own dependencies. Optional.
	Health func(ctx context.Context) error

	MetricsToken  string
	MetricsPublic bool

	Logger *zap.Logger
}

// GatewayServer serves the registration, analytics and paid-proxy API.
type GatewayServer struct {
	cfg         GatewayServerConfig
	engine      *gin.Engine
	settler     Settler
	adminAmount string
	logger      *zap.Logger
}

// NewGatewayServer builds the server.
func NewGatewayServer(cfg GatewayServerConfig) (*GatewayServer, error) {
	if cfg.Registry == nil || cfg.Proxy == nil || cfg.Settler == nil {
		return nil, x402.NewPaymentError(x402.ErrCodeConfigurationFatal, "registry, proxy and settler are required", nil)
	}
	if !common.IsHexAddress(cfg.PayTo) {
		return nil, x402.NewPaymentError(x402.ErrCodeConfigurationFatal, "gateway pay-to address is invalid", nil)
	}
	if cfg.AdminPriceUSD == "" {
		cfg.AdminPriceUSD = "$0.10"
	}
	adminAmount, err := x402.ParsePrice(cfg.AdminPriceUSD, x402.TokenDecimals)
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeConfigurationFatal, "admin price is invalid", map[string]interface{}{
			"price": cfg.AdminPriceUSD,
		})
	}
	if cfg.Network == "" {
		cfg.Network = x402.NetworkTempo
	}
	if cfg.ChainID == nil {
		cfg.ChainID = big.NewInt(x402.TempoChainID)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &GatewayServer{
		cfg:         cfg,
		engine:      newEngine(),
		settler:     cfg.Settler,
		adminAmount: adminAmount,
		logger:      cfg.Logger,
	}

	s.engine.POST("/register", s.handleRegister)
	s.engine.GET("/endpoints", s.handleList)
	s.engine.GET("/endpoints/:slug", s.handleGet)
	s.engine.PATCH("/endpoints/:slug", s.handleUpdate)
	s.engine.DELETE("/endpoints/:slug", s.handleDeactivate)
	s.engine.Any("/g/:slug", s.handleProxy)
	s.engine.Any("/g/:slug/*path", s.handleProxy)
	s.engine.GET("/analytics", s.handleAnalytics)
	s.engine.GET("/analytics/:slug", s.handleEndpointAnalytics)
	s.engine.GET("/health", s.handleHealth)
	metricsRoute(s.engine, cfg.MetricsToken, cfg.MetricsPublic)

	return s, nil
}

// Handler returns the server as an http.Handler.
func (s *GatewayServer) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until the listener fails.
func (s *GatewayServer) Run(addr string) error {
	return s.engine.Run(addr)
}

// adminRequirements prices a management call, paid to the gateway itself.
func (s *GatewayServer) adminRequirements(resource, description string) *x402.PaymentRequirements {
	return &x402.PaymentRequirements{
		Scheme:            x402.SchemeTempoTIP20,
		Network:           s.cfg.Network,
		MaxAmountRequired: s.adminAmount,
		Resource:          s.cfg.BaseURL + resource,
		Description:       description,
		MimeType:          "application/json",
		PayTo:             s.cfg.PayTo,
		MaxTimeoutSeconds: paymentTimeoutSeconds,
		Asset:             x402.DefaultTokenAddress,
	}
}

// endpointRequirements prices a call to a registered endpoint, paid to
// its owner.
func (s *GatewayServer) endpointRequirements(ep *gateway.Endpoint) *x402.PaymentRequirements {
	return &x402.PaymentRequirements{
		Scheme:            x402.SchemeTempoTIP20,
		Network:           s.cfg.Network,
		MaxAmountRequired: ep.PriceAmount,
		Resource:          s.cfg.BaseURL + "/g/" + ep.Slug,
		Description:       ep.Description,
		MimeType:          "application/json",
		PayTo:             ep.OwnerAddress,
		MaxTimeoutSeconds: paymentTimeoutSeconds,
		Asset:             x402.DefaultTokenAddress,
	}
}

type registerRequest struct {
	Slug        string `json:"slug" binding:"required"`
	TargetURL   string `json:"targetUrl" binding:"required"`
	PriceUSD    string `json:"priceUsd" binding:"required"`
	Description string `json:"description"`
}

// handleRegister reserves the slug, charges the registration fee, and
// activates the endpoint. A failed payment rolls the reservation back so
// the slug frees up immediately.
func (s *GatewayServer) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "malformed request body",
			"code":  x402.ErrCodeMalformedPayload,
		})
		return
	}

	if err := gateway.ValidateSlug(req.Slug); err != nil {
		writeError(c, err)
		return
	}
	if err := gateway.ValidateTargetURL(req.TargetURL); err != nil {
		writeError(c, err)
		return
	}
	priceAmount, err := x402.ParsePrice(req.PriceUSD, x402.TokenDecimals)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "price is not a valid dollar amount",
			"code":  x402.ErrCodeMalformedPayload,
		})
		return
	}

	reqs := s.adminRequirements("/register", "register endpoint "+req.Slug)

	// The payer named in the envelope becomes the owner. Settlement
	// enforces that the signature matches, so a forged owner cannot pay.
	payload, err := s.decodePayment(c)
	if err != nil {
		var reason string
		if paymentErr, ok := err.(*x402.PaymentError); ok {
			reason = paymentErr.Message
		} else {
			reason = "invalid payment header"
		}
		challenge(c, reqs, reason)
		return
	}
	owner := payload.Payload.From

	ctx := c.Request.Context()
	reservationID, err := s.cfg.Registry.ReserveSlug(ctx, gateway.RegisterParams{
		Slug:         req.Slug,
		OwnerAddress: owner,
		TargetURL:    req.TargetURL,
		PriceUSD:     req.PriceUSD,
		PriceAmount:  priceAmount,
		Description:  req.Description,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	resp, err := s.settler.Settle(ctx, payload, reqs)
	if err != nil || !resp.Success {
		if releaseErr := s.cfg.Registry.ReleaseReservation(ctx, reservationID); releaseErr != nil {
			s.logger.Error("failed to release reservation",
				zap.String("slug", req.Slug),
				zap.Error(releaseErr))
		}
		if err != nil {
			s.logger.Error("settlement unavailable", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "settlement unavailable"})
			return
		}
		s.attachSettlement(c, &resp)
		challenge(c, reqs, resp.ErrorReason)
		return
	}

	if err := s.cfg.Registry.Activate(ctx, reservationID); err != nil {
		// Paid but not activated: surface loudly, the operator has to
		// reconcile against the settlement transaction.
		s.logger.Error("activation failed after settlement",
			zap.String("slug", req.Slug),
			zap.String("transaction", resp.Transaction),
			zap.Error(err))
		s.attachSettlement(c, &resp)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "activation failed"})
		return
	}

	ep, err := s.cfg.Registry.Get(ctx, req.Slug)
	if err != nil {
		writeError(c, err)
		return
	}
	s.attachSettlement(c, &resp)
	s.logger.Info("endpoint registered",
		zap.String("slug", req.Slug),
		zap.String("owner", owner),
		zap.String("transaction", resp.Transaction))
	c.JSON(http.StatusCreated, ep)
}

func (s *GatewayServer) handleList(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	eps, err := s.cfg.Registry.List(c.Request.Context(), limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"endpoints": eps})
}

func (s *GatewayServer) handleGet(c *gin.Context) {
	ep, err := s.cfg.Registry.Get(c.Request.Context(), c.Param("slug"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ep)
}

// requireOwnerPayment authenticates a management call on an existing
// endpoint. Ownership is proven by the signature on the payment envelope
// and checked BEFORE settling: a non-owner is refused without being
// charged.
func (s *GatewayServer) requireOwnerPayment(c *gin.Context, ep *gateway.Endpoint, action string) (*x402.SettleResponse, bool) {
	reqs := s.adminRequirements("/endpoints/"+ep.Slug, action+" endpoint "+ep.Slug)

	payload, err := s.decodePayment(c)
	if err != nil {
		var reason string
		if paymentErr, ok := err.(*x402.PaymentError); ok {
			reason = paymentErr.Message
		} else {
			reason = "invalid payment header"
		}
		challenge(c, reqs, reason)
		return nil, false
	}

	signer, err := x402.RecoverSigner(payload.Payload.PaymentAuthorization, payload.Payload.Signature, s.cfg.ChainID)
	if err != nil {
		challenge(c, reqs, "invalid payment signature")
		return nil, false
	}
	if !strings.EqualFold(signer.Hex(), ep.OwnerAddress) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error": "only the endpoint owner may do this",
			"code":  x402.ErrCodeUnauthorized,
		})
		return nil, false
	}

	resp, err := s.settler.Settle(c.Request.Context(), payload, reqs)
	if err != nil {
		s.logger.Error("settlement unavailable", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "settlement unavailable"})
		return nil, false
	}
	s.attachSettlement(c, &resp)
	if !resp.Success {
		challenge(c, reqs, resp.ErrorReason)
		return nil, false
	}
	return &resp, true
}

type updateRequest struct {
	TargetURL   *string `json:"targetUrl"`
	PriceUSD    *string `json:"priceUsd"`
	Description *string `json:"description"`
}

func (s *GatewayServer) handleUpdate(c *gin.Context) {
	ctx := c.Request.Context()
	ep, err := s.cfg.Registry.Get(ctx, c.Param("slug"))
	if err != nil {
		writeError(c, err)
		return
	}

	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "malformed request body",
			"code":  x402.ErrCodeMalformedPayload,
		})
		return
	}

	params := gateway.UpdateParams{Description: req.Description}
	if req.TargetURL != nil {
		if err := gateway.ValidateTargetURL(*req.TargetURL); err != nil {
			writeError(c, err)
			return
		}
		params.TargetURL = req.TargetURL
	}
	if req.PriceUSD != nil {
		priceAmount, err := x402.ParsePrice(*req.PriceUSD, x402.TokenDecimals)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "price is not a valid dollar amount",
				"code":  x402.ErrCodeMalformedPayload,
			})
			return
		}
		params.PriceUSD = req.PriceUSD
		params.PriceAmount = &priceAmount
	}

	if _, ok := s.requireOwnerPayment(c, ep, "update"); !ok {
		return
	}

	updated, err := s.cfg.Registry.Update(ctx, ep.Slug, ep.OwnerAddress, params)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *GatewayServer) handleDeactivate(c *gin.Context) {
	ctx := c.Request.Context()
	ep, err := s.cfg.Registry.Get(ctx, c.Param("slug"))
	if err != nil {
		writeError(c, err)
		return
	}

	if _, ok := s.requireOwnerPayment(c, ep, "deactivate"); !ok {
		return
	}

	if err := s.cfg.Registry.Deactivate(ctx, ep.Slug, ep.OwnerAddress); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"slug": ep.Slug, "status": gateway.StatusDeactivated})
}

// handleProxy is the paid path: paywall, settle, forward, record.
func (s *GatewayServer) handleProxy(c *gin.Context) {
	ctx := c.Request.Context()
	ep, err := s.cfg.Registry.Get(ctx, c.Param("slug"))
	if err != nil {
		writeError(c, err)
		return
	}

	reqs := s.endpointRequirements(ep)
	settlement, ok := s.settlePayment(c, reqs)
	if !ok {
		return
	}

	resp, err := s.cfg.Proxy.Forward(ctx, ep, c.Request, c.Param("path"), &gateway.PaymentInfo{
		Payer:   settlement.Payer,
		TxHash:  settlement.Transaction,
		Network: settlement.Network,
	})
	if err != nil {
		var paymentErr *x402.PaymentError
		if errors.As(err, &paymentErr) {
			writeError(c, err)
			return
		}
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "upstream request failed"})
		return
	}

	if err := s.cfg.Registry.RecordSettledCall(ctx, ep.Slug, ep.PriceAmount); err != nil {
		s.logger.Error("failed to record settled call",
			zap.String("slug", ep.Slug),
			zap.Error(err))
	}
	metrics.EndpointPayments.WithLabelValues(ep.Slug).Inc()

	if err := s.cfg.Proxy.WriteResponse(c.Writer, resp); err != nil {
		s.logger.Warn("failed to relay upstream response",
			zap.String("slug", ep.Slug),
			zap.Error(err))
	}
	c.Abort()
}

func (s *GatewayServer) handleAnalytics(c *gin.Context) {
	stats, err := s.cfg.Registry.TotalStats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *GatewayServer) handleEndpointAnalytics(c *gin.Context) {
	ep, err := s.cfg.Registry.Stats(c.Request.Context(), c.Param("slug"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ep)
}

func (s *GatewayServer) handleHealth(c *gin.Context) {
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
