// Package http exposes the facilitator and the gateway over HTTP using
// gin, and provides the HMAC-authenticated client a gateway uses to talk
// to a remote facilitator.
package http

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	x402 "github.com/tempo-x402/x402-go"
)

// Settler verifies and settles payment authorizations. It is implemented
// by facilitator.Facilitator in process and by FacilitatorClient over the
// wire, so a gateway can run either way.
type Settler interface {
	Verify(ctx context.Context, payload *x402.PaymentPayload, reqs *x402.PaymentRequirements) (x402.VerifyResponse, error)
	Settle(ctx context.Context, payload *x402.PaymentPayload, reqs *x402.PaymentRequirements) (x402.SettleResponse, error)
}

// settlementRequest is the body of POST /verify and POST /verify-and-settle.
type settlementRequest struct {
	X402Version         int                       `json:"x402Version"`
	PaymentPayload      *x402.PaymentPayload      `json:"paymentPayload" binding:"required"`
	PaymentRequirements *x402.PaymentRequirements `json:"paymentRequirements" binding:"required"`
}

// statusForCode maps payment error codes onto HTTP statuses for the
// gateway's management routes.
func statusForCode(code string) int {
	switch code {
	case x402.ErrCodeMalformedPayload:
		return http.StatusBadRequest
	case x402.ErrCodeUnauthorized:
		return http.StatusForbidden
	case x402.ErrCodeEndpointNotFound:
		return http.StatusNotFound
	case x402.ErrCodeSlugTaken:
		return http.StatusConflict
	case x402.ErrCodeProxyTargetRejected:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders an error as JSON. Payment errors carry their code;
// anything else becomes an opaque 500 so internals never leak.
func writeError(c *gin.Context, err error) {
	var paymentErr *x402.PaymentError
	if errors.As(err, &paymentErr) {
		c.AbortWithStatusJSON(statusForCode(paymentErr.Code), gin.H{
			"error": paymentErr.Message,
			"code":  paymentErr.Code,
		})
		return
	}
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

// metricsRoute registers GET /metrics, guarded by a bearer token unless
// the operator explicitly opted into a public scrape endpoint. With no
// token and no opt-in the route is not registered at all.
func metricsRoute(engine *gin.Engine, token string, public bool) {
	if !public && token == "" {
		return
	}
	handler := gin.WrapH(promhttp.Handler())
	engine.GET("/metrics", func(c *gin.Context) {
		if !public {
			presented := c.GetHeader("Authorization")
			expected := "Bearer " + token
			if subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) != 1 {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return
			}
		}
		handler(c)
	})
}

func newEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	return engine
}
