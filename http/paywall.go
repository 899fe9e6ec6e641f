package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	x402 "github.com/tempo-x402/x402-go"
)

// PaymentRequired is the body of a 402 response: everything a client
// needs to construct an acceptable payment.
type PaymentRequired struct {
	X402Version int                        `json:"x402Version"`
	Accepts     []x402.PaymentRequirements `json:"accepts"`
	Error       string                     `json:"error,omitempty"`
}

// challenge renders the 402 paywall for the given requirement.
func challenge(c *gin.Context, reqs *x402.PaymentRequirements, reason string) {
	c.AbortWithStatusJSON(http.StatusPaymentRequired, PaymentRequired{
		X402Version: x402.X402Version,
		Accepts:     []x402.PaymentRequirements{*reqs},
		Error:       reason,
	})
}

// decodePayment parses the PAYMENT-SIGNATURE header. When the gateway
// carries a header secret the tag is mandatory and verified before the
// envelope is trusted at all.
func (s *GatewayServer) decodePayment(c *gin.Context) (*x402.PaymentPayload, error) {
	header := c.GetHeader(x402.HeaderPaymentSignature)
	if header == "" {
		return nil, x402.NewPaymentError(x402.ErrCodeMalformedPayload, "payment header is empty", nil)
	}

	if len(s.cfg.HeaderSecret) > 0 {
		encoded, tag := header, ""
		if i := strings.IndexByte(header, '.'); i >= 0 {
			encoded, tag = header[:i], header[i+1:]
		}
		if !x402.VerifyHMAC(s.cfg.HeaderSecret, []byte(encoded), tag) {
			return nil, x402.NewPaymentError(x402.ErrCodeUnauthorized, "payment header tag verification failed", nil)
		}
	}

	payload, _, err := x402.DecodePaymentHeader(header)
	return payload, err
}

// settlePayment runs the paywall for one requirement: no header or a
// malformed one yields the 402 challenge, a settleable one is settled.
// On every settlement outcome the PAYMENT-RESPONSE header is attached so
// the caller can prove what happened. Returns the settlement only when
// the payment went through; otherwise the response has been written.
func (s *GatewayServer) settlePayment(c *gin.Context, reqs *x402.PaymentRequirements) (*x402.SettleResponse, bool) {
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

// attachSettlement sets the PAYMENT-RESPONSE header. Must run before the
// body is written.
func (s *GatewayServer) attachSettlement(c *gin.Context, resp *x402.SettleResponse) {
	encoded, err := x402.EncodeSettlementHeader(resp, s.cfg.HeaderSecret)
	if err != nil {
		s.logger.Error("failed to encode settlement header", zap.Error(err))
		return
	}
	c.Header(x402.HeaderPaymentResponse, encoded)
}
