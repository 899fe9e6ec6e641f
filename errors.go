package x402

import "fmt"

// PaymentError represents a payment-specific error
type PaymentError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Common error codes
const (
	ErrCodeMalformedPayload        = "malformed_payload"
	ErrCodeInvalidSignature        = "invalid_signature"
	ErrCodeNonCanonicalSignature   = "non_canonical_signature"
	ErrCodeChainMismatch           = "chain_mismatch"
	ErrCodeContractMismatch        = "contract_mismatch"
	ErrCodePaymentExpired          = "payment_expired"
	ErrCodeReplayedNonce           = "replayed_nonce"
	ErrCodeInsufficientFunds       = "insufficient_funds"
	ErrCodeInsufficientAllowance   = "insufficient_allowance"
	ErrCodeSettlementFailed        = "settlement_failed"
	ErrCodeSettlementIndeterminate = "settlement_indeterminate"
	ErrCodeSlugTaken               = "slug_taken"
	ErrCodeEndpointNotFound        = "endpoint_not_found"
	ErrCodeUnauthorized            = "unauthorized"
	ErrCodeProxyTargetRejected     = "proxy_target_rejected"
	ErrCodeConfigurationFatal      = "configuration_fatal"
)

// NewPaymentError creates a new payment error
func NewPaymentError(code, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Details: details,
	}
}
