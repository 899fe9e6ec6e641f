// Package x402 implements the core types and primitives of the x402
// pay-per-request payment protocol on the Tempo network: signed payment
// authorizations, the HTTP header codec, EIP-712 signature verification,
// and the shared error taxonomy.
package x402

// Protocol constants.
const (
	// X402Version is the protocol version carried in every payment envelope.
	X402Version = 1

	// SchemeTempoTIP20 is the payment scheme identifier for TIP-20 token
	// transfers authorized off-chain and settled by a facilitator.
	SchemeTempoTIP20 = "tempo-tip20"

	// NetworkTempo is the CAIP-2 identifier of the Tempo network.
	NetworkTempo = "eip155:42431"

	// TempoChainID is the EIP-155 chain ID of the Tempo network.
	TempoChainID = 42431

	// DefaultTokenAddress is the canonical USD stable token on Tempo.
	DefaultTokenAddress = "0x20c0000000000000000000000000000000000000"

	// TokenDecimals is the decimal precision of the default token.
	TokenDecimals = 6

	// DefaultRPCURL is the public Tempo RPC endpoint.
	DefaultRPCURL = "https://rpc.moderato.tempo.xyz"
)

// HTTP header names used by the protocol.
const (
	// HeaderPaymentSignature carries the base64-encoded payment envelope
	// on paid requests.
	HeaderPaymentSignature = "PAYMENT-SIGNATURE"

	// HeaderPaymentResponse carries the base64-encoded settlement result
	// on paid responses.
	HeaderPaymentResponse = "PAYMENT-RESPONSE"

	// HeaderFacilitatorAuth carries the hex HMAC tag authenticating a
	// request body to the facilitator.
	HeaderFacilitatorAuth = "X-Facilitator-Auth"

	// HeaderWebhookSignature carries the hex HMAC tag authenticating an
	// outbound settlement webhook body.
	HeaderWebhookSignature = "X-Webhook-Signature"
)

// PaymentAuthorization is the EIP-712 signed message authorizing a single
// token transfer. Field order matches the on-chain struct and must not change.
type PaymentAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	Token       string `json:"token"`
	ValidAfter  int64  `json:"validAfter"`
	ValidBefore int64  `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// SignedAuthorization is an authorization together with its signature, as
// carried on the wire.
type SignedAuthorization struct {
	PaymentAuthorization
	Signature string `json:"signature"`
}

// PaymentPayload is the envelope carried in the PAYMENT-SIGNATURE header.
type PaymentPayload struct {
	X402Version int                 `json:"x402Version"`
	Scheme      string              `json:"scheme"`
	Network     string              `json:"network"`
	Payload     SignedAuthorization `json:"payload"`
}

// PaymentRequirements describes what a resource server demands before it
// serves a request. Returned in the 402 response body and checked by the
// facilitator against the presented authorization.
type PaymentRequirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Resource          string `json:"resource"`
	Description       string `json:"description,omitempty"`
	MimeType          string `json:"mimeType,omitempty"`
	PayTo             string `json:"payTo"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds"`
	Asset             string `json:"asset"`
}

// VerifyResponse is the result of a dry-run verification.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse is the result of a settlement attempt. Encoded into the
// PAYMENT-RESPONSE header on success.
type SettleResponse struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}
