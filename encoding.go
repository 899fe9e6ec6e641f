package x402

import (
	"encoding/base64"
	"encoding/json"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// EncodePaymentHeader serializes a payment envelope into the value carried
// by the PAYMENT-SIGNATURE header: standard base64 over compact JSON.
func EncodePaymentHeader(payload *PaymentPayload) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// EncodePaymentHeaderWithTag serializes a payment envelope and appends an
// HMAC tag over the encoded value, separated by a dot. Used when the caller
// shares an authentication secret with the facilitator.
func EncodePaymentHeaderWithTag(payload *PaymentPayload, secret []byte) (string, error) {
	encoded, err := EncodePaymentHeader(payload)
	if err != nil {
		return "", err
	}
	return encoded + "." + ComputeHMAC(secret, []byte(encoded)), nil
}

// DecodePaymentHeader parses a PAYMENT-SIGNATURE header value. It returns
// the decoded envelope and the optional HMAC tag that followed the encoded
// payload. The payload is structurally validated; semantic checks (signature,
// time window, funds) are the facilitator's job.
func DecodePaymentHeader(headerValue string) (*PaymentPayload, string, error) {
	if headerValue == "" {
		return nil, "", NewPaymentError(ErrCodeMalformedPayload, "payment header is empty", nil)
	}

	encoded := headerValue
	tag := ""
	// Base64 standard alphabet never contains a dot, so the first dot
	// separates the payload from its tag.
	if i := strings.IndexByte(headerValue, '.'); i >= 0 {
		encoded = headerValue[:i]
		tag = headerValue[i+1:]
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, "", NewPaymentError(ErrCodeMalformedPayload, "payment header is not valid base64", nil)
	}

	var payload PaymentPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, "", NewPaymentError(ErrCodeMalformedPayload, "payment header is not valid JSON", nil)
	}

	if err := ValidatePaymentPayload(&payload); err != nil {
		return nil, "", err
	}

	return &payload, tag, nil
}

// ValidatePaymentPayload checks the structural integrity of a decoded
// envelope: well-formed addresses, a 32-byte nonce, a non-negative integer
// value and a present signature.
func ValidatePaymentPayload(payload *PaymentPayload) error {
	auth := payload.Payload.PaymentAuthorization

	if !common.IsHexAddress(auth.From) {
		return NewPaymentError(ErrCodeMalformedPayload, "from is not a valid address", nil)
	}
	if !common.IsHexAddress(auth.To) {
		return NewPaymentError(ErrCodeMalformedPayload, "to is not a valid address", nil)
	}
	if !common.IsHexAddress(auth.Token) {
		return NewPaymentError(ErrCodeMalformedPayload, "token is not a valid address", nil)
	}

	if !isBytes32Hex(auth.Nonce) {
		return NewPaymentError(ErrCodeMalformedPayload, "nonce must be 32 bytes of 0x-prefixed hex", nil)
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok || value.Sign() < 0 {
		return NewPaymentError(ErrCodeMalformedPayload, "value must be a non-negative decimal integer", nil)
	}

	if payload.Payload.Signature == "" {
		return NewPaymentError(ErrCodeMalformedPayload, "signature is missing", nil)
	}

	return nil
}

// EncodeSettlementHeader serializes a settlement result into the value
// carried by the PAYMENT-RESPONSE header. A non-nil secret appends an HMAC
// tag over the encoded value.
func EncodeSettlementHeader(resp *SettleResponse, secret []byte) (string, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return "", err
	}
	encoded := base64.StdEncoding.EncodeToString(data)
	if len(secret) > 0 {
		encoded = encoded + "." + ComputeHMAC(secret, []byte(encoded))
	}
	return encoded, nil
}

// DecodeSettlementHeader parses a PAYMENT-RESPONSE header value. When a
// secret is provided the tag is required and verified.
func DecodeSettlementHeader(headerValue string, secret []byte) (*SettleResponse, error) {
	encoded := headerValue
	tag := ""
	if i := strings.IndexByte(headerValue, '.'); i >= 0 {
		encoded = headerValue[:i]
		tag = headerValue[i+1:]
	}

	if len(secret) > 0 && !VerifyHMAC(secret, []byte(encoded), tag) {
		return nil, NewPaymentError(ErrCodeUnauthorized, "settlement header tag verification failed", nil)
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, NewPaymentError(ErrCodeMalformedPayload, "settlement header is not valid base64", nil)
	}

	var resp SettleResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, NewPaymentError(ErrCodeMalformedPayload, "settlement header is not valid JSON", nil)
	}
	return &resp, nil
}

func isBytes32Hex(s string) bool {
	if !strings.HasPrefix(s, "0x") || len(s) != 66 {
		return false
	}
	for _, c := range s[2:] {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
