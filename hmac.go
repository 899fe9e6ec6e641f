package x402

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// webhookKeyInfo domain-separates the webhook signing key from the
// facilitator request-authentication key.
const webhookKeyInfo = "x402-webhook-hmac"

// ComputeHMAC returns the hex-encoded HMAC-SHA256 tag over body.
func ComputeHMAC(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC checks a hex tag against the HMAC-SHA256 of body in constant
// time. The expected MAC is always computed, even when the presented tag is
// not decodable hex, so rejection time does not depend on the input shape.
func VerifyHMAC(secret, body []byte, tag string) bool {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := mac.Sum(nil)

	presented, err := hex.DecodeString(tag)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, presented)
}

// WebhookKey derives the webhook signing key from the facilitator secret.
// Webhook bodies are tagged with a key distinct from the one clients use,
// so a webhook receiver can never forge facilitator requests.
func WebhookKey(secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(webhookKeyInfo))
	return mac.Sum(nil)
}
