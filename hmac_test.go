package x402

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeAndVerifyHMAC(t *testing.T) {
	secret := []byte("facilitator-secret")
	body := []byte(`{"x402Version":1}`)

	tag := ComputeHMAC(secret, body)
	assert.Len(t, tag, 64) // hex SHA-256

	assert.True(t, VerifyHMAC(secret, body, tag))
	assert.False(t, VerifyHMAC(secret, []byte(`{"x402Version":2}`), tag))
	assert.False(t, VerifyHMAC([]byte("wrong-secret"), body, tag))
}

func TestVerifyHMACRejectsBadTags(t *testing.T) {
	secret := []byte("facilitator-secret")
	body := []byte("payload")

	assert.False(t, VerifyHMAC(secret, body, ""))
	assert.False(t, VerifyHMAC(secret, body, "not-hex!"))
	assert.False(t, VerifyHMAC(secret, body, "abcd")) // valid hex, wrong length
}

func TestWebhookKeyDomainSeparation(t *testing.T) {
	secret := []byte("facilitator-secret")
	body := []byte("webhook body")

	webhookKey := WebhookKey(secret)
	require.NotEmpty(t, webhookKey)
	assert.NotEqual(t, secret, webhookKey)

	// A tag minted with the webhook key must not validate against the
	// request-authentication key, and vice versa.
	webhookTag := ComputeHMAC(webhookKey, body)
	assert.False(t, VerifyHMAC(secret, body, webhookTag))
	assert.True(t, VerifyHMAC(webhookKey, body, webhookTag))
}
