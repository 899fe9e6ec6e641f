package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func testEndpoint() *Endpoint {
	return &Endpoint{
		Slug:        "weather",
		TargetURL:   "https://api.example.com/v1",
		PriceAmount: "10000",
		Status:      StatusActive,
	}
}

// stubUpstream swaps the proxy's transport for a function, capturing the
// outbound request without touching the network.
func stubUpstream(p *Proxy, captured **http.Request, resp *http.Response) {
	p.client.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		*captured = r
		if resp == nil {
			resp = &http.Response{
				StatusCode: http.StatusOK,
				Header:     http.Header{},
				Body:       io.NopCloser(strings.NewReader("ok")),
			}
		}
		return resp, nil
	})
}

func TestForwardBuildsUpstreamRequest(t *testing.T) {
	p := NewProxy(nil)
	var captured *http.Request
	stubUpstream(p, &captured, nil)

	inbound := httptest.NewRequest(http.MethodGet, "https://gw.example.com/g/weather/current?city=berlin", nil)
	inbound.Header.Set("Accept", "application/json")

	resp, err := p.Forward(context.Background(), testEndpoint(), inbound, "/current", &PaymentInfo{
		Payer:   "0x1111111111111111111111111111111111111111",
		TxHash:  "0xabc",
		Network: "eip155:42431",
	})
	require.NoError(t, err)
	defer resp.Body.Close()

	require.NotNil(t, captured)
	assert.Equal(t, "https://api.example.com/v1/current?city=berlin", captured.URL.String())
	assert.Equal(t, "application/json", captured.Header.Get("Accept"))
	assert.Equal(t, "true", captured.Header.Get("X-X402-Verified"))
	assert.Equal(t, "0xabc", captured.Header.Get("X-X402-TxHash"))
	assert.Equal(t, "eip155:42431", captured.Header.Get("X-X402-Network"))
}

func TestForwardStripsSensitiveHeaders(t *testing.T) {
	p := NewProxy(nil)
	var captured *http.Request
	stubUpstream(p, &captured, nil)

	inbound := httptest.NewRequest(http.MethodGet, "https://gw.example.com/g/weather", nil)
	inbound.Header.Set("Authorization", "Bearer caller-token")
	inbound.Header.Set("Cookie", "session=secret")
	inbound.Header.Set("X-Api-Key", "caller-key")
	inbound.Header.Set("Proxy-Authorization", "Basic abc")
	inbound.Header.Set("Payment-Signature", "ZW52ZWxvcGU=")
	// Spoofed attestation headers must never pass through.
	inbound.Header.Set("X-X402-Verified", "true")
	inbound.Header.Set("X-X402-Payer", "0xattacker")
	inbound.Header.Set("X-Custom", "kept")

	_, err := p.Forward(context.Background(), testEndpoint(), inbound, "", nil)
	require.NoError(t, err)

	require.NotNil(t, captured)
	for _, name := range []string{
		"Authorization", "Cookie", "X-Api-Key", "Proxy-Authorization",
		"Payment-Signature", "X-X402-Payer",
	} {
		assert.Empty(t, captured.Header.Get(name), name)
	}
	// Verified is re-set by the gateway itself, not the caller's value.
	assert.Equal(t, "true", captured.Header.Get("X-X402-Verified"))
	assert.Equal(t, "kept", captured.Header.Get("X-Custom"))
}

func TestForwardRejectsBadSubpaths(t *testing.T) {
	p := NewProxy(nil)
	var captured *http.Request
	stubUpstream(p, &captured, nil)

	inbound := httptest.NewRequest(http.MethodGet, "https://gw.example.com/g/weather", nil)

	for _, subpath := range []string{"/../admin", "/%2e%2e/admin", "//evil.example.com/x"} {
		_, err := p.Forward(context.Background(), testEndpoint(), inbound, subpath, nil)
		assert.Error(t, err, subpath)
	}
	assert.Nil(t, captured, "rejected paths must never reach the upstream")
}

func TestForwardRejectsStoredPrivateTarget(t *testing.T) {
	p := NewProxy(nil)
	var captured *http.Request
	stubUpstream(p, &captured, nil)

	ep := testEndpoint()
	ep.TargetURL = "https://169.254.169.254/latest/meta-data"

	inbound := httptest.NewRequest(http.MethodGet, "https://gw.example.com/g/weather", nil)
	_, err := p.Forward(context.Background(), ep, inbound, "", nil)
	require.Error(t, err)
	assert.Nil(t, captured)
}

func TestProxyDoesNotFollowRedirects(t *testing.T) {
	p := NewProxy(nil)
	var captured *http.Request
	redirect := &http.Response{
		StatusCode: http.StatusFound,
		Header:     http.Header{"Location": []string{"https://internal.example.com/secret"}},
		Body:       io.NopCloser(strings.NewReader("")),
	}
	stubUpstream(p, &captured, redirect)

	inbound := httptest.NewRequest(http.MethodGet, "https://gw.example.com/g/weather", nil)
	resp, err := p.Forward(context.Background(), testEndpoint(), inbound, "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	// The redirect comes back to the caller; the gateway never chases it.
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "https://internal.example.com/secret", resp.Header.Get("Location"))
}

func TestProxyDialRefusesPrivateAddress(t *testing.T) {
	// The guard lives in the dialer itself, so even a host that passed
	// registration-time validation cannot be dialed on a private address.
	p := NewProxy(nil)
	transport, ok := p.client.Transport.(*http.Transport)
	require.True(t, ok)

	for _, addr := range []string{"127.0.0.1:9", "10.0.0.5:443", "[::1]:443"} {
		_, err := transport.DialContext(context.Background(), "tcp", addr)
		assert.Error(t, err, addr)
	}
}

func TestWriteResponseAllowList(t *testing.T) {
	p := NewProxy(nil)

	upstream := &http.Response{
		StatusCode: http.StatusCreated,
		Header: http.Header{
			"Content-Type":     []string{"application/json"},
			"Cache-Control":    []string{"max-age=60"},
			"Etag":             []string{`"v1"`},
			"Set-Cookie":       []string{"upstream=secret"},
			"X-Internal-Debug": []string{"trace-id"},
			"Server":           []string{"upstream/1.0"},
		},
		Body: io.NopCloser(strings.NewReader(`{"ok":true}`)),
	}

	rec := httptest.NewRecorder()
	require.NoError(t, p.WriteResponse(rec, upstream))

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, `{"ok":true}`, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "max-age=60", rec.Header().Get("Cache-Control"))
	assert.Equal(t, `"v1"`, rec.Header().Get("Etag"))
	assert.Empty(t, rec.Header().Get("Set-Cookie"))
	assert.Empty(t, rec.Header().Get("X-Internal-Debug"))
	assert.Empty(t, rec.Header().Get("Server"))
}
