package gateway

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	x402 "github.com/tempo-x402/x402-go"

	"github.com/tempo-x402/x402-go/metrics"
)

// Request headers never forwarded upstream. Hop-by-hop headers, anything
// carrying caller credentials, and the payment envelope itself.
var strippedRequestHeaders = map[string]bool{
	"host":                true,
	"connection":          true,
	"keep-alive":          true,
	"transfer-encoding":   true,
	"content-length":      true,
	"upgrade":             true,
	"te":                  true,
	"trailer":             true,
	"authorization":       true,
	"cookie":              true,
	"proxy-authorization": true,
	"x-api-key":           true,
	"payment-signature":   true,
}

// Response headers forwarded back to the caller. Everything else the
// upstream sends is dropped: an allow-list cannot leak a header class we
// did not think of.
var allowedResponseHeaders = map[string]bool{
	"content-type":        true,
	"content-encoding":    true,
	"content-language":    true,
	"content-disposition": true,
	"cache-control":       true,
	"etag":                true,
	"last-modified":       true,
	"expires":             true,
	"vary":                true,
	"date":                true,
	"retry-after":         true,
	"location":            true,
}

// PaymentInfo is what the proxy attests to the upstream about the settled
// payment that authorized this call.
type PaymentInfo struct {
	Payer   string
	TxHash  string
	Network string
}

// Proxy forwards settled calls to registered upstream targets. It never
// follows redirects and it re-resolves the target host on every call,
// refusing to dial anything non-public.
type Proxy struct {
	client *http.Client
	logger *zap.Logger
}

// NewProxy builds the hardened proxy client.
func NewProxy(logger *zap.Logger) *Proxy {
	if logger == nil {
		logger = zap.NewNop()
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	transport := &http.Transport{
		// Resolution and the private-address check happen in the same
		// step as dialing, closing the window a rebinding attack needs.
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolvePublic(ctx, host)
			if err != nil {
				return nil, err
			}
			var lastErr error
			for _, ip := range ips {
				conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			return nil, lastErr
		},
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          32,
		IdleConnTimeout:       60 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}

	return &Proxy{
		client: &http.Client{
			Transport: transport,
			// Redirect responses go back to the caller untouched; following
			// them server-side would let an upstream steer the gateway to
			// an address that was never validated.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
			Timeout: 60 * time.Second,
		},
		logger: logger,
	}
}

// SetTransport replaces the upstream transport. The SSRF dial guard lives
// in the default transport, so this exists for tests only.
func (p *Proxy) SetTransport(rt http.RoundTripper) {
	p.client.Transport = rt
}

// Forward sends the inbound request to the endpoint's target, with the
// subpath and query appended, and returns the upstream response. The
// caller owns the response body.
func (p *Proxy) Forward(ctx context.Context, ep *Endpoint, inbound *http.Request, subpath string, pay *PaymentInfo) (*http.Response, error) {
	if err := ValidateSubpath(subpath); err != nil {
		metrics.ProxyRequests.WithLabelValues("rejected").Inc()
		return nil, err
	}

	target, err := url.Parse(ep.TargetURL)
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeProxyTargetRejected, "stored target url is invalid", nil)
	}
	// Re-validate stored state: rows written before a policy tightening
	// must not bypass it.
	if err := ValidateTargetURL(ep.TargetURL); err != nil {
		metrics.ProxyRequests.WithLabelValues("rejected").Inc()
		return nil, err
	}

	outURL := *target
	if subpath != "" {
		outURL.Path = strings.TrimSuffix(target.Path, "/") + "/" + strings.TrimPrefix(subpath, "/")
		// Keep the caller's original escaping on the wire.
		outURL.RawPath = ""
	}
	outURL.RawQuery = inbound.URL.RawQuery

	out, err := http.NewRequestWithContext(ctx, inbound.Method, outURL.String(), inbound.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}

	copyRequestHeaders(out.Header, inbound.Header)
	out.Header.Set("X-X402-Verified", "true")
	if pay != nil {
		out.Header.Set("X-X402-Payer", pay.Payer)
		out.Header.Set("X-X402-TxHash", pay.TxHash)
		out.Header.Set("X-X402-Network", pay.Network)
	}

	resp, err := p.client.Do(out)
	if err != nil {
		metrics.ProxyRequests.WithLabelValues("upstream_error").Inc()
		p.logger.Warn("upstream request failed",
			zap.String("slug", ep.Slug),
			zap.Error(err))
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}

	metrics.ProxyRequests.WithLabelValues("forwarded").Inc()
	return resp, nil
}

// WriteResponse relays the upstream response to the caller, passing only
// allow-listed headers.
func (p *Proxy) WriteResponse(w http.ResponseWriter, resp *http.Response) error {
	defer resp.Body.Close()

	for name, values := range resp.Header {
		if !allowedResponseHeaders[strings.ToLower(name)] {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, err := io.Copy(w, resp.Body)
	return err
}

// copyRequestHeaders copies inbound headers minus the strip list and any
// inbound x-x402-* header, which only the gateway itself may set.
func copyRequestHeaders(dst, src http.Header) {
	for name, values := range src {
		lower := strings.ToLower(name)
		if strippedRequestHeaders[lower] || strings.HasPrefix(lower, "x-x402-") {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}
