// Package gateway implements the paid-endpoint registry and the hardened
// reverse proxy in front of registered upstream services.
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	x402 "github.com/tempo-x402/x402-go"
)

const (
	slugMinLen = 3
	slugMaxLen = 64
)

// reservedSlugs collide with the gateway's own routes.
var reservedSlugs = map[string]bool{
	"register":  true,
	"endpoints": true,
	"analytics": true,
	"health":    true,
	"metrics":   true,
	"g":         true,
}

// ValidateSlug enforces the slug grammar: 3-64 lowercase alphanumerics and
// hyphens, no hyphen at either edge, not a reserved route name.
func ValidateSlug(slug string) error {
	if len(slug) < slugMinLen || len(slug) > slugMaxLen {
		return x402.NewPaymentError(x402.ErrCodeMalformedPayload,
			fmt.Sprintf("slug must be %d-%d characters", slugMinLen, slugMaxLen), nil)
	}
	if slug[0] == '-' || slug[len(slug)-1] == '-' {
		return x402.NewPaymentError(x402.ErrCodeMalformedPayload, "slug must not start or end with a hyphen", nil)
	}
	for _, c := range slug {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-':
		default:
			return x402.NewPaymentError(x402.ErrCodeMalformedPayload,
				"slug may only contain lowercase letters, digits and hyphens", nil)
		}
	}
	if reservedSlugs[slug] {
		return x402.NewPaymentError(x402.ErrCodeSlugTaken, "slug is reserved", nil)
	}
	return nil
}

// ValidateTargetURL checks a registration target before it is stored.
// Only HTTPS targets to public hosts are accepted: the gateway must never
// be usable as a bridge into whatever network it runs in.
func ValidateTargetURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return x402.NewPaymentError(x402.ErrCodeProxyTargetRejected, "target url is not parseable", nil)
	}
	if u.Scheme != "https" {
		return x402.NewPaymentError(x402.ErrCodeProxyTargetRejected, "target url must use https", nil)
	}
	host := u.Hostname()
	if host == "" {
		return x402.NewPaymentError(x402.ErrCodeProxyTargetRejected, "target url has no host", nil)
	}
	if u.User != nil {
		return x402.NewPaymentError(x402.ErrCodeProxyTargetRejected, "target url must not carry credentials", nil)
	}
	if isBlockedHostname(host) {
		return x402.NewPaymentError(x402.ErrCodeProxyTargetRejected, "target host is not public", nil)
	}
	if ip := net.ParseIP(host); ip != nil && isPrivateIP(ip) {
		return x402.NewPaymentError(x402.ErrCodeProxyTargetRejected, "target address is not public", nil)
	}
	return nil
}

// isBlockedHostname rejects names that resolve inside the local machine or
// network by convention, regardless of DNS.
func isBlockedHostname(host string) bool {
	h := strings.ToLower(strings.TrimSuffix(host, "."))
	if h == "localhost" {
		return true
	}
	for _, suffix := range []string{".localhost", ".local", ".internal"} {
		if strings.HasSuffix(h, suffix) {
			return true
		}
	}
	return false
}

// cgnatNet is 100.64.0.0/10, carrier-grade NAT space.
var cgnatNet = func() *net.IPNet {
	_, n, _ := net.ParseCIDR("100.64.0.0/10")
	return n
}()

// isPrivateIP reports whether the address must never be dialed on behalf
// of an endpoint owner.
func isPrivateIP(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		return v4.IsLoopback() ||
			v4.IsPrivate() ||
			v4.IsLinkLocalUnicast() ||
			v4.IsUnspecified() ||
			v4.Equal(net.IPv4bcast) ||
			cgnatNet.Contains(v4)
	}
	// IPv6, including v4-mapped forms which To4 already unwrapped above.
	return ip.IsLoopback() ||
		ip.IsPrivate() || // ULA fc00::/7
		ip.IsLinkLocalUnicast() ||
		ip.IsUnspecified()
}

// resolvePublic resolves the host and confirms every returned address is
// public. Resolution happens at forward time, not registration time, so a
// record that later flips to a private address (DNS rebinding) is caught.
func resolvePublic(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return nil, x402.NewPaymentError(x402.ErrCodeProxyTargetRejected, "target address is not public", nil)
		}
		return []net.IP{ip}, nil
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("target host did not resolve: %w", err)
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, addr := range addrs {
		if isPrivateIP(addr.IP) {
			return nil, x402.NewPaymentError(x402.ErrCodeProxyTargetRejected, "target resolves to a non-public address", nil)
		}
		ips = append(ips, addr.IP)
	}
	if len(ips) == 0 {
		return nil, x402.NewPaymentError(x402.ErrCodeProxyTargetRejected, "target host did not resolve", nil)
	}
	return ips, nil
}

// ValidateSubpath checks the path suffix a caller wants forwarded to the
// upstream. The raw (still-encoded) form is inspected so the upstream sees
// exactly what the caller sent, but traversal and header-splitting shapes
// are rejected in both encoded and decoded form.
func ValidateSubpath(rawPath string) error {
	if rawPath == "" {
		return nil
	}
	if strings.HasPrefix(rawPath, "//") {
		return x402.NewPaymentError(x402.ErrCodeProxyTargetRejected, "path must not begin with //", nil)
	}

	decoded, err := url.PathUnescape(rawPath)
	if err != nil {
		return x402.NewPaymentError(x402.ErrCodeProxyTargetRejected, "path encoding is invalid", nil)
	}
	for _, candidate := range []string{rawPath, decoded} {
		if strings.Contains(candidate, "..") {
			return x402.NewPaymentError(x402.ErrCodeProxyTargetRejected, "path must not contain traversal", nil)
		}
		if strings.Contains(candidate, "@") {
			return x402.NewPaymentError(x402.ErrCodeProxyTargetRejected, "path must not contain @", nil)
		}
		if strings.ContainsAny(candidate, "\r\n\x00") {
			return x402.NewPaymentError(x402.ErrCodeProxyTargetRejected, "path contains control characters", nil)
		}
	}
	return nil
}
