package server

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

type ipSource string

const (
	ipSourceRemoteAddr    ipSource = "remote_addr"
	ipSourceXForwardedFor ipSource = "x_forwarded_for"
	ipSourceXRealIP       ipSource = "x_real_ip"
)

// clientIPResolver picks the address used for rate limiting and logs.
// Forwarded headers are honoured only when every peer is trusted or the
// immediate peer sits inside a trusted proxy range.
type clientIPResolver struct {
	trustAll bool
	trusted  []netip.Prefix
}

func newClientIPResolver(cfg RateLimitConfig) (*clientIPResolver, error) {
	resolver := &clientIPResolver{trustAll: cfg.TrustForwardedHeaders}
	for _, raw := range cfg.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		prefix, err := parseProxy(raw)
		if err != nil {
			return nil, fmt.Errorf("parse trusted proxy %q: %w", raw, err)
		}
		resolver.trusted = append(resolver.trusted, prefix)
	}
	return resolver, nil
}

func parseProxy(raw string) (netip.Prefix, error) {
	if strings.Contains(raw, "/") {
		return netip.ParsePrefix(raw)
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// ClientIPFromRequest returns the client address and where it was read from.
func (c *clientIPResolver) ClientIPFromRequest(r *http.Request) (string, ipSource) {
	remote := remoteHost(r.RemoteAddr)
	if c == nil || !c.trusts(remote) {
		return remote, ipSourceRemoteAddr
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip, ipSourceXForwardedFor
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP, ipSourceXRealIP
	}
	return remote, ipSourceRemoteAddr
}

func (c *clientIPResolver) trusts(remote string) bool {
	if c.trustAll {
		return true
	}
	if len(c.trusted) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(remote)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range c.trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func remoteHost(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
