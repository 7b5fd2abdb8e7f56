package metadata

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"hearth/pkg/requestcontext"
)

// TrustedProxies lists the peers whose forwarding headers are believed.
// Every other peer is identified by its socket address alone.
type TrustedProxies []netip.Prefix

// ParseTrustedProxies accepts CIDRs ("10.0.0.0/8") and bare addresses.
func ParseTrustedProxies(entries []string) (TrustedProxies, error) {
	out := make(TrustedProxies, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", e, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", e, err)
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

func (t TrustedProxies) trusts(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range t {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientMetadata extracts client IP, User-Agent and Origin from the request
// and adds them to the context for use by handlers and services.
// This middleware should be applied early in the chain.
func ClientMetadata(trusted TrustedProxies) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := requestcontext.WithClientMetadata(r.Context(), ClientIPFromRequest(r, trusted), r.Header.Get("User-Agent"))
			ctx = requestcontext.WithOrigin(ctx, r.Header.Get("Origin"))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientIPFromRequest returns the client address. Forwarding headers are
// only read when the connecting peer is a trusted proxy; the result keys the
// login rate limiter, so a client must not be able to choose it.
func ClientIPFromRequest(r *http.Request, trusted TrustedProxies) string {
	peer := remoteHost(r.RemoteAddr)
	if !trusted.trusts(peer) {
		return peer
	}

	// Edge proxies put the connecting client address here.
	if cip := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); cip != "" {
		return cip
	}

	// X-Forwarded-For is client, proxy1, proxy2, ...; each hop appends, so
	// walk from the right and stop at the first address we do not trust.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" {
				continue
			}
			if i == 0 || !trusted.trusts(hop) {
				return hop
			}
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	return peer
}

func remoteHost(remoteAddr string) string {
	if remoteAddr == "" {
		return "unknown"
	}
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
