// Package origin decides which browser origins may talk to the gateway and
// renders the matching CORS headers.
package origin

import (
	"net/http"
	"net/url"
	"strings"
)

var (
	defaultMethods = []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions}
	defaultHeaders = []string{"Content-Type", "Authorization", "X-Recovery-Secret", "X-Request-ID"}
)

// Config lists the three allow rules, evaluated in order.
type Config struct {
	// AllowedOrigins are matched exactly, e.g. "https://home.example.com".
	AllowedOrigins []string
	// ProductionDomain admits any https origin whose host is the domain or a
	// subdomain of it.
	ProductionDomain string
	// DevOrigins are matched as prefixes, e.g. "http://localhost:".
	DevOrigins []string
}

// Guard is safe for concurrent use; it is immutable after New.
type Guard struct {
	exact   map[string]struct{}
	first   string
	domain  string
	dev     []string
	methods string
	headers string
}

func New(cfg Config) *Guard {
	g := &Guard{
		exact:   make(map[string]struct{}, len(cfg.AllowedOrigins)),
		domain:  strings.TrimPrefix(strings.ToLower(strings.TrimSpace(cfg.ProductionDomain)), "."),
		methods: strings.Join(defaultMethods, ", "),
		headers: strings.Join(defaultHeaders, ", "),
	}
	for _, o := range cfg.AllowedOrigins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "" {
			continue
		}
		if g.first == "" {
			g.first = o
		}
		g.exact[o] = struct{}{}
	}
	for _, p := range cfg.DevOrigins {
		if p = strings.TrimSpace(p); p != "" {
			g.dev = append(g.dev, p)
		}
	}
	return g
}

// Allowed reports whether origin matches any allow rule.
func (g *Guard) Allowed(origin string) bool {
	if origin == "" {
		return false
	}
	if _, ok := g.exact[origin]; ok {
		return true
	}
	if g.domain != "" && g.matchesDomain(origin) {
		return true
	}
	for _, p := range g.dev {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}

func (g *Guard) matchesDomain(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Scheme != "https" || u.Path != "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == g.domain || strings.HasSuffix(host, "."+g.domain)
}

// AllowOrigin returns the value for Access-Control-Allow-Origin. Unknown
// origins get the first allowlisted origin, so the browser rejects them.
func (g *Guard) AllowOrigin(origin string) string {
	if g.Allowed(origin) {
		return origin
	}
	return g.first
}

// Apply writes the CORS headers for origin onto h.
func (g *Guard) Apply(h http.Header, origin string) {
	if allow := g.AllowOrigin(origin); allow != "" {
		h.Set("Access-Control-Allow-Origin", allow)
	}
	h.Set("Access-Control-Allow-Methods", g.methods)
	h.Set("Access-Control-Allow-Headers", g.headers)
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Add("Vary", "Origin")
}

// Middleware applies the headers before the handler runs, so error and
// panic responses carry them too. Preflight requests end here with 204.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.Apply(w.Header(), r.Header.Get("Origin"))
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
