// Package device derives a human readable device label from the User-Agent.
// Passkeys enrolled without an explicit name are labelled with it.
package device

import (
	"context"
	"net/http"
	"strings"

	"github.com/mssola/useragent"
)

type contextKeyDeviceLabel struct{}

// GetLabel retrieves the device label from the context.
func GetLabel(ctx context.Context) string {
	if label, ok := ctx.Value(contextKeyDeviceLabel{}).(string); ok {
		return label
	}
	return ""
}

// WithLabel injects a device label into a context.
// Useful for service unit tests that don't run the full HTTP middleware chain.
func WithLabel(ctx context.Context, label string) context.Context {
	return context.WithValue(ctx, contextKeyDeviceLabel{}, label)
}

// Middleware computes the label once per request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := WithLabel(r.Context(), LabelFromUserAgent(r.Header.Get("User-Agent")))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LabelFromUserAgent renders e.g. "Chrome on Windows 10" or "Safari on iPhone".
func LabelFromUserAgent(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return "Unknown device"
	}
	ua := useragent.New(raw)
	browser, _ := ua.Browser()
	platform := ua.OSInfo().Name
	if ua.Mobile() && ua.Platform() != "" && ua.Platform() != "Linux" {
		platform = ua.Platform()
	}
	switch {
	case browser != "" && platform != "":
		return browser + " on " + platform
	case browser != "":
		return browser
	case platform != "":
		return platform
	}
	return "Unknown device"
}
