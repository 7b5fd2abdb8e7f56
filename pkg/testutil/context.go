package testutil

import (
	"net/http"

	"hearth/pkg/domain"
	"hearth/pkg/requestcontext"
)

// WithPrincipal attaches an authenticated caller to the request context.
// This simulates what the auth middleware does after a token verifies.
func WithPrincipal(req *http.Request, p domain.Principal) *http.Request {
	return req.WithContext(requestcontext.WithPrincipal(req.Context(), p))
}
