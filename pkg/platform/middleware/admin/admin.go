package admin

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	dErrors "hearth/pkg/domain-errors"
	"hearth/pkg/platform/httputil"
	request "hearth/pkg/platform/middleware/request"
)

const HeaderRecoverySecret = "X-Recovery-Secret"

// RequireRecoverySecret guards the disaster-recovery path with a static
// pre-shared secret. An empty expected secret disables the path entirely.
func RequireRecoverySecret(expected string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get(HeaderRecoverySecret)
			// Use constant-time comparison to prevent timing attacks
			if expected == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
				ctx := r.Context()
				logger.WarnContext(ctx, "recovery secret mismatch",
					"request_id", request.GetRequestID(ctx),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "recovery secret required"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
