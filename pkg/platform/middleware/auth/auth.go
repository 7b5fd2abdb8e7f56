package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	dErrors "hearth/pkg/domain-errors"
	"hearth/pkg/domain"
	"hearth/pkg/platform/httputil"
	request "hearth/pkg/platform/middleware/request"
	"hearth/pkg/requestcontext"
)

// TokenVerifier turns a bearer token into the caller it asserts.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (domain.Principal, error)
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

// RequireAuth rejects requests without a verifiable session credential and
// stores the resulting principal in the request context.
func RequireAuth(verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token, ok := BearerToken(r)
			if !ok {
				logger.WarnContext(ctx, "unauthorized access - missing token",
					"request_id", request.GetRequestID(ctx),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "missing or invalid Authorization header"))
				return
			}

			principal, err := verifier.Verify(ctx, token)
			if dErrors.HasCode(err, dErrors.CodeUpstream) {
				logger.ErrorContext(ctx, "token verification unavailable",
					"error", err,
					"request_id", request.GetRequestID(ctx),
				)
				httputil.WriteError(w, err)
				return
			}
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - invalid token",
					"error", err,
					"request_id", request.GetRequestID(ctx),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "invalid or expired token"))
				return
			}

			next.ServeHTTP(w, r.WithContext(requestcontext.WithPrincipal(ctx, principal)))
		})
	}
}

// RequireElevated allows only admin and parent principals through. It must run
// after RequireAuth.
func RequireElevated(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			principal, ok := requestcontext.Principal(ctx)
			if !ok {
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
				return
			}
			if !principal.CanManage() {
				logger.WarnContext(ctx, "forbidden - elevated role required",
					"subject", principal.SubjectID,
					"role", principal.Role,
					"request_id", request.GetRequestID(ctx),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "admin or parent role required"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
