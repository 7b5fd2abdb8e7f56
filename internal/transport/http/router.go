package httptransport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"hearth/internal/origin"
	"hearth/internal/platform/metrics"
	dErrors "hearth/pkg/domain-errors"
	"hearth/pkg/platform/httputil"
	"hearth/pkg/platform/middleware/admin"
	"hearth/pkg/platform/middleware/auth"
	"hearth/pkg/platform/middleware/device"
	"hearth/pkg/platform/middleware/metadata"
	request "hearth/pkg/platform/middleware/request"
	"hearth/pkg/platform/middleware/requesttime"
)

// NewRouter wires every endpoint. The origin guard runs first so every
// response, including 404s and recovered panics, carries CORS headers.
// Room routes are served for the default room at the root and for any room
// under /rooms/{room}.
func NewRouter(h *Handler, guard *origin.Guard, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(guard.Middleware)
	r.Use(request.RequestID)
	r.Use(request.Logger(h.logger))
	r.Use(request.Recovery(h.logger))
	r.Use(metadata.ClientMetadata(h.trustedProxies))
	r.Use(requesttime.Middleware)
	r.Use(device.Middleware)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "no such route"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method_not_allowed"})
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(h.withRoom(func(*http.Request) string { return h.defaultRoom }))
		h.roomRoutes(r)
	})
	r.Route("/rooms/{room}", func(r chi.Router) {
		r.Use(h.withRoom(func(req *http.Request) string { return chi.URLParam(req, "room") }))
		h.roomRoutes(r)
	})
	return r
}

func (h *Handler) roomRoutes(r chi.Router) {
	requireAuth := auth.RequireAuth(h.verifier, h.logger)
	requireElevated := auth.RequireElevated(h.logger)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", h.handleLogin)
		r.Post("/password-reset", h.handlePasswordReset)
		r.Post("/password-reset/confirm", h.handlePasswordResetConfirm)
		r.With(requireAuth).Post("/session", h.handleSelectSession)
		r.With(requireAuth).Get("/me", h.handleMe)
	})

	r.Route("/family/profiles", func(r chi.Router) {
		r.Use(requireAuth)
		r.Get("/", h.handleListProfiles)
		r.Post("/", h.handleUpsertProfile)
		r.Patch("/{id}", h.handlePatchProfile)
		r.Delete("/{id}", h.handleDeleteProfile)
	})

	r.Route("/admin", func(r chi.Router) {
		r.With(requireAuth, requireElevated).Post("/invite", h.handleMintInvite)
		r.With(requireAuth, requireElevated).Get("/invite", h.handleListInvites)
		r.With(admin.RequireRecoverySecret(h.recoverySecret, h.logger)).Post("/recover", h.handleRecover)
	})

	r.Route("/passkey", func(r chi.Router) {
		r.Get("/check", h.handleCheckPasskeys)
		r.Post("/auth/options", h.handleAuthenticationOptions)
		r.Post("/auth/verify", h.handleAuthenticationVerify)
		r.Group(func(r chi.Router) {
			r.Use(requireAuth)
			r.Post("/register/options", h.handleRegistrationOptions)
			r.Post("/register/verify", h.handleRegistrationVerify)
			r.Delete("/credentials/{id}", h.handleRemovePasskey)
		})
	})

	if h.sync != nil {
		r.Method(http.MethodGet, "/sync", h.sync)
	}
}
