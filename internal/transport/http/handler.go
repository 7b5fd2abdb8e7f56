// Package httptransport is the gateway's HTTP surface. Handlers decode the
// request, resolve the room, delegate to the room's services and translate
// domain errors into JSON envelopes.
package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"hearth/internal/platform/metrics"
	"hearth/internal/profile"
	"hearth/internal/room"
	"hearth/internal/token"
	dErrors "hearth/pkg/domain-errors"
	"hearth/pkg/domain"
	"hearth/pkg/platform/audit"
	"hearth/pkg/platform/httputil"
	"hearth/pkg/platform/middleware/metadata"
	request "hearth/pkg/platform/middleware/request"
	"hearth/pkg/requestcontext"
)

// TokenSigner issues session credentials.
type TokenSigner interface {
	Sign(ctx context.Context, p domain.Principal) (token.Issued, error)
}

// TokenVerifier is satisfied by *token.Chain.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (domain.Principal, error)
}

// PasswordResetter delegates password resets to the record store.
type PasswordResetter interface {
	RequestPasswordReset(ctx context.Context, email string) error
	ConfirmPasswordReset(ctx context.Context, resetToken, password, passwordConfirm string) error
}

// RoomOpener is satisfied by *room.Registry.
type RoomOpener interface {
	Open(ctx context.Context, name string) (*room.Room, error)
}

type Handler struct {
	rooms          RoomOpener
	signer         TokenSigner
	verifier       TokenVerifier
	resets         PasswordResetter
	sync           http.Handler
	recoverySecret string
	defaultRoom    string
	trustedProxies metadata.TrustedProxies
	logger         *slog.Logger
	emitter        audit.Emitter
	metrics        *metrics.Metrics
}

type Option func(*Handler)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

func WithAuditEmitter(emitter audit.Emitter) Option {
	return func(h *Handler) {
		h.emitter = emitter
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithPasswordResetter enables the password-reset routes.
func WithPasswordResetter(r PasswordResetter) Option {
	return func(h *Handler) {
		h.resets = r
	}
}

// WithSync mounts the sync gateway at /sync.
func WithSync(gateway http.Handler) Option {
	return func(h *Handler) {
		h.sync = gateway
	}
}

// WithRecoverySecret enables POST /admin/recover.
func WithRecoverySecret(secret string) Option {
	return func(h *Handler) {
		h.recoverySecret = secret
	}
}

// WithTrustedProxies lists the peers allowed to name the client in
// forwarding headers. Without it every client is keyed by its socket address.
func WithTrustedProxies(proxies metadata.TrustedProxies) Option {
	return func(h *Handler) {
		h.trustedProxies = proxies
	}
}

func WithDefaultRoom(name string) Option {
	return func(h *Handler) {
		if name != "" {
			h.defaultRoom = name
		}
	}
}

func New(rooms RoomOpener, signer TokenSigner, verifier TokenVerifier, opts ...Option) *Handler {
	h := &Handler{
		rooms:       rooms,
		signer:      signer,
		verifier:    verifier,
		defaultRoom: "household",
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type roomContextKey struct{}

// withRoom opens the room named by nameOf and makes it available to the
// handlers below. Audit events and token signing read the room name from
// the request context.
func (h *Handler) withRoom(nameOf func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			name := nameOf(r)
			rm, err := h.rooms.Open(ctx, name)
			if err != nil {
				h.logger.WarnContext(ctx, "failed to open room",
					"room", name,
					"request_id", request.GetRequestID(ctx),
					"error", err,
				)
				httputil.WriteError(w, err)
				return
			}
			ctx = requestcontext.WithRoom(ctx, rm.Name)
			ctx = context.WithValue(ctx, roomContextKey{}, rm)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func roomFrom(ctx context.Context) *room.Room {
	rm, _ := ctx.Value(roomContextKey{}).(*room.Room)
	return rm
}

// principal returns the authenticated caller. RequireAuth guarantees it is
// present on the routes that call this.
func principal(ctx context.Context) domain.Principal {
	p, _ := requestcontext.Principal(ctx)
	return p
}

// writeError logs server-side failures before writing the envelope; client
// errors are logged at info.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	ctx := r.Context()
	attrs := []any{"request_id", request.GetRequestID(ctx), "error", err}
	switch dErrors.CodeOf(err) {
	case dErrors.CodeInternal, dErrors.CodeUpstream:
		h.logger.ErrorContext(ctx, msg, attrs...)
	default:
		h.logger.InfoContext(ctx, msg, attrs...)
	}
	httputil.WriteError(w, err)
}

type userResponse struct {
	ID          string            `json:"id"`
	DisplayName string            `json:"displayName"`
	Role        domain.Role       `json:"role"`
	Avatar      string            `json:"avatar,omitempty"`
	Color       string            `json:"color,omitempty"`
	Passkeys    []passkeyResponse `json:"passkeys"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

type passkeyResponse struct {
	CredentialID string    `json:"credentialId"`
	DeviceLabel  string    `json:"deviceLabel"`
	CreatedAt    time.Time `json:"createdAt"`
	LastUsedAt   time.Time `json:"lastUsedAt,omitzero"`
}

type sessionResponse struct {
	Token     string        `json:"token,omitempty"`
	ExpiresAt time.Time     `json:"expiresAt,omitzero"`
	User      *userResponse `json:"user,omitempty"`
}

func toUserResponse(p profile.Profile) *userResponse {
	passkeys := make([]passkeyResponse, 0, len(p.Credentials))
	for _, c := range p.Credentials {
		passkeys = append(passkeys, toPasskeyResponse(c))
	}
	return &userResponse{
		ID:          p.ID,
		DisplayName: p.DisplayName,
		Role:        p.Role,
		Avatar:      p.Avatar,
		Color:       p.Color,
		Passkeys:    passkeys,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func toPasskeyResponse(c profile.Credential) passkeyResponse {
	return passkeyResponse{
		CredentialID: c.ID,
		DeviceLabel:  c.DeviceLabel,
		CreatedAt:    c.CreatedAt,
		LastUsedAt:   c.LastUsedAt,
	}
}

// signFor issues a profile-bound credential for p in the current room.
func (h *Handler) signFor(ctx context.Context, p profile.Profile) (sessionResponse, error) {
	issued, err := h.signer.Sign(ctx, domain.Principal{
		SubjectID:   p.ID,
		DisplayName: p.DisplayName,
		Role:        p.Role,
		Room:        requestcontext.Room(ctx),
	})
	if err != nil {
		return sessionResponse{}, err
	}
	audit.LogAudit(ctx, h.logger, h.emitter, audit.EventTokenIssued,
		"profile_id", p.ID,
		"role", string(p.Role),
	)
	return sessionResponse{Token: issued.Token, ExpiresAt: issued.ExpiresAt, User: toUserResponse(p)}, nil
}
