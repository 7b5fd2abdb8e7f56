// Package invite manages the household's single-use invite codes.
package invite

import (
	"context"
	"crypto/rand"
	"log/slog"
	"time"

	"hearth/internal/platform/metrics"
	"hearth/internal/room/store"
	dErrors "hearth/pkg/domain-errors"
	"hearth/pkg/domain"
	"hearth/pkg/platform/audit"
	"hearth/pkg/requestcontext"
)

const (
	invitesKey = "invites"
	codeLength = 16
	// Crockford base32: 32 symbols, so one random byte masked to 5 bits
	// picks a symbol without bias.
	codeAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
)

// ErrInvalidCode is returned for codes that are not in the stored set.
var ErrInvalidCode = dErrors.New(dErrors.CodeUnauthorized, "invalid invite code")

// Invite is one outstanding code.
type Invite struct {
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"createdAt"`
	CreatedBy string    `json:"createdBy,omitempty"`
}

type Authority struct {
	store   store.Store
	logger  *slog.Logger
	emitter audit.Emitter
	metrics *metrics.Metrics
}

type Option func(*Authority)

func WithLogger(logger *slog.Logger) Option {
	return func(a *Authority) {
		a.logger = logger
	}
}

func WithAuditEmitter(emitter audit.Emitter) Option {
	return func(a *Authority) {
		a.emitter = emitter
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Authority) {
		a.metrics = m
	}
}

func New(st store.Store, opts ...Option) *Authority {
	a := &Authority{store: st, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Redeem consumes code and returns the provisional principal it grants.
// Matching is exact and case-sensitive. An unknown code leaves storage
// untouched.
func (a *Authority) Redeem(ctx context.Context, code string) (domain.Principal, error) {
	if code == "" {
		return domain.Principal{}, ErrInvalidCode
	}

	var found bool
	_, err := store.UpdateJSON(ctx, a.store, invitesKey, func(invites *[]Invite, _ bool) error {
		found = false
		for i, inv := range *invites {
			if inv.Code == code {
				*invites = append((*invites)[:i:i], (*invites)[i+1:]...)
				found = true
				return nil
			}
		}
		return store.ErrSkipWrite
	})
	if err != nil {
		return domain.Principal{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to redeem invite")
	}
	if !found {
		return domain.Principal{}, ErrInvalidCode
	}

	audit.LogAudit(ctx, a.logger, a.emitter, audit.EventInviteRedeemed,
		"identifier", codePrefix(code),
	)
	return domain.Principal{
		SubjectID: domain.PendingSubject,
		Role:      domain.RoleKid,
		Room:      requestcontext.Room(ctx),
		IssuedAt:  requestcontext.Now(ctx),
	}, nil
}

// Mint adds a fresh code to the set. createdBy is the minting profile id,
// empty for the recovery path.
func (a *Authority) Mint(ctx context.Context, createdBy string) (Invite, error) {
	code, err := newCode()
	if err != nil {
		return Invite{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to generate invite code")
	}
	inv := Invite{Code: code, CreatedAt: requestcontext.Now(ctx), CreatedBy: createdBy}

	_, err = store.UpdateJSON(ctx, a.store, invitesKey, func(invites *[]Invite, _ bool) error {
		*invites = append(*invites, inv)
		return nil
	})
	if err != nil {
		return Invite{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to store invite")
	}

	a.metrics.IncrementInvitesMinted()
	event := audit.EventInviteMinted
	if createdBy == "" {
		event = audit.EventRecoveryUsed
	}
	audit.LogAudit(ctx, a.logger, a.emitter, event,
		"identifier", codePrefix(code),
		"actor_id", createdBy,
	)
	return inv, nil
}

// List returns the outstanding codes, oldest first.
func (a *Authority) List(ctx context.Context) ([]Invite, error) {
	invites, _, err := store.GetJSON[[]Invite](ctx, a.store, invitesKey)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list invites")
	}
	if invites == nil {
		invites = []Invite{}
	}
	return invites, nil
}

func newCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[b&31]
	}
	return string(buf), nil
}

// codePrefix keeps full codes out of logs and audit events.
func codePrefix(code string) string {
	if len(code) <= 4 {
		return "****"
	}
	return code[:4] + "…"
}

