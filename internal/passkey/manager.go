// Package passkey runs the registration and authentication ceremonies for
// passwordless credentials. Ceremony state lives in room storage for a short
// TTL and is consumed exactly once, whether verification succeeds or not.
package passkey

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"hearth/internal/platform/metrics"
	"hearth/internal/profile"
	"hearth/internal/room/store"
	dErrors "hearth/pkg/domain-errors"
	"hearth/pkg/domain"
	"hearth/pkg/platform/audit"
	"hearth/pkg/platform/middleware/device"
	"hearth/pkg/requestcontext"
)

const (
	ceremoniesKey = "ceremonies"

	KindRegistration   = "registration"
	KindAuthentication = "authentication"

	DefaultTTL         = 5 * time.Minute
	defaultDisplayName = "Hearth"
)

var (
	ErrUnknownCeremony = dErrors.New(dErrors.CodeBadRequest, "unknown or expired ceremony")
	ErrOriginMismatch  = dErrors.New(dErrors.CodeBadRequest, "origin does not match ceremony")
	ErrOriginRejected  = dErrors.New(dErrors.CodeForbidden, "origin not allowed")
	ErrNoCredentials   = dErrors.New(dErrors.CodeNotFound, "no passkeys registered")
)

// Ceremony is the server half of an in-flight ceremony.
type Ceremony struct {
	SessionID   string    `json:"sessionId"`
	Kind        string    `json:"kind"`
	Origin      string    `json:"origin"`
	ProfileID   string    `json:"profileId,omitempty"`
	InitiatorID string    `json:"initiatorId,omitempty"`
	State       []byte    `json:"providerState"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Options is returned to the browser. PublicKey is passed to
// navigator.credentials as-is.
type Options struct {
	SessionID string          `json:"sessionId"`
	PublicKey json.RawMessage `json:"options"`
}

// OriginChecker is satisfied by *origin.Guard.
type OriginChecker interface {
	Allowed(origin string) bool
}

type Manager struct {
	store       store.Store
	profiles    *profile.Directory
	provider    Provider
	origins     OriginChecker
	ttl         time.Duration
	displayName string
	logger      *slog.Logger
	emitter     audit.Emitter
	metrics     *metrics.Metrics
}

type Option func(*Manager)

func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

func WithDisplayName(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.displayName = name
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

func WithAuditEmitter(emitter audit.Emitter) Option {
	return func(m *Manager) {
		m.emitter = emitter
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

func New(st store.Store, profiles *profile.Directory, provider Provider, origins OriginChecker, opts ...Option) *Manager {
	m := &Manager{
		store:       st,
		profiles:    profiles,
		provider:    provider,
		origins:     origins,
		ttl:         DefaultTTL,
		displayName: defaultDisplayName,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HasCredentials reports whether any profile in the room has a passkey.
func (m *Manager) HasCredentials(ctx context.Context) (bool, error) {
	return m.profiles.HasCredentials(ctx)
}

// BeginRegistration issues creation options bound to one target profile and
// the requesting origin. An empty targetID means the caller's own profile.
func (m *Manager) BeginRegistration(ctx context.Context, origin, targetID string, caller domain.Principal) (Options, error) {
	rp, err := m.relyingParty(origin)
	if err != nil {
		return Options{}, err
	}
	if caller.IsProvisional() {
		return Options{}, dErrors.New(dErrors.CodeForbidden, "select a profile before registering a passkey")
	}
	if targetID == "" {
		targetID = caller.SubjectID
	}
	if targetID != caller.SubjectID && !caller.CanManage() {
		return Options{}, dErrors.New(dErrors.CodeForbidden, "cannot register a passkey for another profile")
	}
	target, err := m.profiles.Get(ctx, targetID)
	if err != nil {
		return Options{}, err
	}

	opts, state, err := m.provider.BeginRegistration(ctx, rp, userFor(target))
	if err != nil {
		m.metrics.ObserveCeremony(KindRegistration, "options", "error")
		return Options{}, err
	}
	sessionID, err := m.save(ctx, Ceremony{
		Kind:        KindRegistration,
		Origin:      origin,
		ProfileID:   target.ID,
		InitiatorID: caller.SubjectID,
		State:       state,
	})
	if err != nil {
		return Options{}, err
	}
	m.metrics.ObserveCeremony(KindRegistration, "options", "ok")
	return Options{SessionID: sessionID, PublicKey: opts}, nil
}

// FinishRegistration verifies the authenticator response and appends the new
// credential to the bound profile. The ceremony is spent even on failure.
func (m *Manager) FinishRegistration(ctx context.Context, origin, sessionID string, response []byte, deviceLabel string, caller domain.Principal) (profile.Credential, error) {
	c, err := m.consume(ctx, sessionID, KindRegistration)
	if err != nil {
		m.metrics.ObserveCeremony(KindRegistration, "verify", "rejected")
		return profile.Credential{}, err
	}
	cred, err := m.finishRegistration(ctx, c, origin, response, deviceLabel, caller)
	if err != nil {
		m.metrics.ObserveCeremony(KindRegistration, "verify", "rejected")
		m.logger.InfoContext(ctx, "passkey registration rejected",
			"profile_id", c.ProfileID,
			"error", err,
		)
		return profile.Credential{}, err
	}
	m.metrics.ObserveCeremony(KindRegistration, "verify", "ok")
	return cred, nil
}

func (m *Manager) finishRegistration(ctx context.Context, c Ceremony, origin string, response []byte, deviceLabel string, caller domain.Principal) (profile.Credential, error) {
	if origin != c.Origin {
		return profile.Credential{}, ErrOriginMismatch
	}
	if caller.SubjectID != c.InitiatorID {
		return profile.Credential{}, dErrors.New(dErrors.CodeForbidden, "ceremony belongs to another session")
	}
	rp, err := m.relyingParty(origin)
	if err != nil {
		return profile.Credential{}, err
	}
	target, err := m.profiles.Get(ctx, c.ProfileID)
	if err != nil {
		return profile.Credential{}, err
	}

	cred, err := m.provider.FinishRegistration(ctx, rp, userFor(target), c.State, response)
	if err != nil {
		return profile.Credential{}, err
	}
	now := requestcontext.Now(ctx)
	if deviceLabel == "" {
		deviceLabel = device.GetLabel(ctx)
	}
	if deviceLabel == "" {
		deviceLabel = device.LabelFromUserAgent(requestcontext.UserAgent(ctx))
	}
	cred.DeviceLabel = deviceLabel
	cred.CreatedAt = now
	if _, err := m.profiles.AddCredential(ctx, target.ID, cred); err != nil {
		return profile.Credential{}, err
	}
	cred.OwnerProfileID = target.ID
	return cred, nil
}

// BeginAuthentication issues request options whose allow-list is every
// credential in the room. The profile is unknown until a credential matches.
func (m *Manager) BeginAuthentication(ctx context.Context, origin string) (Options, error) {
	rp, err := m.relyingParty(origin)
	if err != nil {
		return Options{}, err
	}
	creds, err := m.profiles.Credentials(ctx)
	if err != nil {
		return Options{}, err
	}
	if len(creds) == 0 {
		return Options{}, ErrNoCredentials
	}

	opts, state, err := m.provider.BeginAuthentication(ctx, rp, creds)
	if err != nil {
		m.metrics.ObserveCeremony(KindAuthentication, "options", "error")
		return Options{}, err
	}
	sessionID, err := m.save(ctx, Ceremony{Kind: KindAuthentication, Origin: origin, State: state})
	if err != nil {
		return Options{}, err
	}
	m.metrics.ObserveCeremony(KindAuthentication, "options", "ok")
	return Options{SessionID: sessionID, PublicKey: opts}, nil
}

// FinishAuthentication verifies an assertion and returns the owning
// profile. The reported counter must be strictly greater than the stored
// one.
func (m *Manager) FinishAuthentication(ctx context.Context, origin, sessionID string, response []byte) (profile.Profile, error) {
	c, err := m.consume(ctx, sessionID, KindAuthentication)
	if err != nil {
		m.metrics.ObserveCeremony(KindAuthentication, "verify", "rejected")
		return profile.Profile{}, err
	}
	owner, assertion, err := m.finishAuthentication(ctx, c, origin, response)
	if err != nil {
		m.metrics.ObserveCeremony(KindAuthentication, "verify", "rejected")
		m.logger.InfoContext(ctx, "passkey authentication rejected", "error", err)
		return profile.Profile{}, err
	}
	m.metrics.ObserveCeremony(KindAuthentication, "verify", "ok")
	audit.LogAudit(ctx, m.logger, m.emitter, audit.EventPasskeyAuthenticated,
		"profile_id", owner.ID,
		"credential_id", assertion.CredentialID,
	)
	return owner, nil
}

func (m *Manager) finishAuthentication(ctx context.Context, c Ceremony, origin string, response []byte) (profile.Profile, Assertion, error) {
	if origin != c.Origin {
		return profile.Profile{}, Assertion{}, ErrOriginMismatch
	}
	rp, err := m.relyingParty(origin)
	if err != nil {
		return profile.Profile{}, Assertion{}, err
	}

	lookup := func(credentialID string, userHandle []byte) (User, error) {
		_, owner, err := m.profiles.FindCredential(ctx, credentialID)
		if err != nil {
			return User{}, err
		}
		if len(userHandle) > 0 && string(userHandle) != owner.ID {
			return User{}, dErrors.New(dErrors.CodeBadRequest, "user handle does not match credential owner")
		}
		return userFor(owner), nil
	}
	assertion, err := m.provider.FinishAuthentication(ctx, rp, c.State, response, lookup)
	if err != nil {
		return profile.Profile{}, Assertion{}, err
	}

	owner, err := m.profiles.AdvanceSignCount(ctx, assertion.CredentialID, assertion.SignCount, assertion.BackupState, requestcontext.Now(ctx))
	if err != nil {
		return profile.Profile{}, Assertion{}, err
	}
	return owner, assertion, nil
}

// RemoveCredential deletes a passkey; see profile.Directory.RemoveCredential.
func (m *Manager) RemoveCredential(ctx context.Context, credentialID string, caller domain.Principal) error {
	return m.profiles.RemoveCredential(ctx, credentialID, caller)
}

// Purge drops expired ceremonies and returns how many were removed.
func (m *Manager) Purge(ctx context.Context) (int, error) {
	now := requestcontext.Now(ctx)
	var removed int
	_, err := store.UpdateJSON(ctx, m.store, ceremoniesKey, func(all *map[string]Ceremony, exists bool) error {
		removed = 0
		if !exists {
			return store.ErrSkipWrite
		}
		for id, c := range *all {
			if !now.Before(c.ExpiresAt) {
				delete(*all, id)
				removed++
			}
		}
		if removed == 0 {
			return store.ErrSkipWrite
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		m.logger.DebugContext(ctx, "purged expired ceremonies", "count", removed)
	}
	return removed, nil
}

func (m *Manager) save(ctx context.Context, c Ceremony) (string, error) {
	c.SessionID = uuid.NewString()
	c.ExpiresAt = requestcontext.Now(ctx).Add(m.ttl)
	_, err := store.UpdateJSON(ctx, m.store, ceremoniesKey, func(all *map[string]Ceremony, _ bool) error {
		if *all == nil {
			*all = make(map[string]Ceremony)
		}
		(*all)[c.SessionID] = c
		return nil
	})
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to store ceremony")
	}
	return c.SessionID, nil
}

// consume removes the ceremony and returns it. Expired and unknown sessions
// are indistinguishable to the caller; an expired one is removed as well.
func (m *Manager) consume(ctx context.Context, sessionID, kind string) (Ceremony, error) {
	if sessionID == "" {
		return Ceremony{}, ErrUnknownCeremony
	}
	var (
		found Ceremony
		ok    bool
	)
	_, err := store.UpdateJSON(ctx, m.store, ceremoniesKey, func(all *map[string]Ceremony, _ bool) error {
		found, ok = (*all)[sessionID]
		if !ok {
			return store.ErrSkipWrite
		}
		delete(*all, sessionID)
		return nil
	})
	if err != nil {
		return Ceremony{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to consume ceremony")
	}
	if !ok || !requestcontext.Now(ctx).Before(found.ExpiresAt) || found.Kind != kind {
		return Ceremony{}, ErrUnknownCeremony
	}
	return found, nil
}

func (m *Manager) relyingParty(origin string) (RelyingParty, error) {
	if m.origins != nil && !m.origins.Allowed(origin) {
		return RelyingParty{}, ErrOriginRejected
	}
	u, err := url.Parse(origin)
	if err != nil || u.Hostname() == "" {
		return RelyingParty{}, dErrors.New(dErrors.CodeBadRequest, "malformed origin")
	}
	return RelyingParty{ID: u.Hostname(), Origin: origin, DisplayName: m.displayName}, nil
}

func userFor(p profile.Profile) User {
	return User{
		ProfileID:   p.ID,
		Name:        p.ID,
		DisplayName: p.DisplayName,
		Credentials: p.Credentials,
	}
}
