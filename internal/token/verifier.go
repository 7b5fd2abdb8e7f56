package token

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"hearth/internal/platform/metrics"
	dErrors "hearth/pkg/domain-errors"
	"hearth/pkg/domain"
	"hearth/pkg/requestcontext"
)

// Verifier is one way of turning a credential into a principal.
type Verifier interface {
	Name() string
	Verify(ctx context.Context, token string) (domain.Principal, error)
}

// LocalVerifier checks credentials this gateway signed.
type LocalVerifier struct {
	authority *Authority
}

func NewLocalVerifier(authority *Authority) *LocalVerifier {
	return &LocalVerifier{authority: authority}
}

func (v *LocalVerifier) Name() string { return "local" }

func (v *LocalVerifier) Verify(ctx context.Context, token string) (domain.Principal, error) {
	principal, err := v.authority.Parse(ctx, token)
	if err != nil && dErrors.HasCode(err, dErrors.CodeUnauthorized) && v.authority.Recognizes(token) {
		// Ours but tampered, expired or for another room: no other
		// verifier gets to see it.
		return domain.Principal{}, finalRejection{err}
	}
	return principal, err
}

// finalRejection stops the chain instead of falling through.
type finalRejection struct {
	error
}

func (f finalRejection) Unwrap() error { return f.error }

// RemoteIdentity is what the record store reports for a credential it issued.
type RemoteIdentity struct {
	ID          string
	DisplayName string
	Role        string
}

// Introspector asks the record store whether it honours a credential.
// Implementations return an unauthorized domain error when the store
// rejects the credential and an upstream error when it cannot be reached.
type Introspector interface {
	Introspect(ctx context.Context, token string) (RemoteIdentity, error)
}

// DelegatedVerifier checks credentials issued by the record store by asking
// it. Any failure is a rejection; there is no path that assumes validity.
type DelegatedVerifier struct {
	introspector Introspector
	timeout      time.Duration
	tracer       trace.Tracer
}

func NewDelegatedVerifier(introspector Introspector, timeout time.Duration) *DelegatedVerifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &DelegatedVerifier{
		introspector: introspector,
		timeout:      timeout,
		tracer:       otel.Tracer("hearth/token"),
	}
}

func (v *DelegatedVerifier) Name() string { return "delegated" }

func (v *DelegatedVerifier) Verify(ctx context.Context, token string) (domain.Principal, error) {
	ctx, span := v.tracer.Start(ctx, "token.delegated_verify")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	identity, err := v.introspector.Introspect(ctx, token)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "introspection failed")
		if dErrors.HasCode(err, dErrors.CodeUnauthorized) {
			return domain.Principal{}, err
		}
		return domain.Principal{}, dErrors.Wrap(err, dErrors.CodeUpstream, "record store verification unavailable")
	}
	if identity.ID == "" {
		return domain.Principal{}, dErrors.New(dErrors.CodeUnauthorized, "record store returned no identity")
	}
	if identity.ID == domain.PendingSubject {
		return domain.Principal{}, dErrors.New(dErrors.CodeUnauthorized, "record store returned a reserved identity")
	}

	// Record store accounts without a household role get the lowest one.
	role := domain.RoleKid
	if identity.Role != "" {
		parsed, err := domain.ParseRole(identity.Role)
		if err != nil {
			return domain.Principal{}, dErrors.New(dErrors.CodeUnauthorized, "record store returned an unknown role")
		}
		role = parsed
	}
	span.SetAttributes(attribute.String("hearth.role", role.String()))

	return domain.Principal{
		SubjectID:   identity.ID,
		DisplayName: identity.DisplayName,
		Role:        role,
		Room:        requestcontext.Room(ctx),
		IssuedAt:    requestcontext.Now(ctx),
	}, nil
}

// Chain tries verifiers in order; the first success wins. When every
// verifier rejects, an upstream failure is reported in preference to a plain
// rejection so an outage is not mistaken for a bad credential.
type Chain struct {
	verifiers []Verifier
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

type ChainOption func(*Chain)

func WithChainLogger(logger *slog.Logger) ChainOption {
	return func(c *Chain) {
		c.logger = logger
	}
}

func WithChainMetrics(m *metrics.Metrics) ChainOption {
	return func(c *Chain) {
		c.metrics = m
	}
}

func NewChain(verifiers []Verifier, opts ...ChainOption) *Chain {
	c := &Chain{verifiers: verifiers, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Chain) Verify(ctx context.Context, token string) (domain.Principal, error) {
	var upstreamErr error
	for _, v := range c.verifiers {
		principal, err := v.Verify(ctx, token)
		if err == nil {
			c.metrics.ObserveTokenVerification(v.Name(), "accepted")
			return principal, nil
		}
		var final finalRejection
		if errors.As(err, &final) {
			c.metrics.ObserveTokenVerification(v.Name(), "rejected")
			return domain.Principal{}, dErrors.New(dErrors.CodeUnauthorized, "invalid or expired token")
		}
		if dErrors.HasCode(err, dErrors.CodeUpstream) || dErrors.HasCode(err, dErrors.CodeInternal) {
			c.metrics.ObserveTokenVerification(v.Name(), "error")
			c.logger.ErrorContext(ctx, "token verification failed upstream",
				"strategy", v.Name(),
				"error", err,
				"request_id", requestcontext.RequestID(ctx),
			)
			upstreamErr = err
			continue
		}
		c.metrics.ObserveTokenVerification(v.Name(), "rejected")
	}
	if upstreamErr != nil {
		return domain.Principal{}, upstreamErr
	}
	return domain.Principal{}, dErrors.New(dErrors.CodeUnauthorized, "invalid or expired token")
}
