// Package authlockout applies the login failure window: five failures per
// fifteen minutes from one client key, fully reset by one success.
package authlockout

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"hearth/internal/platform/metrics"
	"hearth/internal/ratelimit/models"
	dErrors "hearth/pkg/domain-errors"
	"hearth/pkg/platform/audit"
	"hearth/pkg/requestcontext"
)

// Store is implemented by store/authlockout.
type Store interface {
	Get(ctx context.Context, clientKey string) (*models.AuthLockout, error)
	RecordFailure(ctx context.Context, clientKey string, now time.Time, window time.Duration) (*models.AuthLockout, error)
	Clear(ctx context.Context, clientKey string) (*models.AuthLockout, error)
}

type Service struct {
	store   Store
	emitter audit.Emitter
	logger  *slog.Logger
	metrics *metrics.Metrics
	config  models.Config
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithAuditEmitter(emitter audit.Emitter) Option {
	return func(s *Service) {
		s.emitter = emitter
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithConfig(cfg models.Config) Option {
	return func(s *Service) {
		s.config = cfg
	}
}

func New(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth lockout store is required")
	}
	svc := &Service{
		store:  store,
		logger: slog.Default(),
		config: models.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Check reports whether clientKey may attempt a login now. It never writes.
func (s *Service) Check(ctx context.Context, clientKey string) (models.Result, error) {
	record, err := s.store.Get(ctx, clientKey)
	if err != nil {
		return models.Result{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to get auth lockout record")
	}

	now := requestcontext.Now(ctx)
	if !record.ActiveAt(now) {
		return models.Result{Allowed: true}, nil
	}
	if record.BlockedAt(now, s.config.MaxFailures) {
		return models.Result{
			Allowed:           false,
			RetryAfterSeconds: max(record.RetryAfter(now), 1),
			FailureCount:      record.FailureCount,
			ResetAt:           record.WindowResetAt,
		}, nil
	}
	return models.Result{
		Allowed:      true,
		FailureCount: record.FailureCount,
		ResetAt:      record.WindowResetAt,
	}, nil
}

// RecordFailure counts one failed login. Crossing the threshold emits a
// lockout event exactly once per window.
func (s *Service) RecordFailure(ctx context.Context, clientKey string) (*models.AuthLockout, error) {
	now := requestcontext.Now(ctx)
	current, err := s.store.RecordFailure(ctx, clientKey, now, s.config.Window)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to record auth failure")
	}
	s.metrics.IncrementAuthFailures()

	if current.FailureCount == s.config.MaxFailures {
		s.metrics.IncrementLockouts()
		audit.LogAudit(ctx, s.logger, s.emitter, audit.EventAuthLockoutTriggered,
			"client_key", clientKey,
			"reason", "too_many_failures",
			"window_reset_at", current.WindowResetAt,
		)
	}
	return current, nil
}

// Clear drops the client's record after a successful login, whatever its
// count.
func (s *Service) Clear(ctx context.Context, clientKey string) error {
	removed, err := s.store.Clear(ctx, clientKey)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to clear auth failures")
	}
	if removed != nil && removed.FailureCount >= s.config.MaxFailures {
		audit.LogAudit(ctx, s.logger, s.emitter, audit.EventAuthLockoutCleared,
			"client_key", clientKey,
		)
	}
	return nil
}
