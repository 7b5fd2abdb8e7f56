package room

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"hearth/internal/crdt"
	"hearth/internal/invite"
	"hearth/internal/passkey"
	"hearth/internal/platform/metrics"
	"hearth/internal/profile"
	"hearth/internal/ratelimit/models"
	lockoutService "hearth/internal/ratelimit/service/authlockout"
	lockoutStore "hearth/internal/ratelimit/store/authlockout"
	"hearth/internal/room/store"
	dErrors "hearth/pkg/domain-errors"
	"hearth/pkg/platform/audit"
)

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)

// ErrInvalidName is returned for room names outside [a-z0-9_-].
var ErrInvalidName = dErrors.New(dErrors.CodeBadRequest, "invalid room name")

// Registry opens rooms lazily on a shared storage backend. Each room gets
// its own key prefix.
type Registry struct {
	backend  store.Store
	provider passkey.Provider
	origins  passkey.OriginChecker

	logger        *slog.Logger
	emitter       audit.Emitter
	metrics       *metrics.Metrics
	rateLimit     models.Config
	ceremonyTTL   time.Duration
	rpDisplayName string
	peerBuffer    int

	group singleflight.Group
	mu    sync.RWMutex
	rooms map[string]*Room
}

type Option func(*Registry)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

func WithAuditEmitter(emitter audit.Emitter) Option {
	return func(r *Registry) {
		r.emitter = emitter
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

func WithRateLimit(cfg models.Config) Option {
	return func(r *Registry) {
		r.rateLimit = cfg
	}
}

func WithCeremonyTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		r.ceremonyTTL = ttl
	}
}

func WithRPDisplayName(name string) Option {
	return func(r *Registry) {
		r.rpDisplayName = name
	}
}

func WithPeerBuffer(n int) Option {
	return func(r *Registry) {
		r.peerBuffer = n
	}
}

func NewRegistry(backend store.Store, provider passkey.Provider, origins passkey.OriginChecker, opts ...Option) *Registry {
	r := &Registry{
		backend:   backend,
		provider:  provider,
		origins:   origins,
		logger:    slog.Default(),
		rateLimit: models.DefaultConfig(),
		rooms:     make(map[string]*Room),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open returns the named room, building and hydrating it on first use.
// Concurrent first opens of the same room share one build.
func (r *Registry) Open(ctx context.Context, name string) (*Room, error) {
	if !namePattern.MatchString(name) {
		return nil, ErrInvalidName
	}
	r.mu.RLock()
	rm, ok := r.rooms[name]
	r.mu.RUnlock()
	if ok {
		return rm, nil
	}

	v, err, _ := r.group.Do(name, func() (any, error) {
		r.mu.RLock()
		existing, ok := r.rooms[name]
		r.mu.RUnlock()
		if ok {
			return existing, nil
		}
		rm, err := r.build(ctx, name)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.rooms[name] = rm
		r.mu.Unlock()
		r.logger.InfoContext(ctx, "room opened", "room", name)
		return rm, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Room), nil
}

func (r *Registry) build(ctx context.Context, name string) (*Room, error) {
	st := store.NewScoped(r.backend, "room:"+name+":")
	logger := r.logger.With("room", name)

	lockout, err := lockoutService.New(lockoutStore.New(st),
		lockoutService.WithLogger(logger),
		lockoutService.WithAuditEmitter(r.emitter),
		lockoutService.WithMetrics(r.metrics),
		lockoutService.WithConfig(r.rateLimit),
	)
	if err != nil {
		return nil, err
	}
	profiles := profile.New(st,
		profile.WithLogger(logger),
		profile.WithAuditEmitter(r.emitter),
	)

	rm := &Room{
		Name:     name,
		Store:    st,
		Document: crdt.New(),
		Hub:      NewHub(name, r.peerBuffer, r.metrics),
		Profiles: profiles,
		Invites: invite.New(st,
			invite.WithLogger(logger),
			invite.WithAuditEmitter(r.emitter),
			invite.WithMetrics(r.metrics),
		),
		Lockout: lockout,
		Ceremonies: passkey.New(st, profiles, r.provider, r.origins,
			passkey.WithTTL(r.ceremonyTTL),
			passkey.WithDisplayName(r.rpDisplayName),
			passkey.WithLogger(logger),
			passkey.WithAuditEmitter(r.emitter),
			passkey.WithMetrics(r.metrics),
		),
		logger:  logger,
		metrics: r.metrics,
	}
	if err := rm.hydrate(ctx); err != nil {
		return nil, fmt.Errorf("hydrate room %s: %w", name, err)
	}
	return rm, nil
}

// Each calls fn for every open room.
func (r *Registry) Each(fn func(*Room)) {
	r.mu.RLock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.RUnlock()
	for _, rm := range rooms {
		fn(rm)
	}
}

// PurgeCeremonies drops expired ceremonies in every open room.
func (r *Registry) PurgeCeremonies(ctx context.Context) int {
	var total int
	r.Each(func(rm *Room) {
		n, err := rm.Ceremonies.Purge(ctx)
		if err != nil {
			r.logger.WarnContext(ctx, "failed to purge ceremonies", "room", rm.Name, "error", err)
			return
		}
		total += n
	})
	return total
}

// RunJanitor purges expired ceremonies every interval until ctx is done.
func (r *Registry) RunJanitor(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.PurgeCeremonies(ctx)
		}
	}
}
