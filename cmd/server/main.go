package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"hearth/internal/origin"
	"hearth/internal/passkey"
	"hearth/internal/platform/config"
	"hearth/internal/platform/httpserver"
	"hearth/internal/platform/logger"
	"hearth/internal/platform/metrics"
	"hearth/internal/platform/postgres"
	"hearth/internal/platform/redis"
	"hearth/internal/ratelimit/models"
	"hearth/internal/recordstore"
	"hearth/internal/room"
	"hearth/internal/room/store"
	hsync "hearth/internal/sync"
	"hearth/internal/token"
	httptransport "hearth/internal/transport/http"
	"hearth/pkg/platform/audit"
	"hearth/pkg/platform/audit/publisher"
	kafkastore "hearth/pkg/platform/audit/store/kafka"
	"hearth/pkg/platform/audit/store/logstore"
	"hearth/pkg/platform/middleware/metadata"
)

const shutdownTimeout = 10 * time.Second

// main wires the gateway's dependencies and runs the HTTP server, the
// ceremony janitor and graceful shutdown under one errgroup.
func main() {
	cfg, err := config.FromEnv()
	if err == nil {
		err = cfg.Validate()
	}
	log := logger.New(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Server, log *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	backend, closeBackend, err := buildStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeBackend()

	emitter, closeAudit, err := buildAudit(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeAudit()

	guard := origin.New(origin.Config{
		AllowedOrigins:   cfg.AllowedOrigins,
		ProductionDomain: cfg.ProductionDomain,
		DevOrigins:       cfg.DevOrigins,
	})

	authority, err := token.NewAuthority(cfg.SigningSecret,
		token.WithDefaultRoom(cfg.DefaultRoom),
		token.WithTTL(cfg.TokenTTL),
		token.WithProvisionalTTL(cfg.ProvisionalTokenTTL),
	)
	if err != nil {
		return fmt.Errorf("token authority: %w", err)
	}
	proxies, err := metadata.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return fmt.Errorf("trusted proxies: %w", err)
	}
	verifiers := []token.Verifier{token.NewLocalVerifier(authority)}

	handlerOpts := []httptransport.Option{
		httptransport.WithLogger(log),
		httptransport.WithAuditEmitter(emitter),
		httptransport.WithMetrics(m),
		httptransport.WithRecoverySecret(cfg.RecoverySecret),
		httptransport.WithDefaultRoom(cfg.DefaultRoom),
		httptransport.WithTrustedProxies(proxies),
	}
	if cfg.RecordStore.URL != "" {
		records := recordstore.New(cfg.RecordStore.URL,
			recordstore.WithLogger(log),
			recordstore.WithAdminCredentials(cfg.RecordStore.AdminEmail, cfg.RecordStore.AdminPassword),
			recordstore.WithHTTPClient(&http.Client{Timeout: cfg.RecordStore.Timeout}),
		)
		verifiers = append(verifiers, token.NewDelegatedVerifier(records, cfg.RecordStore.Timeout))
		handlerOpts = append(handlerOpts, httptransport.WithPasswordResetter(records))
		log.Info("record store configured", "url", cfg.RecordStore.URL)
	}
	chain := token.NewChain(verifiers, token.WithChainLogger(log), token.WithChainMetrics(m))

	rooms := room.NewRegistry(backend, passkey.NewWebAuthnProvider(), guard,
		room.WithLogger(log),
		room.WithAuditEmitter(emitter),
		room.WithMetrics(m),
		room.WithRateLimit(models.Config{Window: cfg.RateLimit.Window, MaxFailures: cfg.RateLimit.MaxFailures}),
		room.WithCeremonyTTL(cfg.Ceremony.TTL),
		room.WithRPDisplayName(cfg.Ceremony.RPDisplayName),
	)
	gateway := hsync.New(rooms, chain, guard,
		hsync.WithLogger(log),
		hsync.WithDefaultRoom(cfg.DefaultRoom),
	)
	handlerOpts = append(handlerOpts, httptransport.WithSync(gateway))

	handler := httptransport.New(rooms, authority, chain, handlerOpts...)
	srv := httpserver.New(cfg.Addr, httptransport.NewRouter(handler, guard, m))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting hearth", "addr", cfg.Addr, "env", cfg.Environment, "store", cfg.Store.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return rooms.RunJanitor(gctx, cfg.Ceremony.SweepInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func buildStore(ctx context.Context, cfg config.Server, log *slog.Logger) (store.Store, func(), error) {
	switch cfg.Store.Backend {
	case config.StoreRedis:
		client, err := redis.New(ctx, cfg.Store.Redis)
		if err != nil {
			return nil, nil, err
		}
		log.Info("using redis store")
		return store.NewRedisStore(client.Client), func() { _ = client.Close() }, nil
	case config.StorePostgres:
		pool, err := postgres.New(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate room store: %w", err)
		}
		log.Info("using postgres store")
		return pg, pool.Close, nil
	default:
		log.Warn("using in-memory store; state is lost on restart")
		return store.NewInMemoryStore(), func() {}, nil
	}
}

func buildAudit(ctx context.Context, cfg config.Server, log *slog.Logger) (audit.Emitter, func(), error) {
	var sink audit.Store = logstore.New(log)
	closeSink := func() {}
	if cfg.Audit.Sink == config.AuditSinkKafka {
		client, err := kafkastore.NewClient(cfg.Audit.KafkaBrokers, cfg.Audit.Topic)
		if err != nil {
			return nil, nil, err
		}
		if err := kafkastore.EnsureTopic(ctx, client, cfg.Audit.Topic, 3, 1); err != nil {
			client.Close()
			return nil, nil, err
		}
		sink = kafkastore.New(client, cfg.Audit.Topic)
		closeSink = client.Close
		log.Info("publishing audit events to kafka", "topic", cfg.Audit.Topic)
	}
	pub := publisher.NewPublisher(sink,
		publisher.WithAsyncBuffer(cfg.Audit.BufferSize),
		publisher.WithLogger(log),
	)
	return pub, func() {
		pub.Close()
		closeSink()
	}, nil
}
