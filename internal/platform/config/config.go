// Package config reads server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"hearth/pkg/platform/middleware/metadata"
	pstrings "hearth/pkg/platform/strings"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"

	AuditSinkLog   = "log"
	AuditSinkKafka = "kafka"

	devSigningSecret = "dev-secret-key-change-in-production-0000"
	minSecretLength  = 32
)

// Server captures everything main needs to wire the gateway.
type Server struct {
	Addr        string
	Environment string
	LogLevel    string
	LogFormat   string

	SigningSecret  string
	RecoverySecret string

	AllowedOrigins   []string
	ProductionDomain string
	DevOrigins       []string

	// TrustedProxies are CIDRs or addresses whose forwarding headers name
	// the client. Requests from anywhere else are keyed by their socket.
	TrustedProxies []string

	DefaultRoom string

	TokenTTL            time.Duration
	ProvisionalTokenTTL time.Duration

	Ceremony    CeremonyConfig
	RateLimit   RateLimitConfig
	RecordStore RecordStoreConfig
	Store       StoreConfig
	Audit       AuditConfig
}

type CeremonyConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
	RPDisplayName string
}

type RateLimitConfig struct {
	Window      time.Duration
	MaxFailures int
}

// RecordStoreConfig points at the external record store. An empty URL
// disables password reset and delegated token verification.
type RecordStoreConfig struct {
	URL           string
	AdminEmail    string
	AdminPassword string
	Timeout       time.Duration
}

type StoreConfig struct {
	Backend     string
	Redis       RedisConfig
	PostgresDSN string
}

type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type AuditConfig struct {
	Sink         string
	KafkaBrokers []string
	Topic        string
	BufferSize   int
}

// IsProduction reports whether production-only checks apply.
func (s Server) IsProduction() bool {
	return s.Environment == EnvProduction
}

// FromEnv builds a Server config from environment variables so main stays
// lean. Unset variables fall back to development defaults; call Validate
// before using the result.
func FromEnv() (Server, error) {
	var errs []error
	dur := func(key string, def time.Duration) time.Duration {
		d, err := durationEnv(key, def)
		errs = append(errs, err)
		return d
	}
	num := func(key string, def int) int {
		n, err := intEnv(key, def)
		errs = append(errs, err)
		return n
	}

	cfg := Server{
		Addr:        stringEnv("HEARTH_ADDR", ":8080"),
		Environment: stringEnv("HEARTH_ENV", EnvDevelopment),
		LogLevel:    stringEnv("LOG_LEVEL", "info"),
		LogFormat:   stringEnv("LOG_FORMAT", ""),

		SigningSecret:  stringEnv("SIGNING_SECRET", ""),
		RecoverySecret: os.Getenv("RECOVERY_SECRET"),

		AllowedOrigins:   listEnv("ALLOWED_ORIGINS"),
		ProductionDomain: strings.ToLower(os.Getenv("PRODUCTION_DOMAIN")),
		DevOrigins:       listEnv("DEV_ORIGINS"),
		TrustedProxies:   listEnv("TRUSTED_PROXIES"),

		DefaultRoom: stringEnv("DEFAULT_ROOM", "household"),

		TokenTTL:            dur("TOKEN_TTL", 30*24*time.Hour),
		ProvisionalTokenTTL: dur("PROVISIONAL_TOKEN_TTL", 15*time.Minute),

		Ceremony: CeremonyConfig{
			TTL:           dur("CEREMONY_TTL", 5*time.Minute),
			SweepInterval: dur("CEREMONY_SWEEP_INTERVAL", time.Minute),
			RPDisplayName: stringEnv("PASSKEY_RP_NAME", "Hearth"),
		},
		RateLimit: RateLimitConfig{
			Window:      dur("RATE_LIMIT_WINDOW", 15*time.Minute),
			MaxFailures: num("RATE_LIMIT_MAX_FAILURES", 5),
		},
		RecordStore: RecordStoreConfig{
			URL:           strings.TrimRight(os.Getenv("RECORD_STORE_URL"), "/"),
			AdminEmail:    os.Getenv("RECORD_STORE_ADMIN_EMAIL"),
			AdminPassword: os.Getenv("RECORD_STORE_ADMIN_PASSWORD"),
			Timeout:       dur("RECORD_STORE_TIMEOUT", 5*time.Second),
		},
		Store: StoreConfig{
			Backend: stringEnv("STORE_BACKEND", StoreMemory),
			Redis: RedisConfig{
				URL:          os.Getenv("REDIS_URL"),
				PoolSize:     num("REDIS_POOL_SIZE", 10),
				MinIdleConns: num("REDIS_MIN_IDLE_CONNS", 2),
				DialTimeout:  dur("REDIS_DIAL_TIMEOUT", 5*time.Second),
				ReadTimeout:  dur("REDIS_READ_TIMEOUT", 3*time.Second),
				WriteTimeout: dur("REDIS_WRITE_TIMEOUT", 3*time.Second),
			},
			PostgresDSN: os.Getenv("DATABASE_URL"),
		},
		Audit: AuditConfig{
			Sink:         stringEnv("AUDIT_SINK", AuditSinkLog),
			KafkaBrokers: listEnv("KAFKA_BROKERS"),
			Topic:        stringEnv("AUDIT_TOPIC", "hearth.audit"),
			BufferSize:   num("AUDIT_BUFFER_SIZE", 256),
		},
	}
	if cfg.SigningSecret == "" && !cfg.IsProduction() {
		cfg.SigningSecret = devSigningSecret
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
		if cfg.IsProduction() {
			cfg.LogFormat = "json"
		}
	}
	if len(cfg.AllowedOrigins) == 0 && !cfg.IsProduction() {
		cfg.AllowedOrigins = []string{"http://localhost:5173"}
	}
	return cfg, errors.Join(errs...)
}

// Validate rejects configurations that would start an insecure or
// unreachable server.
func (s Server) Validate() error {
	var errs []error
	if len(s.SigningSecret) < minSecretLength {
		errs = append(errs, fmt.Errorf("SIGNING_SECRET must be at least %d bytes", minSecretLength))
	}
	if s.IsProduction() && s.SigningSecret == devSigningSecret {
		errs = append(errs, errors.New("SIGNING_SECRET must be set in production"))
	}
	if s.RecoverySecret != "" && len(s.RecoverySecret) < 16 {
		errs = append(errs, errors.New("RECOVERY_SECRET must be at least 16 bytes when set"))
	}
	if len(s.AllowedOrigins) == 0 {
		errs = append(errs, errors.New("ALLOWED_ORIGINS must list at least one origin"))
	}
	if _, err := metadata.ParseTrustedProxies(s.TrustedProxies); err != nil {
		errs = append(errs, fmt.Errorf("TRUSTED_PROXIES: %w", err))
	}
	if s.DefaultRoom == "" {
		errs = append(errs, errors.New("DEFAULT_ROOM must not be empty"))
	}
	if s.RateLimit.MaxFailures <= 0 || s.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate limit window and max failures must be positive"))
	}
	if s.Ceremony.TTL <= 0 {
		errs = append(errs, errors.New("CEREMONY_TTL must be positive"))
	}
	switch s.Store.Backend {
	case StoreMemory:
	case StoreRedis:
		if s.Store.Redis.URL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis store"))
		}
	case StorePostgres:
		if s.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", s.Store.Backend))
	}
	switch s.Audit.Sink {
	case AuditSinkLog:
	case AuditSinkKafka:
		if len(s.Audit.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("KAFKA_BROKERS is required for the kafka audit sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown AUDIT_SINK %q", s.Audit.Sink))
	}
	if s.RecordStore.URL != "" && (s.RecordStore.AdminEmail == "" || s.RecordStore.AdminPassword == "") {
		errs = append(errs, errors.New("record store admin credentials are required when RECORD_STORE_URL is set"))
	}
	return errors.Join(errs...)
}

func stringEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func listEnv(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	return pstrings.DedupeAndTrim(strings.Split(raw, ","))
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func intEnv(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
