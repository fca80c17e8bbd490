// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes the admin HTTP
// server, logging, database, Discord, queue/worker tuning, reconciliation,
// the rate-governed executor, the audit sink, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tbourn/go-voice-queue/internal/sysutil"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "vcqueue")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// DBConfig selects the store.
type DBConfig struct {
	Driver      string // DB_DRIVER: sqlite|postgres
	Path        string // DB_PATH (sqlite)
	PostgresDSN string // DB_POSTGRES_DSN
	LogSQL      bool   // DB_LOG_SQL
}

// DiscordConfig holds the bot credentials.
type DiscordConfig struct {
	Token string // DISCORD_TOKEN
	// GuildLoadTimeout bounds how long serve waits for every guild's
	// GUILD_CREATE before startup recovery.
	GuildLoadTimeout time.Duration // DISCORD_GUILD_LOAD_TIMEOUT
}

// QueueConfig tunes the request store semantics.
type QueueConfig struct {
	RequestTTL  time.Duration // QUEUE_REQUEST_TTL
	BaseDelay   time.Duration // QUEUE_RETRY_BASE
	MaxDelay    time.Duration // QUEUE_RETRY_MAX
	BatchSize   int           // QUEUE_BATCH_SIZE
	MaxErrorLen int           // QUEUE_MAX_ERROR_LEN
}

// WorkerConfig tunes the worker pool.
type WorkerConfig struct {
	PollInterval      time.Duration // WORKER_POLL_INTERVAL
	GlobalCap         int           // WORKER_GLOBAL_CAP
	PerGuildCap       int           // WORKER_GUILD_CAP
	RateLimitCooldown time.Duration // WORKER_RATE_LIMIT_COOLDOWN
	PostWorkers       int           // WORKER_POST_WORKERS
	PostBuffer        int           // WORKER_POST_BUFFER
}

// ReconcileConfig tunes periodic reconciliation.
type ReconcileConfig struct {
	Interval time.Duration // RECONCILE_INTERVAL
	MinAge   time.Duration // RECONCILE_MIN_AGE
}

// ExecutorConfig tunes the rate-governed executor.
type ExecutorConfig struct {
	Concurrency int     // EXECUTOR_CONCURRENCY
	RPS         float64 // EXECUTOR_RPS (0 = unpaced)
	Burst       int     // EXECUTOR_BURST
}

// AuditConfig selects audit sinks. The log sink is always on; Kafka is
// enabled when brokers are configured.
type AuditConfig struct {
	KafkaBrokers []string // AUDIT_KAFKA_BROKERS (csv)
	KafkaTopic   string   // AUDIT_KAFKA_TOPIC
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test
	HTTPEnabled       bool          // HTTP_ENABLED: serve the admin API
	AdminToken        string        // ADMIN_TOKEN: bearer token for the admin API ("" = open)

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	DB        DBConfig
	Discord   DiscordConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Reconcile ReconcileConfig
	Executor  ExecutorConfig
	Audit     AuditConfig

	// Rate limiting (admin API)
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),
		HTTPEnabled:       getbool("HTTP_ENABLED", true),
		AdminToken:        strings.TrimSpace(getenv("ADMIN_TOKEN", "")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		DB: DBConfig{
			Driver:      strings.ToLower(getenv("DB_DRIVER", "sqlite")),
			Path:        getenv("DB_PATH", "vcqueue.db"),
			PostgresDSN: getenv("DB_POSTGRES_DSN", ""),
			LogSQL:      getbool("DB_LOG_SQL", false),
		},
		Discord: DiscordConfig{
			Token:            strings.TrimSpace(getenv("DISCORD_TOKEN", "")),
			GuildLoadTimeout: getdur("DISCORD_GUILD_LOAD_TIMEOUT", 30*time.Second),
		},
		Queue: QueueConfig{
			RequestTTL:  getdur("QUEUE_REQUEST_TTL", 24*time.Hour),
			BaseDelay:   getdur("QUEUE_RETRY_BASE", 5*time.Second),
			MaxDelay:    getdur("QUEUE_RETRY_MAX", 5*time.Minute),
			BatchSize:   getint("QUEUE_BATCH_SIZE", 10),
			MaxErrorLen: getint("QUEUE_MAX_ERROR_LEN", 500),
		},
		Worker: WorkerConfig{
			PollInterval:      getdur("WORKER_POLL_INTERVAL", time.Second),
			GlobalCap:         getint("WORKER_GLOBAL_CAP", 3),
			PerGuildCap:       getint("WORKER_GUILD_CAP", 2),
			RateLimitCooldown: getdur("WORKER_RATE_LIMIT_COOLDOWN", 60*time.Second),
			PostWorkers:       getint("WORKER_POST_WORKERS", 2),
			PostBuffer:        getint("WORKER_POST_BUFFER", 64),
		},
		Reconcile: ReconcileConfig{
			Interval: getdur("RECONCILE_INTERVAL", 5*time.Minute),
			MinAge:   getdur("RECONCILE_MIN_AGE", 30*time.Second),
		},
		Executor: ExecutorConfig{
			Concurrency: getint("EXECUTOR_CONCURRENCY", 5),
			RPS:         getfloat("EXECUTOR_RPS", 40),
			Burst:       getint("EXECUTOR_BURST", 10),
		},
		Audit: AuditConfig{
			KafkaBrokers: splitCSV(getenv("AUDIT_KAFKA_BROKERS", "")),
			KafkaTopic:   getenv("AUDIT_KAFKA_TOPIC", "vcqueue.audit"),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "vcqueue"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.DB.Driver == "postgresql" {
		cfg.DB.Driver = "postgres"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	switch cfg.DB.Driver {
	case "sqlite":
		if strings.TrimSpace(cfg.DB.Path) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(cfg.DB.PostgresDSN) == "" {
			return cfg, errors.New("DB_POSTGRES_DSN is required when DB_DRIVER=postgres")
		}
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres")
	}
	if cfg.Queue.RequestTTL <= 0 {
		return cfg, errors.New("QUEUE_REQUEST_TTL must be > 0")
	}
	if cfg.Queue.BaseDelay <= 0 || cfg.Queue.MaxDelay < cfg.Queue.BaseDelay {
		return cfg, errors.New("QUEUE_RETRY_BASE must be > 0 and <= QUEUE_RETRY_MAX")
	}
	if cfg.Queue.BatchSize < 1 {
		return cfg, errors.New("QUEUE_BATCH_SIZE must be >= 1")
	}
	if cfg.Queue.MaxErrorLen < 1 {
		return cfg, errors.New("QUEUE_MAX_ERROR_LEN must be >= 1")
	}
	if cfg.Worker.PollInterval <= 0 {
		return cfg, errors.New("WORKER_POLL_INTERVAL must be > 0")
	}
	if cfg.Worker.GlobalCap < 1 || cfg.Worker.PerGuildCap < 1 {
		return cfg, errors.New("WORKER_GLOBAL_CAP and WORKER_GUILD_CAP must be >= 1")
	}
	if cfg.Worker.RateLimitCooldown <= 0 {
		return cfg, errors.New("WORKER_RATE_LIMIT_COOLDOWN must be > 0")
	}
	if cfg.Worker.PostWorkers < 1 || cfg.Worker.PostBuffer < 1 {
		return cfg, errors.New("WORKER_POST_WORKERS and WORKER_POST_BUFFER must be >= 1")
	}
	if cfg.Discord.GuildLoadTimeout < 0 {
		return cfg, errors.New("DISCORD_GUILD_LOAD_TIMEOUT must be >= 0")
	}
	if cfg.Reconcile.Interval <= 0 {
		return cfg, errors.New("RECONCILE_INTERVAL must be > 0")
	}
	if cfg.Reconcile.MinAge < 0 {
		return cfg, errors.New("RECONCILE_MIN_AGE must be >= 0")
	}
	if cfg.Executor.Concurrency < 1 {
		return cfg, errors.New("EXECUTOR_CONCURRENCY must be >= 1")
	}
	if cfg.Executor.RPS < 0 {
		return cfg, errors.New("EXECUTOR_RPS must be >= 0")
	}
	if cfg.Executor.Burst < 1 {
		return cfg, errors.New("EXECUTOR_BURST must be >= 1")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// RequireDiscord reports an error when the bot token is missing. Commands
// that never talk to the platform (migrate, stats) skip this check.
func (c Config) RequireDiscord() error {
	if c.Discord.Token == "" {
		return errors.New("DISCORD_TOKEN must be set")
	}
	return nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if b, ok := sysutil.ParseBool(os.Getenv(k)); ok {
		return b
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
