package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the full server configuration.
type Config struct {
	Env      string `env:"APP_ENV" envDefault:"development"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	GRPCAddr string `env:"GRPC_ADDR" envDefault:":50051"`

	Observability ObservabilityConfig `envPrefix:"OBS_"`
	Database      DatabaseConfig
	Outbox        OutboxConfig      `envPrefix:"OUTBOX_"`
	Saga          SagaConfig        `envPrefix:"SAGA_"`
	Reliability   ReliabilityConfig `envPrefix:"STEP_"`
	Payment       PaymentConfig     `envPrefix:"PAYMENT_"`
	GRPC          GRPCConfig        `envPrefix:"GRPC_"`
	Redis         RedisConfig       `envPrefix:"REDIS_"`
	Kafka         KafkaConfig       `envPrefix:"KAFKA_"`
	OTel          OTelConfig
}

// ObservabilityConfig holds the HTTP address for the metrics endpoint.
type ObservabilityConfig struct {
	Addr string `env:"ADDR" envDefault:":9100"`
}

// DatabaseConfig selects Postgres. An empty URL keeps every store in memory.
type DatabaseConfig struct {
	URL             string        `env:"DATABASE_URL"`
	MaxOpenConns    int           `env:"DATABASE_MAX_OPEN_CONNS" envDefault:"10"`
	MaxIdleConns    int           `env:"DATABASE_MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"DATABASE_CONN_MAX_LIFETIME" envDefault:"30m"`
	SetupTimeout    time.Duration `env:"DATABASE_SETUP_TIMEOUT" envDefault:"5s"`
}

// OutboxConfig tunes the outbox poller.
type OutboxConfig struct {
	Schedule    string        `env:"SCHEDULE" envDefault:"@every 1s"`
	BatchSize   int           `env:"BATCH_SIZE" envDefault:"100"`
	MaxRetries  int           `env:"MAX_RETRIES" envDefault:"5"`
	Concurrency int           `env:"CONCURRENCY" envDefault:"4"`
	LockKey     string        `env:"LOCK_KEY" envDefault:"stockflow:outbox:drain"`
	LockTTL     time.Duration `env:"LOCK_TTL" envDefault:"30s"`
}

// Saga execution modes.
const (
	ExecutionInline = "inline"
	ExecutionOutbox = "outbox"
)

// SagaConfig holds saga defaults. MaxRetries bounds how often an interrupted
// step is resumed. Execution "outbox" stages every step as a run_step event.
type SagaConfig struct {
	MaxRetries int    `env:"MAX_RETRIES" envDefault:"3"`
	Execution  string `env:"EXECUTION" envDefault:"inline"`
}

// Dispatched reports whether steps run through the outbox.
func (c SagaConfig) Dispatched() bool { return c.Execution == ExecutionOutbox }

// ReliabilityConfig guards calls made by step executors.
type ReliabilityConfig struct {
	RetryMaxAttempts    int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"3"`
	RetryBaseDelay      time.Duration `env:"RETRY_BASE_DELAY" envDefault:"50ms"`
	RetryMaxDelay       time.Duration `env:"RETRY_MAX_DELAY" envDefault:"1s"`
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES" envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"10s"`
	RateLimitInterval   time.Duration `env:"RATE_LIMIT_INTERVAL" envDefault:"10ms"`
	RateLimitBurst      int           `env:"RATE_LIMIT_BURST" envDefault:"20"`
}

// PaymentConfig configures the simulated gateway.
type PaymentConfig struct {
	DeclineRate float64 `env:"DECLINE_RATE" envDefault:"0"`
}

// GRPCConfig holds ingress rate limiting settings.
type GRPCConfig struct {
	RateLimitInterval time.Duration `env:"RATE_LIMIT_INTERVAL" envDefault:"1ms"`
	RateLimitBurst    int           `env:"RATE_LIMIT_BURST" envDefault:"100"`
}

// RedisConfig holds Redis connection and behavior settings. An empty URL
// disables the run lock and the notification stream.
type RedisConfig struct {
	URL                string         `env:"URL"`
	Stream             string         `env:"STREAM" envDefault:"saga_events"`
	DialTimeout        *time.Duration `env:"DIAL_TIMEOUT"`
	ReadTimeout        *time.Duration `env:"READ_TIMEOUT"`
	WriteTimeout       *time.Duration `env:"WRITE_TIMEOUT"`
	PoolSize           *int           `env:"POOL_SIZE"`
	MinIdleConns       *int           `env:"MIN_IDLE_CONNS"`
	MaxRetries         *int           `env:"MAX_RETRIES"`
	HealthcheckTimeout time.Duration  `env:"HEALTHCHECK_TIMEOUT" envDefault:"2s"`
	StatusTTL          time.Duration  `env:"STATUS_TTL" envDefault:"24h"`
	StreamMaxLen       int64          `env:"STREAM_MAXLEN" envDefault:"10000"`
	EnableOTel         bool           `env:"OTEL"`
	TLSCAFile          string         `env:"TLS_CA_FILE"`
	TLSCertFile        string         `env:"TLS_CERT_FILE"`
	TLSKeyFile         string         `env:"TLS_KEY_FILE"`
	TLSServerName      string         `env:"TLS_SERVER_NAME"`
	TLSInsecure        *bool          `env:"TLS_INSECURE_SKIP_VERIFY"`
}

// KafkaConfig configures the notification topic. No brokers disables it.
type KafkaConfig struct {
	Brokers      []string      `env:"BROKERS" envSeparator:","`
	Topic        string        `env:"TOPIC" envDefault:"saga-events"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
}

// OTelConfig configures trace export. An empty endpoint disables it.
type OTelConfig struct {
	Endpoint    string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName string  `env:"OTEL_SERVICE_NAME" envDefault:"stockflow"`
	SampleRatio float64 `env:"OTEL_TRACES_SAMPLER_ARG" envDefault:"1"`
}

// Production reports whether the server runs with APP_ENV=production.
func (c Config) Production() bool { return c.Env == "production" }

// Load reads an optional .env file, then the environment, and validates the
// result. Variables already set win over the file.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.Kafka.Brokers = compact(cfg.Kafka.Brokers)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects negative sizes and durations and inconsistent settings.
func (c Config) Validate() error {
	var errs []error
	nonNegative := func(name string, v int64) {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must be >= 0", name))
		}
	}
	nonNegative("DATABASE_MAX_OPEN_CONNS", int64(c.Database.MaxOpenConns))
	nonNegative("DATABASE_MAX_IDLE_CONNS", int64(c.Database.MaxIdleConns))
	nonNegative("DATABASE_CONN_MAX_LIFETIME", int64(c.Database.ConnMaxLifetime))
	nonNegative("OUTBOX_BATCH_SIZE", int64(c.Outbox.BatchSize))
	nonNegative("OUTBOX_MAX_RETRIES", int64(c.Outbox.MaxRetries))
	nonNegative("OUTBOX_CONCURRENCY", int64(c.Outbox.Concurrency))
	nonNegative("OUTBOX_LOCK_TTL", int64(c.Outbox.LockTTL))
	nonNegative("SAGA_MAX_RETRIES", int64(c.Saga.MaxRetries))
	nonNegative("STEP_RETRY_MAX_ATTEMPTS", int64(c.Reliability.RetryMaxAttempts))
	nonNegative("STEP_RETRY_BASE_DELAY", int64(c.Reliability.RetryBaseDelay))
	nonNegative("STEP_RETRY_MAX_DELAY", int64(c.Reliability.RetryMaxDelay))
	nonNegative("STEP_BREAKER_MAX_FAILURES", int64(c.Reliability.BreakerMaxFailures))
	nonNegative("STEP_BREAKER_RESET_TIMEOUT", int64(c.Reliability.BreakerResetTimeout))
	nonNegative("STEP_RATE_LIMIT_INTERVAL", int64(c.Reliability.RateLimitInterval))
	nonNegative("STEP_RATE_LIMIT_BURST", int64(c.Reliability.RateLimitBurst))
	nonNegative("GRPC_RATE_LIMIT_INTERVAL", int64(c.GRPC.RateLimitInterval))
	nonNegative("GRPC_RATE_LIMIT_BURST", int64(c.GRPC.RateLimitBurst))
	nonNegative("REDIS_HEALTHCHECK_TIMEOUT", int64(c.Redis.HealthcheckTimeout))
	nonNegative("REDIS_STATUS_TTL", int64(c.Redis.StatusTTL))
	nonNegative("REDIS_STREAM_MAXLEN", c.Redis.StreamMaxLen)
	nonNegative("KAFKA_WRITE_TIMEOUT", int64(c.Kafka.WriteTimeout))
	for name, d := range map[string]*time.Duration{
		"REDIS_DIAL_TIMEOUT":  c.Redis.DialTimeout,
		"REDIS_READ_TIMEOUT":  c.Redis.ReadTimeout,
		"REDIS_WRITE_TIMEOUT": c.Redis.WriteTimeout,
	} {
		if d != nil {
			nonNegative(name, int64(*d))
		}
	}
	for name, n := range map[string]*int{
		"REDIS_POOL_SIZE":      c.Redis.PoolSize,
		"REDIS_MIN_IDLE_CONNS": c.Redis.MinIdleConns,
		"REDIS_MAX_RETRIES":    c.Redis.MaxRetries,
	} {
		if n != nil {
			nonNegative(name, int64(*n))
		}
	}

	if c.Saga.Execution != ExecutionInline && c.Saga.Execution != ExecutionOutbox {
		errs = append(errs, fmt.Errorf("SAGA_EXECUTION must be %q or %q", ExecutionInline, ExecutionOutbox))
	}
	if c.Payment.DeclineRate < 0 || c.Payment.DeclineRate > 1 {
		errs = append(errs, errors.New("PAYMENT_DECLINE_RATE must be within [0, 1]"))
	}
	if c.OTel.SampleRatio < 0 || c.OTel.SampleRatio > 1 {
		errs = append(errs, errors.New("OTEL_TRACES_SAMPLER_ARG must be within [0, 1]"))
	}
	if strings.TrimSpace(c.Outbox.Schedule) == "" {
		errs = append(errs, errors.New("OUTBOX_SCHEDULE is required"))
	}
	if (c.Redis.TLSCertFile == "") != (c.Redis.TLSKeyFile == "") {
		errs = append(errs, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together"))
	}
	return errors.Join(errs...)
}

// TLS builds the Redis TLS config, or nil when no TLS setting is present.
func (c RedisConfig) TLS() (*tls.Config, error) {
	if c.TLSCAFile == "" && c.TLSCertFile == "" && c.TLSKeyFile == "" && c.TLSServerName == "" && c.TLSInsecure == nil {
		return nil, nil
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: c.TLSServerName,
	}
	if c.TLSInsecure != nil {
		tlsConfig.InsecureSkipVerify = *c.TLSInsecure
	}

	if c.TLSCAFile != "" {
		pemData, err := os.ReadFile(c.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("REDIS_TLS_CA_FILE contains no valid certificates")
		}
		tlsConfig.RootCAs = pool
	}

	if c.TLSCertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.TLSCertFile, c.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func compact(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
