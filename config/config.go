// Package config provides configuration management for txcoord.
package config

import (
	"fmt"
	"slices"
	"time"

	"github.com/txcoord/txcoord/pkg/invoker"
	"github.com/txcoord/txcoord/pkg/logger"
	"github.com/txcoord/txcoord/pkg/metrics"
	"github.com/txcoord/txcoord/pkg/telemetry/tracing"
)

// Config is the global configuration for txcoord.
type Config struct {
	// App is the application configuration.
	App AppConfig `mapstructure:"app" validate:"required"`

	// Server is the HTTP API server configuration.
	Server ServerConfig `mapstructure:"server" validate:"required"`

	// Log is the logging configuration.
	Log LogConfig `mapstructure:"log" validate:"required"`

	// Coordinator tunes the saga orchestrator and the 2PC coordinator.
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`

	// Invoker holds participant call settings shared by both modes.
	Invoker InvokerConfig `mapstructure:"invoker"`

	// Participants maps a service name to its HTTP endpoint.
	Participants map[string]ParticipantConfig `mapstructure:"participants" validate:"dive"`

	// Storage selects where the WAL and transaction records live.
	Storage StorageConfig `mapstructure:"storage"`

	// Abort selects how abort requests reach other coordinator processes.
	Abort AbortConfig `mapstructure:"abort"`

	// Metrics is the Prometheus configuration.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Tracing is the OpenTelemetry configuration.
	Tracing TracingConfig `mapstructure:"tracing"`
}

// AppConfig holds application metadata and settings.
type AppConfig struct {
	// Name is the application name.
	Name string `mapstructure:"name" validate:"required"`

	// Version is the application version.
	Version string `mapstructure:"version"`

	// Environment is the runtime environment (development, staging, production).
	Environment string `mapstructure:"environment" validate:"env"`

	// Debug forces debug logging regardless of log.level.
	Debug bool `mapstructure:"debug"`
}

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	// Host is the bind address.
	Host string `mapstructure:"host"`

	// Port is the HTTP API port.
	Port int `mapstructure:"port" validate:"required,min=1,max=65535"`

	// HTTP is the HTTP server configuration.
	HTTP HTTPConfig `mapstructure:"http"`

	// CORS is the CORS configuration.
	CORS CORSConfig `mapstructure:"cors"`

	// Events configures the websocket transaction event stream.
	Events EventsConfig `mapstructure:"events"`
}

// Address returns host:port for net.Listen.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// HTTPConfig holds HTTP-specific settings.
type HTTPConfig struct {
	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes. Saga
	// and 2PC requests run synchronously, so keep it above the longest
	// expected transaction.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// IdleTimeout is the maximum amount of time to wait for the next request.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// RequestTimeout bounds handler execution. Zero disables it.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// MaxHeaderBytes limits the size of request headers.
	MaxHeaderBytes int `mapstructure:"max_header_bytes"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	// MaxAge is the preflight cache lifetime in seconds.
	MaxAge int `mapstructure:"max_age" validate:"min=0"`
}

// EventsConfig bounds the websocket event stream.
type EventsConfig struct {
	// AllowedOrigins restricts browser origins. Empty allows any origin.
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	MaxConnections int           `mapstructure:"max_connections" validate:"min=0"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongTimeout    time.Duration `mapstructure:"pong_timeout"`
	// Buffer is the per-subscriber queue between coordinators and the stream.
	Buffer int `mapstructure:"buffer" validate:"min=0"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// Format is the output format (json, text).
	Format string `mapstructure:"format" validate:"oneof=json text"`

	// Output is the output destination (stdout, stderr, or file path).
	Output string `mapstructure:"output"`

	// AddSource adds the calling file and line to each record.
	AddSource bool `mapstructure:"add_source"`
}

// CoordinatorConfig tunes transaction execution.
type CoordinatorConfig struct {
	// MaxConcurrent caps the steps of one saga level running at once.
	MaxConcurrent int `mapstructure:"max_concurrent" validate:"min=1"`

	// StepTimeout bounds every participant call attempt.
	StepTimeout time.Duration `mapstructure:"step_timeout"`

	// TransactionDeadline bounds the forward path of a saga. Zero means no
	// overall deadline. Compensation is never cut short by it.
	TransactionDeadline time.Duration `mapstructure:"transaction_deadline"`

	// PrepareDeadline bounds the 2PC prepare phase. Zero means no deadline.
	PrepareDeadline time.Duration `mapstructure:"prepare_deadline"`

	// RecoverOnStart resolves transactions left unfinished by a previous
	// process before the API starts accepting requests.
	RecoverOnStart bool `mapstructure:"recover_on_start"`

	// ForwardRetry applies to saga execute and 2PC prepare calls.
	ForwardRetry RetryConfig `mapstructure:"forward_retry"`

	// CompensationRetry applies to saga compensate and 2PC commit/rollback.
	CompensationRetry RetryConfig `mapstructure:"compensation_retry"`
}

// RetryConfig is the exponential backoff schedule of one call class.
type RetryConfig struct {
	MaxAttempts         int           `mapstructure:"max_attempts" validate:"min=1"`
	InitialBackoff      time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff          time.Duration `mapstructure:"max_backoff"`
	Multiplier          float64       `mapstructure:"multiplier" validate:"gte=1"`
	RandomizationFactor float64       `mapstructure:"randomization_factor" validate:"min=0,max=1"`
}

// Policy converts the section into an invoker retry policy.
func (r RetryConfig) Policy() invoker.RetryPolicy {
	return invoker.RetryPolicy{
		MaxAttempts:         r.MaxAttempts,
		InitialBackoff:      r.InitialBackoff,
		MaxBackoff:          r.MaxBackoff,
		Multiplier:          r.Multiplier,
		RandomizationFactor: r.RandomizationFactor,
	}
}

// InvokerConfig holds participant call settings.
type InvokerConfig struct {
	// RateLimits caps calls per service name. Hot-reloadable.
	RateLimits map[string]RateLimitConfig `mapstructure:"rate_limits" validate:"dive"`
}

// RateLimitConfig is a token bucket for one service.
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"rps" validate:"gt=0"`
	Burst             int     `mapstructure:"burst" validate:"min=0"`
}

// Limits converts the section into invoker rate limits.
func (c InvokerConfig) Limits() map[string]invoker.RateLimit {
	if len(c.RateLimits) == 0 {
		return nil
	}
	out := make(map[string]invoker.RateLimit, len(c.RateLimits))
	for svc, l := range c.RateLimits {
		out[svc] = invoker.RateLimit{RequestsPerSecond: l.RequestsPerSecond, Burst: l.Burst}
	}
	return out
}

// Participant protocols.
const (
	ProtocolSaga     = "saga"
	ProtocolTwoPhase = "2pc"
)

// ParticipantConfig describes one HTTP participant.
type ParticipantConfig struct {
	// BaseURL is the prefix operations are posted to.
	BaseURL string `mapstructure:"base_url" validate:"required,url"`

	// Timeout bounds one HTTP round trip. Zero keeps the client default.
	Timeout time.Duration `mapstructure:"timeout"`

	// Protocols lists the modes the service takes part in. Empty means both.
	Protocols []string `mapstructure:"protocols" validate:"dive,oneof=saga 2pc"`
}

// Supports reports whether the participant takes part in protocol.
func (p ParticipantConfig) Supports(protocol string) bool {
	return len(p.Protocols) == 0 || slices.Contains(p.Protocols, protocol)
}

// StorageConfig holds persistence settings for the WAL and record store.
type StorageConfig struct {
	// Type is the storage backend (memory, badger).
	Type string `mapstructure:"type" validate:"oneof=memory badger"`

	// Badger is the BadgerDB configuration.
	Badger BadgerConfig `mapstructure:"badger"`
}

// BadgerConfig holds BadgerDB-specific settings.
type BadgerConfig struct {
	// Path is the database directory path.
	Path string `mapstructure:"path"`

	// SyncWrites fsyncs every write. Needed for WAL durability across
	// machine crashes.
	SyncWrites bool `mapstructure:"sync_writes"`

	// InMemory keeps the database off disk; recovery then only covers
	// in-process restarts of the coordinators.
	InMemory bool `mapstructure:"in_memory"`

	// ValueLogFileSize is the maximum size of value log files in bytes.
	ValueLogFileSize int64 `mapstructure:"value_log_file_size" validate:"min=0"`
}

// AbortConfig selects the abort propagation route.
type AbortConfig struct {
	// Bus is local (single process) or redis (pub/sub between processes).
	Bus string `mapstructure:"bus" validate:"oneof=local redis"`

	// Redis is used when Bus is redis.
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	// Address is the Redis server address.
	Address string `mapstructure:"address"`

	// Password is the Redis password.
	Password string `mapstructure:"password"`

	// DB is the Redis database number.
	DB int `mapstructure:"db" validate:"min=0"`

	// Channel is the pub/sub channel abort signals travel on.
	Channel string `mapstructure:"channel"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	// Enabled enables metrics collection.
	Enabled bool `mapstructure:"enabled"`

	// Path is the metrics endpoint path.
	Path string `mapstructure:"path"`

	// Port serves metrics on a dedicated listener. Zero mounts Path on the
	// API server instead.
	Port int `mapstructure:"port" validate:"min=0,max=65535"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	// Enabled enables span export.
	Enabled bool `mapstructure:"enabled"`

	// Exporter is the span exporter (otlpgrpc).
	Exporter string `mapstructure:"exporter" validate:"oneof=otlpgrpc otlp"`

	// Endpoint is the collector endpoint.
	Endpoint string `mapstructure:"endpoint"`

	// Insecure disables TLS towards the collector.
	Insecure bool `mapstructure:"insecure"`

	// Headers are sent with every export request.
	Headers map[string]string `mapstructure:"headers"`

	// Timeout bounds one export request.
	Timeout time.Duration `mapstructure:"timeout"`

	// Sampler is always_on, always_off or parentbased_traceidratio.
	Sampler string `mapstructure:"sampler" validate:"oneof=always_on always_off parentbased_traceidratio"`

	// SampleRate is the fraction of traces to sample (0.0-1.0).
	SampleRate float64 `mapstructure:"sample_rate" validate:"min=0,max=1"`
}

// Validate performs validation on the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// LoggerConfig converts the log section. App.Debug forces debug level.
func (c *Config) LoggerConfig() *logger.Config {
	level := logger.ParseLevel(c.Log.Level)
	if c.App.Debug {
		level = logger.DebugLevel
	}
	return &logger.Config{
		Level:     level,
		Format:    c.Log.Format,
		Output:    c.Log.Output,
		AddSource: c.Log.AddSource,
	}
}

// PrometheusConfig converts the metrics section, keeping the default buckets.
func (c *Config) PrometheusConfig() metrics.Config {
	m := metrics.DefaultConfig()
	m.Enabled = c.Metrics.Enabled
	m.Path = c.Metrics.Path
	m.Port = c.Metrics.Port
	return m
}

// OTelConfig converts the tracing section. The service identity comes
// from the app section.
func (c *Config) OTelConfig() tracing.Config {
	return tracing.Config{
		Enabled:        c.Tracing.Enabled,
		Exporter:       c.Tracing.Exporter,
		Endpoint:       c.Tracing.Endpoint,
		Insecure:       c.Tracing.Insecure,
		Headers:        c.Tracing.Headers,
		Timeout:        c.Tracing.Timeout,
		Sampler:        c.Tracing.Sampler,
		SampleRate:     c.Tracing.SampleRate,
		ServiceName:    c.App.Name,
		ServiceVersion: c.App.Version,
		Environment:    c.App.Environment,
	}
}

// String returns a string representation of the configuration (without sensitive data).
func (c *Config) String() string {
	return fmt.Sprintf("Config{App: %s, Server: :%d, Env: %s, Storage: %s, Abort: %s, Participants: %d}",
		c.App.Name, c.Server.Port, c.App.Environment, c.Storage.Type, c.Abort.Bus, len(c.Participants))
}
