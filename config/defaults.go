package config

import "time"

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "txcoord",
			Version:     "dev",
			Environment: "development",
			Debug:       false,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
			HTTP: HTTPConfig{
				ReadTimeout:     30 * time.Second,
				WriteTimeout:    5 * time.Minute,
				IdleTimeout:     120 * time.Second,
				ShutdownTimeout: 30 * time.Second,
				RequestTimeout:  2 * time.Minute,
				MaxHeaderBytes:  1 << 20, // 1MB
			},
			CORS: CORSConfig{
				Enabled:        false,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "X-Request-ID", "traceparent"},
				MaxAge:         300,
			},
			Events: EventsConfig{
				MaxConnections: 256,
				PingInterval:   30 * time.Second,
				PongTimeout:    60 * time.Second,
				Buffer:         256,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Coordinator: CoordinatorConfig{
			MaxConcurrent:  16,
			StepTimeout:    10 * time.Second,
			RecoverOnStart: true,
			ForwardRetry: RetryConfig{
				MaxAttempts:         3,
				InitialBackoff:      100 * time.Millisecond,
				MaxBackoff:          2 * time.Second,
				Multiplier:          2,
				RandomizationFactor: 0.2,
			},
			CompensationRetry: RetryConfig{
				MaxAttempts:         5,
				InitialBackoff:      200 * time.Millisecond,
				MaxBackoff:          10 * time.Second,
				Multiplier:          2,
				RandomizationFactor: 0.2,
			},
		},
		Storage: StorageConfig{
			Type: "memory",
			Badger: BadgerConfig{
				Path:             "./data/badger",
				SyncWrites:       true,
				ValueLogFileSize: 256 << 20, // 256MB
			},
		},
		Abort: AbortConfig{
			Bus: "local",
			Redis: RedisConfig{
				Address: "localhost:6379",
				DB:      0,
				Channel: "txcoord:abort",
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    0,
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "otlpgrpc",
			Endpoint:   "localhost:4317",
			Insecure:   true,
			Timeout:    10 * time.Second,
			Sampler:    "parentbased_traceidratio",
			SampleRate: 0.1,
		},
	}
}
