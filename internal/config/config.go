package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the service settings read from the environment.
type Config struct {
	Port               string        `env:"PORT" envDefault:"3000"`
	GRPCAddr           string        `env:"GRPC_ADDR"`
	WorkerCommand      []string      `env:"WORKER_COMMAND" envSeparator:" " envDefault:"python3 classify.py"`
	WorkerTimeout      time.Duration `env:"WORKER_TIMEOUT" envDefault:"30s"`
	WorkerWaitDelay    time.Duration `env:"WORKER_WAIT_DELAY" envDefault:"2s"`
	WorkerProbeEvery   time.Duration `env:"WORKER_PROBE_INTERVAL" envDefault:"30s"`
	StagingDir         string        `env:"STAGING_DIR"`
	MaxUploadBytes     int64         `env:"MAX_UPLOAD_BYTES" envDefault:"10485760"`
	DatabaseDriver     string        `env:"DATABASE_DRIVER" envDefault:"postgres"`
	DatabaseDSN        string        `env:"DATABASE_DSN"`
	RedisAddr          string        `env:"REDIS_ADDR"`
	CORSAllowedOrigins []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
	LogLevel           string        `env:"LOG_LEVEL" envDefault:"info"`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// Load reads envFile (or .env when empty) if it exists, then parses the
// environment. Variables already set take precedence over the file.
func Load(envFile string) (*Config, bool, error) {
	files := []string{}
	if envFile != "" {
		files = append(files, envFile)
	}
	loaded := godotenv.Load(files...) == nil
	if envFile != "" && !loaded {
		return nil, false, fmt.Errorf("failed to load env file %q", envFile)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, loaded, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, loaded, err
	}
	return &cfg, loaded, nil
}

// Validate checks the settings that have no safe fallback.
func (c *Config) Validate() error {
	var errs []error
	if len(c.WorkerCommand) == 0 || c.WorkerCommand[0] == "" {
		errs = append(errs, errors.New("WORKER_COMMAND must not be empty"))
	}
	if c.WorkerTimeout <= 0 {
		errs = append(errs, fmt.Errorf("WORKER_TIMEOUT must be positive, got %s", c.WorkerTimeout))
	}
	if c.WorkerWaitDelay < 0 {
		errs = append(errs, fmt.Errorf("WORKER_WAIT_DELAY must not be negative, got %s", c.WorkerWaitDelay))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", c.MaxUploadBytes))
	}
	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("DATABASE_DRIVER must be postgres or sqlite, got %q", c.DatabaseDriver))
	}
	return errors.Join(errs...)
}

// HTTPAddr is the listen address for the HTTP server.
func (c *Config) HTTPAddr() string {
	return ":" + c.Port
}
