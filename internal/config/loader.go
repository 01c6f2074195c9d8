package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "toolgate.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "TOOLGATE_PORT")
	setString(&cfg.Server.CORSOrigin, "TOOLGATE_CORS_ORIGIN")
	setString(&cfg.Server.CallbackBaseURL, "TOOLGATE_CALLBACK_BASE_URL")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "TOOLGATE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "TOOLGATE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "TOOLGATE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "TOOLGATE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "TOOLGATE_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Logging.Level, "TOOLGATE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "TOOLGATE_LOG_SERVICE")
	setInt(&cfg.Breaker.MaxFailures, "TOOLGATE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "TOOLGATE_BREAKER_TIMEOUT")
	setInt64(&cfg.Cache.MaxSizeMB, "TOOLGATE_CACHE_SIZE_MB")
	setDuration(&cfg.Cache.TTL, "TOOLGATE_CACHE_TTL")
	setString(&cfg.Policy.RulesDir, "TOOLGATE_POLICY_DIR")
	setDuration(&cfg.Runtime.ApprovalTimeout, "TOOLGATE_APPROVAL_TIMEOUT")
	setDuration(&cfg.Runtime.RetryAfter, "TOOLGATE_RETRY_AFTER")
	setDuration(&cfg.Runtime.DispatchTimeout, "TOOLGATE_DISPATCH_TIMEOUT")
	setUint64(&cfg.Runtime.CredentialMaxRetries, "TOOLGATE_CREDENTIAL_MAX_RETRIES")
	setDuration(&cfg.Runtime.CredentialBaseDelay, "TOOLGATE_CREDENTIAL_BASE_DELAY")
	setDuration(&cfg.Runtime.CallTimeout, "TOOLGATE_CALL_TIMEOUT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Runtime.ApprovalTimeout <= 0 {
		return errors.New("runtime.approval_timeout must be > 0")
	}
	if cfg.Runtime.RetryAfter <= 0 {
		return errors.New("runtime.retry_after must be > 0")
	}
	if cfg.Runtime.DispatchTimeout <= 0 {
		return errors.New("runtime.dispatch_timeout must be > 0")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
