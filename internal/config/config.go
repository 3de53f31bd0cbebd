// Package config handles executor fleet configuration and environment loading.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names accepted by LOCK_BACKEND and BROKER_BACKEND.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// S3Config holds the optional claim-check bucket settings.
type S3Config struct {
	KeyID    string `yaml:"key_id"`
	Secret   string `yaml:"secret"`
	Endpoint string `yaml:"endpoint"`
	Region   string `yaml:"region"`
	Bucket   string `yaml:"bucket"`
}

// Enabled reports whether a claim-check bucket is configured.
func (s S3Config) Enabled() bool {
	return s.Bucket != "" && s.Endpoint != "" && s.Region != ""
}

// Config holds the configuration of one executor process.
type Config struct {
	MetaDBPath string `yaml:"meta_db_path"` // path to the SQLite status store
	LogLevel   string `yaml:"log_level"`    // debug, info, warn, error (default "info")
	Env        string `yaml:"env"`          // "development" (default) or "production"

	LockBackend   string `yaml:"lock_backend"`   // memory, sqlite or redis
	BrokerBackend string `yaml:"broker_backend"` // memory or redis
	RedisAddr     string `yaml:"redis_addr"`

	// Lock and fetch waits.
	LockWait      time.Duration `yaml:"lock_wait"`
	LockLease     time.Duration `yaml:"lock_lease"`
	TaskFetchWait time.Duration `yaml:"task_fetch_wait"`

	// Monitor.
	MonitorInterval     time.Duration `yaml:"monitor_interval"`
	MonitorLockWait     time.Duration `yaml:"monitor_lock_wait"`
	MonitorLockLease    time.Duration `yaml:"monitor_lock_lease"` // 0 = MonitorInterval
	InactiveQueryTTL    time.Duration `yaml:"inactive_query_ttl"`
	ProgressIdleTimeout time.Duration `yaml:"progress_idle_timeout"`
	UserIdleTimeout     time.Duration `yaml:"user_idle_timeout"`
	PokeRate            float64       `yaml:"poke_rate"`

	// Result generation and delivery.
	AvailableResultsPageMultiplier float64       `yaml:"available_results_page_multiplier"`
	MaxMessageSize                 int           `yaml:"max_message_size"` // bytes, 0 = unlimited
	PublishAckTimeout              time.Duration `yaml:"publish_ack_timeout"`
	CheckpointFlushResults         int           `yaml:"checkpoint_flush_results"`
	CheckpointFlushInterval        time.Duration `yaml:"checkpoint_flush_interval"`
	QueryStatusExpiration          time.Duration `yaml:"query_status_expiration"`
	NextTimeout                    time.Duration `yaml:"next_timeout"` // how long a next call waits to fill a page
	MaxConcurrentTasks             int           `yaml:"max_concurrent_tasks"` // RUNNING tasks per query, 0 = unlimited

	// Executor pool.
	ExecutorPool    string `yaml:"executor_pool"`
	ExecutorWorkers int    `yaml:"executor_workers"`
	// ClusterWorkers caps concurrent tasks of the pool across all executors
	// when the redis backend is used. 0 disables the cap.
	ClusterWorkers int `yaml:"cluster_workers"`

	ClaimCheck S3Config `yaml:"claim_check"`

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string `yaml:"-"`
}

// Default returns a Config populated with default values.
func Default() *Config {
	return &Config{
		MetaDBPath:                     "queryfleet.sqlite",
		LogLevel:                       "info",
		Env:                            "development",
		LockBackend:                    BackendSQLite,
		BrokerBackend:                  BackendMemory,
		RedisAddr:                      "localhost:6379",
		LockWait:                       5 * time.Second,
		LockLease:                      30 * time.Second,
		TaskFetchWait:                  time.Second,
		MonitorInterval:                30 * time.Second,
		MonitorLockWait:                100 * time.Millisecond,
		InactiveQueryTTL:               time.Hour,
		ProgressIdleTimeout:            5 * time.Minute,
		UserIdleTimeout:                15 * time.Minute,
		PokeRate:                       10,
		AvailableResultsPageMultiplier: 2.5,
		PublishAckTimeout:              10 * time.Second,
		CheckpointFlushResults:         1000,
		CheckpointFlushInterval:        time.Minute,
		QueryStatusExpiration:          time.Minute,
		NextTimeout:                    30 * time.Second,
		MaxConcurrentTasks:             10,
		ExecutorPool:                   "default",
		ExecutorWorkers:                8,
	}
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsProduction returns true when the executor is running in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// LoadFromEnv loads configuration from defaults, then the YAML file named by
// QUERYFLEET_CONFIG (if any), then environment variables. Environment wins.
func LoadFromEnv() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("QUERYFLEET_CONFIG"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}
	cfg.overlayEnv()

	if cfg.MonitorLockLease == 0 {
		cfg.MonitorLockLease = cfg.MonitorInterval
	}
	if !cfg.ClaimCheck.Enabled() && cfg.MaxMessageSize > 0 {
		cfg.Warnings = append(cfg.Warnings,
			"MAX_MESSAGE_SIZE is set without a claim-check bucket; oversized results will fail to publish")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads defaults overlaid with the YAML file at path. Environment
// variables are not consulted.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.overlayFile(path); err != nil {
		return nil, err
	}
	if cfg.MonitorLockLease == 0 {
		cfg.MonitorLockLease = cfg.MonitorInterval
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator-controlled
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) overlayEnv() {
	setString(&c.MetaDBPath, "META_DB_PATH")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.Env, "ENV")
	setString(&c.LockBackend, "LOCK_BACKEND")
	setString(&c.BrokerBackend, "BROKER_BACKEND")
	setString(&c.RedisAddr, "REDIS_ADDR")
	setString(&c.ExecutorPool, "EXECUTOR_POOL")

	c.setDuration(&c.LockWait, "LOCK_WAIT")
	c.setDuration(&c.LockLease, "LOCK_LEASE")
	c.setDuration(&c.TaskFetchWait, "TASK_FETCH_WAIT")
	c.setDuration(&c.MonitorInterval, "MONITOR_INTERVAL")
	c.setDuration(&c.MonitorLockWait, "MONITOR_LOCK_WAIT")
	c.setDuration(&c.MonitorLockLease, "MONITOR_LOCK_LEASE")
	c.setDuration(&c.InactiveQueryTTL, "INACTIVE_QUERY_TTL")
	c.setDuration(&c.ProgressIdleTimeout, "PROGRESS_IDLE_TIMEOUT")
	c.setDuration(&c.UserIdleTimeout, "USER_IDLE_TIMEOUT")
	c.setDuration(&c.PublishAckTimeout, "PUBLISH_ACK_TIMEOUT")
	c.setDuration(&c.CheckpointFlushInterval, "CHECKPOINT_FLUSH_INTERVAL")
	c.setDuration(&c.QueryStatusExpiration, "QUERY_STATUS_EXPIRATION")
	c.setDuration(&c.NextTimeout, "NEXT_TIMEOUT")

	c.setFloat(&c.AvailableResultsPageMultiplier, "AVAILABLE_RESULTS_PAGE_MULTIPLIER")
	c.setFloat(&c.PokeRate, "POKE_RATE")
	c.setInt(&c.MaxMessageSize, "MAX_MESSAGE_SIZE")
	c.setInt(&c.CheckpointFlushResults, "CHECKPOINT_FLUSH_RESULTS")
	c.setInt(&c.MaxConcurrentTasks, "MAX_CONCURRENT_TASKS")
	c.setInt(&c.ExecutorWorkers, "EXECUTOR_WORKERS")
	c.setInt(&c.ClusterWorkers, "CLUSTER_WORKERS")

	setString(&c.ClaimCheck.Bucket, "CLAIM_CHECK_BUCKET")
	setString(&c.ClaimCheck.KeyID, "KEY_ID")
	setString(&c.ClaimCheck.Secret, "SECRET")
	setString(&c.ClaimCheck.Endpoint, "ENDPOINT")
	setString(&c.ClaimCheck.Region, "REGION")
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"LOCK_WAIT":                 c.LockWait,
		"LOCK_LEASE":                c.LockLease,
		"TASK_FETCH_WAIT":           c.TaskFetchWait,
		"MONITOR_INTERVAL":          c.MonitorInterval,
		"INACTIVE_QUERY_TTL":        c.InactiveQueryTTL,
		"PROGRESS_IDLE_TIMEOUT":     c.ProgressIdleTimeout,
		"USER_IDLE_TIMEOUT":         c.UserIdleTimeout,
		"PUBLISH_ACK_TIMEOUT":       c.PublishAckTimeout,
		"CHECKPOINT_FLUSH_INTERVAL": c.CheckpointFlushInterval,
		"QUERY_STATUS_EXPIRATION":   c.QueryStatusExpiration,
		"NEXT_TIMEOUT":              c.NextTimeout,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.MonitorLockWait < 0 {
		errs = append(errs, fmt.Errorf("MONITOR_LOCK_WAIT must not be negative"))
	}
	if c.MonitorLockLease < 0 {
		errs = append(errs, fmt.Errorf("MONITOR_LOCK_LEASE must not be negative"))
	}
	if c.AvailableResultsPageMultiplier <= 0 {
		errs = append(errs, fmt.Errorf("AVAILABLE_RESULTS_PAGE_MULTIPLIER must be positive"))
	}
	if c.PokeRate <= 0 {
		errs = append(errs, fmt.Errorf("POKE_RATE must be positive"))
	}
	if c.MaxMessageSize < 0 {
		errs = append(errs, fmt.Errorf("MAX_MESSAGE_SIZE must not be negative"))
	}
	if c.CheckpointFlushResults <= 0 {
		errs = append(errs, fmt.Errorf("CHECKPOINT_FLUSH_RESULTS must be positive"))
	}
	if c.MaxConcurrentTasks < 0 {
		errs = append(errs, fmt.Errorf("MAX_CONCURRENT_TASKS must not be negative"))
	}
	if c.ExecutorWorkers <= 0 {
		errs = append(errs, fmt.Errorf("EXECUTOR_WORKERS must be positive"))
	}
	if c.ClusterWorkers < 0 {
		errs = append(errs, fmt.Errorf("CLUSTER_WORKERS must not be negative"))
	}
	if c.ExecutorPool == "" {
		errs = append(errs, fmt.Errorf("EXECUTOR_POOL is required"))
	}
	switch c.LockBackend {
	case BackendMemory, BackendSQLite, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown LOCK_BACKEND %q", c.LockBackend))
	}
	switch c.BrokerBackend {
	case BackendMemory, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown BROKER_BACKEND %q", c.BrokerBackend))
	}
	if (c.LockBackend == BackendRedis || c.BrokerBackend == BackendRedis) && c.RedisAddr == "" {
		errs = append(errs, fmt.Errorf("REDIS_ADDR is required for the redis backend"))
	}
	if c.IsProduction() && c.LockBackend == BackendMemory {
		errs = append(errs, fmt.Errorf("LOCK_BACKEND=memory is not allowed in production (ENV=production)"))
	}
	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func (c *Config) setDuration(dst *time.Duration, key string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		c.Warnings = append(c.Warnings, fmt.Sprintf("ignoring invalid %s=%q: %v", key, v, err))
		return
	}
	*dst = d
}

func (c *Config) setInt(dst *int, key string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		c.Warnings = append(c.Warnings, fmt.Sprintf("ignoring invalid %s=%q", key, v))
		return
	}
	*dst = n
}

func (c *Config) setFloat(dst *float64, key string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		c.Warnings = append(c.Warnings, fmt.Sprintf("ignoring invalid %s=%q", key, v))
		return
	}
	*dst = f
}

// LoadDotEnv reads a .env file and sets any variables not already in the environment.
// Lines must be in KEY=VALUE format. Comments (#) and blank lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil // .env not found is not an error
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = stripQuotes(strings.TrimSpace(value))
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// stripQuotes removes matching surrounding double or single quotes.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
