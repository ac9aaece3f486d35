// Package config defines configuration structure types
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	corelog "flowgate/internal/core/log"
)

// Root is the top-level configuration structure
type Root struct {
	Server      ServerConfig      `yaml:"server" json:"server"`
	Metering    MeteringConfig    `yaml:"metering" json:"metering"`
	Admission   AdmissionConfig   `yaml:"admission" json:"admission"`
	Coordinator CoordinatorConfig `yaml:"coordinator" json:"coordinator"`
	Storage     StorageConfig     `yaml:"storage" json:"storage"`
	Management  ManagementConfig  `yaml:"management" json:"management"`
	Log         corelog.Config    `yaml:"log" json:"log"`
}

// ServerConfig contains the control-plane HTTP listener settings
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr" json:"listen_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// ReportMode is how the proxy engine reports traffic counters.
// It is an engine-level configuration fact and is never inferred from data.
type ReportMode string

const (
	// ReportModeCumulative means each observer callback carries running
	// totals since the forwarding service was created.
	ReportModeCumulative ReportMode = "cumulative"
	// ReportModeIncremental means each callback carries only the bytes
	// since the previous callback (engine resets its counters after reporting).
	ReportModeIncremental ReportMode = "incremental"
)

// MeteringConfig contains counter-delta and ledger settings
type MeteringConfig struct {
	ReportMode     ReportMode    `yaml:"report_mode" json:"report_mode"`
	FlushInterval  time.Duration `yaml:"flush_interval" json:"flush_interval"`
	FlushBatchSize int           `yaml:"flush_batch_size" json:"flush_batch_size"`
	FlushRetryMax  int           `yaml:"flush_retry_max" json:"flush_retry_max"`
}

// AdmissionConfig contains decision cache settings
type AdmissionConfig struct {
	CacheSize int           `yaml:"cache_size" json:"cache_size"`
	CacheTTL  time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
}

// CoordinatorConfig contains cross-process reconciliation settings
type CoordinatorConfig struct {
	Broker         string        `yaml:"broker" json:"broker"` // memory / redis
	ResyncInterval time.Duration `yaml:"resync_interval" json:"resync_interval"`
	Redis          RedisConfig   `yaml:"redis" json:"redis"`
}

// RedisConfig contains redis broker connection settings
type RedisConfig struct {
	Addrs       []string `yaml:"addrs" json:"addrs"`
	Password    string   `yaml:"password" json:"password"`
	DB          int      `yaml:"db" json:"db"`
	ClusterMode bool     `yaml:"cluster_mode" json:"cluster_mode"`
	PoolSize    int      `yaml:"pool_size" json:"pool_size"`
}

// StorageConfig contains durable storage settings
type StorageConfig struct {
	Type     string         `yaml:"type" json:"type"` // memory / postgres
	Postgres PostgresConfig `yaml:"postgres" json:"postgres"`
}

// PostgresConfig contains PostgreSQL connection settings
type PostgresConfig struct {
	DSN            string        `yaml:"dsn" json:"dsn"`
	MaxConns       int32         `yaml:"max_conns" json:"max_conns"`
	MinConns       int32         `yaml:"min_conns" json:"min_conns"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	QueryTimeout   time.Duration `yaml:"query_timeout" json:"query_timeout"`
}

// ManagementConfig contains admin API auth and throttling settings
type ManagementConfig struct {
	AuthType  string `yaml:"auth_type" json:"auth_type"` // none / api_key / jwt
	APIKey    string `yaml:"api_key" json:"api_key"`
	JWTSecret string `yaml:"jwt_secret" json:"jwt_secret"`

	// RateLimit throttles admin endpoints (requests per second, 0 disables).
	// Engine callbacks are never throttled.
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit"`
	RateBurst int     `yaml:"rate_burst" json:"rate_burst"`

	CORS CORSConfig `yaml:"cors" json:"cors"`
}

// CORSConfig contains CORS settings for the admin endpoints
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods" json:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers" json:"allowed_headers"`
}

// Default returns a Root populated with default values
func Default() *Root {
	return &Root{
		Server: ServerConfig{
			ListenAddr:      ":8443",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Metering: MeteringConfig{
			ReportMode:     ReportModeCumulative,
			FlushInterval:  5 * time.Second,
			FlushBatchSize: 128,
			FlushRetryMax:  3,
		},
		Admission: AdmissionConfig{
			CacheSize: 4096,
			CacheTTL:  3 * time.Second,
		},
		Coordinator: CoordinatorConfig{
			Broker:         "memory",
			ResyncInterval: 30 * time.Second,
		},
		Storage: StorageConfig{
			Type: "memory",
			Postgres: PostgresConfig{
				MaxConns:       20,
				MinConns:       5,
				ConnectTimeout: 10 * time.Second,
				QueryTimeout:   3 * time.Second,
			},
		},
		Management: ManagementConfig{
			AuthType: "none",
		},
		Log: corelog.Config{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads and validates configuration from a YAML file.
// Missing fields keep their default values.
func Load(path string) (*Root, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration invariants
func (c *Root) Validate() error {
	switch c.Metering.ReportMode {
	case ReportModeCumulative, ReportModeIncremental:
	default:
		return fmt.Errorf("metering.report_mode must be %q or %q, got %q",
			ReportModeCumulative, ReportModeIncremental, c.Metering.ReportMode)
	}

	switch c.Coordinator.Broker {
	case "memory", "redis":
	default:
		return fmt.Errorf("coordinator.broker must be memory or redis, got %q", c.Coordinator.Broker)
	}
	if c.Coordinator.Broker == "redis" && len(c.Coordinator.Redis.Addrs) == 0 {
		return fmt.Errorf("coordinator.redis.addrs is required when coordinator.broker is redis")
	}
	if c.Coordinator.ResyncInterval <= 0 {
		return fmt.Errorf("coordinator.resync_interval must be positive")
	}

	switch c.Storage.Type {
	case "memory", "postgres":
	default:
		return fmt.Errorf("storage.type must be memory or postgres, got %q", c.Storage.Type)
	}
	if c.Storage.Type == "postgres" && c.Storage.Postgres.DSN == "" {
		return fmt.Errorf("storage.postgres.dsn is required when storage.type is postgres")
	}

	switch c.Management.AuthType {
	case "none", "api_key", "jwt":
	default:
		return fmt.Errorf("management.auth_type must be none, api_key or jwt, got %q", c.Management.AuthType)
	}
	if c.Management.AuthType == "api_key" && c.Management.APIKey == "" {
		return fmt.Errorf("management.api_key is required when management.auth_type is api_key")
	}
	if c.Management.AuthType == "jwt" && c.Management.JWTSecret == "" {
		return fmt.Errorf("management.jwt_secret is required when management.auth_type is jwt")
	}
	if c.Management.RateLimit < 0 {
		return fmt.Errorf("management.rate_limit must not be negative")
	}

	if c.Metering.FlushInterval <= 0 {
		return fmt.Errorf("metering.flush_interval must be positive")
	}
	if c.Admission.CacheSize <= 0 {
		return fmt.Errorf("admission.cache_size must be positive")
	}

	return nil
}
