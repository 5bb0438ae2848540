// Package config loads the gateway configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment   string
	Server        ServerConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	RateLimit     RateLimitConfig
	Session       SessionConfig
	Cleanup       CleanupConfig
	Logging       LoggingConfig
	Audit         AuditConfig
	Bucketing     BucketingConfig
}

type ServerConfig struct {
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	Email        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// TrustPrincipalHeaders enables X-Authenticated-User/Role, which are set
	// by the upstream authentication layer.
	TrustPrincipalHeaders bool
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Brokers       []string
	SecurityTopic string
}

type ElasticsearchConfig struct {
	URL      string
	Username string
	Password string
	Index    string
}

type ClickhouseConfig struct {
	URL      string
	Username string
	Password string
	Database string
	Table    string
}

type RateLimitConfig struct {
	// LocalStaleness bounds how long a process trusts its cached bucket
	// before re-reading the shared store.
	LocalStaleness time.Duration
	StoreTimeout   time.Duration
}

type SessionConfig struct {
	RefreshTokenDuration time.Duration
	MaxTokensPerUser     int
	StoreTimeout         time.Duration
}

type CleanupConfig struct {
	Enabled        bool
	BucketInterval time.Duration
	TokenInterval  time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

type AuditConfig struct {
	Enabled    bool
	BufferSize int
}

type BucketingConfig struct {
	CacheShards int
}

var (
	current   *Config
	currentMu sync.RWMutex
)

// LoadConfig reads .env (when present) and the process environment. It panics
// on invalid values; use Load to handle the error.
func LoadConfig() *Config {
	cfg, err := Load()
	if err != nil {
		panic("invalid configuration: " + err.Error())
	}
	return cfg
}

// Load reads .env (when present) and the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	p := &parser{}
	cfg := &Config{
		Environment: p.str("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port:                  p.integer("SERVER_PORT", 8080),
			TLSPort:               p.integer("TLS_PORT", 8443),
			EnableTLS:             p.boolean("ENABLE_TLS", false),
			AutoCert:              p.boolean("AUTO_CERT", false),
			Domain:                p.str("DOMAIN", "localhost"),
			CertFile:              p.str("CERT_FILE", ""),
			KeyFile:               p.str("KEY_FILE", ""),
			AutoCertDir:           p.str("AUTOCERT_DIR", "./certs"),
			Email:                 p.str("ACME_EMAIL", ""),
			ReadTimeout:           p.duration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:          p.duration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:           p.duration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			TrustPrincipalHeaders: p.boolean("TRUST_PRINCIPAL_HEADERS", true),
		},
		Redis: RedisConfig{
			URL:      p.str("REDIS_URL", "redis://localhost:6379/0"),
			Password: p.str("REDIS_PASSWORD", ""),
			DB:       p.integer("REDIS_DB", 0),
			PoolSize: p.integer("REDIS_POOL_SIZE", 50),
		},
		Scylla: ScyllaConfig{
			Nodes:    p.list("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace: p.str("SCYLLA_KEYSPACE", "banking"),
			Username: p.str("SCYLLA_USERNAME", ""),
			Password: p.str("SCYLLA_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Brokers:       p.list("KAFKA_BROKERS", nil),
			SecurityTopic: p.str("KAFKA_SECURITY_TOPIC", "security-events"),
		},
		Elasticsearch: ElasticsearchConfig{
			URL:      p.str("ELASTICSEARCH_URL", ""),
			Username: p.str("ELASTICSEARCH_USERNAME", ""),
			Password: p.str("ELASTICSEARCH_PASSWORD", ""),
			Index:    p.str("ELASTICSEARCH_INDEX", "security-events"),
		},
		Clickhouse: ClickhouseConfig{
			URL:      p.str("CLICKHOUSE_URL", ""),
			Username: p.str("CLICKHOUSE_USERNAME", "default"),
			Password: p.str("CLICKHOUSE_PASSWORD", ""),
			Database: p.str("CLICKHOUSE_DATABASE", "analytics"),
			Table:    p.str("CLICKHOUSE_TABLE", "security_events"),
		},
		RateLimit: RateLimitConfig{
			LocalStaleness: p.duration("RATE_LIMIT_LOCAL_STALENESS", time.Second),
			StoreTimeout:   p.duration("RATE_LIMIT_STORE_TIMEOUT", 500*time.Millisecond),
		},
		Session: SessionConfig{
			RefreshTokenDuration: time.Duration(p.integer("JWT_REFRESH_EXPIRATION_MS", 604800000)) * time.Millisecond,
			MaxTokensPerUser:     p.integer("MAX_REFRESH_TOKENS_PER_USER", 5),
			StoreTimeout:         p.duration("SESSION_STORE_TIMEOUT", 3*time.Second),
		},
		Cleanup: CleanupConfig{
			Enabled:        p.boolean("CLEANUP_ENABLED", true),
			BucketInterval: p.duration("CLEANUP_BUCKET_INTERVAL", 30*time.Minute),
			TokenInterval:  p.duration("CLEANUP_TOKEN_INTERVAL", 60*time.Minute),
		},
		Logging: LoggingConfig{
			Level:  p.str("LOG_LEVEL", "info"),
			Format: p.str("LOG_FORMAT", "json"),
		},
		Audit: AuditConfig{
			Enabled:    p.boolean("AUDIT_ENABLED", true),
			BufferSize: p.integer("AUDIT_BUFFER_SIZE", 1024),
		},
		Bucketing: BucketingConfig{
			CacheShards: p.integer("RATE_LIMIT_CACHE_SHARDS", 64),
		},
	}

	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	currentMu.Lock()
	current = cfg
	currentMu.Unlock()
	return cfg, nil
}

// Get returns the most recently loaded configuration, loading it on first use.
func Get() *Config {
	currentMu.RLock()
	cfg := current
	currentMu.RUnlock()
	if cfg == nil {
		return LoadConfig()
	}
	return cfg
}

// Validate rejects values the services cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Session.RefreshTokenDuration <= 0:
		return fmt.Errorf("JWT_REFRESH_EXPIRATION_MS must be positive")
	case c.Session.MaxTokensPerUser <= 0:
		return fmt.Errorf("MAX_REFRESH_TOKENS_PER_USER must be positive")
	case c.RateLimit.LocalStaleness < 0:
		return fmt.Errorf("RATE_LIMIT_LOCAL_STALENESS must not be negative")
	case c.Bucketing.CacheShards <= 0:
		return fmt.Errorf("RATE_LIMIT_CACHE_SHARDS must be positive")
	case c.Cleanup.Enabled && (c.Cleanup.BucketInterval <= 0 || c.Cleanup.TokenInterval <= 0):
		return fmt.Errorf("cleanup intervals must be positive when cleanup is enabled")
	case c.Server.EnableTLS && c.Server.TLSPort <= 0:
		return fmt.Errorf("TLS_PORT must be positive when TLS is enabled")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// parser records the first malformed variable so Load can report it.
type parser struct {
	err error
}

func (p *parser) str(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func (p *parser) integer(key string, fallback int) int {
	raw := p.str(key, "")
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(fmt.Errorf("invalid %s: %w", key, err))
		return fallback
	}
	return value
}

func (p *parser) boolean(key string, fallback bool) bool {
	raw := p.str(key, "")
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		p.fail(fmt.Errorf("invalid %s: %w", key, err))
		return fallback
	}
	return value
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	raw := p.str(key, "")
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		p.fail(fmt.Errorf("invalid %s: %w", key, err))
		return fallback
	}
	return value
}

func (p *parser) list(key string, fallback []string) []string {
	raw := p.str(key, "")
	if raw == "" {
		return fallback
	}
	var values []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			values = append(values, item)
		}
	}
	return values
}

func (p *parser) fail(err error) {
	if p.err == nil {
		p.err = err
	}
}
