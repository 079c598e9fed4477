package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"

	StoreScylla = "scylla"
	StoreMemory = "memory"

	MinTokenTTL = 24 * time.Hour
	MaxTokenTTL = 7 * 24 * time.Hour

	// Argon2 bounds. Parallelism is stored as a uint8 by the hasher.
	MinArgon2MemoryKB    = 8 * 1024
	MaxArgon2MemoryKB    = 1024 * 1024
	MaxArgon2Iterations  = 64
	MaxArgon2Parallelism = 255
)

type Config struct {
	Environment string `env:"APP_ENV" envDefault:"development"`

	Server        ServerConfig        `envPrefix:"SERVER_"`
	Logging       LoggingConfig       `envPrefix:"LOG_"`
	Auth          AuthConfig          `envPrefix:"AUTH_"`
	Hashing       HashingConfig       `envPrefix:"HASH_"`
	Store         StoreConfig         `envPrefix:"STORE_"`
	Scylla        ScyllaConfig        `envPrefix:"SCYLLA_"`
	Redis         RedisConfig         `envPrefix:"REDIS_"`
	Kafka         KafkaConfig         `envPrefix:"KAFKA_"`
	Elasticsearch ElasticsearchConfig `envPrefix:"ELASTICSEARCH_"`
	Clickhouse    ClickhouseConfig    `envPrefix:"CLICKHOUSE_"`
	KMS           KMSConfig           `envPrefix:"KMS_"`
	Mail          MailConfig          `envPrefix:"MAIL_"`
	Audit         AuditConfig         `envPrefix:"AUDIT_"`
}

type ServerConfig struct {
	Port           int           `env:"PORT" envDefault:"8080"`
	TLSPort        int           `env:"TLS_PORT" envDefault:"8443"`
	EnableTLS      bool          `env:"ENABLE_TLS" envDefault:"false"`
	RequireHTTPS   bool          `env:"REQUIRE_HTTPS" envDefault:"false"`
	AutoCert       bool          `env:"AUTO_CERT" envDefault:"false"`
	Domain         string        `env:"DOMAIN" envDefault:"localhost"`
	CertFile       string        `env:"CERT_FILE"`
	KeyFile        string        `env:"KEY_FILE"`
	AutoCertDir    string        `env:"AUTO_CERT_DIR" envDefault:"./certs"`
	Email          string        `env:"ACME_EMAIL"`
	ReadTimeout    time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout   time.Duration `env:"WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout    time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"60s"`
	AllowedOrigins []string      `env:"CORS_ALLOWED_ORIGINS" envDefault:"http://localhost:3000"`
}

type LoggingConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"console"`
}

// AuthConfig holds the token signing secret and the lifetimes of both
// credentials issued by the service.
type AuthConfig struct {
	JWTSecret string        `env:"JWT_SECRET"`
	Issuer    string        `env:"JWT_ISSUER" envDefault:"identity-service"`
	TokenTTL  time.Duration `env:"TOKEN_TTL" envDefault:"168h"`
	OTPTTL    time.Duration `env:"OTP_TTL" envDefault:"10m"`
}

type HashingConfig struct {
	Argon2MemoryCost  int    `env:"ARGON2_MEMORY_KB" envDefault:"65536"`
	Argon2TimeCost    int    `env:"ARGON2_ITERATIONS" envDefault:"3"`
	Argon2Parallelism int    `env:"ARGON2_PARALLELISM" envDefault:"2"`
	Pepper            string `env:"PEPPER"`
}

type StoreConfig struct {
	Driver       string `env:"DRIVER" envDefault:"scylla"`
	UserBuckets  int    `env:"USER_BUCKETS" envDefault:"64"`
	EventBuckets int    `env:"EVENT_BUCKETS" envDefault:"16"`
}

type ScyllaConfig struct {
	Nodes       []string `env:"NODES" envDefault:"127.0.0.1"`
	Keyspace    string   `env:"KEYSPACE" envDefault:"identity"`
	Username    string   `env:"USERNAME"`
	Password    string   `env:"PASSWORD"`
	CAPath      string   `env:"CA_PATH"`
	CertPath    string   `env:"CERT_PATH"`
	KeyPath     string   `env:"KEY_PATH"`
	AutoMigrate bool     `env:"AUTO_MIGRATE" envDefault:"true"`
}

type RedisConfig struct {
	Enabled  bool          `env:"ENABLED" envDefault:"true"`
	URL      string        `env:"URL" envDefault:"redis://localhost:6379/0"`
	Password string        `env:"PASSWORD"`
	DB       int           `env:"DB" envDefault:"0"`
	PoolSize int           `env:"POOL_SIZE" envDefault:"20"`
	CacheTTL time.Duration `env:"ACCOUNT_CACHE_TTL" envDefault:"5m"`
}

type KafkaConfig struct {
	Brokers []string `env:"BROKERS" envDefault:"localhost:9092"`
	Topic   string   `env:"SECURITY_EVENTS_TOPIC" envDefault:"identity.security-events"`
}

type ElasticsearchConfig struct {
	URL      string `env:"URL" envDefault:"http://localhost:9200"`
	Username string `env:"USERNAME"`
	Password string `env:"PASSWORD"`
	Index    string `env:"SECURITY_EVENTS_INDEX" envDefault:"security-events"`
}

type ClickhouseConfig struct {
	URL      string `env:"URL" envDefault:"localhost:9000"`
	Username string `env:"USERNAME" envDefault:"default"`
	Password string `env:"PASSWORD"`
	Database string `env:"DATABASE" envDefault:"identity"`
	CAFile   string `env:"CA_FILE"`
}

// KMSConfig controls envelope encryption of stored PII. When KMS is
// disabled, data keys are wrapped locally with LocalMasterKey.
type KMSConfig struct {
	Enabled        bool   `env:"ENABLED" envDefault:"false"`
	KeyID          string `env:"KEY_ID"`
	Region         string `env:"REGION" envDefault:"us-east-1"`
	LocalMasterKey string `env:"LOCAL_MASTER_KEY"`
}

type MailConfig struct {
	Host     string `env:"HOST" envDefault:"smtp.gmail.com"`
	Port     int    `env:"PORT" envDefault:"587"`
	Username string `env:"USERNAME"`
	Password string `env:"PASSWORD"`
	From     string `env:"FROM"`
	// LogOnly writes outgoing mail to the log instead of SMTP. Refused in production.
	LogOnly bool `env:"LOG_ONLY" envDefault:"false"`
}

// AuditConfig selects the security event sinks. Unknown names are rejected.
type AuditConfig struct {
	Sinks []string `env:"SINKS" envDefault:"kafka"`
}

var (
	current *Config
	mu      sync.RWMutex
)

// LoadConfig loads configuration and aborts the process on failure.
func LoadConfig() *Config {
	cfg, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// Load reads an optional .env file, parses the environment and validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mu.Lock()
	current = cfg
	mu.Unlock()
	return cfg, nil
}

// Get returns the most recently loaded configuration.
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	if current == nil {
		return &Config{Environment: EnvDevelopment}
	}
	return current
}

func (c *Config) normalize() {
	c.Environment = strings.ToLower(strings.TrimSpace(c.Environment))
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Mail.From == "" {
		c.Mail.From = c.Mail.Username
	}
	for i, s := range c.Audit.Sinks {
		c.Audit.Sinks[i] = strings.ToLower(strings.TrimSpace(s))
	}
}

// Validate collects every configuration problem into a single error.
func (c *Config) Validate() error {
	var errs []string

	if len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, "AUTH_JWT_SECRET is required and must be at least 32 chars")
	}
	if c.Auth.TokenTTL < MinTokenTTL || c.Auth.TokenTTL > MaxTokenTTL {
		errs = append(errs, "AUTH_TOKEN_TTL must be between 24h and 168h")
	}
	if c.Auth.OTPTTL <= 0 {
		errs = append(errs, "AUTH_OTP_TTL must be positive")
	}
	if c.Hashing.Argon2MemoryCost < MinArgon2MemoryKB || c.Hashing.Argon2TimeCost < 1 || c.Hashing.Argon2Parallelism < 1 {
		errs = append(errs, "HASH_ARGON2_* parameters are below the allowed minimum")
	}
	if c.Hashing.Argon2MemoryCost > MaxArgon2MemoryKB {
		errs = append(errs, fmt.Sprintf("HASH_ARGON2_MEMORY_KB must be at most %d", MaxArgon2MemoryKB))
	}
	if c.Hashing.Argon2TimeCost > MaxArgon2Iterations {
		errs = append(errs, fmt.Sprintf("HASH_ARGON2_ITERATIONS must be at most %d", MaxArgon2Iterations))
	}
	if c.Hashing.Argon2Parallelism > MaxArgon2Parallelism {
		errs = append(errs, fmt.Sprintf("HASH_ARGON2_PARALLELISM must be at most %d", MaxArgon2Parallelism))
	}
	switch c.Store.Driver {
	case StoreScylla:
		if len(c.Scylla.Nodes) == 0 {
			errs = append(errs, "SCYLLA_NODES is required for the scylla store")
		}
	case StoreMemory:
		if c.IsProduction() {
			errs = append(errs, "STORE_DRIVER=memory is not allowed in production")
		}
	default:
		errs = append(errs, fmt.Sprintf("STORE_DRIVER %q is not supported", c.Store.Driver))
	}
	if c.Store.UserBuckets <= 0 || c.Store.EventBuckets <= 0 {
		errs = append(errs, "STORE_USER_BUCKETS and STORE_EVENT_BUCKETS must be > 0")
	}
	if c.Mail.LogOnly {
		if c.IsProduction() {
			errs = append(errs, "MAIL_LOG_ONLY is not allowed in production")
		}
	} else {
		if c.Mail.Host == "" || c.Mail.Username == "" || c.Mail.Password == "" {
			errs = append(errs, "MAIL_HOST, MAIL_USERNAME and MAIL_PASSWORD are required")
		}
	}
	if c.KMS.Enabled && c.KMS.KeyID == "" {
		errs = append(errs, "KMS_KEY_ID is required when KMS is enabled")
	}
	if !c.KMS.Enabled && c.IsProduction() && len(c.KMS.LocalMasterKey) < 32 {
		errs = append(errs, "KMS_LOCAL_MASTER_KEY must be at least 32 chars when KMS is disabled in production")
	}
	for _, s := range c.Audit.Sinks {
		switch s {
		case "kafka", "clickhouse", "elasticsearch", "log":
		default:
			errs = append(errs, fmt.Sprintf("AUDIT_SINKS contains unknown sink %q", s))
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment || c.Environment == EnvTest
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// HasSink reports whether the named audit sink is enabled.
func (c *Config) HasSink(name string) bool {
	for _, s := range c.Audit.Sinks {
		if s == name {
			return true
		}
	}
	return false
}
