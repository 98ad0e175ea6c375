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
	Environment string

	Server        ServerConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	KMS           KMSConfig
	Hashing       HashingConfig
	Auth          AuthConfig
	Bucketing     BucketingConfig
	Logging       LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	AutoCertDir  string
	Domain       string
	Email        string
	CertFile     string
	KeyFile      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
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
	EmailTopic    string
	SecurityTopic string
}

type ElasticsearchConfig struct {
	URL        string
	Username   string
	Password   string
	AuditIndex string
}

type ClickhouseConfig struct {
	URL      string
	Database string
	Username string
	Password string
}

type KMSConfig struct {
	Enabled bool
	Region  string
	KeyID   string
}

type HashingConfig struct {
	Argon2MemoryCost  int
	Argon2TimeCost    int
	Argon2Parallelism int
	Pepper            string
}

// AuthConfig carries the security knobs of the login surface. Defaults are
// the documented policy values; deployments tune them via environment.
type AuthConfig struct {
	TokenSecret        string
	SessionCap         int
	SessionIdleTimeout time.Duration
	SessionAbsoluteTTL time.Duration
	LockoutThreshold   int
	LockoutDuration    time.Duration
	IPWindow           time.Duration
	IPThreshold        int
	IPBlockBase        time.Duration
	IPBlockMax         time.Duration
	MFAChallengeTTL    time.Duration
	MFAIssuer          string
	ResetCodeTTL       time.Duration
	ResetTokenTTL      time.Duration
	PasswordExpiry     time.Duration
	PasswordExpiryWarn time.Duration
	BackupCodeCount    int
	BackupCodeLowWater int
}

type BucketingConfig struct {
	UserBuckets  int
	EventBuckets int
}

type LoggingConfig struct {
	Level  string
	Format string
}

var (
	global *Config
	once   sync.Once
)

// LoadConfig reads configuration from the environment, loading .env first
// outside production.
func LoadConfig() *Config {
	once.Do(func() {
		if os.Getenv("ENVIRONMENT") != "production" {
			_ = godotenv.Load()
		}
		global = &Config{
			Environment: getEnv("ENVIRONMENT", "development"),
			Server: ServerConfig{
				Host:         getEnv("SERVER_HOST", "0.0.0.0"),
				Port:         getEnvInt("SERVER_PORT", 8080),
				TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
				EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
				AutoCert:     getEnvBool("SERVER_AUTO_CERT", false),
				AutoCertDir:  getEnv("SERVER_AUTOCERT_DIR", "/var/lib/dormauth/certs"),
				Domain:       getEnv("SERVER_DOMAIN", "localhost"),
				Email:        getEnv("SERVER_ACME_EMAIL", ""),
				CertFile:     getEnv("SERVER_CERT_FILE", ""),
				KeyFile:      getEnv("SERVER_KEY_FILE", ""),
				ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
				WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
				IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			},
			Redis: RedisConfig{
				URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getEnvInt("REDIS_DB", 0),
				PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
			},
			Scylla: ScyllaConfig{
				Nodes:    splitList(getEnv("SCYLLA_NODES", "localhost:9042")),
				Keyspace: getEnv("SCYLLA_KEYSPACE", "dormauth"),
				Username: getEnv("SCYLLA_USERNAME", ""),
				Password: getEnv("SCYLLA_PASSWORD", ""),
			},
			Kafka: KafkaConfig{
				Brokers:       splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
				EmailTopic:    getEnv("KAFKA_EMAIL_TOPIC", "dormauth.email"),
				SecurityTopic: getEnv("KAFKA_SECURITY_TOPIC", "dormauth.security-events"),
			},
			Elasticsearch: ElasticsearchConfig{
				URL:        getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
				Username:   getEnv("ELASTICSEARCH_USERNAME", ""),
				Password:   getEnv("ELASTICSEARCH_PASSWORD", ""),
				AuditIndex: getEnv("ELASTICSEARCH_AUDIT_INDEX", "dormauth-audit"),
			},
			Clickhouse: ClickhouseConfig{
				URL:      getEnv("CLICKHOUSE_URL", "http://localhost:8123"),
				Database: getEnv("CLICKHOUSE_DATABASE", "dormauth"),
				Username: getEnv("CLICKHOUSE_USERNAME", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			KMS: KMSConfig{
				Enabled: getEnvBool("KMS_ENABLED", false),
				Region:  getEnv("KMS_REGION", "ap-south-1"),
				KeyID:   getEnv("KMS_KEY_ID", ""),
			},
			Hashing: HashingConfig{
				Argon2MemoryCost:  getEnvInt("ARGON2_MEMORY_COST", 64*1024),
				Argon2TimeCost:    getEnvInt("ARGON2_TIME_COST", 3),
				Argon2Parallelism: getEnvInt("ARGON2_PARALLELISM", 2),
				Pepper:            getEnv("PASSWORD_PEPPER", ""),
			},
			Auth: AuthConfig{
				TokenSecret:        getEnv("AUTH_TOKEN_SECRET", ""),
				SessionCap:         getEnvInt("SESSION_CAP", 3),
				SessionIdleTimeout: getEnvDuration("SESSION_IDLE_TIMEOUT", 15*time.Minute),
				SessionAbsoluteTTL: getEnvDuration("SESSION_ABSOLUTE_TTL", 8*time.Hour),
				LockoutThreshold:   getEnvInt("LOCKOUT_THRESHOLD", 5),
				LockoutDuration:    getEnvDuration("LOCKOUT_DURATION", 30*time.Minute),
				IPWindow:           getEnvDuration("IP_WINDOW", 15*time.Minute),
				IPThreshold:        getEnvInt("IP_THRESHOLD", 10),
				IPBlockBase:        getEnvDuration("IP_BLOCK_BASE", 15*time.Minute),
				IPBlockMax:         getEnvDuration("IP_BLOCK_MAX", 60*time.Minute),
				MFAChallengeTTL:    getEnvDuration("MFA_CHALLENGE_TTL", 5*time.Minute),
				MFAIssuer:          getEnv("MFA_ISSUER", "DormHub"),
				ResetCodeTTL:       getEnvDuration("RESET_CODE_TTL", 10*time.Minute),
				ResetTokenTTL:      getEnvDuration("RESET_TOKEN_TTL", 15*time.Minute),
				PasswordExpiry:     getEnvDuration("PASSWORD_EXPIRY", 90*24*time.Hour),
				PasswordExpiryWarn: getEnvDuration("PASSWORD_EXPIRY_WARN", 14*24*time.Hour),
				BackupCodeCount:    getEnvInt("BACKUP_CODE_COUNT", 10),
				BackupCodeLowWater: getEnvInt("BACKUP_CODE_LOW_WATER", 3),
			},
			Bucketing: BucketingConfig{
				UserBuckets:  getEnvInt("USER_BUCKETS", 256),
				EventBuckets: getEnvInt("EVENT_BUCKETS", 64),
			},
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
		}
	})
	return global
}

// Get returns the loaded config, loading it on first use.
func Get() *Config {
	if global == nil {
		return LoadConfig()
	}
	return global
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return !c.IsProduction()
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
