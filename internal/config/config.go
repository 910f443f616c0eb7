package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Storage  StorageConfig
	Queue    QueueConfig
	Provider ProviderConfig
	Billing  BillingConfig
	Auth     AuthConfig
	Tracing  TracingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// StorageConfig holds object storage configuration
type StorageConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	Region          string
	UseSSL          bool
}

// QueueConfig holds message queue configuration
type QueueConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Vhost    string
}

// ProviderConfig holds transcription provider configuration
type ProviderConfig struct {
	BaseURL         string
	APIKey          string
	RequestTimeout  time.Duration
	SyncTimeout     time.Duration
	CallbackBaseURL string
	CallbackSecret  string
}

// BillingConfig holds billing and job lifecycle configuration
type BillingConfig struct {
	// DefaultEstimatedMinutes is reserved when the media duration is
	// unknown at submission time.
	DefaultEstimatedMinutes int
	// SyncThresholdSeconds is the longest known duration still processed
	// synchronously; anything longer, or of unknown duration, goes async.
	SyncThresholdSeconds int
	// StuckJobMaxAge is how long a job may wait for a provider callback
	// before the sweeper fails it and releases its reservation.
	StuckJobMaxAge time.Duration
	SweepInterval  time.Duration
}

// AuthConfig holds API authentication configuration
type AuthConfig struct {
	JWTSecret string
}

// TracingConfig holds distributed tracing configuration
type TracingConfig struct {
	Enabled        bool
	ServiceName    string
	JaegerEndpoint string
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()

	// Set defaults
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.readTimeout", "30s")
	// The sync processing path blocks until the provider responds, so the
	// write timeout must exceed the provider sync timeout.
	viper.SetDefault("server.writeTimeout", "120s")
	viper.SetDefault("server.shutdownTimeout", "10s")

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.dbname", "scrybe")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.maxConns", 25)
	viper.SetDefault("database.minConns", 5)

	// Redis defaults
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// Storage defaults
	viper.SetDefault("storage.endpoint", "localhost:9000")
	viper.SetDefault("storage.accessKeyID", "minioadmin")
	viper.SetDefault("storage.secretAccessKey", "minioadmin")
	viper.SetDefault("storage.bucketName", "media")
	viper.SetDefault("storage.region", "us-east-1")
	viper.SetDefault("storage.useSSL", false)

	// Queue defaults
	viper.SetDefault("queue.host", "localhost")
	viper.SetDefault("queue.port", 5672)
	viper.SetDefault("queue.user", "guest")
	viper.SetDefault("queue.password", "guest")
	viper.SetDefault("queue.vhost", "/")

	// Provider defaults
	viper.SetDefault("provider.baseURL", "https://asr.api.example.com")
	viper.SetDefault("provider.requestTimeout", "30s")
	viper.SetDefault("provider.syncTimeout", "90s")
	viper.SetDefault("provider.callbackBaseURL", "http://localhost:8080")

	// Billing defaults
	viper.SetDefault("billing.defaultEstimatedMinutes", 60)
	viper.SetDefault("billing.syncThresholdSeconds", 300)
	viper.SetDefault("billing.stuckJobMaxAge", "24h")
	viper.SetDefault("billing.sweepInterval", "10m")

	// Tracing defaults
	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.serviceName", "scrybe")
	viper.SetDefault("tracing.jaegerEndpoint", "http://localhost:14268/api/traces")
}
