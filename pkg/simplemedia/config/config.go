package config

import (
	"errors"
	"fmt"
	"time"
)

// Option applies configuration to a ServerConfig instance.
type Option func(*ServerConfig) error

// Load constructs a ServerConfig by applying the supplied options on top of library defaults.
func Load(opts ...Option) (*ServerConfig, error) {
	cfg := defaults()

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func defaults() ServerConfig {
	return ServerConfig{
		Port:                "8080",
		Environment:         "development",
		LogLevel:            "info",
		DatabaseType:        "memory",
		DBSchema:            "media",
		StorageType:         "memory",
		Bucket:              "media",
		SignedURLTTL:        15 * time.Minute,
		S3:                  S3Config{Region: "us-east-1"},
		EventsChannel:       "media:status",
		QueuePrefix:         "simplemedia:queue",
		WorkerConcurrency:   4,
		TaskMaxAttempts:     5,
		TaskBaseDelay:       2 * time.Second,
		TaskResultRetention: time.Hour,
		MaxUploadBytes:      32 << 20,
		SweepGracePeriod:    time.Hour,
	}
}

// ServerConfig represents configuration for the media pipeline processes
type ServerConfig struct {
	Port        string
	Environment string // development, production, testing
	LogLevel    string

	// Database configuration
	DatabaseURL  string
	DatabaseType string // "memory", "postgres"
	DBSchema     string // Postgres schema to use (default: media)
	AutoMigrate  bool

	// Storage configuration. The bucket is fixed once the adapter is built.
	StorageType      string // "memory", "fs", "s3"
	StorageBaseDir   string
	Bucket           string
	PublicBaseURL    string
	URLSigningSecret string
	SignedURLTTL     time.Duration
	S3               S3Config

	// Queue and event bus. Empty RedisURL keeps both in-process.
	RedisURL            string
	EventsChannel       string
	QueuePrefix         string
	WorkerConcurrency   int
	TaskMaxAttempts     int
	TaskBaseDelay       time.Duration
	TaskResultRetention time.Duration

	// HTTP options
	JWTSecret      string
	MaxUploadBytes int64

	SweepGracePeriod time.Duration
}

// S3Config holds the S3 adapter settings not carried by the storage URL.
type S3Config struct {
	Region                 string
	Endpoint               string
	AccessKeyID            string
	SecretAccessKey        string
	UsePathStyle           bool
	CreateBucketIfNotExist bool
	EnableSSE              bool
	SSEAlgorithm           string
	SSEKMSKeyID            string
}

// Validate validates the server configuration
func (c *ServerConfig) Validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}

	if c.DatabaseType != "memory" && c.DatabaseType != "postgres" {
		return errors.New("database_type must be 'memory' or 'postgres'")
	}
	if c.DatabaseType == "postgres" && c.DatabaseURL == "" {
		return errors.New("database_url is required when using postgres")
	}

	switch c.StorageType {
	case "memory", "s3":
	case "fs":
		if c.StorageBaseDir == "" {
			return errors.New("storage base dir is required for fs storage")
		}
	default:
		return fmt.Errorf("unsupported storage type: %s", c.StorageType)
	}
	if c.Bucket == "" {
		return errors.New("bucket is required")
	}

	if c.WorkerConcurrency < 1 {
		return errors.New("worker concurrency must be at least 1")
	}
	if c.TaskMaxAttempts < 1 {
		return errors.New("task max attempts must be at least 1")
	}
	if c.TaskBaseDelay < 0 {
		return errors.New("task base delay must not be negative")
	}

	return nil
}

// IsDevelopment reports whether the process runs in development mode
func (c *ServerConfig) IsDevelopment() bool {
	return c.Environment == "development"
}

// WithPort sets the HTTP port
func WithPort(port string) Option {
	return func(c *ServerConfig) error {
		c.Port = port
		return nil
	}
}

// WithDatabase selects the repository backend
func WithDatabase(dbType, url string) Option {
	return func(c *ServerConfig) error {
		c.DatabaseType = dbType
		c.DatabaseURL = url
		return nil
	}
}

// WithStorageURL selects the object store from a storage URL
func WithStorageURL(raw string) Option {
	return func(c *ServerConfig) error {
		return applyStorageURL(raw, c)
	}
}

// WithRedis moves the queue and event bus to Redis
func WithRedis(url string) Option {
	return func(c *ServerConfig) error {
		c.RedisURL = url
		return nil
	}
}

// WithWorkerConcurrency sets how many tasks run at once
func WithWorkerConcurrency(n int) Option {
	return func(c *ServerConfig) error {
		c.WorkerConcurrency = n
		return nil
	}
}
