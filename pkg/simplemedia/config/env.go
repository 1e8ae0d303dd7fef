package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Env is the environment surface read by WithEnv.
//
// DATABASE_URL is empty or "memory" for the in-memory repository, or a
// postgres:// / postgresql:// URL. STORAGE_URL is one of:
//
//	memory://
//	file:///path/to/data
//	s3://bucket?region=us-east-1&endpoint=http://localhost:9000
type Env struct {
	Port        string `env:"PORT" env-default:"8080"`
	Environment string `env:"ENVIRONMENT" env-default:"development"`
	LogLevel    string `env:"LOG_LEVEL" env-default:"info"`

	DatabaseURL   string `env:"DATABASE_URL"`
	DBSchema      string `env:"DB_SCHEMA" env-default:"media"`
	DBAutoMigrate bool   `env:"DB_AUTO_MIGRATE" env-default:"false"`

	StorageURL       string        `env:"STORAGE_URL" env-default:"memory://"`
	StorageBucket    string        `env:"STORAGE_BUCKET" env-default:"media"`
	PublicBaseURL    string        `env:"PUBLIC_BASE_URL"`
	SignedURLTTL     time.Duration `env:"SIGNED_URL_TTL" env-default:"15m"`
	URLSigningSecret string        `env:"URL_SIGNING_SECRET"`

	AWSRegion          string `env:"AWS_REGION" env-default:"us-east-1"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	AWSS3Endpoint      string `env:"AWS_S3_ENDPOINT"`
	AWSS3PathStyle     bool   `env:"AWS_S3_USE_PATH_STYLE" env-default:"false"`
	AWSS3CreateBucket  bool   `env:"AWS_S3_CREATE_BUCKET" env-default:"false"`
	AWSS3EnableSSE     bool   `env:"AWS_S3_ENABLE_SSE" env-default:"false"`
	AWSS3SSEAlgorithm  string `env:"AWS_S3_SSE_ALGORITHM" env-default:"AES256"`
	AWSS3SSEKMSKeyID   string `env:"AWS_S3_SSE_KMS_KEY_ID"`

	RedisURL            string        `env:"REDIS_URL"`
	EventsChannel       string        `env:"EVENTS_CHANNEL" env-default:"media:status"`
	QueuePrefix         string        `env:"QUEUE_STREAM" env-default:"simplemedia:queue"`
	WorkerConcurrency   int           `env:"WORKER_CONCURRENCY" env-default:"4"`
	TaskMaxAttempts     int           `env:"TASK_MAX_ATTEMPTS" env-default:"5"`
	TaskBaseDelay       time.Duration `env:"TASK_BASE_DELAY" env-default:"2s"`
	TaskResultRetention time.Duration `env:"TASK_RESULT_RETENTION" env-default:"1h"`

	JWTSecret      string `env:"JWT_SECRET"`
	MaxUploadBytes int64  `env:"MAX_UPLOAD_BYTES" env-default:"33554432"`

	SweepGracePeriod time.Duration `env:"SWEEP_GRACE_PERIOD" env-default:"1h"`
}

// WithEnv reads the process environment. Options applied after it win.
func WithEnv() Option {
	return func(c *ServerConfig) error {
		var env Env
		if err := cleanenv.ReadEnv(&env); err != nil {
			return fmt.Errorf("read environment: %w", err)
		}
		return env.apply(c)
	}
}

func (e Env) apply(c *ServerConfig) error {
	c.Port = e.Port
	c.Environment = e.Environment
	c.LogLevel = e.LogLevel

	if err := applyDatabaseURL(e.DatabaseURL, c); err != nil {
		return err
	}
	c.DBSchema = e.DBSchema
	c.AutoMigrate = e.DBAutoMigrate

	c.Bucket = e.StorageBucket
	c.PublicBaseURL = e.PublicBaseURL
	c.SignedURLTTL = e.SignedURLTTL
	c.URLSigningSecret = e.URLSigningSecret
	c.S3 = S3Config{
		Region:                 e.AWSRegion,
		Endpoint:               e.AWSS3Endpoint,
		AccessKeyID:            e.AWSAccessKeyID,
		SecretAccessKey:        e.AWSSecretAccessKey,
		UsePathStyle:           e.AWSS3PathStyle,
		CreateBucketIfNotExist: e.AWSS3CreateBucket,
		EnableSSE:              e.AWSS3EnableSSE,
		SSEAlgorithm:           e.AWSS3SSEAlgorithm,
		SSEKMSKeyID:            e.AWSS3SSEKMSKeyID,
	}
	// the storage URL may override bucket and S3 settings
	if err := applyStorageURL(e.StorageURL, c); err != nil {
		return err
	}

	c.RedisURL = e.RedisURL
	c.EventsChannel = e.EventsChannel
	c.QueuePrefix = e.QueuePrefix
	c.WorkerConcurrency = e.WorkerConcurrency
	c.TaskMaxAttempts = e.TaskMaxAttempts
	c.TaskBaseDelay = e.TaskBaseDelay
	c.TaskResultRetention = e.TaskResultRetention

	c.JWTSecret = e.JWTSecret
	c.MaxUploadBytes = e.MaxUploadBytes
	c.SweepGracePeriod = e.SweepGracePeriod
	return nil
}

// applyDatabaseURL auto-detects the repository type from the URL
func applyDatabaseURL(dbURL string, c *ServerConfig) error {
	switch {
	case dbURL == "" || dbURL == "memory":
		c.DatabaseType = "memory"
		c.DatabaseURL = ""
	case strings.HasPrefix(dbURL, "postgresql://"), strings.HasPrefix(dbURL, "postgres://"):
		c.DatabaseType = "postgres"
		c.DatabaseURL = dbURL
	default:
		return fmt.Errorf("unsupported DATABASE_URL format: %s (use 'memory' or 'postgresql://...')", dbURL)
	}
	return nil
}

// applyStorageURL configures the object store from a storage URL
func applyStorageURL(raw string, c *ServerConfig) error {
	if raw == "" || raw == "memory" || raw == "memory://" {
		c.StorageType = "memory"
		return nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid STORAGE_URL: %w", err)
	}

	switch u.Scheme {
	case "file":
		if u.Path == "" {
			return fmt.Errorf("filesystem path cannot be empty in STORAGE_URL")
		}
		c.StorageType = "fs"
		c.StorageBaseDir = u.Path
	case "s3":
		if u.Host == "" {
			return fmt.Errorf("S3 bucket name cannot be empty in STORAGE_URL")
		}
		c.StorageType = "s3"
		c.Bucket = u.Host
		q := u.Query()
		if v := q.Get("region"); v != "" {
			c.S3.Region = v
		}
		if v := q.Get("endpoint"); v != "" {
			c.S3.Endpoint = v
			// S3-compatible endpoints such as MinIO need path-style addressing
			c.S3.UsePathStyle = true
		}
	default:
		return fmt.Errorf("unsupported STORAGE_URL format: %s (use 'memory://', 'file://...', or 's3://...')", raw)
	}
	return nil
}
