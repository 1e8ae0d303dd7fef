package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/events"
	eventsmemory "github.com/tendant/simple-media/pkg/simplemedia/events/memory"
	eventsredis "github.com/tendant/simple-media/pkg/simplemedia/events/redis"
	"github.com/tendant/simple-media/pkg/simplemedia/metrics"
	"github.com/tendant/simple-media/pkg/simplemedia/presigned"
	"github.com/tendant/simple-media/pkg/simplemedia/queue"
	queuememory "github.com/tendant/simple-media/pkg/simplemedia/queue/memory"
	queueredis "github.com/tendant/simple-media/pkg/simplemedia/queue/redis"
	repomemory "github.com/tendant/simple-media/pkg/simplemedia/repo/memory"
	repopg "github.com/tendant/simple-media/pkg/simplemedia/repo/postgres"
	fsstorage "github.com/tendant/simple-media/pkg/simplemedia/storage/fs"
	memorystorage "github.com/tendant/simple-media/pkg/simplemedia/storage/memory"
	s3storage "github.com/tendant/simple-media/pkg/simplemedia/storage/s3"
	"github.com/tendant/simple-media/pkg/simplemedia/worker"
)

// Runtime holds the wired components of one process.
type Runtime struct {
	Config     *ServerConfig
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Repository simplemedia.Repository
	Store      simplemedia.BlobStore
	// Signer is set when blobs are served by the files handler.
	Signer     *presigned.Signer
	Broker     queue.Broker
	Queue      *queue.Client
	Propagator *events.Propagator
	Service    simplemedia.Service
	Worker     *worker.Worker

	closers []func() error
}

// BuildOption configures Build
type BuildOption func(*buildOptions)

type buildOptions struct {
	logger     *slog.Logger
	registerer prometheus.Registerer
}

// WithLogger overrides the logger derived from the config
func WithLogger(l *slog.Logger) BuildOption {
	return func(o *buildOptions) {
		o.logger = l
	}
}

// WithRegisterer sets the Prometheus registerer; nil means the default one
func WithRegisterer(reg prometheus.Registerer) BuildOption {
	return func(o *buildOptions) {
		o.registerer = reg
	}
}

// Build wires every component described by cfg. Close releases them.
func (c *ServerConfig) Build(ctx context.Context, opts ...BuildOption) (*Runtime, error) {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = c.NewLogger()
	}

	rt := &Runtime{
		Config:  c,
		Logger:  o.logger,
		Metrics: metrics.MustNew(o.registerer),
	}

	steps := []func(context.Context) error{
		rt.buildRepository,
		rt.buildStore,
		rt.buildTransport,
		rt.buildService,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			rt.Close()
			return nil, err
		}
	}
	return rt, nil
}

func (rt *Runtime) buildRepository(ctx context.Context) error {
	c := rt.Config
	switch c.DatabaseType {
	case "memory":
		rt.Repository = repomemory.New()
		return nil
	case "postgres":
		pool, err := rt.connectPostgres(ctx)
		if err != nil {
			return err
		}
		rt.closers = append(rt.closers, func() error { pool.Close(); return nil })
		if c.AutoMigrate {
			if err := repopg.Migrate(ctx, pool); err != nil {
				return fmt.Errorf("migrate schema: %w", err)
			}
		}
		rt.Repository = repopg.NewWithPool(pool)
		return nil
	default:
		return fmt.Errorf("unsupported database type: %s", c.DatabaseType)
	}
}

func (rt *Runtime) connectPostgres(ctx context.Context) (*pgxpool.Pool, error) {
	c := rt.Config
	poolCfg, err := pgxpool.ParseConfig(c.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	schema := c.DBSchema
	if schema != "" {
		poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			if _, err := conn.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{schema}.Sanitize()); err != nil {
				return err
			}
			_, err := conn.Exec(ctx, "SET search_path TO "+pgx.Identifier{schema}.Sanitize())
			return err
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	rt.Logger.Info("connected to postgres", "schema", schema)
	return pool, nil
}

func (rt *Runtime) buildStore(ctx context.Context) error {
	c := rt.Config
	switch c.StorageType {
	case "memory":
		rt.Store = memorystorage.New(c.Bucket)
	case "fs":
		rt.Signer = presigned.New(
			presigned.WithSecretKey(c.URLSigningSecret),
			presigned.WithDefaultExpiration(c.SignedURLTTL),
			presigned.WithBaseURL(c.PublicBaseURL),
		)
		store, err := fsstorage.New(fsstorage.Config{
			BaseDir: c.StorageBaseDir,
			Bucket:  c.Bucket,
			Signer:  rt.Signer,
		})
		if err != nil {
			return fmt.Errorf("failed to create fs storage: %w", err)
		}
		rt.Store = store
	case "s3":
		store, err := s3storage.New(ctx, s3storage.Config{
			Region:                 c.S3.Region,
			Bucket:                 c.Bucket,
			AccessKeyID:            c.S3.AccessKeyID,
			SecretAccessKey:        c.S3.SecretAccessKey,
			Endpoint:               c.S3.Endpoint,
			UsePathStyle:           c.S3.UsePathStyle,
			PresignDuration:        c.SignedURLTTL,
			PublicBaseURL:          c.PublicBaseURL,
			EnableSSE:              c.S3.EnableSSE,
			SSEAlgorithm:           c.S3.SSEAlgorithm,
			SSEKMSKeyID:            c.S3.SSEKMSKeyID,
			CreateBucketIfNotExist: c.S3.CreateBucketIfNotExist,
		})
		if err != nil {
			return fmt.Errorf("failed to create s3 storage: %w", err)
		}
		rt.Store = store
	default:
		return fmt.Errorf("unsupported storage type: %s", c.StorageType)
	}
	rt.Logger.Info("object store ready", "type", c.StorageType, "bucket", c.Bucket)
	return nil
}

// buildTransport sets up the task broker and the event bus, both on Redis
// when REDIS_URL is set.
func (rt *Runtime) buildTransport(ctx context.Context) error {
	c := rt.Config
	var bus events.Bus

	if c.RedisURL == "" {
		broker := queuememory.New(queuememory.WithRetention(c.TaskResultRetention))
		rt.closers = append(rt.closers, broker.Close)
		rt.Broker = broker
		bus = eventsmemory.New(64)
	} else {
		redisOpts, err := redis.ParseURL(c.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(redisOpts)
		rt.closers = append(rt.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to ping redis: %w", err)
		}

		host, _ := os.Hostname()
		broker, err := queueredis.New(ctx, rdb, queueredis.Config{
			Prefix:    c.QueuePrefix,
			Consumer:  fmt.Sprintf("%s-%d", host, os.Getpid()),
			Retention: c.TaskResultRetention,
		})
		if err != nil {
			return fmt.Errorf("failed to create redis broker: %w", err)
		}
		rt.Broker = broker
		bus = eventsredis.New(rdb)
	}

	rt.Queue = queue.NewClient(rt.Broker)
	rt.Propagator = events.New(bus,
		events.WithChannel(c.EventsChannel),
		events.WithLogger(rt.Logger),
		events.WithObserver(rt.Metrics),
	)
	return nil
}

func (rt *Runtime) buildService(ctx context.Context) error {
	svc, err := simplemedia.New(
		simplemedia.WithRepository(rt.Repository),
		simplemedia.WithBlobStore(rt.Store),
		simplemedia.WithTaskQueue(rt.Queue),
		simplemedia.WithPublisher(rt.Propagator),
		simplemedia.WithSubscriber(rt.Propagator),
		simplemedia.WithLogger(rt.Logger),
		simplemedia.WithMetrics(rt.Metrics),
	)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	rt.Service = svc
	rt.Worker = worker.New(rt.Repository, rt.Store, rt.Propagator,
		worker.WithLogger(rt.Logger),
		worker.WithMetrics(rt.Metrics),
	)
	return nil
}

// NewRunner returns a task runner driving the worker.
func (rt *Runtime) NewRunner() *queue.Runner {
	c := rt.Config
	return queue.NewRunner(rt.Broker, rt.Worker,
		queue.WithConcurrency(c.WorkerConcurrency),
		queue.WithRetryPolicy(queue.RetryPolicy{
			MaxAttempts: c.TaskMaxAttempts,
			BaseDelay:   c.TaskBaseDelay,
		}),
		queue.WithRunnerLogger(rt.Logger),
		queue.WithObserver(rt.Metrics),
		queue.WithExhaustedHook(rt.Worker.OnExhausted),
	)
}

// NewSweeper returns an orphan sweeper over the runtime's repository and store.
func (rt *Runtime) NewSweeper(opts ...simplemedia.SweeperOption) *simplemedia.Sweeper {
	base := []simplemedia.SweeperOption{
		simplemedia.WithGracePeriod(rt.Config.SweepGracePeriod),
		simplemedia.WithSweeperLogger(rt.Logger),
	}
	return simplemedia.NewSweeper(rt.Repository, rt.Store, append(base, opts...)...)
}

// Close releases connections in reverse order of acquisition.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
