// Package server builds the ingestion service from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/content-ingest/internal/api"
	"github.com/JakeFAU/content-ingest/internal/clock"
	"github.com/JakeFAU/content-ingest/internal/config"
	"github.com/JakeFAU/content-ingest/internal/deadletter"
	"github.com/JakeFAU/content-ingest/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/content-ingest/internal/fetcher/colly"
	"github.com/JakeFAU/content-ingest/internal/id"
	"github.com/JakeFAU/content-ingest/internal/identity"
	"github.com/JakeFAU/content-ingest/internal/ingest"
	"github.com/JakeFAU/content-ingest/internal/policy/ratelimit"
	"github.com/JakeFAU/content-ingest/internal/producer"
	memorypublisher "github.com/JakeFAU/content-ingest/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/content-ingest/internal/publisher/pubsub"
	"github.com/JakeFAU/content-ingest/internal/rules"
	"github.com/JakeFAU/content-ingest/internal/source/jsonapi"
	gcsstorage "github.com/JakeFAU/content-ingest/internal/storage/gcs"
	localstorage "github.com/JakeFAU/content-ingest/internal/storage/local"
	memorystorage "github.com/JakeFAU/content-ingest/internal/storage/memory"
	pgstore "github.com/JakeFAU/content-ingest/internal/storage/postgres"
	"github.com/JakeFAU/content-ingest/internal/telemetry"
	"github.com/JakeFAU/content-ingest/internal/transform"
	"github.com/JakeFAU/content-ingest/internal/worker"
)

// Version is stamped into traces; overridden at link time.
var Version = "dev"

const shutdownTimeout = 10 * time.Second

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	clock     ingest.Clock
	ids       ingest.IDGenerator
	jobs      ingest.JobStore
	content   ingest.ContentStore
	identity  *identity.Service
	registry  *rules.Registry
	engine    *transform.Engine
	limiter   ingest.RateLimiter
	fetchers  map[ingest.JobType]ingest.Fetcher
	archiver  *deadletter.Archiver
	publisher ingest.Publisher
	producer  *producer.Producer
	scheduler *producer.Scheduler
	dispatch  *dispatcher.Dispatcher
	apiServer *api.Server
	ready     map[string]api.ReadinessCheck
	closers   []closer
}

// Build creates the application's dependencies. On error, everything opened
// so far is closed again.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{
		cfg:      cfg,
		logger:   logger,
		clock:    clock.NewSystem(),
		ids:      id.NewUUIDGenerator(),
		fetchers: map[ingest.JobType]ingest.Fetcher{},
		ready:    map[string]api.ReadinessCheck{},
	}
	defer func() {
		if err != nil {
			_ = app.Close(context.Background())
		}
	}()

	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.Bool("postgres", cfg.Database.DSN != ""),
		zap.String("ratelimit_backend", cfg.RateLimit.Backend),
		zap.String("deadletter_backend", cfg.DeadLetter.Backend),
	)

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"tracing", app.setupTracing},
		{"stores", app.setupStores},
		{"rules", app.setupRules},
		{"rate limiter", app.setupLimiter},
		{"fetchers", app.setupFetchers},
		{"dead letter", app.setupDeadLetter},
		{"publisher", app.setupPublisher},
		{"producer", app.setupProducer},
		{"consumer", app.setupConsumer},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			return nil, fmt.Errorf("%s init failed: %w", step.name, err)
		}
	}

	app.apiServer = api.NewServer(api.Deps{
		Jobs:     app.jobs,
		Producer: app.producer,
		Contents: app.identity,
		Ready:    app.ready,
	}, cfg.Auth, logger.Named("api"))
	return app, nil
}

// Jobs returns the job store.
func (a *App) Jobs() ingest.JobStore {
	return a.jobs
}

// Producer returns the job producer.
func (a *App) Producer() *producer.Producer {
	return a.producer
}

// Handler returns the admin HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves the admin API and runs the consumer pool and producer schedules
// until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(a.cfg.Server.Port)))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	srv := &http.Server{
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})
	if a.dispatch != nil {
		g.Go(func() error {
			return a.dispatch.Run(ctx)
		})
	}
	if a.scheduler != nil {
		g.Go(func() error {
			return a.scheduler.Run(ctx)
		})
	}
	return g.Wait()
}

// Close releases every client opened by Build, newest first.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) onClose(name string, fn func(ctx context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func (a *App) setupTracing(ctx context.Context) error {
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName:    a.cfg.Tracing.ServiceName,
		ServiceVersion: Version,
		SampleRatio:    a.cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return err
	}
	a.onClose("tracer", tp.Shutdown)
	return nil
}

func (a *App) setupStores(ctx context.Context) error {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("no database DSN configured, using in-memory stores")
		a.jobs = memorystorage.NewJobStore(a.clock, a.ids)
		a.content = memorystorage.NewContentStore()
	} else {
		pool, err := pgstore.NewPool(ctx, pgstore.Config{
			DSN:             a.cfg.Database.DSN,
			MaxConns:        a.cfg.Database.MaxConns,
			MinConns:        a.cfg.Database.MinConns,
			MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
		})
		if err != nil {
			return err
		}
		a.onClose("postgres", func(context.Context) error {
			pool.Close()
			return nil
		})
		if err := pgstore.Migrate(ctx, pool); err != nil {
			return err
		}
		jobs, err := pgstore.NewJobStore(pool, a.clock, a.ids)
		if err != nil {
			return err
		}
		content, err := pgstore.NewContentStore(pool)
		if err != nil {
			return err
		}
		a.jobs, a.content = jobs, content
		a.ready["postgres"] = pool.Ping
		a.logger.Info("postgres stores initialized")
	}
	a.identity = identity.New(a.content, a.ids, a.clock, identity.Config{}, a.logger.Named("identity"))
	return nil
}

// setupRules loads mapping rules and rejects any rule the engine cannot run.
func (a *App) setupRules(context.Context) error {
	registry, err := rules.Load(a.cfg.Rules.Dir)
	if err != nil {
		return err
	}
	engine := transform.NewEngine()
	for _, rule := range registry.Latest() {
		if err := engine.Validate(rule); err != nil {
			return fmt.Errorf("%w: rule %s: %v", ingest.ErrConfiguration, rule.ID(), err)
		}
	}
	a.registry, a.engine = registry, engine
	a.logger.Info("mapping rules loaded", zap.Int("rules", len(registry.Latest())), zap.String("dir", a.cfg.Rules.Dir))
	return nil
}

func (a *App) setupLimiter(ctx context.Context) error {
	rl := a.cfg.RateLimit
	limits := ratelimit.Config{
		DefaultRPS:     rl.DefaultRPS,
		DefaultBurst:   rl.DefaultBurst,
		AcquireTimeout: rl.AcquireTimeout,
		Sources:        make(map[string]ratelimit.SourceLimit, len(rl.Sources)),
	}
	for source, limit := range rl.Sources {
		limits.Sources[source] = ratelimit.SourceLimit{RPS: limit.RPS, Burst: limit.Burst}
	}

	if rl.Backend != "redis" {
		a.limiter = ratelimit.New(limits)
		a.logger.Info("local rate limiter enabled", zap.Float64("default_rps", rl.DefaultRPS), zap.Int("default_burst", rl.DefaultBurst))
		return nil
	}
	opts, err := redis.ParseURL(a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	a.onClose("redis", func(context.Context) error { return client.Close() })
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	a.ready["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	a.limiter = ratelimit.NewRedis(client, a.cfg.Redis.KeyPrefix, limits)
	a.logger.Info("redis rate limiter enabled", zap.String("addr", opts.Addr))
	return nil
}

// setupFetchers builds one catalog adapter per configured source, all sharing
// a single HTTP client. Every source needs a mapping rule for its platform.
func (a *App) setupFetchers(context.Context) error {
	client := collyfetcher.New(collyfetcher.Config{
		UserAgent:    a.cfg.HTTP.UserAgent,
		Timeout:      a.cfg.HTTPTimeout(),
		MaxIdleConns: a.cfg.HTTP.MaxIdleConns,
	})
	for _, jobType := range ingest.JobTypes() {
		src, ok := a.cfg.Source(jobType)
		if !ok {
			continue
		}
		info, _ := jobType.Info()
		if _, err := a.registry.Lookup(info.Platform, info.Domain); err != nil {
			return fmt.Errorf("source %s: %w", jobType, err)
		}
		fetcher, err := jsonapi.New(client, jsonapi.Config{
			ListURL:     src.ListURL,
			ListPath:    src.ListPath,
			DetailURL:   src.DetailURL,
			DetailPath:  src.DetailPath,
			SuccessPath: src.SuccessPath,
			Headers:     src.Headers,
		})
		if err != nil {
			return fmt.Errorf("source %s: %w", jobType, err)
		}
		a.fetchers[jobType] = fetcher
		a.logger.Info("source configured", zap.String("job_type", string(jobType)), zap.String("source", info.Source))
	}
	return nil
}

func (a *App) setupDeadLetter(ctx context.Context) error {
	dl := a.cfg.DeadLetter
	var store ingest.BlobStore
	switch dl.Backend {
	case "gcs":
		client, err := gcsstorage.NewClient(ctx, dl.Bucket)
		if err != nil {
			return err
		}
		a.onClose("gcs", func(context.Context) error { return client.Close() })
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: dl.Bucket})
		if err != nil {
			return err
		}
		store = blobs
		a.logger.Info("dead letter archive on GCS", zap.String("bucket", dl.Bucket))
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: dl.BaseDir})
		if err != nil {
			return err
		}
		store = blobs
		a.logger.Info("dead letter archive on local disk", zap.String("path", dl.BaseDir))
	default:
		store = memorystorage.NewBlobStore()
		a.logger.Info("dead letter archive in memory")
	}
	archiver, err := deadletter.New(store, deadletter.SHA256{}, a.clock, dl.Prefix)
	if err != nil {
		return err
	}
	a.archiver = archiver
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	ps := a.cfg.PubSub
	if ps.ProjectID == "" {
		a.logger.Warn("no Pub/Sub project configured, using in-memory publisher")
		a.publisher = memorypublisher.New()
		return nil
	}
	client, err := pubsub.NewClient(ctx, ps.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client: %w", err)
	}
	a.onClose("pubsub client", func(context.Context) error { return client.Close() })
	publisher, err := gcppublisher.New(client, ps.TopicName)
	if err != nil {
		return err
	}
	a.onClose("pubsub topics", func(context.Context) error {
		publisher.Stop()
		return nil
	})
	a.publisher = publisher
	a.logger.Info("Pub/Sub publisher initialized", zap.String("project", ps.ProjectID), zap.String("topic", ps.TopicName))
	return nil
}

func (a *App) setupProducer(context.Context) error {
	a.producer = producer.New(a.jobs, a.fetchers, producer.Config{BatchSize: a.cfg.Producer.BatchSize}, a.logger.Named("producer"))
	if !a.cfg.Producer.Enabled {
		a.logger.Info("producer schedules disabled")
		return nil
	}
	var schedules []producer.Schedule
	for jobType, sched := range a.cfg.Schedules() {
		if _, ok := a.fetchers[jobType]; !ok {
			return fmt.Errorf("%w: schedule for %s has no configured source", ingest.ErrConfiguration, jobType)
		}
		schedules = append(schedules, producer.Schedule{JobType: jobType, Spec: sched.Cron, Priority: sched.Priority})
	}
	if len(schedules) == 0 {
		return nil
	}
	scheduler, err := producer.NewScheduler(a.producer, schedules, a.cfg.Producer.RunOnStart, a.logger.Named("scheduler"))
	if err != nil {
		return err
	}
	a.scheduler = scheduler
	return nil
}

// instanceID names this process for lease ownership. Hostname alone is not
// enough when several processes share a host.
func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "ingest"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

func (a *App) setupConsumer(context.Context) error {
	c := a.cfg.Consumer
	if !c.Enabled {
		a.logger.Info("consumer pool disabled")
		return nil
	}
	instance := instanceID()
	deps := worker.Deps{
		Store:       a.jobs,
		Fetchers:    a.fetchers,
		Rules:       a.registry,
		Transformer: a.engine,
		Limiter:     a.limiter,
		Upserter:    a.identity,
		Archiver:    a.archiver,
		Publisher:   a.publisher,
		Clock:       a.clock,
	}
	retry := worker.RetryPolicy{
		MaxRetries:       c.MaxRetries,
		BaseDelay:        c.BackoffBase,
		MaxDelay:         c.BackoffMax,
		ThrottleCooldown: c.ThrottleCooldown,
	}
	runners := make([]dispatcher.Runner, 0, c.Workers)
	for i := range c.Workers {
		w, err := worker.New(deps, worker.Config{
			WorkerID:     fmt.Sprintf("%s-%d", instance, i),
			BatchSize:    c.BatchSize,
			PollInterval: c.PollInterval,
			LeaseTimeout: c.LeaseTimeout,
			FetchTimeout: c.FetchTimeout,
			EventTopic:   a.cfg.PubSub.TopicName,
			Retry:        retry,
		}, a.logger.Named("worker").With(zap.Int("index", i)))
		if err != nil {
			return err
		}
		runners = append(runners, w)
	}
	a.logger.Info("worker config",
		zap.String("instance", instance),
		zap.Int("workers", c.Workers),
		zap.Int("batch_size", c.BatchSize),
		zap.Duration("lease_timeout", c.LeaseTimeout),
		zap.Int("max_retries", c.MaxRetries),
	)
	dispatch, err := dispatcher.New(a.jobs, a.clock, runners, dispatcher.Config{SweepInterval: c.SweepInterval}, a.logger.Named("dispatcher"))
	if err != nil {
		return err
	}
	a.dispatch = dispatch
	return nil
}
