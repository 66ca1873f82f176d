package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/kbsync/internal/api"
	"github.com/stacklok/kbsync/internal/config"
	"github.com/stacklok/kbsync/internal/dify"
	"github.com/stacklok/kbsync/internal/retry"
	"github.com/stacklok/kbsync/internal/source"
	"github.com/stacklok/kbsync/internal/status"
	pkgsync "github.com/stacklok/kbsync/internal/sync"
	"github.com/stacklok/kbsync/internal/sync/coordinator"
	"github.com/stacklok/kbsync/internal/sync/state"
	"github.com/stacklok/kbsync/internal/targets"
	"github.com/stacklok/kbsync/internal/telemetry"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultReadTimeout    = 10 * time.Second
	defaultWriteTimeout   = 15 * time.Second
	defaultIdleTimeout    = 60 * time.Second
	defaultLockTimeout    = 10 * time.Second

	// SyncTracerName is the tracer used for run, document and target spans
	SyncTracerName = "github.com/stacklok/kbsync/sync"
)

// Option configures the app builder
type Option func(*appConfig) error

// appConfig holds everything the builder needs; optional overrides are mostly for tests
type appConfig struct {
	config *config.Config

	backend     pkgsync.Backend
	lockTimeout time.Duration

	// HTTP server options
	address        string
	middlewares    []func(http.Handler) http.Handler
	requestTimeout time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	idleTimeout    time.Duration
	metricsHandler http.Handler

	// Telemetry components
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
}

func baseConfig(opts ...Option) (*appConfig, error) {
	cfg := &appConfig{
		lockTimeout:    defaultLockTimeout,
		requestTimeout: defaultRequestTimeout,
		readTimeout:    defaultReadTimeout,
		writeTimeout:   defaultWriteTimeout,
		idleTimeout:    defaultIdleTimeout,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.address == "" {
		cfg.address = cfg.config.GetServerAddress()
	}

	return cfg, nil
}

// New wires every component from the configuration and takes the state lock.
// The caller must Close the returned app.
func New(ctx context.Context, opts ...Option) (*App, error) {
	cfg, err := baseConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration: %w", err)
	}

	components, err := buildSyncComponents(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build sync components: %w", err)
	}

	app := &App{
		config:     cfg.config,
		components: components,
	}

	httpServer, err := buildHTTPServer(cfg, app)
	if err != nil {
		_ = components.Store.Unlock()
		return nil, fmt.Errorf("failed to build HTTP server: %w", err)
	}
	app.httpServer = httpServer

	return app, nil
}

// WithConfig sets the configuration
func WithConfig(c *config.Config) Option {
	return func(cfg *appConfig) error {
		cfg.config = c
		return nil
	}
}

// WithAddress sets the status API address
func WithAddress(addr string) Option {
	return func(cfg *appConfig) error {
		if addr == "" {
			return fmt.Errorf("address cannot be empty")
		}

		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return fmt.Errorf("address is not a valid host:port: %w", err)
		}
		if port == "" {
			return fmt.Errorf("address is not a valid port: %s", addr)
		}
		if _, err := net.LookupPort("tcp", port); err != nil {
			return fmt.Errorf("address is not a valid port: %w", err)
		}
		if host != "" && host != "localhost" && net.ParseIP(host) == nil {
			return fmt.Errorf("address host must be an IP address or localhost: %s", addr)
		}

		cfg.address = addr
		return nil
	}
}

// WithMiddlewares replaces the default HTTP middlewares
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *appConfig) error {
		cfg.middlewares = mw
		return nil
	}
}

// WithBackend injects a knowledge-base backend instead of the Dify client
func WithBackend(b pkgsync.Backend) Option {
	return func(cfg *appConfig) error {
		cfg.backend = b
		return nil
	}
}

// WithLockTimeout bounds how long New waits for the state lock
func WithLockTimeout(d time.Duration) Option {
	return func(cfg *appConfig) error {
		if d <= 0 {
			return fmt.Errorf("lock timeout must be positive")
		}
		cfg.lockTimeout = d
		return nil
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider for engine and HTTP metrics
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(cfg *appConfig) error {
		cfg.meterProvider = mp
		return nil
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider for sync and HTTP spans
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(cfg *appConfig) error {
		cfg.tracerProvider = tp
		return nil
	}
}

// WithMetricsHandler mounts a Prometheus scrape handler on the status API
func WithMetricsHandler(h http.Handler) Option {
	return func(cfg *appConfig) error {
		cfg.metricsHandler = h
		return nil
	}
}

// buildBackend creates the Dify client unless a backend was injected
func buildBackend(b *appConfig) (pkgsync.Backend, *dify.Client, error) {
	if b.backend != nil {
		return b.backend, nil, nil
	}

	client, err := NewDifyClient(b.config)
	if err != nil {
		return nil, nil, err
	}
	return client, client, nil
}

// NewDifyClient creates the knowledge-base client described by cfg.Targets
func NewDifyClient(cfg *config.Config) (*dify.Client, error) {
	tc := &cfg.Targets
	apiKey, err := tc.GetAPIKey()
	if err != nil {
		return nil, err
	}

	client, err := dify.NewClient(dify.Config{
		BaseURL:     tc.BaseURL,
		APIKey:      apiKey,
		Timeout:     tc.GetRequestTimeout(),
		RateLimit:   tc.RateLimit,
		RateBurst:   tc.RateBurst,
		DocLanguage: tc.DocLanguage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create dify client: %w", err)
	}
	return client, nil
}

// buildSyncComponents builds the orchestrator, registry, store, manager and coordinator
func buildSyncComponents(ctx context.Context, b *appConfig) (*Components, error) {
	slog.Info("Initializing sync components")

	backend, client, err := buildBackend(b)
	if err != nil {
		return nil, err
	}

	var (
		orchOpts    []retry.Option
		targetOpts  []targets.Option
		managerOpts []pkgsync.Option
	)

	if b.meterProvider != nil {
		retryMetrics, err := telemetry.NewRetryMetrics(b.meterProvider)
		if err != nil {
			return nil, fmt.Errorf("failed to create retry metrics: %w", err)
		}
		targetMetrics, err := telemetry.NewTargetMetrics(b.meterProvider)
		if err != nil {
			return nil, fmt.Errorf("failed to create target metrics: %w", err)
		}
		syncMetrics, err := telemetry.NewSyncMetrics(b.meterProvider)
		if err != nil {
			return nil, fmt.Errorf("failed to create sync metrics: %w", err)
		}
		orchOpts = append(orchOpts, retry.WithMetrics(retryMetrics))
		targetOpts = append(targetOpts, targets.WithMetrics(targetMetrics))
		managerOpts = append(managerOpts, pkgsync.WithSyncMetrics(syncMetrics))
		slog.Info("Sync metrics enabled")
	}
	if b.tracerProvider != nil {
		managerOpts = append(managerOpts, pkgsync.WithTracer(b.tracerProvider.Tracer(SyncTracerName)))
	}

	orchestrator := retry.NewOrchestrator(b.config.Retry, orchOpts...)

	tc := &b.config.Targets
	strategy, err := targets.ParseStrategy(tc.GetStrategy())
	if err != nil {
		return nil, err
	}
	defs := make([]targets.Definition, 0, len(tc.Datasets))
	for _, ds := range tc.Datasets {
		defs = append(defs, targets.Definition{ID: ds.ID, DisplayName: ds.Name, Disabled: ds.Disabled})
	}
	targetOpts = append(targetOpts,
		targets.WithAvailabilityTTL(tc.GetAvailabilityTTL()),
		targets.WithMaxConsecutiveErrors(tc.GetMaxConsecutiveErrors()),
	)
	registry, err := targets.NewRegistry(defs, strategy,
		pkgsync.NewRetryingProber(backend, orchestrator, pkgsync.DefaultEndpointPrefix), targetOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create target registry: %w", err)
	}

	filter, err := source.NewFilter(b.config.Sync.Include, b.config.Sync.Exclude)
	if err != nil {
		return nil, fmt.Errorf("failed to compile feed filter: %w", err)
	}
	feed := source.NewFileFeed(b.config.Sync.Feed, source.WithFilter(filter))

	store := state.NewFileStore(b.config.State.GetPath())
	lockCtx, cancel := context.WithTimeout(ctx, b.lockTimeout)
	defer cancel()
	if err := store.Lock(lockCtx); err != nil {
		return nil, err
	}
	entries := store.Load()
	slog.Info("Sync state loaded", "path", store.Path(), "entries", len(entries))

	managerOpts = append(managerOpts,
		pkgsync.WithCommitPolicy(pkgsync.CommitPolicy(b.config.Sync.GetCommitPolicy())),
		pkgsync.WithRunTimeout(b.config.Sync.RunTimeout),
		pkgsync.WithShutdownGrace(b.config.Sync.GetShutdownGrace()),
	)
	manager, err := pkgsync.NewManager(backend, registry, store, orchestrator, managerOpts...)
	if err != nil {
		_ = store.Unlock()
		return nil, fmt.Errorf("failed to create sync manager: %w", err)
	}

	coord := coordinator.New(manager, feed,
		status.NewFileStatusPersistence(b.config.Sync.GetStatusFile()),
		coordinator.Config{Interval: b.config.Sync.Interval},
	)

	slog.Info("Sync components initialized successfully",
		"strategy", strategy,
		"datasets", len(defs),
		"feed", feed.Path(),
	)

	return &Components{
		Backend:      backend,
		Dify:         client,
		Orchestrator: orchestrator,
		Registry:     registry,
		Store:        store,
		Janitor:      state.NewJanitor(store, b.config.State.JanitorInterval, b.config.State.TempMaxAge),
		Feed:         feed,
		Manager:      manager,
		Coordinator:  coord,
	}, nil
}

// buildHTTPServer builds the status API server with router and middleware
func buildHTTPServer(b *appConfig, svc api.Service) (*http.Server, error) {
	if b.middlewares == nil {
		b.middlewares = []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			middleware.Timeout(b.requestTimeout),
			api.LoggingMiddleware,
		}
	}

	// Instrumentation goes first to capture every request
	if b.meterProvider != nil || b.tracerProvider != nil {
		instrument, err := telemetry.HTTPMiddleware(b.meterProvider, b.tracerProvider)
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP instrumentation: %w", err)
		}
		b.middlewares = append([]func(http.Handler) http.Handler{instrument}, b.middlewares...)
	}

	router := api.NewServer(svc,
		api.WithMiddlewares(b.middlewares...),
		api.WithMetricsHandler(b.metricsHandler),
	)

	return &http.Server{
		Addr:         b.address,
		Handler:      router,
		ReadTimeout:  b.readTimeout,
		WriteTimeout: b.writeTimeout,
		IdleTimeout:  b.idleTimeout,
	}, nil
}
