package conductor

import (
	"context"

	"go.uber.org/zap"
)

type (
	// App wires the registry, cache, hub, and dispatcher together over a
	// set of backends. Entity types without a dedicated backend use the
	// fallback, an in-memory backend by default
	App struct {
		config     *Config
		log        *zap.Logger
		registry   *Registry
		cache      *entityCache
		hub        *EventHub
		dispatcher *Dispatcher
		metrics    *Metrics
		backends   map[string]Backend
		fallback   Backend
		ctx        context.Context
		cancel     context.CancelFunc
	}

	// Option configures an App at construction
	Option func(*App)
)

// WithLogger replaces the App's no-op logger
func WithLogger(log *zap.Logger) Option {
	return func(a *App) {
		a.log = log
	}
}

// WithBackend replaces the fallback backend
func WithBackend(b Backend) Option {
	return func(a *App) {
		a.fallback = b
	}
}

// WithEntityBackend routes one entity type to a dedicated backend
func WithEntityBackend(entityType string, b Backend) Option {
	return func(a *App) {
		a.backends[entityType] = b
	}
}

// WithMetrics attaches Prometheus collectors to the dispatcher and hub
func WithMetrics(m *Metrics) Option {
	return func(a *App) {
		a.metrics = m
	}
}

// New creates an App from the config. A nil config uses the defaults
func New(cfg *Config, opts ...Option) *App {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		config:   cfg,
		log:      zap.NewNop(),
		registry: NewRegistry(),
		backends: map[string]Backend{},
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(app)
	}

	if app.fallback == nil {
		app.fallback = NewMemoryBackend(app.registry)
	}
	app.cache = newEntityCache(cfg.CacheSize, cfg.CacheTTL)
	app.hub = NewEventHub(cfg.PublishLimit, app.log)
	app.hub.metrics = app.metrics
	app.dispatcher = &Dispatcher{
		registry:      app.registry,
		cache:         app.cache,
		hub:           app.hub,
		resolver:      app.Backend,
		log:           app.log,
		metrics:       app.metrics,
		maxParamBytes: cfg.MaxParamBytes,
		requireUser:   cfg.RequireUserContext,
	}
	if app.dispatcher.maxParamBytes <= 0 {
		app.dispatcher.maxParamBytes = DefaultMaxParamBytes
	}
	return app
}

// Registry exposes entity and command registration
func (a *App) Registry() *Registry {
	return a.registry
}

// Hub exposes the event hub for subscriptions and ad hoc publishes
func (a *App) Hub() *EventHub {
	return a.hub
}

// Dispatcher exposes the command pipeline
func (a *App) Dispatcher() *Dispatcher {
	return a.dispatcher
}

// Backend resolves the backend responsible for an entity type
func (a *App) Backend(entityType string) Backend {
	if b, ok := a.backends[entityType]; ok {
		return b
	}
	return a.fallback
}

// UnitOfWork creates a transaction scope outside the dispatcher, for
// callers composing their own mutations
func (a *App) UnitOfWork() *UnitOfWork {
	return NewUnitOfWork(a.Backend, a.hub, a.log)
}

// Context returns the App's lifetime context, cancelled by Close
func (a *App) Context() context.Context {
	return a.ctx
}

// Close cancels the App's context and drains the hub, bounded by the
// configured shutdown timeout
func (a *App) Close() error {
	a.cancel()

	timeout := a.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return a.hub.Shutdown(ctx)
}
