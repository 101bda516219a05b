package container

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/facebookgo/clock"
	"go.uber.org/zap"

	"github.com/garyjia/doc-approval/internal/application/dispatcher"
	"github.com/garyjia/doc-approval/internal/application/port"
	"github.com/garyjia/doc-approval/internal/application/service"
	"github.com/garyjia/doc-approval/internal/infrastructure/catalog"
	"github.com/garyjia/doc-approval/internal/infrastructure/notification"
	"github.com/garyjia/doc-approval/internal/infrastructure/scheduler"
	"github.com/garyjia/doc-approval/internal/infrastructure/worker"
	"github.com/garyjia/doc-approval/pkg/database"
)

// Container manages all application dependencies and lifecycle.
// Components initialize in dependency order and tear down in reverse.
type Container struct {
	config *Config
	logger *zap.Logger
	clock  clock.Clock

	// Infrastructure - Data
	db           *database.DB
	txManager    port.TransactionManager
	repositories *RepositoryBundle
	catalog      *catalog.Catalog

	// Infrastructure - External
	notifiers []port.Notifier
	redis     *notification.RedisPublisher

	// Application
	dispatcher dispatcher.Dispatcher
	scheduler  *scheduler.Scheduler
	services   *ServiceBundle

	// Workers
	workers *worker.WorkerManager

	// Lifecycle
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
	ready  atomic.Bool
	closed atomic.Bool
}

// RepositoryBundle groups all repositories for convenient access.
type RepositoryBundle struct {
	Request port.RequestRepository
	Chain   port.ChainRepository
	Rule    port.RuleRepository
	Action  port.ActionRepository
	Audit   port.AuditRepository
}

// ServiceBundle groups all application services.
type ServiceBundle struct {
	Approval     service.ApprovalService
	Audit        service.AuditService
	Query        service.QueryService
	Notification service.NotificationService
}

// HealthStatus represents the health of all components.
type HealthStatus struct {
	Overall    bool                       `json:"overall"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth represents health of a single component.
type ComponentHealth struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// Option configures a Container.
type Option func(*Container)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(clk clock.Clock) Option {
	return func(c *Container) {
		c.clock = clk
	}
}

// NewContainer creates a new container from configuration.
// It does not initialize components - call Start() to initialize.
func NewContainer(cfg *Config, logger *zap.Logger, opts ...Option) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &Container{
		config: cfg,
		logger: logger,
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start initializes all components and begins processing.
// Components are initialized in dependency order:
// 1. Storage and repositories
// 2. Approval catalog
// 3. Dispatcher and notification channels
// 4. Audit writer, scheduler and engine
// 5. Workers
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return fmt.Errorf("container has been closed")
	}

	if c.ready.Load() {
		return fmt.Errorf("container already started")
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.logger.Info("Starting container initialization")

	// Step 1: Initialize storage and repositories
	if err := c.initStorage(); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	c.logger.Info("Storage initialized", zap.String("driver", c.config.Storage.Driver))

	// Step 2: Load the approval catalog
	if err := c.initCatalog(); err != nil {
		c.teardown()
		return fmt.Errorf("failed to initialize catalog: %w", err)
	}
	c.logger.Info("Catalog loaded",
		zap.Int("chains", len(c.catalog.Chains)),
		zap.Int("rules", len(c.catalog.Rules)),
		zap.String("default_chain", c.catalog.DefaultChainID))

	// Step 3: Initialize dispatcher and notifiers
	if err := c.initNotifications(); err != nil {
		c.teardown()
		return fmt.Errorf("failed to initialize notifications: %w", err)
	}
	c.logger.Info("Notification channels initialized", zap.Int("count", len(c.notifiers)))

	// Step 4: Initialize application services
	if err := c.initServices(); err != nil {
		c.teardown()
		return fmt.Errorf("failed to initialize services: %w", err)
	}
	c.logger.Info("Application services initialized")

	// Step 5: Initialize and start workers
	if err := c.initWorkers(); err != nil {
		c.teardown()
		return fmt.Errorf("failed to initialize workers: %w", err)
	}
	c.logger.Info("Workers initialized and started")

	c.ready.Store(true)
	c.logger.Info("Container started successfully")

	return nil
}

// Close gracefully shuts down all components in reverse order.
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return fmt.Errorf("container already closed")
	}

	c.logger.Info("Closing container")
	errs := c.teardown()

	c.closed.Store(true)
	c.ready.Store(false)

	if len(errs) > 0 {
		c.logger.Error("Container closed with errors", zap.Int("error_count", len(errs)))
		return fmt.Errorf("container closed with %d errors: %v", len(errs), errs)
	}

	c.logger.Info("Container closed successfully")
	return nil
}

// teardown releases whatever Start managed to build. Timers stop first so
// no handler runs against a stopped audit writer.
func (c *Container) teardown() []error {
	var errs []error

	if c.cancel != nil {
		c.cancel()
	}

	if c.scheduler != nil {
		c.scheduler.Stop()
		c.logger.Info("Scheduler stopped")
		c.scheduler = nil
	}

	if c.workers != nil {
		if err := c.workers.StopAll(); err != nil {
			c.logger.Error("Failed to stop workers", zap.Error(err))
			errs = append(errs, fmt.Errorf("stop workers: %w", err))
		} else {
			c.logger.Info("Workers stopped")
		}
		c.workers = nil
	}

	if c.dispatcher != nil {
		if err := c.dispatcher.Close(); err != nil {
			c.logger.Error("Failed to close dispatcher", zap.Error(err))
			errs = append(errs, fmt.Errorf("close dispatcher: %w", err))
		} else {
			c.logger.Info("Dispatcher closed")
		}
		c.dispatcher = nil
	}

	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			c.logger.Error("Failed to close redis client", zap.Error(err))
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
		c.redis = nil
	}

	if c.db != nil {
		if err := c.db.Close(); err != nil {
			c.logger.Error("Failed to close database", zap.Error(err))
			errs = append(errs, fmt.Errorf("close database: %w", err))
		} else {
			c.logger.Info("Database closed")
		}
		c.db = nil
	}

	return errs
}

// Ready returns true when all components are initialized.
func (c *Container) Ready() bool {
	return c.ready.Load()
}

// Health returns health status of all components.
func (c *Container) Health() *HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := &HealthStatus{
		Overall:    true,
		Components: make(map[string]ComponentHealth),
	}
	set := func(name string, healthy bool, message string) {
		status.Components[name] = ComponentHealth{Healthy: healthy, Message: message}
		if !healthy {
			status.Overall = false
		}
	}

	// Check storage
	switch {
	case c.repositories == nil:
		set("database", false, "not initialized")
	case c.db == nil:
		set("database", true, "in-memory")
	default:
		if err := c.db.Ping(); err != nil {
			set("database", false, fmt.Sprintf("ping failed: %v", err))
		} else {
			set("database", true, "")
		}
	}

	// Check workers
	if c.workers != nil {
		var failed []string
		for name, state := range c.workers.Status() {
			if state != "running" {
				failed = append(failed, name+"="+state)
			}
		}
		msg := fmt.Sprintf("worker count: %d", c.workers.GetWorkerCount())
		if len(failed) > 0 {
			msg += "; " + strings.Join(failed, ", ")
		}
		set("workers", c.workers.IsRunning() && len(failed) == 0, msg)
	} else {
		set("workers", false, "not initialized")
	}

	// Check dispatcher; dropped events degrade notifications, not approvals
	if c.dispatcher != nil {
		st := c.dispatcher.Stats()
		set("dispatcher", !st.Closed, fmt.Sprintf("subscribers: %d, delivered: %d, failed: %d, dropped: %d, queued: %d",
			st.Subscribers, st.Delivered, st.Failed, st.Dropped, st.Queued))
	} else {
		set("dispatcher", false, "not initialized")
	}

	// Check scheduler
	if c.scheduler != nil {
		h := c.scheduler.Health()
		msg := fmt.Sprintf("live timers: %d", h.LiveTimers)
		if h.LastError != "" {
			msg += "; last error: " + h.LastError
		}
		set("scheduler", h.Healthy(), msg)
	} else {
		set("scheduler", false, "not initialized")
	}

	// Check audit chain
	if c.services != nil {
		s := c.services.Audit.Status()
		if s.Halted {
			set("audit", false, "writes halted: "+s.HaltReason)
		} else {
			set("audit", s.Running, fmt.Sprintf("last sequence: %d", s.LastSequence))
		}
	} else {
		set("audit", false, "not initialized")
	}

	return status
}

// HealthCheck reports overall health and the per-component detail.
func (c *Container) HealthCheck() (bool, interface{}) {
	status := c.Health()
	return status.Overall, status.Components
}

// initStorage opens the configured store and its repositories.
func (c *Container) initStorage() error {
	bundle, err := ProvideStorage(c.config, c.logger)
	if err != nil {
		return err
	}

	c.db = bundle.DB
	c.txManager = bundle.TxManager
	c.repositories = bundle.Repos
	return nil
}

// initCatalog loads chains and rules into storage.
func (c *Container) initCatalog() error {
	cat, err := ProvideCatalog(c.ctx, &c.config.Catalog, &StorageBundle{
		DB:        c.db,
		TxManager: c.txManager,
		Repos:     c.repositories,
	}, c.clock, c.logger)
	if err != nil {
		return err
	}

	c.catalog = cat
	return nil
}

// initNotifications builds the dispatcher and the notification channels.
func (c *Container) initNotifications() error {
	bundle, err := ProvideNotifiers(c.ctx, c.config, c.catalog, c.logger)
	if err != nil {
		return err
	}

	c.notifiers = bundle.Notifiers
	c.redis = bundle.Redis
	c.dispatcher = ProvideDispatcher(c.config.Dispatcher, c.logger)
	return nil
}

// initServices builds the audit writer, the scheduler and the engine, and
// subscribes the notification service to the dispatcher.
func (c *Container) initServices() error {
	services, sched, err := ProvideServices(&ServiceDeps{
		Config: c.config,
		Storage: &StorageBundle{
			DB:        c.db,
			TxManager: c.txManager,
			Repos:     c.repositories,
		},
		Catalog:    c.catalog,
		Dispatcher: c.dispatcher,
		Clock:      c.clock,
		Logger:     c.logger,
	})
	if err != nil {
		return err
	}

	services.Notification = service.NewNotificationService(c.notifiers,
		&zapLoggerAdapter{logger: c.logger.Named("notification")})
	services.Notification.Register(c.dispatcher)

	c.services = services
	c.scheduler = sched
	return nil
}

// initWorkers registers and starts the background workers.
func (c *Container) initWorkers() error {
	c.workers = ProvideWorkers(c.services, &c.config.Engine, c.clock, c.logger)

	if err := c.workers.StartAll(c.ctx); err != nil {
		return fmt.Errorf("failed to start workers: %w", err)
	}

	return nil
}

// Getters for accessing container components

// TxManager returns the transaction manager.
func (c *Container) TxManager() port.TransactionManager {
	return c.txManager
}

// Repositories returns all repositories.
func (c *Container) Repositories() *RepositoryBundle {
	return c.repositories
}

// Catalog returns the loaded approval catalog.
func (c *Container) Catalog() *catalog.Catalog {
	return c.catalog
}

// Dispatcher returns the event dispatcher.
func (c *Container) Dispatcher() dispatcher.Dispatcher {
	return c.dispatcher
}

// Scheduler returns the step deadline scheduler.
func (c *Container) Scheduler() *scheduler.Scheduler {
	return c.scheduler
}

// Services returns all application services.
func (c *Container) Services() *ServiceBundle {
	return c.services
}

// Workers returns the worker manager.
func (c *Container) Workers() *worker.WorkerManager {
	return c.workers
}

// Clock returns the clock shared by the engine and the workers.
func (c *Container) Clock() clock.Clock {
	return c.clock
}

// Logger returns the container's logger.
func (c *Container) Logger() *zap.Logger {
	return c.logger
}

// Config returns the container's configuration.
func (c *Container) Config() *Config {
	return c.config
}

// NamedLogger returns a key/value logger for adapters outside the container.
func (c *Container) NamedLogger(name string) service.Logger {
	return &zapLoggerAdapter{logger: c.logger.Named(name)}
}

// zapLoggerAdapter adapts zap.Logger to the service and dispatcher Logger interfaces.
type zapLoggerAdapter struct {
	logger *zap.Logger
}

func (a *zapLoggerAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Info(msg, convertToZapFields(keysAndValues...)...)
}

func (a *zapLoggerAdapter) Error(msg string, keysAndValues ...interface{}) {
	a.logger.Error(msg, convertToZapFields(keysAndValues...)...)
}

// convertToZapFields converts key-value pairs to zap fields.
func convertToZapFields(keysAndValues ...interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		if err, isErr := keysAndValues[i+1].(error); isErr {
			fields = append(fields, zap.NamedError(key, err))
			continue
		}
		fields = append(fields, zap.Any(key, keysAndValues[i+1]))
	}
	return fields
}
