package container

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/facebookgo/clock"
	"go.uber.org/zap"

	"github.com/garyjia/doc-approval/internal/application/dispatcher"
	"github.com/garyjia/doc-approval/internal/application/port"
	"github.com/garyjia/doc-approval/internal/application/service"
	"github.com/garyjia/doc-approval/internal/infrastructure/catalog"
	"github.com/garyjia/doc-approval/internal/infrastructure/export/excel"
	infraLark "github.com/garyjia/doc-approval/internal/infrastructure/external/lark"
	"github.com/garyjia/doc-approval/internal/infrastructure/notification"
	"github.com/garyjia/doc-approval/internal/infrastructure/persistence/memory"
	"github.com/garyjia/doc-approval/internal/infrastructure/persistence/repository"
	"github.com/garyjia/doc-approval/internal/infrastructure/persistence/sqlite"
	"github.com/garyjia/doc-approval/internal/infrastructure/scheduler"
	"github.com/garyjia/doc-approval/internal/infrastructure/worker"
	"github.com/garyjia/doc-approval/migrations"
	"github.com/garyjia/doc-approval/pkg/database"
)

// StorageBundle holds the repositories and their transaction manager.
type StorageBundle struct {
	DB        *database.DB
	TxManager port.TransactionManager
	Repos     *RepositoryBundle
}

// NotifierBundle holds the configured notification channels.
type NotifierBundle struct {
	Notifiers []port.Notifier
	Redis     *notification.RedisPublisher
}

// ProvideStorage opens the configured store. The sqlite driver applies
// migrations before returning, from MigrationsDir when set and from the
// embedded files otherwise.
func ProvideStorage(cfg *Config, logger *zap.Logger) (*StorageBundle, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	if cfg.Storage.Driver == "memory" {
		store := memory.NewStore()
		logger.Info("Using in-memory storage")
		return &StorageBundle{
			TxManager: store,
			Repos: &RepositoryBundle{
				Request: store.Requests(),
				Chain:   store.Chains(),
				Rule:    store.Rules(),
				Action:  store.Actions(),
				Audit:   store.Audit(),
			},
		}, nil
	}

	db, err := database.New(database.Config{
		Path:            cfg.Database.Path,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, logger)
	if err != nil {
		return nil, err
	}

	migrator := database.NewMigrator(db, logger)
	if cfg.Database.MigrationsDir != "" {
		err = migrator.RunMigrations(cfg.Database.MigrationsDir)
	} else {
		err = migrator.RunMigrationsFS(migrations.FS, ".")
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &StorageBundle{
		DB:        db,
		TxManager: sqlite.NewDB(db.DB, logger),
		Repos: &RepositoryBundle{
			Request: repository.NewRequestRepository(db.DB, logger),
			Chain:   repository.NewChainRepository(db.DB, logger),
			Rule:    repository.NewRuleRepository(db.DB, logger),
			Action:  repository.NewActionRepository(db.DB, logger),
			Audit:   repository.NewAuditRepository(db.DB, logger),
		},
	}, nil
}

// ProvideCatalog loads the catalog file and applies it to the repositories.
// A missing file yields an empty catalog so a fresh deployment still starts.
func ProvideCatalog(ctx context.Context, cfg *CatalogConfig, storage *StorageBundle, clk clock.Clock, logger *zap.Logger) (*catalog.Catalog, error) {
	if cfg.Path == "" {
		return &catalog.Catalog{DefaultChainID: cfg.DefaultChainID}, nil
	}

	cat, err := catalog.Load(cfg.Path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn("Approval catalog not found, starting without chains", zap.String("path", cfg.Path))
		return &catalog.Catalog{DefaultChainID: cfg.DefaultChainID}, nil
	}
	if err != nil {
		return nil, err
	}

	loader := catalog.NewLoader(storage.Repos.Chain, storage.Repos.Rule, storage.TxManager, clk, logger)
	if _, err := loader.Apply(ctx, cat); err != nil {
		return nil, fmt.Errorf("failed to apply catalog: %w", err)
	}

	if cfg.DefaultChainID != "" {
		cat.DefaultChainID = cfg.DefaultChainID
	}
	return cat, nil
}

// ProvideNotifiers builds the notification channels. The log notifier is
// always present; Lark and Redis are added when enabled.
func ProvideNotifiers(ctx context.Context, cfg *Config, cat *catalog.Catalog, logger *zap.Logger) (*NotifierBundle, error) {
	bundle := &NotifierBundle{
		Notifiers: []port.Notifier{notification.NewLogNotifier(logger)},
	}

	if cfg.Lark.Enabled {
		sdk := infraLark.NewSDKClient(infraLark.Config{
			AppID:         cfg.Lark.AppID,
			AppSecret:     cfg.Lark.AppSecret,
			ReceiveIDType: cfg.Lark.ReceiveIDType,
		}, logger)
		messenger := infraLark.NewMessenger(sdk, logger)
		bundle.Notifiers = append(bundle.Notifiers, infraLark.NewNotifier(messenger, cat.LarkIDs, logger))
	}

	if cfg.Redis.Enabled {
		publisher, err := notification.NewRedisPublisher(ctx, notification.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			return nil, err
		}
		bundle.Redis = publisher
		bundle.Notifiers = append(bundle.Notifiers, notification.NewBrokerNotifier(publisher, cfg.Redis.ChannelPrefix, logger))
	}

	return bundle, nil
}

// ProvideDispatcher creates the event dispatcher.
func ProvideDispatcher(cfg DispatcherConfig, logger *zap.Logger) dispatcher.Dispatcher {
	return dispatcher.NewDispatcher(
		dispatcher.WithQueueSize(cfg.QueueSize),
		dispatcher.WithLogger(&zapLoggerAdapter{logger: logger.Named("dispatcher")}),
	)
}

// ServiceDeps holds dependencies required for creating services.
type ServiceDeps struct {
	Config     *Config
	Storage    *StorageBundle
	Catalog    *catalog.Catalog
	Dispatcher dispatcher.Dispatcher
	Clock      clock.Clock
	Logger     *zap.Logger
}

// ProvideServices creates the audit writer, the scheduler and the engine.
// The scheduler calls back into the engine, so the handler closes over it.
func ProvideServices(deps *ServiceDeps) (*ServiceBundle, *scheduler.Scheduler, error) {
	if deps == nil || deps.Storage == nil || deps.Dispatcher == nil {
		return nil, nil, fmt.Errorf("service dependencies are required")
	}
	serviceLogger := &zapLoggerAdapter{logger: deps.Logger.Named("service")}
	repos := deps.Storage.Repos

	auditService := service.NewAuditService(
		repos.Audit,
		deps.Storage.TxManager,
		excel.NewAuditExporter(deps.Logger),
		deps.Clock,
		deps.Config.Audit.QueueSize,
		serviceLogger,
	)

	var approvals service.ApprovalService
	sched := scheduler.New(deps.Clock, func(ctx context.Context, task port.TimerTask) error {
		return approvals.HandleTimer(ctx, task)
	}, scheduler.Config{
		RetryBackoff: deps.Config.Engine.RetryBackoff,
		MaxRetries:   deps.Config.Engine.MaxRetries,
	}, deps.Logger.Named("scheduler"))

	approvals = service.NewApprovalService(
		repos.Request,
		repos.Chain,
		repos.Rule,
		repos.Action,
		auditService,
		sched,
		catalog.NewStaticDirectory(deps.Catalog.Weights),
		deps.Dispatcher,
		deps.Clock,
		service.EngineConfig{
			DefaultChainID: deps.Catalog.DefaultChainID,
			DayLength:      deps.Config.Engine.DayLength,
		},
		serviceLogger,
	)

	return &ServiceBundle{
		Approval: approvals,
		Audit:    auditService,
		Query:    service.NewQueryService(approvals, repos.Request, repos.Action, serviceLogger),
	}, sched, nil
}

// ProvideWorkers registers the audit writer and then the deadline sweeper.
// The manager stops them in reverse, so the sweeper stops first.
func ProvideWorkers(services *ServiceBundle, cfg *EngineConfig, clk clock.Clock, logger *zap.Logger) *worker.WorkerManager {
	manager := worker.NewWorkerManager(logger)
	manager.Register(services.Audit)
	manager.Register(worker.NewDeadlineWorker(worker.DeadlineWorkerConfig{
		SweepInterval: cfg.SweepInterval,
		SweepTimeout:  cfg.SweepTimeout,
	}, services.Approval, clk, logger.Named("deadline")))
	return manager
}
