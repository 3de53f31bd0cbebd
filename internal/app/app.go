// Package app wires the executor fleet: status store, lock and broker
// backends, executors, the monitor and the query lifecycle service.
package app

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gomodule/redigo/redis"

	"queryfleet/internal/config"
	"queryfleet/internal/db/repository"
	"queryfleet/internal/domain"
	"queryfleet/internal/lock"
	"queryfleet/internal/messaging"
	"queryfleet/internal/querylogic"
	"queryfleet/internal/service/executor"
	"queryfleet/internal/service/monitor"
	"queryfleet/internal/service/query"
)

// Deps holds the external dependencies that main() must provide.
type Deps struct {
	Cfg     *config.Config
	WriteDB *sql.DB
	ReadDB  *sql.DB
	// LogicDB is the engine SQL query logics run against.
	LogicDB *sql.DB
	Logger  *slog.Logger
	// Logics overrides the default logic registry when set.
	Logics domain.QueryLogicFactory
}

// App holds the fully wired components of one executor process.
type App struct {
	Store     *repository.StatusStore
	Locker    lock.Locker
	Results   *messaging.Manager
	Notifier  *messaging.Notifier
	Executor  *executor.Executor
	Service   *executor.Service
	Monitor   *monitor.Monitor
	Scheduler *monitor.Scheduler
	Queries   *query.QueryService

	redis *redis.Pool
}

// New wires all components from the provided deps.
func New(deps Deps) (*App, error) {
	cfg := deps.Cfg
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{Store: repository.NewStatusStore(deps.WriteDB, deps.ReadDB)}
	if cfg.LockBackend == config.BackendRedis || cfg.BrokerBackend == config.BackendRedis {
		a.redis = lock.NewRedisPool(cfg.RedisAddr)
	}

	switch cfg.LockBackend {
	case config.BackendMemory:
		a.Locker = lock.NewMemoryLocker()
	case config.BackendSQLite:
		a.Locker = lock.NewSQLiteLocker(deps.WriteDB)
	case config.BackendRedis:
		a.Locker = lock.NewRedisLocker(a.redis)
	default:
		return nil, fmt.Errorf("unknown lock backend %q", cfg.LockBackend)
	}

	var broker messaging.Broker
	switch cfg.BrokerBackend {
	case config.BackendMemory:
		broker = messaging.NewMemoryBroker(0)
	case config.BackendRedis:
		broker = messaging.NewRedisBroker(a.redis, 0)
	default:
		return nil, fmt.Errorf("unknown broker backend %q", cfg.BrokerBackend)
	}

	var claimCheck domain.ClaimCheck
	if cfg.ClaimCheck.Enabled() {
		cc, err := messaging.NewS3ClaimCheck(cfg.ClaimCheck)
		if err != nil {
			return nil, fmt.Errorf("claim check: %w", err)
		}
		claimCheck = cc
		logger.Info("claim check enabled", "bucket", cfg.ClaimCheck.Bucket)
	}
	a.Results = messaging.NewManager(broker, claimCheck, cfg.MaxMessageSize, logger.With("component", "results"))
	a.Notifier = messaging.NewNotifier(broker)

	logics := deps.Logics
	if logics == nil {
		reg := querylogic.NewRegistry()
		if err := querylogic.Register(reg); err != nil {
			return nil, fmt.Errorf("register query logics: %w", err)
		}
		logics = reg
	}

	a.Executor = executor.New(executor.ConfigFrom(cfg), executor.Deps{
		Store:       a.Store,
		Locker:      a.Locker,
		Logics:      logics,
		Connections: &querylogic.DBConnectionFactory{DB: deps.LogicDB},
		Results:     a.Results,
		Notifier:    a.Notifier,
	}, logger.With("component", "executor"))

	var opts []executor.ServiceOption
	if a.redis != nil && cfg.ClusterWorkers > 0 {
		sem := lock.NewRedisSemaphore(a.redis, "pool-"+cfg.ExecutorPool, int64(cfg.ClusterWorkers), cfg.LockLease)
		opts = append(opts, executor.WithClusterSemaphore(sem, sem.Lease()/3))
	}
	a.Service = executor.NewService(a.Executor, a.Notifier, cfg.ExecutorPool, cfg.ExecutorWorkers,
		logger.With("component", "executor-service", "pool", cfg.ExecutorPool), opts...)

	a.Monitor = monitor.New(monitor.ConfigFrom(cfg), a.Store, a.Locker, a.Results, a.Notifier,
		logger.With("component", "monitor"))
	a.Scheduler = monitor.NewScheduler(a.Monitor, cfg.MonitorInterval, logger.With("component", "monitor-scheduler"))

	a.Queries = query.NewQueryService(query.ConfigFrom(cfg), a.Store, a.Locker, a.Results, a.Notifier,
		logger.With("component", "query"))
	a.Queries.SetCanceller(a.Executor)
	return a, nil
}

// Close releases the backend connections owned by the app. The databases in
// Deps belong to the caller.
func (a *App) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	return errors.Join(errs...)
}
