// Package app builds the process-wide dependency graph from configuration.
// Entrypoints construct one Runtime, hand its parts to the components they
// run and close it on the way out.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/compaction"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/config"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/database"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/documents"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/fanout"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/jobs"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/lease"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/metrics"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	redisPingTimeout      = 5 * time.Second
	workerShutdownTimeout = 30 * time.Second
)

var errNoAsynqWorker = errors.New("app: the asynq worker needs queue.driver=asynq")

// Runtime holds every long-lived dependency of a process.
type Runtime struct {
	Config    config.AppConfig
	Logger    *zap.Logger
	Registry  *prometheus.Registry
	Metrics   *metrics.Collectors
	Database  *gorm.DB
	Documents *documents.Service
	Bus       fanout.Bus
	Leases    lease.Manager
	Jobs      *jobs.Registry
	Queue     jobs.Queue
	Compactor *compaction.Compactor
	Sweeper   *compaction.Sweeper
	Sessions  *session.Coordinator

	redisClients []redis.UniversalClient
	memoryQueue  *jobs.MemoryQueue
}

// New connects to the configured backends and wires the components. On
// failure everything opened so far is closed again.
func New(ctx context.Context, cfg config.AppConfig, logger *zap.Logger) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	runtime := &Runtime{Config: cfg, Logger: logger}
	if err := runtime.build(ctx); err != nil {
		if closeErr := runtime.Close(); closeErr != nil {
			logger.Warn("partial runtime close failed", zap.Error(closeErr))
		}
		return nil, err
	}
	return runtime, nil
}

func (r *Runtime) build(ctx context.Context) error {
	cfg := r.Config
	logger := r.Logger
	var err error

	r.Registry = prometheus.NewRegistry()
	r.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.Metrics = metrics.New(r.Registry)

	if cfg.NeedsRedis() {
		if err = r.connectRedis(ctx); err != nil {
			return err
		}
	}

	r.Database, err = database.Open(database.Config{Driver: cfg.DatabaseDriver, DSN: cfg.DatabaseDSN}, logger)
	if err != nil {
		return fmt.Errorf("app: open database: %w", err)
	}
	r.Documents, err = documents.NewService(documents.ServiceConfig{
		Database:     r.Database,
		IDProvider:   documents.NewUUIDProvider(),
		ReadPageSize: cfg.CompactionReadBatch,
		Logger:       logger.Named("documents"),
	})
	if err != nil {
		return err
	}

	if r.Bus, err = r.buildBus(); err != nil {
		return err
	}
	if r.Leases, err = r.buildLeases(); err != nil {
		return err
	}

	r.Compactor, err = compaction.NewCompactor(compaction.Config{
		Documents: r.Documents,
		Leases:    r.Leases,
		Bus:       r.Bus,
		LeaseTTL:  cfg.CompactionLeaseTTL,
		ReadBatch: cfg.CompactionReadBatch,
		TrimLog:   cfg.CompactionTrimLog,
		Metrics:   r.Metrics,
		Logger:    logger.Named("compaction"),
	})
	if err != nil {
		return err
	}
	r.Jobs = jobs.NewRegistry()
	r.Jobs.Handle(jobs.JobCompact, r.Compactor.Handle)

	if r.Queue, err = r.buildQueue(); err != nil {
		return err
	}

	r.Sweeper, err = compaction.NewSweeper(compaction.SweepConfig{
		Documents:   r.Documents,
		Queue:       r.Queue,
		Policy:      compaction.Policy{Threshold: cfg.CompactionThreshold},
		BatchSize:   cfg.SweepBatchSize,
		DelayWindow: cfg.SweepDelayWindow,
		Logger:      logger.Named("sweep"),
	})
	if err != nil {
		return err
	}

	r.Sessions, err = session.NewCoordinator(session.Config{
		Documents:         r.Documents,
		Bus:               r.Bus,
		HeartbeatInterval: cfg.SessionHeartbeatInterval,
		PresenceTimeout:   cfg.SessionPresenceTimeout,
		Metrics:           r.Metrics,
		Logger:            logger.Named("session"),
	})
	if err != nil {
		return err
	}
	return nil
}

func (r *Runtime) connectRedis(ctx context.Context) error {
	for _, address := range r.Config.RedisAddresses {
		client := redis.NewClient(&redis.Options{Addr: address})
		r.redisClients = append(r.redisClients, client)
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			// A lease quorum survives a minority of unreachable servers.
			r.Logger.Warn("redis unreachable at startup", zap.String("address", address), zap.Error(err))
		}
	}
	if len(r.redisClients) == 0 {
		return errors.New("app: no redis addresses configured")
	}
	return nil
}

// primaryRedis backs the bus and the job queue.
func (r *Runtime) primaryRedis() redis.UniversalClient {
	return r.redisClients[0]
}

func (r *Runtime) buildBus() (fanout.Bus, error) {
	if r.Config.BusDriver != config.DriverRedis {
		return fanout.NewLocalBus(), nil
	}
	return fanout.NewRedisBus(fanout.RedisBusConfig{
		Client: r.primaryRedis(),
		Logger: r.Logger.Named("fanout"),
	})
}

func (r *Runtime) buildLeases() (lease.Manager, error) {
	if r.Config.LockDriver != config.DriverRedis {
		return lease.NewLocalManager(nil), nil
	}
	return lease.NewRedlockManager(lease.RedlockConfig{
		Clients: r.redisClients,
		Logger:  r.Logger.Named("lease"),
	})
}

func (r *Runtime) buildQueue() (jobs.Queue, error) {
	if r.Config.QueueDriver == config.DriverAsynq {
		return jobs.NewAsynqQueue(jobs.AsynqQueueConfig{
			Client:  r.primaryRedis(),
			Metrics: r.Metrics,
			Logger:  r.Logger.Named("jobs"),
		})
	}
	queue, err := jobs.NewMemoryQueue(jobs.MemoryQueueConfig{
		Registry:    r.Jobs,
		Concurrency: r.Config.WorkerConcurrency,
		Metrics:     r.Metrics,
		Logger:      r.Logger.Named("jobs"),
	})
	if err != nil {
		return nil, err
	}
	r.memoryQueue = queue
	return queue, nil
}

// AsynqWorker builds the consumer for jobs enqueued through asynq.
func (r *Runtime) AsynqWorker() (*jobs.AsynqWorker, error) {
	if r.Config.QueueDriver != config.DriverAsynq {
		return nil, errNoAsynqWorker
	}
	return jobs.NewAsynqWorker(jobs.AsynqWorkerConfig{
		Client:          r.primaryRedis(),
		Registry:        r.Jobs,
		Concurrency:     r.Config.WorkerConcurrency,
		ShutdownTimeout: workerShutdownTimeout,
		Metrics:         r.Metrics,
		Logger:          r.Logger.Named("worker"),
	})
}

// InProcessJobs reports whether enqueued jobs run inside this process.
func (r *Runtime) InProcessJobs() bool {
	return r.memoryQueue != nil
}

// WaitForJobs blocks until in-process jobs, including their retries, have
// finished. It returns at once when jobs run elsewhere.
func (r *Runtime) WaitForJobs() {
	if r.memoryQueue != nil {
		r.memoryQueue.Wait()
	}
}

// Close releases every backend connection. It is safe on a partly built
// Runtime.
func (r *Runtime) Close() error {
	var errs []error
	if r.memoryQueue != nil {
		errs = append(errs, r.memoryQueue.Close())
	}
	for _, client := range r.redisClients {
		errs = append(errs, client.Close())
	}
	if r.Database != nil {
		sqlDB, err := r.Database.DB()
		if err == nil {
			err = sqlDB.Close()
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
