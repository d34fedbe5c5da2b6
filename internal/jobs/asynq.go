package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/metrics"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

const defaultMaxRetry = 10

type taskPayload struct {
	Target string `msgpack:"target"`
}

func encodePayload(target string) ([]byte, error) {
	return msgpack.Marshal(taskPayload{Target: target})
}

func decodePayload(payload []byte) (string, error) {
	var decoded taskPayload
	if err := msgpack.Unmarshal(payload, &decoded); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if decoded.Target == "" {
		return "", fmt.Errorf("%w: empty target", ErrInvalidRequest)
	}
	return decoded.Target, nil
}

// AsynqQueueConfig describes an asynq-backed queue.
type AsynqQueueConfig struct {
	Client   redis.UniversalClient
	MaxRetry int
	Metrics  *metrics.Collectors
	Logger   *zap.Logger
}

// AsynqQueue enqueues requests as asynq tasks. The caller owns Client.
type AsynqQueue struct {
	client   *asynq.Client
	maxRetry int
	metrics  *metrics.Collectors
	logger   *zap.Logger
}

func NewAsynqQueue(cfg AsynqQueueConfig) (*AsynqQueue, error) {
	if cfg.Client == nil {
		return nil, errors.New("jobs: redis client is required")
	}
	maxRetry := cfg.MaxRetry
	if maxRetry <= 0 {
		maxRetry = defaultMaxRetry
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AsynqQueue{
		client:   asynq.NewClientFromRedisClient(cfg.Client),
		maxRetry: maxRetry,
		metrics:  cfg.Metrics,
		logger:   logger,
	}, nil
}

// Enqueue routes the request to the queue matching its priority.
func (q *AsynqQueue) Enqueue(ctx context.Context, request Request) error {
	if err := request.Validate(); err != nil {
		return err
	}
	payload, err := encodePayload(request.Target)
	if err != nil {
		return fmt.Errorf("jobs: encode %s payload: %w", request.Name, err)
	}
	options := []asynq.Option{
		asynq.Queue(request.Priority.Queue()),
		asynq.MaxRetry(q.maxRetry),
	}
	if !request.NotBefore.IsZero() {
		options = append(options, asynq.ProcessAt(request.NotBefore))
	}
	info, err := q.client.EnqueueContext(ctx, asynq.NewTask(request.Name, payload), options...)
	if err != nil {
		q.logger.Error("job enqueue failed",
			zap.String("job", request.Name),
			zap.String("target", request.Target),
			zap.Error(err))
		return fmt.Errorf("jobs: enqueue %s for %s: %w", request.Name, request.Target, err)
	}
	q.metrics.JobEnqueued(request.Name)
	q.logger.Debug("job enqueued",
		zap.String("job", request.Name),
		zap.String("target", request.Target),
		zap.String("task_id", info.ID),
		zap.String("queue", info.Queue),
		zap.Time("process_at", info.NextProcessAt))
	return nil
}

// AsynqWorkerConfig describes an asynq worker process.
type AsynqWorkerConfig struct {
	Client          redis.UniversalClient
	Registry        *Registry
	Concurrency     int
	ShutdownTimeout time.Duration
	Metrics         *metrics.Collectors
	Logger          *zap.Logger
}

// AsynqWorker consumes tasks and dispatches them by job name.
type AsynqWorker struct {
	server  *asynq.Server
	mux     *asynq.ServeMux
	metrics *metrics.Collectors
	logger  *zap.Logger
}

func NewAsynqWorker(cfg AsynqWorkerConfig) (*AsynqWorker, error) {
	if cfg.Client == nil {
		return nil, errors.New("jobs: redis client is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("jobs: registry is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	worker := &AsynqWorker{mux: asynq.NewServeMux(), metrics: cfg.Metrics, logger: logger}
	for _, name := range cfg.Registry.Names() {
		handler, _ := cfg.Registry.Lookup(name)
		worker.mux.HandleFunc(name, taskHandler(handler))
	}
	worker.server = asynq.NewServerFromRedisClient(cfg.Client, asynq.Config{
		Concurrency:     cfg.Concurrency,
		Queues:          QueueWeights(),
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          logger.Sugar(),
		LogLevel:        asynq.WarnLevel,
		ErrorHandler:    asynq.ErrorHandlerFunc(worker.reportFailure),
	})
	return worker, nil
}

// Run processes tasks until ctx is cancelled, then drains in-flight work.
func (w *AsynqWorker) Run(ctx context.Context) error {
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("jobs: start worker: %w", err)
	}
	w.logger.Info("job worker started")
	<-ctx.Done()
	w.server.Shutdown()
	w.logger.Info("job worker stopped")
	return nil
}

func (w *AsynqWorker) reportFailure(ctx context.Context, task *asynq.Task, err error) {
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	taskID, _ := asynq.GetTaskID(ctx)
	w.metrics.JobFailed(task.Type())
	w.logger.Error("job failed",
		zap.String("job", task.Type()),
		zap.String("task_id", taskID),
		zap.Int("retried", retried),
		zap.Int("max_retry", maxRetry),
		zap.Error(err))
}

func taskHandler(handler Handler) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		target, err := decodePayload(task.Payload())
		if err != nil {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		if err := handler(ctx, target); err != nil {
			if errors.Is(err, ErrSkipRetry) {
				return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
			}
			return err
		}
		return nil
	}
}
