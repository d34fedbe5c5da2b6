package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/metrics"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

var errQueueClosed = errors.New("jobs: queue closed")

const (
	defaultMemoryConcurrency = 4
	defaultInitialBackoff    = 100 * time.Millisecond
	defaultMaxBackoff        = 30 * time.Second
)

// MemoryQueueConfig describes an in-process queue.
type MemoryQueueConfig struct {
	Registry       *Registry
	Clock          func() time.Time
	Concurrency    int
	MaxRetry       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Metrics        *metrics.Collectors
	Logger         *zap.Logger
}

// MemoryQueue runs jobs inside the current process. Requests are lost when
// the process exits, so it suits single-node deployments and tests.
type MemoryQueue struct {
	registry       *Registry
	clock          func() time.Time
	slots          chan struct{}
	maxRetry       int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	metrics        *metrics.Collectors
	logger         *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

func NewMemoryQueue(cfg MemoryQueueConfig) (*MemoryQueue, error) {
	if cfg.Registry == nil {
		return nil, errors.New("jobs: registry is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultMemoryConcurrency
	}
	maxRetry := cfg.MaxRetry
	if maxRetry <= 0 {
		maxRetry = defaultMaxRetry
	}
	initial := cfg.InitialBackoff
	if initial <= 0 {
		initial = defaultInitialBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryQueue{
		registry:       cfg.Registry,
		clock:          clock,
		slots:          make(chan struct{}, concurrency),
		maxRetry:       maxRetry,
		initialBackoff: initial,
		maxBackoff:     maxBackoff,
		metrics:        cfg.Metrics,
		logger:         logger,
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// Enqueue schedules the request. The handler runs no earlier than NotBefore.
func (q *MemoryQueue) Enqueue(_ context.Context, request Request) error {
	if err := request.Validate(); err != nil {
		return err
	}
	handler, err := q.registry.Lookup(request.Name)
	if err != nil {
		return err
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errQueueClosed
	}
	q.wg.Add(1)
	q.mu.Unlock()

	q.metrics.JobEnqueued(request.Name)
	go q.run(request, handler)
	return nil
}

func (q *MemoryQueue) run(request Request, handler Handler) {
	defer q.wg.Done()
	if delay := request.NotBefore.Sub(q.clock()); delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-q.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	select {
	case q.slots <- struct{}{}:
	case <-q.ctx.Done():
		return
	}
	defer func() { <-q.slots }()

	policy := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(q.initialBackoff),
		backoff.WithMaxInterval(q.maxBackoff),
		backoff.WithMaxElapsedTime(0),
	)
	operation := func() error {
		err := handler(q.ctx, request.Target)
		if errors.Is(err, ErrSkipRetry) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		q.metrics.JobFailed(request.Name)
		q.logger.Warn("job failed, retrying",
			zap.String("job", request.Name),
			zap.String("target", request.Target),
			zap.Duration("retry_in", wait),
			zap.Error(err))
	}
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(q.maxRetry)), q.ctx)
	if err := backoff.RetryNotify(operation, retry, notify); err != nil {
		q.metrics.JobFailed(request.Name)
		q.logger.Error("job abandoned",
			zap.String("job", request.Name),
			zap.String("target", request.Target),
			zap.Error(err))
	}
}

// Wait blocks until every job enqueued so far has finished.
func (q *MemoryQueue) Wait() {
	q.wg.Wait()
}

// Close stops pending jobs and waits for running handlers to return.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cancel()
	q.wg.Wait()
	return nil
}
