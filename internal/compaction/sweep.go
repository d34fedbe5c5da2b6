package compaction

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/documents"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/jobs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultSweepBatch       = 100
	defaultSweepConcurrency = 16
)

// SweepConfig describes a Sweeper.
type SweepConfig struct {
	Documents *documents.Service
	Queue     jobs.Queue
	Policy    Policy
	BatchSize int
	// DelayWindow bounds the random delay given to each enqueued job. Zero
	// enqueues every job for immediate delivery.
	DelayWindow time.Duration
	// Concurrency bounds in-flight enqueues within a batch.
	Concurrency int
	Clock       func() time.Time
	// Seed makes delays reproducible. Zero seeds from the clock.
	Seed   uint64
	Logger *zap.Logger
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Batches  []int
	Enqueued int
}

// Sweeper pages through documents due for compaction and enqueues a
// low-priority job for each one. Overlapping sweeps only duplicate jobs,
// which the compactor absorbs.
type Sweeper struct {
	documents   *documents.Service
	queue       jobs.Queue
	policy      Policy
	batchSize   int
	delayWindow time.Duration
	concurrency int
	clock       func() time.Time
	logger      *zap.Logger

	randomMu sync.Mutex
	random   *rand.Rand
}

func NewSweeper(cfg SweepConfig) (*Sweeper, error) {
	if cfg.Documents == nil {
		return nil, errors.New("compaction: documents service is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("compaction: job queue is required")
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultSweepBatch
	}
	window := cfg.DelayWindow
	if window < 0 {
		window = 0
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultSweepConcurrency
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(clock().UnixNano())
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		documents:   cfg.Documents,
		queue:       cfg.Queue,
		policy:      cfg.Policy,
		batchSize:   batchSize,
		delayWindow: window,
		concurrency: concurrency,
		clock:       clock,
		random:      rand.New(rand.NewPCG(seed, seed>>1)),
		logger:      logger,
	}, nil
}

// Run enqueues compaction for every eligible document, one batch at a time.
func (s *Sweeper) Run(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := s.clock()
	cutoff := s.policy.Cutoff(now)
	var cursor documents.DocumentID

	for {
		ids, err := s.documents.ListStale(ctx, documents.StaleQuery{
			UpdatedBefore: cutoff,
			AfterID:       cursor,
			Limit:         s.batchSize,
		})
		if err != nil {
			return report, err
		}
		if len(ids) == 0 {
			break
		}
		if err := s.enqueueBatch(ctx, now, ids); err != nil {
			return report, err
		}
		report.Batches = append(report.Batches, len(ids))
		report.Enqueued += len(ids)
		cursor = ids[len(ids)-1]
		s.logger.Info("compaction sweep batch enqueued",
			zap.Int("batch", len(report.Batches)),
			zap.Int("size", len(ids)),
			zap.Int("enqueued_total", report.Enqueued),
			zap.String("cursor", cursor.String()))
		if len(ids) < s.batchSize {
			break
		}
	}

	s.logger.Info("compaction sweep completed",
		zap.Int("batches", len(report.Batches)),
		zap.Int("enqueued", report.Enqueued))
	return report, nil
}

func (s *Sweeper) enqueueBatch(ctx context.Context, now time.Time, ids []documents.DocumentID) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.concurrency)
	for _, id := range ids {
		request := jobs.Request{
			Name:      jobs.JobCompact,
			Target:    id.String(),
			NotBefore: now.Add(s.delay()),
			Priority:  jobs.PriorityLow,
		}
		group.Go(func() error {
			if err := s.queue.Enqueue(groupCtx, request); err != nil {
				return fmt.Errorf("compaction: enqueue %s: %w", request.Target, err)
			}
			return nil
		})
	}
	return group.Wait()
}

func (s *Sweeper) delay() time.Duration {
	if s.delayWindow <= 0 {
		return 0
	}
	s.randomMu.Lock()
	defer s.randomMu.Unlock()
	return time.Duration(s.random.Int64N(int64(s.delayWindow)))
}
