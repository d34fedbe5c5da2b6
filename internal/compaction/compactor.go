// Package compaction folds document update logs into snapshots and decides
// which documents need it.
package compaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/documents"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/fanout"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/jobs"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/lease"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/metrics"
	"go.uber.org/zap"
)

const (
	defaultLeaseTTL  = time.Minute
	defaultReadBatch = 500
)

// Config describes the dependencies of a Compactor.
type Config struct {
	Documents *documents.Service
	Leases    lease.Manager
	// Bus receives site notifications after a snapshot is written. Optional.
	Bus      fanout.Bus
	LeaseTTL time.Duration
	// ReadBatch is the number of log records folded between lease extensions.
	ReadBatch int
	TrimLog   bool
	Clock     func() time.Time
	Metrics   *metrics.Collectors
	Logger    *zap.Logger
}

// Result describes one compactor run.
type Result struct {
	DocumentID       documents.DocumentID
	Outcome          string
	Folded           int
	Skipped          int
	CompactedThrough int64
	Trimmed          int64
	// HistoryID is the history entry recorded for a state change, if any.
	HistoryID int64
}

// Compactor folds update log tails into snapshots. Runs for the same
// document are serialized by a compaction lease.
type Compactor struct {
	documents *documents.Service
	leases    lease.Manager
	bus       fanout.Bus
	leaseTTL  time.Duration
	readBatch int
	trimLog   bool
	clock     func() time.Time
	metrics   *metrics.Collectors
	logger    *zap.Logger
}

func NewCompactor(cfg Config) (*Compactor, error) {
	if cfg.Documents == nil {
		return nil, errors.New("compaction: documents service is required")
	}
	if cfg.Leases == nil {
		return nil, errors.New("compaction: lease manager is required")
	}
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	batch := cfg.ReadBatch
	if batch <= 0 {
		batch = defaultReadBatch
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compactor{
		documents: cfg.Documents,
		leases:    cfg.Leases,
		bus:       cfg.Bus,
		leaseTTL:  ttl,
		readBatch: batch,
		trimLog:   cfg.TrimLog,
		clock:     clock,
		metrics:   cfg.Metrics,
		logger:    logger,
	}, nil
}

// Compact folds every record after the current snapshot into a new one.
// A run that finds the lease taken reports OutcomeSkipped without error.
func (c *Compactor) Compact(ctx context.Context, documentID documents.DocumentID) (Result, error) {
	started := c.clock()
	result := Result{DocumentID: documentID}

	held, err := c.leases.Acquire(ctx, lease.CompactionKey(documentID.String()), c.leaseTTL)
	if errors.Is(err, lease.ErrLockHeld) {
		result.Outcome = metrics.OutcomeSkipped
		c.metrics.CompactionFinished(result.Outcome, 0, 0)
		c.logger.Debug("compaction skipped, lease held elsewhere", zap.String("document_id", documentID.String()))
		return result, nil
	}
	if err != nil {
		result.Outcome = metrics.OutcomeFailed
		c.metrics.CompactionFinished(result.Outcome, 0, 0)
		return result, fmt.Errorf("compaction: acquire lease for %s: %w", documentID, err)
	}

	result, err = c.compactHeld(ctx, documentID, held)
	c.metrics.CompactionFinished(result.Outcome, result.Folded, c.clock().Sub(started))
	return result, err
}

func (c *Compactor) compactHeld(ctx context.Context, documentID documents.DocumentID, held lease.Lease) (result Result, err error) {
	result = Result{DocumentID: documentID, Outcome: metrics.OutcomeFailed}
	defer func() {
		if releaseErr := c.leases.Release(context.WithoutCancel(ctx), held); releaseErr != nil {
			c.logger.Warn("compaction lease lost before release",
				zap.String("document_id", documentID.String()),
				zap.Error(releaseErr))
		}
	}()

	document, err := c.documents.GetDocument(ctx, documentID)
	if err != nil {
		return result, err
	}
	if document.Deleted() {
		result.Outcome = metrics.OutcomeNoop
		return result, nil
	}

	replica := crdt.New()
	var through int64
	snapshot, found, err := c.documents.GetSnapshot(ctx, documentID)
	if err != nil {
		return result, err
	}
	if found {
		if replica, err = crdt.Load(snapshot.State); err != nil {
			return result, fmt.Errorf("compaction: load snapshot for %s: %w", documentID, err)
		}
		through = snapshot.CompactedThrough
	}
	result.CompactedThrough = through

	last := through
	read := 0
	var contributors []documents.UserID
	for record, readErr := range c.documents.ReadFrom(ctx, documentID, through+1) {
		if readErr != nil {
			return result, readErr
		}
		last = record.Sequence
		read++
		if record.Kind.Persistent() {
			if _, applyErr := replica.ApplyEncoded(record.Payload); applyErr != nil {
				c.logger.Warn("compaction skipped undecodable record",
					zap.String("document_id", documentID.String()),
					zap.Int64("sequence", record.Sequence),
					zap.Error(applyErr))
				result.Skipped++
			} else {
				result.Folded++
				contributors = append(contributors, record.AuthorID)
			}
		} else {
			result.Skipped++
		}
		if read%c.readBatch == 0 {
			if held, err = c.extend(ctx, held, documentID); err != nil {
				return result, err
			}
		}
	}
	if last == through {
		result.Outcome = metrics.OutcomeNoop
		return result, nil
	}

	// Confirm ownership right before the write.
	if held, err = c.extend(ctx, held, documentID); err != nil {
		return result, err
	}

	state, err := replica.Encode()
	if err != nil {
		return result, fmt.Errorf("compaction: encode state for %s: %w", documentID, err)
	}
	put, err := c.documents.PutSnapshot(ctx, documents.SnapshotWrite{
		DocumentID:       documentID,
		State:            state,
		CompactedThrough: last,
		CharacterCount:   int64(replica.CharacterCount()),
		Contributors:     contributors,
	})
	if err != nil {
		return result, err
	}
	result.CompactedThrough = put.Snapshot.CompactedThrough
	if !put.Written {
		result.Outcome = metrics.OutcomeNoop
		return result, nil
	}
	result.Outcome = metrics.OutcomeCompacted
	result.HistoryID = put.HistoryID

	if c.trimLog {
		trimmed, trimErr := c.documents.TrimThrough(ctx, documentID, last)
		if trimErr != nil {
			c.logger.Warn("compaction log trim failed",
				zap.String("document_id", documentID.String()),
				zap.Error(trimErr))
		}
		result.Trimmed = trimmed
	}

	c.notify(ctx, document, int64(replica.CharacterCount()), int64(len(state)))
	c.logger.Info("document compacted",
		zap.String("document_id", documentID.String()),
		zap.Int64("compacted_through", last),
		zap.Int("folded", result.Folded),
		zap.Int("skipped", result.Skipped))
	return result, nil
}

func (c *Compactor) extend(ctx context.Context, held lease.Lease, documentID documents.DocumentID) (lease.Lease, error) {
	extended, err := c.leases.Extend(ctx, held, c.leaseTTL)
	if err != nil {
		c.logger.Warn("compaction aborted, lease lost",
			zap.String("document_id", documentID.String()),
			zap.Error(err))
		return held, fmt.Errorf("compaction: %s: %w", documentID, err)
	}
	return extended, nil
}

func (c *Compactor) notify(ctx context.Context, document documents.Document, characters, blobSize int64) {
	if c.bus == nil || document.SiteID == "" {
		return
	}
	siteEvent := fanout.SiteUpdateEvent{
		SiteID:    document.SiteID,
		Scope:     fanout.ScopeEntity,
		EntityID:  document.ID.String(),
		UpdatedAt: c.clock().UTC(),
	}
	if err := fanout.PublishEvent(ctx, c.bus, fanout.SiteUpdateTopic(document.SiteID), siteEvent); err != nil {
		c.logger.Warn("site update notification failed", zap.String("site_id", document.SiteID), zap.Error(err))
	}
	usageEvent := fanout.UsageUpdateEvent{
		SiteID:         document.SiteID,
		DocumentID:     document.ID.String(),
		CharacterCount: characters,
		BlobSize:       blobSize,
	}
	if err := fanout.PublishEvent(ctx, c.bus, fanout.SiteUsageTopic(document.SiteID), usageEvent); err != nil {
		c.logger.Warn("site usage notification failed", zap.String("site_id", document.SiteID), zap.Error(err))
	}
}

// Handle is the post:compact job handler.
func (c *Compactor) Handle(ctx context.Context, target string) error {
	documentID, err := documents.NewDocumentID(target)
	if err != nil {
		return fmt.Errorf("%w: %w", jobs.ErrSkipRetry, err)
	}
	_, err = c.Compact(ctx, documentID)
	if errors.Is(err, documents.ErrDocumentNotFound) {
		return fmt.Errorf("%w: %w", jobs.ErrSkipRetry, err)
	}
	return err
}
