package documents

import (
	"bytes"
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opGetSnapshot = "documents.get_snapshot"
	opPutSnapshot = "documents.put_snapshot"

	reasonSnapshotLockFailed  = "snapshot_lock_failed"
	reasonSnapshotWriteFailed = "snapshot_write_failed"
	reasonUsageUpdateFailed   = "usage_update_failed"
)

var errNegativeThrough = errors.New("compacted-through sequence must not be negative")

// GetSnapshot returns the stored snapshot. The boolean is false when the
// document has never been compacted.
func (s *Service) GetSnapshot(ctx context.Context, documentID DocumentID) (Snapshot, bool, error) {
	var row SnapshotRow
	err := s.db.WithContext(ctx).Where("document_id = ?", documentID.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		s.logError(opGetSnapshot, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return Snapshot{}, false, newPersistenceError(opGetSnapshot, reasonQueryFailed, err)
	}
	return row.toSnapshot(), true, nil
}

// PutSnapshot atomically replaces the document's snapshot. Concurrent puts
// serialize on the snapshot row: the furthest compacted-through sequence wins,
// an equal one is discarded as already applied, and a lower one is discarded
// and logged as a regression. CompactedAt never decreases. A written snapshot
// also refreshes the document's compaction bookkeeping and usage figures, and
// a write that changes the state is kept in the document's history together
// with its contributors.
func (s *Service) PutSnapshot(ctx context.Context, write SnapshotWrite) (PutResult, error) {
	if write.CompactedThrough < 0 {
		return PutResult{}, newServiceError(opPutSnapshot, reasonInvalidInput, errNegativeThrough)
	}
	if len(write.State) == 0 {
		return PutResult{}, newServiceError(opPutSnapshot, reasonInvalidInput, errEmptyPayload)
	}

	documentField := zap.String(fieldDocumentID, write.DocumentID.String())
	var result PutResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		var existing SnapshotRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("document_id = ?", write.DocumentID.String()).
			Take(&existing).Error
		found := err == nil
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logError(opPutSnapshot, reasonSnapshotLockFailed, err, documentField)
			return newPersistenceError(opPutSnapshot, reasonSnapshotLockFailed, err)
		}

		if found {
			switch {
			case write.CompactedThrough < existing.CompactedThrough:
				s.loggerOrDefault().Warn("snapshot regression discarded",
					zap.String("operation", opPutSnapshot),
					documentField,
					zap.Int64("incoming_through", write.CompactedThrough),
					zap.Int64("stored_through", existing.CompactedThrough))
				result = PutResult{Regressed: true, Snapshot: existing.toSnapshot()}
				return nil
			case write.CompactedThrough == existing.CompactedThrough:
				result = PutResult{Snapshot: existing.toSnapshot()}
				return nil
			}
			if existing.CompactedAt.After(now) {
				now = existing.CompactedAt
			}
		}

		row := SnapshotRow{
			DocumentID:       write.DocumentID.String(),
			State:            write.State,
			CompactedAt:      now,
			CompactedThrough: write.CompactedThrough,
		}
		if err := tx.Save(&row).Error; err != nil {
			s.logError(opPutSnapshot, reasonSnapshotWriteFailed, err, documentField)
			return newPersistenceError(opPutSnapshot, reasonSnapshotWriteFailed, err)
		}
		if err := tx.Model(&DocumentRow{}).
			Where("document_id = ?", write.DocumentID.String()).
			Updates(map[string]any{
				"compacted_at":      now,
				"compacted_through": write.CompactedThrough,
				"character_count":   write.CharacterCount,
				"blob_size":         int64(len(write.State)),
			}).Error; err != nil {
			s.logError(opPutSnapshot, reasonUsageUpdateFailed, err, documentField)
			return newPersistenceError(opPutSnapshot, reasonUsageUpdateFailed, err)
		}
		result = PutResult{Written: true, Snapshot: row.toSnapshot()}
		if found && bytes.Equal(existing.State, write.State) {
			return nil
		}
		historyID, err := s.recordHistory(tx, write, now)
		if err != nil {
			return err
		}
		result.HistoryID = historyID
		return nil
	})
	if txErr != nil {
		return PutResult{}, txErr
	}
	return result, nil
}

