package documents

import (
	"context"
	"slices"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opListHistory = "documents.list_history"

	reasonHistoryWriteFailed = "history_write_failed"
)

// recordHistory stores the written state as a new history entry inside the
// snapshot transaction.
func (s *Service) recordHistory(tx *gorm.DB, write SnapshotWrite, now time.Time) (int64, error) {
	documentField := zap.String(fieldDocumentID, write.DocumentID.String())
	entry := SnapshotHistoryRow{
		DocumentID:       write.DocumentID.String(),
		State:            write.State,
		CompactedThrough: write.CompactedThrough,
		CreatedAt:        now,
	}
	if err := tx.Create(&entry).Error; err != nil {
		s.logError(opPutSnapshot, reasonHistoryWriteFailed, err, documentField)
		return 0, newPersistenceError(opPutSnapshot, reasonHistoryWriteFailed, err)
	}

	contributors := make([]SnapshotContributorRow, 0, len(write.Contributors))
	seen := make(map[UserID]struct{}, len(write.Contributors))
	for _, userID := range write.Contributors {
		if userID == "" {
			continue
		}
		if _, ok := seen[userID]; ok {
			continue
		}
		seen[userID] = struct{}{}
		contributors = append(contributors, SnapshotContributorRow{HistoryID: entry.ID, UserID: userID.String()})
	}
	if len(contributors) > 0 {
		if err := tx.Create(&contributors).Error; err != nil {
			s.logError(opPutSnapshot, reasonHistoryWriteFailed, err, documentField)
			return 0, newPersistenceError(opPutSnapshot, reasonHistoryWriteFailed, err)
		}
	}
	return entry.ID, nil
}

// ListHistory returns the document's recorded states, oldest first, each
// with its contributors in ascending order.
func (s *Service) ListHistory(ctx context.Context, documentID DocumentID) ([]HistoryEntry, error) {
	documentField := zap.String(fieldDocumentID, documentID.String())
	db := s.db.WithContext(ctx)

	var rows []SnapshotHistoryRow
	if err := db.Where("document_id = ?", documentID.String()).Order("id ASC").Find(&rows).Error; err != nil {
		s.logError(opListHistory, reasonQueryFailed, err, documentField)
		return nil, newPersistenceError(opListHistory, reasonQueryFailed, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	var links []SnapshotContributorRow
	if err := db.Where("history_id IN ?", ids).Find(&links).Error; err != nil {
		s.logError(opListHistory, reasonQueryFailed, err, documentField)
		return nil, newPersistenceError(opListHistory, reasonQueryFailed, err)
	}
	contributors := make(map[int64][]UserID, len(rows))
	for _, link := range links {
		contributors[link.HistoryID] = append(contributors[link.HistoryID], UserID(link.UserID))
	}

	entries := make([]HistoryEntry, 0, len(rows))
	for _, row := range rows {
		users := contributors[row.ID]
		slices.Sort(users)
		entries = append(entries, HistoryEntry{
			ID:               row.ID,
			DocumentID:       DocumentID(row.DocumentID),
			State:            row.State,
			CompactedThrough: row.CompactedThrough,
			CreatedAt:        row.CreatedAt,
			Contributors:     users,
		})
	}
	return entries, nil
}
