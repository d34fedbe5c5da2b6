package documents

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"iter"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opAppend   = "documents.append"
	opReadFrom = "documents.read_from"
	opTrim     = "documents.trim"

	reasonEmptyPayload       = "empty_payload"
	reasonDocumentLockFailed = "document_lock_failed"
	reasonUpdateLookupFailed = "update_lookup_failed"
	reasonUpdateInsertFailed = "update_insert_failed"
	reasonDocumentBumpFailed = "document_bump_failed"
	reasonTrimFailed         = "trim_failed"
)

var errEmptyPayload = errors.New("update payload is empty")

// Append durably stores a record written by author and returns its sequence.
// Ephemeral kinds are accepted and ignored. A payload already stored for the
// document is not stored again; the earlier sequence is returned with
// Duplicate set.
func (s *Service) Append(ctx context.Context, documentID DocumentID, author UserID, kind Kind, payload []byte) (AppendResult, error) {
	if !kind.Valid() {
		return AppendResult{}, newServiceError(opAppend, reasonInvalidInput, fmt.Errorf("%w: %q", ErrInvalidKind, kind))
	}
	if !kind.Persistent() {
		return AppendResult{Persisted: false}, nil
	}
	if len(payload) == 0 {
		return AppendResult{}, newServiceError(opAppend, reasonEmptyPayload, errEmptyPayload)
	}

	hash := hashPayload(payload)
	var result AppendResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var document DocumentRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("document_id = ?", documentID.String()).
			Take(&document).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opAppend, reasonNotFound, ErrDocumentNotFound)
		}
		if err != nil {
			s.logError(opAppend, reasonDocumentLockFailed, err, zap.String(fieldDocumentID, documentID.String()))
			return newPersistenceError(opAppend, reasonDocumentLockFailed, err)
		}
		if State(document.State) == StateDeleted {
			return newServiceError(opAppend, reasonDeleted, ErrDocumentDeleted)
		}

		var existing UpdateRow
		err = tx.Select("sequence").
			Where("document_id = ? AND payload_hash = ?", documentID.String(), hash).
			Take(&existing).Error
		if err == nil {
			result = AppendResult{Sequence: existing.Sequence, Persisted: true, Duplicate: true}
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logError(opAppend, reasonUpdateLookupFailed, err, zap.String(fieldDocumentID, documentID.String()))
			return newPersistenceError(opAppend, reasonUpdateLookupFailed, err)
		}

		now := s.now()
		sequence := document.LastSequence + 1
		row := UpdateRow{
			DocumentID:  documentID.String(),
			Sequence:    sequence,
			Kind:        string(kind),
			AuthorID:    author.String(),
			Payload:     payload,
			PayloadHash: hash,
			CreatedAt:   now,
		}
		if err := tx.Create(&row).Error; err != nil {
			s.logError(opAppend, reasonUpdateInsertFailed, err,
				zap.String(fieldDocumentID, documentID.String()),
				zap.Int64(fieldSequence, sequence))
			return newPersistenceError(opAppend, reasonUpdateInsertFailed, err)
		}
		if err := tx.Model(&DocumentRow{}).
			Where("document_id = ?", documentID.String()).
			Updates(map[string]any{"last_sequence": sequence, "updated_at": now}).Error; err != nil {
			s.logError(opAppend, reasonDocumentBumpFailed, err,
				zap.String(fieldDocumentID, documentID.String()),
				zap.Int64(fieldSequence, sequence))
			return newPersistenceError(opAppend, reasonDocumentBumpFailed, err)
		}
		result = AppendResult{Sequence: sequence, Persisted: true}
		return nil
	})
	if txErr != nil {
		return AppendResult{}, txErr
	}
	return result, nil
}

// ReadFrom lazily yields the document's records with sequence >= from in
// ascending order, loading them a page at a time. Iteration stops at the
// first error.
func (s *Service) ReadFrom(ctx context.Context, documentID DocumentID, from int64) iter.Seq2[UpdateRecord, error] {
	return func(yield func(UpdateRecord, error) bool) {
		next := from
		for {
			var rows []UpdateRow
			err := s.db.WithContext(ctx).
				Where("document_id = ? AND sequence >= ?", documentID.String(), next).
				Order("sequence ASC").
				Limit(s.readPageSize).
				Find(&rows).Error
			if err != nil {
				s.logError(opReadFrom, reasonQueryFailed, err,
					zap.String(fieldDocumentID, documentID.String()),
					zap.Int64(fieldSequence, next))
				yield(UpdateRecord{}, newPersistenceError(opReadFrom, reasonQueryFailed, err))
				return
			}
			for _, row := range rows {
				if !yield(row.toRecord(), nil) {
					return
				}
			}
			if len(rows) < s.readPageSize {
				return
			}
			next = rows[len(rows)-1].Sequence + 1
		}
	}
}

// TrimThrough deletes records with sequence <= through and reports how many
// were removed. Callers must only trim behind a durable snapshot.
func (s *Service) TrimThrough(ctx context.Context, documentID DocumentID, through int64) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("document_id = ? AND sequence <= ?", documentID.String(), through).
		Delete(&UpdateRow{})
	if result.Error != nil {
		s.logError(opTrim, reasonTrimFailed, result.Error,
			zap.String(fieldDocumentID, documentID.String()),
			zap.Int64(fieldSequence, through))
		return 0, newPersistenceError(opTrim, reasonTrimFailed, result.Error)
	}
	return result.RowsAffected, nil
}

func hashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
