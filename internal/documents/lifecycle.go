package documents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opCreate    = "documents.create"
	opMove      = "documents.move"
	opDelete    = "documents.delete"
	opGet       = "documents.get"
	opListStale = "documents.list_stale"

	reasonIDGenerationFailed = "id_generation_failed"
	reasonOrderKeyFailed     = "order_key_failed"
	reasonSeedFailed         = "seed_failed"
	reasonInsertFailed       = "insert_failed"
	reasonUpdateFailed       = "update_failed"
	reasonNeighbourInvalid   = "neighbour_invalid"
)

// SeedClientID is the CRDT client that authors the initial fields of every
// document. Editors must pick other client ids.
const SeedClientID crdt.ClientID = 1

// Seeded field names.
const (
	FieldTitle    = "title"
	FieldSubtitle = "subtitle"
	FieldBody     = "body"
)

var errNeighbourMismatch = errors.New("neighbour must be a sibling in the same site")

// CreateRequest describes a new document.
type CreateRequest struct {
	OwnerID  UserID
	SiteID   string
	Title    string
	Subtitle string
	Body     string
	// AfterDocumentID places the document right after that sibling; empty
	// appends it after the owner's last sibling in the site.
	AfterDocumentID DocumentID
}

// CreateDocument inserts a document, assigns it an ordering key among its
// siblings and stores its seeded state as the first snapshot.
func (s *Service) CreateDocument(ctx context.Context, request CreateRequest) (Document, error) {
	if request.OwnerID == "" || request.SiteID == "" {
		return Document{}, newServiceError(opCreate, reasonInvalidInput, fmt.Errorf("%w: owner and site are required", ErrInvalidDocumentID))
	}
	rawID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, reasonIDGenerationFailed, err)
		return Document{}, newServiceError(opCreate, reasonIDGenerationFailed, err)
	}
	documentID, err := NewDocumentID(rawID)
	if err != nil {
		return Document{}, newServiceError(opCreate, reasonIDGenerationFailed, err)
	}

	seed := crdt.New()
	seed.Set(SeedClientID, FieldTitle, request.Title)
	seed.Set(SeedClientID, FieldSubtitle, request.Subtitle)
	seed.Set(SeedClientID, FieldBody, request.Body)
	state, err := seed.Encode()
	if err != nil {
		s.logError(opCreate, reasonSeedFailed, err)
		return Document{}, newServiceError(opCreate, reasonSeedFailed, err)
	}

	var created DocumentRow
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lower, upper, err := s.placement(ctx, tx, opCreate, request.OwnerID, request.SiteID, request.AfterDocumentID)
		if err != nil {
			return err
		}
		orderKey, err := s.keys.KeyBetween(lower, upper)
		if err != nil {
			s.logError(opCreate, reasonOrderKeyFailed, err, zap.String(fieldDocumentID, documentID.String()))
			return newServiceError(opCreate, reasonOrderKeyFailed, err)
		}

		now := s.now()
		created = DocumentRow{
			DocumentID:     documentID.String(),
			OwnerID:        request.OwnerID.String(),
			SiteID:         request.SiteID,
			State:          string(StateActive),
			OrderKey:       orderKey,
			UpdatedAt:      now,
			CompactedAt:    &now,
			CharacterCount: int64(seed.CharacterCount()),
			BlobSize:       int64(len(state)),
			CreatedAt:      now,
		}
		if err := tx.Create(&created).Error; err != nil {
			s.logError(opCreate, reasonInsertFailed, err, zap.String(fieldDocumentID, documentID.String()))
			return newPersistenceError(opCreate, reasonInsertFailed, err)
		}
		snapshot := SnapshotRow{
			DocumentID:       documentID.String(),
			State:            state,
			CompactedAt:      now,
			CompactedThrough: 0,
		}
		if err := tx.Create(&snapshot).Error; err != nil {
			s.logError(opCreate, reasonInsertFailed, err, zap.String(fieldDocumentID, documentID.String()))
			return newPersistenceError(opCreate, reasonInsertFailed, err)
		}
		return nil
	})
	if txErr != nil {
		return Document{}, txErr
	}
	return created.toDocument(), nil
}

// placement returns the ordering bounds for a document inserted right after
// the given sibling, or after the last sibling when afterID is empty.
func (s *Service) placement(ctx context.Context, tx *gorm.DB, operation string, ownerID UserID, siteID string, afterID DocumentID) (string, string, error) {
	if afterID == "" {
		last, err := s.neighbour(ctx, tx, operation, ownerID, siteID, "", "order_key DESC")
		return last.OrderKey, "", err
	}
	anchor, err := s.loadSibling(ctx, tx, operation, ownerID, siteID, afterID)
	if err != nil {
		return "", "", err
	}
	next, err := s.neighbour(ctx, tx, operation, ownerID, siteID, "order_key > ?", "order_key ASC", anchor.OrderKey)
	return anchor.OrderKey, next.OrderKey, err
}

// neighbour returns the first active sibling matching condition in the given
// order, or a zero row when there is none.
func (s *Service) neighbour(ctx context.Context, tx *gorm.DB, operation string, ownerID UserID, siteID, condition, order string, args ...any) (DocumentRow, error) {
	query := tx.WithContext(ctx).Model(&DocumentRow{}).
		Where("site_id = ? AND owner_id = ? AND state = ? AND order_key <> ''", siteID, ownerID.String(), string(StateActive))
	if condition != "" {
		query = query.Where(condition, args...)
	}
	var row DocumentRow
	err := query.Order(order).Limit(1).Take(&row).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(operation, reasonQueryFailed, err, zap.String("site_id", siteID))
		return DocumentRow{}, newPersistenceError(operation, reasonQueryFailed, err)
	}
	return row, nil
}

func (s *Service) loadSibling(ctx context.Context, tx *gorm.DB, operation string, ownerID UserID, siteID string, documentID DocumentID) (DocumentRow, error) {
	row, err := s.loadDocument(ctx, tx, operation, documentID)
	if err != nil {
		return DocumentRow{}, err
	}
	if row.SiteID != siteID || row.OwnerID != ownerID.String() || State(row.State) != StateActive {
		return DocumentRow{}, newServiceError(operation, reasonNeighbourInvalid, errNeighbourMismatch)
	}
	return row, nil
}

// MoveDocument places the document between two siblings, rewriting only its
// own ordering key. With a single neighbour the document lands right next to
// it; with none it moves to the end.
func (s *Service) MoveDocument(ctx context.Context, userID UserID, documentID, beforeID, afterID DocumentID) (Document, error) {
	var moved DocumentRow
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.ownedDocument(ctx, tx, opMove, userID, documentID)
		if err != nil {
			return err
		}
		owner := UserID(row.OwnerID)

		var lower, upper string
		switch {
		case beforeID == "":
			lower, upper, err = s.placement(ctx, tx, opMove, owner, row.SiteID, afterID)
			if err != nil {
				return err
			}
		case afterID == "":
			anchor, err := s.loadSibling(ctx, tx, opMove, owner, row.SiteID, beforeID)
			if err != nil {
				return err
			}
			previous, err := s.neighbour(ctx, tx, opMove, owner, row.SiteID, "order_key < ?", "order_key DESC", anchor.OrderKey)
			if err != nil {
				return err
			}
			lower, upper = previous.OrderKey, anchor.OrderKey
		default:
			after, err := s.loadSibling(ctx, tx, opMove, owner, row.SiteID, afterID)
			if err != nil {
				return err
			}
			before, err := s.loadSibling(ctx, tx, opMove, owner, row.SiteID, beforeID)
			if err != nil {
				return err
			}
			lower, upper = after.OrderKey, before.OrderKey
		}
		if lower == row.OrderKey || upper == row.OrderKey {
			// Already adjacent to the requested neighbour.
			moved = row
			return nil
		}

		orderKey, err := s.keys.KeyBetween(lower, upper)
		if err != nil {
			s.logError(opMove, reasonOrderKeyFailed, err, zap.String(fieldDocumentID, documentID.String()))
			return newServiceError(opMove, reasonOrderKeyFailed, err)
		}
		if err := tx.Model(&DocumentRow{}).
			Where("document_id = ?", documentID.String()).
			Update("order_key", orderKey).Error; err != nil {
			s.logError(opMove, reasonUpdateFailed, err, zap.String(fieldDocumentID, documentID.String()))
			return newPersistenceError(opMove, reasonUpdateFailed, err)
		}
		row.OrderKey = orderKey
		moved = row
		return nil
	})
	if txErr != nil {
		return Document{}, txErr
	}
	return moved.toDocument(), nil
}

// DeleteDocument soft-deletes a document owned by userID.
func (s *Service) DeleteDocument(ctx context.Context, userID UserID, documentID DocumentID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.ownedDocument(ctx, tx, opDelete, userID, documentID); err != nil {
			return err
		}
		if err := tx.Model(&DocumentRow{}).
			Where("document_id = ?", documentID.String()).
			Updates(map[string]any{"state": string(StateDeleted), "updated_at": s.now()}).Error; err != nil {
			s.logError(opDelete, reasonUpdateFailed, err, zap.String(fieldDocumentID, documentID.String()))
			return newPersistenceError(opDelete, reasonUpdateFailed, err)
		}
		return nil
	})
}

// ownedDocument locks an active document and checks that userID owns it.
func (s *Service) ownedDocument(ctx context.Context, tx *gorm.DB, operation string, userID UserID, documentID DocumentID) (DocumentRow, error) {
	row, err := s.loadDocument(ctx, tx.Clauses(clause.Locking{Strength: "UPDATE"}), operation, documentID)
	if err != nil {
		return DocumentRow{}, err
	}
	if State(row.State) == StateDeleted {
		return DocumentRow{}, newServiceError(operation, reasonDeleted, ErrDocumentDeleted)
	}
	if err := AssertOwnership(userID, UserID(row.OwnerID)); err != nil {
		return DocumentRow{}, newServiceError(operation, reasonPermission, err)
	}
	return row, nil
}

// GetDocument returns the document, including soft-deleted ones.
func (s *Service) GetDocument(ctx context.Context, documentID DocumentID) (Document, error) {
	row, err := s.loadDocument(ctx, s.db, opGet, documentID)
	if err != nil {
		return Document{}, err
	}
	return row.toDocument(), nil
}

// StaleQuery selects documents whose snapshot lags their update log.
type StaleQuery struct {
	// UpdatedBefore excludes documents written to after this instant.
	UpdatedBefore time.Time
	// AfterID continues a previous page; results are ordered by document id.
	AfterID DocumentID
	Limit   int
}

// ListStale returns active documents last written before the query's cutoff
// whose snapshot is behind their log: either compacted before the latest
// write or not yet through the latest sequence.
func (s *Service) ListStale(ctx context.Context, query StaleQuery) ([]DocumentID, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = s.readPageSize
	}
	var ids []string
	err := s.db.WithContext(ctx).Model(&DocumentRow{}).
		Where("state = ? AND updated_at < ? AND document_id > ?", string(StateActive), query.UpdatedBefore.UTC(), query.AfterID.String()).
		Where("(compacted_at IS NULL OR compacted_at < updated_at OR compacted_through < last_sequence)").
		Order("document_id ASC").
		Limit(limit).
		Pluck("document_id", &ids).Error
	if err != nil {
		s.logError(opListStale, reasonQueryFailed, err)
		return nil, newPersistenceError(opListStale, reasonQueryFailed, err)
	}
	result := make([]DocumentID, 0, len(ids))
	for _, id := range ids {
		result = append(result, DocumentID(id))
	}
	return result, nil
}
