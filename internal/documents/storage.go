package documents

import "time"

// DocumentRow stores one collaborative document and its compaction bookkeeping.
type DocumentRow struct {
	DocumentID       string     `gorm:"column:document_id;primaryKey;size:190;not null"`
	OwnerID          string     `gorm:"column:owner_id;size:190;not null;index:idx_documents_site_owner,priority:2"`
	SiteID           string     `gorm:"column:site_id;size:190;not null;index:idx_documents_site_owner,priority:1"`
	State            string     `gorm:"column:state;size:16;not null;default:ACTIVE"`
	OrderKey         string     `gorm:"column:order_key;size:190;not null;default:''"`
	UpdatedAt        time.Time  `gorm:"column:updated_at;not null;index:idx_documents_updated_at"`
	CompactedAt      *time.Time `gorm:"column:compacted_at"`
	CompactedThrough int64      `gorm:"column:compacted_through;not null;default:0"`
	LastSequence     int64      `gorm:"column:last_sequence;not null;default:0"`
	CharacterCount   int64      `gorm:"column:character_count;not null;default:0"`
	BlobSize         int64      `gorm:"column:blob_size;not null;default:0"`
	CreatedAt        time.Time  `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentRow) TableName() string {
	return "documents"
}

// UpdateRow stores an append-only update record.
type UpdateRow struct {
	DocumentID  string    `gorm:"column:document_id;primaryKey;size:190;not null;uniqueIndex:idx_document_updates_dedupe,priority:1"`
	Sequence    int64     `gorm:"column:sequence;primaryKey;autoIncrement:false"`
	Kind        string    `gorm:"column:kind;size:16;not null"`
	AuthorID    string    `gorm:"column:author_id;size:190;not null;default:''"`
	Payload     []byte    `gorm:"column:payload;not null"`
	PayloadHash string    `gorm:"column:payload_hash;size:64;not null;uniqueIndex:idx_document_updates_dedupe,priority:2"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (UpdateRow) TableName() string {
	return "document_updates"
}

// SnapshotRow stores the compacted state per document.
type SnapshotRow struct {
	DocumentID       string    `gorm:"column:document_id;primaryKey;size:190;not null"`
	State            []byte    `gorm:"column:state;not null"`
	CompactedAt      time.Time `gorm:"column:compacted_at;not null"`
	CompactedThrough int64     `gorm:"column:compacted_through;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (SnapshotRow) TableName() string {
	return "document_snapshots"
}

// SnapshotHistoryRow keeps every compacted state that changed the document.
type SnapshotHistoryRow struct {
	ID               int64     `gorm:"column:id;primaryKey;autoIncrement"`
	DocumentID       string    `gorm:"column:document_id;size:190;not null;index:idx_snapshot_history_document"`
	State            []byte    `gorm:"column:state;not null"`
	CompactedThrough int64     `gorm:"column:compacted_through;not null"`
	CreatedAt        time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SnapshotHistoryRow) TableName() string {
	return "document_snapshot_history"
}

// SnapshotContributorRow links a history entry to a user whose updates it folded.
type SnapshotContributorRow struct {
	HistoryID int64  `gorm:"column:history_id;primaryKey;autoIncrement:false"`
	UserID    string `gorm:"column:user_id;primaryKey;size:190"`
}

// TableName provides the explicit table binding for GORM.
func (SnapshotContributorRow) TableName() string {
	return "document_snapshot_contributors"
}

// Models lists every table owned by this package, for AutoMigrate.
func Models() []any {
	return []any{&DocumentRow{}, &UpdateRow{}, &SnapshotRow{}, &SnapshotHistoryRow{}, &SnapshotContributorRow{}}
}

func (row DocumentRow) toDocument() Document {
	document := Document{
		ID:               DocumentID(row.DocumentID),
		OwnerID:          UserID(row.OwnerID),
		SiteID:           row.SiteID,
		State:            State(row.State),
		OrderKey:         row.OrderKey,
		UpdatedAt:        row.UpdatedAt,
		CompactedThrough: row.CompactedThrough,
		LastSequence:     row.LastSequence,
		CharacterCount:   row.CharacterCount,
		BlobSize:         row.BlobSize,
	}
	if row.CompactedAt != nil {
		document.CompactedAt = *row.CompactedAt
	}
	return document
}

func (row UpdateRow) toRecord() UpdateRecord {
	return UpdateRecord{
		DocumentID: DocumentID(row.DocumentID),
		Sequence:   row.Sequence,
		Kind:       Kind(row.Kind),
		AuthorID:   UserID(row.AuthorID),
		Payload:    row.Payload,
		CreatedAt:  row.CreatedAt,
	}
}

func (row SnapshotRow) toSnapshot() Snapshot {
	return Snapshot{
		DocumentID:       DocumentID(row.DocumentID),
		State:            row.State,
		CompactedAt:      row.CompactedAt,
		CompactedThrough: row.CompactedThrough,
	}
}
