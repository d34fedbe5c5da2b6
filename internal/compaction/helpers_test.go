package compaction

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/documents"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/jobs"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/ordering"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const editorClient crdt.ClientID = 42

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1700000000, 0).UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(delta time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(delta)
}

type sequentialIDs struct {
	mu   sync.Mutex
	next int
}

func (g *sequentialIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("doc-%04d", g.next), nil
}

type fixture struct {
	db       *gorm.DB
	clock    *testClock
	service  *documents.Service
	owner    documents.UserID
	editor   *crdt.Doc
	payloads int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	database, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.AutoMigrate(documents.Models()...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	clock := newTestClock()
	service, err := documents.NewService(documents.ServiceConfig{
		Database:     database,
		Clock:        clock.Now,
		IDProvider:   &sequentialIDs{},
		KeyGenerator: ordering.NewGenerator(3),
		ReadPageSize: 4,
	})
	if err != nil {
		t.Fatalf("failed to construct documents service: %v", err)
	}
	return &fixture{db: database, clock: clock, service: service, owner: documents.UserID("user-1"), editor: crdt.New()}
}

func (f *fixture) createDocument(t *testing.T) documents.Document {
	t.Helper()
	document, err := f.service.CreateDocument(t.Context(), documents.CreateRequest{
		OwnerID: f.owner,
		SiteID:  "site-1",
		Title:   "Draft",
	})
	if err != nil {
		t.Fatalf("create document failed: %v", err)
	}
	return document
}

// nextUpdate returns an encoded edit of the body field from the editor replica.
func (f *fixture) nextUpdate(t *testing.T) []byte {
	t.Helper()
	f.payloads++
	payload, err := crdt.Encode(f.editor.Set(editorClient, documents.FieldBody, fmt.Sprintf("revision %d", f.payloads)))
	if err != nil {
		t.Fatalf("encode update failed: %v", err)
	}
	return payload
}

func (f *fixture) append(t *testing.T, documentID documents.DocumentID, kind documents.Kind, payload []byte) int64 {
	t.Helper()
	result, err := f.service.Append(t.Context(), documentID, f.owner, kind, payload)
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	return result.Sequence
}

// appendLegacyRecord writes a record directly, bypassing the kind filter of
// Append, to model rows written before ephemeral kinds were filtered.
func (f *fixture) appendLegacyRecord(t *testing.T, documentID documents.DocumentID, sequence int64, kind documents.Kind) {
	t.Helper()
	row := documents.UpdateRow{
		DocumentID:  documentID.String(),
		Sequence:    sequence,
		Kind:        string(kind),
		Payload:     []byte("presence"),
		PayloadHash: fmt.Sprintf("legacy-%d", sequence),
		CreatedAt:   f.clock.Now(),
	}
	if err := f.db.Create(&row).Error; err != nil {
		t.Fatalf("insert legacy record failed: %v", err)
	}
	if err := f.db.Model(&documents.DocumentRow{}).Where("document_id = ?", documentID.String()).
		Update("last_sequence", sequence).Error; err != nil {
		t.Fatalf("bump last sequence failed: %v", err)
	}
}

func (f *fixture) snapshot(t *testing.T, documentID documents.DocumentID) documents.Snapshot {
	t.Helper()
	snapshot, found, err := f.service.GetSnapshot(t.Context(), documentID)
	if err != nil || !found {
		t.Fatalf("expected snapshot, found=%v err=%v", found, err)
	}
	return snapshot
}

func (f *fixture) replayFromStart(t *testing.T, seed []byte, documentID documents.DocumentID) *crdt.Doc {
	t.Helper()
	replica, err := crdt.Load(seed)
	if err != nil {
		t.Fatalf("load seed failed: %v", err)
	}
	for record, err := range f.service.ReadFrom(t.Context(), documentID, 0) {
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if !record.Kind.Persistent() {
			continue
		}
		if _, err := replica.ApplyEncoded(record.Payload); err != nil {
			t.Fatalf("apply failed: %v", err)
		}
	}
	return replica
}

type recordingQueue struct {
	mu       sync.Mutex
	requests []jobs.Request
}

func (q *recordingQueue) Enqueue(_ context.Context, request jobs.Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requests = append(q.requests, request)
	return nil
}

func (q *recordingQueue) snapshot() []jobs.Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]jobs.Request(nil), q.requests...)
}
