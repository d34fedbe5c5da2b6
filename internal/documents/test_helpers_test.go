package documents

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/ordering"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const testAuthor UserID = "user-1"

type sequentialIDGenerator struct {
	prefix string
	next   int
}

func (g *sequentialIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("%s-%03d", g.prefix, g.next), nil
}

type failingIDGenerator struct{}

func (failingIDGenerator) NewID() (string, error) {
	return "", errors.New("entropy exhausted")
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) Advance(delta time.Duration) {
	c.now = c.now.Add(delta)
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func newTestService(t *testing.T) (*Service, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Unix(1700000000, 0).UTC()}
	service, err := NewService(ServiceConfig{
		Database:     newTestDatabase(t),
		Clock:        clock.Now,
		IDProvider:   &sequentialIDGenerator{prefix: "doc"},
		KeyGenerator: ordering.NewGenerator(11),
		ReadPageSize: 2,
	})
	if err != nil {
		t.Fatalf("failed to construct documents service: %v", err)
	}
	return service, clock
}

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustCreateDocument(t *testing.T, service *Service, request CreateRequest) Document {
	t.Helper()
	document, err := service.CreateDocument(t.Context(), request)
	if err != nil {
		t.Fatalf("create document failed: %v", err)
	}
	return document
}

func mustAppend(t *testing.T, service *Service, documentID DocumentID, kind Kind, payload string) AppendResult {
	t.Helper()
	result, err := service.Append(t.Context(), documentID, testAuthor, kind, []byte(payload))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	return result
}

func collectRecords(t *testing.T, service *Service, documentID DocumentID, from int64) []UpdateRecord {
	t.Helper()
	var records []UpdateRecord
	for record, err := range service.ReadFrom(t.Context(), documentID, from) {
		if err != nil {
			t.Fatalf("read from failed: %v", err)
		}
		records = append(records, record)
	}
	return records
}
