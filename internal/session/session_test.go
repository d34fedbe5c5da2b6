package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/documents"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/fanout"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/ordering"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	frameTimeout = 2 * time.Second
	quietPeriod  = 150 * time.Millisecond
)

var errPipeClosed = errors.New("pipe closed")

// pipeConn is an in-memory Conn. The test plays the client on the other end.
type pipeConn struct {
	toServer   chan Frame
	fromServer chan Frame
	closed     chan struct{}
	once       sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		toServer:   make(chan Frame, 16),
		fromServer: make(chan Frame, 256),
		closed:     make(chan struct{}),
	}
}

func (c *pipeConn) ReadFrame() (Frame, error) {
	select {
	case frame := <-c.toServer:
		return frame, nil
	case <-c.closed:
		return Frame{}, io.EOF
	}
}

func (c *pipeConn) WriteFrame(frame Frame) error {
	select {
	case <-c.closed:
		return errPipeClosed
	default:
	}
	select {
	case c.fromServer <- frame:
		return nil
	case <-c.closed:
		return errPipeClosed
	}
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type client struct {
	t    *testing.T
	conn *pipeConn
	done chan error
}

func (c *client) send(frame Frame) {
	c.t.Helper()
	select {
	case c.conn.toServer <- frame:
	case <-time.After(frameTimeout):
		c.t.Fatalf("server did not read frame %s", frame.Kind)
	}
}

// next returns the next frame that is not a heartbeat.
func (c *client) next() Frame {
	c.t.Helper()
	deadline := time.After(frameTimeout)
	for {
		select {
		case frame := <-c.conn.fromServer:
			if frame.Kind == FrameHeartbeat {
				continue
			}
			return frame
		case <-deadline:
			c.t.Fatalf("expected a frame within %s", frameTimeout)
		}
	}
}

func (c *client) expect(kind FrameKind) Frame {
	c.t.Helper()
	frame := c.next()
	if frame.Kind != kind {
		c.t.Fatalf("expected %s frame, got %s (%q)", kind, frame.Kind, frame.Payload)
	}
	return frame
}

func (c *client) expectQuiet() {
	c.t.Helper()
	deadline := time.After(quietPeriod)
	for {
		select {
		case frame := <-c.conn.fromServer:
			if frame.Kind == FrameHeartbeat {
				continue
			}
			c.t.Fatalf("expected no frame, got %s", frame.Kind)
		case <-deadline:
			return
		}
	}
}

// replica loads the initial sync frames into a client replica.
func (c *client) replica() *crdt.Doc {
	c.t.Helper()
	replica := crdt.New()
	if _, err := replica.ApplyEncoded(c.expect(FrameUpdate).Payload); err != nil {
		c.t.Fatalf("apply initial state failed: %v", err)
	}
	c.expect(FrameVector)
	return replica
}

func (c *client) leave() error {
	c.t.Helper()
	_ = c.conn.Close()
	select {
	case err := <-c.done:
		return err
	case <-time.After(frameTimeout):
		c.t.Fatalf("session did not end after disconnect")
	}
	return nil
}

type harness struct {
	db      *gorm.DB
	service *documents.Service
	bus     fanout.Bus
}

func newHarness(t *testing.T) *harness {
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
	service, err := documents.NewService(documents.ServiceConfig{
		Database:     database,
		IDProvider:   documents.NewUUIDProvider(),
		KeyGenerator: ordering.NewGenerator(5),
	})
	if err != nil {
		t.Fatalf("failed to construct documents service: %v", err)
	}
	return &harness{db: database, service: service, bus: fanout.NewLocalBus()}
}

func (h *harness) coordinator(t *testing.T, mutate func(*Config)) *Coordinator {
	t.Helper()
	cfg := Config{
		Documents:         h.service,
		Bus:               h.bus,
		HeartbeatInterval: time.Hour,
		PresenceTimeout:   time.Minute,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	coordinator, err := NewCoordinator(cfg)
	if err != nil {
		t.Fatalf("failed to construct coordinator: %v", err)
	}
	return coordinator
}

func (h *harness) createDocument(t *testing.T, owner documents.UserID) documents.Document {
	t.Helper()
	document, err := h.service.CreateDocument(t.Context(), documents.CreateRequest{OwnerID: owner, SiteID: "site-1", Title: "Notes"})
	if err != nil {
		t.Fatalf("create document failed: %v", err)
	}
	return document
}

func (h *harness) recordCount(t *testing.T, documentID documents.DocumentID) int64 {
	t.Helper()
	var count int64
	if err := h.db.Model(&documents.UpdateRow{}).Where("document_id = ?", documentID.String()).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	return count
}

func connect(t *testing.T, coordinator *Coordinator, userID documents.UserID, documentID documents.DocumentID) *client {
	t.Helper()
	conn := newPipeConn()
	done := make(chan error, 1)
	go func() {
		done <- coordinator.Serve(context.Background(), userID, documentID, conn)
	}()
	c := &client{t: t, conn: conn, done: done}
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

func encodeUpdate(t *testing.T, update crdt.Update) []byte {
	t.Helper()
	payload, err := crdt.Encode(update)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	return payload
}

func mustAckSequence(t *testing.T, frame Frame) int64 {
	t.Helper()
	sequence, err := AckSequence(frame)
	if err != nil {
		t.Fatalf("bad ack: %v", err)
	}
	return sequence
}
