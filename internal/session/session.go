// Package session runs the per-connection sync state machine.
//
// A session moves CONNECTING → SYNCING → LIVE → CLOSED. While LIVE it
// persists client updates before publishing them, forwards events from other
// sessions, and tracks collaborator presence through heartbeats. Sessions on
// the same document share one in-memory replica per process.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/documents"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/fanout"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is a session lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateSyncing
	StateLive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateSyncing:
		return "SYNCING"
	case StateLive:
		return "LIVE"
	case StateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Reject reasons sent to clients.
const (
	ReasonMalformedUpdate    = "malformed_update"
	ReasonPermissionDenied   = "permission_denied"
	ReasonPersistenceFailure = "persistence_failure"
	ReasonDocumentDeleted    = "document_deleted"
	ReasonDocumentNotFound   = "document_not_found"
	ReasonUnsupportedFrame   = "unsupported_frame"
)

const (
	defaultHeartbeatInterval = time.Second
	defaultPresenceTimeout   = 10 * time.Second
	outboundBuffer           = 64
)

var errSlowConsumer = errors.New("session: client is not keeping up")

// Conn is a framed, bidirectional client connection. ReadFrame returns
// io.EOF once the client has gone away. Close unblocks a pending ReadFrame.
type Conn interface {
	ReadFrame() (Frame, error)
	WriteFrame(Frame) error
	Close() error
}

// Config describes the dependencies of a Coordinator.
type Config struct {
	Documents         *documents.Service
	Bus               fanout.Bus
	HeartbeatInterval time.Duration
	PresenceTimeout   time.Duration
	Clock             func() time.Time
	Metrics           *metrics.Collectors
	Logger            *zap.Logger
}

// Coordinator opens sessions and owns the per-document rooms.
type Coordinator struct {
	documents         *documents.Service
	bus               fanout.Bus
	heartbeatInterval time.Duration
	presenceTimeout   time.Duration
	clock             func() time.Time
	metrics           *metrics.Collectors
	logger            *zap.Logger

	mu    sync.Mutex
	rooms map[documents.DocumentID]*room
}

func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Documents == nil {
		return nil, errors.New("session: documents service is required")
	}
	if cfg.Bus == nil {
		return nil, errors.New("session: fanout bus is required")
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	timeout := cfg.PresenceTimeout
	if timeout <= 0 {
		timeout = defaultPresenceTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		documents:         cfg.Documents,
		bus:               cfg.Bus,
		heartbeatInterval: heartbeat,
		presenceTimeout:   timeout,
		clock:             clock,
		metrics:           cfg.Metrics,
		logger:            logger,
		rooms:             make(map[documents.DocumentID]*room),
	}, nil
}

// Present lists collaborators recently heard from on the document, as seen
// by this process.
func (c *Coordinator) Present(documentID documents.DocumentID) []string {
	c.mu.Lock()
	current, ok := c.rooms[documentID]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return current.presence.present()
}

// OpenRooms reports how many documents have a live replica in this process.
func (c *Coordinator) OpenRooms() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rooms)
}

func (c *Coordinator) acquire(ctx context.Context, documentID documents.DocumentID) (*room, error) {
	c.mu.Lock()
	current, ok := c.rooms[documentID]
	if ok {
		current.refs++
		c.mu.Unlock()
		select {
		case <-current.ready:
		case <-ctx.Done():
			c.release(current)
			return nil, ctx.Err()
		}
		if current.err != nil {
			c.release(current)
			return nil, current.err
		}
		return current, nil
	}
	current = newRoom(documentID, newPresence(c.clock, c.presenceTimeout), c.logger)
	current.refs = 1
	c.rooms[documentID] = current
	c.mu.Unlock()

	current.err = current.load(ctx, c.documents, c.bus)
	close(current.ready)
	if current.err != nil {
		c.release(current)
		return nil, current.err
	}
	c.metrics.RoomOpened()
	return current, nil
}

func (c *Coordinator) release(current *room) {
	c.mu.Lock()
	current.refs--
	if current.refs > 0 {
		c.mu.Unlock()
		return
	}
	if c.rooms[current.documentID] == current {
		delete(c.rooms, current.documentID)
	}
	c.mu.Unlock()
	if current.err == nil {
		current.close()
		c.metrics.RoomClosed()
	}
}

// Session is one client connection to one document.
type Session struct {
	id          string
	userID      documents.UserID
	document    documents.Document
	coordinator *Coordinator
	conn        Conn
	room        *room
	outbound    chan Frame
	state       atomic.Int32
	cancel      context.CancelCauseFunc
	logger      *zap.Logger
}

// ID returns the session id used for echo suppression.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(state State) {
	s.state.Store(int32(state))
	s.logger.Debug("session state changed", zap.String("state", state.String()))
}

// deliver queues a frame for the client. A client that cannot keep up is
// disconnected and must resync.
func (s *Session) deliver(frame Frame) {
	select {
	case s.outbound <- frame:
	default:
		s.kick(errSlowConsumer)
	}
}

func (s *Session) kick(cause error) {
	s.cancel(cause)
}

// Serve runs a session for userID on documentID until the client leaves, ctx
// is cancelled, or the session fails. It always closes conn.
func (c *Coordinator) Serve(ctx context.Context, userID documents.UserID, documentID documents.DocumentID, conn Conn) error {
	defer func() { _ = conn.Close() }()
	sessionID, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("session: generate id: %w", err)
	}
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	s := &Session{
		id:          sessionID.String(),
		userID:      userID,
		coordinator: c,
		conn:        conn,
		outbound:    make(chan Frame, outboundBuffer),
		cancel:      cancel,
		logger: c.logger.With(
			zap.String("session_id", sessionID.String()),
			zap.String("document_id", documentID.String()),
			zap.String("user_id", userID.String())),
	}
	s.setState(StateConnecting)
	c.metrics.SessionOpened()
	defer c.metrics.SessionClosed()
	defer s.setState(StateClosed)

	document, err := c.documents.GetDocument(ctx, documentID)
	if err == nil && document.Deleted() {
		err = fmt.Errorf("session: open %s: %w", documentID, documents.ErrDocumentDeleted)
	}
	if err != nil {
		_ = conn.WriteFrame(RejectFrame(rejectReason(err)))
		return err
	}
	s.document = document

	s.setState(StateSyncing)
	current, err := c.acquire(ctx, documentID)
	if err != nil {
		_ = conn.WriteFrame(RejectFrame(rejectReason(err)))
		return err
	}
	defer c.release(current)
	s.room = current

	state, vector, err := current.join(ctx, s)
	if err != nil {
		return err
	}
	defer current.leave(s)
	current.presence.touch(userID.String())
	if err := conn.WriteFrame(Frame{Kind: FrameUpdate, Payload: state}); err != nil {
		return err
	}
	if err := conn.WriteFrame(Frame{Kind: FrameVector, Payload: vector}); err != nil {
		return err
	}

	s.setState(StateLive)
	return s.run(ctx)
}

func (s *Session) run(ctx context.Context) error {
	inbound := make(chan Frame)
	go func() {
		for {
			frame, err := s.conn.ReadFrame()
			if err != nil {
				s.cancel(err)
				return
			}
			select {
			case inbound <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(s.coordinator.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return closeCause(ctx)
		case frame := <-inbound:
			if err := s.handle(ctx, frame); err != nil {
				return err
			}
		case frame := <-s.outbound:
			if err := s.conn.WriteFrame(frame); err != nil {
				return err
			}
		case <-ticker.C:
			s.heartbeat(ctx)
		}
	}
}

func closeCause(ctx context.Context) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, io.EOF) || errors.Is(cause, context.Canceled) {
		return nil
	}
	return cause
}

func (s *Session) handle(ctx context.Context, frame Frame) error {
	switch frame.Kind {
	case FrameUpdate:
		return s.handleUpdate(ctx, frame)
	case FrameVector:
		return s.handleVector(ctx, frame)
	case FrameAwareness, FrameHeartbeat:
		return s.handleEphemeral(ctx, frame)
	}
	return s.reject(ReasonUnsupportedFrame, fmt.Errorf("%w: client sent %s", ErrMalformedFrame, frame.Kind))
}

func (s *Session) handleUpdate(ctx context.Context, frame Frame) error {
	update, err := crdt.Decode(frame.Payload)
	if err != nil {
		return s.reject(ReasonMalformedUpdate, err)
	}
	if len(update.Ops) == 0 {
		return s.reject(ReasonMalformedUpdate, fmt.Errorf("%w: update carries no operations", crdt.ErrMalformedUpdate))
	}
	sequence, err := s.persist(ctx, documents.KindUpdate, frame.Payload, update)
	if err != nil {
		return s.rejectOrClose(err)
	}
	return s.conn.WriteFrame(AckFrame(sequence))
}

// handleVector folds any operations the client sent along with its vector,
// then answers with the operations it lacks and the server's vector.
func (s *Session) handleVector(ctx context.Context, frame Frame) error {
	update, err := crdt.Decode(frame.Payload)
	if err != nil {
		return s.reject(ReasonMalformedUpdate, err)
	}
	if len(update.Ops) > 0 {
		sequence, err := s.persist(ctx, documents.KindVector, frame.Payload, update)
		if err != nil {
			return s.rejectOrClose(err)
		}
		if err := s.conn.WriteFrame(AckFrame(sequence)); err != nil {
			return err
		}
	}
	diff, vector, err := s.room.sync(ctx, update.Vector)
	if err != nil {
		return err
	}
	if err := s.conn.WriteFrame(Frame{Kind: FrameUpdate, Payload: diff}); err != nil {
		return err
	}
	return s.conn.WriteFrame(Frame{Kind: FrameVector, Payload: vector})
}

// persist appends the update, merges it into the shared replica and
// publishes it. Nothing is published unless the append succeeded, and a
// duplicate payload is acknowledged without being published again.
func (s *Session) persist(ctx context.Context, kind documents.Kind, payload []byte, update crdt.Update) (int64, error) {
	if err := documents.AssertOwnership(s.userID, s.document.OwnerID); err != nil {
		return 0, err
	}
	// An append in flight completes even if the client disconnects.
	result, err := s.coordinator.documents.Append(context.WithoutCancel(ctx), s.document.ID, s.userID, kind, payload)
	if err != nil {
		return 0, err
	}
	if result.Duplicate {
		return result.Sequence, nil
	}
	s.coordinator.metrics.UpdateAppended(string(kind))
	if err := s.room.apply(update, result.Sequence, s.id); err != nil {
		return 0, err
	}
	s.publish(context.WithoutCancel(ctx), fanout.SyncEvent{
		DocumentID: s.document.ID.String(),
		Kind:       string(kind),
		Origin:     s.id,
		UserID:     s.userID.String(),
		Sequence:   result.Sequence,
		Payload:    payload,
	})
	return result.Sequence, nil
}

func (s *Session) handleEphemeral(ctx context.Context, frame Frame) error {
	kind, _ := frame.Kind.recordKind()
	if _, err := s.coordinator.documents.Append(ctx, s.document.ID, s.userID, kind, frame.Payload); err != nil {
		return s.rejectOrClose(err)
	}
	s.room.presence.touch(s.userID.String())
	s.publish(ctx, fanout.SyncEvent{
		DocumentID: s.document.ID.String(),
		Kind:       string(kind),
		Origin:     s.id,
		UserID:     s.userID.String(),
		Payload:    frame.Payload,
	})
	return nil
}

func (s *Session) heartbeat(ctx context.Context) {
	s.room.presence.touch(s.userID.String())
	s.publish(ctx, fanout.SyncEvent{
		DocumentID: s.document.ID.String(),
		Kind:       string(documents.KindHeartbeat),
		Origin:     s.id,
		UserID:     s.userID.String(),
	})
}

func (s *Session) publish(ctx context.Context, event fanout.SyncEvent) {
	topic := fanout.DocumentTopic(event.DocumentID)
	if err := fanout.PublishEvent(ctx, s.coordinator.bus, topic, event); err != nil {
		s.logger.Warn("sync event publish failed", zap.String("kind", event.Kind), zap.Error(err))
		return
	}
	s.coordinator.metrics.EventPublished(event.Kind)
}

func (s *Session) reject(reason string, cause error) error {
	s.coordinator.metrics.UpdateRejected(reason)
	s.logger.Warn("client frame rejected", zap.String("reason", reason), zap.Error(cause))
	return s.conn.WriteFrame(RejectFrame(reason))
}

// rejectOrClose rejects the frame and keeps the session open, unless the
// document is gone, in which case the session ends.
func (s *Session) rejectOrClose(err error) error {
	reason := rejectReason(err)
	if writeErr := s.reject(reason, err); writeErr != nil {
		return writeErr
	}
	if errors.Is(err, documents.ErrDocumentDeleted) || errors.Is(err, documents.ErrDocumentNotFound) {
		return err
	}
	return nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, crdt.ErrMalformedUpdate):
		return ReasonMalformedUpdate
	case errors.Is(err, documents.ErrPermissionDenied):
		return ReasonPermissionDenied
	case errors.Is(err, documents.ErrDocumentDeleted):
		return ReasonDocumentDeleted
	case errors.Is(err, documents.ErrDocumentNotFound):
		return ReasonDocumentNotFound
	}
	return ReasonPersistenceFailure
}
