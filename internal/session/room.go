package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/documents"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/fanout"
	"go.uber.org/zap"
)

var errRoomClosed = errors.New("session: document stream ended")

// room holds the in-memory replica of one document for every session in
// this process. It lives while at least one session references it and is
// the single point through which the replica is mutated.
//
// applied is the highest log sequence folded into the replica without a
// gap. Bus events only advance it when they arrive in order; anything else
// makes the room read the missing range back from the log.
type room struct {
	documentID documents.DocumentID
	ready      chan struct{}
	err        error
	refs       int // guarded by Coordinator.mu

	mu       sync.Mutex
	replica  *crdt.Doc
	applied  int64
	origins  map[int64]string
	members  map[string]*Session
	presence *presence

	store        *documents.Service
	subscription *fanout.Subscription
	closing      atomic.Bool
	stop         context.CancelFunc
	relayDone    chan struct{}
	logger       *zap.Logger
}

func newRoom(documentID documents.DocumentID, presence *presence, logger *zap.Logger) *room {
	return &room{
		documentID: documentID,
		ready:      make(chan struct{}),
		origins:    make(map[int64]string),
		members:    make(map[string]*Session),
		presence:   presence,
		logger:     logger,
	}
}

// load subscribes to the document topic and then replays the snapshot and
// log tail. Subscribing first means no event published during the replay
// is missed; replaying an event twice is harmless.
func (r *room) load(ctx context.Context, store *documents.Service, bus fanout.Bus) error {
	subscription, err := bus.Subscribe(context.WithoutCancel(ctx), fanout.DocumentTopic(r.documentID.String()))
	if err != nil {
		return err
	}
	r.store = store
	r.replica = crdt.New()
	snapshot, found, err := store.GetSnapshot(ctx, r.documentID)
	if err == nil && found {
		if r.replica, err = crdt.Load(snapshot.State); err != nil {
			err = fmt.Errorf("session: load snapshot for %s: %w", r.documentID, err)
		}
		r.applied = snapshot.CompactedThrough
	}
	if err == nil {
		r.mu.Lock()
		err = r.catchUp(ctx)
		r.mu.Unlock()
	}
	if err != nil {
		subscription.Close()
		return err
	}

	relayCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	r.subscription = subscription
	r.stop = stop
	r.relayDone = make(chan struct{})
	go r.relay(relayCtx)
	return nil
}

// catchUp folds the log after the applied watermark into the replica and
// forwards every newly seen record to the members, except the session that
// wrote it. Callers hold r.mu.
func (r *room) catchUp(ctx context.Context) error {
	tail, err := r.store.ReadTail(ctx, r.documentID, r.applied)
	if err != nil {
		return err
	}
	if tail.Snapshot != nil {
		before := r.replica.StateVector()
		if _, err := r.replica.ApplyEncoded(tail.Snapshot.State); err != nil {
			return fmt.Errorf("session: merge snapshot for %s: %w", r.documentID, err)
		}
		if missing := r.replica.Diff(before); len(missing.Ops) > 0 {
			payload, err := crdt.Encode(missing)
			if err != nil {
				return err
			}
			r.broadcastLocked("", Frame{Kind: FrameUpdate, Payload: payload})
		}
	}
	for _, record := range tail.Records {
		if !record.Kind.Persistent() {
			continue
		}
		if _, err := r.replica.ApplyEncoded(record.Payload); err != nil {
			r.logger.Warn("undecodable log record skipped",
				zap.String("document_id", r.documentID.String()),
				zap.Int64("sequence", record.Sequence),
				zap.Error(err))
			continue
		}
		r.broadcastLocked(r.origins[record.Sequence], Frame{Kind: frameKindFor(record.Kind), Payload: record.Payload})
	}
	r.advance(tail.Through)
	return nil
}

func (r *room) advance(through int64) {
	if through <= r.applied {
		return
	}
	r.applied = through
	for sequence := range r.origins {
		if sequence <= through {
			delete(r.origins, sequence)
		}
	}
}

// relay applies events from the bus to the replica and forwards them to
// every member except the one that published them.
func (r *room) relay(ctx context.Context) {
	defer close(r.relayDone)
	for message := range r.subscription.Events() {
		event, err := fanout.DecodeEvent[fanout.SyncEvent](message)
		if err != nil {
			r.logger.Warn("undecodable sync event dropped", zap.String("document_id", r.documentID.String()), zap.Error(err))
			continue
		}
		kind := documents.Kind(event.Kind)
		switch {
		case kind.Persistent():
			r.receive(ctx, event)
		case kind == documents.KindAwareness || kind == documents.KindHeartbeat:
			r.presence.touch(event.UserID)
			payload := event.Payload
			if kind == documents.KindHeartbeat {
				payload = []byte(event.UserID)
			}
			r.broadcast(event.Origin, Frame{Kind: frameKindFor(kind), Payload: payload})
		}
	}
	if !r.closing.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for _, member := range r.members {
			member.kick(errRoomClosed)
		}
	}
}

// receive folds one persisted event. An event at or below the watermark was
// already delivered by a catch-up; one past the next expected sequence
// means the bus lost something, so the log is read first.
func (r *room) receive(ctx context.Context, event fanout.SyncEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if event.Sequence > 0 && event.Sequence <= r.applied {
		return
	}
	if event.Sequence > r.applied+1 {
		r.origins[event.Sequence] = event.Origin
		if err := r.catchUp(ctx); err != nil {
			r.logger.Warn("log catch-up failed",
				zap.String("document_id", r.documentID.String()),
				zap.Int64("applied", r.applied),
				zap.Int64("sequence", event.Sequence),
				zap.Error(err))
		}
		if event.Sequence <= r.applied {
			return
		}
	}
	if _, err := r.replica.ApplyEncoded(event.Payload); err != nil {
		r.logger.Warn("sync event rejected by replica", zap.String("document_id", r.documentID.String()), zap.Error(err))
		return
	}
	if event.Sequence == r.applied+1 {
		r.advance(event.Sequence)
	}
	r.broadcastLocked(event.Origin, Frame{Kind: frameKindFor(documents.Kind(event.Kind)), Payload: event.Payload})
}

// apply merges an update the local session origin just persisted at
// sequence. Its bus event, or a catch-up, forwards it to the other members.
func (r *room) apply(update crdt.Update, sequence int64, origin string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.replica.Apply(update); err != nil {
		return err
	}
	if sequence > r.applied {
		r.origins[sequence] = origin
	}
	return nil
}

func (r *room) broadcast(origin string, frame Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastLocked(origin, frame)
}

func (r *room) broadcastLocked(origin string, frame Frame) {
	for id, member := range r.members {
		if id == origin {
			continue
		}
		member.deliver(frame)
	}
}

// join registers member and returns the full state and state vector, taken
// atomically with the registration after catching up with the log.
func (r *room) join(ctx context.Context, member *Session) ([]byte, []byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.catchUp(ctx); err != nil {
		return nil, nil, err
	}
	state, err := crdt.Encode(r.replica.Snapshot())
	if err != nil {
		return nil, nil, err
	}
	vector, err := crdt.EncodeVector(r.replica.StateVector())
	if err != nil {
		return nil, nil, err
	}
	r.members[member.id] = member
	return state, vector, nil
}

func (r *room) leave(member *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, member.id)
}

// sync returns the operations missing from vector and the replica's vector,
// after catching up with the log.
func (r *room) sync(ctx context.Context, vector crdt.StateVector) ([]byte, []byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.catchUp(ctx); err != nil {
		return nil, nil, err
	}
	diff, err := crdt.Encode(r.replica.Diff(vector))
	if err != nil {
		return nil, nil, err
	}
	current, err := crdt.EncodeVector(r.replica.StateVector())
	if err != nil {
		return nil, nil, err
	}
	return diff, current, nil
}

func (r *room) close() {
	r.closing.Store(true)
	if r.subscription == nil {
		return
	}
	r.subscription.Close()
	r.stop()
	<-r.relayDone
}
