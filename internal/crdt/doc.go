// Package crdt implements the replicated document primitive used by the sync
// engine: a grow-only set of operations over a last-writer-wins field map.
//
// Merging two replicas is the union of their operation sets, which makes
// Apply associative, commutative and idempotent. Field values are resolved by
// the highest (Lamport, Client, Clock) triple, so every replica holding the
// same operations materializes the same fields regardless of arrival order.
//
// A Doc is not safe for concurrent use; callers serialize access.
package crdt

import (
	"sort"
	"unicode/utf8"
)

// ClientID identifies a replica that emits operations.
type ClientID uint64

// OpID uniquely identifies an operation by its emitting client and that
// client's local clock.
type OpID struct {
	Client ClientID `cbor:"1,keyasint"`
	Clock  uint64   `cbor:"2,keyasint"`
}

func (id OpID) less(other OpID) bool {
	if id.Client != other.Client {
		return id.Client < other.Client
	}
	return id.Clock < other.Clock
}

// Op writes (or tombstones) a single field.
type Op struct {
	ID      OpID   `cbor:"1,keyasint"`
	Lamport uint64 `cbor:"2,keyasint"`
	Key     string `cbor:"3,keyasint"`
	Value   string `cbor:"4,keyasint,omitempty"`
	Deleted bool   `cbor:"5,keyasint,omitempty"`
}

// wins reports whether op supersedes other for the same key.
func (op Op) wins(other Op) bool {
	if op.Lamport != other.Lamport {
		return op.Lamport > other.Lamport
	}
	if op.ID.Client != other.ID.Client {
		return op.ID.Client > other.ID.Client
	}
	return op.ID.Clock > other.ID.Clock
}

// StateVector maps each client to the highest clock for which every earlier
// operation of that client is also present.
type StateVector map[ClientID]uint64

// Covers reports whether the vector already includes the operation.
func (v StateVector) Covers(id OpID) bool {
	return id.Clock <= v[id.Client]
}

// Update is the wire unit exchanged between replicas. Ops carries operations
// to merge; Vector optionally carries the sender's state vector.
type Update struct {
	Ops    []Op        `cbor:"1,keyasint,omitempty"`
	Vector StateVector `cbor:"2,keyasint,omitempty"`
}

// Doc is an in-memory replica.
type Doc struct {
	ops     map[OpID]Op
	winners map[string]Op
	vector  StateVector
	clocks  map[ClientID]uint64
	lamport uint64
}

// New returns an empty replica.
func New() *Doc {
	return &Doc{
		ops:     make(map[OpID]Op),
		winners: make(map[string]Op),
		vector:  make(StateVector),
		clocks:  make(map[ClientID]uint64),
	}
}

// Apply merges the update's operations and returns how many were new.
// Operations already present are ignored. The update is validated as a whole
// before anything is merged.
func (d *Doc) Apply(update Update) (int, error) {
	for _, op := range update.Ops {
		if err := validateOp(op); err != nil {
			return 0, err
		}
	}
	added := 0
	touched := make(map[ClientID]struct{})
	for _, op := range update.Ops {
		if _, exists := d.ops[op.ID]; exists {
			continue
		}
		d.ops[op.ID] = op
		added++
		touched[op.ID.Client] = struct{}{}
		if op.ID.Clock > d.clocks[op.ID.Client] {
			d.clocks[op.ID.Client] = op.ID.Clock
		}
		if op.Lamport > d.lamport {
			d.lamport = op.Lamport
		}
		current, ok := d.winners[op.Key]
		if !ok || op.wins(current) {
			d.winners[op.Key] = op
		}
	}
	for client := range touched {
		next := d.vector[client]
		for {
			if _, ok := d.ops[OpID{Client: client, Clock: next + 1}]; !ok {
				break
			}
			next++
		}
		if next > 0 {
			d.vector[client] = next
		}
	}
	return added, nil
}

// ApplyEncoded decodes payload and merges it.
func (d *Doc) ApplyEncoded(payload []byte) (int, error) {
	update, err := Decode(payload)
	if err != nil {
		return 0, err
	}
	return d.Apply(update)
}

// Set records a local write of key=value by client and returns the update to
// broadcast.
func (d *Doc) Set(client ClientID, key, value string) Update {
	return d.local(client, key, value, false)
}

// Delete records a local tombstone for key.
func (d *Doc) Delete(client ClientID, key string) Update {
	return d.local(client, key, "", true)
}

func (d *Doc) local(client ClientID, key, value string, deleted bool) Update {
	op := Op{
		ID:      OpID{Client: client, Clock: d.clocks[client] + 1},
		Lamport: d.lamport + 1,
		Key:     key,
		Value:   value,
		Deleted: deleted,
	}
	update := Update{Ops: []Op{op}}
	// Locally produced ops are valid by construction.
	_, _ = d.Apply(update)
	return update
}

// StateVector returns a copy of the replica's state vector.
func (d *Doc) StateVector() StateVector {
	vector := make(StateVector, len(d.vector))
	for client, clock := range d.vector {
		vector[client] = clock
	}
	return vector
}

// Diff returns the operations not covered by vector, in canonical order.
func (d *Doc) Diff(vector StateVector) Update {
	ops := make([]Op, 0)
	for id, op := range d.ops {
		if vector.Covers(id) {
			continue
		}
		ops = append(ops, op)
	}
	sortOps(ops)
	return Update{Ops: ops}
}

// Snapshot returns every operation as a single update in canonical order.
func (d *Doc) Snapshot() Update {
	return d.Diff(nil)
}

// Get returns the materialized value of key.
func (d *Doc) Get(key string) (string, bool) {
	op, ok := d.winners[key]
	if !ok || op.Deleted {
		return "", false
	}
	return op.Value, true
}

// Fields materializes every live field.
func (d *Doc) Fields() map[string]string {
	fields := make(map[string]string, len(d.winners))
	for key, op := range d.winners {
		if op.Deleted {
			continue
		}
		fields[key] = op.Value
	}
	return fields
}

// CharacterCount returns the number of runes across live field values.
func (d *Doc) CharacterCount() int {
	count := 0
	for _, op := range d.winners {
		if op.Deleted {
			continue
		}
		count += utf8.RuneCountInString(op.Value)
	}
	return count
}

// Len returns the number of operations held.
func (d *Doc) Len() int {
	return len(d.ops)
}

// Clone returns an independent copy of the replica.
func (d *Doc) Clone() *Doc {
	clone := New()
	_, _ = clone.Apply(d.Snapshot())
	return clone
}

// Equal reports whether two replicas hold the same operation set.
func Equal(left, right *Doc) bool {
	if len(left.ops) != len(right.ops) {
		return false
	}
	for id, op := range left.ops {
		other, ok := right.ops[id]
		if !ok || other != op {
			return false
		}
	}
	return true
}

func sortOps(ops []Op) {
	sort.Slice(ops, func(i, j int) bool {
		return ops[i].ID.less(ops[j].ID)
	})
}
