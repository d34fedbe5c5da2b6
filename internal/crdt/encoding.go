package crdt

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ErrMalformedUpdate indicates that a payload is not a valid CRDT update.
var ErrMalformedUpdate = errors.New("crdt: malformed update")

var (
	encMode = mustEncMode()
	decMode = mustDecMode()
)

func mustEncMode() cbor.EncMode {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}

func mustDecMode() cbor.DecMode {
	mode, err := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return mode
}

// Encode serializes update deterministically: equal updates encode to equal
// bytes.
func Encode(update Update) ([]byte, error) {
	ops := append([]Op(nil), update.Ops...)
	sortOps(ops)
	return encMode.Marshal(Update{Ops: ops, Vector: update.Vector})
}

// Decode parses and validates an encoded update.
func Decode(payload []byte) (Update, error) {
	if len(payload) == 0 {
		return Update{}, fmt.Errorf("%w: empty payload", ErrMalformedUpdate)
	}
	var update Update
	if err := decMode.Unmarshal(payload, &update); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	for _, op := range update.Ops {
		if err := validateOp(op); err != nil {
			return Update{}, err
		}
	}
	return update, nil
}

// Encode serializes the full replica state.
func (d *Doc) Encode() ([]byte, error) {
	return Encode(d.Snapshot())
}

// Load rebuilds a replica from an encoded state. An empty state yields an
// empty replica.
func Load(state []byte) (*Doc, error) {
	doc := New()
	if len(state) == 0 {
		return doc, nil
	}
	if _, err := doc.ApplyEncoded(state); err != nil {
		return nil, err
	}
	return doc, nil
}

// EncodeVector serializes a state vector as a vector-only update.
func EncodeVector(vector StateVector) ([]byte, error) {
	return Encode(Update{Vector: vector})
}

// MergeUpdates folds several encoded updates into one.
func MergeUpdates(payloads ...[]byte) ([]byte, error) {
	doc := New()
	for _, payload := range payloads {
		if _, err := doc.ApplyEncoded(payload); err != nil {
			return nil, err
		}
	}
	return doc.Encode()
}

func validateOp(op Op) error {
	switch {
	case op.ID.Client == 0:
		return fmt.Errorf("%w: zero client id", ErrMalformedUpdate)
	case op.ID.Clock == 0:
		return fmt.Errorf("%w: zero clock", ErrMalformedUpdate)
	case op.Key == "":
		return fmt.Errorf("%w: empty key", ErrMalformedUpdate)
	}
	return nil
}
