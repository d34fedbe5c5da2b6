package session

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/documents"
)

// FrameKind is the first byte of every frame exchanged with a client.
type FrameKind byte

const (
	FrameUpdate    FrameKind = 1
	FrameVector    FrameKind = 2
	FrameAwareness FrameKind = 3
	FrameHeartbeat FrameKind = 4
	FrameAck       FrameKind = 5
	FrameReject    FrameKind = 6
)

// ErrMalformedFrame indicates a frame that cannot be parsed.
var ErrMalformedFrame = errors.New("session: malformed frame")

// Frame is one client message.
type Frame struct {
	Kind    FrameKind
	Payload []byte
}

func (kind FrameKind) String() string {
	switch kind {
	case FrameUpdate:
		return "UPDATE"
	case FrameVector:
		return "VECTOR"
	case FrameAwareness:
		return "AWARENESS"
	case FrameHeartbeat:
		return "HEARTBEAT"
	case FrameAck:
		return "ACK"
	case FrameReject:
		return "REJECT"
	}
	return fmt.Sprintf("FrameKind(%d)", byte(kind))
}

// recordKind maps client-originated frames to update log kinds.
func (kind FrameKind) recordKind() (documents.Kind, bool) {
	switch kind {
	case FrameUpdate:
		return documents.KindUpdate, true
	case FrameVector:
		return documents.KindVector, true
	case FrameAwareness:
		return documents.KindAwareness, true
	case FrameHeartbeat:
		return documents.KindHeartbeat, true
	}
	return "", false
}

func frameKindFor(kind documents.Kind) FrameKind {
	switch kind {
	case documents.KindAwareness:
		return FrameAwareness
	case documents.KindHeartbeat:
		return FrameHeartbeat
	}
	return FrameUpdate
}

// EncodeFrame lays out a frame as its kind byte followed by the payload.
func EncodeFrame(frame Frame) []byte {
	encoded := make([]byte, 0, len(frame.Payload)+1)
	encoded = append(encoded, byte(frame.Kind))
	return append(encoded, frame.Payload...)
}

// DecodeFrame parses a frame produced by EncodeFrame.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}
	kind := FrameKind(data[0])
	if kind < FrameUpdate || kind > FrameReject {
		return Frame{}, fmt.Errorf("%w: unknown kind %d", ErrMalformedFrame, data[0])
	}
	return Frame{Kind: kind, Payload: data[1:]}, nil
}

// AckFrame acknowledges a persisted update at sequence.
func AckFrame(sequence int64) Frame {
	return Frame{Kind: FrameAck, Payload: binary.AppendUvarint(nil, uint64(sequence))}
}

// AckSequence reads the sequence carried by an ACK frame.
func AckSequence(frame Frame) (int64, error) {
	if frame.Kind != FrameAck {
		return 0, fmt.Errorf("%w: expected ACK, got %s", ErrMalformedFrame, frame.Kind)
	}
	sequence, read := binary.Uvarint(frame.Payload)
	if read <= 0 {
		return 0, fmt.Errorf("%w: bad ACK payload", ErrMalformedFrame)
	}
	return int64(sequence), nil
}

// RejectFrame tells the client its frame was refused and why.
func RejectFrame(reason string) Frame {
	return Frame{Kind: FrameReject, Payload: []byte(reason)}
}
