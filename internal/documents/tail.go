package documents

import (
	"context"
	"errors"
	"fmt"
)

const (
	opReadTail = "documents.read_tail"

	reasonTailUnstable = "tail_unstable"

	maxTailAttempts = 4
)

var errTailUnstable = errors.New("log kept moving behind newer snapshots")

// Tail is everything a replica at sequence After is missing. Snapshot is set
// when the records right after After were already folded and trimmed; the
// replica must merge it before the records.
type Tail struct {
	After    int64
	Snapshot *Snapshot
	Records  []UpdateRecord
	// Through is the highest sequence the tail covers.
	Through int64
}

// ReadTail returns the records after sequence after. When a compaction has
// trimmed the records that should follow after, the tail restarts from the
// newer snapshot, so a caller never skips a range it has not seen.
func (s *Service) ReadTail(ctx context.Context, documentID DocumentID, after int64) (Tail, error) {
	tail := Tail{After: after, Through: after}
	for range maxTailAttempts {
		records, err := s.collect(ctx, documentID, tail.Through+1)
		if err != nil {
			return Tail{}, err
		}
		if len(records) > 0 && records[0].Sequence == tail.Through+1 {
			tail.Records = records
			tail.Through = records[len(records)-1].Sequence
			return tail, nil
		}

		snapshot, found, err := s.GetSnapshot(ctx, documentID)
		if err != nil {
			return Tail{}, err
		}
		if found && snapshot.CompactedThrough > tail.Through {
			tail.Snapshot = &snapshot
			tail.Through = snapshot.CompactedThrough
			continue
		}
		// Sequences missing without a newer snapshot were never written.
		tail.Records = records
		if len(records) > 0 {
			tail.Through = records[len(records)-1].Sequence
		}
		return tail, nil
	}
	return Tail{}, newServiceError(opReadTail, reasonTailUnstable,
		fmt.Errorf("%w: %s after %d", errTailUnstable, documentID, after))
}

func (s *Service) collect(ctx context.Context, documentID DocumentID, from int64) ([]UpdateRecord, error) {
	var records []UpdateRecord
	for record, err := range s.ReadFrom(ctx, documentID, from) {
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}
