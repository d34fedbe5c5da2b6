package compaction

import (
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/documents"
)

// DefaultThreshold is how long a document must go without writes before its
// log is compacted.
const DefaultThreshold = 24 * time.Hour

// Policy decides compaction eligibility. It matches the stale document
// query used by the sweep.
type Policy struct {
	Threshold time.Duration
}

func (p Policy) threshold() time.Duration {
	if p.Threshold <= 0 {
		return DefaultThreshold
	}
	return p.Threshold
}

// Cutoff is the latest update time that still qualifies at now.
func (p Policy) Cutoff(now time.Time) time.Time {
	return now.Add(-p.threshold())
}

// Eligible reports whether document has been quiet for longer than the
// threshold and its snapshot no longer covers its log.
func (p Policy) Eligible(document documents.Document, now time.Time) bool {
	if document.Deleted() {
		return false
	}
	if !document.UpdatedAt.Before(p.Cutoff(now)) {
		return false
	}
	if document.CompactedAt.IsZero() {
		return true
	}
	return document.CompactedAt.Before(document.UpdatedAt) || document.CompactedThrough < document.LastSequence
}
