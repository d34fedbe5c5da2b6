// Package lease grants exclusive, time-bounded leases keyed by resource.
//
// Acquisition never waits: a lease that is already held, or whose holder
// cannot be ruled out, fails immediately with ErrLockHeld. A lease expires on
// its own after its TTL, so a crashed holder never blocks others for longer
// than that.
package lease

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrLockHeld reports that another holder may own the lease. It is a
	// control-flow signal, not a failure.
	ErrLockHeld = errors.New("lease: lock held")
	// ErrLeaseExpired reports that the lease was lost before it could be
	// extended or released.
	ErrLeaseExpired = errors.New("lease: lease expired")
	// ErrInvalidTTL reports a non-positive TTL.
	ErrInvalidTTL = errors.New("lease: ttl must be positive")
)

// Lease is a held lease.
type Lease struct {
	Key       string
	Token     string
	TTL       time.Duration
	ExpiresAt time.Time
}

// Manager acquires, extends and releases leases.
type Manager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
	Extend(ctx context.Context, held Lease, ttl time.Duration) (Lease, error)
	Release(ctx context.Context, held Lease) error
}

// CompactionKey names the compaction lease of a document.
func CompactionKey(documentID string) string {
	return "lock:compact:" + documentID
}

func newToken() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
