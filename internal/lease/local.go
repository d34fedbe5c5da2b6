package lease

import (
	"context"
	"sync"
	"time"
)

// LocalManager grants leases within a single process. It suits single-node
// deployments and tests.
type LocalManager struct {
	mu     sync.Mutex
	clock  func() time.Time
	leases map[string]Lease
}

// NewLocalManager constructs a LocalManager. A nil clock uses time.Now.
func NewLocalManager(clock func() time.Time) *LocalManager {
	if clock == nil {
		clock = time.Now
	}
	return &LocalManager{clock: clock, leases: make(map[string]Lease)}
}

func (m *LocalManager) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		return Lease{}, ErrInvalidTTL
	}
	if err := ctx.Err(); err != nil {
		return Lease{}, err
	}
	token, err := newToken()
	if err != nil {
		return Lease{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	if current, ok := m.leases[key]; ok && now.Before(current.ExpiresAt) {
		return Lease{}, ErrLockHeld
	}
	held := Lease{Key: key, Token: token, TTL: ttl, ExpiresAt: now.Add(ttl)}
	m.leases[key] = held
	return held, nil
}

func (m *LocalManager) Extend(ctx context.Context, held Lease, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		return Lease{}, ErrInvalidTTL
	}
	if err := ctx.Err(); err != nil {
		return Lease{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	current, ok := m.leases[held.Key]
	if !ok || current.Token != held.Token || !now.Before(current.ExpiresAt) {
		return Lease{}, ErrLeaseExpired
	}
	current.TTL = ttl
	current.ExpiresAt = now.Add(ttl)
	m.leases[held.Key] = current
	return current, nil
}

func (m *LocalManager) Release(_ context.Context, held Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.leases[held.Key]
	if !ok || current.Token != held.Token {
		return ErrLeaseExpired
	}
	delete(m.leases, held.Key)
	if !m.clock().Before(current.ExpiresAt) {
		return ErrLeaseExpired
	}
	return nil
}
