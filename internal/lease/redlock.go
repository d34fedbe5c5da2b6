package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	redsyncredis "github.com/go-redsync/redsync/v4/redis"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedlockConfig describes the Redis instances that form the lock quorum.
type RedlockConfig struct {
	// Clients are independent Redis servers. A lease needs a majority of them.
	Clients []goredislib.UniversalClient
	Clock   func() time.Time
	Logger  *zap.Logger
}

// RedlockManager grants leases by majority agreement across several Redis
// servers, so losing a minority of them neither blocks nor duplicates leases.
type RedlockManager struct {
	sync   *redsync.Redsync
	clock  func() time.Time
	logger *zap.Logger
}

// NewRedlockManager constructs a RedlockManager.
func NewRedlockManager(cfg RedlockConfig) (*RedlockManager, error) {
	if len(cfg.Clients) == 0 {
		return nil, fmt.Errorf("lease: at least one redis client is required")
	}
	pools := make([]redsyncredis.Pool, 0, len(cfg.Clients))
	for _, client := range cfg.Clients {
		pools = append(pools, goredis.NewPool(client))
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedlockManager{sync: redsync.New(pools...), clock: clock, logger: logger}, nil
}

func (m *RedlockManager) mutex(key, token string, ttl time.Duration) *redsync.Mutex {
	return m.sync.NewMutex(key,
		redsync.WithExpiry(ttl),
		redsync.WithTries(1),
		redsync.WithValue(token),
		redsync.WithGenValueFunc(func() (string, error) { return token, nil }),
	)
}

// Acquire makes a single attempt. Anything short of a confirmed majority,
// including unreachable servers, reports ErrLockHeld.
func (m *RedlockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		return Lease{}, ErrInvalidTTL
	}
	token, err := newToken()
	if err != nil {
		return Lease{}, err
	}
	mutex := m.mutex(key, token, ttl)
	if err := mutex.TryLockContext(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Lease{}, ctxErr
		}
		var redisErr *redsync.RedisError
		if errors.As(err, &redisErr) {
			m.logger.Warn("lease server unreachable during acquisition",
				zap.String("lease_key", key), zap.Error(err))
		}
		return Lease{}, fmt.Errorf("%w: %s", ErrLockHeld, key)
	}
	return Lease{Key: key, Token: token, TTL: ttl, ExpiresAt: mutex.Until()}, nil
}

// Extend resets the lease's expiry to ttl from now.
func (m *RedlockManager) Extend(ctx context.Context, held Lease, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		return Lease{}, ErrInvalidTTL
	}
	if !m.clock().Before(held.ExpiresAt) {
		return Lease{}, fmt.Errorf("%w: %s", ErrLeaseExpired, held.Key)
	}
	mutex := m.mutex(held.Key, held.Token, ttl)
	ok, err := mutex.ExtendContext(ctx)
	if err != nil || !ok {
		return Lease{}, fmt.Errorf("%w: %s", ErrLeaseExpired, held.Key)
	}
	held.TTL = ttl
	held.ExpiresAt = mutex.Until()
	return held, nil
}

// Release deletes the lease on every server where it is still ours.
func (m *RedlockManager) Release(ctx context.Context, held Lease) error {
	mutex := m.mutex(held.Key, held.Token, held.TTL)
	ok, err := mutex.UnlockContext(ctx)
	if err != nil || !ok {
		return fmt.Errorf("%w: %s", ErrLeaseExpired, held.Key)
	}
	return nil
}
