package session

import (
	"sort"
	"sync"
	"time"
)

// presence tracks when each collaborator was last heard from. It drives UI
// only; nothing depends on it for correctness.
type presence struct {
	mu      sync.Mutex
	clock   func() time.Time
	timeout time.Duration
	seen    map[string]time.Time
}

func newPresence(clock func() time.Time, timeout time.Duration) *presence {
	return &presence{clock: clock, timeout: timeout, seen: make(map[string]time.Time)}
}

func (p *presence) touch(userID string) {
	if userID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen[userID] = p.clock()
}

// present lists users heard from within the timeout and forgets the rest.
func (p *presence) present() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock()
	users := make([]string, 0, len(p.seen))
	for userID, at := range p.seen {
		if now.Sub(at) > p.timeout {
			delete(p.seen, userID)
			continue
		}
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}
