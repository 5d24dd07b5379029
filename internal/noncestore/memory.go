// Package noncestore remembers the nonces of signed vote and waiver payloads
// so a captured signature cannot be submitted twice.
package noncestore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sheikh-saqib/milestone-escrow/internal/interfaces"
)

// DefaultTTL is how long a nonce is remembered.
const DefaultTTL = 30 * 24 * time.Hour

type nonceKey struct {
	contributorID uuid.UUID
	nonce         string
}

// MemoryStore is a process-local NonceGuard for tests and single-instance runs.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	expires map[nonceKey]time.Time
}

// NewMemoryStore creates an empty store. ttl <= 0 uses DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		ttl:     ttl,
		now:     time.Now,
		expires: make(map[nonceKey]time.Time),
	}
}

func (s *MemoryStore) Claim(ctx context.Context, contributorID uuid.UUID, nonce string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	k := nonceKey{contributorID, nonce}
	if exp, ok := s.expires[k]; ok && now.Before(exp) {
		return false, nil
	}
	s.expires[k] = now.Add(s.ttl)
	return true, nil
}

// Sweep drops expired nonces and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for k, exp := range s.expires {
		if !now.Before(exp) {
			delete(s.expires, k)
			n++
		}
	}
	return n
}

var _ interfaces.NonceGuard = (*MemoryStore)(nil)
