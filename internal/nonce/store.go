// Package nonce provides single-use nonce storage for replay protection.
// A nonce is stored when its elicitation is created and consumed exactly once
// by the response; consumed nonces keep their set membership until TTL expiry
// so a replayed response keeps failing.
package nonce

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

var (
	// ErrDuplicate means the nonce is already present (active or consumed).
	ErrDuplicate = errors.New("nonce: duplicate")
	// ErrUnknown means the nonce was never stored or already expired.
	ErrUnknown = errors.New("nonce: unknown")
	// ErrConsumed means the nonce was already used: a replay.
	ErrConsumed = errors.New("nonce: already consumed")
)

// Store is the replay guard. Implementations: MemoryStore for a single
// process, RedisStore for multi-instance deployments.
type Store interface {
	// StoreNonce registers a fresh nonce bound to an elicitation.
	StoreNonce(ctx context.Context, nonce, elicitationID string, ttl time.Duration) error
	// ConsumeNonce marks a nonce used. Exactly one call succeeds.
	ConsumeNonce(ctx context.Context, nonce string) error
	// Active reports whether the nonce exists and is unconsumed.
	Active(ctx context.Context, nonce string) bool
}

type entry struct {
	elicitationID string
	storedAt      time.Time
	expiresAt     time.Time
	consumed      bool
}

// MemoryStore keeps nonces in a single-lock map, the expected-contention-low
// discipline: the lock covers only set membership and TTL metadata writes.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*entry
	logger  *slog.Logger

	consumedCount int64
	replayCount   int64
}

func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		entries: make(map[string]*entry),
		logger:  logger.With("component", "nonce"),
	}
}

func (s *MemoryStore) StoreNonce(_ context.Context, nonce, elicitationID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if e, ok := s.entries[nonce]; ok && now.Before(e.expiresAt) {
		return ErrDuplicate
	}
	s.entries[nonce] = &entry{
		elicitationID: elicitationID,
		storedAt:      now,
		expiresAt:     now.Add(ttl),
	}
	return nil
}

func (s *MemoryStore) ConsumeNonce(_ context.Context, nonce string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[nonce]
	if !ok || time.Now().After(e.expiresAt) {
		return ErrUnknown
	}
	if e.consumed {
		s.replayCount++
		return ErrConsumed
	}
	e.consumed = true
	s.consumedCount++
	return nil
}

func (s *MemoryStore) Active(_ context.Context, nonce string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[nonce]
	return ok && !e.consumed && time.Now().Before(e.expiresAt)
}

// ReplayAttempts counts consume calls rejected as replays.
func (s *MemoryStore) ReplayAttempts() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replayCount
}

// sweep removes entries past TTL, consumed or not, and returns the count.
func (s *MemoryStore) sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for nonce, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, nonce)
			removed++
		}
	}
	return removed
}

// RunSweeper expires old nonces on an interval (hourly per the default
// config) until ctx is done. Sleeps carry jitter so co-scheduled sweeps
// don't align.
func (s *MemoryStore) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	for {
		jitter := time.Duration(rand.Int63n(int64(interval) / 10))
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval + jitter):
		}
		if removed := s.sweep(time.Now()); removed > 0 {
			s.logger.Debug("nonce sweep", "removed", removed)
		}
	}
}
