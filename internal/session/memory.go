package session

import (
	"context"
	"sync"
	"time"
)

const sweepInterval = time.Minute

type revocationEntry struct {
	revokedAt time.Time
	expiresAt time.Time
}

// MemoryRevocations is a single-instance RevocationStore backed by a
// mutex-guarded map with a background sweep of expired entries.
type MemoryRevocations struct {
	mu      sync.Mutex
	entries map[string]revocationEntry
	done    chan struct{}
	once    sync.Once
}

func NewMemoryRevocations() *MemoryRevocations {
	s := &MemoryRevocations{
		entries: make(map[string]revocationEntry),
		done:    make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

func (s *MemoryRevocations) Revoke(_ context.Context, accountID string, ttl time.Duration) error {
	now := time.Now().UTC()
	expiry := now.Add(ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[accountID]; ok && existing.expiresAt.After(expiry) {
		// Last write wins on the threshold, but a shorter TTL must not
		// shrink the protection window of an earlier revoke.
		expiry = existing.expiresAt
	}
	s.entries[accountID] = revocationEntry{revokedAt: now, expiresAt: expiry}
	return nil
}

func (s *MemoryRevocations) IsValid(_ context.Context, accountID string, issuedAt time.Time) (bool, error) {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[accountID]
	if !ok || now.After(entry.expiresAt) {
		return true, nil
	}
	return issuedAt.After(entry.revokedAt), nil
}

func (s *MemoryRevocations) Stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *MemoryRevocations) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			now := time.Now().UTC()
			s.mu.Lock()
			for id, entry := range s.entries {
				if now.After(entry.expiresAt) {
					delete(s.entries, id)
				}
			}
			s.mu.Unlock()
		}
	}
}

// MemoryReplay is a single-instance ReplayGuard over a bounded-lifetime
// set of assertion digests.
type MemoryReplay struct {
	mu     sync.Mutex
	used   map[string]time.Time
	window time.Duration
	done   chan struct{}
	once   sync.Once
}

func NewMemoryReplay(window time.Duration) *MemoryReplay {
	if window <= 0 {
		window = DefaultReplayWindow
	}
	g := &MemoryReplay{
		used:   make(map[string]time.Time),
		window: window,
		done:   make(chan struct{}),
	}
	go g.sweepLoop()
	return g
}

func (g *MemoryReplay) IsUsed(_ context.Context, assertion string) (bool, error) {
	key := hashAssertion(assertion)
	threshold := time.Now().UTC().Add(-g.window)

	g.mu.Lock()
	defer g.mu.Unlock()

	consumedAt, ok := g.used[key]
	return ok && consumedAt.After(threshold), nil
}

func (g *MemoryReplay) MarkUsed(_ context.Context, assertion string) error {
	key := hashAssertion(assertion)

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.used[key]; !ok {
		g.used[key] = time.Now().UTC()
	}
	return nil
}

func (g *MemoryReplay) Stop() {
	g.once.Do(func() { close(g.done) })
}

func (g *MemoryReplay) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
			threshold := time.Now().UTC().Add(-g.window)
			g.mu.Lock()
			for key, consumedAt := range g.used {
				if consumedAt.Before(threshold) {
					delete(g.used, key)
				}
			}
			g.mu.Unlock()
		}
	}
}
