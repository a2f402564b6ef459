// Package memory implements the challenge store as a mutex-guarded map for
// single-instance deployments and tests. Every read re-validates entry
// lifetimes, so the periodic sweep is garbage collection, not correctness.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/stockroomhq/stockroom/internal/models"
	"github.com/stockroomhq/stockroom/internal/store"
)

// Memory is an in-process implementation of store.Store.
type Memory struct {
	mu         sync.Mutex
	challenges map[string]*entry
	cooldowns  map[string]time.Time
}

type entry struct {
	ch        models.Challenge
	retainTil time.Time
}

// New returns an in-memory store.
func New() *Memory {
	return &Memory{
		challenges: make(map[string]*entry),
		cooldowns:  make(map[string]time.Time),
	}
}

// Ping always succeeds.
func (m *Memory) Ping(ctx context.Context) error {
	return nil
}

// SetChallenge stores a challenge, replacing any existing entry.
func (m *Memory) SetChallenge(ctx context.Context, purpose, email string, ch models.Challenge, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.challenges[key(purpose, email)] = &entry{
		ch:        ch,
		retainTil: time.Now().Add(ttl),
	}
	return nil
}

// CheckChallenge fetches a challenge, incrementing the attempt counter
// under the store lock when counter=true.
func (m *Memory) CheckChallenge(ctx context.Context, purpose, email string, counter bool) (models.Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, exists := m.live(purpose, email)
	if !exists {
		return models.Challenge{}, store.ErrNotExist
	}

	if counter {
		e.ch.Attempts++
	}
	return e.ch, nil
}

// LockChallenge records an attempt lockout and stretches retention past it.
func (m *Memory) LockChallenge(ctx context.Context, purpose, email string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, exists := m.live(purpose, email)
	if !exists {
		return store.ErrNotExist
	}

	e.ch.LockedUntil = until
	if stretch := until.Add(time.Minute); stretch.After(e.retainTil) {
		e.retainTil = stretch
	}
	return nil
}

// DeleteChallenge removes the challenge.
func (m *Memory) DeleteChallenge(ctx context.Context, purpose, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.challenges, key(purpose, email))
	return nil
}

// ReserveSend claims the cooldown slot for an identity as one atomic
// check-and-set under the store lock.
func (m *Memory) ReserveSend(ctx context.Context, email string, window time.Duration) (time.Duration, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if until, exists := m.cooldowns[email]; exists && now.Before(until) {
		return until.Sub(now), false, nil
	}

	m.cooldowns[email] = now.Add(window)
	return 0, true, nil
}

// Run sweeps expired challenges and cooldowns every interval until ctx is
// cancelled. Bootstrap owns this goroutine; nothing starts it implicitly.
func (m *Memory) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.sweep(time.Now())
		}
	}
}

func (m *Memory) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, e := range m.challenges {
		if now.After(e.retainTil) {
			delete(m.challenges, k)
		}
	}
	for k, until := range m.cooldowns {
		if now.After(until) {
			delete(m.cooldowns, k)
		}
	}
}

// live fetches an entry, lazily dropping it when retention has passed.
// Callers hold m.mu.
func (m *Memory) live(purpose, email string) (*entry, bool) {
	k := key(purpose, email)
	e, exists := m.challenges[k]
	if !exists {
		return nil, false
	}
	if time.Now().After(e.retainTil) {
		delete(m.challenges, k)
		return nil, false
	}
	return e, true
}

func key(purpose, email string) string {
	return purpose + ":" + email
}
