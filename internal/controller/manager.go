package controller

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"tradedesk/internal/session"
)

// Factory returns the broker gateway and stores bound to one user.
type Factory func(userID string) (session.BrokerAPI, Stores, error)

// MultiUserManager keeps one Controller per active user.
type MultiUserManager struct {
	mu       sync.RWMutex
	managers map[string]*Controller // userID -> Controller
	lastSeen map[string]time.Time

	factory Factory
	deps    Deps
	logger  zerolog.Logger
	opening singleflight.Group
}

// NewMultiUserManager creates an empty manager.
func NewMultiUserManager(factory Factory, deps Deps) *MultiUserManager {
	return &MultiUserManager{
		managers: make(map[string]*Controller),
		lastSeen: make(map[string]time.Time),
		factory:  factory,
		deps:     deps,
		logger:   deps.Logger.With().Str("component", "controllers").Logger(),
	}
}

// GetOrCreate returns the user's controller, opening it from persisted state
// on first use. Concurrent first calls for one user share a single Open.
func (m *MultiUserManager) GetOrCreate(ctx context.Context, userID string) (*Controller, error) {
	if c := m.Get(userID); c != nil {
		return c, nil
	}

	v, err, _ := m.opening.Do(userID, func() (any, error) {
		if c := m.Get(userID); c != nil {
			return c, nil
		}
		broker, stores, err := m.factory(userID)
		if err != nil {
			return nil, err
		}
		c, _, err := Open(context.WithoutCancel(ctx), userID, broker, stores, m.deps)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		m.managers[userID] = c
		m.lastSeen[userID] = time.Now()
		m.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Controller), nil
}

// Get returns the controller for a user, or nil. It refreshes activity for
// existing controllers and never creates one.
func (m *MultiUserManager) Get(userID string) *Controller {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.managers[userID]; ok {
		m.lastSeen[userID] = time.Now()
		return c
	}
	return nil
}

// Remove drops the controller for a user.
func (m *MultiUserManager) Remove(userID string) {
	m.mu.Lock()
	c := m.managers[userID]
	delete(m.managers, userID)
	delete(m.lastSeen, userID)
	m.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

// UserCount returns the number of open controllers.
func (m *MultiUserManager) UserCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.managers)
}

// CleanupIdle removes controllers idle longer than ttl. The broker session
// itself is left to the gateway pool.
func (m *MultiUserManager) CleanupIdle(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-ttl)

	m.mu.Lock()
	var evicted []*Controller
	for userID, t := range m.lastSeen {
		if t.Before(cutoff) {
			evicted = append(evicted, m.managers[userID])
			delete(m.managers, userID)
			delete(m.lastSeen, userID)
		}
	}
	m.mu.Unlock()

	for _, c := range evicted {
		c.Close()
	}
	if len(evicted) > 0 {
		m.logger.Info().Int("evicted", len(evicted)).Msg("idle controllers removed")
	}
	return len(evicted)
}

// RunCleanup evicts idle controllers every interval until ctx is done.
func (m *MultiUserManager) RunCleanup(ctx context.Context, interval, ttl time.Duration) {
	if interval <= 0 || ttl <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CleanupIdle(ttl)
		}
	}
}

// CloseAll waits for background writes of every controller.
func (m *MultiUserManager) CloseAll() {
	m.mu.RLock()
	all := make([]*Controller, 0, len(m.managers))
	for _, c := range m.managers {
		all = append(all, c)
	}
	m.mu.RUnlock()
	for _, c := range all {
		c.Close()
	}
}
