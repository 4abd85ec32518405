// Package hints keeps the small per-user session conveniences (remember me,
// auto-reconnect, last login) outside the session core.
package hints

import (
	"context"
	"sync"

	"tradedesk/internal/session"
)

// Store holds hints for every user.
type Store interface {
	Load(ctx context.Context, userID string) (session.Hints, error)
	Save(ctx context.Context, userID string, h session.Hints) error
	Clear(ctx context.Context, userID string) error
}

// ForUser binds a Store to one user so it satisfies session.HintStore.
func ForUser(s Store, userID string) session.HintStore {
	return userHints{store: s, userID: userID}
}

type userHints struct {
	store  Store
	userID string
}

func (u userHints) LoadHints(ctx context.Context) (session.Hints, error) {
	return u.store.Load(ctx, u.userID)
}

func (u userHints) SaveHints(ctx context.Context, h session.Hints) error {
	return u.store.Save(ctx, u.userID, h)
}

func (u userHints) ClearHints(ctx context.Context) error {
	return u.store.Clear(ctx, u.userID)
}

// MemoryStore keeps hints in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	hints map[string]session.Hints
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{hints: make(map[string]session.Hints)}
}

func (m *MemoryStore) Load(_ context.Context, userID string) (session.Hints, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hints[userID], nil
}

func (m *MemoryStore) Save(_ context.Context, userID string, h session.Hints) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hints[userID] = h
	return nil
}

func (m *MemoryStore) Clear(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hints, userID)
	return nil
}
