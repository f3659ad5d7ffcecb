// ABOUTME: In-memory Store implementation for tests in other packages.
// ABOUTME: Mirrors SQLite semantics including first-thread-wins and atomic balance.

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is a thread-safe in-memory Store used by tests.
type Memory struct {
	mu      sync.Mutex
	users   map[string]*User
	threads map[string]string // userID + "\x00" + agentID -> threadID
	txs     []*TokenTransaction

	// FailAppends makes the next N AppendTransaction calls fail. Used to
	// exercise the settlement retry path.
	FailAppends int
	// AppendErr is returned while FailAppends > 0.
	AppendErr error
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:   make(map[string]*User),
		threads: make(map[string]string),
	}
}

func (m *Memory) CreateUser(_ context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.users {
		if existing.TelegramID == user.TelegramID {
			return ErrDuplicateUser
		}
	}
	clone := *user
	m.users[user.ID] = &clone
	return nil
}

func (m *Memory) GetUser(_ context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *user
	return &clone, nil
}

func (m *Memory) GetUserByTelegramID(_ context.Context, telegramID int64) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, user := range m.users {
		if user.TelegramID == telegramID {
			clone := *user
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) UpdateUser(_ context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.users[user.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Username = user.Username
	existing.FirstName = user.FirstName
	existing.LastName = user.LastName
	existing.LanguageCode = user.LanguageCode
	existing.Role = user.Role
	existing.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) ListUsersByRole(_ context.Context, role string) ([]*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var users []*User
	for _, user := range m.users {
		if user.Role == role {
			clone := *user
			users = append(users, &clone)
		}
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
	return users, nil
}

func (m *Memory) GetThreadID(_ context.Context, userID, agentID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	threadID, ok := m.threads[userID+"\x00"+agentID]
	if !ok {
		return "", ErrNotFound
	}
	return threadID, nil
}

func (m *Memory) SaveThreadID(_ context.Context, userID, agentID, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := userID + "\x00" + agentID
	if _, exists := m.threads[key]; !exists {
		m.threads[key] = threadID
	}
	return nil
}

func (m *Memory) AdjustBalance(_ context.Context, userID string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[userID]
	if !ok {
		return 0, ErrNotFound
	}
	user.Balance += delta
	return user.Balance, nil
}

func (m *Memory) AppendTransaction(_ context.Context, tx *TokenTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailAppends > 0 {
		m.FailAppends--
		return m.AppendErr
	}
	clone := *tx
	m.txs = append(m.txs, &clone)
	return nil
}

func (m *Memory) ListTransactionsByUser(_ context.Context, userID string, limit int) ([]*TokenTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var txs []*TokenTransaction
	for i := len(m.txs) - 1; i >= 0 && len(txs) < limit; i-- {
		if m.txs[i].UserID == userID {
			clone := *m.txs[i]
			txs = append(txs, &clone)
		}
	}
	return txs, nil
}

// Transactions returns a snapshot of every recorded ledger entry.
func (m *Memory) Transactions() []*TokenTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*TokenTransaction, len(m.txs))
	for i, tx := range m.txs {
		clone := *tx
		out[i] = &clone
	}
	return out
}

func (m *Memory) Close() error { return nil }

// Ensure Memory implements the Store interface.
var _ Store = (*Memory)(nil)
