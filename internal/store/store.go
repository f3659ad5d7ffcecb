// ABOUTME: Store interface and data types for ember-relay persistence.
// ABOUTME: Defines User, TokenTransaction and the Store interface.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateUser is returned when creating a user whose platform id is
// already registered.
var ErrDuplicateUser = errors.New("user already exists")

// Role constants for User.Role.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Transaction direction constants.
const (
	DirectionCredit = "credit"
	DirectionDebit  = "debit"
)

// User is a Telegram user known to the relay. The thread mapping (agent id to
// remote thread id) lives in its own table; see GetThreadID/SaveThreadID.
type User struct {
	ID           string
	TelegramID   int64
	Username     string
	FirstName    string
	LastName     string
	LanguageCode string
	Role         string
	Balance      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TokenTransaction is one append-only ledger entry. Entries are never mutated
// or deleted; they are the audit trail reconciling balance changes.
type TokenTransaction struct {
	ID          string
	UserID      string
	Amount      int64
	Direction   string
	Description string
	CreatedAt   time.Time
}

// Store is the persistence interface consumed by the pipeline.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByTelegramID(ctx context.Context, telegramID int64) (*User, error)
	UpdateUser(ctx context.Context, user *User) error
	ListUsersByRole(ctx context.Context, role string) ([]*User, error)

	// Thread mapping: at most one thread per (user, agent) pair.
	GetThreadID(ctx context.Context, userID, agentID string) (string, error)
	SaveThreadID(ctx context.Context, userID, agentID, threadID string) error

	// Balance. AdjustBalance applies delta atomically in the database and
	// returns the resulting balance, so concurrent turns for the same user
	// cannot lose updates.
	AdjustBalance(ctx context.Context, userID string, delta int64) (int64, error)

	// Ledger
	AppendTransaction(ctx context.Context, tx *TokenTransaction) error
	ListTransactionsByUser(ctx context.Context, userID string, limit int) ([]*TokenTransaction, error)

	Close() error
}
