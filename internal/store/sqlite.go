// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite.
// ABOUTME: Provides user/thread/ledger persistence with automatic schema creation.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path. The schema is
// automatically created if it doesn't exist. Parent directories are created
// if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			telegram_id INTEGER NOT NULL,
			username TEXT NOT NULL DEFAULT '',
			first_name TEXT NOT NULL DEFAULT '',
			last_name TEXT NOT NULL DEFAULT '',
			language_code TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'user',
			balance INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_users_telegram_id
			ON users(telegram_id);

		CREATE TABLE IF NOT EXISTS user_threads (
			user_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (user_id, agent_id),
			FOREIGN KEY (user_id) REFERENCES users(id)
		);

		CREATE TABLE IF NOT EXISTS token_transactions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			amount INTEGER NOT NULL,
			direction TEXT NOT NULL,
			description TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (user_id) REFERENCES users(id)
		);

		CREATE INDEX IF NOT EXISTS idx_transactions_user_created
			ON token_transactions(user_id, created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateUser inserts a new user. Returns ErrDuplicateUser if the telegram id
// is already registered.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	query := `
		INSERT INTO users (id, telegram_id, username, first_name, last_name,
			language_code, role, balance, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		user.ID,
		user.TelegramID,
		user.Username,
		user.FirstName,
		user.LastName,
		user.LanguageCode,
		user.Role,
		user.Balance,
		user.CreatedAt.UTC().Format(time.RFC3339),
		user.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateUser
		}
		return fmt.Errorf("inserting user: %w", err)
	}

	s.logger.Debug("user created", "user_id", user.ID, "telegram_id", user.TelegramID)
	return nil
}

const userColumns = `id, telegram_id, username, first_name, last_name,
	language_code, role, balance, created_at, updated_at`

// GetUser retrieves a user by internal id.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByTelegramID retrieves a user by platform id.
func (s *SQLiteStore) GetUserByTelegramID(ctx context.Context, telegramID int64) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE telegram_id = ?`, telegramID)
	return scanUser(row)
}

// UpdateUser updates a user's mutable profile fields. Balance is not written
// here; use AdjustBalance so concurrent settlements cannot lose updates.
func (s *SQLiteStore) UpdateUser(ctx context.Context, user *User) error {
	query := `
		UPDATE users
		SET username = ?, first_name = ?, last_name = ?, language_code = ?,
			role = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		user.Username,
		user.FirstName,
		user.LastName,
		user.LanguageCode,
		user.Role,
		time.Now().UTC().Format(time.RFC3339),
		user.ID,
	)
	if err != nil {
		return fmt.Errorf("updating user: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUsersByRole returns all users with the given role, oldest first.
func (s *SQLiteStore) ListUsersByRole(ctx context.Context, role string) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE role = ? ORDER BY created_at ASC`, role)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []*User
	for rows.Next() {
		user, err := scanUserRows(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating user rows: %w", err)
	}
	return users, nil
}

// GetThreadID returns the cached remote thread id for (user, agent), or
// ErrNotFound if no thread has been created yet.
func (s *SQLiteStore) GetThreadID(ctx context.Context, userID, agentID string) (string, error) {
	var threadID string
	err := s.db.QueryRowContext(ctx,
		`SELECT thread_id FROM user_threads WHERE user_id = ? AND agent_id = ?`,
		userID, agentID,
	).Scan(&threadID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying thread: %w", err)
	}
	return threadID, nil
}

// SaveThreadID records the remote thread id for (user, agent). If a mapping
// already exists it is left untouched: the first created thread wins, so a
// creation race cannot flip an established conversation to a fresh thread.
func (s *SQLiteStore) SaveThreadID(ctx context.Context, userID, agentID, threadID string) error {
	query := `
		INSERT INTO user_threads (user_id, agent_id, thread_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, agent_id) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query,
		userID, agentID, threadID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("saving thread: %w", err)
	}

	s.logger.Debug("thread mapping saved",
		"user_id", userID,
		"agent_id", agentID,
		"thread_id", threadID,
	)
	return nil
}

// AdjustBalance applies delta to the user's balance atomically and returns
// the resulting balance.
func (s *SQLiteStore) AdjustBalance(ctx context.Context, userID string, delta int64) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE users SET balance = balance + ?, updated_at = ? WHERE id = ? RETURNING balance`,
		delta, time.Now().UTC().Format(time.RFC3339), userID,
	).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("adjusting balance: %w", err)
	}

	s.logger.Debug("balance adjusted", "user_id", userID, "delta", delta, "balance", balance)
	return balance, nil
}

// scanUser scans a single user row.
func scanUser(row *sql.Row) (*User, error) {
	var user User
	var createdAt, updatedAt string

	err := row.Scan(
		&user.ID,
		&user.TelegramID,
		&user.Username,
		&user.FirstName,
		&user.LastName,
		&user.LanguageCode,
		&user.Role,
		&user.Balance,
		&createdAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}

	return parseUserTimes(&user, createdAt, updatedAt)
}

// scanUserRows scans a user from a multi-row result.
func scanUserRows(rows *sql.Rows) (*User, error) {
	var user User
	var createdAt, updatedAt string

	err := rows.Scan(
		&user.ID,
		&user.TelegramID,
		&user.Username,
		&user.FirstName,
		&user.LastName,
		&user.LanguageCode,
		&user.Role,
		&user.Balance,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning user row: %w", err)
	}

	return parseUserTimes(&user, createdAt, updatedAt)
}

func parseUserTimes(user *User, createdAt, updatedAt string) (*User, error) {
	var err error
	user.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	user.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return user, nil
}

// Ensure SQLiteStore implements the Store interface.
var _ Store = (*SQLiteStore)(nil)
