// ABOUTME: SQLite operations for the append-only token transaction ledger.
// ABOUTME: Transactions are the audit trail reconciling balance changes.

package store

import (
	"context"
	"fmt"
	"time"
)

// AppendTransaction records one ledger entry. Entries are append-only; there
// is no update or delete path.
func (s *SQLiteStore) AppendTransaction(ctx context.Context, tx *TokenTransaction) error {
	query := `
		INSERT INTO token_transactions (id, user_id, amount, direction, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		tx.ID,
		tx.UserID,
		tx.Amount,
		tx.Direction,
		tx.Description,
		tx.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting transaction: %w", err)
	}

	s.logger.Debug("transaction recorded",
		"tx_id", tx.ID,
		"user_id", tx.UserID,
		"amount", tx.Amount,
		"direction", tx.Direction,
	)
	return nil
}

// ListTransactionsByUser returns the user's most recent ledger entries,
// newest first.
func (s *SQLiteStore) ListTransactionsByUser(ctx context.Context, userID string, limit int) ([]*TokenTransaction, error) {
	query := `
		SELECT id, user_id, amount, direction, description, created_at
		FROM token_transactions
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var txs []*TokenTransaction
	for rows.Next() {
		var tx TokenTransaction
		var createdAt string
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.Amount, &tx.Direction, &tx.Description, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning transaction row: %w", err)
		}
		tx.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		txs = append(txs, &tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transaction rows: %w", err)
	}
	return txs, nil
}
