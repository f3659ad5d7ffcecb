// ABOUTME: Token ledger settlement: debits/credits balances exactly once per
// ABOUTME: turn and appends the auditable transaction, retrying lost writes.

package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/emberworks/ember-relay/internal/store"
)

// ledgerRetries is how many times a failed transaction write is retried
// before giving up. A lost ledger entry is a silent accounting bug, so this
// is the one write the pipeline refuses to drop quietly.
const ledgerRetries = 3

// ledgerBackoff is the initial retry delay; it doubles per attempt.
const ledgerBackoff = 100 * time.Millisecond

// EstimateTokens is the cheap length-based cost proxy used both for the
// pre-check on the inbound message and for settling turns that reported no
// usage figure.
func EstimateTokens(text string) int64 {
	return int64((len(text) + 3) / 4)
}

// Service settles token charges against the balance store.
type Service struct {
	store  store.Store
	logger *slog.Logger
}

// NewService creates a ledger settlement service.
func NewService(st store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		logger: logger.With("component", "ledger"),
	}
}

// Settle debits tokens from the user's balance and appends one debit
// transaction. A zero-token settlement changes nothing and records nothing.
func (s *Service) Settle(ctx context.Context, userID string, tokens int64, description string) (*store.TokenTransaction, error) {
	if tokens <= 0 {
		s.logger.Debug("zero-token settlement, nothing to record", "user_id", userID)
		return nil, nil
	}
	return s.apply(ctx, userID, tokens, store.DirectionDebit, description)
}

// Credit adds tokens to the user's balance and appends one credit transaction.
func (s *Service) Credit(ctx context.Context, userID string, tokens int64, description string) (*store.TokenTransaction, error) {
	if tokens <= 0 {
		return nil, nil
	}
	return s.apply(ctx, userID, tokens, store.DirectionCredit, description)
}

// apply adjusts the balance atomically, then records the matching ledger
// entry. The balance write is the source of funds; the ledger write is
// retried with backoff because losing it leaves the balance unexplained.
func (s *Service) apply(ctx context.Context, userID string, tokens int64, direction, description string) (*store.TokenTransaction, error) {
	delta := tokens
	if direction == store.DirectionDebit {
		delta = -tokens
	}

	balance, err := s.store.AdjustBalance(ctx, userID, delta)
	if err != nil {
		return nil, err
	}

	tx := &store.TokenTransaction{
		ID:          uuid.New().String(),
		UserID:      userID,
		Amount:      tokens,
		Direction:   direction,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}

	if err := s.appendWithRetry(ctx, tx); err != nil {
		// The balance already moved; surface loudly for manual reconciliation.
		s.logger.Error("ledger write lost after retries",
			"error", err,
			"user_id", userID,
			"amount", tokens,
			"direction", direction,
			"balance", balance,
		)
		return nil, err
	}

	s.logger.Debug("settlement recorded",
		"user_id", userID,
		"amount", tokens,
		"direction", direction,
		"balance", balance,
	)
	return tx, nil
}

// appendWithRetry writes the transaction, retrying with doubling backoff.
func (s *Service) appendWithRetry(ctx context.Context, tx *store.TokenTransaction) error {
	var err error
	delay := ledgerBackoff

	for attempt := 1; attempt <= ledgerRetries; attempt++ {
		err = s.store.AppendTransaction(ctx, tx)
		if err == nil {
			return nil
		}
		if attempt == ledgerRetries {
			break
		}

		s.logger.Warn("ledger write failed, retrying",
			"error", err,
			"attempt", attempt,
			"tx_id", tx.ID,
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}
