// ABOUTME: Stream orchestrator and thread resolver for conversation turns.
// ABOUTME: Balance pre-check, run streaming, watchdog timeout, exactly-once settlement.

package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/emberworks/ember-relay/internal/assistant"
	"github.com/emberworks/ember-relay/internal/ledger"
	"github.com/emberworks/ember-relay/internal/localization"
	"github.com/emberworks/ember-relay/internal/store"
)

// ErrInsufficientBalance rejects a turn before any remote call when the
// estimated cost exceeds the user's balance.
var ErrInsufficientBalance = errors.New("insufficient token balance")

// settleTimeout bounds the detached settlement write so a cancelled run
// context cannot skip metering.
const settleTimeout = 10 * time.Second

// descriptionPrefixLen is how much of the user message is carried into the
// ledger entry description.
const descriptionPrefixLen = 50

// AgentClient is what the orchestrator needs from the agent service.
type AgentClient interface {
	CreateThread(ctx context.Context, agentID string, metadata map[string]any) (string, error)
	OpenRunStream(ctx context.Context, run *assistant.RunRequest) (io.ReadCloser, error)
}

// Options tunes the orchestrator.
type Options struct {
	// AgentID is the remote agent every turn runs against.
	AgentID string

	// RunTimeout is the watchdog bound for one streaming run. A run that
	// exceeds it is cancelled and settled as a failed turn.
	RunTimeout time.Duration

	// ChargePartial controls whether failed streams are charged the
	// best-available figure (reported usage, else estimate over the partial
	// text). When false, failed turns cost nothing.
	ChargePartial bool
}

// Service coordinates conversation turns.
type Service struct {
	store      store.Store
	client     AgentClient
	ledger     *ledger.Service
	translator *localization.Translator
	opts       Options
	logger     *slog.Logger

	// threadMu serializes remote thread creation per (user, agent) pair.
	mu       sync.Mutex
	threadMu map[string]*sync.Mutex
}

// NewService creates the conversation service.
func NewService(st store.Store, client AgentClient, lg *ledger.Service, translator *localization.Translator, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RunTimeout == 0 {
		opts.RunTimeout = 2 * time.Minute
	}
	return &Service{
		store:      st,
		client:     client,
		ledger:     lg,
		translator: translator,
		opts:       opts,
		logger:     logger.With("component", "conversation"),
		threadMu:   make(map[string]*sync.Mutex),
	}
}

// EnsureThread resolves or creates the user's thread for the configured
// agent. Used by /start to warm the mapping ahead of the first turn.
func (s *Service) EnsureThread(ctx context.Context, user *store.User) (string, error) {
	return s.getOrCreateThread(ctx, user)
}

// RunTurn executes one conversation turn: pre-check, thread resolution, run
// streaming, reduction, and settlement. It returns the final reply text.
//
// On a failed stream the presenter shows a localized error, settlement still
// runs per the billing policy, and the transport error is returned.
func (s *Service) RunTurn(ctx context.Context, user *store.User, text string, presenter Presenter) (string, error) {
	estimate := ledger.EstimateTokens(text)

	// Re-read the balance: the cached user may be stale across turns.
	current, err := s.store.GetUser(ctx, user.ID)
	if err != nil {
		return "", fmt.Errorf("loading user: %w", err)
	}
	if current.Balance < estimate {
		s.logger.Debug("turn rejected, insufficient balance",
			"user_id", user.ID,
			"balance", current.Balance,
			"estimate", estimate,
		)
		return "", ErrInsufficientBalance
	}

	threadID, err := s.getOrCreateThread(ctx, user)
	if err != nil {
		return "", fmt.Errorf("resolving thread: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, s.opts.RunTimeout)
	defer cancel()

	body, err := s.client.OpenRunStream(runCtx, &assistant.RunRequest{
		ThreadID: threadID,
		AgentID:  s.opts.AgentID,
		Input:    []assistant.RunMessage{{Role: "user", Content: text}},
		Metadata: map[string]any{"languageCode": user.LanguageCode},
	})
	if err != nil {
		s.presentError(ctx, presenter, user.LanguageCode)
		return "", fmt.Errorf("opening run stream: %w", err)
	}
	defer func() { _ = body.Close() }()

	t := newTurn(presenter, s.translator, user.LanguageCode,
		s.logger.With("user_id", user.ID, "thread_id", threadID))

	decoder := assistant.NewDecoder(body, s.logger)
	go decoder.Run(runCtx)

	for ev := range decoder.Events() {
		t.apply(runCtx, ev)
	}

	streamErr := decoder.Err()
	s.settleTurn(user, t, streamErr != nil, text)

	if streamErr != nil {
		s.presentError(ctx, presenter, user.LanguageCode)
		return t.responseText, fmt.Errorf("run stream failed: %w", streamErr)
	}

	s.logger.Debug("turn complete",
		"user_id", user.ID,
		"thread_id", threadID,
		"reply_len", len(t.responseText),
	)
	return t.responseText, nil
}

// settleTurn runs ledger settlement for a terminal turn, exactly once per
// invocation of RunTurn. The charge is the reported usage total when the
// stream sent one, else the length estimate over whatever text arrived.
// A detached context keeps a cancelled run from skipping metering.
func (s *Service) settleTurn(user *store.User, t *turn, failed bool, message string) {
	if failed && !s.opts.ChargePartial {
		s.logger.Debug("failed turn not charged", "user_id", user.ID)
		return
	}

	tokens := ledger.EstimateTokens(t.responseText)
	if t.usage != nil {
		tokens = int64(t.usage.TotalTokens)
	}

	prefix := message
	if len(prefix) > descriptionPrefixLen {
		prefix = prefix[:descriptionPrefixLen] + "..."
	}

	settleCtx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	if _, err := s.ledger.Settle(settleCtx, user.ID, tokens, "Message processing: "+prefix); err != nil {
		s.logger.Error("turn settlement failed",
			"error", err,
			"user_id", user.ID,
			"tokens", tokens,
		)
	}
}

// presentError shows the localized failure message on the placeholder.
func (s *Service) presentError(ctx context.Context, presenter Presenter, lang string) {
	msg := s.translator.Translate(localization.KeyErrorProcessing, lang, nil)
	if err := presenter.Edit(ctx, msg); err != nil && !errors.Is(err, ErrNotModified) {
		s.logger.Warn("error message edit failed", "error", err)
	}
}

// getOrCreateThread returns the cached thread id for (user, agent) or creates
// one remotely. The cached read is the hot path and makes no network call.
func (s *Service) getOrCreateThread(ctx context.Context, user *store.User) (string, error) {
	threadID, err := s.store.GetThreadID(ctx, user.ID, s.opts.AgentID)
	if err == nil {
		return threadID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	// Serialize creation per pair; the double-check under the lock keeps a
	// concurrent first turn from creating a second remote thread.
	mu := s.pairMutex(user.ID)
	mu.Lock()
	defer mu.Unlock()

	threadID, err = s.store.GetThreadID(ctx, user.ID, s.opts.AgentID)
	if err == nil {
		return threadID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	threadID, err = s.client.CreateThread(ctx, s.opts.AgentID, map[string]any{"name": "New Thread"})
	if err != nil {
		return "", fmt.Errorf("creating remote thread: %w", err)
	}

	if err := s.store.SaveThreadID(ctx, user.ID, s.opts.AgentID, threadID); err != nil {
		return "", fmt.Errorf("saving thread mapping: %w", err)
	}

	s.logger.Info("thread created",
		"user_id", user.ID,
		"agent_id", s.opts.AgentID,
		"thread_id", threadID,
	)
	return threadID, nil
}

// pairMutex returns the creation mutex for (user, configured agent).
func (s *Service) pairMutex(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := userID + "\x00" + s.opts.AgentID
	mu, ok := s.threadMu[key]
	if !ok {
		mu = &sync.Mutex{}
		s.threadMu[key] = mu
	}
	return mu
}
