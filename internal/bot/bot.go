// ABOUTME: Telegram update loop, user provisioning, and turn admission.
// ABOUTME: Each inbound message runs as its own goroutine; users are independent.

package bot

import (
	"context"
	"errors"
	"log/slog"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"github.com/emberworks/ember-relay/internal/conversation"
	"github.com/emberworks/ember-relay/internal/ledger"
	"github.com/emberworks/ember-relay/internal/localization"
	"github.com/emberworks/ember-relay/internal/ratelimit"
	"github.com/emberworks/ember-relay/internal/store"
)

// telegramAPI is the slice of tgbotapi.BotAPI the bot uses. Narrowed to an
// interface so handlers can be tested against a fake.
type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Options carries the billing knobs the frontend needs.
type Options struct {
	// WelcomeTokens is granted to newly provisioned users.
	WelcomeTokens int64

	// PricePerToken is the Stars invoice price for one token.
	PricePerToken int64
}

// Bot handles Telegram updates.
type Bot struct {
	api        telegramAPI
	store      store.Store
	conv       *conversation.Service
	ledger     *ledger.Service
	translator *localization.Translator
	limiter    *ratelimit.Limiter
	opts       Options
	logger     *slog.Logger
}

// New creates the Telegram frontend.
func New(api telegramAPI, st store.Store, conv *conversation.Service, lg *ledger.Service, translator *localization.Translator, limiter *ratelimit.Limiter, opts Options, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{
		api:        api,
		store:      st,
		conv:       conv,
		ledger:     lg,
		translator: translator,
		limiter:    limiter,
		opts:       opts,
		logger:     logger.With("component", "bot"),
	}
}

// Run consumes updates until the channel closes or the context is cancelled.
// Each update is handled in its own goroutine: turns for different users are
// independent and must not serialize behind one slow stream.
func (b *Bot) Run(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			go b.handleUpdate(ctx, update)
		}
	}
}

// handleUpdate dispatches one update by type.
func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.PreCheckoutQuery != nil:
		b.handlePreCheckout(update.PreCheckoutQuery)
	case update.InlineQuery != nil:
		b.handleInlineQuery(ctx, update.InlineQuery)
	case update.Message != nil && update.Message.SuccessfulPayment != nil:
		b.handleSuccessfulPayment(ctx, update.Message)
	case update.Message != nil && update.Message.IsCommand():
		b.handleCommand(ctx, update.Message)
	case update.Message != nil && update.Message.Text != "":
		b.handleMessage(ctx, update.Message)
	}
}

// ensureUser loads the user for a Telegram sender, provisioning one on first
// contact with the welcome grant.
func (b *Bot) ensureUser(ctx context.Context, from *tgbotapi.User) (*store.User, error) {
	user, err := b.store.GetUserByTelegramID(ctx, from.ID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	user = &store.User{
		ID:           uuid.New().String(),
		TelegramID:   from.ID,
		Username:     from.UserName,
		FirstName:    from.FirstName,
		LastName:     from.LastName,
		LanguageCode: from.LanguageCode,
		Role:         store.RoleUser,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := b.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicateUser) {
			// Lost a provisioning race with a concurrent update.
			return b.store.GetUserByTelegramID(ctx, from.ID)
		}
		return nil, err
	}

	if b.opts.WelcomeTokens > 0 {
		if _, err := b.ledger.Credit(ctx, user.ID, b.opts.WelcomeTokens, "Welcome grant"); err != nil {
			b.logger.Error("welcome grant failed", "error", err, "user_id", user.ID)
		} else {
			user.Balance = b.opts.WelcomeTokens
		}
	}

	b.logger.Info("user provisioned",
		"user_id", user.ID,
		"telegram_id", from.ID,
		"language", from.LanguageCode,
	)
	return user, nil
}

// reply sends a plain message to a chat, logging failures.
func (b *Bot) reply(chatID int64, text string) {
	if _, err := b.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		b.logger.Warn("send failed", "error", err, "chat_id", chatID)
	}
}
