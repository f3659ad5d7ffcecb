// ABOUTME: Handlers for text turns, commands, inline queries, and payments.
// ABOUTME: The text handler drives the streaming pipeline via a placeholder edit.

package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/emberworks/ember-relay/internal/conversation"
	"github.com/emberworks/ember-relay/internal/localization"
	"github.com/emberworks/ember-relay/internal/store"
)

// bulkBatchSize is how many broadcast sends are fired per batch.
const bulkBatchSize = 100

// recentTransactionCount is how many ledger entries /balance shows.
const recentTransactionCount = 5

// handleMessage runs one conversation turn for an inbound text message.
func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if !b.limiter.Allow(msg.From.ID) {
		user, err := b.ensureUser(ctx, msg.From)
		lang := ""
		if err == nil {
			lang = user.LanguageCode
		}
		b.reply(msg.Chat.ID, b.translator.Translate(localization.KeyRateLimited, lang, nil))
		return
	}

	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		b.logger.Error("user lookup failed", "error", err, "telegram_id", msg.From.ID)
		return
	}

	if _, err := b.api.Request(tgbotapi.NewChatAction(msg.Chat.ID, tgbotapi.ChatTyping)); err != nil {
		b.logger.Debug("chat action failed", "error", err)
	}

	placeholder, err := b.api.Send(tgbotapi.NewMessage(msg.Chat.ID, "..."))
	if err != nil {
		b.logger.Error("placeholder send failed", "error", err, "chat_id", msg.Chat.ID)
		return
	}

	presenter := newPresenter(b.api, msg.Chat.ID, placeholder.MessageID, b.logger)

	_, err = b.conv.RunTurn(ctx, user, msg.Text, presenter)
	switch {
	case errors.Is(err, conversation.ErrInsufficientBalance):
		b.editPlain(msg.Chat.ID, placeholder.MessageID,
			b.translator.Translate(localization.KeyInsufficientTokens, user.LanguageCode, nil))
	case err != nil:
		// RunTurn already surfaced the localized error on the placeholder.
		b.logger.Error("turn failed", "error", err, "user_id", user.ID)
	}
}

// handleCommand dispatches a bot command.
func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		b.logger.Error("user lookup failed", "error", err, "telegram_id", msg.From.ID)
		return
	}

	switch msg.Command() {
	case "start":
		b.handleStart(ctx, user, msg.Chat.ID)
	case "balance":
		b.handleBalance(ctx, user, msg.Chat.ID)
	case "buy_tokens":
		b.handleBuyTokens(user, msg.Chat.ID, msg.CommandArguments())
	case "bulk":
		b.handleBulk(ctx, user, msg.Chat.ID, msg.CommandArguments())
	default:
		b.logger.Debug("unknown command", "command", msg.Command())
	}
}

// handleStart greets the user and warms the thread mapping so the first real
// turn skips the creation round-trip.
func (b *Bot) handleStart(ctx context.Context, user *store.User, chatID int64) {
	if _, err := b.conv.EnsureThread(ctx, user); err != nil {
		b.logger.Warn("thread warm-up failed", "error", err, "user_id", user.ID)
	}
	b.reply(chatID, b.translator.Translate(localization.KeyWelcome, user.LanguageCode, nil))
}

// handleBalance reports the balance and the most recent ledger entries.
func (b *Bot) handleBalance(ctx context.Context, user *store.User, chatID int64) {
	current, err := b.store.GetUser(ctx, user.ID)
	if err != nil {
		b.logger.Error("balance lookup failed", "error", err, "user_id", user.ID)
		return
	}

	txs, err := b.store.ListTransactionsByUser(ctx, user.ID, recentTransactionCount)
	if err != nil {
		b.logger.Error("transaction lookup failed", "error", err, "user_id", user.ID)
		return
	}

	var sb strings.Builder
	sb.WriteString(b.translator.Translate(localization.KeyCurrentBalance, user.LanguageCode,
		map[string]any{"balance": current.Balance}))
	sb.WriteString("\n\n")
	sb.WriteString(b.translator.Translate(localization.KeyRecentTransactions, user.LanguageCode, nil))
	for _, tx := range txs {
		sign := "-"
		if tx.Direction == store.DirectionCredit {
			sign = "+"
		}
		fmt.Fprintf(&sb, "\n%s%d - %s", sign, tx.Amount, tx.Description)
	}

	b.reply(chatID, sb.String())
}

// handleBuyTokens issues a Telegram Stars invoice for the requested amount.
func (b *Bot) handleBuyTokens(user *store.User, chatID int64, args string) {
	amount, err := strconv.ParseInt(strings.TrimSpace(args), 10, 64)
	if err != nil || amount <= 0 {
		b.reply(chatID, b.translator.Translate(localization.KeyBuyTokensUsage, user.LanguageCode, nil))
		return
	}

	invoice := tgbotapi.NewInvoice(chatID,
		b.translator.Translate(localization.KeyBuyTokensTitle, user.LanguageCode, nil),
		b.translator.Translate(localization.KeyBuyTokensDesc, user.LanguageCode,
			map[string]any{"amount": amount}),
		fmt.Sprintf("buy_tokens_%s_%d", user.ID, amount),
		"", // Stars invoices carry no provider token
		"",
		"XTR",
		[]tgbotapi.LabeledPrice{{
			Label:  fmt.Sprintf("%d tokens", amount),
			Amount: int(amount * b.opts.PricePerToken),
		}},
	)
	if _, err := b.api.Request(invoice); err != nil {
		b.logger.Error("invoice send failed", "error", err, "user_id", user.ID)
	}
}

// handlePreCheckout approves the pending payment.
func (b *Bot) handlePreCheckout(query *tgbotapi.PreCheckoutQuery) {
	answer := tgbotapi.PreCheckoutConfig{
		PreCheckoutQueryID: query.ID,
		OK:                 true,
	}
	if _, err := b.api.Request(answer); err != nil {
		b.logger.Error("pre-checkout answer failed", "error", err)
	}
}

// handleSuccessfulPayment credits the purchased tokens.
func (b *Bot) handleSuccessfulPayment(ctx context.Context, msg *tgbotapi.Message) {
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		b.logger.Error("user lookup failed", "error", err, "telegram_id", msg.From.ID)
		return
	}

	parts := strings.Split(msg.SuccessfulPayment.InvoicePayload, "_")
	if len(parts) != 4 || parts[0] != "buy" || parts[1] != "tokens" {
		b.logger.Warn("unrecognized invoice payload", "payload", msg.SuccessfulPayment.InvoicePayload)
		return
	}
	payloadUserID := parts[2]
	amount, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil || amount <= 0 {
		b.logger.Warn("invalid invoice amount", "payload", msg.SuccessfulPayment.InvoicePayload)
		return
	}

	// Credit only the purchaser named in the payload.
	if payloadUserID != user.ID {
		b.logger.Warn("payment payload user mismatch",
			"payload_user", payloadUserID,
			"user_id", user.ID,
		)
		return
	}

	if _, err := b.ledger.Credit(ctx, user.ID, amount, "Token purchase"); err != nil {
		b.logger.Error("purchase credit failed", "error", err, "user_id", user.ID)
		return
	}

	b.reply(msg.Chat.ID, b.translator.Translate(localization.KeyBuyTokensSuccess, user.LanguageCode,
		map[string]any{"amount": amount}))
}

// handleBulk broadcasts a message to every user-role user. Admin only.
func (b *Bot) handleBulk(ctx context.Context, admin *store.User, chatID int64, text string) {
	if admin.Role != store.RoleAdmin {
		b.reply(chatID, b.translator.Translate(localization.KeyAdminOnly, admin.LanguageCode, nil))
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		b.reply(chatID, b.translator.Translate(localization.KeyBulkUsage, admin.LanguageCode, nil))
		return
	}

	users, err := b.store.ListUsersByRole(ctx, store.RoleUser)
	if err != nil {
		b.logger.Error("listing users failed", "error", err)
		return
	}

	sent := 0
	for i, target := range users {
		if _, err := b.api.Send(tgbotapi.NewMessage(target.TelegramID, text)); err != nil {
			b.logger.Warn("broadcast send failed", "error", err, "user_id", target.ID)
		} else {
			sent++
		}
		// Stop at a batch boundary if the broadcast was cancelled.
		if (i+1)%bulkBatchSize == 0 && ctx.Err() != nil {
			break
		}
	}

	b.reply(chatID, b.translator.Translate(localization.KeyBulkSent, admin.LanguageCode,
		map[string]any{"sentCount": sent, "totalCount": len(users)}))
}

// handleInlineQuery answers an inline query with the final reply text. No
// placeholder exists here, so the turn runs with a discarding presenter and
// the answer is delivered once.
func (b *Bot) handleInlineQuery(ctx context.Context, query *tgbotapi.InlineQuery) {
	if strings.TrimSpace(query.Query) == "" {
		b.answerInline(query.ID, "Type your request", "Type in search your request")
		return
	}

	user, err := b.ensureUser(ctx, query.From)
	if err != nil {
		b.logger.Error("user lookup failed", "error", err, "telegram_id", query.From.ID)
		return
	}

	if !b.limiter.Allow(query.From.ID) {
		b.answerInline(query.ID, "Slow down",
			b.translator.Translate(localization.KeyRateLimited, user.LanguageCode, nil))
		return
	}

	final, err := b.conv.RunTurn(ctx, user, query.Query, conversation.DiscardPresenter{})
	switch {
	case errors.Is(err, conversation.ErrInsufficientBalance):
		final = b.translator.Translate(localization.KeyInsufficientTokens, user.LanguageCode, nil)
	case err != nil:
		final = b.translator.Translate(localization.KeyErrorProcessing, user.LanguageCode, nil)
	case final == "":
		final = b.translator.Translate(localization.KeyNoResponse, user.LanguageCode, nil)
	}

	b.answerInline(query.ID, "AI Response", final)
}

// answerInline sends a single-article inline answer.
func (b *Bot) answerInline(queryID, title, text string) {
	article := tgbotapi.NewInlineQueryResultArticle("1", title, text)
	if len(text) > 100 {
		article.Description = text[:100] + "..."
	} else {
		article.Description = text
	}

	answer := tgbotapi.InlineConfig{
		InlineQueryID: queryID,
		Results:       []interface{}{article},
	}
	if _, err := b.api.Request(answer); err != nil {
		b.logger.Warn("inline answer failed", "error", err)
	}
}

// editPlain replaces a message's content without parse mode.
func (b *Bot) editPlain(chatID int64, messageID int, text string) {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	if _, err := b.api.Send(edit); err != nil && !isNotModified(err) {
		b.logger.Warn("edit failed", "error", err, "chat_id", chatID)
	}
}
