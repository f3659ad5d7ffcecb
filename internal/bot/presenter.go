// ABOUTME: Presenter implementation that edits the Telegram placeholder message.
// ABOUTME: Maps the platform's "message is not modified" rejection to ErrNotModified.

package bot

import (
	"context"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/emberworks/ember-relay/internal/conversation"
)

// presenter binds the conversation pipeline's edit side effects to one
// Telegram placeholder message.
type presenter struct {
	api       telegramAPI
	chatID    int64
	messageID int
	logger    *slog.Logger
}

func newPresenter(api telegramAPI, chatID int64, messageID int, logger *slog.Logger) *presenter {
	return &presenter{
		api:       api,
		chatID:    chatID,
		messageID: messageID,
		logger:    logger,
	}
}

// Edit replaces the placeholder's full content with text.
func (p *presenter) Edit(_ context.Context, text string) error {
	edit := tgbotapi.NewEditMessageText(p.chatID, p.messageID, text)
	edit.ParseMode = tgbotapi.ModeMarkdown

	_, err := p.api.Send(edit)
	if err == nil {
		return nil
	}
	if isNotModified(err) {
		return conversation.ErrNotModified
	}
	return err
}

// isNotModified detects Telegram's rejection of a content-identical edit.
func isNotModified(err error) bool {
	return err != nil && strings.Contains(err.Error(), "message is not modified")
}
