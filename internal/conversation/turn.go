// ABOUTME: Turn state and the reducer that folds stream events into it.
// ABOUTME: Edits the placeholder only when the presented text actually changes.

package conversation

import (
	"context"
	"errors"
	"log/slog"

	"github.com/emberworks/ember-relay/internal/assistant"
	"github.com/emberworks/ember-relay/internal/localization"
)

// ErrNotModified is returned by Presenters when the platform rejects an edit
// because the content is unchanged. The reducer swallows it; it is expected
// fallout of the de-dup race with the platform's own idempotency check.
var ErrNotModified = errors.New("message not modified")

// Presenter is the outbound placeholder message for one turn. Edit replaces
// its entire content; platform edit APIs take full text, not diffs.
type Presenter interface {
	Edit(ctx context.Context, text string) error
}

// DiscardPresenter ignores all edits. Used for non-streaming surfaces such as
// inline queries, which only consume the final text.
type DiscardPresenter struct{}

// Edit implements Presenter.
func (DiscardPresenter) Edit(context.Context, string) error { return nil }

// turn accumulates the state of one streaming run. It lives for exactly one
// stream and is discarded afterwards.
type turn struct {
	responseText  string
	lastPresented string
	usage         *assistant.TokenUsage

	presenter  Presenter
	translator *localization.Translator
	lang       string
	logger     *slog.Logger
}

func newTurn(presenter Presenter, translator *localization.Translator, lang string, logger *slog.Logger) *turn {
	return &turn{
		presenter:  presenter,
		translator: translator,
		lang:       lang,
		logger:     logger,
	}
}

// apply folds one decoded event into the turn state, pushing presentation
// side effects as needed. Events must arrive in stream order.
func (t *turn) apply(ctx context.Context, ev assistant.StreamEvent) {
	switch ev.Kind {
	case assistant.EventMessageDelta:
		t.responseText += ev.Text
		if t.responseText != t.lastPresented {
			t.present(ctx, t.responseText)
		}

	case assistant.EventToolCall:
		// Transient status; responseText is untouched so the next delta
		// overwrites it with real content.
		t.present(ctx, t.translator.Translate(localization.KeyToolCallInitiated, t.lang, nil))

	case assistant.EventToolResult:
		t.present(ctx, t.translator.Translate(localization.KeyToolAnswerReceived, t.lang, nil))

	case assistant.EventTokenUsage:
		if t.usage != nil {
			t.logger.Debug("duplicate usage event ignored", "total", ev.Usage.TotalTokens)
			return
		}
		t.usage = ev.Usage
		t.logger.Debug("token usage received",
			"total", ev.Usage.TotalTokens,
			"prompt", ev.Usage.PromptTokens,
			"completion", ev.Usage.CompletionTokens,
		)

	case assistant.EventHeartbeat:
		t.logger.Debug("heartbeat")

	case assistant.EventUnknown:
		t.logger.Debug("unknown event ignored", "type", ev.RawType)
	}
}

// present pushes text to the placeholder and tracks what is on screen.
// "Not modified" rejections are swallowed; other edit failures are logged
// and do not abort the stream.
func (t *turn) present(ctx context.Context, text string) {
	err := t.presenter.Edit(ctx, text)
	if err != nil && !errors.Is(err, ErrNotModified) {
		t.logger.Warn("placeholder edit failed", "error", err)
		return
	}
	t.lastPresented = text
}
