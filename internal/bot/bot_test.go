// ABOUTME: Tests for the Telegram frontend: dispatch, commands, payments.
// ABOUTME: Drives handlers directly against a recording fake of the bot API.

package bot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberworks/ember-relay/internal/assistant"
	"github.com/emberworks/ember-relay/internal/conversation"
	"github.com/emberworks/ember-relay/internal/ledger"
	"github.com/emberworks/ember-relay/internal/localization"
	"github.com/emberworks/ember-relay/internal/ratelimit"
	"github.com/emberworks/ember-relay/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAPI records every Chattable pushed through the bot API.
type fakeAPI struct {
	mu        sync.Mutex
	sent      []tgbotapi.Chattable
	requested []tgbotapi.Chattable
	sendErr   error
	messageID int
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sendErr != nil {
		return tgbotapi.Message{}, f.sendErr
	}
	f.sent = append(f.sent, c)
	f.messageID++
	return tgbotapi.Message{MessageID: f.messageID}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requested = append(f.requested, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

// sentTexts returns the text of every sent message and edit, in order.
func (f *fakeAPI) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []string
	for _, c := range f.sent {
		switch v := c.(type) {
		case tgbotapi.MessageConfig:
			out = append(out, v.Text)
		case tgbotapi.EditMessageTextConfig:
			out = append(out, v.Text)
		}
	}
	return out
}

// fakeAgent replays a scripted run stream.
type fakeAgent struct {
	mu      sync.Mutex
	streams []string
}

func (f *fakeAgent) CreateThread(context.Context, string, map[string]any) (string, error) {
	return "thr-1", nil
}

func (f *fakeAgent) OpenRunStream(context.Context, *assistant.RunRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.streams) == 0 {
		return nil, errors.New("no stream scripted")
	}
	body := f.streams[0]
	f.streams = f.streams[1:]
	return io.NopCloser(strings.NewReader(body)), nil
}

func deltaFrame(content string) string {
	return "event: updates\ndata: {\"agent\":{\"messages\":[{\"content\":\"" + content + "\"}]}}\n\n"
}

func usageFrame(total int) string {
	return "event: usage\ndata: {\"total_tokens\":" + strconv.Itoa(total) + "}\n\n"
}

type testEnv struct {
	bot   *Bot
	api   *fakeAPI
	store *store.Memory
	agent *fakeAgent
}

func newTestEnv(t *testing.T, opts Options, limit int) *testEnv {
	t.Helper()

	m := store.NewMemory()
	api := &fakeAPI{}
	agent := &fakeAgent{}
	lg := ledger.NewService(m, discardLogger())

	tr, err := localization.Load("en", discardLogger())
	require.NoError(t, err)

	conv := conversation.NewService(m, agent, lg, tr, conversation.Options{
		AgentID:       "agent-a",
		RunTimeout:    5 * time.Second,
		ChargePartial: true,
	}, discardLogger())

	limiter := ratelimit.New(limit, time.Minute)
	t.Cleanup(limiter.Close)

	return &testEnv{
		bot:   New(api, m, conv, lg, tr, limiter, opts, discardLogger()),
		api:   api,
		store: m,
		agent: agent,
	}
}

func textMessage(text string) *tgbotapi.Message {
	return &tgbotapi.Message{
		From: &tgbotapi.User{ID: 42, UserName: "alice", FirstName: "Alice", LanguageCode: "en"},
		Chat: &tgbotapi.Chat{ID: 100},
		Text: text,
	}
}

func commandMessage(cmd, args string) *tgbotapi.Message {
	msg := textMessage("/" + cmd)
	if args != "" {
		msg.Text += " " + args
	}
	msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd) + 1}}
	return msg
}

func TestHandleMessage_StreamsReply(t *testing.T) {
	env := newTestEnv(t, Options{WelcomeTokens: 100}, 5)
	env.agent.streams = []string{deltaFrame("Hel") + deltaFrame("lo!") + usageFrame(7)}

	env.bot.handleMessage(context.Background(), textMessage("hi there"))

	texts := env.api.sentTexts()
	require.Len(t, texts, 3)
	assert.Equal(t, "...", texts[0], "placeholder first")
	assert.Equal(t, "Hel", texts[1])
	assert.Equal(t, "Hello!", texts[2])

	// First contact provisions the user with the welcome grant, then the turn
	// settles against the reported usage.
	user, err := env.store.GetUserByTelegramID(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(93), user.Balance)

	txs := env.store.Transactions()
	require.Len(t, txs, 2)
	assert.Equal(t, store.DirectionCredit, txs[0].Direction)
	assert.Equal(t, int64(100), txs[0].Amount)
	assert.Equal(t, store.DirectionDebit, txs[1].Direction)
	assert.Equal(t, int64(7), txs[1].Amount)
}

func TestHandleMessage_RateLimited(t *testing.T) {
	env := newTestEnv(t, Options{WelcomeTokens: 100}, 1)
	env.agent.streams = []string{deltaFrame("ok")}

	env.bot.handleMessage(context.Background(), textMessage("first"))
	env.bot.handleMessage(context.Background(), textMessage("second"))

	texts := env.api.sentTexts()
	require.NotEmpty(t, texts)
	last := texts[len(texts)-1]
	assert.Contains(t, last, "too quickly")

	// Only the admitted turn settled.
	var debits int
	for _, tx := range env.store.Transactions() {
		if tx.Direction == store.DirectionDebit {
			debits++
		}
	}
	assert.Equal(t, 1, debits)
}

func TestHandleMessage_InsufficientBalance(t *testing.T) {
	env := newTestEnv(t, Options{WelcomeTokens: 0}, 5)

	env.bot.handleMessage(context.Background(), textMessage("hello world"))

	texts := env.api.sentTexts()
	require.Len(t, texts, 2)
	assert.Equal(t, "...", texts[0])
	assert.Contains(t, texts[1], "enough tokens")
}

func TestHandleCommand_Balance(t *testing.T) {
	env := newTestEnv(t, Options{WelcomeTokens: 250}, 5)

	env.bot.handleCommand(context.Background(), commandMessage("balance", ""))

	texts := env.api.sentTexts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "250")
	assert.Contains(t, texts[0], "+250 - Welcome grant")
}

func TestHandleCommand_Start(t *testing.T) {
	env := newTestEnv(t, Options{WelcomeTokens: 100}, 5)

	env.bot.handleCommand(context.Background(), commandMessage("start", ""))

	texts := env.api.sentTexts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "/balance")

	// The thread mapping is warmed for the first turn.
	user, err := env.store.GetUserByTelegramID(context.Background(), 42)
	require.NoError(t, err)
	threadID, err := env.store.GetThreadID(context.Background(), user.ID, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, "thr-1", threadID)
}

func TestHandleCommand_BuyTokens(t *testing.T) {
	env := newTestEnv(t, Options{WelcomeTokens: 0, PricePerToken: 2}, 5)

	env.bot.handleCommand(context.Background(), commandMessage("buy_tokens", "500"))

	require.Len(t, env.api.requested, 1)
	invoice, ok := env.api.requested[0].(tgbotapi.InvoiceConfig)
	require.True(t, ok)

	user, err := env.store.GetUserByTelegramID(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, "buy_tokens_"+user.ID+"_500", invoice.Payload)
	assert.Equal(t, "XTR", invoice.Currency)
	assert.Empty(t, invoice.ProviderToken)
	require.Len(t, invoice.Prices, 1)
	assert.Equal(t, 1000, invoice.Prices[0].Amount)
}

func TestHandleCommand_BuyTokensBadAmount(t *testing.T) {
	env := newTestEnv(t, Options{}, 5)

	env.bot.handleCommand(context.Background(), commandMessage("buy_tokens", "lots"))

	texts := env.api.sentTexts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "Usage: /buy_tokens")
	assert.Empty(t, env.api.requested)
}

func TestHandlePreCheckout(t *testing.T) {
	env := newTestEnv(t, Options{}, 5)

	env.bot.handlePreCheckout(&tgbotapi.PreCheckoutQuery{ID: "pc-1"})

	require.Len(t, env.api.requested, 1)
	answer, ok := env.api.requested[0].(tgbotapi.PreCheckoutConfig)
	require.True(t, ok)
	assert.Equal(t, "pc-1", answer.PreCheckoutQueryID)
	assert.True(t, answer.OK)
}

func TestHandleSuccessfulPayment(t *testing.T) {
	env := newTestEnv(t, Options{WelcomeTokens: 0}, 5)

	// Provision the purchaser first, as the invoice flow would have.
	env.bot.handleCommand(context.Background(), commandMessage("start", ""))
	user, err := env.store.GetUserByTelegramID(context.Background(), 42)
	require.NoError(t, err)

	msg := textMessage("")
	msg.SuccessfulPayment = &tgbotapi.SuccessfulPayment{
		InvoicePayload: "buy_tokens_" + user.ID + "_500",
	}
	env.bot.handleSuccessfulPayment(context.Background(), msg)

	got, err := env.store.GetUser(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), got.Balance)

	texts := env.api.sentTexts()
	assert.Contains(t, texts[len(texts)-1], "500")
}

func TestHandleSuccessfulPayment_MismatchedUser(t *testing.T) {
	env := newTestEnv(t, Options{WelcomeTokens: 0}, 5)

	env.bot.handleCommand(context.Background(), commandMessage("start", ""))
	user, err := env.store.GetUserByTelegramID(context.Background(), 42)
	require.NoError(t, err)

	msg := textMessage("")
	msg.SuccessfulPayment = &tgbotapi.SuccessfulPayment{
		InvoicePayload: "buy_tokens_someone-else_500",
	}
	env.bot.handleSuccessfulPayment(context.Background(), msg)

	got, err := env.store.GetUser(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Balance, "mismatched payload must not credit")
}

func TestHandleSuccessfulPayment_MalformedPayload(t *testing.T) {
	env := newTestEnv(t, Options{WelcomeTokens: 0}, 5)

	msg := textMessage("")
	msg.SuccessfulPayment = &tgbotapi.SuccessfulPayment{InvoicePayload: "garbage"}
	env.bot.handleSuccessfulPayment(context.Background(), msg)

	assert.Empty(t, env.store.Transactions())
}

func TestHandleBulk_AdminOnly(t *testing.T) {
	env := newTestEnv(t, Options{WelcomeTokens: 0}, 5)

	env.bot.handleCommand(context.Background(), commandMessage("bulk", "hello everyone"))

	texts := env.api.sentTexts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "administrators only")
}

func TestHandleBulk_Broadcast(t *testing.T) {
	env := newTestEnv(t, Options{WelcomeTokens: 0}, 5)
	ctx := context.Background()

	// Two regular users plus the admin issuing the command.
	for i, id := range []int64{201, 202} {
		require.NoError(t, env.store.CreateUser(ctx, &store.User{
			ID:         "target-" + strconv.Itoa(i+1),
			TelegramID: id,
			Role:       store.RoleUser,
		}))
	}
	require.NoError(t, env.store.CreateUser(ctx, &store.User{
		ID:         "admin-1",
		TelegramID: 42,
		Role:       store.RoleAdmin,
	}))

	env.bot.handleCommand(ctx, commandMessage("bulk", "hello everyone"))

	texts := env.api.sentTexts()
	require.Len(t, texts, 3, "two broadcasts plus the confirmation")
	assert.Equal(t, "hello everyone", texts[0])
	assert.Equal(t, "hello everyone", texts[1])
	assert.Contains(t, texts[2], "2 of 2")
}

func TestHandleInlineQuery(t *testing.T) {
	env := newTestEnv(t, Options{WelcomeTokens: 100}, 5)
	env.agent.streams = []string{deltaFrame("Inline answer")}

	env.bot.handleInlineQuery(context.Background(), &tgbotapi.InlineQuery{
		ID:    "q-1",
		From:  &tgbotapi.User{ID: 42, LanguageCode: "en"},
		Query: "what is up",
	})

	require.Len(t, env.api.requested, 1)
	answer, ok := env.api.requested[0].(tgbotapi.InlineConfig)
	require.True(t, ok)
	assert.Equal(t, "q-1", answer.InlineQueryID)
	require.Len(t, answer.Results, 1)

	article, ok := answer.Results[0].(tgbotapi.InlineQueryResultArticle)
	require.True(t, ok)
	assert.Equal(t, "Inline answer", article.Description)

	// Inline turns settle like any other turn.
	var debits int
	for _, tx := range env.store.Transactions() {
		if tx.Direction == store.DirectionDebit {
			debits++
		}
	}
	assert.Equal(t, 1, debits)
}

func TestHandleInlineQuery_EmptyQuery(t *testing.T) {
	env := newTestEnv(t, Options{}, 5)

	env.bot.handleInlineQuery(context.Background(), &tgbotapi.InlineQuery{
		ID:   "q-1",
		From: &tgbotapi.User{ID: 42},
	})

	require.Len(t, env.api.requested, 1)
	answer := env.api.requested[0].(tgbotapi.InlineConfig)
	require.Len(t, answer.Results, 1)
	// No user is provisioned and nothing is charged for the prompt article.
	assert.Empty(t, env.store.Transactions())
}

func TestEnsureUser_ProvisionOnce(t *testing.T) {
	env := newTestEnv(t, Options{WelcomeTokens: 50}, 5)
	ctx := context.Background()
	from := &tgbotapi.User{ID: 42, UserName: "alice", LanguageCode: "en"}

	first, err := env.bot.ensureUser(ctx, from)
	require.NoError(t, err)
	assert.Equal(t, int64(50), first.Balance)

	second, err := env.bot.ensureUser(ctx, from)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// The welcome grant is issued exactly once.
	require.Len(t, env.store.Transactions(), 1)
}

func TestPresenter_NotModifiedMapping(t *testing.T) {
	api := &fakeAPI{sendErr: errors.New("Bad Request: message is not modified")}
	p := newPresenter(api, 100, 1, discardLogger())

	err := p.Edit(context.Background(), "same text")
	assert.ErrorIs(t, err, conversation.ErrNotModified)
}

func TestPresenter_EditUsesMarkdown(t *testing.T) {
	api := &fakeAPI{}
	p := newPresenter(api, 100, 1, discardLogger())

	require.NoError(t, p.Edit(context.Background(), "*bold*"))
	require.Len(t, api.sent, 1)

	edit, ok := api.sent[0].(tgbotapi.EditMessageTextConfig)
	require.True(t, ok)
	assert.Equal(t, "*bold*", edit.Text)
	assert.Equal(t, tgbotapi.ModeMarkdown, edit.ParseMode)
}

func TestHandleUpdate_Dispatch(t *testing.T) {
	env := newTestEnv(t, Options{WelcomeTokens: 100}, 5)

	// Unroutable updates are ignored without panicking.
	env.bot.handleUpdate(context.Background(), tgbotapi.Update{})
	assert.Empty(t, env.api.sentTexts())
}
