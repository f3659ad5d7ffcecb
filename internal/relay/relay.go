// ABOUTME: Relay orchestrator that assembles the pipeline and runs it.
// ABOUTME: Manages the update feed (long poll or webhook), HTTP server, and shutdown.

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/emberworks/ember-relay/internal/assistant"
	"github.com/emberworks/ember-relay/internal/bot"
	"github.com/emberworks/ember-relay/internal/config"
	"github.com/emberworks/ember-relay/internal/conversation"
	"github.com/emberworks/ember-relay/internal/ledger"
	"github.com/emberworks/ember-relay/internal/localization"
	"github.com/emberworks/ember-relay/internal/ratelimit"
	"github.com/emberworks/ember-relay/internal/store"
)

// longPollTimeout is the Telegram long-poll timeout in seconds.
const longPollTimeout = 60

// Relay owns the assembled pipeline and its lifecycle.
type Relay struct {
	config     *config.Config
	logger     *slog.Logger
	api        *tgbotapi.BotAPI
	bot        *bot.Bot
	store      store.Store
	limiter    *ratelimit.Limiter
	httpServer *http.Server

	// webhookUpdates carries updates in webhook mode; nil when long polling.
	webhookUpdates chan tgbotapi.Update
}

// New assembles a Relay from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Relay, error) {
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	translator, err := localization.Load(cfg.Localization.DefaultLanguage, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("loading locales: %w", err)
	}

	api, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("connecting to telegram: %w", err)
	}

	ledgerSvc := ledger.NewService(st, logger)
	client := assistant.NewClient(cfg.Assistant.BaseURL, cfg.Assistant.APIKey, logger)
	conv := conversation.NewService(st, client, ledgerSvc, translator, conversation.Options{
		AgentID:       cfg.Assistant.AgentID,
		RunTimeout:    cfg.Assistant.RunTimeout,
		ChargePartial: *cfg.Billing.ChargePartial,
	}, logger)
	limiter := ratelimit.New(cfg.RateLimit.Limit, cfg.RateLimit.Window)

	b := bot.New(api, st, conv, ledgerSvc, translator, limiter, bot.Options{
		WelcomeTokens: cfg.Billing.WelcomeTokens,
		PricePerToken: cfg.Billing.PricePerToken,
	}, logger)

	r := &Relay{
		config:  cfg,
		logger:  logger.With("component", "relay"),
		api:     api,
		bot:     b,
		store:   st,
		limiter: limiter,
	}
	r.httpServer = &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: r.routes(),
	}
	return r, nil
}

// routes builds the HTTP mux: health endpoint, plus the webhook receiver when
// webhook delivery is configured.
func (r *Relay) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok"}`)
	})

	if r.config.Telegram.WebhookURL != "" {
		r.webhookUpdates = make(chan tgbotapi.Update, 100)
		mux.HandleFunc("/webhook", func(w http.ResponseWriter, req *http.Request) {
			update, err := r.api.HandleUpdate(req)
			if err != nil {
				r.logger.Warn("rejecting malformed webhook update", "error", err)
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			r.webhookUpdates <- *update
		})
	}

	return mux
}

// Run starts the HTTP server and the update loop, blocking until the context
// is cancelled or a component fails.
func (r *Relay) Run(ctx context.Context) error {
	defer r.limiter.Close()
	defer func() {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("store close failed", "error", err)
		}
	}()

	updates, err := r.updateFeed()
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)

	go func() {
		r.logger.Info("http server listening", "addr", r.httpServer.Addr)
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	go func() {
		r.logger.Info("update loop started",
			"mode", r.deliveryMode(),
			"bot", r.api.Self.UserName,
		)
		errCh <- r.bot.Run(ctx, updates)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			r.shutdownHTTP()
			return err
		}
	}

	r.logger.Info("shutting down")
	r.api.StopReceivingUpdates()
	r.shutdownHTTP()
	return nil
}

// updateFeed returns the update channel for the configured delivery mode.
func (r *Relay) updateFeed() (tgbotapi.UpdatesChannel, error) {
	if r.config.Telegram.WebhookURL == "" {
		u := tgbotapi.NewUpdate(0)
		u.Timeout = longPollTimeout
		return r.api.GetUpdatesChan(u), nil
	}

	wh, err := tgbotapi.NewWebhook(r.config.Telegram.WebhookURL)
	if err != nil {
		return nil, fmt.Errorf("building webhook config: %w", err)
	}
	if _, err := r.api.Request(wh); err != nil {
		return nil, fmt.Errorf("registering webhook: %w", err)
	}
	return r.webhookUpdates, nil
}

func (r *Relay) deliveryMode() string {
	if r.config.Telegram.WebhookURL != "" {
		return "webhook"
	}
	return "long_poll"
}

func (r *Relay) shutdownHTTP() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Warn("http shutdown failed", "error", err)
	}
}
