// Package gateway adapts the Telegram Bot API to normalized chat events and plain text sends.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"telegram-ai-assistant/internal/models"
)

// MaxMessageLen is Telegram's limit for one text message, in runes.
const MaxMessageLen = 4096

type Telegram struct {
	bot *tgbotapi.BotAPI
	log *slog.Logger
}

func NewTelegram(token string, logger *slog.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	logger = logger.With("component", "telegram")
	logger.Info("authorized", "bot", bot.Self.UserName)
	return &Telegram{bot: bot, log: logger}, nil
}

var allowedUpdates = []string{"message", "callback_query", "my_chat_member"}

// Updates starts receiving events: by long polling, or through a webhook
// served on listen when webhookURL is set. The channel closes when ctx is done.
func (t *Telegram) Updates(ctx context.Context, webhookURL, listen string) (<-chan models.Event, error) {
	events := make(chan models.Event)
	out := &sink{ch: events}
	if webhookURL == "" {
		return events, t.poll(ctx, out)
	}
	return events, t.serveWebhook(ctx, webhookURL, listen, out)
}

// sink serializes sends on the events channel with its close, so a late
// webhook request never sends on a closed channel.
type sink struct {
	mu     sync.RWMutex
	closed bool
	ch     chan<- models.Event
}

// send reports false when the event was dropped.
func (s *sink) send(ctx context.Context, ev models.Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// close waits for in-flight sends. Senders must use a context that is done by then.
func (s *sink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (t *Telegram) poll(ctx context.Context, events *sink) error {
	// A leftover webhook makes getUpdates fail.
	if _, err := t.bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return err
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	u.AllowedUpdates = allowedUpdates
	updates := t.bot.GetUpdatesChan(u)

	go func() {
		defer events.close()
		for {
			select {
			case <-ctx.Done():
				t.bot.StopReceivingUpdates()
				return
			case upd, ok := <-updates:
				if !ok {
					return
				}
				t.forward(ctx, upd, events)
			}
		}
	}()
	return nil
}

func (t *Telegram) serveWebhook(ctx context.Context, webhookURL, listen string, events *sink) error {
	link, err := url.Parse(webhookURL)
	if err != nil {
		return err
	}
	wh, err := tgbotapi.NewWebhook(webhookURL)
	if err != nil {
		return err
	}
	wh.AllowedUpdates = allowedUpdates
	wh.MaxConnections = 100
	if _, err := t.bot.Request(wh); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc(link.Path, func(w http.ResponseWriter, r *http.Request) {
		upd, err := t.bot.HandleUpdate(r)
		if err != nil {
			t.log.Warn("bad webhook request", "err", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		// The request ends early when the bot shuts down, letting the sink close.
		reqCtx, cancel := context.WithCancel(r.Context())
		defer cancel()
		stop := context.AfterFunc(ctx, cancel)
		defer stop()
		t.forward(reqCtx, *upd, events)
	})
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		t.log.Info("webhook listening", "addr", listen, "path", link.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Error("webhook server", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			t.log.Warn("webhook shutdown", "err", err)
		}
		events.close()
	}()
	return nil
}

func (t *Telegram) forward(ctx context.Context, upd tgbotapi.Update, events *sink) {
	ev, ok := EventFromUpdate(upd)
	if !ok {
		return
	}
	if !events.send(ctx, ev) {
		t.log.Warn("update dropped", "chat_id", ev.ChatID)
	}
}

// EventFromUpdate normalizes an update. It reports false for updates the bot ignores.
func EventFromUpdate(upd tgbotapi.Update) (models.Event, bool) {
	switch {
	case upd.Message != nil && upd.Message.Chat != nil:
		if upd.Message.Text == "" {
			return models.Event{}, false
		}
		return models.Event{ChatID: upd.Message.Chat.ID, Text: upd.Message.Text}, true

	case upd.CallbackQuery != nil:
		ev := models.Event{CallbackID: upd.CallbackQuery.ID, CallbackData: upd.CallbackQuery.Data}
		if m := upd.CallbackQuery.Message; m != nil && m.Chat != nil {
			ev.ChatID = m.Chat.ID
		} else if upd.CallbackQuery.From != nil {
			ev.ChatID = upd.CallbackQuery.From.ID
		}
		return ev, true

	case upd.MyChatMember != nil:
		if upd.MyChatMember.NewChatMember.Status != "kicked" {
			return models.Event{}, false
		}
		return models.Event{ChatID: upd.MyChatMember.Chat.ID, Blocked: true}, true
	}
	return models.Event{}, false
}

// SendText sends text, split into several messages when it exceeds MaxMessageLen.
func (t *Telegram) SendText(_ context.Context, chatID int64, text string) error {
	for _, chunk := range Split(text, MaxMessageLen) {
		msg := tgbotapi.NewMessage(chatID, chunk)
		msg.DisableWebPagePreview = true
		if _, err := t.bot.Send(msg); err != nil {
			return classify(err)
		}
	}
	return nil
}

// Typing shows the "typing…" indicator while a slow answer is produced.
func (t *Telegram) Typing(_ context.Context, chatID int64) error {
	if _, err := t.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		return classify(err)
	}
	return nil
}

// AnswerCallback stops the button spinner of an inline keyboard press.
func (t *Telegram) AnswerCallback(_ context.Context, callbackID string) error {
	if _, err := t.bot.Request(tgbotapi.NewCallback(callbackID, "")); err != nil {
		return classify(err)
	}
	return nil
}

func classify(err error) error {
	kind := models.KindUnknown
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusForbidden:
			kind = models.KindBlocked
		case http.StatusTooManyRequests:
			kind = models.KindRateLimit
		case http.StatusUnauthorized:
			kind = models.KindInvalidAPIKey
		default:
			if apiErr.Code >= 500 {
				kind = models.KindServerError
			}
		}
	}
	return &models.UpstreamError{Service: models.ServiceGateway, Kind: kind, Err: err}
}

// Split cuts text into chunks of at most limit runes, preferring line breaks.
func Split(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}
