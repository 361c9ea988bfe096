// Package handlers routes inbound chat events to command handlers and keeps
// the per-chat two-message dialog state.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"telegram-ai-assistant/internal/ai"
	"telegram-ai-assistant/internal/messages"
	"telegram-ai-assistant/internal/models"
	"telegram-ai-assistant/internal/parser"
	"telegram-ai-assistant/internal/reminders"
	"telegram-ai-assistant/internal/state"
)

// Gateway is the outbound side of the chat transport.
type Gateway interface {
	SendText(ctx context.Context, chatID int64, text string) error
	AnswerCallback(ctx context.Context, callbackID string) error
	Typing(ctx context.Context, chatID int64) error
}

// Chats tracks chat activity; storage.DB implements it.
type Chats interface {
	TouchChat(ctx context.Context, chatID int64, at time.Time) error
	SetInactive(ctx context.Context, chatID int64) error
}

// ReminderService is implemented by reminders.Service.
type ReminderService interface {
	AddDaily(ctx context.Context, chatID int64, hour, minute int, message string) (models.DailyJob, error)
	AddOnce(ctx context.Context, chatID int64, at time.Time, message string) (models.OnceJob, error)
	AddDelayed(ctx context.Context, chatID int64, minutes int, message string) (models.DelayedJob, error)
	RemoveByID(ctx context.Context, chatID int64, id string) (models.ReminderJob, error)
	RemoveOnce(ctx context.Context, chatID int64, id string) (models.ReminderJob, error)
	RemoveDaily(ctx context.Context, chatID int64, part string) (models.ReminderJob, error)
	RemoveRange(ctx context.Context, chatID int64, rng reminders.Range) (int, error)
	RemoveNearest(ctx context.Context, chatID int64) (models.ReminderJob, time.Time, error)
	List(ctx context.Context, chatID int64) (string, error)
}

// Conversation is implemented by ai.Bridge.
type Conversation interface {
	Converse(ctx context.Context, chatID int64, text, nowLabel string, depth int) (string, error)
	ResetHistory(ctx context.Context, chatID int64) error
}

// DeletionResolver is implemented by ai.Resolver.
type DeletionResolver interface {
	FindAndDelete(ctx context.Context, chatID int64, description string, depth int) (string, error)
}

type Deps struct {
	States    state.Store
	StateTTL  time.Duration
	Reminders ReminderService
	AI        Conversation
	Resolver  DeletionResolver
	Gateway   Gateway
	Chats     Chats
	Clock     clockwork.Clock
	Timeout   time.Duration // per inbound event
	Logger    *slog.Logger
}

// request is the per-event input of a handler. Nothing chat specific lives on the Router.
type request struct {
	chatID int64
	arg    string
	depth  int
}

type handlerFunc func(ctx context.Context, req request) (string, error)

type command struct {
	handle     handlerFunc
	acceptsArg bool   // the argument may be given inline
	prompt     string // set when the command opens a dialog if sent without argument
}

type Router struct {
	commands map[string]command // read-only after NewRouter

	states    state.Store
	stateTTL  time.Duration
	reminders ReminderService
	ai        Conversation
	resolver  DeletionResolver
	gateway   Gateway
	chats     Chats
	clock     clockwork.Clock
	timeout   time.Duration
	log       *slog.Logger
}

func NewRouter(d Deps) *Router {
	if d.Timeout <= 0 {
		d.Timeout = 10 * time.Second
	}
	if d.StateTTL <= 0 {
		d.StateTTL = state.DefaultTTL
	}
	r := &Router{
		states:    d.States,
		stateTTL:  d.StateTTL,
		reminders: d.Reminders,
		ai:        d.AI,
		resolver:  d.Resolver,
		gateway:   d.Gateway,
		chats:     d.Chats,
		clock:     d.Clock,
		timeout:   d.Timeout,
		log:       d.Logger.With("component", "router"),
	}
	r.commands = map[string]command{
		"":                           {handle: r.handleAI, acceptsArg: true},
		"/start":                     {handle: r.handleStart},
		"/help":                      {handle: r.handleHelp},
		"/resethistory":              {handle: r.handleResetHistory},
		"/cancel":                    {handle: r.handleCancel},
		"/daily":                     {handle: r.handleDaily, acceptsArg: true, prompt: messages.PromptDaily},
		"/once":                      {handle: r.handleOnce, acceptsArg: true, prompt: messages.PromptOnce},
		"/delay":                     {handle: r.handleDelay, acceptsArg: true, prompt: messages.PromptDelay},
		"/list_scheduled":            {handle: r.handleList},
		"/remove":                    {handle: r.handleRemove, acceptsArg: true, prompt: messages.PromptRemove},
		reminders.RemoveOnceCommand:  {handle: r.handleRemoveOnce, acceptsArg: true},
		reminders.RemoveDailyCommand: {handle: r.handleRemoveDaily, acceptsArg: true},
		"/remove_range":              {handle: r.handleRemoveRange, acceptsArg: true, prompt: messages.PromptRemoveRange},
		"/remove_nearest":            {handle: r.handleRemoveNearest},
		"/find_delete":               {handle: r.handleFindDelete, acceptsArg: true, prompt: messages.PromptFindDelete},
	}
	return r
}

// Serve handles events concurrently, at most workers at a time, until events is closed.
func (r *Router) Serve(ctx context.Context, events <-chan models.Event, workers int) {
	if workers < 1 {
		workers = 1
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for ev := range events {
		ev := ev // per-iteration copy (go directive < 1.22)
		g.Go(func() error {
			r.HandleInboundEvent(ctx, ev)
			return nil
		})
	}
	_ = g.Wait()
}

// HandleInboundEvent is the single entry point for chat events. Message and
// callback events always get exactly one reply.
func (r *Router) HandleInboundEvent(ctx context.Context, ev models.Event) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	log := r.log.With("event_id", uuid.NewString(), "chat_id", ev.ChatID)

	switch {
	case ev.Blocked:
		r.handleBlocked(ctx, log, ev.ChatID)
	case ev.IsCallback():
		r.handleCallback(ctx, log, ev)
	default:
		r.handleMessage(ctx, log, ev.ChatID, ev.Text)
	}
}

func (r *Router) handleMessage(ctx context.Context, log *slog.Logger, chatID int64, text string) {
	r.touch(ctx, log, chatID)
	reply, err := r.route(ctx, chatID, text, 0, true)
	r.reply(ctx, log, chatID, reply, err)
}

// handleCallback runs the button's data as a command. Buttons never answer a pending dialog.
func (r *Router) handleCallback(ctx context.Context, log *slog.Logger, ev models.Event) {
	if err := r.gateway.AnswerCallback(ctx, ev.CallbackID); err != nil {
		log.Warn("answer callback", "err", err)
	}
	r.touch(ctx, log, ev.ChatID)
	reply, err := r.route(ctx, ev.ChatID, ev.CallbackData, 0, false)
	r.reply(ctx, log, ev.ChatID, reply, err)
}

func (r *Router) handleBlocked(ctx context.Context, log *slog.Logger, chatID int64) {
	log.Info("chat blocked the bot")
	if err := r.chats.SetInactive(ctx, chatID); err != nil {
		log.Error("mark chat inactive", "err", err)
	}
	if err := r.states.Clear(ctx, chatID); err != nil {
		log.Error("clear chat state", "err", err)
	}
}

// Dispatch runs line as a command on behalf of the intent service. It skips
// the pending-dialog takeover and refuses free text and excessive depth.
func (r *Router) Dispatch(ctx context.Context, chatID int64, line string, depth int) (string, error) {
	if depth > ai.MaxDispatchDepth {
		return "", &models.UpstreamError{Service: models.ServiceIntent, Kind: models.KindBadOutput,
			Err: errors.New("command dispatch nested too deep")}
	}
	if !strings.HasPrefix(strings.TrimSpace(line), "/") {
		return "", &models.UpstreamError{Service: models.ServiceIntent, Kind: models.KindBadOutput,
			Err: errors.New("dispatched line is not a command")}
	}
	return r.route(ctx, chatID, line, depth, false)
}

// route applies the dialog state machine to one line of input.
// dialog is true for typed messages, which may answer a pending dialog.
func (r *Router) route(ctx context.Context, chatID int64, text string, depth int, dialog bool) (string, error) {
	name, arg := parser.Parse(text)
	cmd, ok := r.commands[name]
	if !ok {
		return "", &models.UnknownCommandError{Command: name}
	}

	if dialog && name != "/cancel" {
		st, err := r.states.Get(ctx, chatID)
		if err != nil {
			return "", models.Upstream(models.ServiceState, err)
		}
		if st != nil && st.AwaitingResponse {
			return r.resume(ctx, chatID, *st, text, depth)
		}
	}

	switch {
	case arg != "" && cmd.acceptsArg:
		return cmd.handle(ctx, request{chatID: chatID, arg: arg, depth: depth})
	case arg == "" && cmd.prompt != "":
		st := state.NewPending(chatID, name, r.clock.Now())
		if err := r.states.Set(ctx, chatID, st, r.stateTTL); err != nil {
			return "", models.Upstream(models.ServiceState, err)
		}
		return cmd.prompt, nil
	default:
		return cmd.handle(ctx, request{chatID: chatID, arg: arg, depth: depth})
	}
}

// resume feeds the whole raw text to the pending command and ends the dialog.
func (r *Router) resume(ctx context.Context, chatID int64, st models.ChatState, text string, depth int) (string, error) {
	defer func() {
		if err := r.states.Clear(context.WithoutCancel(ctx), chatID); err != nil {
			r.log.Error("clear chat state", "chat_id", chatID, "err", err)
		}
	}()
	cmd, ok := r.commands[st.PendingCommand]
	if !ok {
		return "", &models.UnknownCommandError{Command: st.PendingCommand}
	}
	return cmd.handle(ctx, request{chatID: chatID, arg: strings.TrimSpace(text), depth: depth})
}

func (r *Router) touch(ctx context.Context, log *slog.Logger, chatID int64) {
	if err := r.chats.TouchChat(ctx, chatID, r.clock.Now()); err != nil {
		log.Warn("touch chat", "err", err)
	}
}

const sendTimeout = 10 * time.Second

// reply sends exactly one message for the event: the handler's text or the
// friendly form of its error. A failed send is logged, never retried.
func (r *Router) reply(ctx context.Context, log *slog.Logger, chatID int64, text string, err error) {
	if err != nil {
		text = messages.FriendlyError(err)
		var uc *models.UnknownCommandError
		if models.IsWarning(err) || errors.As(err, &uc) {
			log.Debug("user input rejected", "err", err)
		} else {
			log.Error("handle event", "err", err)
		}
	}
	if strings.TrimSpace(text) == "" {
		text = messages.Done
	}

	// The event deadline may already be spent; the reply still goes out.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()
	if err := r.gateway.SendText(sendCtx, chatID, text); err != nil {
		log.Error("send reply", "err", err)
		var ue *models.UpstreamError
		if errors.As(err, &ue) && ue.Kind == models.KindBlocked {
			if err := r.chats.SetInactive(sendCtx, chatID); err != nil {
				log.Error("mark chat inactive", "err", err)
			}
		}
	}
}
