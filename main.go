package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"

	"telegram-ai-assistant/internal/ai"
	"telegram-ai-assistant/internal/config"
	"telegram-ai-assistant/internal/gateway"
	"telegram-ai-assistant/internal/handlers"
	"telegram-ai-assistant/internal/messages"
	"telegram-ai-assistant/internal/queue"
	"telegram-ai-assistant/internal/reminders"
	"telegram-ai-assistant/internal/scheduler"
	"telegram-ai-assistant/internal/state"
	"telegram-ai-assistant/internal/storage"
	"telegram-ai-assistant/internal/utils"
)

func main() {
	_ = godotenv.Load() // TELEGRAM_BOT_TOKEN etc.

	cfg, err := config.Load()
	utils.Must(err)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)
	if cfg.OpenAIKey == "" {
		logger.Warn("OPENAI_API_KEY is empty, free text answers will fail")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.New(cfg.DBPath)
	utils.Must(err)
	defer db.Close()

	clock := clockwork.NewRealClock()

	tg, err := gateway.NewTelegram(cfg.TelegramToken, logger)
	utils.Must(err)

	q, err := queue.New(db, messages.Deliver(tg, db, logger), clock, logger)
	utils.Must(err)
	utils.Must(q.Restore(ctx))
	q.Start()

	var (
		states state.Store
		purger scheduler.StatePurger
	)
	switch cfg.StateBackend {
	case config.BackendMemory:
		states = state.NewLRUStore(clock, cfg.StateTTL)
	default:
		sqlStates := state.NewSQLStore(db, clock, cfg.StateTTL)
		states, purger = sqlStates, sqlStates
	}

	remind := reminders.NewService(q, clock, logger)
	intent := ai.NewOpenAIClient(cfg.OpenAIBaseURL, cfg.OpenAIKey, cfg.OpenAIModel, cfg.HandleTimeout)
	bridge := ai.NewBridge(intent, db, tg, cfg.OpenAIMaxHistory, logger)
	resolver := ai.NewResolver(intent, remind, logger)

	router := handlers.NewRouter(handlers.Deps{
		States:    states,
		StateTTL:  cfg.StateTTL,
		Reminders: remind,
		AI:        bridge,
		Resolver:  resolver,
		Gateway:   tg,
		Chats:     db,
		Clock:     clock,
		Timeout:   cfg.HandleTimeout,
		Logger:    logger,
	})
	bridge.SetDispatcher(router)
	resolver.SetDispatcher(router)

	sched, err := scheduler.Start(ctx, scheduler.Jobs{Chats: db, Queue: q, States: purger}, scheduler.Config{
		InactivityMinutes: cfg.InactivityMinutes,
		SweepInterval:     cfg.SweepInterval,
		JobRetention:      cfg.JobRetention,
	}, clock, logger)
	utils.Must(err)

	events, err := tg.Updates(ctx, cfg.WebhookURL, cfg.WebhookListen)
	utils.Must(err)

	logger.Info("bot started", "state_backend", cfg.StateBackend, "webhook", cfg.WebhookURL != "")
	router.Serve(ctx, events, cfg.Workers)

	logger.Info("shutting down")
	if err := errors.Join(sched.Shutdown(), q.Shutdown()); err != nil {
		logger.Error("shutdown", "err", err)
	}
}
