// Package scheduler runs the periodic maintenance jobs: the inactivity sweep,
// cleanup of finished queue jobs and purging of expired chat states.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"

	"telegram-ai-assistant/internal/models"
)

// Chats is implemented by storage.DB.
type Chats interface {
	ListInactiveChats(ctx context.Context, before time.Time) ([]models.Chat, error)
	SetInactive(ctx context.Context, chatID int64) error
}

// Queue is implemented by queue.Queue.
type Queue interface {
	EnqueueOnce(ctx context.Context, p models.JobPayload, delay time.Duration, policy models.RetryPolicy) (string, error)
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// StatePurger is implemented by state.SQLStore.
type StatePurger interface {
	Purge(ctx context.Context) (int64, error)
}

type Jobs struct {
	Chats  Chats
	Queue  Queue
	States StatePurger // nil when the state backend expires entries itself
}

type Config struct {
	InactivityMinutes int
	SweepInterval     time.Duration
	JobRetention      time.Duration
}

// SweepInactiveChats enqueues one inactivity notification for every active chat
// silent for longer than thresholdMinutes and marks it inactive, so each
// silence is greeted once.
func SweepInactiveChats(ctx context.Context, chats Chats, queue Queue, clock clockwork.Clock, thresholdMinutes int, logger *slog.Logger) (int, error) {
	now := clock.Now().UTC()
	inactive, err := chats.ListInactiveChats(ctx, now.Add(-time.Duration(thresholdMinutes)*time.Minute))
	if err != nil {
		return 0, err
	}

	notified := 0
	for _, c := range inactive {
		_, err := queue.EnqueueOnce(ctx, models.JobPayload{
			Kind:      models.KindNotification,
			ChatID:    c.ChatID,
			CreatedAt: now,
		}, 0, models.DefaultRetryPolicy)
		if err != nil {
			logger.Error("enqueue inactivity notification", "chat_id", c.ChatID, "err", err)
			continue
		}
		if err := chats.SetInactive(ctx, c.ChatID); err != nil {
			logger.Error("mark chat inactive", "chat_id", c.ChatID, "err", err)
			continue
		}
		notified++
	}
	return notified, nil
}

// Start registers the maintenance jobs and starts the scheduler. The jobs stop
// when ctx is cancelled or the returned scheduler is shut down.
func Start(ctx context.Context, jobs Jobs, cfg Config, clock clockwork.Clock, logger *slog.Logger) (gocron.Scheduler, error) {
	log := logger.With("component", "scheduler")
	s, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
		gocron.WithClock(clock),
		gocron.WithLogger(logger),
		gocron.WithGlobalJobOptions(gocron.WithSingletonMode(gocron.LimitModeReschedule)),
	)
	if err != nil {
		return nil, err
	}

	_, err = s.NewJob(
		gocron.DurationJob(cfg.SweepInterval),
		gocron.NewTask(func() {
			n, err := SweepInactiveChats(ctx, jobs.Chats, jobs.Queue, clock, cfg.InactivityMinutes, log)
			if err != nil {
				log.Error("inactivity sweep", "err", err)
				return
			}
			if n > 0 {
				log.Info("inactive chats notified", "count", n)
			}
		}),
		gocron.WithName("inactivity_sweep"),
	)
	if err != nil {
		return nil, err
	}

	_, err = s.NewJob(
		gocron.DurationJob(time.Minute),
		gocron.NewTask(func() {
			removed, err := jobs.Queue.Cleanup(ctx, cfg.JobRetention)
			if err != nil {
				log.Error("queue cleanup", "err", err)
			} else if removed > 0 {
				log.Debug("finished jobs removed", "count", removed)
			}

			if jobs.States == nil {
				return
			}
			if _, err := jobs.States.Purge(ctx); err != nil {
				log.Error("purge chat states", "err", err)
			}
		}),
		gocron.WithName("cleanup"),
	)
	if err != nil {
		return nil, err
	}

	s.Start()
	return s, nil
}
