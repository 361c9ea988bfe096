package reminders

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"telegram-ai-assistant/internal/datetime"
	"telegram-ai-assistant/internal/models"
)

// Inline removal commands embedded in listings.
const (
	RemoveOnceCommand  = "/_rem_"
	RemoveDailyCommand = "/_daily_"
)

// DailyRemoveCommand is the one-tap removal command of d, e.g. /_daily_09_00.
func DailyRemoveCommand(d models.DailyJob) string {
	return fmt.Sprintf("%s%02d_%02d", RemoveDailyCommand, d.Hour, d.Minute)
}

const noReminders = "You have no scheduled reminders."

// List renders the chat's reminders, daily ones first, each with a one-tap removal command.
func (s *Service) List(ctx context.Context, chatID int64) (string, error) {
	daily, err := s.listDaily(ctx, chatID)
	if err != nil {
		return "", err
	}
	jobs, err := s.FindAll(ctx, chatID, nil)
	if err != nil {
		return "", err
	}
	return Format(Jobs{Daily: daily, Once: jobs.Once}), nil
}

// listDaily walks the queue's repeat registrations. A registration whose
// record cannot be loaded is logged and skipped.
func (s *Service) listDaily(ctx context.Context, chatID int64) ([]models.DailyJob, error) {
	entries, err := s.queue.ListRepeating(ctx)
	if err != nil {
		return nil, models.Upstream(models.ServiceQueue, err)
	}

	seen := make(map[int]bool)
	var res []models.DailyJob
	for _, e := range entries {
		rec, err := s.queue.GetJob(ctx, e.JobID)
		if err != nil {
			s.log.Warn("load repeating job", "job_id", e.JobID, "err", err)
			continue
		}
		if rec == nil {
			s.log.Warn("repeat entry without job record", "job_id", e.JobID)
			continue
		}
		if rec.ChatID != chatID || rec.Kind != models.KindDaily {
			continue
		}
		j, err := models.FromQueued(*rec)
		if err != nil {
			s.log.Warn("skip unreadable job", "job_id", e.JobID, "err", err)
			continue
		}
		d := j.(models.DailyJob)
		if seen[d.MinutesOfDay()] {
			s.log.Error("duplicate daily reminders for one time", "chat_id", chatID, "time", d.Clock())
			continue
		}
		seen[d.MinutesOfDay()] = true
		res = append(res, d)
	}
	sort.Slice(res, func(a, b int) bool { return res[a].MinutesOfDay() < res[b].MinutesOfDay() })
	return res, nil
}

// Format renders jobs as a chat message.
func Format(jobs Jobs) string {
	if jobs.Len() == 0 {
		return noReminders
	}

	var b strings.Builder
	b.WriteString("Your reminders (times in UTC):\n")
	if len(jobs.Daily) > 0 {
		b.WriteString("\n🔁 Daily:\n")
		for _, d := range jobs.Daily {
			fmt.Fprintf(&b, "%s %s\n   remove: %s\n", d.Clock(), d.Message, DailyRemoveCommand(d))
		}
	}
	if len(jobs.Once) > 0 {
		b.WriteString("\n⏰ One-time:\n")
		for _, o := range jobs.Once {
			fmt.Fprintf(&b, "%s %s\n   remove: %s%s\n", datetime.FormatUTC(executeAt(o)), o.Text(), RemoveOnceCommand, o.JobID())
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
