// Package reminders creates, lists and cancels the reminders of a chat on top of the job queue.
package reminders

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"telegram-ai-assistant/internal/datetime"
	"telegram-ai-assistant/internal/models"
)

// JobQueue is the execution engine behind reminders; queue.Queue implements it.
type JobQueue interface {
	EnqueueOnce(ctx context.Context, p models.JobPayload, delay time.Duration, policy models.RetryPolicy) (string, error)
	EnqueueRepeating(ctx context.Context, p models.JobPayload, cronPattern, id string) error
	GetJob(ctx context.Context, id string) (*models.QueuedJob, error)
	Cancel(ctx context.Context, id string) error
	ListRepeating(ctx context.Context) ([]models.RepeatEntry, error)
	ListByState(ctx context.Context, states ...models.JobState) ([]models.QueuedJob, error)
}

// Range is an inclusive time window.
type Range struct {
	Start, End time.Time
}

func (r Range) Contains(t time.Time) bool {
	return !t.Before(r.Start) && !t.After(r.End)
}

// Jobs are the live reminders of one chat.
type Jobs struct {
	Daily []models.DailyJob
	Once  []models.ReminderJob // OnceJob or DelayedJob
}

func (j Jobs) Len() int { return len(j.Daily) + len(j.Once) }

type Service struct {
	queue  JobQueue
	clock  clockwork.Clock
	log    *slog.Logger
	policy models.RetryPolicy
}

func NewService(queue JobQueue, clock clockwork.Clock, logger *slog.Logger) *Service {
	return &Service{
		queue:  queue,
		clock:  clock,
		log:    logger.With("component", "reminders"),
		policy: models.DefaultRetryPolicy,
	}
}

// MaxAhead bounds how far in the future a one-time reminder may fire.
const MaxAhead = maxAheadDays * 24 * time.Hour

const maxAheadDays = 5 * 365

func (s *Service) now() time.Time { return s.clock.Now().UTC() }

// ---------- create ----------------------------------------------------------

// AddDaily schedules message every day at hour:minute UTC. An existing daily
// reminder of the chat at the same time is replaced.
func (s *Service) AddDaily(ctx context.Context, chatID int64, hour, minute int, message string) (models.DailyJob, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return models.DailyJob{}, models.Warnf("Please add the reminder text after the time, e.g. 09:00 Take medicine.")
	}
	job := models.NewDailyJob(chatID, hour, minute, message, s.now())
	if _, err := cron.ParseStandard(job.CronPattern()); err != nil {
		return models.DailyJob{}, models.Warnf("%02d:%02d is not a valid time of day.", hour, minute)
	}

	existing, err := s.queue.GetJob(ctx, job.ID)
	if err != nil {
		return models.DailyJob{}, models.Upstream(models.ServiceQueue, err)
	}
	if existing != nil {
		if err := s.queue.Cancel(ctx, job.ID); err != nil {
			return models.DailyJob{}, models.Upstream(models.ServiceQueue, err)
		}
		s.log.Debug("daily reminder replaced", "chat_id", chatID, "job_id", job.ID)
	}

	payload := models.JobPayload{Kind: models.KindDaily, ChatID: chatID, Message: message, CreatedAt: job.CreatedAt}
	if err := s.queue.EnqueueRepeating(ctx, payload, job.CronPattern(), job.ID); err != nil {
		return models.DailyJob{}, models.Upstream(models.ServiceQueue, err)
	}
	return job, nil
}

// AddOnce schedules message at an absolute time, which must be in the future.
func (s *Service) AddOnce(ctx context.Context, chatID int64, at time.Time, message string) (models.OnceJob, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return models.OnceJob{}, models.Warnf("Please add the reminder text after the date, e.g. 01.01.2026 15:00 Meeting.")
	}
	now := s.now()
	if !datetime.ValidateFuture(at, now) {
		return models.OnceJob{}, models.Warnf("%s is in the past. Please pick a future date and time.", datetime.FormatUTC(at))
	}
	if at.Sub(now) > MaxAhead {
		return models.OnceJob{}, models.Warnf("%s is too far ahead. Reminders can be set up to %d days ahead.", datetime.FormatUTC(at), maxAheadDays)
	}

	payload := models.JobPayload{Kind: models.KindOnce, ChatID: chatID, Message: message, CreatedAt: now}
	id, err := s.queue.EnqueueOnce(ctx, payload, at.Sub(now), s.policy)
	if err != nil {
		return models.OnceJob{}, models.Upstream(models.ServiceQueue, err)
	}
	return models.NewOnceJob(id, chatID, message, at.UTC(), now), nil
}

// AddDelayed schedules message minutes from now.
func (s *Service) AddDelayed(ctx context.Context, chatID int64, minutes int, message string) (models.DelayedJob, error) {
	message = strings.TrimSpace(message)
	if minutes <= 0 {
		return models.DelayedJob{}, models.Warnf("The delay must be a positive number of minutes.")
	}
	if minutes > int(MaxAhead/time.Minute) {
		return models.DelayedJob{}, models.Warnf("The delay is too long. Reminders can be set up to %d days ahead.", maxAheadDays)
	}
	if message == "" {
		return models.DelayedJob{}, models.Warnf("Please add the reminder text after the minutes, e.g. 15 Stretch.")
	}

	now := s.now()
	delay := time.Duration(minutes) * time.Minute
	payload := models.JobPayload{Kind: models.KindDelayed, ChatID: chatID, Message: message, CreatedAt: now}
	id, err := s.queue.EnqueueOnce(ctx, payload, delay, s.policy)
	if err != nil {
		return models.DelayedJob{}, models.Upstream(models.ServiceQueue, err)
	}
	return models.NewDelayedJob(id, chatID, message, now.Add(delay), now), nil
}

// ---------- remove ----------------------------------------------------------

// RemoveByID removes a reminder by the id shown to the user: a queue id for
// one-time reminders or daily_HH_MM for daily ones.
func (s *Service) RemoveByID(ctx context.Context, chatID int64, id string) (models.ReminderJob, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, models.Warnf("Please tell me which reminder to remove, e.g. /remove 482.")
	}
	if strings.HasPrefix(id, "daily_") {
		return s.RemoveDaily(ctx, chatID, id)
	}
	return s.RemoveOnce(ctx, chatID, id)
}

// RemoveOnce cancels a one-time or delayed reminder owned by chatID that has not fired yet.
func (s *Service) RemoveOnce(ctx context.Context, chatID int64, id string) (models.ReminderJob, error) {
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		return nil, models.Warnf("Reminder %q not found.", id)
	}
	rec, err := s.queue.GetJob(ctx, id)
	if err != nil {
		return nil, models.Upstream(models.ServiceQueue, err)
	}
	if rec == nil || (rec.Kind != models.KindOnce && rec.Kind != models.KindDelayed) {
		return nil, models.Warnf("Reminder %s not found.", id)
	}
	if rec.ChatID != chatID {
		s.log.Warn("cross-chat removal rejected", "chat_id", chatID, "job_id", id, "owner", rec.ChatID)
		return nil, models.Warnf("Reminder %s does not belong to this chat.", id)
	}
	if rec.State != models.JobDelayed {
		return nil, models.Warnf("Reminder %s has already been sent and cannot be removed.", id)
	}

	job, err := models.FromQueued(*rec)
	if err != nil {
		return nil, models.Upstream(models.ServiceQueue, err)
	}
	if err := s.queue.Cancel(ctx, id); err != nil {
		return nil, models.Upstream(models.ServiceQueue, err)
	}
	return job, nil
}

// RemoveDaily cancels the daily reminder {chatID}_{part}, part being daily_HH_MM.
func (s *Service) RemoveDaily(ctx context.Context, chatID int64, part string) (models.ReminderJob, error) {
	id := fmt.Sprintf("%d_%s", chatID, part)
	rec, err := s.queue.GetJob(ctx, id)
	if err != nil {
		return nil, models.Upstream(models.ServiceQueue, err)
	}
	if rec == nil || rec.Kind != models.KindDaily {
		return nil, models.Warnf("Daily reminder %s not found.", part)
	}
	if rec.ChatID != chatID {
		s.log.Error("daily job id does not match its owner", "job_id", id, "owner", rec.ChatID, "chat_id", chatID)
		return nil, models.Warnf("Daily reminder %s not found.", part)
	}
	job, err := models.FromQueued(*rec)
	if err != nil {
		return nil, models.Upstream(models.ServiceQueue, err)
	}
	if err := s.queue.Cancel(ctx, id); err != nil {
		return nil, models.Upstream(models.ServiceQueue, err)
	}
	return job, nil
}

// RemoveRange cancels every reminder whose effective time falls within rng
// and returns how many were removed.
func (s *Service) RemoveRange(ctx context.Context, chatID int64, rng Range) (int, error) {
	jobs, err := s.FindAll(ctx, chatID, &rng)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range jobs.ids() {
		if err := s.queue.Cancel(ctx, id); err != nil {
			return removed, models.Upstream(models.ServiceQueue, err)
		}
		removed++
	}
	return removed, nil
}

// RemoveNearest cancels the reminder that fires next and returns it with its firing time.
func (s *Service) RemoveNearest(ctx context.Context, chatID int64) (models.ReminderJob, time.Time, error) {
	jobs, err := s.FindAll(ctx, chatID, nil)
	if err != nil {
		return nil, time.Time{}, err
	}

	now := s.now()
	var (
		nearest models.ReminderJob
		at      time.Time
	)
	consider := func(j models.ReminderJob, t time.Time) {
		if t.After(now) && (nearest == nil || t.Before(at)) {
			nearest, at = j, t
		}
	}
	for _, d := range jobs.Daily {
		next, err := NextDaily(d, now)
		if err != nil {
			s.log.Error("project daily reminder", "job_id", d.ID, "err", err)
			continue
		}
		consider(d, next)
	}
	for _, o := range jobs.Once {
		consider(o, executeAt(o))
	}

	if nearest == nil {
		return nil, time.Time{}, models.Warnf("You have no upcoming reminders.")
	}
	if err := s.queue.Cancel(ctx, nearest.JobID()); err != nil {
		return nil, time.Time{}, models.Upstream(models.ServiceQueue, err)
	}
	return nearest, at, nil
}

// ---------- query -----------------------------------------------------------

// FindAll returns the live reminders of a chat. With rng set, daily reminders
// are matched by their time projected onto today (UTC) and one-time reminders
// by their execution time.
func (s *Service) FindAll(ctx context.Context, chatID int64, rng *Range) (Jobs, error) {
	// A daily job is active while it fires and stays scheduled afterwards.
	recs, err := s.queue.ListByState(ctx, models.JobDelayed, models.JobActive, models.JobRepeat)
	if err != nil {
		return Jobs{}, models.Upstream(models.ServiceQueue, err)
	}

	var (
		jobs   Jobs
		byTime = make(map[int]int) // minutes of day -> index in jobs.Daily
		now    = s.now()
	)
	for _, rec := range recs {
		if rec.ChatID != chatID || rec.Kind == models.KindNotification {
			continue
		}
		if rec.State == models.JobActive && rec.Kind != models.KindDaily {
			continue
		}
		j, err := models.FromQueued(rec)
		if err != nil {
			s.log.Error("skip unreadable job", "job_id", rec.ID, "err", err)
			continue
		}
		switch v := j.(type) {
		case models.DailyJob:
			if rng != nil && !rng.Contains(v.At(now)) {
				continue
			}
			if i, dup := byTime[v.MinutesOfDay()]; dup {
				jobs.Daily[i] = s.dropDuplicate(ctx, jobs.Daily[i], v)
				continue
			}
			byTime[v.MinutesOfDay()] = len(jobs.Daily)
			jobs.Daily = append(jobs.Daily, v)
		default:
			if rng != nil && !rng.Contains(executeAt(v)) {
				continue
			}
			jobs.Once = append(jobs.Once, v)
		}
	}

	sort.Slice(jobs.Daily, func(a, b int) bool {
		return jobs.Daily[a].MinutesOfDay() < jobs.Daily[b].MinutesOfDay()
	})
	sort.SliceStable(jobs.Once, func(a, b int) bool {
		return executeAt(jobs.Once[a]).Before(executeAt(jobs.Once[b]))
	})
	return jobs, nil
}

// dropDuplicate keeps the newer of two daily reminders sharing a clock time
// and cancels the other.
func (s *Service) dropDuplicate(ctx context.Context, a, b models.DailyJob) models.DailyJob {
	keep, drop := a, b
	if b.CreatedAt.After(a.CreatedAt) {
		keep, drop = b, a
	}
	s.log.Error("duplicate daily reminders for one time",
		"chat_id", keep.ChatID, "time", keep.Clock(), "kept", keep.ID, "cancelled", drop.ID)
	if err := s.queue.Cancel(ctx, drop.ID); err != nil {
		s.log.Error("cancel duplicate daily reminder", "job_id", drop.ID, "err", err)
	}
	return keep
}

func (j Jobs) ids() []string {
	ids := make([]string, 0, j.Len())
	for _, d := range j.Daily {
		ids = append(ids, d.ID)
	}
	for _, o := range j.Once {
		ids = append(ids, o.JobID())
	}
	return ids
}

// NextDaily is the first firing of d strictly after now.
func NextDaily(d models.DailyJob, now time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(d.CronPattern())
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(now.UTC()), nil
}

func executeAt(j models.ReminderJob) time.Time {
	switch v := j.(type) {
	case models.OnceJob:
		return v.ExecuteAt
	case models.DelayedJob:
		return v.ExecuteAt
	}
	return time.Time{}
}
