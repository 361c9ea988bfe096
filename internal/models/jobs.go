package models

import (
	"fmt"
	"time"
)

// JobKind is the payload type of a queued job.
type JobKind string

const (
	KindOnce         JobKind = "once"
	KindDelayed      JobKind = "delayed"
	KindDaily        JobKind = "daily"
	KindNotification JobKind = "notification"
)

// JobState is the lifecycle state of a queued job.
type JobState string

const (
	JobDelayed   JobState = "delayed" // waiting for its single execution
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobRepeat    JobState = "repeat" // registered cron job, fires until cancelled
)

// Live reports whether the job can still fire.
func (s JobState) Live() bool {
	return s == JobDelayed || s == JobActive || s == JobRepeat
}

// RetryPolicy of single-fire jobs.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration // first retry delay, doubled on every attempt
}

// DefaultRetryPolicy is used for once and delayed reminders.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Backoff: time.Second}

// JobPayload is what the caller hands to the queue.
type JobPayload struct {
	Kind      JobKind   `json:"kind"`
	ChatID    int64     `json:"chat_id"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// QueuedJob is the queue's record of a job.
type QueuedJob struct {
	ID          string    `db:"id"           json:"id"`
	Kind        JobKind   `db:"kind"         json:"kind"`
	ChatID      int64     `db:"chat_id"      json:"chat_id"`
	Message     string    `db:"message"      json:"message"`
	CronPattern string    `db:"cron_pattern" json:"cron_pattern,omitempty"` // repeating jobs only
	ExecuteAt   time.Time `db:"execute_at"   json:"execute_at"`             // single-fire jobs only
	CreatedAt   time.Time `db:"created_at"   json:"created_at"`
	State       JobState  `db:"state"        json:"state"`
	Attempts    int       `db:"attempts"     json:"attempts"`
	MaxAttempts int       `db:"max_attempts" json:"max_attempts"`
	BackoffMs   int64     `db:"backoff_ms"   json:"backoff_ms"`
	LastRunAt   time.Time `db:"last_run_at"  json:"last_run_at"`
}

// RepeatEntry is the queue-level registration of a repeating job.
type RepeatEntry struct {
	JobID       string
	CronPattern string
	NextRun     time.Time
}

// ReminderJob is one of OnceJob, DelayedJob or DailyJob.
type ReminderJob interface {
	JobID() string
	Owner() int64
	Text() string
	reminder()
}

type base struct {
	ID        string
	ChatID    int64
	Message   string
	CreatedAt time.Time
}

func (b base) JobID() string { return b.ID }
func (b base) Owner() int64  { return b.ChatID }
func (b base) Text() string  { return b.Message }
func (base) reminder()       {}

// OnceJob fires exactly once at an absolute time. Its id is assigned by the queue.
type OnceJob struct {
	base
	ExecuteAt time.Time
	State     JobState
}

// DelayedJob fires exactly once, N minutes after creation. Its id is assigned by the queue.
type DelayedJob struct {
	base
	ExecuteAt time.Time
	State     JobState
}

// NewOnceJob wraps a queue-assigned id into a one-time reminder.
func NewOnceJob(id string, chatID int64, message string, executeAt, createdAt time.Time) OnceJob {
	return OnceJob{
		base:      base{ID: id, ChatID: chatID, Message: message, CreatedAt: createdAt},
		ExecuteAt: executeAt,
		State:     JobDelayed,
	}
}

// NewDelayedJob wraps a queue-assigned id into a delayed reminder.
func NewDelayedJob(id string, chatID int64, message string, executeAt, createdAt time.Time) DelayedJob {
	return DelayedJob{
		base:      base{ID: id, ChatID: chatID, Message: message, CreatedAt: createdAt},
		ExecuteAt: executeAt,
		State:     JobDelayed,
	}
}

// DailyJob fires every day at Hour:Minute UTC until cancelled.
type DailyJob struct {
	base
	Hour   int
	Minute int
}

// NewDailyJob builds a daily reminder with its deterministic id.
func NewDailyJob(chatID int64, hour, minute int, message string, createdAt time.Time) DailyJob {
	return DailyJob{
		base: base{
			ID:        DailyJobID(chatID, hour, minute),
			ChatID:    chatID,
			Message:   message,
			CreatedAt: createdAt,
		},
		Hour:   hour,
		Minute: minute,
	}
}

// DailyJobID is the only way daily ids are built: {chatId}_daily_{HH}_{MM}.
func DailyJobID(chatID int64, hour, minute int) string {
	return fmt.Sprintf("%d_%s", chatID, DailyShortID(hour, minute))
}

// DailyShortID is the chat-local part of a daily id: daily_{HH}_{MM}.
func DailyShortID(hour, minute int) string {
	return fmt.Sprintf("daily_%02d_%02d", hour, minute)
}

func (d DailyJob) ShortID() string     { return DailyShortID(d.Hour, d.Minute) }
func (d DailyJob) Clock() string       { return fmt.Sprintf("%02d:%02d", d.Hour, d.Minute) }
func (d DailyJob) CronPattern() string { return fmt.Sprintf("%d %d * * *", d.Minute, d.Hour) }
func (d DailyJob) MinutesOfDay() int   { return d.Hour*60 + d.Minute }

// At projects the daily clock time onto the UTC date of t.
func (d DailyJob) At(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), d.Hour, d.Minute, 0, 0, time.UTC)
}

// FromQueued converts a queue record into its reminder variant.
func FromQueued(q QueuedJob) (ReminderJob, error) {
	b := base{ID: q.ID, ChatID: q.ChatID, Message: q.Message, CreatedAt: q.CreatedAt}
	switch q.Kind {
	case KindOnce:
		return OnceJob{base: b, ExecuteAt: q.ExecuteAt, State: q.State}, nil
	case KindDelayed:
		return DelayedJob{base: b, ExecuteAt: q.ExecuteAt, State: q.State}, nil
	case KindDaily:
		var hour, minute int
		if _, err := fmt.Sscanf(q.CronPattern, "%d %d * * *", &minute, &hour); err != nil {
			return nil, fmt.Errorf("daily job %s: bad cron pattern %q: %w", q.ID, q.CronPattern, err)
		}
		return DailyJob{base: b, Hour: hour, Minute: minute}, nil
	}
	return nil, fmt.Errorf("job %s: kind %q is not a reminder", q.ID, q.Kind)
}
