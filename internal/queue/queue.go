// Package queue runs reminder jobs on gocron and keeps their records in sqlite
// so they survive restarts.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"telegram-ai-assistant/internal/models"
)

// Store persists job records; storage.DB implements it.
type Store interface {
	InsertJob(ctx context.Context, q *models.QueuedJob) error
	UpsertJob(ctx context.Context, q models.QueuedJob) error
	GetJob(ctx context.Context, id string) (*models.QueuedJob, error)
	SetJobState(ctx context.Context, id string, state models.JobState, attempts int, lastRunAt time.Time) error
	DeleteJob(ctx context.Context, id string) (bool, error)
	ListJobs(ctx context.Context, states ...models.JobState) ([]models.QueuedJob, error)
	DeleteFinishedJobs(ctx context.Context, before time.Time) (int64, error)
}

// Processor delivers a fired job. A returned error triggers the retry policy.
type Processor func(ctx context.Context, job models.QueuedJob) error

type registration struct {
	handle  uuid.UUID
	pattern string // repeating jobs only
}

type Queue struct {
	store   Store
	sched   gocron.Scheduler
	clock   clockwork.Clock
	process Processor
	log     *slog.Logger

	ctx    context.Context // cancelled on Shutdown, used by running jobs
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]registration
}

func New(store Store, process Processor, clock clockwork.Clock, logger *slog.Logger) (*Queue, error) {
	s, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
		gocron.WithClock(clock),
		gocron.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		store:   store,
		sched:   s,
		clock:   clock,
		process: process,
		log:     logger.With("component", "queue"),
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]registration),
	}, nil
}

func (q *Queue) Start() { q.sched.Start() }

func (q *Queue) Shutdown() error {
	q.cancel()
	return q.sched.Shutdown()
}

// Restore re-registers every live job found in the store. Single-fire jobs
// whose time already passed fire immediately.
func (q *Queue) Restore(ctx context.Context) error {
	jobs, err := q.store.ListJobs(ctx, models.JobDelayed, models.JobActive, models.JobRepeat)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if err := q.register(j); err != nil {
			q.log.Error("restore job", "job_id", j.ID, "err", err)
			continue
		}
	}
	q.log.Info("jobs restored", "count", len(jobs))
	return nil
}

// EnqueueOnce schedules a single execution delay after p.CreatedAt (now when
// unset) and returns the new job id.
func (q *Queue) EnqueueOnce(ctx context.Context, p models.JobPayload, delay time.Duration, policy models.RetryPolicy) (string, error) {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	now := q.clock.Now().UTC()
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	rec := models.QueuedJob{
		Kind:        p.Kind,
		ChatID:      p.ChatID,
		Message:     p.Message,
		ExecuteAt:   createdAt.Add(delay),
		CreatedAt:   createdAt,
		State:       models.JobDelayed,
		MaxAttempts: policy.Attempts,
		BackoffMs:   policy.Backoff.Milliseconds(),
	}
	if err := q.store.InsertJob(ctx, &rec); err != nil {
		return "", fmt.Errorf("store job: %w", err)
	}
	if err := q.register(rec); err != nil {
		if _, delErr := q.store.DeleteJob(ctx, rec.ID); delErr != nil {
			q.log.Error("roll back job record", "job_id", rec.ID, "err", delErr)
		}
		return "", err
	}
	return rec.ID, nil
}

// EnqueueRepeating registers a cron job under id, replacing a previous one.
// A previous registration that cannot be removed fails the call.
func (q *Queue) EnqueueRepeating(ctx context.Context, p models.JobPayload, cronPattern, id string) error {
	if err := q.unregister(id); err != nil {
		return fmt.Errorf("replace job %s: %w", id, err)
	}
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = q.clock.Now().UTC()
	}
	rec := models.QueuedJob{
		ID:          id,
		Kind:        p.Kind,
		ChatID:      p.ChatID,
		Message:     p.Message,
		CronPattern: cronPattern,
		CreatedAt:   createdAt,
		State:       models.JobRepeat,
		MaxAttempts: 1,
	}
	if err := q.store.UpsertJob(ctx, rec); err != nil {
		return fmt.Errorf("store job: %w", err)
	}
	if err := q.register(rec); err != nil {
		if _, delErr := q.store.DeleteJob(ctx, id); delErr != nil {
			q.log.Error("roll back job record", "job_id", id, "err", delErr)
		}
		return err
	}
	return nil
}

// GetJob returns nil when the job does not exist.
func (q *Queue) GetJob(ctx context.Context, id string) (*models.QueuedJob, error) {
	return q.store.GetJob(ctx, id)
}

// Cancel stops a job and deletes its record. Unknown ids are not an error.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	if err := q.unregister(id); err != nil {
		return fmt.Errorf("cancel job %s: %w", id, err)
	}
	_, err := q.store.DeleteJob(ctx, id)
	return err
}

// ListRepeating returns the scheduler-side view of repeating jobs. It may
// briefly disagree with the stored records.
func (q *Queue) ListRepeating(_ context.Context) ([]models.RepeatEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	next := make(map[uuid.UUID]time.Time)
	for _, j := range q.sched.Jobs() {
		if t, err := j.NextRun(); err == nil {
			next[j.ID()] = t
		}
	}

	res := make([]models.RepeatEntry, 0, len(q.entries))
	for id, r := range q.entries {
		if r.pattern == "" {
			continue
		}
		res = append(res, models.RepeatEntry{JobID: id, CronPattern: r.pattern, NextRun: next[r.handle]})
	}
	return res, nil
}

func (q *Queue) ListByState(ctx context.Context, states ...models.JobState) ([]models.QueuedJob, error) {
	return q.store.ListJobs(ctx, states...)
}

// Cleanup removes finished records older than olderThan.
func (q *Queue) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	return q.store.DeleteFinishedJobs(ctx, q.clock.Now().Add(-olderThan))
}

func (q *Queue) register(rec models.QueuedJob) error {
	var def gocron.JobDefinition
	switch {
	case rec.CronPattern != "":
		def = gocron.CronJob(rec.CronPattern, false)
	case rec.ExecuteAt.After(q.clock.Now()):
		def = gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(rec.ExecuteAt))
	default:
		def = gocron.OneTimeJob(gocron.OneTimeJobStartImmediately())
	}

	id := rec.ID
	q.mu.Lock()
	defer q.mu.Unlock()
	j, err := q.sched.NewJob(def,
		gocron.NewTask(func() { q.execute(q.ctx, id) }),
		gocron.WithName(id),
	)
	if err != nil {
		return fmt.Errorf("schedule job %s: %w", id, err)
	}
	q.entries[id] = registration{handle: j.ID(), pattern: rec.CronPattern}
	return nil
}

func (q *Queue) unregister(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.entries[id]
	if !ok {
		return nil
	}
	if err := q.sched.RemoveJob(r.handle); err != nil && !errors.Is(err, gocron.ErrJobNotFound) {
		return err
	}
	delete(q.entries, id)
	return nil
}

// execute runs one firing of a job with its retry policy and records the outcome.
func (q *Queue) execute(ctx context.Context, id string) {
	log := q.log.With("job_id", id)
	rec, err := q.store.GetJob(ctx, id)
	if err != nil {
		log.Error("load job", "err", err)
		return
	}
	if rec == nil || !rec.State.Live() {
		log.Debug("job gone before firing")
		return
	}
	repeating := rec.CronPattern != ""
	if !repeating {
		q.mu.Lock()
		delete(q.entries, id)
		q.mu.Unlock()
	}

	if err := q.store.SetJobState(ctx, id, models.JobActive, rec.Attempts, rec.LastRunAt); err != nil {
		log.Error("mark job active", "err", err)
	}

	attempts := 0
	err = backoff.Retry(func() error {
		attempts++
		err := q.process(ctx, *rec)
		if err != nil {
			log.Warn("job attempt failed", "attempt", attempts, "err", err)
		}
		return err
	}, q.retryPolicy(ctx, *rec))

	state := models.JobCompleted
	switch {
	case repeating:
		state = models.JobRepeat
	case err != nil:
		state = models.JobFailed
	}
	if err != nil {
		log.Error("job failed", "attempts", attempts, "err", err)
	}
	if err := q.store.SetJobState(context.WithoutCancel(ctx), id, state, rec.Attempts+attempts, q.clock.Now().UTC()); err != nil {
		log.Error("record job outcome", "state", state, "err", err)
	}
}

func (q *Queue) retryPolicy(ctx context.Context, rec models.QueuedJob) backoff.BackOff {
	if rec.MaxAttempts <= 1 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(rec.BackoffMs) * time.Millisecond
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(rec.MaxAttempts-1)), ctx)
}
