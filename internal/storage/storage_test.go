package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telegram-ai-assistant/internal/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "bot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

var t0 = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

func TestInsertJobAssignsSequentialIDs(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	first := models.QueuedJob{Kind: models.KindOnce, ChatID: 7, Message: "a", ExecuteAt: t0.Add(time.Hour), CreatedAt: t0, State: models.JobDelayed, MaxAttempts: 3, BackoffMs: 1000}
	second := first
	require.NoError(t, db.InsertJob(ctx, &first))
	require.NoError(t, db.InsertJob(ctx, &second))
	assert.Equal(t, "1", first.ID)
	assert.Equal(t, "2", second.ID)

	deleted, err := db.DeleteJob(ctx, second.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	third := first
	require.NoError(t, db.InsertJob(ctx, &third))
	assert.Equal(t, "3", third.ID, "ids are never reused")

	got, err := db.GetJob(ctx, "1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(7), got.ChatID)
	assert.Equal(t, t0.Add(time.Hour), got.ExecuteAt)
	assert.Equal(t, models.JobDelayed, got.State)
	assert.Equal(t, int64(1000), got.BackoffMs)

	missing, err := db.GetJob(ctx, "42")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestUpsertJobReplacesByID(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	q := models.QueuedJob{ID: "7_daily_09_00", Kind: models.KindDaily, ChatID: 7, Message: "old", CronPattern: "0 9 * * *", CreatedAt: t0, State: models.JobRepeat}
	require.NoError(t, db.UpsertJob(ctx, q))
	q.Message = "new"
	require.NoError(t, db.UpsertJob(ctx, q))

	jobs, err := db.ListJobs(ctx, models.JobRepeat)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "new", jobs[0].Message)
}

func TestListJobsAndCleanup(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	for _, st := range []models.JobState{models.JobDelayed, models.JobCompleted, models.JobFailed} {
		q := models.QueuedJob{Kind: models.KindDelayed, ChatID: 1, CreatedAt: t0, State: st}
		require.NoError(t, db.InsertJob(ctx, &q))
		if st != models.JobDelayed {
			require.NoError(t, db.SetJobState(ctx, q.ID, st, 1, t0))
		}
	}

	all, err := db.ListJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	live, err := db.ListJobs(ctx, models.JobDelayed, models.JobActive)
	require.NoError(t, err)
	assert.Len(t, live, 1)

	n, err := db.DeleteFinishedJobs(ctx, t0)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = db.DeleteFinishedJobs(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestChatStateExpiry(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	st := models.ChatState{ChatID: 5, PendingCommand: "/daily", AwaitingResponse: true,
		ExpectedResponseType: models.ResponseTimeAndMessage, CreatedAt: t0, Params: map[string]string{"k": "v"}}
	require.NoError(t, db.PutChatState(ctx, st, t0.Add(5*time.Minute)))

	got, err := db.GetChatState(ctx, 5, t0.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, st, *got)

	got, err = db.GetChatState(ctx, 5, t0.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Nil(t, got)

	ok, err := db.ReplaceLiveChatState(ctx, st, t0.Add(6*time.Minute), t0.Add(11*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "expired state must not come back")

	n, err := db.PurgeExpiredChatStates(ctx, t0.Add(6*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestHistoryIsBounded(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	for i := 0; i < 4; i++ {
		require.NoError(t, db.AppendTurns(ctx, 3, []models.Turn{
			{Role: models.RoleUser, Content: "q" + string(rune('0'+i))},
			{Role: models.RoleAssistant, Content: "a" + string(rune('0'+i))},
		}, 4))
	}

	turns, err := db.GetTurns(ctx, 3)
	require.NoError(t, err)
	require.Len(t, turns, 4)
	assert.Equal(t, "q2", turns[0].Content)
	assert.Equal(t, "a3", turns[3].Content)

	require.NoError(t, db.ClearHistory(ctx, 3))
	turns, err = db.GetTurns(ctx, 3)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestInactiveChats(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	require.NoError(t, db.TouchChat(ctx, 1, t0.Add(-48*time.Hour)))
	require.NoError(t, db.TouchChat(ctx, 2, t0))

	chats, err := db.ListInactiveChats(ctx, t0.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, int64(1), chats[0].ChatID)

	require.NoError(t, db.SetInactive(ctx, 1))
	chats, err = db.ListInactiveChats(ctx, t0.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, chats)

	require.NoError(t, db.TouchChat(ctx, 1, t0))
	c, err := db.GetChat(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.True(t, c.IsActive)
	assert.Equal(t, t0, c.LastActivity)
}
