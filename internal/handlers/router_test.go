package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telegram-ai-assistant/internal/messages"
	"telegram-ai-assistant/internal/models"
	"telegram-ai-assistant/internal/queue"
	"telegram-ai-assistant/internal/reminders"
	"telegram-ai-assistant/internal/state"
	"telegram-ai-assistant/internal/storage"
)

var t0 = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

const chatID int64 = 42

type sent struct {
	chatID int64
	text   string
}

type fakeGateway struct {
	mu       sync.Mutex
	sent     []sent
	answered []string
	typing   int
	sendErr  error
}

func (g *fakeGateway) SendText(_ context.Context, chatID int64, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, sent{chatID, text})
	return g.sendErr
}

func (g *fakeGateway) AnswerCallback(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.answered = append(g.answered, id)
	return nil
}

func (g *fakeGateway) Typing(context.Context, int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.typing++
	return nil
}

func (g *fakeGateway) last(t *testing.T) string {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	require.NotEmpty(t, g.sent)
	return g.sent[len(g.sent)-1].text
}

func (g *fakeGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sent)
}

type converseCall struct {
	text, nowLabel string
	depth          int
}

type fakeAI struct {
	mu     sync.Mutex
	calls  []converseCall
	reply  string
	err    error
	resets int
}

func (f *fakeAI) Converse(_ context.Context, _ int64, text, nowLabel string, depth int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, converseCall{text, nowLabel, depth})
	return f.reply, f.err
}

func (f *fakeAI) ResetHistory(context.Context, int64) error {
	f.resets++
	return nil
}

type fakeResolver struct {
	descriptions []string
}

func (f *fakeResolver) FindAndDelete(_ context.Context, _ int64, description string, _ int) (string, error) {
	f.descriptions = append(f.descriptions, description)
	return "", models.Warnf("I could not find a reminder matching %q.", description)
}

type fixture struct {
	router   *Router
	db       *storage.DB
	queue    *queue.Queue
	states   state.Store
	gateway  *fakeGateway
	ai       *fakeAI
	resolver *fakeResolver
	clock    *clockwork.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := storage.New(filepath.Join(t.TempDir(), "bot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := clockwork.NewFakeClockAt(t0)
	q, err := queue.New(db, func(context.Context, models.QueuedJob) error { return nil }, clock, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Shutdown() })

	f := &fixture{
		db:       db,
		queue:    q,
		states:   state.NewSQLStore(db, clock, state.DefaultTTL),
		gateway:  &fakeGateway{},
		ai:       &fakeAI{reply: "Hi!"},
		resolver: &fakeResolver{},
		clock:    clock,
	}
	f.router = NewRouter(Deps{
		States:    f.states,
		Reminders: reminders.NewService(q, clock, logger),
		AI:        f.ai,
		Resolver:  f.resolver,
		Gateway:   f.gateway,
		Chats:     db,
		Clock:     clock,
		Timeout:   5 * time.Second,
		Logger:    logger,
	})
	return f
}

func (f *fixture) say(t *testing.T, text string) string {
	t.Helper()
	before := f.gateway.count()
	f.router.HandleInboundEvent(context.Background(), models.Event{ChatID: chatID, Text: text})
	require.Equal(t, before+1, f.gateway.count(), "exactly one reply to %q", text)
	return f.gateway.last(t)
}

func (f *fixture) pending(t *testing.T) *models.ChatState {
	t.Helper()
	st, err := f.states.Get(context.Background(), chatID)
	require.NoError(t, err)
	return st
}

func TestDailyDialog(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, messages.PromptDaily, f.say(t, "/daily"))
	st := f.pending(t)
	require.NotNil(t, st)
	assert.Equal(t, "/daily", st.PendingCommand)
	assert.Equal(t, models.ResponseTimeAndMessage, st.ExpectedResponseType)

	reply := f.say(t, "09:00 Take medicine")
	assert.Contains(t, reply, "09:00 UTC: Take medicine")
	assert.Contains(t, reply, "/_daily_09_00")
	assert.Nil(t, f.pending(t))

	rec, err := f.db.GetJob(context.Background(), "42_daily_09_00")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "Take medicine", rec.Message)
	assert.Equal(t, models.KindDaily, rec.Kind)
}

func TestDailyRemovalTokenFromReply(t *testing.T) {
	f := newFixture(t)

	reply := f.say(t, "/daily 07:05 Walk the dog")
	token := reply[strings.LastIndex(reply, " ")+1:]
	assert.Equal(t, "/_daily_07_05", token)

	assert.Equal(t, "🗑 Removed reminder: Walk the dog", f.say(t, token))
	rec, err := f.db.GetJob(context.Background(), "42_daily_07_05")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestInlineArgumentSkipsDialog(t *testing.T) {
	f := newFixture(t)

	reply := f.say(t, "/once 01.01.2026 15:00 Meeting")
	assert.Contains(t, reply, "01-01-2026 15:00 UTC: Meeting")
	assert.Contains(t, reply, "/_rem_1")
	assert.Nil(t, f.pending(t))

	rec, err := f.db.GetJob(context.Background(), "1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, time.Date(2026, time.January, 1, 15, 0, 0, 0, time.UTC), rec.ExecuteAt)
}

func TestOnceInThePast(t *testing.T) {
	f := newFixture(t)

	reply := f.say(t, "/once 01.01.2020 15:00 Meeting")
	assert.Contains(t, reply, "⚠️")
	assert.Contains(t, reply, "in the past")
}

func TestDelayAndRemoveByButton(t *testing.T) {
	f := newFixture(t)

	reply := f.say(t, "/delay 15 Stretch")
	assert.Contains(t, reply, "10-03-2025 12:15 UTC (in 15 min): Stretch")

	f.router.HandleInboundEvent(context.Background(), models.Event{
		ChatID: chatID, CallbackID: "cb-1", CallbackData: "/_rem_1",
	})
	assert.Equal(t, []string{"cb-1"}, f.gateway.answered)
	assert.Equal(t, "🗑 Removed reminder: Stretch", f.gateway.last(t))

	rec, err := f.db.GetJob(context.Background(), "1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestDelayWarnings(t *testing.T) {
	f := newFixture(t)

	assert.Contains(t, f.say(t, "/delay soon Stretch"), `"soon" is not a number`)
	assert.Contains(t, f.say(t, "/delay 15"), "Please add the reminder text")
	assert.Contains(t, f.say(t, "/delay 0 Stretch"), "positive number")
}

func TestCancel(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, messages.PromptDelay, f.say(t, "/delay"))
	assert.Equal(t, messages.Cancelled("/delay"), f.say(t, "/cancel"))
	assert.Nil(t, f.pending(t))

	assert.Equal(t, "⚠️ "+messages.NothingPending, f.say(t, "/cancel"))
}

func TestPendingDialogReceivesRawText(t *testing.T) {
	f := newFixture(t)

	f.say(t, "/remove")
	reply := f.say(t, "/list_scheduled")
	assert.Contains(t, reply, `Reminder "/list_scheduled" not found.`)
	assert.Nil(t, f.pending(t), "dialog ends even when the answer is rejected")
}

func TestUnknownCommand(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, messages.UnknownCommand, f.say(t, "/frobnicate"))

	// unknown commands are rejected before a pending dialog sees them
	f.say(t, "/daily")
	assert.Equal(t, messages.UnknownCommand, f.say(t, "/frobnicate"))
	assert.NotNil(t, f.pending(t))
}

func TestFreeTextGoesToAI(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, "Hi!", f.say(t, "hello there"))
	require.Len(t, f.ai.calls, 1)
	assert.Equal(t, converseCall{"hello there", "10-03-2025 12:00 UTC", 0}, f.ai.calls[0])
	assert.Equal(t, 1, f.gateway.typing)

	chat, err := f.db.GetChat(context.Background(), chatID)
	require.NoError(t, err)
	require.NotNil(t, chat)
	assert.True(t, chat.IsActive)
	assert.True(t, t0.Equal(chat.LastActivity))
}

func TestAIFailureIsFriendly(t *testing.T) {
	f := newFixture(t)
	f.ai.err = &models.UpstreamError{Service: models.ServiceIntent, Kind: models.KindRateLimit, Err: errors.New("429")}

	assert.Equal(t, "⏳ Rate limit exceeded. Please try again later.", f.say(t, "hello"))
}

func TestAIHandlerReturningNothingStillReplies(t *testing.T) {
	f := newFixture(t)
	f.ai.reply = ""

	assert.Equal(t, messages.Done, f.say(t, "set it up"))
}

func TestSimpleCommands(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, messages.Welcome, f.say(t, "/start"))
	assert.Equal(t, messages.Help, f.say(t, "/help"))
	assert.Equal(t, messages.HistoryReset, f.say(t, "/resethistory"))
	assert.Equal(t, 1, f.ai.resets)
	assert.Contains(t, f.say(t, "/list_scheduled"), "no scheduled reminders")
}

func TestRemoveRangeAndNearest(t *testing.T) {
	f := newFixture(t)

	f.say(t, "/delay 30 first")
	f.say(t, "/delay 90 second")
	f.say(t, "/daily 23:00 nightly")

	assert.Equal(t, "🗑 Removed the nearest reminder (10-03-2025 12:30 UTC): first", f.say(t, "/remove_nearest"))

	reply := f.say(t, "/remove_range 10.03.2025 13:00 - 10.03.2025 23:30")
	assert.Contains(t, reply, "Removed 2 reminder(s)")

	assert.Contains(t, f.say(t, "/remove_nearest"), "no upcoming reminders")
	assert.Contains(t, f.say(t, "/remove_range tomorrow"), "Please send two dates")
}

func TestFindDeleteDialog(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, messages.PromptFindDelete, f.say(t, "/find_delete"))
	f.say(t, "  the dentist one ")
	assert.Equal(t, []string{"the dentist one"}, f.resolver.descriptions)
}

func TestDispatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reply, err := f.router.Dispatch(ctx, chatID, "/delay 5 Stretch", 1)
	require.NoError(t, err)
	assert.Contains(t, reply, "Stretch")

	_, err = f.router.Dispatch(ctx, chatID, "/list_scheduled", 3)
	var ue *models.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, models.KindBadOutput, ue.Kind)

	_, err = f.router.Dispatch(ctx, chatID, "just chat", 1)
	require.ErrorAs(t, err, &ue)
}

func TestDispatchLeavesPendingDialogAlone(t *testing.T) {
	f := newFixture(t)

	f.say(t, "/daily")
	reply, err := f.router.Dispatch(context.Background(), chatID, "/list_scheduled", 1)
	require.NoError(t, err)
	assert.Contains(t, reply, "no scheduled reminders")

	st := f.pending(t)
	require.NotNil(t, st)
	assert.Equal(t, "/daily", st.PendingCommand)
}

func TestBlockedChat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.say(t, "/daily")
	f.router.HandleInboundEvent(ctx, models.Event{ChatID: chatID, Blocked: true})

	assert.Equal(t, 1, f.gateway.count(), "no reply to a blocked event")
	assert.Nil(t, f.pending(t))
	chat, err := f.db.GetChat(ctx, chatID)
	require.NoError(t, err)
	assert.False(t, chat.IsActive)
}

func TestSendToBlockedChatDeactivates(t *testing.T) {
	f := newFixture(t)
	f.gateway.sendErr = &models.UpstreamError{Service: models.ServiceGateway, Kind: models.KindBlocked, Err: errors.New("403")}

	f.say(t, "/start")
	chat, err := f.db.GetChat(context.Background(), chatID)
	require.NoError(t, err)
	assert.False(t, chat.IsActive)
}

func TestServe(t *testing.T) {
	f := newFixture(t)

	events := make(chan models.Event)
	done := make(chan struct{})
	go func() {
		f.router.Serve(context.Background(), events, 2)
		close(done)
	}()
	for i := 0; i < 5; i++ {
		events <- models.Event{ChatID: int64(100 + i), Text: fmt.Sprintf("hello %d", i)}
	}
	close(events)
	<-done

	assert.Equal(t, 5, f.gateway.count())
}
