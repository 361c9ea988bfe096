package ai

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telegram-ai-assistant/internal/models"
)

type fakeIntent struct {
	mu      sync.Mutex
	replies []string
	err     error
	prompts [][]models.Turn
}

func (f *fakeIntent) Complete(_ context.Context, turns []models.Turn) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, turns)
	if f.err != nil {
		return "", f.err
	}
	reply := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	return reply, nil
}

type fakeHistory struct {
	mu       sync.Mutex
	turns    map[int64][]models.Turn
	getFails int
	getCalls int
}

func newFakeHistory() *fakeHistory { return &fakeHistory{turns: map[int64][]models.Turn{}} }

func (f *fakeHistory) GetTurns(_ context.Context, chatID int64) ([]models.Turn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.getCalls <= f.getFails {
		return nil, errors.New("history unavailable")
	}
	return append([]models.Turn(nil), f.turns[chatID]...), nil
}

func (f *fakeHistory) AppendTurns(_ context.Context, chatID int64, turns []models.Turn, maxKept int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := append(f.turns[chatID], turns...)
	if len(all) > maxKept {
		all = all[len(all)-maxKept:]
	}
	f.turns[chatID] = all
	return nil
}

func (f *fakeHistory) ClearHistory(_ context.Context, chatID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.turns, chatID)
	return nil
}

type sentMessage struct {
	chatID int64
	text   string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (f *fakeSender) SendText(_ context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{chatID, text})
	return nil
}

type dispatchCall struct {
	chatID int64
	line   string
	depth  int
}

type fakeDispatcher struct {
	mu     sync.Mutex
	calls  []dispatchCall
	result string
	err    error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, chatID int64, line string, depth int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dispatchCall{chatID, line, depth})
	return f.result, f.err
}

func newTestBridge(intent *fakeIntent, history *fakeHistory, sender *fakeSender, maxHistory int) *Bridge {
	return NewBridge(intent, history, sender, maxHistory, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestConversePlainAnswer(t *testing.T) {
	intent := &fakeIntent{replies: []string{"Hi there!"}}
	history := newFakeHistory()
	b := newTestBridge(intent, history, &fakeSender{}, 10)

	out, err := b.Converse(context.Background(), 1, "hello", "10-03-2025 12:00 UTC", 0)
	require.NoError(t, err)
	assert.Equal(t, "Hi there!", out)

	prompt := intent.prompts[0]
	require.Len(t, prompt, 2)
	assert.Equal(t, models.RoleSystem, prompt[0].Role)
	assert.Equal(t, "[now: 10-03-2025 12:00 UTC] hello", prompt[1].Content)
	assert.Equal(t, []models.Turn{
		{Role: models.RoleUser, Content: "hello"},
		{Role: models.RoleAssistant, Content: "Hi there!"},
	}, history.turns[1])
}

func TestConverseKeepsBoundedHistory(t *testing.T) {
	intent := &fakeIntent{replies: []string{"ok"}}
	history := newFakeHistory()
	b := newTestBridge(intent, history, &fakeSender{}, 4)

	for i := 0; i < 5; i++ {
		_, err := b.Converse(context.Background(), 1, "msg", "now", 0)
		require.NoError(t, err)
	}
	assert.Len(t, history.turns[1], 4)
	assert.Len(t, intent.prompts[4], 1+4+1, "system, history, user")
}

func TestConverseDispatchesEmbeddedCommand(t *testing.T) {
	intent := &fakeIntent{replies: []string{"Sure, I will remind you.\n/daily 09:00 Take medicine\nAnything else?"}}
	sender := &fakeSender{}
	d := &fakeDispatcher{result: "✅ Daily reminder set for 09:00"}
	b := newTestBridge(intent, newFakeHistory(), sender, 10)
	b.SetDispatcher(d)

	out, err := b.Converse(context.Background(), 7, "remind me daily at 9 to take medicine", "now", 0)
	require.NoError(t, err)
	assert.Equal(t, "✅ Daily reminder set for 09:00", out)
	assert.Equal(t, []sentMessage{{7, "Sure, I will remind you.\nAnything else?"}}, sender.sent)
	assert.Equal(t, []dispatchCall{{7, "/daily 09:00 Take medicine", 1}}, d.calls)
}

func TestConverseRespectsDepthLimit(t *testing.T) {
	intent := &fakeIntent{replies: []string{"/remove_nearest"}}
	d := &fakeDispatcher{result: "x"}
	b := newTestBridge(intent, newFakeHistory(), &fakeSender{}, 10)
	b.SetDispatcher(d)

	out, err := b.Converse(context.Background(), 1, "hm", "now", MaxDispatchDepth)
	require.NoError(t, err)
	assert.Equal(t, "/remove_nearest", out)
	assert.Empty(t, d.calls)
}

func TestConverseRetriesHistoryOnce(t *testing.T) {
	history := newFakeHistory()
	history.getFails = 1
	b := newTestBridge(&fakeIntent{replies: []string{"ok"}}, history, &fakeSender{}, 10)
	_, err := b.Converse(context.Background(), 1, "hi", "now", 0)
	require.NoError(t, err)

	history = newFakeHistory()
	history.getFails = 2
	b = newTestBridge(&fakeIntent{replies: []string{"ok"}}, history, &fakeSender{}, 10)
	_, err = b.Converse(context.Background(), 1, "hi", "now", 0)
	var ue *models.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, models.ServiceHistory, ue.Service)
	assert.Equal(t, 2, history.getCalls)
}

func TestConverseIntentFailure(t *testing.T) {
	intent := &fakeIntent{err: &models.UpstreamError{Service: models.ServiceIntent, Kind: models.KindRateLimit, Err: errors.New("slow down")}}
	history := newFakeHistory()
	b := newTestBridge(intent, history, &fakeSender{}, 10)

	_, err := b.Converse(context.Background(), 1, "hi", "now", 0)
	var ue *models.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, models.KindRateLimit, ue.Kind)
	assert.Empty(t, history.turns[1], "failed exchanges are not stored")
}

func TestResetHistory(t *testing.T) {
	history := newFakeHistory()
	history.turns[1] = []models.Turn{{Role: models.RoleUser, Content: "x"}}
	b := newTestBridge(&fakeIntent{}, history, &fakeSender{}, 10)

	require.NoError(t, b.ResetHistory(context.Background(), 1))
	assert.Empty(t, history.turns[1])
}

func TestExtractCommand(t *testing.T) {
	prose, cmd := ExtractCommand("Done!\n  /once 01.01.2026 10:00 Call\n/list_scheduled")
	assert.Equal(t, "Done!\n/list_scheduled", prose)
	assert.Equal(t, "/once 01.01.2026 10:00 Call", cmd)

	prose, cmd = ExtractCommand("just text")
	assert.Equal(t, "just text", prose)
	assert.Empty(t, cmd)
}
