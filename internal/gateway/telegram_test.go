package gateway

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telegram-ai-assistant/internal/models"
)

func TestEventFromUpdate(t *testing.T) {
	ev, ok := EventFromUpdate(tgbotapi.Update{Message: &tgbotapi.Message{
		Chat: &tgbotapi.Chat{ID: 42},
		Text: "/daily 09:00 Take medicine",
	}})
	require.True(t, ok)
	assert.Equal(t, models.Event{ChatID: 42, Text: "/daily 09:00 Take medicine"}, ev)

	_, ok = EventFromUpdate(tgbotapi.Update{Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 42}}})
	assert.False(t, ok, "stickers and photos are ignored")

	ev, ok = EventFromUpdate(tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb1",
		Data:    "/_rem_482",
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 42}},
	}})
	require.True(t, ok)
	assert.True(t, ev.IsCallback())
	assert.Equal(t, int64(42), ev.ChatID)
	assert.Equal(t, "/_rem_482", ev.CallbackData)

	ev, ok = EventFromUpdate(tgbotapi.Update{MyChatMember: &tgbotapi.ChatMemberUpdated{
		Chat:          tgbotapi.Chat{ID: 42},
		NewChatMember: tgbotapi.ChatMember{Status: "kicked"},
	}})
	require.True(t, ok)
	assert.Equal(t, models.Event{ChatID: 42, Blocked: true}, ev)

	_, ok = EventFromUpdate(tgbotapi.Update{MyChatMember: &tgbotapi.ChatMemberUpdated{
		Chat:          tgbotapi.Chat{ID: 42},
		NewChatMember: tgbotapi.ChatMember{Status: "member"},
	}})
	assert.False(t, ok)

	_, ok = EventFromUpdate(tgbotapi.Update{})
	assert.False(t, ok)
}

func TestSplit(t *testing.T) {
	assert.Equal(t, []string{"short"}, Split("short", 10))

	text := strings.Repeat("я", 25)
	chunks := Split(text, 10)
	require.Len(t, chunks, 3)
	for _, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 10)
	}
	assert.Equal(t, text, strings.Join(chunks, ""))

	chunks = Split("line one\nline two\nline three", 12)
	assert.Equal(t, "line one\n", chunks[0])
}

func TestClassify(t *testing.T) {
	var ue *models.UpstreamError

	require.ErrorAs(t, classify(&tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"}), &ue)
	assert.Equal(t, models.KindBlocked, ue.Kind)
	assert.Equal(t, models.ServiceGateway, ue.Service)

	require.ErrorAs(t, classify(&tgbotapi.Error{Code: 429}), &ue)
	assert.Equal(t, models.KindRateLimit, ue.Kind)

	require.ErrorAs(t, classify(errors.New("connection reset")), &ue)
	assert.Equal(t, models.KindUnknown, ue.Kind)
}

func TestSinkCloseWithBlockedSender(t *testing.T) {
	ch := make(chan models.Event, 1)
	s := &sink{ch: ch}

	require.True(t, s.send(context.Background(), models.Event{ChatID: 1}))

	// buffer full, no reader: the sender blocks until its request is cancelled
	ctx, cancel := context.WithCancel(context.Background())
	sent := make(chan bool)
	go func() { sent <- s.send(ctx, models.Event{ChatID: 2}) }()

	closed := make(chan struct{})
	go func() {
		cancel()
		s.close()
		close(closed)
	}()
	assert.False(t, <-sent)
	<-closed

	assert.False(t, s.send(context.Background(), models.Event{ChatID: 3}), "sends after close are dropped")
	s.close()

	var got []int64
	for ev := range ch {
		got = append(got, ev.ChatID)
	}
	assert.Equal(t, []int64{1}, got)
}
