// Package messages holds the texts the bot sends and delivers fired reminders.
package messages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cenkalti/backoff/v4"

	"telegram-ai-assistant/internal/models"
)

const (
	Welcome = "Welcome👋! I am a bot🤖 powered by ChatGPT. Ask me anything!\n" +
		"I can also remind you of things. Type /help to get the list of commands."

	Help = `Just write to me to chat, or ask me to remind you of something.

Reminders (all times are UTC):
/daily HH:MM text - every day at that time
/once DD.MM.YYYY HH:MM text - once at that date and time
/delay MINUTES text - once, after that many minutes
/list_scheduled - show your reminders
/remove ID - remove a reminder by id
/remove_range DD.MM.YYYY HH:MM - DD.MM.YYYY HH:MM - remove reminders in a time range
/remove_nearest - remove the reminder that fires next
/find_delete description - remove a reminder by describing it

Other:
/cancel - abort the current dialog
/resethistory - forget our conversation
/help - this message`

	HistoryReset   = "Conversation history has been reset."
	UnknownCommand = "📃 Unknown command received. Please type /help to get list of commands."
	NothingPending = "There is nothing to cancel."
	Inactivity     = "👋 Hey! We haven't heard from you for a while. How are you doing?"
	Done           = "✅ Done."
)

// Prompts of two-step dialogs.
const (
	PromptDaily       = "What time and what should I remind you of every day? e.g. 09:00 Take medicine (UTC)"
	PromptOnce        = "When and what should I remind you of? e.g. 01.01.2026 15:00 Meeting (UTC)"
	PromptDelay       = "In how many minutes and what should I remind you of? e.g. 15 Stretch"
	PromptRemove      = "Send the id of the reminder to remove. /list_scheduled shows them."
	PromptRemoveRange = "Send the time range, e.g. 10.03.2025 09:00 - 10.03.2025 18:00 (UTC)"
	PromptFindDelete  = "Describe the reminder you want to delete."
)

func Cancelled(command string) string {
	return fmt.Sprintf("❎ Cancelled %s.", command)
}

func Reminder(text string) string {
	return "⏰ Reminder: " + text
}

var friendly = map[string]string{
	models.KindRateLimit:         "⏳ Rate limit exceeded. Please try again later.",
	models.KindContextLength:     "📝 Message is too long. Please send a shorter message.",
	models.KindInvalidAPIKey:     "🔑 Authentication error. Please contact the administrator.",
	models.KindInsufficientQuota: "💰 Usage limit reached. Please try again tomorrow or contact the administrator.",
	models.KindModelNotFound:     "🤖 Selected AI model is currently unavailable.",
	models.KindServerError:       "🔧 AI service is experiencing issues. Please try again later.",
	models.KindTimeout:           "⌛ That took too long. Please try again.",
	models.KindBadOutput:         "🤖 I could not understand the AI answer. Please try again or use /list_scheduled.",
}

const genericError = "❌ Something went wrong. Please try again later."

// FriendlyError turns any handler error into the single reply the user gets.
func FriendlyError(err error) string {
	var (
		w  *models.Warning
		uc *models.UnknownCommandError
		ue *models.UpstreamError
	)
	switch {
	case errors.As(err, &w):
		return "⚠️ " + w.Message
	case errors.As(err, &uc):
		return UnknownCommand
	case errors.As(err, &ue):
		if ue.Service == models.ServiceIntent {
			if msg, ok := friendly[ue.Kind]; ok {
				return msg
			}
		}
		if ue.Kind == models.KindTimeout {
			return friendly[models.KindTimeout]
		}
	case errors.Is(err, context.DeadlineExceeded):
		return friendly[models.KindTimeout]
	}
	return genericError
}

// Sender is the outbound side of the messaging gateway.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// ChatDeactivator marks chats that blocked the bot.
type ChatDeactivator interface {
	SetInactive(ctx context.Context, chatID int64) error
}

// Deliver sends a fired job to its chat. A chat that blocked the bot is
// marked inactive and the job is not retried.
func Deliver(sender Sender, chats ChatDeactivator, logger *slog.Logger) func(context.Context, models.QueuedJob) error {
	return func(ctx context.Context, job models.QueuedJob) error {
		text := Reminder(job.Message)
		if job.Kind == models.KindNotification {
			text = Inactivity
		}

		err := sender.SendText(ctx, job.ChatID, text)
		var ue *models.UpstreamError
		if errors.As(err, &ue) && ue.Kind == models.KindBlocked {
			logger.Info("chat blocked the bot", "chat_id", job.ChatID, "job_id", job.ID)
			if err := chats.SetInactive(ctx, job.ChatID); err != nil {
				logger.Error("mark chat inactive", "chat_id", job.ChatID, "err", err)
			}
			return backoff.Permanent(err)
		}
		return err
	}
}
