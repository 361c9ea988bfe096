// Package ai connects free-form chat text to the intent service and turns
// commands embedded in its answers back into router dispatches.
package ai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"telegram-ai-assistant/internal/models"
)

// MaxDispatchDepth bounds re-entry into the router from model output.
const MaxDispatchDepth = 2

// HistoryStore keeps the conversation of each chat; storage.DB implements it.
type HistoryStore interface {
	GetTurns(ctx context.Context, chatID int64) ([]models.Turn, error)
	AppendTurns(ctx context.Context, chatID int64, turns []models.Turn, maxKept int) error
	ClearHistory(ctx context.Context, chatID int64) error
}

// Sender delivers an intermediate message before the final reply.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// Dispatcher runs a command line as if the user had typed it.
type Dispatcher interface {
	Dispatch(ctx context.Context, chatID int64, line string, depth int) (string, error)
}

const guidance = `You are a friendly assistant in a chat app who can also manage reminders.
All times are UTC. When the user wants to create, list or remove reminders, reply with a short
sentence and put exactly one of these commands on its own line:
/daily HH:MM text
/once DD.MM.YYYY HH:MM text
/delay MINUTES text
/list_scheduled
/remove ID
/remove_range DD.MM.YYYY HH:MM - DD.MM.YYYY HH:MM
/remove_nearest
/find_delete description
Otherwise just answer and never start a line with "/".`

type Bridge struct {
	intent     IntentService
	history    HistoryStore
	sender     Sender
	dispatcher Dispatcher
	maxHistory int
	log        *slog.Logger
}

func NewBridge(intent IntentService, history HistoryStore, sender Sender, maxHistory int, logger *slog.Logger) *Bridge {
	if maxHistory <= 0 {
		maxHistory = 10
	}
	return &Bridge{
		intent:     intent,
		history:    history,
		sender:     sender,
		maxHistory: maxHistory,
		log:        logger.With("component", "ai"),
	}
}

// SetDispatcher wires the router back in; the router is built after the bridge.
func (b *Bridge) SetDispatcher(d Dispatcher) { b.dispatcher = d }

// Converse answers text in the context of the chat history. When the answer
// embeds a command and depth allows it, the prose is sent first and the
// command's own result is returned instead.
func (b *Bridge) Converse(ctx context.Context, chatID int64, text, nowLabel string, depth int) (string, error) {
	turns, err := b.loadHistory(ctx, chatID)
	if err != nil {
		return "", models.Upstream(models.ServiceHistory, err)
	}

	prompt := make([]models.Turn, 0, len(turns)+2)
	prompt = append(prompt, models.Turn{Role: models.RoleSystem, Content: guidance})
	prompt = append(prompt, turns...)
	prompt = append(prompt, models.Turn{Role: models.RoleUser, Content: fmt.Sprintf("[now: %s] %s", nowLabel, text)})

	reply, err := b.intent.Complete(ctx, prompt)
	if err != nil {
		return "", models.Upstream(models.ServiceIntent, err)
	}

	if err := b.history.AppendTurns(ctx, chatID, []models.Turn{
		{Role: models.RoleUser, Content: text},
		{Role: models.RoleAssistant, Content: reply},
	}, b.maxHistory); err != nil {
		b.log.Error("save history", "chat_id", chatID, "err", err)
	}

	prose, command := ExtractCommand(reply)
	if command == "" || b.dispatcher == nil || depth >= MaxDispatchDepth {
		return reply, nil
	}

	if prose != "" {
		if err := b.sender.SendText(ctx, chatID, prose); err != nil {
			b.log.Error("send assistant prose", "chat_id", chatID, "err", err)
		}
	}
	b.log.Debug("dispatching embedded command", "chat_id", chatID, "command", command, "depth", depth+1)
	result, err := b.dispatcher.Dispatch(ctx, chatID, command, depth+1)
	if err != nil {
		return "", err
	}
	if result == "" {
		return prose, nil
	}
	return result, nil
}

// ResetHistory forgets the conversation of a chat.
func (b *Bridge) ResetHistory(ctx context.Context, chatID int64) error {
	if err := b.history.ClearHistory(ctx, chatID); err != nil {
		return models.Upstream(models.ServiceHistory, err)
	}
	return nil
}

// loadHistory retries once; history reads are idempotent.
func (b *Bridge) loadHistory(ctx context.Context, chatID int64) ([]models.Turn, error) {
	var turns []models.Turn
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(200*time.Millisecond), 1), ctx)
	err := backoff.Retry(func() error {
		var err error
		turns, err = b.history.GetTurns(ctx, chatID)
		return err
	}, policy)
	return turns, err
}

// ExtractCommand splits a model answer into its prose and the first line starting with "/".
func ExtractCommand(reply string) (prose, command string) {
	lines := strings.Split(reply, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if command == "" && strings.HasPrefix(trimmed, "/") {
			command = trimmed
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n")), command
}
