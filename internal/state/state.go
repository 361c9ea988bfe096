// Package state keeps the pending two-message dialog of each chat.
package state

import (
	"context"
	"time"

	"telegram-ai-assistant/internal/models"
)

// DefaultTTL of a pending dialog.
const DefaultTTL = 300 * time.Second

// Store holds at most one ChatState per chat. Implementations expire states natively.
type Store interface {
	// Set upserts the state and resets its TTL.
	Set(ctx context.Context, chatID int64, st models.ChatState, ttl time.Duration) error
	// Get returns nil when nothing is pending or the state expired.
	Get(ctx context.Context, chatID int64) (*models.ChatState, error)
	Clear(ctx context.Context, chatID int64) error
	// Update merges patch into a live state and is a no-op otherwise.
	Update(ctx context.Context, chatID int64, patch models.StatePatch) error
}

var expectedResponses = map[string]models.ResponseType{
	"/daily":        models.ResponseTimeAndMessage,
	"/once":         models.ResponseDateTimeAndMessage,
	"/delay":        models.ResponseMinutesAndMessage,
	"/remove":       models.ResponseID,
	"/remove_range": models.ResponseText,
	"/find_delete":  models.ResponseText,
}

// ExpectedResponseFor returns the response type a dialog for command waits for.
func ExpectedResponseFor(command string) models.ResponseType {
	return expectedResponses[command]
}

// NewPending builds the state created when command needs a second message.
func NewPending(chatID int64, command string, now time.Time) models.ChatState {
	return models.ChatState{
		ChatID:               chatID,
		PendingCommand:       command,
		AwaitingResponse:     true,
		ExpectedResponseType: ExpectedResponseFor(command),
		CreatedAt:            now.UTC(),
		Params:               map[string]string{},
	}
}
