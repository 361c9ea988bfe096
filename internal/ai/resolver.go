package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"telegram-ai-assistant/internal/models"
	"telegram-ai-assistant/internal/parser"
	"telegram-ai-assistant/internal/reminders"
)

// Sentinels the model answers with instead of a command.
const (
	NoMatch         = "NO_MATCH"
	MultipleMatches = "MULTIPLE_MATCHES"
)

const resolverGuidance = `You pick which reminder the user wants to delete.
Reply with exactly one line and nothing else:
- the removal command listed under the single matching reminder (for example /_rem_12 or /_daily_09_00),
- ` + NoMatch + ` if no reminder matches,
- ` + MultipleMatches + ` if more than one reminder matches equally well.`

// ReminderFinder lists the live reminders of a chat; reminders.Service implements it.
type ReminderFinder interface {
	FindAll(ctx context.Context, chatID int64, rng *reminders.Range) (reminders.Jobs, error)
}

// Resolver deletes a reminder described in free text.
type Resolver struct {
	intent     IntentService
	finder     ReminderFinder
	dispatcher Dispatcher
	log        *slog.Logger
}

func NewResolver(intent IntentService, finder ReminderFinder, logger *slog.Logger) *Resolver {
	return &Resolver{intent: intent, finder: finder, log: logger.With("component", "resolver")}
}

func (r *Resolver) SetDispatcher(d Dispatcher) { r.dispatcher = d }

var removalCommands = map[string]bool{
	reminders.RemoveOnceCommand:  true,
	reminders.RemoveDailyCommand: true,
	"/remove":                    true,
}

// FindAndDelete asks the intent service which listed reminder matches
// description and removes it through the router. Only removal commands that
// appear in the listing are executed.
func (r *Resolver) FindAndDelete(ctx context.Context, chatID int64, description string, depth int) (string, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return "", models.Warnf("Describe the reminder to delete, e.g. /find_delete the dentist one.")
	}

	jobs, err := r.finder.FindAll(ctx, chatID, nil)
	if err != nil {
		return "", err
	}
	if jobs.Len() == 0 {
		return "", models.Warnf("You have no scheduled reminders.")
	}
	listing := reminders.Format(jobs)

	reply, err := r.intent.Complete(ctx, []models.Turn{
		{Role: models.RoleSystem, Content: resolverGuidance},
		{Role: models.RoleUser, Content: fmt.Sprintf("Reminders:\n%s\n\nDescription: %s", listing, description)},
	})
	if err != nil {
		return "", models.Upstream(models.ServiceIntent, err)
	}

	answer := strings.Trim(strings.TrimSpace(reply), "`\"'. ")
	switch answer {
	case NoMatch:
		return "", models.Warnf("I could not find a reminder matching %q. Use /list_scheduled to see them all.", description)
	case MultipleMatches:
		return fmt.Sprintf("Several reminders match %q. Tap the one to remove:\n\n%s", description, listing), nil
	}

	command, arg := parser.Parse(answer)
	if !removalCommands[command] || arg == "" {
		return "", r.badOutput(chatID, reply)
	}
	if command == "/remove" {
		answer = reminders.RemoveOnceCommand + arg
		if part, ok := strings.CutPrefix(arg, "daily_"); ok {
			answer = reminders.RemoveDailyCommand + part
		}
	}
	if !listed(listing, answer) {
		return "", r.badOutput(chatID, reply)
	}
	if r.dispatcher == nil || depth >= MaxDispatchDepth {
		return "", models.Warnf("Please remove it yourself with %s", answer)
	}
	return r.dispatcher.Dispatch(ctx, chatID, answer, depth+1)
}

// listed reports whether command is one of the removal commands in listing.
func listed(listing, command string) bool {
	for _, line := range strings.Split(listing, "\n") {
		if strings.TrimSpace(line) == "remove: "+command {
			return true
		}
	}
	return false
}

func (r *Resolver) badOutput(chatID int64, reply string) error {
	r.log.Warn("unexpected resolver output", "chat_id", chatID, "output", reply)
	return &models.UpstreamError{
		Service: models.ServiceIntent,
		Kind:    models.KindBadOutput,
		Err:     errors.New("resolver answered neither a removal command nor a sentinel"),
	}
}
