package handlers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"telegram-ai-assistant/internal/datetime"
	"telegram-ai-assistant/internal/messages"
	"telegram-ai-assistant/internal/models"
	"telegram-ai-assistant/internal/parser"
	"telegram-ai-assistant/internal/reminders"
)

func (r *Router) handleStart(context.Context, request) (string, error) {
	return messages.Welcome, nil
}

func (r *Router) handleHelp(context.Context, request) (string, error) {
	return messages.Help, nil
}

func (r *Router) handleResetHistory(ctx context.Context, req request) (string, error) {
	if err := r.ai.ResetHistory(ctx, req.chatID); err != nil {
		return "", models.Upstream(models.ServiceHistory, err)
	}
	return messages.HistoryReset, nil
}

func (r *Router) handleCancel(ctx context.Context, req request) (string, error) {
	st, err := r.states.Get(ctx, req.chatID)
	if err != nil {
		return "", models.Upstream(models.ServiceState, err)
	}
	if st == nil || !st.AwaitingResponse {
		return "", models.Warnf(messages.NothingPending)
	}
	if err := r.states.Clear(ctx, req.chatID); err != nil {
		return "", models.Upstream(models.ServiceState, err)
	}
	return messages.Cancelled(st.PendingCommand), nil
}

// handleAI forwards free text to the intent service.
func (r *Router) handleAI(ctx context.Context, req request) (string, error) {
	if req.arg == "" {
		return "", models.Warnf("Write me something and I will answer.")
	}
	if err := r.gateway.Typing(ctx, req.chatID); err != nil {
		r.log.Debug("typing indicator", "chat_id", req.chatID, "err", err)
	}
	return r.ai.Converse(ctx, req.chatID, req.arg, datetime.FormatUTC(r.clock.Now()), req.depth)
}

// ---------- create ----------------------------------------------------------

func (r *Router) handleDaily(ctx context.Context, req request) (string, error) {
	token, text := datetime.ExtractLeadingDateTime(req.arg)
	if token == "" {
		return "", models.Warnf("Please start with a time, e.g. 09:00 Take medicine.")
	}
	hour, minute, err := datetime.ParseClock(token)
	if err != nil {
		return "", models.Warnf("Daily reminders take a time without a date, e.g. 09:00 Take medicine.")
	}
	job, err := r.reminders.AddDaily(ctx, req.chatID, hour, minute, text)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("✅ Daily reminder set for %s UTC: %s\nRemove it with %s",
		job.Clock(), job.Text(), reminders.DailyRemoveCommand(job)), nil
}

func (r *Router) handleOnce(ctx context.Context, req request) (string, error) {
	token, text := datetime.ExtractLeadingDateTime(req.arg)
	if token == "" {
		return "", models.Warnf("Please start with a date and time, e.g. 01.01.2026 15:00 Meeting.")
	}
	at, err := datetime.ParseDateTime(token, r.clock.Now())
	if err != nil {
		return "", models.Warnf("%q is not a valid date and time. Use DD.MM.YYYY HH:MM.", token)
	}
	job, err := r.reminders.AddOnce(ctx, req.chatID, at, text)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("✅ Reminder set for %s: %s\nRemove it with %s%s",
		datetime.FormatUTC(job.ExecuteAt), job.Text(), reminders.RemoveOnceCommand, job.JobID()), nil
}

func (r *Router) handleDelay(ctx context.Context, req request) (string, error) {
	first, text := parser.FirstAndRest(req.arg, " ", 1)
	if first == "" {
		first, text = text, ""
	}
	minutes, err := strconv.Atoi(first)
	if err != nil {
		return "", models.Warnf("%q is not a number of minutes, e.g. 15 Stretch.", first)
	}
	job, err := r.reminders.AddDelayed(ctx, req.chatID, minutes, text)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("✅ Reminder set for %s (in %d min): %s\nRemove it with %s%s",
		datetime.FormatUTC(job.ExecuteAt), minutes, job.Text(), reminders.RemoveOnceCommand, job.JobID()), nil
}

// ---------- query and remove ------------------------------------------------

func (r *Router) handleList(ctx context.Context, req request) (string, error) {
	return r.reminders.List(ctx, req.chatID)
}

func (r *Router) handleRemove(ctx context.Context, req request) (string, error) {
	return removed(r.reminders.RemoveByID(ctx, req.chatID, req.arg))
}

func (r *Router) handleRemoveOnce(ctx context.Context, req request) (string, error) {
	return removed(r.reminders.RemoveOnce(ctx, req.chatID, req.arg))
}

func (r *Router) handleRemoveDaily(ctx context.Context, req request) (string, error) {
	if req.arg == "" {
		return "", models.Warnf("Please tell me which daily reminder to remove, e.g. %s09_00.", reminders.RemoveDailyCommand)
	}
	return removed(r.reminders.RemoveDaily(ctx, req.chatID, "daily_"+req.arg))
}

func (r *Router) handleRemoveRange(ctx context.Context, req request) (string, error) {
	start, end, err := datetime.ParseRange(req.arg, r.clock.Now())
	if err != nil {
		if errors.Is(err, datetime.ErrBadFormat) {
			return "", models.Warnf("Please send two dates, e.g. 10.03.2025 09:00 - 10.03.2025 18:00.")
		}
		return "", err
	}
	n, err := r.reminders.RemoveRange(ctx, req.chatID, reminders.Range{Start: start, End: end})
	if err != nil {
		return "", err
	}
	if n == 0 {
		return fmt.Sprintf("No reminders between %s and %s.", datetime.FormatUTC(start), datetime.FormatUTC(end)), nil
	}
	return fmt.Sprintf("🗑 Removed %d reminder(s) between %s and %s.", n, datetime.FormatUTC(start), datetime.FormatUTC(end)), nil
}

func (r *Router) handleRemoveNearest(ctx context.Context, req request) (string, error) {
	job, at, err := r.reminders.RemoveNearest(ctx, req.chatID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("🗑 Removed the nearest reminder (%s): %s", datetime.FormatUTC(at), job.Text()), nil
}

func (r *Router) handleFindDelete(ctx context.Context, req request) (string, error) {
	if err := r.gateway.Typing(ctx, req.chatID); err != nil {
		r.log.Debug("typing indicator", "chat_id", req.chatID, "err", err)
	}
	return r.resolver.FindAndDelete(ctx, req.chatID, strings.TrimSpace(req.arg), req.depth)
}

func removed(job models.ReminderJob, err error) (string, error) {
	if err != nil {
		return "", err
	}
	return "🗑 Removed reminder: " + job.Text(), nil
}
