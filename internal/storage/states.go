package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"telegram-ai-assistant/internal/models"
)

// ---------- chat state (fsm) ------------------------------------------------

// PutChatState upserts the state of a chat with a new expiry.
func (d *DB) PutChatState(ctx context.Context, st models.ChatState, expiresAt time.Time) error {
	params, err := json.Marshal(st.Params)
	if err != nil {
		return err
	}
	_, err = d.ExecContext(ctx, `
        INSERT INTO chat_states (chat_id, pending_command, awaiting_response,
            expected_response_type, params, created_at, expires_at)
        VALUES (?,?,?,?,?,?,?)
        ON CONFLICT(chat_id) DO UPDATE SET pending_command=excluded.pending_command,
            awaiting_response=excluded.awaiting_response,
            expected_response_type=excluded.expected_response_type,
            params=excluded.params,
            created_at=excluded.created_at,
            expires_at=excluded.expires_at
    `, st.ChatID, st.PendingCommand, st.AwaitingResponse, st.ExpectedResponseType,
		string(params), ms(st.CreatedAt), ms(expiresAt))
	return err
}

// GetChatState returns the state of a chat if it has not expired at now.
func (d *DB) GetChatState(ctx context.Context, chatID int64, now time.Time) (*models.ChatState, error) {
	var (
		st        models.ChatState
		params    string
		createdAt int64
	)
	err := d.QueryRowContext(ctx, `
        SELECT chat_id, pending_command, awaiting_response, expected_response_type, params, created_at
        FROM chat_states WHERE chat_id=? AND expires_at > ?`, chatID, ms(now),
	).Scan(&st.ChatID, &st.PendingCommand, &st.AwaitingResponse, &st.ExpectedResponseType, &params, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	st.CreatedAt = fromMs(createdAt)
	if err := json.Unmarshal([]byte(params), &st.Params); err != nil {
		return nil, err
	}
	return &st, nil
}

// ReplaceLiveChatState overwrites a state only while it is still live at now.
// It reports false when the state is gone or already expired.
func (d *DB) ReplaceLiveChatState(ctx context.Context, st models.ChatState, now, expiresAt time.Time) (bool, error) {
	params, err := json.Marshal(st.Params)
	if err != nil {
		return false, err
	}
	res, err := d.ExecContext(ctx, `
        UPDATE chat_states SET pending_command=?, awaiting_response=?,
            expected_response_type=?, params=?, expires_at=?
        WHERE chat_id=? AND expires_at > ?`,
		st.PendingCommand, st.AwaitingResponse, st.ExpectedResponseType, string(params),
		ms(expiresAt), st.ChatID, ms(now))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (d *DB) DeleteChatState(ctx context.Context, chatID int64) error {
	_, err := d.ExecContext(ctx, `DELETE FROM chat_states WHERE chat_id=?`, chatID)
	return err
}

// PurgeExpiredChatStates drops states that expired before now.
func (d *DB) PurgeExpiredChatStates(ctx context.Context, now time.Time) (int64, error) {
	res, err := d.ExecContext(ctx, `DELETE FROM chat_states WHERE expires_at <= ?`, ms(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
