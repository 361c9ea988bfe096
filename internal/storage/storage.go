package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"telegram-ai-assistant/internal/models"
)

//go:embed schema.sql
var ddl embed.FS

type DB struct{ *sql.DB }

func New(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers anyway; one connection avoids SQLITE_BUSY between them.
	db.SetMaxOpenConns(1)
	if err = migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return &DB{db}, nil
}

func migrate(db *sql.DB) error {
	b, err := ddl.ReadFile("schema.sql")
	if err != nil {
		return err
	}
	_, err = db.Exec(string(b))
	return err
}

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMs(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

// ---------- chats -----------------------------------------------------------

// TouchChat records activity and re-activates the chat.
func (d *DB) TouchChat(ctx context.Context, chatID int64, at time.Time) error {
	_, err := d.ExecContext(ctx, `
        INSERT INTO chats (chat_id, last_activity, is_active, created_at)
        VALUES (?,?,1,?)
        ON CONFLICT(chat_id) DO UPDATE SET last_activity=excluded.last_activity,
            is_active=1
    `, chatID, ms(at), ms(at))
	return err
}

func (d *DB) SetInactive(ctx context.Context, chatID int64) error {
	_, err := d.ExecContext(ctx, `UPDATE chats SET is_active=0 WHERE chat_id=?`, chatID)
	return err
}

func (d *DB) GetChat(ctx context.Context, chatID int64) (*models.Chat, error) {
	var (
		c      models.Chat
		last   int64
		active int
	)
	err := d.QueryRowContext(ctx, `
        SELECT chat_id, last_activity, is_active FROM chats WHERE chat_id=?`, chatID,
	).Scan(&c.ChatID, &last, &active)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.LastActivity = fromMs(last)
	c.IsActive = active == 1
	return &c, nil
}

// ListInactiveChats returns active chats whose last activity is before the cutoff.
func (d *DB) ListInactiveChats(ctx context.Context, before time.Time) ([]models.Chat, error) {
	rows, err := d.QueryContext(ctx, `
        SELECT chat_id, last_activity FROM chats
        WHERE is_active = 1 AND last_activity < ?
        ORDER BY last_activity`, ms(before))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []models.Chat
	for rows.Next() {
		c := models.Chat{IsActive: true}
		var last int64
		if err := rows.Scan(&c.ChatID, &last); err != nil {
			return nil, err
		}
		c.LastActivity = fromMs(last)
		res = append(res, c)
	}
	return res, rows.Err()
}

// ---------- history ---------------------------------------------------------

// GetTurns returns the conversation history of a chat, oldest first.
func (d *DB) GetTurns(ctx context.Context, chatID int64) ([]models.Turn, error) {
	rows, err := d.QueryContext(ctx, `
        SELECT role, content FROM turns WHERE chat_id=? ORDER BY id`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []models.Turn
	for rows.Next() {
		var t models.Turn
		if err := rows.Scan(&t.Role, &t.Content); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// AppendTurns stores turns and drops the oldest ones beyond maxKept.
func (d *DB) AppendTurns(ctx context.Context, chatID int64, turns []models.Turn, maxKept int) error {
	if len(turns) == 0 {
		return nil
	}
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for _, t := range turns {
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO turns (chat_id, role, content, created_at) VALUES (?,?,?,?)`,
			chatID, t.Role, t.Content, now,
		); err != nil {
			return err
		}
	}
	if maxKept > 0 {
		if _, err := tx.ExecContext(ctx, `
            DELETE FROM turns WHERE chat_id = ? AND id NOT IN (
                SELECT id FROM turns WHERE chat_id = ? ORDER BY id DESC LIMIT ?
            )`, chatID, chatID, maxKept,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (d *DB) ClearHistory(ctx context.Context, chatID int64) error {
	_, err := d.ExecContext(ctx, `DELETE FROM turns WHERE chat_id=?`, chatID)
	return err
}
