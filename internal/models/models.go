package models

import "time"

// Chat tracks activity of a conversation for the inactivity sweep.
type Chat struct {
	ChatID       int64     `db:"chat_id"       json:"chat_id"`
	LastActivity time.Time `db:"last_activity" json:"last_activity"`
	IsActive     bool      `db:"is_active"     json:"is_active"`
}

// Role of a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message of the conversation history sent to the intent service.
type Turn struct {
	Role    Role   `db:"role"    json:"role"`
	Content string `db:"content" json:"content"`
}

// Event is a normalized inbound update from the messaging gateway.
type Event struct {
	ChatID       int64
	Text         string
	CallbackID   string // non-empty for inline button presses
	CallbackData string
	Blocked      bool // member status changed to blocked
}

func (e Event) IsCallback() bool { return e.CallbackID != "" }
