package models

import "time"

// ResponseType is what the router expects as the second message of a dialog.
type ResponseType string

const (
	ResponseNone               ResponseType = ""
	ResponseTimeAndMessage     ResponseType = "time_and_message"
	ResponseID                 ResponseType = "id"
	ResponseDateTimeAndMessage ResponseType = "date_time_and_message"
	ResponseMinutesAndMessage  ResponseType = "minutes_and_message"
	ResponseText               ResponseType = "text"
)

// ChatState is the pending dialog of a single chat. At most one exists per chat.
type ChatState struct {
	ChatID               int64             `db:"chat_id"                json:"chat_id"`
	PendingCommand       string            `db:"pending_command"        json:"pending_command"`
	AwaitingResponse     bool              `db:"awaiting_response"      json:"awaiting_response"`
	ExpectedResponseType ResponseType      `db:"expected_response_type" json:"expected_response_type"`
	CreatedAt            time.Time         `db:"created_at"             json:"created_at"`
	Params               map[string]string `db:"params"                 json:"params"`
}

// StatePatch holds the fields Update merges into an existing state.
// Nil fields are left untouched; Params keys are merged one by one.
type StatePatch struct {
	PendingCommand       *string
	AwaitingResponse     *bool
	ExpectedResponseType *ResponseType
	Params               map[string]string
}

// Apply merges the patch into s.
func (p StatePatch) Apply(s *ChatState) {
	if p.PendingCommand != nil {
		s.PendingCommand = *p.PendingCommand
	}
	if p.AwaitingResponse != nil {
		s.AwaitingResponse = *p.AwaitingResponse
	}
	if p.ExpectedResponseType != nil {
		s.ExpectedResponseType = *p.ExpectedResponseType
	}
	if len(p.Params) > 0 && s.Params == nil {
		s.Params = make(map[string]string, len(p.Params))
	}
	for k, v := range p.Params {
		s.Params[k] = v
	}
}
