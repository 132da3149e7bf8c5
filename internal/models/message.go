package models

import (
	"time"

	"github.com/google/uuid"
)

// ChatMessage is immutable once persisted, except for the soft-delete flag.
// The id is assigned by the sender's client, never by the server; replaying a
// command with an id that already exists is a no-op.
type ChatMessage struct {
	ID            uuid.UUID `json:"id" db:"id"`
	ChatID        uuid.UUID `json:"chat_id" db:"chat_id"`
	SenderID      string    `json:"sender_id" db:"sender_id"`
	Text          string    `json:"text" db:"text"`
	AttachmentUrl *string   `json:"attachment_url,omitempty" db:"attachment_url"`
	SentUtc       time.Time `json:"sent_utc" db:"sent_utc"`
	IsDeleted     bool      `json:"-" db:"is_deleted"`
}

// UnreadMessage records the newest message a recipient has not acknowledged.
// At most one row exists per (recipient, chat); it holds the latest pending
// timestamp, not a count.
type UnreadMessage struct {
	RecipientID    string    `json:"recipient_id" db:"recipient_id"`
	ChatID         uuid.UUID `json:"chat_id" db:"chat_id"`
	SenderID       string    `json:"sender_id" db:"sender_id"`
	MessageSentUtc time.Time `json:"message_sent_utc" db:"message_sent_utc"`
}
