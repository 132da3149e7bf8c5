package models

import (
	"time"

	"github.com/google/uuid"
)

type Chat struct {
	ID                 uuid.UUID `json:"id" db:"id"`
	DisplayName        *string   `json:"display_name,omitempty" db:"display_name"`
	StartedUtc         time.Time `json:"started_utc" db:"started_utc"`
	LastMessageSentUtc time.Time `json:"last_message_sent_utc" db:"last_message_sent_utc"`

	Messages     []ChatMessage `json:"messages,omitempty"`
	Participants []UserSlim    `json:"participants,omitempty"`
}

// ChatSummary is the read-path projection of a chat: the chat row annotated
// with whether the requesting user still has a pending unread marker for it.
type ChatSummary struct {
	Chat
	HasUnreadMessages bool `json:"has_unread_messages"`
}

type UserChat struct {
	ChatID        uuid.UUID `json:"chat_id" db:"chat_id"`
	UserProfileID string    `json:"user_profile_id" db:"user_profile_id"`
}

type UserSlim struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
}
