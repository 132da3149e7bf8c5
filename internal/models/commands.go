package models

import (
	"time"

	"github.com/google/uuid"
)

// Commands are delivered at-least-once by the broker; every command carries a
// caller-assigned correlation id (the chat id for StartChat, the message id
// for SendMessage) which is what makes the consumer idempotent.

type StartChat struct {
	ID          uuid.UUID     `json:"id"`
	InitiatorID string        `json:"initiator_id"`
	DisplayName *string       `json:"display_name,omitempty"`
	Recipients  []UserSlim    `json:"recipients"`
	Messages    []ChatMessage `json:"messages"`
	StartedUtc  time.Time     `json:"started_utc"`
}

// RecipientIDs returns the ids of every listed recipient, initiator included.
func (sc StartChat) RecipientIDs() []string {
	ids := make([]string, 0, len(sc.Recipients))
	for _, recipient := range sc.Recipients {
		ids = append(ids, recipient.ID)
	}
	return ids
}

type SendMessage struct {
	ID            uuid.UUID `json:"id"`
	ChatID        uuid.UUID `json:"chat_id"`
	SenderID      string    `json:"sender_id"`
	Text          string    `json:"text"`
	AttachmentUrl *string   `json:"attachment_url,omitempty"`
	SentUtc       time.Time `json:"sent_utc"`
}

func (sm SendMessage) ToChatMessage() ChatMessage {
	return ChatMessage{
		ID:            sm.ID,
		ChatID:        sm.ChatID,
		SenderID:      sm.SenderID,
		Text:          sm.Text,
		AttachmentUrl: sm.AttachmentUrl,
		SentUtc:       sm.SentUtc,
	}
}

type SetChatName struct {
	ChatID uuid.UUID `json:"chat_id"`
	Name   string    `json:"name"`
}

// Push event names consumed by connected clients.
const (
	EventStartChat          = "StartChat"
	EventReceiveChatMessage = "ReceiveChatMessage"
)
