// Package fanout pushes committed chat events to the live sessions of every
// participant. It runs strictly after the database transaction commits and
// never mutates chat state; a failed push is not an error, because the read
// path and the email escalation are the durable fallbacks.
package fanout

import (
	"context"
	"log"

	"SocialChat/server/internal/models"
)

// Pusher is the session registry surface the publisher needs.
type Pusher interface {
	PushToUsers(ctx context.Context, userIDs []string, event string, payload interface{}) error
}

type Publisher struct {
	pusher Pusher
}

func NewPublisher(pusher Pusher) *Publisher {
	return &Publisher{pusher: pusher}
}

// PublishChatStarted pushes the fully-hydrated chat to every participant,
// the initiator included (their other devices render the new chat too).
func (p *Publisher) PublishChatStarted(ctx context.Context, cmd models.StartChat) {
	lastSent := cmd.StartedUtc
	for _, msg := range cmd.Messages {
		if msg.SentUtc.After(lastSent) {
			lastSent = msg.SentUtc
		}
	}

	chat := models.Chat{
		ID:                 cmd.ID,
		DisplayName:        cmd.DisplayName,
		StartedUtc:         cmd.StartedUtc,
		LastMessageSentUtc: lastSent,
		Messages:           cmd.Messages,
		Participants:       cmd.Recipients,
	}

	if err := p.pusher.PushToUsers(ctx, cmd.RecipientIDs(), models.EventStartChat, chat); err != nil {
		log.Printf("Error pushing StartChat for chat %s: %v", cmd.ID, err)
	}
}

// PublishChatMessage pushes a single committed message to every participant.
func (p *Publisher) PublishChatMessage(ctx context.Context, cmd models.SendMessage, participantIDs []string) {
	if err := p.pusher.PushToUsers(ctx, participantIDs, models.EventReceiveChatMessage, cmd.ToChatMessage()); err != nil {
		log.Printf("Error pushing ReceiveChatMessage for message %s: %v", cmd.ID, err)
	}
}
