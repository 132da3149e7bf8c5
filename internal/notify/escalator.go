// Package notify turns a missed real-time delivery into an asynchronous
// email notification. It decides per recipient, gated by the user's
// notification preference and a dedupe check against persisted messages, and
// hands the email command back to the broker; it never sends email itself
// and never fails the persistence path.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"SocialChat/server/internal/broker"
	"SocialChat/server/internal/models"
)

const previewLimit = 120

// Store is the Conversation Store surface the escalator consults. The dedupe
// state is computed against persisted rows, never cached, so it survives
// process restarts.
type Store interface {
	HasEarlierMessageFromOthers(ctx context.Context, chatID uuid.UUID, recipientID string, before time.Time, excludeID uuid.UUID) (bool, error)
	GetNotificationRecipients(ctx context.Context, userIDs []string) ([]models.NotificationRecipient, error)
}

type Escalator struct {
	store   Store
	broker  broker.Client
	baseURL string
}

func NewEscalator(store Store, brokerClient broker.Client, baseURL string) *Escalator {
	return &Escalator{
		store:   store,
		broker:  brokerClient,
		baseURL: baseURL,
	}
}

// NotifyChatStarted queues an email for every recipient of a new chat whose
// preference allows it. A freshly started chat is first contact by
// definition, so FirstMessageOnly behaves like Always here.
func (e *Escalator) NotifyChatStarted(ctx context.Context, cmd models.StartChat) error {
	recipientIDs := make([]string, 0, len(cmd.Recipients))
	for _, recipient := range cmd.Recipients {
		if recipient.ID != cmd.InitiatorID {
			recipientIDs = append(recipientIDs, recipient.ID)
		}
	}

	recipients, err := e.store.GetNotificationRecipients(ctx, recipientIDs)
	if err != nil {
		return fmt.Errorf("notify: load recipients for chat %s: %w", cmd.ID, err)
	}
	if len(recipients) == 0 {
		log.Printf("No recipients want chat notifications for chat %s", cmd.ID)
		return nil
	}

	if len(cmd.Messages) == 0 {
		// Nothing was said yet; the first SendMessage will escalate instead.
		log.Printf("Chat %s started without messages, skipping email escalation", cmd.ID)
		return nil
	}

	senderName := cmd.InitiatorID
	for _, recipient := range cmd.Recipients {
		if recipient.ID == cmd.InitiatorID && recipient.DisplayName != "" {
			senderName = recipient.DisplayName
		}
	}

	preview := truncate(cmd.Messages[0].Text, previewLimit)

	var errs []error
	for _, recipient := range recipients {
		if recipient.Preference == models.PreferenceNever {
			continue
		}
		taskID := fmt.Sprintf("email:%s:%s", cmd.ID, recipient.ID)
		if recipient.Preference == models.PreferenceFirstMessageOnly {
			taskID = firstContactTaskID(cmd.ID, recipient.ID)
		}
		if err := e.enqueueEmail(ctx, cmd.ID, taskID, recipient, senderName, preview); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NotifyNewMessage queues an email for every participant, except the sender,
// whose preference allows it. For FirstMessageOnly the email fires only when
// no earlier message from someone else exists in the chat.
func (e *Escalator) NotifyNewMessage(ctx context.Context, cmd models.SendMessage, participantIDs []string) error {
	recipientIDs := make([]string, 0, len(participantIDs))
	for _, participantID := range participantIDs {
		if participantID != cmd.SenderID {
			recipientIDs = append(recipientIDs, participantID)
		}
	}

	recipients, err := e.store.GetNotificationRecipients(ctx, recipientIDs)
	if err != nil {
		return fmt.Errorf("notify: load recipients for chat %s: %w", cmd.ChatID, err)
	}
	if len(recipients) == 0 {
		log.Printf("No recipients want message notifications for chat %s", cmd.ChatID)
		return nil
	}

	senderName := cmd.SenderID
	if senders, err := e.store.GetNotificationRecipients(ctx, []string{cmd.SenderID}); err == nil &&
		len(senders) == 1 && senders[0].DisplayName != "" {
		senderName = senders[0].DisplayName
	}

	preview := truncate(cmd.Text, previewLimit)

	var errs []error
	for _, recipient := range recipients {
		taskID := fmt.Sprintf("email:%s:%s", cmd.ID, recipient.ID)
		switch recipient.Preference {
		case models.PreferenceNever:
			continue
		case models.PreferenceFirstMessageOnly:
			seen, err := e.store.HasEarlierMessageFromOthers(ctx, cmd.ChatID, recipient.ID, cmd.SentUtc, cmd.ID)
			if err != nil {
				errs = append(errs, fmt.Errorf("notify: dedupe check for %s: %w", recipient.ID, err))
				continue
			}
			if seen {
				continue
			}
			taskID = firstContactTaskID(cmd.ChatID, recipient.ID)
		}
		if err := e.enqueueEmail(ctx, cmd.ChatID, taskID, recipient, senderName, preview); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// firstContactTaskID keys a FirstMessageOnly email by chat and recipient
// rather than by the triggering message. When two racing first messages each
// pass the persisted-history check, both enqueues carry the same id and the
// broker collapses them into one email.
func firstContactTaskID(chatID uuid.UUID, recipientID string) string {
	return fmt.Sprintf("email:first:%s:%s", chatID, recipientID)
}

func (e *Escalator) enqueueEmail(ctx context.Context, chatID uuid.UUID, taskID string, recipient models.NotificationRecipient, senderName, preview string) error {
	email := models.SendEmail{
		ToEmail:       recipient.Email,
		ToDisplayName: recipient.DisplayName,
		Subject:       fmt.Sprintf("New message from %s", senderName),
		SenderName:    senderName,
		ChatLink:      fmt.Sprintf("%s/chat/%s", e.baseURL, chatID),
		Preview:       preview,
	}

	payload, err := json.Marshal(email)
	if err != nil {
		return err
	}

	// A duplicate enqueue under the same task id, whether from a redelivered
	// command or a racing first message, collapses into the existing task
	// instead of producing a second email.
	_, err = e.broker.Enqueue(ctx, broker.TaskSendEmail, payload,
		asynq.Queue(broker.QueueEmail),
		asynq.TaskID(taskID),
		asynq.Retention(24*time.Hour))
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			log.Printf("Email for recipient %s in chat %s already queued", recipient.ID, chatID)
			return nil
		}
		return fmt.Errorf("notify: enqueue email for %s: %w", recipient.ID, err)
	}

	log.Printf("Queued notification email for recipient %s in chat %s", recipient.ID, chatID)
	return nil
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}
