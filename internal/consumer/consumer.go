// Package consumer handles chat commands pulled off the broker. Commands
// arrive at-least-once; handlers resolve replays as silent successes, route
// permanently-invalid commands to the dead letter archive, and hand committed
// writes to fan-out and escalation as fire-and-forget side effects.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/hibiken/asynq"

	"SocialChat/server/internal/broker"
	"SocialChat/server/internal/models"
)

// Store is the write surface of the Conversation Store.
type Store interface {
	CreateChat(ctx context.Context, cmd models.StartChat) (bool, error)
	SaveMessage(ctx context.Context, cmd models.SendMessage) (bool, []string, error)
	SetChatName(ctx context.Context, cmd models.SetChatName) error
}

// Publisher pushes committed events to live sessions.
type Publisher interface {
	PublishChatStarted(ctx context.Context, cmd models.StartChat)
	PublishChatMessage(ctx context.Context, cmd models.SendMessage, participantIDs []string)
}

// Escalator queues offline email notifications.
type Escalator interface {
	NotifyChatStarted(ctx context.Context, cmd models.StartChat) error
	NotifyNewMessage(ctx context.Context, cmd models.SendMessage, participantIDs []string) error
}

type Consumer struct {
	store     Store
	publisher Publisher
	escalator Escalator
}

func NewConsumer(store Store, publisher Publisher, escalator Escalator) *Consumer {
	return &Consumer{
		store:     store,
		publisher: publisher,
		escalator: escalator,
	}
}

// RegisterHandlers binds the command handlers to the broker worker.
func (c *Consumer) RegisterHandlers(srv *broker.Server) {
	srv.Handle(broker.TaskStartChat, c.HandleStartChat)
	srv.Handle(broker.TaskSendMessage, c.HandleSendMessage)
	srv.Handle(broker.TaskSetChatName, c.HandleSetChatName)
}

func (c *Consumer) HandleStartChat(ctx context.Context, task *asynq.Task) error {
	var cmd models.StartChat
	if err := json.Unmarshal(task.Payload(), &cmd); err != nil {
		return poison(fmt.Errorf("start chat: malformed payload: %v", err))
	}

	log.Printf("Consuming StartChat command. ChatId: %s", cmd.ID)

	created, err := c.store.CreateChat(ctx, cmd)
	if err != nil {
		log.Printf("Error processing StartChat for chat %s: %v", cmd.ID, err)
		return classify(err)
	}
	if !created {
		// Replay: the chat was committed by an earlier delivery; its side
		// effects already ran, so do not push or email again.
		return nil
	}

	c.publisher.PublishChatStarted(ctx, cmd)

	if err := c.escalator.NotifyChatStarted(ctx, cmd); err != nil {
		log.Printf("Error escalating StartChat for chat %s: %v", cmd.ID, err)
	}
	return nil
}

func (c *Consumer) HandleSendMessage(ctx context.Context, task *asynq.Task) error {
	var cmd models.SendMessage
	if err := json.Unmarshal(task.Payload(), &cmd); err != nil {
		return poison(fmt.Errorf("send message: malformed payload: %v", err))
	}

	log.Printf("Consuming SendMessage command. ChatId: %s, MessageId: %s", cmd.ChatID, cmd.ID)

	created, participants, err := c.store.SaveMessage(ctx, cmd)
	if err != nil {
		log.Printf("Error processing SendMessage for message %s: %v", cmd.ID, err)
		return classify(err)
	}
	if !created {
		return nil
	}

	c.publisher.PublishChatMessage(ctx, cmd, participants)

	if err := c.escalator.NotifyNewMessage(ctx, cmd, participants); err != nil {
		log.Printf("Error escalating SendMessage for message %s: %v", cmd.ID, err)
	}
	return nil
}

func (c *Consumer) HandleSetChatName(ctx context.Context, task *asynq.Task) error {
	var cmd models.SetChatName
	if err := json.Unmarshal(task.Payload(), &cmd); err != nil {
		return poison(fmt.Errorf("set chat name: malformed payload: %v", err))
	}

	log.Printf("Consuming SetChatName command. ChatId: %s", cmd.ChatID)

	if err := c.store.SetChatName(ctx, cmd); err != nil {
		log.Printf("Error processing SetChatName for chat %s: %v", cmd.ChatID, err)
		return classify(err)
	}
	return nil
}

// classify separates permanent command failures, which go to the dead letter
// archive, from transient ones, which the broker retries with backoff.
func classify(err error) error {
	if errors.Is(err, models.ErrChatNotFound) || errors.Is(err, models.ErrUserNotParticipant) {
		return poison(err)
	}
	return err
}

func poison(err error) error {
	return fmt.Errorf("%w: %w", asynq.SkipRetry, err)
}
