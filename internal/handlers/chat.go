package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jonboulle/clockwork"

	"SocialChat/server/internal/appMiddleware"
	"SocialChat/server/internal/broker"
	"SocialChat/server/internal/models"
	"SocialChat/server/internal/registry"
	"SocialChat/server/internal/services"
)

// ChatHandler serves the read path and accepts write commands. Writes are
// never applied here; they are enqueued on the broker and applied by the
// persistence consumer, so a 202 means "accepted", not "persisted".
type ChatHandler struct {
	store     services.ChatStore
	broker    broker.Client
	registry  *registry.Registry
	clock     clockwork.Clock
	jwtSecret string
}

func NewChatHandler(store services.ChatStore, brokerClient broker.Client, reg *registry.Registry, clock clockwork.Clock, jwtSecret string) *ChatHandler {
	return &ChatHandler{
		store:     store,
		broker:    brokerClient,
		registry:  reg,
		clock:     clock,
		jwtSecret: jwtSecret,
	}
}

func (h *ChatHandler) GetChats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	currentUserID, ok := appMiddleware.UserIDFromContext(ctx)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	userID := chi.URLParam(r, "user_id")
	if userID != currentUserID {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	skip, take := parsePagination(r)

	chats, err := h.store.GetChats(ctx, userID, skip, take)
	if err != nil {
		log.Printf("Error getting chats for user %s: %v", userID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, chats)
}

func (h *ChatHandler) GetChatMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	currentUserID, ok := appMiddleware.UserIDFromContext(ctx)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	chatID, err := uuid.Parse(chi.URLParam(r, "chat_id"))
	if err != nil {
		http.Error(w, "Invalid chat ID", http.StatusBadRequest)
		return
	}

	isParticipant, err := h.store.IsUserParticipant(ctx, chatID, currentUserID)
	if err != nil {
		log.Printf("Error checking if user %s is a participant of chat %s: %v", currentUserID, chatID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if !isParticipant {
		http.Error(w, "User is not a participant of this chat", http.StatusForbidden)
		return
	}

	skip, take := parsePagination(r)

	messages, err := h.store.GetChatMessages(ctx, chatID, skip, take)
	if err != nil {
		log.Printf("Error getting messages for chat %s: %v", chatID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, messages)
}

func (h *ChatHandler) MarkMessagesAsRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	currentUserID, ok := appMiddleware.UserIDFromContext(ctx)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	chatID, err := uuid.Parse(chi.URLParam(r, "chat_id"))
	if err != nil {
		http.Error(w, "Invalid chat ID", http.StatusBadRequest)
		return
	}

	if err := h.store.MarkMessagesAsRead(ctx, chatID, currentUserID); err != nil {
		log.Printf("Error marking messages as read in chat %s for user %s: %v", chatID, currentUserID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *ChatHandler) GetUnreadCount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	currentUserID, ok := appMiddleware.UserIDFromContext(ctx)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	count, err := h.store.GetUnreadChatCount(ctx, currentUserID)
	if err != nil {
		log.Printf("Error getting unread count for user %s: %v", currentUserID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

// StartChat validates and enqueues a StartChat command. If a chat with the
// same participant set already exists its id is returned instead of starting
// a duplicate.
func (h *ChatHandler) StartChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	currentUserID, ok := appMiddleware.UserIDFromContext(ctx)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var cmd models.StartChat
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		log.Printf("Invalid StartChat request: %v", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if cmd.ID == uuid.Nil || len(cmd.Recipients) == 0 {
		http.Error(w, "Chat id and recipients are required", http.StatusBadRequest)
		return
	}
	if cmd.InitiatorID != currentUserID {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	initiatorListed := false
	for _, recipient := range cmd.Recipients {
		if recipient.ID == currentUserID {
			initiatorListed = true
			break
		}
	}
	if !initiatorListed {
		http.Error(w, "Initiator must be a recipient", http.StatusBadRequest)
		return
	}

	exists, err := h.store.ChatExists(ctx, cmd.ID)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if exists {
		http.Error(w, "Chat already exists", http.StatusBadRequest)
		return
	}

	if existingID, err := h.store.GetChatByUserIds(ctx, cmd.RecipientIDs()); err == nil {
		log.Printf("Existing chat %s found for participant set, not starting a new one", existingID)
		writeJSON(w, http.StatusOK, map[string]string{"chat_id": existingID.String()})
		return
	} else if !errors.Is(err, models.ErrChatNotFound) {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if cmd.StartedUtc.IsZero() {
		cmd.StartedUtc = h.clock.Now().UTC()
	}
	for i := range cmd.Messages {
		cmd.Messages[i].ChatID = cmd.ID
		if cmd.Messages[i].SentUtc.IsZero() {
			cmd.Messages[i].SentUtc = h.clock.Now().UTC()
		}
	}

	if err := h.enqueueCommand(ctx, broker.TaskStartChat, cmd, "chat:start:"+cmd.ID.String()); err != nil {
		log.Printf("Error enqueueing StartChat for chat %s: %v", cmd.ID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"chat_id": cmd.ID.String()})
}

// SendMessage validates and enqueues a SendMessage command. The message id is
// assigned by the client; the server never generates one.
func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	currentUserID, ok := appMiddleware.UserIDFromContext(ctx)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var cmd models.SendMessage
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		log.Printf("Invalid SendMessage request: %v", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if cmd.ID == uuid.Nil || cmd.ChatID == uuid.Nil || cmd.Text == "" {
		http.Error(w, "Message id, chat id and text are required", http.StatusBadRequest)
		return
	}
	if cmd.SenderID != currentUserID {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	isParticipant, err := h.store.IsUserParticipant(ctx, cmd.ChatID, currentUserID)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if !isParticipant {
		http.Error(w, "User is not a participant of this chat", http.StatusForbidden)
		return
	}

	if cmd.SentUtc.IsZero() {
		cmd.SentUtc = h.clock.Now().UTC()
	}

	if err := h.enqueueCommand(ctx, broker.TaskSendMessage, cmd, "chat:message:"+cmd.ID.String()); err != nil {
		log.Printf("Error enqueueing SendMessage for message %s: %v", cmd.ID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"message_id": cmd.ID.String()})
}

func (h *ChatHandler) SetChatName(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	currentUserID, ok := appMiddleware.UserIDFromContext(ctx)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var cmd models.SetChatName
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		log.Printf("Invalid SetChatName request: %v", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if cmd.ChatID == uuid.Nil || cmd.Name == "" {
		http.Error(w, "Chat id and name are required", http.StatusBadRequest)
		return
	}

	isParticipant, err := h.store.IsUserParticipant(ctx, cmd.ChatID, currentUserID)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if !isParticipant {
		http.Error(w, "User is not a participant of this chat", http.StatusForbidden)
		return
	}

	if err := h.enqueueCommand(ctx, broker.TaskSetChatName, cmd, ""); err != nil {
		log.Printf("Error enqueueing SetChatName for chat %s: %v", cmd.ChatID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// DeleteMessage soft-deletes one of the caller's own messages. This is a
// direct store write, not a broker command: it does not touch unread markers
// or fan-out.
func (h *ChatHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	currentUserID, ok := appMiddleware.UserIDFromContext(ctx)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	chatID, err := uuid.Parse(chi.URLParam(r, "chat_id"))
	if err != nil {
		http.Error(w, "Invalid chat ID", http.StatusBadRequest)
		return
	}
	messageID, err := uuid.Parse(chi.URLParam(r, "message_id"))
	if err != nil {
		http.Error(w, "Invalid message ID", http.StatusBadRequest)
		return
	}

	if err := h.store.DeleteMessage(ctx, chatID, messageID, currentUserID); err != nil {
		if errors.Is(err, models.ErrChatNotFound) {
			http.Error(w, "Message not found", http.StatusNotFound)
			return
		}
		log.Printf("Error deleting message %s in chat %s: %v", messageID, chatID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// enqueueCommand puts a command on the chat queue. The caller-assigned task
// id makes a duplicate submit collapse into the already-queued command.
func (h *ChatHandler) enqueueCommand(ctx context.Context, taskType string, cmd interface{}, taskID string) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}

	opts := []asynq.Option{asynq.Queue(broker.QueueChat)}
	if taskID != "" {
		opts = append(opts, asynq.TaskID(taskID))
	}

	if _, err := h.broker.Enqueue(ctx, taskType, payload, opts...); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			log.Printf("Command %s already queued, treating as accepted", taskID)
			return nil
		}
		return err
	}
	return nil
}

func parsePagination(r *http.Request) (skip, take int) {
	if v, err := strconv.Atoi(r.URL.Query().Get("skip")); err == nil && v > 0 {
		skip = v
	}
	// Omitted or invalid take means "all remaining".
	if v, err := strconv.Atoi(r.URL.Query().Get("take")); err == nil && v > 0 {
		take = v
	}
	return skip, take
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}
