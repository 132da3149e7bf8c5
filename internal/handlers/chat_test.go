package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jonboulle/clockwork"

	"SocialChat/server/internal/appMiddleware"
	"SocialChat/server/internal/broker"
	"SocialChat/server/internal/models"
	"SocialChat/server/internal/registry"
)

type fakeStore struct {
	chats         []models.ChatSummary
	messages      []models.ChatMessage
	unreadCount   int
	isParticipant bool
	chatExists    bool
	existingChat  uuid.UUID

	markedChat uuid.UUID
	markedUser string

	gotSkip int
	gotTake int
}

func (s *fakeStore) CreateChat(ctx context.Context, cmd models.StartChat) (bool, error) {
	return true, nil
}

func (s *fakeStore) SaveMessage(ctx context.Context, cmd models.SendMessage) (bool, []string, error) {
	return true, nil, nil
}

func (s *fakeStore) SetChatName(ctx context.Context, cmd models.SetChatName) error { return nil }

func (s *fakeStore) GetChats(ctx context.Context, userID string, skip, take int) ([]models.ChatSummary, error) {
	s.gotSkip, s.gotTake = skip, take
	return s.chats, nil
}

func (s *fakeStore) GetChatMessages(ctx context.Context, chatID uuid.UUID, skip, take int) ([]models.ChatMessage, error) {
	s.gotSkip, s.gotTake = skip, take
	return s.messages, nil
}

func (s *fakeStore) MarkMessagesAsRead(ctx context.Context, chatID uuid.UUID, userID string) error {
	s.markedChat, s.markedUser = chatID, userID
	return nil
}

func (s *fakeStore) GetUnreadChatCount(ctx context.Context, userID string) (int, error) {
	return s.unreadCount, nil
}

func (s *fakeStore) DeleteMessage(ctx context.Context, chatID, messageID uuid.UUID, senderID string) error {
	return nil
}

func (s *fakeStore) GetParticipants(ctx context.Context, chatID uuid.UUID) ([]string, error) {
	return nil, nil
}

func (s *fakeStore) IsUserParticipant(ctx context.Context, chatID uuid.UUID, userID string) (bool, error) {
	return s.isParticipant, nil
}

func (s *fakeStore) ChatExists(ctx context.Context, chatID uuid.UUID) (bool, error) {
	return s.chatExists, nil
}

func (s *fakeStore) GetChatByUserIds(ctx context.Context, userIDs []string) (uuid.UUID, error) {
	if s.existingChat == uuid.Nil {
		return uuid.Nil, models.ErrChatNotFound
	}
	return s.existingChat, nil
}

func (s *fakeStore) HasEarlierMessageFromOthers(ctx context.Context, chatID uuid.UUID, recipientID string, before time.Time, excludeID uuid.UUID) (bool, error) {
	return false, nil
}

func (s *fakeStore) GetNotificationRecipients(ctx context.Context, userIDs []string) ([]models.NotificationRecipient, error) {
	return nil, nil
}

type enqueued struct {
	taskType string
	payload  []byte
	taskID   string
}

type fakeBroker struct {
	tasks []enqueued
	err   error
}

func (b *fakeBroker) Enqueue(ctx context.Context, taskType string, payload []byte, opts ...asynq.Option) (string, error) {
	if b.err != nil {
		return "", b.err
	}
	taskID := ""
	for _, opt := range opts {
		if opt.Type() == asynq.TaskIDOpt {
			taskID = opt.Value().(string)
		}
	}
	b.tasks = append(b.tasks, enqueued{taskType: taskType, payload: payload, taskID: taskID})
	return taskID, nil
}

func (b *fakeBroker) Close() error { return nil }

func newHandler(store *fakeStore, brokerClient *fakeBroker) *ChatHandler {
	return NewChatHandler(store, brokerClient, registry.NewRegistry(nil), clockwork.NewFakeClock(), "secret")
}

// newRequest builds an authenticated request with chi URL params in place.
func newRequest(t *testing.T, method, target, userID string, body interface{}, params map[string]string) *http.Request {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, target, reader)
	ctx := appMiddleware.WithUserID(req.Context(), userID)

	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	ctx = context.WithValue(ctx, chi.RouteCtxKey, rctx)

	return req.WithContext(ctx)
}

func TestGetChatsRejectsOtherUsersList(t *testing.T) {
	h := newHandler(&fakeStore{}, &fakeBroker{})

	req := newRequest(t, http.MethodGet, "/api/chats/user-2", "user-1", nil,
		map[string]string{"user_id": "user-2"})
	rec := httptest.NewRecorder()
	h.GetChats(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestGetChatsPagination(t *testing.T) {
	store := &fakeStore{}
	h := newHandler(store, &fakeBroker{})

	req := newRequest(t, http.MethodGet, "/api/chats/user-1?skip=10&take=5", "user-1", nil,
		map[string]string{"user_id": "user-1"})
	rec := httptest.NewRecorder()
	h.GetChats(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if store.gotSkip != 10 || store.gotTake != 5 {
		t.Errorf("expected skip=10 take=5, got skip=%d take=%d", store.gotSkip, store.gotTake)
	}

	// Garbage pagination falls back to "from the start, all remaining".
	req = newRequest(t, http.MethodGet, "/api/chats/user-1?skip=x&take=-3", "user-1", nil,
		map[string]string{"user_id": "user-1"})
	rec = httptest.NewRecorder()
	h.GetChats(rec, req)

	if store.gotSkip != 0 || store.gotTake != 0 {
		t.Errorf("expected skip=0 take=0 for invalid input, got skip=%d take=%d", store.gotSkip, store.gotTake)
	}
}

func TestGetChatMessagesRequiresMembership(t *testing.T) {
	h := newHandler(&fakeStore{isParticipant: false}, &fakeBroker{})

	chatID := uuid.NewString()
	req := newRequest(t, http.MethodGet, "/api/chats/messages/"+chatID, "user-1", nil,
		map[string]string{"chat_id": chatID})
	rec := httptest.NewRecorder()
	h.GetChatMessages(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestMarkMessagesAsRead(t *testing.T) {
	store := &fakeStore{}
	h := newHandler(store, &fakeBroker{})

	chatID := uuid.New()
	req := newRequest(t, http.MethodPost, "/api/chats/messages-read/"+chatID.String(), "user-1", nil,
		map[string]string{"chat_id": chatID.String()})
	rec := httptest.NewRecorder()
	h.MarkMessagesAsRead(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if store.markedChat != chatID || store.markedUser != "user-1" {
		t.Errorf("expected marker cleared for (%s, user-1), got (%s, %s)",
			chatID, store.markedChat, store.markedUser)
	}
}

func TestGetUnreadCount(t *testing.T) {
	h := newHandler(&fakeStore{unreadCount: 3}, &fakeBroker{})

	req := newRequest(t, http.MethodGet, "/api/chats/unread-count", "user-1", nil, nil)
	rec := httptest.NewRecorder()
	h.GetUnreadCount(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]int
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["count"] != 3 {
		t.Errorf("expected count 3, got %d", body["count"])
	}
}

func TestStartChatEnqueuesCommand(t *testing.T) {
	brokerClient := &fakeBroker{}
	h := newHandler(&fakeStore{}, brokerClient)

	cmd := models.StartChat{
		ID:          uuid.New(),
		InitiatorID: "user-1",
		Recipients:  []models.UserSlim{{ID: "user-1"}, {ID: "user-2"}},
	}
	req := newRequest(t, http.MethodPost, "/api/chats/start-chat", "user-1", cmd, nil)
	rec := httptest.NewRecorder()
	h.StartChat(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(brokerClient.tasks) != 1 {
		t.Fatalf("expected 1 enqueued command, got %d", len(brokerClient.tasks))
	}
	task := brokerClient.tasks[0]
	if task.taskType != broker.TaskStartChat {
		t.Errorf("expected task type %q, got %q", broker.TaskStartChat, task.taskType)
	}
	if task.taskID != "chat:start:"+cmd.ID.String() {
		t.Errorf("expected dedupe task id, got %q", task.taskID)
	}

	var queued models.StartChat
	if err := json.Unmarshal(task.payload, &queued); err != nil {
		t.Fatalf("unmarshal queued command: %v", err)
	}
	if queued.StartedUtc.IsZero() {
		t.Error("expected StartedUtc stamped before enqueueing")
	}
}

func TestStartChatRejectsForeignInitiator(t *testing.T) {
	h := newHandler(&fakeStore{}, &fakeBroker{})

	cmd := models.StartChat{
		ID:          uuid.New(),
		InitiatorID: "user-2",
		Recipients:  []models.UserSlim{{ID: "user-1"}, {ID: "user-2"}},
	}
	req := newRequest(t, http.MethodPost, "/api/chats/start-chat", "user-1", cmd, nil)
	rec := httptest.NewRecorder()
	h.StartChat(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestStartChatReturnsExistingChatForSameParticipants(t *testing.T) {
	existing := uuid.New()
	brokerClient := &fakeBroker{}
	h := newHandler(&fakeStore{existingChat: existing}, brokerClient)

	cmd := models.StartChat{
		ID:          uuid.New(),
		InitiatorID: "user-1",
		Recipients:  []models.UserSlim{{ID: "user-1"}, {ID: "user-2"}},
	}
	req := newRequest(t, http.MethodPost, "/api/chats/start-chat", "user-1", cmd, nil)
	rec := httptest.NewRecorder()
	h.StartChat(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with the existing chat, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["chat_id"] != existing.String() {
		t.Errorf("expected existing chat id %s, got %s", existing, body["chat_id"])
	}
	if len(brokerClient.tasks) != 0 {
		t.Error("expected no command enqueued when the chat already exists")
	}
}

func TestSendMessageRejectsSpoofedSender(t *testing.T) {
	h := newHandler(&fakeStore{isParticipant: true}, &fakeBroker{})

	cmd := models.SendMessage{
		ID:       uuid.New(),
		ChatID:   uuid.New(),
		SenderID: "user-2",
		Text:     "hi",
	}
	req := newRequest(t, http.MethodPost, "/api/chats/send-message", "user-1", cmd, nil)
	rec := httptest.NewRecorder()
	h.SendMessage(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestSendMessageRequiresClientAssignedID(t *testing.T) {
	h := newHandler(&fakeStore{isParticipant: true}, &fakeBroker{})

	cmd := models.SendMessage{
		ChatID:   uuid.New(),
		SenderID: "user-1",
		Text:     "hi",
	}
	req := newRequest(t, http.MethodPost, "/api/chats/send-message", "user-1", cmd, nil)
	rec := httptest.NewRecorder()
	h.SendMessage(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestSendMessageEnqueuesWithDedupeID(t *testing.T) {
	brokerClient := &fakeBroker{}
	h := newHandler(&fakeStore{isParticipant: true}, brokerClient)

	cmd := models.SendMessage{
		ID:       uuid.New(),
		ChatID:   uuid.New(),
		SenderID: "user-1",
		Text:     "hi",
	}
	req := newRequest(t, http.MethodPost, "/api/chats/send-message", "user-1", cmd, nil)
	rec := httptest.NewRecorder()
	h.SendMessage(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(brokerClient.tasks) != 1 {
		t.Fatalf("expected 1 enqueued command, got %d", len(brokerClient.tasks))
	}
	task := brokerClient.tasks[0]
	if task.taskType != broker.TaskSendMessage {
		t.Errorf("expected task type %q, got %q", broker.TaskSendMessage, task.taskType)
	}
	if task.taskID != "chat:message:"+cmd.ID.String() {
		t.Errorf("expected dedupe task id, got %q", task.taskID)
	}

	var queued models.SendMessage
	if err := json.Unmarshal(task.payload, &queued); err != nil {
		t.Fatalf("unmarshal queued command: %v", err)
	}
	if queued.SentUtc.IsZero() {
		t.Error("expected SentUtc stamped before enqueueing")
	}
}

func TestSendMessageDuplicateSubmitIsAccepted(t *testing.T) {
	brokerClient := &fakeBroker{err: asynq.ErrTaskIDConflict}
	h := newHandler(&fakeStore{isParticipant: true}, brokerClient)

	cmd := models.SendMessage{
		ID:       uuid.New(),
		ChatID:   uuid.New(),
		SenderID: "user-1",
		Text:     "hi",
	}
	req := newRequest(t, http.MethodPost, "/api/chats/send-message", "user-1", cmd, nil)
	rec := httptest.NewRecorder()
	h.SendMessage(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Errorf("expected duplicate submit to be accepted, got %d", rec.Code)
	}
}

func TestSetChatNameRequiresMembership(t *testing.T) {
	h := newHandler(&fakeStore{isParticipant: false}, &fakeBroker{})

	cmd := models.SetChatName{ChatID: uuid.New(), Name: "weekend plans"}
	req := newRequest(t, http.MethodPut, "/api/chats/set-chat-name", "user-1", cmd, nil)
	rec := httptest.NewRecorder()
	h.SetChatName(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestDeleteMessage(t *testing.T) {
	h := newHandler(&fakeStore{}, &fakeBroker{})

	chatID := uuid.NewString()
	messageID := uuid.NewString()
	req := newRequest(t, http.MethodDelete, "/api/chats/messages/"+chatID+"/"+messageID, "user-1", nil,
		map[string]string{"chat_id": chatID, "message_id": messageID})
	rec := httptest.NewRecorder()
	h.DeleteMessage(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
}
