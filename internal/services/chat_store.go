package services

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jonboulle/clockwork"

	"SocialChat/server/internal/models"
)

// DB is the slice of pgxpool.Pool the store needs.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ChatStore owns all durable chat state: chats, messages, memberships and
// unread markers. It is the only component allowed to mutate them.
type ChatStore interface {
	CreateChat(ctx context.Context, cmd models.StartChat) (bool, error)
	SaveMessage(ctx context.Context, cmd models.SendMessage) (bool, []string, error)
	SetChatName(ctx context.Context, cmd models.SetChatName) error

	GetChats(ctx context.Context, userID string, skip, take int) ([]models.ChatSummary, error)
	GetChatMessages(ctx context.Context, chatID uuid.UUID, skip, take int) ([]models.ChatMessage, error)
	MarkMessagesAsRead(ctx context.Context, chatID uuid.UUID, userID string) error
	GetUnreadChatCount(ctx context.Context, userID string) (int, error)
	DeleteMessage(ctx context.Context, chatID, messageID uuid.UUID, senderID string) error

	GetParticipants(ctx context.Context, chatID uuid.UUID) ([]string, error)
	IsUserParticipant(ctx context.Context, chatID uuid.UUID, userID string) (bool, error)
	ChatExists(ctx context.Context, chatID uuid.UUID) (bool, error)
	GetChatByUserIds(ctx context.Context, userIDs []string) (uuid.UUID, error)

	HasEarlierMessageFromOthers(ctx context.Context, chatID uuid.UUID, recipientID string, before time.Time, excludeID uuid.UUID) (bool, error)
	GetNotificationRecipients(ctx context.Context, userIDs []string) ([]models.NotificationRecipient, error)
}

type chatStore struct {
	db    DB
	clock clockwork.Clock
}

var _ ChatStore = (*chatStore)(nil)

func NewChatStore(db DB, clock clockwork.Clock) *chatStore {
	return &chatStore{
		db:    db,
		clock: clock,
	}
}

// CreateChat persists a StartChat command in one transaction. If the chat id
// already exists the command is a replay and nothing is written; the returned
// bool reports whether the chat was created by this call.
func (cs *chatStore) CreateChat(ctx context.Context, cmd models.StartChat) (bool, error) {
	started := cmd.StartedUtc
	if started.IsZero() {
		started = cs.clock.Now().UTC()
	}
	lastSent := started
	for _, msg := range cmd.Messages {
		if msg.SentUtc.After(lastSent) {
			lastSent = msg.SentUtc
		}
	}

	tx, err := cs.db.Begin(ctx)
	if err != nil {
		log.Printf("Error starting transaction for chat %s: %v", cmd.ID, err)
		return false, err
	}
	defer tx.Rollback(ctx)

	sqlStr, args, err := insertChatQuery(models.Chat{
		ID:                 cmd.ID,
		DisplayName:        cmd.DisplayName,
		StartedUtc:         started,
		LastMessageSentUtc: lastSent,
	}).ToSql()
	if err != nil {
		log.Printf("Failed to build SQL query: %v", err)
		return false, err
	}

	log.Printf("Executing SQL: %s, Args: %v", sqlStr, args)
	tag, err := tx.Exec(ctx, sqlStr, args...)
	if err != nil {
		log.Printf("Error creating chat %s: %v", cmd.ID, err)
		return false, err
	}
	if tag.RowsAffected() == 0 {
		log.Printf("Chat %s already exists, treating StartChat as replay", cmd.ID)
		return false, nil
	}

	for _, recipient := range cmd.Recipients {
		sqlStr, args, err := insertMembershipQuery(cmd.ID, recipient.ID).ToSql()
		if err != nil {
			log.Printf("Failed to build SQL query: %v", err)
			return false, err
		}
		if _, err := tx.Exec(ctx, sqlStr, args...); err != nil {
			log.Printf("Error adding participant %s to chat %s: %v", recipient.ID, cmd.ID, err)
			return false, err
		}
	}

	for _, msg := range cmd.Messages {
		msg.ChatID = cmd.ID
		sqlStr, args, err := insertMessageQuery(msg).ToSql()
		if err != nil {
			log.Printf("Failed to build SQL query: %v", err)
			return false, err
		}
		if _, err := tx.Exec(ctx, sqlStr, args...); err != nil {
			log.Printf("Error inserting initial message %s for chat %s: %v", msg.ID, cmd.ID, err)
			return false, err
		}

		for _, recipient := range cmd.Recipients {
			if recipient.ID == msg.SenderID {
				continue
			}
			if err := upsertUnread(ctx, tx, models.UnreadMessage{
				RecipientID:    recipient.ID,
				ChatID:         cmd.ID,
				SenderID:       msg.SenderID,
				MessageSentUtc: msg.SentUtc,
			}); err != nil {
				return false, err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		log.Printf("Error committing StartChat for chat %s: %v", cmd.ID, err)
		return false, err
	}

	log.Printf("Chat %s created with %d participants and %d initial messages",
		cmd.ID, len(cmd.Recipients), len(cmd.Messages))
	return true, nil
}

// SaveMessage persists a SendMessage command in one transaction and returns
// the chat's participant list for fan-out. A replayed message id is a no-op
// success. A missing chat or a non-participant sender is a permanent failure.
func (cs *chatStore) SaveMessage(ctx context.Context, cmd models.SendMessage) (bool, []string, error) {
	tx, err := cs.db.Begin(ctx)
	if err != nil {
		log.Printf("Error starting transaction for message %s: %v", cmd.ID, err)
		return false, nil, err
	}
	defer tx.Rollback(ctx)

	var chatExists bool
	err = tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM chats WHERE id = $1)", cmd.ChatID).Scan(&chatExists)
	if err != nil {
		log.Printf("Error checking chat %s: %v", cmd.ChatID, err)
		return false, nil, err
	}
	if !chatExists {
		log.Printf("Chat %s not found for message %s", cmd.ChatID, cmd.ID)
		return false, nil, models.ErrChatNotFound
	}

	participants, err := scanParticipants(ctx, tx, cmd.ChatID)
	if err != nil {
		return false, nil, err
	}

	senderIsParticipant := false
	for _, participant := range participants {
		if participant == cmd.SenderID {
			senderIsParticipant = true
			break
		}
	}
	if !senderIsParticipant {
		log.Printf("Sender %s is not a participant of chat %s", cmd.SenderID, cmd.ChatID)
		return false, nil, models.ErrUserNotParticipant
	}

	sqlStr, args, err := insertMessageQuery(cmd.ToChatMessage()).ToSql()
	if err != nil {
		log.Printf("Failed to build SQL query: %v", err)
		return false, nil, err
	}

	log.Printf("Executing SQL: %s, Args: %v", sqlStr, args)
	tag, err := tx.Exec(ctx, sqlStr, args...)
	if err != nil {
		log.Printf("Error inserting message %s: %v", cmd.ID, err)
		return false, nil, err
	}
	if tag.RowsAffected() == 0 {
		log.Printf("Message %s already exists, treating SendMessage as replay", cmd.ID)
		return false, participants, nil
	}

	for _, participant := range participants {
		if participant == cmd.SenderID {
			continue
		}
		if err := upsertUnread(ctx, tx, models.UnreadMessage{
			RecipientID:    participant,
			ChatID:         cmd.ChatID,
			SenderID:       cmd.SenderID,
			MessageSentUtc: cmd.SentUtc,
		}); err != nil {
			return false, nil, err
		}
	}

	sqlStr, args, err = updateLastMessageSentQuery(cmd.ChatID, cmd.SentUtc).ToSql()
	if err != nil {
		log.Printf("Failed to build SQL query: %v", err)
		return false, nil, err
	}
	if _, err := tx.Exec(ctx, sqlStr, args...); err != nil {
		log.Printf("Error updating last message timestamp for chat %s: %v", cmd.ChatID, err)
		return false, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		log.Printf("Error committing SendMessage for message %s: %v", cmd.ID, err)
		return false, nil, err
	}

	log.Printf("Message %s saved to chat %s by sender %s", cmd.ID, cmd.ChatID, cmd.SenderID)
	return true, participants, nil
}

// SetChatName is a last-writer-wins rename.
func (cs *chatStore) SetChatName(ctx context.Context, cmd models.SetChatName) error {
	sqlStr, args, err := setChatNameQuery(cmd.ChatID, cmd.Name).ToSql()
	if err != nil {
		log.Printf("Failed to build SQL query: %v", err)
		return err
	}

	log.Printf("Executing SQL: %s, Args: %v", sqlStr, args)
	tag, err := cs.db.Exec(ctx, sqlStr, args...)
	if err != nil {
		log.Printf("Error setting name of chat %s: %v", cmd.ChatID, err)
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrChatNotFound
	}

	log.Printf("Chat %s renamed to %q", cmd.ChatID, cmd.Name)
	return nil
}

func (cs *chatStore) GetChats(ctx context.Context, userID string, skip, take int) ([]models.ChatSummary, error) {
	sqlStr, args, err := chatsForUserQuery(userID, skip, take).ToSql()
	if err != nil {
		log.Printf("Failed to build SQL query: %v", err)
		return nil, err
	}

	rows, err := cs.db.Query(ctx, sqlStr, args...)
	if err != nil {
		log.Printf("Error getting chats for user %s: %v", userID, err)
		return nil, err
	}
	defer rows.Close()

	var chats []models.ChatSummary
	for rows.Next() {
		var chat models.ChatSummary
		if err := rows.Scan(&chat.ID, &chat.DisplayName, &chat.StartedUtc,
			&chat.LastMessageSentUtc, &chat.HasUnreadMessages); err != nil {
			log.Printf("Error scanning chat row: %v", err)
			return nil, err
		}
		chats = append(chats, chat)
	}
	if rows.Err() != nil {
		log.Printf("Error after iterating chat rows: %v", rows.Err())
		return nil, rows.Err()
	}

	for i := range chats {
		participants, err := cs.getParticipantSlims(ctx, chats[i].ID)
		if err != nil {
			log.Printf("Error getting participants for chat %s: %v", chats[i].ID, err)
			return nil, err
		}
		chats[i].Participants = participants

		if chats[i].DisplayName == nil {
			derived := deriveDisplayName(participants, userID)
			chats[i].DisplayName = &derived
		}
	}

	log.Printf("Fetched %d chats for user %s", len(chats), userID)
	return chats, nil
}

func (cs *chatStore) GetChatMessages(ctx context.Context, chatID uuid.UUID, skip, take int) ([]models.ChatMessage, error) {
	sqlStr, args, err := messagesForChatQuery(chatID, skip, take).ToSql()
	if err != nil {
		log.Printf("Failed to build SQL query: %v", err)
		return nil, err
	}

	rows, err := cs.db.Query(ctx, sqlStr, args...)
	if err != nil {
		log.Printf("Error getting messages for chat %s: %v", chatID, err)
		return nil, err
	}
	defer rows.Close()

	var messages []models.ChatMessage
	for rows.Next() {
		var msg models.ChatMessage
		if err := rows.Scan(&msg.ID, &msg.ChatID, &msg.SenderID, &msg.Text,
			&msg.AttachmentUrl, &msg.SentUtc); err != nil {
			log.Printf("Error scanning message row: %v", err)
			return nil, err
		}
		messages = append(messages, msg)
	}
	if rows.Err() != nil {
		log.Printf("Error after iterating message rows: %v", rows.Err())
		return nil, rows.Err()
	}

	log.Printf("Fetched %d messages for chat %s", len(messages), chatID)
	return messages, nil
}

// MarkMessagesAsRead clears the unread marker for the (chat, user) pair.
// Clearing an already-clear marker is a no-op success.
func (cs *chatStore) MarkMessagesAsRead(ctx context.Context, chatID uuid.UUID, userID string) error {
	sqlStr, args, err := deleteUnreadQuery(chatID, userID).ToSql()
	if err != nil {
		log.Printf("Failed to build SQL query: %v", err)
		return err
	}

	log.Printf("Executing SQL: %s, Args: %v", sqlStr, args)
	tag, err := cs.db.Exec(ctx, sqlStr, args...)
	if err != nil {
		log.Printf("Error marking messages as read in chat %s for user %s: %v", chatID, userID, err)
		return err
	}

	log.Printf("Cleared %d unread marker(s) in chat %s for user %s", tag.RowsAffected(), chatID, userID)
	return nil
}

func (cs *chatStore) GetUnreadChatCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := cs.db.QueryRow(ctx,
		"SELECT COUNT(*) FROM unread_messages WHERE recipient_id = $1", userID).Scan(&count)
	if err != nil {
		log.Printf("Error getting unread chat count for user %s: %v", userID, err)
		return 0, err
	}
	return count, nil
}

// DeleteMessage soft-deletes a message. Only the sender may delete their own
// message; the row itself is never removed.
func (cs *chatStore) DeleteMessage(ctx context.Context, chatID, messageID uuid.UUID, senderID string) error {
	sqlStr, args, err := softDeleteMessageQuery(chatID, messageID, senderID).ToSql()
	if err != nil {
		log.Printf("Failed to build SQL query: %v", err)
		return err
	}

	log.Printf("Executing SQL: %s, Args: %v", sqlStr, args)
	tag, err := cs.db.Exec(ctx, sqlStr, args...)
	if err != nil {
		log.Printf("Error deleting message %s in chat %s: %v", messageID, chatID, err)
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrChatNotFound
	}

	log.Printf("Message %s in chat %s soft-deleted by %s", messageID, chatID, senderID)
	return nil
}

func (cs *chatStore) GetParticipants(ctx context.Context, chatID uuid.UUID) ([]string, error) {
	return scanParticipants(ctx, cs.db, chatID)
}

func (cs *chatStore) IsUserParticipant(ctx context.Context, chatID uuid.UUID, userID string) (bool, error) {
	var exists bool
	err := cs.db.QueryRow(ctx, `
        SELECT EXISTS (
            SELECT 1
            FROM user_chats
            WHERE chat_id = $1 AND user_profile_id = $2
        )
    `, chatID, userID).Scan(&exists)
	if err != nil {
		log.Printf("Error checking if user %s is a participant of chat %s: %v", userID, chatID, err)
		return false, err
	}
	return exists, nil
}

func (cs *chatStore) ChatExists(ctx context.Context, chatID uuid.UUID) (bool, error) {
	var exists bool
	err := cs.db.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM chats WHERE id = $1)", chatID).Scan(&exists)
	if err != nil {
		log.Printf("Error checking chat %s: %v", chatID, err)
		return false, err
	}
	return exists, nil
}

// GetChatByUserIds finds a chat whose participant set is exactly userIDs.
// Returns ErrChatNotFound when no such chat exists.
func (cs *chatStore) GetChatByUserIds(ctx context.Context, userIDs []string) (uuid.UUID, error) {
	var chatID uuid.UUID
	err := cs.db.QueryRow(ctx, `
        SELECT chat_id
        FROM user_chats
        GROUP BY chat_id
        HAVING COUNT(*) = cardinality($1::text[])
           AND bool_and(user_profile_id = ANY($1::text[]))
        LIMIT 1
    `, userIDs).Scan(&chatID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, models.ErrChatNotFound
		}
		log.Printf("Error looking up chat by participant set %v: %v", userIDs, err)
		return uuid.Nil, err
	}
	return chatID, nil
}

func (cs *chatStore) HasEarlierMessageFromOthers(ctx context.Context, chatID uuid.UUID, recipientID string, before time.Time, excludeID uuid.UUID) (bool, error) {
	sqlStr, args, err := earlierMessageExistsQuery(chatID, recipientID, before, excludeID).ToSql()
	if err != nil {
		log.Printf("Failed to build SQL query: %v", err)
		return false, err
	}

	var count int
	if err := cs.db.QueryRow(ctx, sqlStr, args...).Scan(&count); err != nil {
		log.Printf("Error checking earlier messages in chat %s for recipient %s: %v", chatID, recipientID, err)
		return false, err
	}
	return count > 0, nil
}

func (cs *chatStore) GetNotificationRecipients(ctx context.Context, userIDs []string) ([]models.NotificationRecipient, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	sqlStr, args, err := notificationRecipientsQuery(userIDs).ToSql()
	if err != nil {
		log.Printf("Failed to build SQL query: %v", err)
		return nil, err
	}

	rows, err := cs.db.Query(ctx, sqlStr, args...)
	if err != nil {
		log.Printf("Error getting notification recipients: %v", err)
		return nil, err
	}
	defer rows.Close()

	var recipients []models.NotificationRecipient
	for rows.Next() {
		var recipient models.NotificationRecipient
		if err := rows.Scan(&recipient.ID, &recipient.Email, &recipient.DisplayName,
			&recipient.Preference); err != nil {
			log.Printf("Error scanning recipient row: %v", err)
			return nil, err
		}
		recipients = append(recipients, recipient)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return recipients, nil
}

func (cs *chatStore) getParticipantSlims(ctx context.Context, chatID uuid.UUID) ([]models.UserSlim, error) {
	sqlStr, args, err := participantSlimsQuery(chatID).ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := cs.db.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []models.UserSlim
	for rows.Next() {
		var participant models.UserSlim
		if err := rows.Scan(&participant.ID, &participant.DisplayName); err != nil {
			return nil, err
		}
		participants = append(participants, participant)
	}
	return participants, rows.Err()
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func scanParticipants(ctx context.Context, q querier, chatID uuid.UUID) ([]string, error) {
	sqlStr, args, err := participantsQuery(chatID).ToSql()
	if err != nil {
		log.Printf("Failed to build SQL query: %v", err)
		return nil, err
	}

	rows, err := q.Query(ctx, sqlStr, args...)
	if err != nil {
		log.Printf("Error getting participants for chat %s: %v", chatID, err)
		return nil, err
	}
	defer rows.Close()

	var participants []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			log.Printf("Error scanning participant row: %v", err)
			return nil, err
		}
		participants = append(participants, userID)
	}
	return participants, rows.Err()
}

func upsertUnread(ctx context.Context, tx pgx.Tx, unread models.UnreadMessage) error {
	sqlStr, args, err := upsertUnreadQuery(unread).ToSql()
	if err != nil {
		log.Printf("Failed to build SQL query: %v", err)
		return err
	}
	if _, err := tx.Exec(ctx, sqlStr, args...); err != nil {
		log.Printf("Error upserting unread marker for recipient %s in chat %s: %v",
			unread.RecipientID, unread.ChatID, err)
		return err
	}
	return nil
}

// deriveDisplayName builds a chat name from the other participants when the
// chat has no explicit display name.
func deriveDisplayName(participants []models.UserSlim, viewerID string) string {
	name := ""
	for _, participant := range participants {
		if participant.ID == viewerID {
			continue
		}
		label := participant.DisplayName
		if label == "" {
			label = participant.ID
		}
		if name != "" {
			name += ", "
		}
		name += label
	}
	return name
}
