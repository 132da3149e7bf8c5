package services

import (
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"SocialChat/server/internal/models"
)

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

func insertChatQuery(chat models.Chat) squirrel.InsertBuilder {
	return psql.Insert("chats").
		Columns("id", "display_name", "started_utc", "last_message_sent_utc").
		Values(chat.ID, chat.DisplayName, chat.StartedUtc, chat.LastMessageSentUtc).
		Suffix("ON CONFLICT (id) DO NOTHING")
}

func insertMembershipQuery(chatID uuid.UUID, userID string) squirrel.InsertBuilder {
	return psql.Insert("user_chats").
		Columns("chat_id", "user_profile_id").
		Values(chatID, userID).
		Suffix("ON CONFLICT (chat_id, user_profile_id) DO NOTHING")
}

func insertMessageQuery(msg models.ChatMessage) squirrel.InsertBuilder {
	return psql.Insert("chat_messages").
		Columns("id", "chat_id", "sender_id", "text", "attachment_url", "sent_utc").
		Values(msg.ID, msg.ChatID, msg.SenderID, msg.Text, msg.AttachmentUrl, msg.SentUtc).
		Suffix("ON CONFLICT (id) DO NOTHING")
}

// upsertUnreadQuery keeps the latest pending timestamp per (recipient, chat).
// An older message never overwrites a newer marker, which is what makes
// out-of-order redelivery safe.
func upsertUnreadQuery(unread models.UnreadMessage) squirrel.InsertBuilder {
	return psql.Insert("unread_messages").
		Columns("recipient_id", "chat_id", "sender_id", "message_sent_utc").
		Values(unread.RecipientID, unread.ChatID, unread.SenderID, unread.MessageSentUtc).
		Suffix("ON CONFLICT (recipient_id, chat_id) DO UPDATE SET " +
			"message_sent_utc = excluded.message_sent_utc, sender_id = excluded.sender_id " +
			"WHERE unread_messages.message_sent_utc < excluded.message_sent_utc")
}

func updateLastMessageSentQuery(chatID uuid.UUID, sentUtc time.Time) squirrel.UpdateBuilder {
	return psql.Update("chats").
		Set("last_message_sent_utc", squirrel.Expr("GREATEST(last_message_sent_utc, ?)", sentUtc)).
		Where(squirrel.Eq{"id": chatID})
}

func setChatNameQuery(chatID uuid.UUID, name string) squirrel.UpdateBuilder {
	return psql.Update("chats").
		Set("display_name", name).
		Where(squirrel.Eq{"id": chatID})
}

func chatsForUserQuery(userID string, skip, take int) squirrel.SelectBuilder {
	query := psql.Select(
		"chats.id", "chats.display_name", "chats.started_utc", "chats.last_message_sent_utc",
		"EXISTS(SELECT 1 FROM unread_messages WHERE unread_messages.chat_id = chats.id "+
			"AND unread_messages.recipient_id = user_chats.user_profile_id) AS has_unread").
		From("chats").
		Join("user_chats ON user_chats.chat_id = chats.id").
		Where(squirrel.Eq{"user_chats.user_profile_id": userID}).
		OrderBy("chats.last_message_sent_utc DESC").
		Offset(uint64(skip))
	if take > 0 {
		query = query.Limit(uint64(take))
	}
	return query
}

func messagesForChatQuery(chatID uuid.UUID, skip, take int) squirrel.SelectBuilder {
	query := psql.Select("id", "chat_id", "sender_id", "text", "attachment_url", "sent_utc").
		From("chat_messages").
		Where(squirrel.And{
			squirrel.Eq{"chat_id": chatID},
			squirrel.Eq{"is_deleted": false},
		}).
		OrderBy("sent_utc ASC").
		Offset(uint64(skip))
	if take > 0 {
		query = query.Limit(uint64(take))
	}
	return query
}

func deleteUnreadQuery(chatID uuid.UUID, userID string) squirrel.DeleteBuilder {
	return psql.Delete("unread_messages").
		Where(squirrel.And{
			squirrel.Eq{"chat_id": chatID},
			squirrel.Eq{"recipient_id": userID},
		})
}

// earlierMessageExistsQuery is the escalation dedupe check: does the chat
// already hold a message, sent before the triggering one, from someone other
// than the recipient? Evaluated against persisted rows so it holds across
// restarts.
func earlierMessageExistsQuery(chatID uuid.UUID, recipientID string, before time.Time, excludeID uuid.UUID) squirrel.SelectBuilder {
	return psql.Select("COUNT(*)").
		From("chat_messages").
		Where(squirrel.And{
			squirrel.Eq{"chat_id": chatID},
			squirrel.NotEq{"sender_id": recipientID},
			squirrel.NotEq{"id": excludeID},
			squirrel.Lt{"sent_utc": before},
		})
}

func participantsQuery(chatID uuid.UUID) squirrel.SelectBuilder {
	return psql.Select("user_profile_id").
		From("user_chats").
		Where(squirrel.Eq{"chat_id": chatID})
}

func participantSlimsQuery(chatID uuid.UUID) squirrel.SelectBuilder {
	return psql.Select("user_chats.user_profile_id", "COALESCE(users.display_name, '')").
		From("user_chats").
		LeftJoin("users ON users.id = user_chats.user_profile_id").
		Where(squirrel.Eq{"user_chats.chat_id": chatID})
}

func softDeleteMessageQuery(chatID, messageID uuid.UUID, senderID string) squirrel.UpdateBuilder {
	return psql.Update("chat_messages").
		Set("is_deleted", true).
		Where(squirrel.And{
			squirrel.Eq{"id": messageID},
			squirrel.Eq{"chat_id": chatID},
			squirrel.Eq{"sender_id": senderID},
		})
}

func notificationRecipientsQuery(userIDs []string) squirrel.SelectBuilder {
	return psql.Select("id", "email", "display_name", "chat_notification_preference").
		From("users").
		Where(squirrel.And{
			squirrel.Eq{"id": userIDs},
			squirrel.NotEq{"email": ""},
		})
}
