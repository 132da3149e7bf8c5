package models

// ChatNotificationPreference controls whether a recipient gets an email when a
// chat message arrives while they are offline.
type ChatNotificationPreference string

const (
	PreferenceAlways           ChatNotificationPreference = "always"
	PreferenceFirstMessageOnly ChatNotificationPreference = "first_message_only"
	PreferenceNever            ChatNotificationPreference = "never"
)

// NotificationRecipient is the slice of a user the escalation path needs:
// where to send the email and whether the user wants one at all.
type NotificationRecipient struct {
	ID          string                     `db:"id"`
	Email       string                     `db:"email"`
	DisplayName string                     `db:"display_name"`
	Preference  ChatNotificationPreference `db:"chat_notification_preference"`
}

// SendEmail is handed to the email collaborator via the broker. It carries
// everything needed to render and send independently of chat state.
type SendEmail struct {
	ToEmail       string `json:"to_email"`
	ToDisplayName string `json:"to_display_name"`
	Subject       string `json:"subject"`
	SenderName    string `json:"sender_name"`
	ChatLink      string `json:"chat_link"`
	Preview       string `json:"preview,omitempty"`
}
