package messaging

import (
	"time"

	"github.com/google/uuid"
)

const (
	NotificationTypeMessage = "message"
	PriorityNormal          = "normal"

	// PreviewRunes is the notification preview length before the ellipsis.
	PreviewRunes = 50
	// SearchWindow is how many recent messages a search scans.
	SearchWindow = 50
)

// Attachment describes a file referenced by a message. Files are stored
// elsewhere; only the descriptor is persisted.
type Attachment struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// ConversationMetadata is written once at creation. ParticipantRoles is a
// snapshot of each participant's role at that time.
type ConversationMetadata struct {
	CreatedBy        string            `json:"created_by"`
	ParticipantRoles map[string]string `json:"participant_roles"`
}

type Conversation struct {
	ID                  uuid.UUID            `db:"id" json:"id"`
	Participants        []string             `db:"participants" json:"participants"`
	Title               *string              `db:"title" json:"title,omitempty"`
	IsGroupConversation bool                 `db:"is_group_conversation" json:"is_group_conversation"`
	LastMessageAt       time.Time            `db:"last_message_at" json:"last_message_at"`
	CreatedAt           time.Time            `db:"created_at" json:"created_at"`
	Metadata            ConversationMetadata `db:"metadata" json:"metadata"`
}

func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

type Message struct {
	ID             uuid.UUID    `db:"id" json:"id"`
	ConversationID uuid.UUID    `db:"conversation_id" json:"conversation_id"`
	SenderID       string       `db:"sender_id" json:"sender_id"`
	Content        string       `db:"content" json:"content"`
	Attachments    []Attachment `db:"attachments" json:"attachments"`
	CreatedAt      time.Time    `db:"created_at" json:"created_at"`
	IsRead         bool         `db:"is_read" json:"is_read"`
	ReadAt         *time.Time   `db:"read_at" json:"read_at,omitempty"`
	IsDeleted      bool         `db:"is_deleted" json:"is_deleted"`
	DeletedAt      *time.Time   `db:"deleted_at" json:"deleted_at,omitempty"`
}

type Notification struct {
	ID              uuid.UUID `db:"id" json:"id"`
	UserID          string    `db:"user_id" json:"user_id"`
	Title           string    `db:"title" json:"title"`
	Message         string    `db:"message" json:"message"`
	Type            string    `db:"type" json:"type"`
	RelatedEntityID uuid.UUID `db:"related_entity_id" json:"related_entity_id"`
	IsRead          bool      `db:"is_read" json:"is_read"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	Priority        string    `db:"priority" json:"priority"`
}

// Preview returns the first PreviewRunes runes of content, followed by an
// ellipsis when anything was cut.
func Preview(content string) string {
	r := []rune(content)
	if len(r) <= PreviewRunes {
		return content
	}
	return string(r[:PreviewRunes]) + "…"
}

// MessageChangeChannel is the NOTIFY channel raised by the message trigger in
// migrations/001_messaging.sql.
const MessageChangeChannel = "message_changes"

// ConversationTopic is the change-feed topic for a conversation's messages.
// It matches the payload of the MessageChangeChannel notification.
func ConversationTopic(id uuid.UUID) string {
	return id.String()
}
