package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repositories return ErrNotFound (possibly wrapped) for missing rows.

type ConversationRepository interface {
	Create(ctx context.Context, c *Conversation) error
	GetByID(ctx context.Context, id uuid.UUID) (*Conversation, error)
	// ListByParticipant orders by last_message_at descending.
	ListByParticipant(ctx context.Context, userID string, limit, offset int) ([]*Conversation, error)
	// TouchLastMessage advances last_message_at to at unless it is already later.
	TouchLastMessage(ctx context.Context, id uuid.UUID, at time.Time) error
}

// RecentScope narrows the search window. Zero values mean unscoped.
type RecentScope struct {
	ConversationID *uuid.UUID
	ParticipantID  string
}

type MessageRepository interface {
	Create(ctx context.Context, m *Message) error
	// GetByID returns deleted messages too.
	GetByID(ctx context.Context, id uuid.UUID) (*Message, error)
	// ListVisible returns non-deleted messages newest first. limit <= 0 means all.
	ListVisible(ctx context.Context, conversationID uuid.UUID, limit int) ([]*Message, error)
	// Recent returns the newest non-deleted messages in scope.
	Recent(ctx context.Context, scope RecentScope, limit int) ([]*Message, error)
	// MarkDeleted soft-deletes a message that is not deleted yet and reports
	// whether a row changed.
	MarkDeleted(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	// MarkRead flips still-unread messages not sent by viewerID and returns
	// the number of rows changed.
	MarkRead(ctx context.Context, ids []uuid.UUID, viewerID string, at time.Time) (int, error)
	CountUnread(ctx context.Context, conversationID uuid.UUID, viewerID string) (int, error)
}

type NotificationRepository interface {
	CreateBatch(ctx context.Context, ns []*Notification) error
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*Notification, error)
}
