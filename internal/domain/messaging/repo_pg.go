package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/messaging/internal/platform/db"
)

// =========== Conversation Repository ===========

type conversationRepoPG struct{ pool *pgxpool.Pool }

func NewConversationRepoPG(pool *pgxpool.Pool) ConversationRepository {
	return &conversationRepoPG{pool: pool}
}

const conversationCols = `id, participants, title, is_group_conversation, last_message_at, created_at, metadata`

func (r *conversationRepoPG) scanConversation(row pgx.Row) (*Conversation, error) {
	var c Conversation
	var meta []byte
	if err := row.Scan(&c.ID, &c.Participants, &c.Title, &c.IsGroupConversation,
		&c.LastMessageAt, &c.CreatedAt, &meta); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &c.Metadata); err != nil {
			return nil, fmt.Errorf("decode conversation metadata: %w", err)
		}
	}
	return &c, nil
}

func (r *conversationRepoPG) Create(ctx context.Context, c *Conversation) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	meta, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("encode conversation metadata: %w", err)
	}
	_, err = db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO conversation (id, participants, title, is_group_conversation,
			last_message_at, created_at, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		c.ID, c.Participants, c.Title, c.IsGroupConversation,
		c.LastMessageAt, c.CreatedAt, meta)
	return err
}

func (r *conversationRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	return r.scanConversation(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+conversationCols+` FROM conversation WHERE id = $1`, id))
}

func (r *conversationRepoPG) ListByParticipant(ctx context.Context, userID string, limit, offset int) ([]*Conversation, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+conversationCols+` FROM conversation
		WHERE $1 = ANY(participants)
		ORDER BY last_message_at DESC, id
		LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Conversation
	for rows.Next() {
		c, err := r.scanConversation(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func (r *conversationRepoPG) TouchLastMessage(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE conversation SET last_message_at = GREATEST(last_message_at, $2)
		WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// =========== Message Repository ===========

type messageRepoPG struct{ pool *pgxpool.Pool }

func NewMessageRepoPG(pool *pgxpool.Pool) MessageRepository {
	return &messageRepoPG{pool: pool}
}

const messageCols = `id, conversation_id, sender_id, content, attachments, created_at,
	is_read, read_at, is_deleted, deleted_at`

func (r *messageRepoPG) scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	var attachments []byte
	if err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &attachments,
		&m.CreatedAt, &m.IsRead, &m.ReadAt, &m.IsDeleted, &m.DeletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	m.Attachments = []Attachment{}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
			return nil, fmt.Errorf("decode message attachments: %w", err)
		}
	}
	return &m, nil
}

func (r *messageRepoPG) scanMessages(rows pgx.Rows) ([]*Message, error) {
	defer rows.Close()
	var items []*Message
	for rows.Next() {
		m, err := r.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func (r *messageRepoPG) Create(ctx context.Context, m *Message) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Attachments == nil {
		m.Attachments = []Attachment{}
	}
	attachments, err := json.Marshal(m.Attachments)
	if err != nil {
		return fmt.Errorf("encode message attachments: %w", err)
	}
	_, err = db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO message (id, conversation_id, sender_id, content, attachments, created_at,
			is_read, is_deleted)
		VALUES ($1,$2,$3,$4,$5,$6,false,false)`,
		m.ID, m.ConversationID, m.SenderID, m.Content, attachments, m.CreatedAt)
	return err
}

func (r *messageRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Message, error) {
	return r.scanMessage(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+messageCols+` FROM message WHERE id = $1`, id))
}

func (r *messageRepoPG) ListVisible(ctx context.Context, conversationID uuid.UUID, limit int) ([]*Message, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+messageCols+` FROM message
		WHERE conversation_id = $1 AND NOT is_deleted
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, conversationID, lim)
	if err != nil {
		return nil, err
	}
	return r.scanMessages(rows)
}

func (r *messageRepoPG) Recent(ctx context.Context, scope RecentScope, limit int) ([]*Message, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+messageCols+` FROM message m
		WHERE NOT m.is_deleted
		  AND ($1::uuid IS NULL OR m.conversation_id = $1)
		  AND ($2 = '' OR EXISTS (
			SELECT 1 FROM conversation c
			WHERE c.id = m.conversation_id AND $2 = ANY(c.participants)))
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $3`, scope.ConversationID, scope.ParticipantID, limit)
	if err != nil {
		return nil, err
	}
	return r.scanMessages(rows)
}

func (r *messageRepoPG) MarkDeleted(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE message SET is_deleted = true, deleted_at = $2
		WHERE id = $1 AND NOT is_deleted`, id, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *messageRepoPG) MarkRead(ctx context.Context, ids []uuid.UUID, viewerID string, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE message SET is_read = true, read_at = $3
		WHERE id = ANY($1) AND sender_id <> $2 AND NOT is_read`,
		ids, viewerID, at)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *messageRepoPG) CountUnread(ctx context.Context, conversationID uuid.UUID, viewerID string) (int, error) {
	var n int
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT COUNT(*) FROM message
		WHERE conversation_id = $1 AND sender_id <> $2 AND NOT is_read AND NOT is_deleted`,
		conversationID, viewerID).Scan(&n)
	return n, err
}

// =========== Notification Repository ===========

type notificationRepoPG struct{ pool *pgxpool.Pool }

func NewNotificationRepoPG(pool *pgxpool.Pool) NotificationRepository {
	return &notificationRepoPG{pool: pool}
}

const notificationCols = `id, user_id, title, message, type, related_entity_id, is_read, created_at, priority`

// CreateBatch inserts every row through the same connection. Callers wrap it
// in a transaction for all-or-nothing semantics.
func (r *notificationRepoPG) CreateBatch(ctx context.Context, ns []*Notification) error {
	q := db.Conn(ctx, r.pool)
	for _, n := range ns {
		if n.ID == uuid.Nil {
			n.ID = uuid.New()
		}
		if _, err := q.Exec(ctx, `
			INSERT INTO notification (id, user_id, title, message, type, related_entity_id,
				is_read, created_at, priority)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			n.ID, n.UserID, n.Title, n.Message, n.Type, n.RelatedEntityID,
			n.IsRead, n.CreatedAt, n.Priority); err != nil {
			return fmt.Errorf("insert notification for %s: %w", n.UserID, err)
		}
	}
	return nil
}

func (r *notificationRepoPG) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*Notification, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+notificationCols+` FROM notification
		WHERE user_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Message, &n.Type, &n.RelatedEntityID,
			&n.IsRead, &n.CreatedAt, &n.Priority); err != nil {
			return nil, err
		}
		items = append(items, &n)
	}
	return items, rows.Err()
}
