package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ehr/messaging/internal/platform/db"
	"github.com/ehr/messaging/internal/platform/directory"
	"github.com/ehr/messaging/internal/platform/telemetry"
	"github.com/ehr/messaging/internal/platform/websocket"
	"github.com/ehr/messaging/pkg/pagination"
)

// Sanitizer cleans message content before it is stored.
type Sanitizer interface {
	Sanitize(text string) string
}

// AuditLogger records security-relevant actions. Failures never roll back the
// operation being audited.
type AuditLogger interface {
	LogEvent(ctx context.Context, actorID, action, resourceType string, success bool, details map[string]string) error
}

// ConversationFilter decides which of a user's conversations the user may
// see in listings.
type ConversationFilter func(ctx context.Context, userID, role string, convs []*Conversation) []*Conversation

// ParticipantConversationFilter keeps only conversations that list userID as
// a participant, whatever the role.
func ParticipantConversationFilter(_ context.Context, userID, _ string, convs []*Conversation) []*Conversation {
	out := convs[:0:0]
	for _, c := range convs {
		if c.HasParticipant(userID) {
			out = append(out, c)
		}
	}
	return out
}

// Deps wires a Service. Directory, Audit, Events and Metrics may be nil.
type Deps struct {
	Conversations ConversationRepository
	Messages      MessageRepository
	Notifications NotificationRepository
	Tx            db.Transactor
	Directory     directory.Directory
	Sanitizer     Sanitizer
	Audit         AuditLogger
	Events        websocket.EventPublisher
	Filter        ConversationFilter
	Logger        zerolog.Logger
	Metrics       *telemetry.Provider
	Now           func() time.Time
}

type Service struct {
	convs     ConversationRepository
	msgs      MessageRepository
	notes     NotificationRepository
	tx        db.Transactor
	users     directory.Directory
	sanitizer Sanitizer
	audit     AuditLogger
	events    websocket.EventPublisher
	filter    ConversationFilter
	receipts  *ReadReceipts
	logger    zerolog.Logger
	metrics   *telemetry.Provider
	now       func() time.Time
}

func NewService(d Deps) *Service {
	if d.Filter == nil {
		d.Filter = ParticipantConversationFilter
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	if d.Sanitizer == nil {
		d.Sanitizer = trimSanitizer{}
	}
	s := &Service{
		convs:     d.Conversations,
		msgs:      d.Messages,
		notes:     d.Notifications,
		tx:        d.Tx,
		users:     d.Directory,
		sanitizer: d.Sanitizer,
		audit:     d.Audit,
		events:    d.Events,
		filter:    d.Filter,
		logger:    d.Logger.With().Str("component", "messaging").Logger(),
		metrics:   d.Metrics,
		now:       d.Now,
	}
	s.receipts = NewReadReceipts(d.Messages, d.Tx, d.Now, d.Metrics)
	return s
}

type trimSanitizer struct{}

func (trimSanitizer) Sanitize(text string) string { return strings.TrimSpace(text) }

// -- Conversation Manager --

type CreateConversationInput struct {
	Participants        []string `json:"participants"`
	InitiatedBy         string   `json:"initiated_by"`
	Title               *string  `json:"title,omitempty"`
	IsGroupConversation bool     `json:"is_group_conversation"`
}

func (s *Service) CreateConversation(ctx context.Context, in CreateConversationInput) (id uuid.UUID, err error) {
	ctx, span := s.metrics.StartSpan(ctx, "messaging.CreateConversation",
		attribute.String("initiated_by", in.InitiatedBy))
	defer func() { telemetry.EndSpan(span, err) }()

	if in.InitiatedBy == "" {
		return uuid.Nil, newError(ErrValidation, "initiated_by is required")
	}
	participants := dedupe(in.Participants)
	if !contains(participants, in.InitiatedBy) {
		return uuid.Nil, newError(ErrValidation, "participants must include the initiating user")
	}
	if len(participants) < 2 {
		s.logger.Warn().Str("initiated_by", in.InitiatedBy).Int("participants", len(participants)).
			Msg("conversation created with fewer than two participants")
	}

	now := s.now()
	c := &Conversation{
		ID:                  uuid.New(),
		Participants:        participants,
		Title:               in.Title,
		IsGroupConversation: in.IsGroupConversation,
		CreatedAt:           now,
		LastMessageAt:       now,
		Metadata: ConversationMetadata{
			CreatedBy:        in.InitiatedBy,
			ParticipantRoles: s.resolveRoles(ctx, participants),
		},
	}

	if err := s.convs.Create(ctx, c); err != nil {
		s.logger.Error().Err(err).Str("initiated_by", in.InitiatedBy).Msg("create conversation failed")
		s.logAudit(ctx, in.InitiatedBy, "conversation.create", "Conversation", false, nil)
		return uuid.Nil, storeError(ErrCreateConversation, err)
	}

	s.metrics.ConversationCreated()
	s.logAudit(ctx, in.InitiatedBy, "conversation.create", "Conversation", true, map[string]string{
		"resource_id":  c.ID.String(),
		"participants": strings.Join(participants, ","),
	})
	return c.ID, nil
}

// resolveRoles looks every participant up in the directory. Failed lookups
// are logged and left out.
func (s *Service) resolveRoles(ctx context.Context, participants []string) map[string]string {
	roles := make(map[string]string, len(participants))
	if s.users == nil {
		return roles
	}
	for _, p := range participants {
		u, err := s.users.GetUser(ctx, p)
		if err != nil {
			s.logger.Warn().Err(err).Str("participant", p).Msg("participant role lookup failed")
			continue
		}
		roles[p] = u.Role
	}
	return roles
}

// GetUserConversations lists userID's conversations, most recently active
// first, and reports whether another page exists.
func (s *Service) GetUserConversations(ctx context.Context, userID, role string, p pagination.Params) ([]*Conversation, bool, error) {
	if userID == "" {
		return nil, false, newError(ErrValidation, "user id is required")
	}
	p = p.Normalize()
	rows, err := s.convs.ListByParticipant(ctx, userID, p.FetchLimit(), p.Offset)
	if err != nil {
		return nil, false, fmt.Errorf("list conversations: %w", err)
	}
	rows, hasMore := pagination.Trim(rows, p)
	return s.filter(ctx, userID, role, rows), hasMore, nil
}

// GetConversation returns the conversation if userID participates in it.
func (s *Service) GetConversation(ctx context.Context, id uuid.UUID, userID string) (*Conversation, error) {
	c, err := s.convs.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, newError(ErrNotFound, "conversation not found")
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if !c.HasParticipant(userID) {
		return nil, newError(ErrForbidden, "not a participant of this conversation")
	}
	return c, nil
}

// CurrentParticipantRoles resolves participants' roles as they are now. The
// snapshot stored at creation is left untouched.
func (s *Service) CurrentParticipantRoles(ctx context.Context, id uuid.UUID, userID string) (map[string]string, error) {
	c, err := s.GetConversation(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	return s.resolveRoles(ctx, c.Participants), nil
}

// -- Message Pipeline --

type SendMessageInput struct {
	ConversationID uuid.UUID    `json:"conversation_id"`
	SenderID       string       `json:"sender_id"`
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// SendMessage stores a message and bumps the conversation's last activity in
// one transaction. Notifications are not sent here.
func (s *Service) SendMessage(ctx context.Context, in SendMessageInput) (id uuid.UUID, err error) {
	ctx, span := s.metrics.StartSpan(ctx, "messaging.SendMessage",
		attribute.String("conversation_id", in.ConversationID.String()))
	defer func() { telemetry.EndSpan(span, err) }()

	if in.SenderID == "" {
		return uuid.Nil, newError(ErrValidation, "sender_id is required")
	}
	for i, a := range in.Attachments {
		if a.URL == "" {
			return uuid.Nil, newError(ErrValidation, "attachment %d: url is required", i)
		}
	}
	content := s.sanitizer.Sanitize(in.Content)
	if content == "" && len(in.Attachments) == 0 {
		return uuid.Nil, newError(ErrValidation, "message content is required")
	}

	if _, err := s.GetConversation(ctx, in.ConversationID, in.SenderID); err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden) {
			return uuid.Nil, err
		}
		return uuid.Nil, storeError(ErrSendMessage, err)
	}

	m := &Message{
		ID:             uuid.New(),
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        content,
		Attachments:    in.Attachments,
		CreatedAt:      s.now(),
	}
	if m.Attachments == nil {
		m.Attachments = []Attachment{}
	}

	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.msgs.Create(ctx, m); err != nil {
			return err
		}
		return s.convs.TouchLastMessage(ctx, m.ConversationID, m.CreatedAt)
	})
	if err != nil {
		s.logger.Error().Err(err).Str("conversation_id", in.ConversationID.String()).Msg("send message failed")
		s.logAudit(ctx, in.SenderID, "message.send", "Message", false, map[string]string{
			"conversation_id": in.ConversationID.String(),
		})
		return uuid.Nil, storeError(ErrSendMessage, err)
	}

	s.metrics.MessageSent()
	s.logAudit(ctx, in.SenderID, "message.send", "Message", true, map[string]string{
		"resource_id":     m.ID.String(),
		"conversation_id": m.ConversationID.String(),
	})
	return m.ID, nil
}

// GetMessage fetches one message by id, deleted or not, for a participant of
// its conversation.
func (s *Service) GetMessage(ctx context.Context, id uuid.UUID, userID string) (*Message, error) {
	m, err := s.msgs.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, newError(ErrNotFound, "message not found")
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	if _, err := s.GetConversation(ctx, m.ConversationID, userID); err != nil {
		return nil, err
	}
	return m, nil
}

// DeleteMessage soft-deletes a message. Only its sender may do so.
func (s *Service) DeleteMessage(ctx context.Context, messageID uuid.UUID, userID string) (err error) {
	ctx, span := s.metrics.StartSpan(ctx, "messaging.DeleteMessage",
		attribute.String("message_id", messageID.String()))
	defer func() { telemetry.EndSpan(span, err) }()

	m, err := s.msgs.GetByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return newError(ErrNotFound, "message not found")
		}
		return fmt.Errorf("get message: %w", err)
	}
	details := map[string]string{
		"resource_id":     m.ID.String(),
		"conversation_id": m.ConversationID.String(),
	}
	if m.SenderID != userID {
		s.logAudit(ctx, userID, "message.delete", "Message", false, details)
		return newError(ErrForbidden, "Unauthorized to delete this message")
	}
	if m.IsDeleted {
		return nil
	}

	changed, err := s.msgs.MarkDeleted(ctx, m.ID, s.now())
	if err != nil {
		s.logger.Error().Err(err).Str("message_id", m.ID.String()).Msg("delete message failed")
		return fmt.Errorf("delete message: %w", err)
	}
	if changed {
		s.metrics.MessageDeleted()
	}
	s.logAudit(ctx, userID, "message.delete", "Message", true, details)
	return nil
}

// ListMessages returns the visible messages of a conversation oldest first,
// the same set a live subscription would deliver.
func (s *Service) ListMessages(ctx context.Context, conversationID uuid.UUID, userID string, limit int) ([]*Message, error) {
	if _, err := s.GetConversation(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	msgs, err := s.visibleMessages(ctx, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

// visibleMessages reads the newest limit non-deleted messages and returns
// them in ascending order.
func (s *Service) visibleMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]*Message, error) {
	msgs, err := s.msgs.ListVisible(ctx, conversationID, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	if msgs == nil {
		msgs = []*Message{}
	}
	return msgs, nil
}

// MarkMessagesAsRead marks the inbound unread messages among messages as
// read by userID, who must participate in the conversation. Messages from
// other conversations are ignored.
func (s *Service) MarkMessagesAsRead(ctx context.Context, conversationID uuid.UUID, userID string, messages []*Message) (int, error) {
	if _, err := s.GetConversation(ctx, conversationID, userID); err != nil {
		return 0, err
	}
	return s.markScoped(ctx, conversationID, userID, messages)
}

func (s *Service) markScoped(ctx context.Context, conversationID uuid.UUID, userID string, messages []*Message) (int, error) {
	scoped := make([]*Message, 0, len(messages))
	for _, m := range messages {
		if m != nil && m.ConversationID == conversationID {
			scoped = append(scoped, m)
		}
	}
	return s.receipts.Mark(ctx, userID, scoped)
}

// MarkConversationRead marks userID's inbound messages in a conversation as
// read. With ids, only those messages are considered.
func (s *Service) MarkConversationRead(ctx context.Context, conversationID uuid.UUID, userID string, ids []uuid.UUID) (int, error) {
	if _, err := s.GetConversation(ctx, conversationID, userID); err != nil {
		return 0, err
	}
	msgs, err := s.msgs.ListVisible(ctx, conversationID, 0)
	if err != nil {
		return 0, fmt.Errorf("list messages: %w", err)
	}
	if len(ids) > 0 {
		wanted := make(map[uuid.UUID]struct{}, len(ids))
		for _, id := range ids {
			wanted[id] = struct{}{}
		}
		filtered := msgs[:0]
		for _, m := range msgs {
			if _, ok := wanted[m.ID]; ok {
				filtered = append(filtered, m)
			}
		}
		msgs = filtered
	}
	return s.markScoped(ctx, conversationID, userID, msgs)
}

func (s *Service) UnreadCount(ctx context.Context, conversationID uuid.UUID, userID string) (int, error) {
	if _, err := s.GetConversation(ctx, conversationID, userID); err != nil {
		return 0, err
	}
	n, err := s.msgs.CountUnread(ctx, conversationID, userID)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

func (s *Service) ListNotifications(ctx context.Context, userID string, p pagination.Params) ([]*Notification, bool, error) {
	p = p.Normalize()
	rows, err := s.notes.ListByUser(ctx, userID, p.FetchLimit(), p.Offset)
	if err != nil {
		return nil, false, fmt.Errorf("list notifications: %w", err)
	}
	rows, hasMore := pagination.Trim(rows, p)
	return rows, hasMore, nil
}

func (s *Service) logAudit(ctx context.Context, actorID, action, resourceType string, success bool, details map[string]string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.LogEvent(ctx, actorID, action, resourceType, success, details); err != nil {
		s.logger.Warn().Err(err).Str("action", action).Str("actor_id", actorID).Msg("audit log failed")
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
