package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/messaging/internal/platform/websocket"
)

// CreateMessageNotifications writes one notification per participant other
// than the sender, all in one transaction, then pushes a websocket event to
// each recipient. Failures are logged and reported as zero notifications;
// they never surface to the sender.
func (s *Service) CreateMessageNotifications(ctx context.Context, conversationID uuid.UUID, senderID, content string) int {
	log := s.logger.With().Str("conversation_id", conversationID.String()).Str("sender_id", senderID).Logger()

	c, err := s.convs.GetByID(ctx, conversationID)
	if err != nil {
		log.Error().Err(err).Msg("fan-out: load conversation failed")
		s.metrics.FanoutFailed("load")
		return 0
	}

	recipients := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p != senderID {
			recipients = append(recipients, p)
		}
	}
	if len(recipients) == 0 {
		return 0
	}

	title := s.notificationTitle(ctx, senderID)
	preview := Preview(content)
	now := s.now()
	notes := make([]*Notification, len(recipients))
	for i, r := range recipients {
		notes[i] = &Notification{
			ID:              uuid.New(),
			UserID:          r,
			Title:           title,
			Message:         preview,
			Type:            NotificationTypeMessage,
			RelatedEntityID: conversationID,
			IsRead:          false,
			CreatedAt:       now,
			Priority:        PriorityNormal,
		}
	}

	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		return s.notes.CreateBatch(ctx, notes)
	})
	if err != nil {
		log.Error().Err(err).Int("recipients", len(notes)).Msg("fan-out: write notifications failed")
		s.metrics.FanoutFailed("write")
		return 0
	}
	s.metrics.NotificationsCreated(len(notes))

	for _, n := range notes {
		s.publishNotification(ctx, n)
	}
	return len(notes)
}

func (s *Service) notificationTitle(ctx context.Context, senderID string) string {
	if s.users == nil {
		return "New message"
	}
	u, err := s.users.GetUser(ctx, senderID)
	if err != nil || u.DisplayName == "" {
		if err != nil {
			s.logger.Warn().Err(err).Str("sender_id", senderID).Msg("fan-out: sender lookup failed")
		}
		return "New message"
	}
	return "New message from " + u.DisplayName
}

func (s *Service) publishNotification(ctx context.Context, n *Notification) {
	if s.events == nil {
		return
	}
	data, err := json.Marshal(n)
	if err != nil {
		return
	}
	err = s.events.Publish(ctx, websocket.Event{
		Type:         websocket.EventNotificationCreated,
		Topic:        websocket.UserTopic(n.UserID),
		ResourceType: "Notification",
		ResourceID:   n.ID.String(),
		Timestamp:    time.Now().UTC(),
		Data:         data,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", n.UserID).Msg("fan-out: publish notification failed")
		s.metrics.FanoutFailed("publish")
	}
}

// NotifyMessage runs the fan-out for a stored message. Deleted or missing
// messages produce nothing.
func (s *Service) NotifyMessage(ctx context.Context, messageID uuid.UUID) int {
	m, err := s.msgs.GetByID(ctx, messageID)
	if err != nil {
		s.logger.Error().Err(err).Str("message_id", messageID.String()).Msg("fan-out: load message failed")
		s.metrics.FanoutFailed("load")
		return 0
	}
	if m.IsDeleted {
		return 0
	}
	return s.CreateMessageNotifications(ctx, m.ConversationID, m.SenderID, m.Content)
}
