package messaging

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ehr/messaging/internal/platform/telemetry"
)

// SearchMessages scans the SearchWindow most recent visible messages, in one
// conversation or across userID's conversations, for a case-insensitive
// substring match. This is a bounded scan, not a full-text index.
func (s *Service) SearchMessages(ctx context.Context, userID, term string, conversationID *uuid.UUID) (out []*Message, err error) {
	ctx, span := s.metrics.StartSpan(ctx, "messaging.SearchMessages", attribute.Bool("scoped", conversationID != nil))
	defer func() { telemetry.EndSpan(span, err) }()

	needle := strings.ToLower(strings.TrimSpace(term))
	if needle == "" {
		return []*Message{}, nil
	}
	s.metrics.SearchExecuted()

	window, err := s.msgs.Recent(ctx, RecentScope{ConversationID: conversationID, ParticipantID: userID}, SearchWindow)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("search messages failed")
		return nil, storeError(ErrSearchMessages, err)
	}

	matches := make([]*Message, 0, len(window))
	for _, m := range window {
		if !m.IsDeleted && strings.Contains(strings.ToLower(m.Content), needle) {
			matches = append(matches, m)
		}
	}
	return s.filterMessagesByAccess(ctx, userID, matches), nil
}

// filterMessagesByAccess drops messages from conversations userID does not
// participate in. A conversation that cannot be loaded is treated as
// inaccessible.
func (s *Service) filterMessagesByAccess(ctx context.Context, userID string, msgs []*Message) []*Message {
	allowed := make(map[uuid.UUID]bool)
	out := msgs[:0]
	for _, m := range msgs {
		ok, seen := allowed[m.ConversationID]
		if !seen {
			c, err := s.convs.GetByID(ctx, m.ConversationID)
			if err != nil {
				s.logger.Warn().Err(err).Str("conversation_id", m.ConversationID.String()).Msg("search: access check failed")
			}
			ok = err == nil && c.HasParticipant(userID)
			allowed[m.ConversationID] = ok
		}
		if ok {
			out = append(out, m)
		}
	}
	return out
}
