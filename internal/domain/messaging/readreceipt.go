package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/messaging/internal/platform/db"
	"github.com/ehr/messaging/internal/platform/telemetry"
)

// UnreadInbound returns the messages in msgs that viewerID did not send and
// has not read yet.
func UnreadInbound(msgs []*Message, viewerID string) []*Message {
	var out []*Message
	for _, m := range msgs {
		if m.SenderID != viewerID && !m.IsRead {
			out = append(out, m)
		}
	}
	return out
}

// ReadReceipts flips read state for a viewer. Used by the explicit API and by
// every live delivery pulse.
type ReadReceipts struct {
	msgs    MessageRepository
	tx      db.Transactor
	now     func() time.Time
	metrics *telemetry.Provider
}

func NewReadReceipts(msgs MessageRepository, tx db.Transactor, now func() time.Time, metrics *telemetry.Provider) *ReadReceipts {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &ReadReceipts{msgs: msgs, tx: tx, now: now, metrics: metrics}
}

// Mark sets is_read and read_at on the unread inbound messages in one
// transaction and returns how many rows changed. Nothing is written when no
// candidate remains, and rows already read keep their read_at.
func (r *ReadReceipts) Mark(ctx context.Context, viewerID string, msgs []*Message) (int, error) {
	unread := UnreadInbound(msgs, viewerID)
	if len(unread) == 0 {
		return 0, nil
	}
	ids := make([]uuid.UUID, len(unread))
	for i, m := range unread {
		ids[i] = m.ID
	}

	var n int
	err := r.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		n, err = r.msgs.MarkRead(ctx, ids, viewerID, r.now())
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("mark messages read: %w", err)
	}
	r.metrics.MessagesRead(n)
	return n, nil
}
