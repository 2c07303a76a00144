package messaging

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/messaging/internal/platform/changefeed"
	"github.com/ehr/messaging/internal/platform/telemetry"
	"github.com/ehr/messaging/internal/platform/websocket"
)

// SubscribeOptions bounds the delivered snapshot. Limit <= 0 delivers every
// visible message.
type SubscribeOptions struct {
	Limit int
}

// SubscriptionState is the lifecycle of a Subscription.
type SubscriptionState int

const (
	StateIdle SubscriptionState = iota
	StateSubscribed
	StateDelivering
	StateUnsubscribed
)

func (s SubscriptionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribed:
		return "subscribed"
	case StateDelivering:
		return "delivering"
	case StateUnsubscribed:
		return "unsubscribed"
	}
	return "unknown"
}

// SubscriptionRegistry tracks live subscriptions so the hosting process can
// close them on shutdown.
type SubscriptionRegistry struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{subs: make(map[*Subscription]struct{})}
}

func (r *SubscriptionRegistry) add(s *Subscription) {
	r.mu.Lock()
	r.subs[s] = struct{}{}
	r.mu.Unlock()
}

func (r *SubscriptionRegistry) remove(s *Subscription) {
	r.mu.Lock()
	delete(r.subs, s)
	r.mu.Unlock()
}

func (r *SubscriptionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// CloseAll unsubscribes everything and waits for in-flight pulses to end.
func (r *SubscriptionRegistry) CloseAll() {
	r.mu.Lock()
	subs := make([]*Subscription, 0, len(r.subs))
	for s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	for _, s := range subs {
		<-s.Done()
	}
}

// DeliveryService streams a conversation's visible messages to subscribers
// and re-delivers the full snapshot on every change.
type DeliveryService struct {
	svc      *Service
	feed     *changefeed.Feed
	registry *SubscriptionRegistry
	logger   zerolog.Logger
	metrics  *telemetry.Provider

	// beforeCallback runs after the state check and before the callback.
	// Tests use it to hold a pulse inside that window.
	beforeCallback func()
}

func NewDeliveryService(svc *Service, feed *changefeed.Feed, registry *SubscriptionRegistry, logger zerolog.Logger, metrics *telemetry.Provider) *DeliveryService {
	if registry == nil {
		registry = NewSubscriptionRegistry()
	}
	return &DeliveryService{
		svc:      svc,
		feed:     feed,
		registry: registry,
		logger:   logger.With().Str("component", "delivery").Logger(),
		metrics:  metrics,
	}
}

func (d *DeliveryService) Registry() *SubscriptionRegistry {
	return d.registry
}

// Subscription is a live watch on one conversation. Callbacks for one
// subscription never run concurrently.
type Subscription struct {
	ConversationID uuid.UUID
	UserID         string

	d       *DeliveryService
	limit   int
	deliver func([]*Message) bool
	watcher *changefeed.Watcher
	cancel  context.CancelFunc

	mu    sync.Mutex
	state SubscriptionState

	// deliverMu is held from the state check through the callback.
	deliverMu  sync.Mutex
	inCallback atomic.Bool

	once sync.Once
	done chan struct{}
}

// Subscribe checks that userID participates in the conversation, delivers
// the current snapshot and then one snapshot per change. Inbound unread
// messages in each snapshot are marked read after delivery.
func (d *DeliveryService) Subscribe(ctx context.Context, conversationID uuid.UUID, userID string, onUpdate func([]*Message), opts SubscribeOptions) (*Subscription, error) {
	if onUpdate == nil {
		return nil, newError(ErrValidation, "onUpdate callback is required")
	}
	return d.subscribe(ctx, conversationID, userID, func(msgs []*Message) bool {
		onUpdate(msgs)
		return true
	}, opts)
}

// subscribe is Subscribe with a callback that reports whether the snapshot
// reached the viewer. Snapshots reported as not delivered are not marked
// read.
func (d *DeliveryService) subscribe(ctx context.Context, conversationID uuid.UUID, userID string, deliver func([]*Message) bool, opts SubscribeOptions) (*Subscription, error) {
	if _, err := d.svc.GetConversation(ctx, conversationID, userID); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Subscription{
		ConversationID: conversationID,
		UserID:         userID,
		d:              d,
		limit:          opts.Limit,
		deliver:        deliver,
		watcher:        d.feed.Watch(ConversationTopic(conversationID)),
		cancel:         cancel,
		state:          StateSubscribed,
		done:           make(chan struct{}),
	}
	d.registry.add(s)
	d.metrics.SubscriptionOpened()

	go s.run(runCtx)
	return s, nil
}

// SubscribeConversation adapts Subscribe for websocket connections.
func (d *DeliveryService) SubscribeConversation(ctx context.Context, conversationID, userID string, limit int, deliver func(json.RawMessage) bool) (websocket.Releaser, error) {
	id, err := uuid.Parse(conversationID)
	if err != nil {
		return nil, newError(ErrValidation, "invalid conversation id")
	}
	sub, err := d.subscribe(ctx, id, userID, func(msgs []*Message) bool {
		payload, err := json.Marshal(msgs)
		if err != nil {
			d.logger.Error().Err(err).Msg("encode snapshot failed")
			return false
		}
		return deliver(payload)
	}, SubscribeOptions{Limit: limit})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)

	s.pulse(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.watcher.C():
			s.pulse(ctx)
		}
	}
}

// pulse recomputes the snapshot, delivers it and marks inbound messages
// read. Change signals that arrive meanwhile coalesce into one more pulse.
func (s *Subscription) pulse(ctx context.Context) {
	if !s.transition(StateSubscribed, StateDelivering) {
		return
	}
	defer s.transition(StateDelivering, StateSubscribed)

	msgs, err := s.d.svc.visibleMessages(ctx, s.ConversationID, s.limit)
	if err != nil {
		if ctx.Err() == nil {
			s.d.logger.Error().Err(err).Str("conversation_id", s.ConversationID.String()).Msg("delivery pulse failed")
			s.d.metrics.DeliveryPulse(false)
		}
		return
	}
	ran, delivered := s.invoke(msgs)
	if !ran {
		return
	}
	if !delivered {
		s.d.logger.Debug().Str("conversation_id", s.ConversationID.String()).Str("user_id", s.UserID).Msg("snapshot not delivered, read state unchanged")
		s.d.metrics.DeliveryPulse(false)
		return
	}
	s.d.metrics.DeliveryPulse(true)

	if _, err := s.d.svc.receipts.Mark(ctx, s.UserID, msgs); err != nil && ctx.Err() == nil {
		s.d.logger.Warn().Err(err).Str("conversation_id", s.ConversationID.String()).Msg("delivery: mark read failed")
	}
}

// invoke runs the callback unless the subscription was closed. ran is false
// when the callback was skipped.
func (s *Subscription) invoke(msgs []*Message) (ran, delivered bool) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.State() != StateDelivering {
		return false, false
	}
	if s.d.beforeCallback != nil {
		s.d.beforeCallback()
	}
	s.inCallback.Store(true)
	defer s.inCallback.Store(false)
	return true, s.deliver(msgs)
}

func (s *Subscription) transition(from, to SubscriptionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}

func (s *Subscription) State() SubscriptionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Unsubscribe detaches the watch and stops further pulses. No callback starts
// after it returns. A callback that is already running is allowed to finish,
// which is what makes calling Unsubscribe from inside the callback safe.
// Safe to call repeatedly.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.mu.Lock()
		s.state = StateUnsubscribed
		s.mu.Unlock()

		s.cancel()
		s.watcher.Close()
		s.d.registry.remove(s)
		s.d.metrics.SubscriptionClosed()
	})

	// Wait out a pulse that passed the state check but has not called back yet.
	if !s.inCallback.Load() {
		s.deliverMu.Lock()
		s.deliverMu.Unlock()
	}
}

// Done is closed once the delivery goroutine has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}
