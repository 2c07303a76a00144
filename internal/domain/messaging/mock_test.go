package messaging

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/messaging/internal/platform/changefeed"
	"github.com/ehr/messaging/internal/platform/directory"
	"github.com/ehr/messaging/internal/platform/websocket"
)

var errStore = errors.New("store unavailable")

// memStore backs all three repositories. Its transactor snapshots state and
// restores it when fn fails, and publishes conversation topics on the feed
// after each committed message change, like the Postgres trigger does.
type memStore struct {
	mu     sync.Mutex
	convs  map[uuid.UUID]Conversation
	msgs   map[uuid.UUID]Message
	notes  map[uuid.UUID]Notification
	fail   map[string]error
	writes map[string]int

	txMu sync.Mutex
	feed *changefeed.Feed
}

func newMemStore() *memStore {
	return &memStore{
		convs:  make(map[uuid.UUID]Conversation),
		msgs:   make(map[uuid.UUID]Message),
		notes:  make(map[uuid.UUID]Notification),
		fail:   make(map[string]error),
		writes: make(map[string]int),
	}
}

func (s *memStore) failOn(op string, err error) {
	s.mu.Lock()
	s.fail[op] = err
	s.mu.Unlock()
}

func (s *memStore) check(op string) error {
	if err := s.fail[op]; err != nil {
		return err
	}
	return nil
}

func (s *memStore) writeCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[op]
}

type txKey struct{}

func (s *memStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	convs, msgs, notes := cloneMap(s.convs), cloneMap(s.msgs), cloneMap(s.notes)
	s.mu.Unlock()

	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		s.mu.Lock()
		s.convs, s.msgs, s.notes = convs, msgs, notes
		s.mu.Unlock()
		return err
	}
	s.notifyChanged(msgs)
	return nil
}

// notifyChanged publishes every conversation whose messages differ from
// before.
func (s *memStore) notifyChanged(before map[uuid.UUID]Message) {
	if s.feed == nil {
		return
	}
	s.mu.Lock()
	topics := make(map[uuid.UUID]struct{})
	for id, m := range s.msgs {
		if old, ok := before[id]; !ok || !sameMessage(old, m) {
			topics[m.ConversationID] = struct{}{}
		}
	}
	s.mu.Unlock()
	for id := range topics {
		s.feed.Publish(ConversationTopic(id))
	}
}

func sameMessage(a, b Message) bool {
	return a.IsRead == b.IsRead && a.IsDeleted == b.IsDeleted && a.Content == b.Content
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// -- ConversationRepository --

type memConversations struct{ s *memStore }

func (r memConversations) Create(_ context.Context, c *Conversation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.check("conversation.create"); err != nil {
		return err
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	cp := *c
	cp.Participants = append([]string(nil), c.Participants...)
	r.s.convs[c.ID] = cp
	return nil
}

func (r memConversations) GetByID(_ context.Context, id uuid.UUID) (*Conversation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.check("conversation.get"); err != nil {
		return nil, err
	}
	c, ok := r.s.convs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (r memConversations) ListByParticipant(_ context.Context, userID string, limit, offset int) ([]*Conversation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.check("conversation.list"); err != nil {
		return nil, err
	}
	var out []*Conversation
	for _, c := range r.s.convs {
		c := c
		if c.HasParticipant(userID) {
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageAt.After(out[j].LastMessageAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memConversations) TouchLastMessage(_ context.Context, id uuid.UUID, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.check("conversation.touch"); err != nil {
		return err
	}
	c, ok := r.s.convs[id]
	if !ok {
		return ErrNotFound
	}
	if at.After(c.LastMessageAt) {
		c.LastMessageAt = at
	}
	r.s.convs[id] = c
	return nil
}

// -- MessageRepository --

type memMessages struct{ s *memStore }

func (r memMessages) Create(_ context.Context, m *Message) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.check("message.create"); err != nil {
		return err
	}
	r.s.writes["message.create"]++
	r.s.msgs[m.ID] = *m
	return nil
}

func (r memMessages) GetByID(_ context.Context, id uuid.UUID) (*Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.msgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &m, nil
}

func (r memMessages) sorted(keep func(Message) bool) []*Message {
	var out []*Message
	for _, m := range r.s.msgs {
		m := m
		if keep(m) {
			out = append(out, &m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() > out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (r memMessages) ListVisible(_ context.Context, conversationID uuid.UUID, limit int) ([]*Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.check("message.list"); err != nil {
		return nil, err
	}
	out := r.sorted(func(m Message) bool { return m.ConversationID == conversationID && !m.IsDeleted })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memMessages) Recent(_ context.Context, scope RecentScope, limit int) ([]*Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.check("message.recent"); err != nil {
		return nil, err
	}
	out := r.sorted(func(m Message) bool {
		if m.IsDeleted {
			return false
		}
		if scope.ConversationID != nil && m.ConversationID != *scope.ConversationID {
			return false
		}
		if scope.ParticipantID != "" {
			c := r.s.convs[m.ConversationID]
			return c.HasParticipant(scope.ParticipantID)
		}
		return true
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memMessages) MarkDeleted(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	r.s.mu.Lock()
	if err := r.s.check("message.delete"); err != nil {
		r.s.mu.Unlock()
		return false, err
	}
	m, ok := r.s.msgs[id]
	if !ok || m.IsDeleted {
		r.s.mu.Unlock()
		return false, nil
	}
	m.IsDeleted = true
	m.DeletedAt = &at
	r.s.msgs[id] = m
	r.s.mu.Unlock()

	if ctx.Value(txKey{}) == nil && r.s.feed != nil {
		r.s.feed.Publish(ConversationTopic(m.ConversationID))
	}
	return true, nil
}

func (r memMessages) MarkRead(_ context.Context, ids []uuid.UUID, viewerID string, at time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.check("message.read"); err != nil {
		return 0, err
	}
	r.s.writes["message.read"]++
	n := 0
	for _, id := range ids {
		m, ok := r.s.msgs[id]
		if !ok || m.IsRead || m.SenderID == viewerID {
			continue
		}
		m.IsRead = true
		m.ReadAt = &at
		r.s.msgs[id] = m
		n++
	}
	return n, nil
}

func (r memMessages) CountUnread(_ context.Context, conversationID uuid.UUID, viewerID string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, m := range r.s.msgs {
		if m.ConversationID == conversationID && m.SenderID != viewerID && !m.IsRead && !m.IsDeleted {
			n++
		}
	}
	return n, nil
}

// -- NotificationRepository --

type memNotifications struct{ s *memStore }

func (r memNotifications) CreateBatch(_ context.Context, ns []*Notification) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for i, n := range ns {
		if err := r.s.check("notification.create"); err != nil && i == len(ns)-1 {
			return err
		}
		r.s.notes[n.ID] = *n
	}
	return nil
}

func (r memNotifications) ListByUser(_ context.Context, userID string, limit, offset int) ([]*Notification, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*Notification
	for _, n := range r.s.notes {
		n := n
		if n.UserID == userID {
			out = append(out, &n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) notificationsFor(userID string) []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Notification
	for _, n := range s.notes {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}

func (s *memStore) message(id uuid.UUID) Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msgs[id]
}

func (s *memStore) conversation(id uuid.UUID) Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convs[id]
}

// -- collaborators --

type mapDirectory map[string]*directory.User

func (d mapDirectory) GetUser(_ context.Context, id string) (*directory.User, error) {
	u, ok := d[id]
	if !ok {
		return nil, directory.ErrUserNotFound
	}
	return u, nil
}

type auditCall struct {
	Actor   string
	Action  string
	Success bool
}

type recordingAudit struct {
	mu    sync.Mutex
	calls []auditCall
	err   error
}

func (a *recordingAudit) LogEvent(_ context.Context, actorID, action, _ string, success bool, _ map[string]string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, auditCall{Actor: actorID, Action: action, Success: success})
	return a.err
}

func (a *recordingAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, c := range a.calls {
		out = append(out, c.Action)
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e websocket.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.Topic)
	}
	sort.Strings(out)
	return out
}

type trimSanitizerStub struct{}

func (trimSanitizerStub) Sanitize(text string) string { return strings.TrimSpace(text) }

// clock hands out strictly increasing timestamps.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type fixture struct {
	store  *memStore
	svc    *Service
	audit  *recordingAudit
	events *recordingPublisher
	feed   *changefeed.Feed
}

func newFixture() *fixture {
	store := newMemStore()
	feed := changefeed.NewFeed()
	store.feed = feed
	audit := &recordingAudit{}
	events := &recordingPublisher{}
	clk := newClock()
	svc := NewService(Deps{
		Conversations: memConversations{store},
		Messages:      memMessages{store},
		Notifications: memNotifications{store},
		Tx:            store,
		Directory: mapDirectory{
			"alice": {ID: "alice", Role: directory.RolePatient, DisplayName: "Alice"},
			"bob":   {ID: "bob", Role: directory.RoleDoctor, DisplayName: "Dr. Bob"},
			"carol": {ID: "carol", Role: directory.RoleAdmin, DisplayName: "Carol"},
		},
		Sanitizer: trimSanitizerStub{},
		Audit:     audit,
		Events:    events,
		Now:       clk.Now,
	})
	return &fixture{store: store, svc: svc, audit: audit, events: events, feed: feed}
}
