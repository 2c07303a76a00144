// Package websocket carries server-to-client events over WebSockets. The Hub
// fans events out by topic; every connection is registered on its owner's
// user topic so notifications reach all of a user's open tabs.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event types pushed to clients.
const (
	EventMessagesSnapshot    = "messages.snapshot"
	EventNotificationCreated = "notification.created"
	EventSubscribed          = "subscribed"
	EventUnsubscribed        = "unsubscribed"
	EventError               = "error"
)

// Event is one server-to-client frame.
type Event struct {
	Type         string          `json:"type"`
	Topic        string          `json:"topic"`
	ResourceType string          `json:"resourceType,omitempty"`
	ResourceID   string          `json:"resourceId,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is one client-to-server frame. Limit bounds the snapshot size
// of conversation subscriptions; zero means unbounded.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
	Limit  int      `json:"limit,omitempty"`
}

// EventPublisher is implemented by Hub.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// UserTopic is the per-user topic every connection joins.
func UserTopic(userID string) string {
	return "user/" + userID
}

// Client is one connection. Send is buffered; events are dropped for a
// client whose buffer is full.
type Client struct {
	ID     string
	UserID string
	Topics []string
	Send   chan []byte

	mu   sync.Mutex
	subs map[string]Releaser
}

func NewClient(id, userID string, buffer int) *Client {
	return &Client{
		ID:     id,
		UserID: userID,
		Topics: []string{UserTopic(userID)},
		Send:   make(chan []byte, buffer),
		subs:   make(map[string]Releaser),
	}
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	all     map[*Client]struct{}
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client and its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		h.addLocked(topic, client)
	}
}

func (h *Hub) addLocked(topic string, client *Client) {
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*Client]struct{})
	}
	h.clients[topic][client] = struct{}{}
}

// Unregister removes the client from every topic and closes Send. Safe to
// call more than once.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		if subscribers, ok := h.clients[topic]; ok {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.clients, topic)
			}
		}
	}
	delete(h.all, client)
	close(client.Send)
}

// Broadcast sends event to every client on topic.
func (h *Hub) Broadcast(topic string, event Event) {
	if event.Topic == "" {
		event.Topic = topic
	}
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("topic", topic).Msg("websocket: failed to marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[topic] {
		select {
		case client.Send <- data:
		default:
			h.logger.Warn().Str("client_id", client.ID).Str("topic", topic).Msg("websocket: client buffer full, dropping event")
		}
	}
}

// Publish broadcasts event on event.Topic.
func (h *Hub) Publish(_ context.Context, event Event) error {
	h.Broadcast(event.Topic, event)
	return nil
}

// Send queues event for one client. It reports false when the client is gone
// or its buffer is full.
func (h *Hub) Send(client *Client, event Event) bool {
	data, err := json.Marshal(event)
	if err != nil {
		return false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.all[client]; !ok {
		return false
	}
	select {
	case client.Send <- data:
		return true
	default:
		return false
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// Close unregisters every client, which ends their write pumps.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.all))
	for c := range h.all {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.releaseAll()
		h.Unregister(c)
	}
}
