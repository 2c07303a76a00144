package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/messaging/internal/platform/auth"
	"github.com/ehr/messaging/internal/platform/telemetry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// Releaser ends a live subscription.
type Releaser interface {
	Unsubscribe()
}

// ConversationSubscriber opens live conversation subscriptions on behalf of
// a connection. deliver receives each snapshot already encoded as JSON,
// reports whether it was queued to the client and is never called
// concurrently for one subscription.
type ConversationSubscriber interface {
	SubscribeConversation(ctx context.Context, conversationID, userID string, limit int, deliver func(json.RawMessage) bool) (Releaser, error)
}

func (c *Client) setSub(topic string, r Releaser) (replaced Releaser) {
	c.mu.Lock()
	defer c.mu.Unlock()
	replaced = c.subs[topic]
	c.subs[topic] = r
	return replaced
}

func (c *Client) takeSub(topic string) Releaser {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.subs[topic]
	delete(c.subs, topic)
	return r
}

func (c *Client) releaseAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]Releaser)
	c.mu.Unlock()
	for _, r := range subs {
		r.Unsubscribe()
	}
}

// SubscriptionCount reports open conversation subscriptions.
func (c *Client) SubscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

type WebSocketHandler struct {
	hub        *Hub
	subscriber ConversationSubscriber
	logger     zerolog.Logger
	metrics    *telemetry.Provider
	upgrader   gorillawebsocket.Upgrader
}

// NewWebSocketHandler builds the /ws endpoint. An empty allowedOrigins list
// accepts any origin.
func NewWebSocketHandler(hub *Hub, subscriber ConversationSubscriber, allowedOrigins []string, logger zerolog.Logger, metrics *telemetry.Provider) *WebSocketHandler {
	return &WebSocketHandler{
		hub:        hub,
		subscriber: subscriber,
		logger:     logger,
		metrics:    metrics,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			set[o] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		if len(set) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := set["*"]; ok {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := set[u.Scheme+"://"+u.Host]
		return ok
	}
}

func (wsh *WebSocketHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", wsh.HandleConnect)
}

// HandleConnect upgrades the request and starts the read and write pumps.
// The caller identity comes from the auth middleware.
func (wsh *WebSocketHandler) HandleConnect(c echo.Context) error {
	userID := auth.UserIDFromContext(c.Request().Context())
	if userID == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing identity")
	}

	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written the error response.
		return nil
	}

	client := NewClient(uuid.New().String(), userID, sendBuffer)
	wsh.hub.Register(client)
	wsh.metrics.WSConnected()
	wsh.logger.Debug().Str("client_id", client.ID).Str("user_id", userID).Msg("websocket connected")

	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)
	return nil
}

func (wsh *WebSocketHandler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		client.releaseAll()
		wsh.hub.Unregister(client)
		wsh.metrics.WSDisconnected()
		ws.Close()
		wsh.logger.Debug().Str("client_id", client.ID).Msg("websocket disconnected")
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			if gorillawebsocket.IsUnexpectedCloseError(err, gorillawebsocket.CloseGoingAway, gorillawebsocket.CloseNormalClosure) {
				wsh.logger.Warn().Err(err).Str("client_id", client.ID).Msg("websocket read failed")
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			wsh.sendError(client, "", "malformed message")
			continue
		}
		wsh.ProcessMessage(ctx, client, msg)
	}
}

// ProcessMessage applies one client frame.
func (wsh *WebSocketHandler) ProcessMessage(ctx context.Context, client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		for _, topic := range msg.Topics {
			wsh.subscribe(ctx, client, topic, msg.Limit)
		}
	case "unsubscribe":
		for _, topic := range msg.Topics {
			if r := client.takeSub(topic); r != nil {
				r.Unsubscribe()
			}
			wsh.hub.Send(client, Event{Type: EventUnsubscribed, Topic: topic, Timestamp: time.Now().UTC()})
		}
	default:
		wsh.sendError(client, "", "unknown action: "+msg.Action)
	}
}

func (wsh *WebSocketHandler) subscribe(ctx context.Context, client *Client, topic string, limit int) {
	if topic == "" || strings.HasPrefix(topic, "user/") {
		wsh.sendError(client, topic, "topic not subscribable")
		return
	}
	if wsh.subscriber == nil {
		wsh.sendError(client, topic, "live delivery unavailable")
		return
	}

	// A snapshot dropped on a full send buffer reports false so its messages
	// are not marked read.
	deliver := func(payload json.RawMessage) bool {
		return wsh.hub.Send(client, Event{
			Type:         EventMessagesSnapshot,
			Topic:        topic,
			ResourceType: "Conversation",
			ResourceID:   topic,
			Timestamp:    time.Now().UTC(),
			Data:         payload,
		})
	}

	// Acknowledge before the initial snapshot is queued.
	wsh.hub.Send(client, Event{Type: EventSubscribed, Topic: topic, Timestamp: time.Now().UTC()})

	r, err := wsh.subscriber.SubscribeConversation(ctx, topic, client.UserID, limit, deliver)
	if err != nil {
		wsh.logger.Info().Err(err).Str("client_id", client.ID).Str("topic", topic).Msg("websocket subscribe rejected")
		wsh.sendError(client, topic, subscribeErrorText(err))
		return
	}
	if old := client.setSub(topic, r); old != nil {
		old.Unsubscribe()
	}
}

// subscribeErrorText keeps internal error detail off the wire.
func subscribeErrorText(err error) string {
	var pub interface{ Public() string }
	if errors.As(err, &pub) {
		return pub.Public()
	}
	return "subscription failed"
}

func (wsh *WebSocketHandler) sendError(client *Client, topic, msg string) {
	data, _ := json.Marshal(map[string]string{"message": msg})
	wsh.hub.Send(client, Event{Type: EventError, Topic: topic, Timestamp: time.Now().UTC(), Data: data})
}

func (wsh *WebSocketHandler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
