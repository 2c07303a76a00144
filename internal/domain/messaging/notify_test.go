package messaging

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/messaging/internal/platform/websocket"
)

func TestCreateMessageNotifications_EveryOtherParticipant(t *testing.T) {
	f := newFixture()
	convID := f.createConversation(t, "alice", "alice", "bob", "carol")

	n := f.svc.CreateMessageNotifications(context.Background(), convID, "alice", "Hello team")
	assert.Equal(t, 2, n)

	assert.Empty(t, f.store.notificationsFor("alice"))
	for _, user := range []string{"bob", "carol"} {
		notes := f.store.notificationsFor(user)
		require.Len(t, notes, 1, user)
		got := notes[0]
		assert.Equal(t, "New message from Alice", got.Title)
		assert.Equal(t, "Hello team", got.Message)
		assert.Equal(t, NotificationTypeMessage, got.Type)
		assert.Equal(t, PriorityNormal, got.Priority)
		assert.Equal(t, convID, got.RelatedEntityID)
		assert.False(t, got.IsRead)
	}

	assert.Equal(t, []string{websocket.UserTopic("bob"), websocket.UserTopic("carol")}, f.events.topics())
}

func TestCreateMessageNotifications_TruncatesPreview(t *testing.T) {
	f := newFixture()
	convID := f.createConversation(t, "alice", "alice", "bob")
	content := strings.Repeat("x", 120)

	require.Equal(t, 1, f.svc.CreateMessageNotifications(context.Background(), convID, "alice", content))

	notes := f.store.notificationsFor("bob")
	require.Len(t, notes, 1)
	assert.Equal(t, strings.Repeat("x", 50)+"…", notes[0].Message)
}

func TestCreateMessageNotifications_FailureIsSwallowedAndAtomic(t *testing.T) {
	f := newFixture()
	convID := f.createConversation(t, "alice", "alice", "bob", "carol")
	f.store.failOn("notification.create", errStore)

	n := f.svc.CreateMessageNotifications(context.Background(), convID, "alice", "hi")
	assert.Equal(t, 0, n)
	assert.Empty(t, f.store.notificationsFor("bob"))
	assert.Empty(t, f.store.notificationsFor("carol"))
	assert.Empty(t, f.events.topics())
}

func TestCreateMessageNotifications_UnknownSenderTitle(t *testing.T) {
	f := newFixture()
	convID := f.createConversation(t, "dave", "dave", "bob")

	require.Equal(t, 1, f.svc.CreateMessageNotifications(context.Background(), convID, "dave", "hi"))
	assert.Equal(t, "New message", f.store.notificationsFor("bob")[0].Title)
}

func TestCreateMessageNotifications_MissingConversation(t *testing.T) {
	f := newFixture()
	f.store.failOn("conversation.get", errStore)
	assert.Equal(t, 0, f.svc.CreateMessageNotifications(context.Background(), uuid.New(), "alice", "hi"))
}

func TestNotifyMessage_SkipsDeleted(t *testing.T) {
	f := newFixture()
	convID := f.createConversation(t, "alice", "alice", "bob")
	msgID := f.send(t, convID, "alice", "short lived")
	require.NoError(t, f.svc.DeleteMessage(context.Background(), msgID, "alice"))

	assert.Equal(t, 0, f.svc.NotifyMessage(context.Background(), msgID))
	assert.Empty(t, f.store.notificationsFor("bob"))
}

func TestListNotifications(t *testing.T) {
	f := newFixture()
	convID := f.createConversation(t, "alice", "alice", "bob")
	for i := 0; i < 3; i++ {
		f.svc.CreateMessageNotifications(context.Background(), convID, "alice", "ping")
	}

	page, hasMore, err := f.svc.ListNotifications(context.Background(), "bob", paginationParams(2, 0))
	require.NoError(t, err)
	assert.Len(t, page, 2)
	assert.True(t, hasMore)
}
