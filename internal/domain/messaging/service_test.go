package messaging

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/messaging/pkg/pagination"
)

func (f *fixture) createConversation(t *testing.T, initiator string, participants ...string) uuid.UUID {
	t.Helper()
	id, err := f.svc.CreateConversation(context.Background(), CreateConversationInput{
		Participants: participants,
		InitiatedBy:  initiator,
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) send(t *testing.T, convID uuid.UUID, sender, content string) uuid.UUID {
	t.Helper()
	id, err := f.svc.SendMessage(context.Background(), SendMessageInput{
		ConversationID: convID,
		SenderID:       sender,
		Content:        content,
	})
	require.NoError(t, err)
	return id
}

// -- Conversation Manager --

func TestCreateConversation_OneToOne(t *testing.T) {
	f := newFixture()
	id := f.createConversation(t, "alice", "alice", "bob")

	c := f.store.conversation(id)
	assert.Equal(t, []string{"alice", "bob"}, c.Participants)
	assert.False(t, c.IsGroupConversation)
	assert.Nil(t, c.Title)
	assert.True(t, c.LastMessageAt.Equal(c.CreatedAt))
	assert.Equal(t, "alice", c.Metadata.CreatedBy)
	assert.Equal(t, map[string]string{"alice": "patient", "bob": "doctor"}, c.Metadata.ParticipantRoles)
	assert.Equal(t, []string{"conversation.create"}, f.audit.actions())
}

func TestCreateConversation_RequiresInitiatorAmongParticipants(t *testing.T) {
	f := newFixture()
	_, err := f.svc.CreateConversation(context.Background(), CreateConversationInput{
		Participants: []string{"bob", "carol"},
		InitiatedBy:  "alice",
	})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.CreateConversation(context.Background(), CreateConversationInput{
		Participants: []string{"bob"},
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCreateConversation_DeduplicatesParticipants(t *testing.T) {
	f := newFixture()
	id := f.createConversation(t, "alice", "alice", "bob", "alice", " bob ")
	assert.Equal(t, []string{"alice", "bob"}, f.store.conversation(id).Participants)
}

func TestCreateConversation_FailedRoleLookupIsOmitted(t *testing.T) {
	f := newFixture()
	id := f.createConversation(t, "alice", "alice", "dave")

	roles := f.store.conversation(id).Metadata.ParticipantRoles
	assert.Equal(t, map[string]string{"alice": "patient"}, roles)
}

func TestCreateConversation_PersistenceFailure(t *testing.T) {
	f := newFixture()
	f.store.failOn("conversation.create", errStore)

	id, err := f.svc.CreateConversation(context.Background(), CreateConversationInput{
		Participants: []string{"alice", "bob"},
		InitiatedBy:  "alice",
	})
	require.ErrorIs(t, err, ErrCreateConversation)
	assert.Equal(t, uuid.Nil, id)
	assert.Equal(t, "failed to create conversation", PublicMessage(err))
	assert.Empty(t, f.store.convs)
}

func TestCreateConversation_AuditFailureDoesNotFail(t *testing.T) {
	f := newFixture()
	f.audit.err = errors.New("audit down")
	_, err := f.svc.CreateConversation(context.Background(), CreateConversationInput{
		Participants: []string{"alice", "bob"},
		InitiatedBy:  "alice",
	})
	assert.NoError(t, err)
}

func TestGetUserConversations_OrderAndPaging(t *testing.T) {
	f := newFixture()
	first := f.createConversation(t, "alice", "alice", "bob")
	second := f.createConversation(t, "alice", "alice", "carol")
	third := f.createConversation(t, "bob", "bob", "carol")
	f.send(t, first, "alice", "bump")

	ctx := context.Background()
	page, hasMore, err := f.svc.GetUserConversations(ctx, "alice", "patient", pagination.Params{Limit: 1})
	require.NoError(t, err)
	assert.True(t, hasMore)
	require.Len(t, page, 1)
	assert.Equal(t, first, page[0].ID)

	page, hasMore, err = f.svc.GetUserConversations(ctx, "alice", "patient", pagination.Params{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.False(t, hasMore)
	require.Len(t, page, 1)
	assert.Equal(t, second, page[0].ID)

	page, _, err = f.svc.GetUserConversations(ctx, "alice", "patient", pagination.Params{Limit: 10})
	require.NoError(t, err)
	for _, c := range page {
		assert.NotEqual(t, third, c.ID)
	}
}

func TestGetConversation_Errors(t *testing.T) {
	f := newFixture()
	id := f.createConversation(t, "alice", "alice", "bob")

	_, err := f.svc.GetConversation(context.Background(), uuid.New(), "alice")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.GetConversation(context.Background(), id, "carol")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestCurrentParticipantRoles_LeavesSnapshot(t *testing.T) {
	f := newFixture()
	id := f.createConversation(t, "alice", "alice", "bob")

	f.svc.users.(mapDirectory)["bob"].Role = "admin"
	defer func() { f.svc.users.(mapDirectory)["bob"].Role = "doctor" }()

	current, err := f.svc.CurrentParticipantRoles(context.Background(), id, "alice")
	require.NoError(t, err)
	assert.Equal(t, "admin", current["bob"])
	assert.Equal(t, "doctor", f.store.conversation(id).Metadata.ParticipantRoles["bob"])
}

// -- Message Pipeline --

func TestSendMessage_BumpsLastMessageAt(t *testing.T) {
	f := newFixture()
	convID := f.createConversation(t, "alice", "alice", "bob")
	msgID := f.send(t, convID, "alice", "  Hello  ")

	m := f.store.message(msgID)
	c := f.store.conversation(convID)
	assert.Equal(t, "Hello", m.Content)
	assert.False(t, m.IsRead)
	assert.Nil(t, m.ReadAt)
	assert.NotNil(t, m.Attachments)
	assert.False(t, c.LastMessageAt.Before(m.CreatedAt))
	assert.Contains(t, f.audit.actions(), "message.send")
}

func TestSendMessage_IsAtomic(t *testing.T) {
	f := newFixture()
	convID := f.createConversation(t, "alice", "alice", "bob")
	before := f.store.conversation(convID).LastMessageAt
	f.store.failOn("conversation.touch", errStore)

	_, err := f.svc.SendMessage(context.Background(), SendMessageInput{
		ConversationID: convID, SenderID: "alice", Content: "Hello",
	})
	require.ErrorIs(t, err, ErrSendMessage)
	assert.Equal(t, "failed to send message", PublicMessage(err))
	assert.Empty(t, f.store.msgs)
	assert.True(t, f.store.conversation(convID).LastMessageAt.Equal(before))
}

func TestSendMessage_RejectsNonMember(t *testing.T) {
	f := newFixture()
	convID := f.createConversation(t, "alice", "alice", "bob")

	_, err := f.svc.SendMessage(context.Background(), SendMessageInput{
		ConversationID: convID, SenderID: "carol", Content: "let me in",
	})
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, 0, f.store.writeCount("message.create"))
}

func TestSendMessage_Validation(t *testing.T) {
	f := newFixture()
	convID := f.createConversation(t, "alice", "alice", "bob")
	ctx := context.Background()

	tests := []struct {
		name string
		in   SendMessageInput
		want error
	}{
		{"blank content", SendMessageInput{ConversationID: convID, SenderID: "alice", Content: "   "}, ErrValidation},
		{"no sender", SendMessageInput{ConversationID: convID, Content: "hi"}, ErrValidation},
		{"attachment without url", SendMessageInput{ConversationID: convID, SenderID: "alice", Attachments: []Attachment{{Name: "x.pdf"}}}, ErrValidation},
		{"missing conversation", SendMessageInput{ConversationID: uuid.New(), SenderID: "alice", Content: "hi"}, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.SendMessage(ctx, tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := f.svc.SendMessage(ctx, SendMessageInput{
		ConversationID: convID, SenderID: "alice",
		Attachments: []Attachment{{Name: "scan.png", URL: "https://files/scan.png"}},
	})
	assert.NoError(t, err, "attachment-only messages are allowed")
}

func TestSendMessage_ConcurrentSenders(t *testing.T) {
	f := newFixture()
	convID := f.createConversation(t, "alice", "alice", "bob")

	var wg sync.WaitGroup
	ids := make([]uuid.UUID, 2)
	errs := make([]error, 2)
	for i, sender := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(i int, sender string) {
			defer wg.Done()
			ids[i], errs[i] = f.svc.SendMessage(context.Background(), SendMessageInput{
				ConversationID: convID, SenderID: sender, Content: "hi from " + sender,
			})
		}(i, sender)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	a, b := f.store.message(ids[0]), f.store.message(ids[1])
	later := a.CreatedAt
	if b.CreatedAt.After(later) {
		later = b.CreatedAt
	}
	assert.True(t, f.store.conversation(convID).LastMessageAt.Equal(later))

	for _, id := range ids {
		m, err := f.svc.GetMessage(context.Background(), id, "alice")
		require.NoError(t, err)
		assert.Equal(t, id, m.ID)
	}
}

func TestMarkMessagesAsRead_SetsReadOnceAndIsIdempotent(t *testing.T) {
	f := newFixture()
	convID := f.createConversation(t, "alice", "alice", "bob")
	msgID := f.send(t, convID, "alice", "Hello")
	ctx := context.Background()

	m, err := f.svc.GetMessage(ctx, msgID, "bob")
	require.NoError(t, err)

	n, err := f.svc.MarkMessagesAsRead(ctx, convID, "bob", []*Message{m})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored := f.store.message(msgID)
	require.True(t, stored.IsRead)
	require.NotNil(t, stored.ReadAt)
	firstReadAt := *stored.ReadAt

	// Same (stale) message set again.
	n, err = f.svc.MarkMessagesAsRead(ctx, convID, "bob", []*Message{m})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.True(t, f.store.message(msgID).ReadAt.Equal(firstReadAt))

	// Fresh copy is filtered out before any write.
	fresh, _ := f.svc.GetMessage(ctx, msgID, "bob")
	writes := f.store.writeCount("message.read")
	n, err = f.svc.MarkMessagesAsRead(ctx, convID, "bob", []*Message{fresh})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, writes, f.store.writeCount("message.read"))
}

func TestMarkMessagesAsRead_SkipsOwnAndEmpty(t *testing.T) {
	f := newFixture()
	convID := f.createConversation(t, "alice", "alice", "bob")
	msgID := f.send(t, convID, "alice", "Hello")
	m, _ := f.svc.GetMessage(context.Background(), msgID, "alice")

	n, err := f.svc.MarkMessagesAsRead(context.Background(), convID, "alice", []*Message{m})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = f.svc.MarkMessagesAsRead(context.Background(), convID, "bob", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, f.store.writeCount("message.read"))
	assert.False(t, f.store.message(msgID).IsRead)
}

func TestMarkMessagesAsRead_RejectsNonParticipant(t *testing.T) {
	f := newFixture()
	convID := f.createConversation(t, "alice", "alice", "bob")
	msgID := f.send(t, convID, "alice", "Hello")
	m, err := f.svc.GetMessage(context.Background(), msgID, "bob")
	require.NoError(t, err)

	n, err := f.svc.MarkMessagesAsRead(context.Background(), convID, "carol", []*Message{m})
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, f.store.writeCount("message.read"))
	assert.False(t, f.store.message(msgID).IsRead)

	_, err = f.svc.MarkMessagesAsRead(context.Background(), uuid.New(), "bob", []*Message{m})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkConversationRead_AndUnreadCount(t *testing.T) {
	f := newFixture()
	convID := f.createConversation(t, "alice", "alice", "bob")
	first := f.send(t, convID, "alice", "one")
	f.send(t, convID, "alice", "two")
	f.send(t, convID, "bob", "mine")
	ctx := context.Background()

	unread, err := f.svc.UnreadCount(ctx, convID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, unread)

	n, err := f.svc.MarkConversationRead(ctx, convID, "bob", []uuid.UUID{first})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.svc.MarkConversationRead(ctx, convID, "bob", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	unread, _ = f.svc.UnreadCount(ctx, convID, "bob")
	assert.Equal(t, 0, unread)

	_, err = f.svc.MarkConversationRead(ctx, convID, "carol", nil)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestDeleteMessage_OnlySender(t *testing.T) {
	f := newFixture()
	convID := f.createConversation(t, "alice", "alice", "bob")
	msgID := f.send(t, convID, "alice", "oops")
	ctx := context.Background()

	err := f.svc.DeleteMessage(ctx, msgID, "bob")
	require.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, "Unauthorized to delete this message", err.Error())
	assert.False(t, f.store.message(msgID).IsDeleted)

	require.NoError(t, f.svc.DeleteMessage(ctx, msgID, "alice"))
	deleted := f.store.message(msgID)
	assert.True(t, deleted.IsDeleted)
	require.NotNil(t, deleted.DeletedAt)
	deletedAt := *deleted.DeletedAt

	require.NoError(t, f.svc.DeleteMessage(ctx, msgID, "alice"))
	assert.True(t, f.store.message(msgID).DeletedAt.Equal(deletedAt))

	err = f.svc.DeleteMessage(ctx, msgID, "bob")
	assert.ErrorIs(t, err, ErrForbidden, "deleted messages still reject other users")

	assert.ErrorIs(t, f.svc.DeleteMessage(ctx, uuid.New(), "alice"), ErrNotFound)
}

func TestDeleteMessage_RejectsEveryNonSender(t *testing.T) {
	f := newFixture()
	convID := f.createConversation(t, "alice", "alice", "bob", "carol")
	msgID := f.send(t, convID, "bob", "hi")

	for _, user := range []string{"alice", "carol", "dave", ""} {
		assert.ErrorIs(t, f.svc.DeleteMessage(context.Background(), msgID, user), ErrForbidden, user)
	}
	assert.False(t, f.store.message(msgID).IsDeleted)
}

func TestSoftDeletedMessagesAreHidden(t *testing.T) {
	f := newFixture()
	convID := f.createConversation(t, "alice", "alice", "bob")
	keep := f.send(t, convID, "alice", "keep this note")
	gone := f.send(t, convID, "alice", "drop this note")
	ctx := context.Background()
	require.NoError(t, f.svc.DeleteMessage(ctx, gone, "alice"))

	listed, err := f.svc.ListMessages(ctx, convID, "bob", 0)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, keep, listed[0].ID)

	found, err := f.svc.SearchMessages(ctx, "bob", "note", nil)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, keep, found[0].ID)

	direct, err := f.svc.GetMessage(ctx, gone, "bob")
	require.NoError(t, err)
	assert.True(t, direct.IsDeleted)
}

func TestListMessages_OldestFirstWithLimit(t *testing.T) {
	f := newFixture()
	convID := f.createConversation(t, "alice", "alice", "bob")
	f.send(t, convID, "alice", "1")
	second := f.send(t, convID, "bob", "2")
	third := f.send(t, convID, "alice", "3")

	msgs, err := f.svc.ListMessages(context.Background(), convID, "alice", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, second, msgs[0].ID)
	assert.Equal(t, third, msgs[1].ID)
}

// -- Search --

func TestSearchMessages(t *testing.T) {
	f := newFixture()
	ab := f.createConversation(t, "alice", "alice", "bob")
	bc := f.createConversation(t, "bob", "bob", "carol")
	hit := f.send(t, ab, "alice", "Blood PRESSURE is fine")
	f.send(t, ab, "bob", "unrelated")
	f.send(t, bc, "carol", "pressure readings attached")
	ctx := context.Background()

	found, err := f.svc.SearchMessages(ctx, "alice", "pressure", nil)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, hit, found[0].ID)

	found, err = f.svc.SearchMessages(ctx, "bob", "PRESSURE", nil)
	require.NoError(t, err)
	assert.Len(t, found, 2)

	found, err = f.svc.SearchMessages(ctx, "alice", "pressure", &bc)
	require.NoError(t, err)
	assert.Empty(t, found, "non-participants see nothing from a scoped search")

	found, err = f.svc.SearchMessages(ctx, "alice", "   ", nil)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestSearchMessages_WindowIsBounded(t *testing.T) {
	f := newFixture()
	convID := f.createConversation(t, "alice", "alice", "bob")
	old := f.send(t, convID, "alice", "needle")
	for i := 0; i < SearchWindow; i++ {
		f.send(t, convID, "bob", "hay")
	}

	found, err := f.svc.SearchMessages(context.Background(), "alice", "needle", &convID)
	require.NoError(t, err)
	for _, m := range found {
		assert.NotEqual(t, old, m.ID)
	}
}

func TestSearchMessages_PersistenceFailure(t *testing.T) {
	f := newFixture()
	f.store.failOn("message.recent", errStore)

	_, err := f.svc.SearchMessages(context.Background(), "alice", "x", nil)
	require.ErrorIs(t, err, ErrSearchMessages)
	assert.Equal(t, "failed to search messages", PublicMessage(err))
}

// -- Helpers --

func TestPreview(t *testing.T) {
	assert.Equal(t, "short", Preview("short"))
	exact := strings.Repeat("a", PreviewRunes)
	assert.Equal(t, exact, Preview(exact))
	assert.Equal(t, exact+"…", Preview(exact+"b"))

	accented := strings.Repeat("\u00e9", 60)
	assert.Equal(t, strings.Repeat("\u00e9", 50)+"…", Preview(accented))
}

func TestErrorPublicMessage(t *testing.T) {
	err := storeError(ErrSendMessage, errStore)
	assert.ErrorIs(t, err, ErrSendMessage)
	assert.ErrorIs(t, err, errStore)
	assert.Equal(t, "failed to send message", PublicMessage(err))
	assert.Equal(t, "internal error", PublicMessage(errors.New("boom")))
}
