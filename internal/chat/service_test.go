package chat

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type staticIDGenerator struct {
	prefix string
	count  int
}

func (g *staticIDGenerator) NewID() (string, error) {
	g.count++
	return fmt.Sprintf("%s-%d", g.prefix, g.count), nil
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:casewire_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Message{}, &Conversation{}, &ReadState{}, &CaseAccess{}, &Notification{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := func() time.Time { return time.Unix(1700000600, 0).UTC() }
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: &staticIDGenerator{prefix: "id"},
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service, db
}

func mustCaseID(t *testing.T, value string) CaseID {
	t.Helper()
	id, err := NewCaseID(value)
	if err != nil {
		t.Fatalf("unexpected case id error: %v", err)
	}
	return id
}

func seedCase(t *testing.T, service *Service, caseID CaseID, participants ...string) Conversation {
	t.Helper()
	ctx := context.Background()
	for _, participant := range participants {
		if err := service.GrantCaseAccess(ctx, caseID, participant); err != nil {
			t.Fatalf("failed to grant access: %v", err)
		}
	}
	conversation, err := service.CreateConversation(ctx, caseID, "main thread", "")
	if err != nil {
		t.Fatalf("failed to create conversation: %v", err)
	}
	return conversation
}

func TestAppendMessagePersistsInChronologicalOrder(t *testing.T) {
	service, _ := newTestService(t)
	caseID := mustCaseID(t, "42")
	conversation := seedCase(t, service, caseID, "alice", "bob")
	channelID := ChannelID(conversation.ChannelID)
	ctx := context.Background()

	first, err := service.AppendMessage(ctx, "alice", "mediator", channelID, "hello")
	if err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	second, err := service.AppendMessage(ctx, "bob", "party", channelID, "hi")
	if err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}

	backlog, err := service.ListBacklog(ctx, "alice", channelID)
	if err != nil {
		t.Fatalf("unexpected backlog error: %v", err)
	}
	if len(backlog) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(backlog))
	}
	if backlog[0].MessageID != first.MessageID || backlog[1].MessageID != second.MessageID {
		t.Fatalf("unexpected backlog order: %s, %s", backlog[0].MessageID, backlog[1].MessageID)
	}
	if backlog[1].AuthorRole != "party" {
		t.Fatalf("expected author role to persist, got %s", backlog[1].AuthorRole)
	}
}

func TestAppendMessageNotifiesOtherParticipants(t *testing.T) {
	service, _ := newTestService(t)
	caseID := mustCaseID(t, "42")
	conversation := seedCase(t, service, caseID, "alice", "bob")
	ctx := context.Background()

	if _, err := service.AppendMessage(ctx, "alice", "mediator", ChannelID(conversation.ChannelID), "hello"); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}

	aliceNotifications, err := service.ListNotifications(ctx, "alice")
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(aliceNotifications) != 0 {
		t.Fatalf("author must not be notified, got %d notifications", len(aliceNotifications))
	}

	bobNotifications, err := service.ListNotifications(ctx, "bob")
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(bobNotifications) != 1 {
		t.Fatalf("expected 1 notification for bob, got %d", len(bobNotifications))
	}
	if bobNotifications[0].Type != "message" {
		t.Fatalf("unexpected notification type %s", bobNotifications[0].Type)
	}
	if bobNotifications[0].Read {
		t.Fatalf("new notification must start unread")
	}
}

func TestListBacklogRejectsRevokedParticipant(t *testing.T) {
	service, _ := newTestService(t)
	caseID := mustCaseID(t, "42")
	conversation := seedCase(t, service, caseID, "alice", "bob")
	ctx := context.Background()

	if err := service.RevokeCaseAccess(ctx, caseID, "bob"); err != nil {
		t.Fatalf("unexpected revoke error: %v", err)
	}

	_, err := service.ListBacklog(ctx, "bob", ChannelID(conversation.ChannelID))
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected access denied, got %v", err)
	}
}

func TestListCaseConversationsDerivesUnreadCount(t *testing.T) {
	service, _ := newTestService(t)
	caseID := mustCaseID(t, "42")
	conversation := seedCase(t, service, caseID, "alice", "bob")
	channelID := ChannelID(conversation.ChannelID)
	ctx := context.Background()

	if _, err := service.AppendMessage(ctx, "alice", "mediator", channelID, "one"); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	if _, err := service.AppendMessage(ctx, "alice", "mediator", channelID, "two"); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	if _, err := service.AppendMessage(ctx, "bob", "party", channelID, "own message"); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}

	summaries, err := service.ListCaseConversations(ctx, "bob", caseID)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(summaries))
	}
	if summaries[0].UnreadCount != 2 {
		t.Fatalf("expected 2 unread (own messages excluded), got %d", summaries[0].UnreadCount)
	}

	// Polling is a pure recomputation: a second listing with no writes in
	// between must agree with the first.
	again, err := service.ListCaseConversations(ctx, "bob", caseID)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if again[0].UnreadCount != summaries[0].UnreadCount {
		t.Fatalf("unread changed across identical polls: %d vs %d", again[0].UnreadCount, summaries[0].UnreadCount)
	}
}

func TestListCaseConversationsRejectsWithoutGrant(t *testing.T) {
	service, _ := newTestService(t)
	caseID := mustCaseID(t, "42")
	seedCase(t, service, caseID, "alice")

	_, err := service.ListCaseConversations(context.Background(), "mallory", caseID)
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected access denied, got %v", err)
	}
}

func TestMarkConversationReadZeroesUnread(t *testing.T) {
	service, _ := newTestService(t)
	caseID := mustCaseID(t, "42")
	conversation := seedCase(t, service, caseID, "alice", "bob")
	ctx := context.Background()

	if _, err := service.AppendMessage(ctx, "alice", "mediator", ChannelID(conversation.ChannelID), "one"); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	if err := service.MarkConversationRead(ctx, "bob", conversation.ConversationID); err != nil {
		t.Fatalf("unexpected mark error: %v", err)
	}

	summaries, err := service.ListCaseConversations(ctx, "bob", caseID)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if summaries[0].UnreadCount != 0 {
		t.Fatalf("expected unread 0 after mark read, got %d", summaries[0].UnreadCount)
	}
}

func TestAppendMessageRejectsUnknownChannel(t *testing.T) {
	service, _ := newTestService(t)
	_, err := service.AppendMessage(context.Background(), "alice", "mediator", ChannelID("case-999"), "hello")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestChannelForCase(t *testing.T) {
	if channel := ChannelForCase(CaseID("42")); channel.String() != "case-42" {
		t.Fatalf("unexpected channel binding %s", channel)
	}
}
