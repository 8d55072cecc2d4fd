package chat

import (
	"context"
	"errors"
	"testing"
)

func seedNotifications(t *testing.T, service *Service, userID string, count int) []Notification {
	t.Helper()
	ctx := context.Background()
	created := make([]Notification, 0, count)
	for index := 0; index < count; index++ {
		notification, err := service.CreateNotification(ctx, Notification{
			UserID:           userID,
			Type:             "document_request",
			Priority:         "normal",
			CreatedAtSeconds: int64(1700000000 + index),
			MetadataJSON:     `{"case_id":"42"}`,
		})
		if err != nil {
			t.Fatalf("failed to create notification: %v", err)
		}
		created = append(created, notification)
	}
	return created
}

func TestListNotificationsNewestFirst(t *testing.T) {
	service, _ := newTestService(t)
	seeded := seedNotifications(t, service, "alice", 3)

	listed, err := service.ListNotifications(context.Background(), "alice")
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(listed) != 3 {
		t.Fatalf("expected 3 notifications, got %d", len(listed))
	}
	if listed[0].NotificationID != seeded[2].NotificationID {
		t.Fatalf("expected newest notification first, got %s", listed[0].NotificationID)
	}
}

func TestMarkNotificationReadIsOneWay(t *testing.T) {
	service, _ := newTestService(t)
	seeded := seedNotifications(t, service, "alice", 1)
	ctx := context.Background()

	if err := service.MarkNotificationRead(ctx, "alice", seeded[0].NotificationID); err != nil {
		t.Fatalf("unexpected mark error: %v", err)
	}
	// Marking again is a no-op, not an error.
	if err := service.MarkNotificationRead(ctx, "alice", seeded[0].NotificationID); err != nil {
		t.Fatalf("unexpected second mark error: %v", err)
	}

	listed, err := service.ListNotifications(ctx, "alice")
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if !listed[0].Read {
		t.Fatalf("expected notification to stay read")
	}
}

func TestMarkNotificationReadUnknownID(t *testing.T) {
	service, _ := newTestService(t)
	err := service.MarkNotificationRead(context.Background(), "alice", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMarkNotificationReadScopedToOwner(t *testing.T) {
	service, _ := newTestService(t)
	seeded := seedNotifications(t, service, "alice", 1)

	err := service.MarkNotificationRead(context.Background(), "bob", seeded[0].NotificationID)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for foreign notification, got %v", err)
	}
}

func TestMarkAllNotificationsRead(t *testing.T) {
	service, _ := newTestService(t)
	seedNotifications(t, service, "alice", 3)
	seedNotifications(t, service, "bob", 1)
	ctx := context.Background()

	if err := service.MarkAllNotificationsRead(ctx, "alice"); err != nil {
		t.Fatalf("unexpected mark-all error: %v", err)
	}

	aliceListed, err := service.ListNotifications(ctx, "alice")
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	for _, notification := range aliceListed {
		if !notification.Read {
			t.Fatalf("expected every notification read, %s is not", notification.NotificationID)
		}
	}

	bobListed, err := service.ListNotifications(ctx, "bob")
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if bobListed[0].Read {
		t.Fatalf("mark-all must not cross user boundaries")
	}
}

func TestDeleteNotification(t *testing.T) {
	service, _ := newTestService(t)
	seeded := seedNotifications(t, service, "alice", 2)
	ctx := context.Background()

	if err := service.DeleteNotification(ctx, "alice", seeded[0].NotificationID); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}

	listed, err := service.ListNotifications(ctx, "alice")
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected 1 notification after delete, got %d", len(listed))
	}

	err = service.DeleteNotification(ctx, "alice", seeded[0].NotificationID)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on repeated delete, got %v", err)
	}
}
