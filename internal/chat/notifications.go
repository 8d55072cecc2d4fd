package chat

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ListNotifications returns the caller's notifications, newest first.
func (s *Service) ListNotifications(ctx context.Context, userID string) ([]Notification, error) {
	if userID == "" {
		return nil, newServiceError(opListNotifications, "missing_user_id", errMissingUserID)
	}

	var notifications []Notification
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at_s DESC, notification_id DESC").
		Find(&notifications).Error; err != nil {
		s.logError(opListNotifications, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opListNotifications, "query_failed", err)
	}

	return notifications, nil
}

// MarkNotificationRead flips one notification to read. Already-read rows
// are a no-op; read never transitions back.
func (s *Service) MarkNotificationRead(ctx context.Context, userID, notificationID string) error {
	if userID == "" {
		return newServiceError(opMarkNotification, "missing_user_id", errMissingUserID)
	}

	result := s.db.WithContext(ctx).Model(&Notification{}).
		Where("notification_id = ? AND user_id = ?", notificationID, userID).
		Update("read", true)
	if result.Error != nil {
		s.logError(opMarkNotification, "update_failed", result.Error,
			zap.String("notification_id", notificationID))
		return newServiceError(opMarkNotification, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opMarkNotification, "not_found", ErrNotFound)
	}
	return nil
}

// MarkAllNotificationsRead flips every unread notification for the caller.
func (s *Service) MarkAllNotificationsRead(ctx context.Context, userID string) error {
	if userID == "" {
		return newServiceError(opMarkAllRead, "missing_user_id", errMissingUserID)
	}

	if err := s.db.WithContext(ctx).Model(&Notification{}).
		Where("user_id = ? AND read = ?", userID, false).
		Update("read", true).Error; err != nil {
		s.logError(opMarkAllRead, "update_failed", err, zap.String("user_id", userID))
		return newServiceError(opMarkAllRead, "update_failed", err)
	}
	return nil
}

// DeleteNotification removes one notification for the caller.
func (s *Service) DeleteNotification(ctx context.Context, userID, notificationID string) error {
	if userID == "" {
		return newServiceError(opDeleteNotification, "missing_user_id", errMissingUserID)
	}

	result := s.db.WithContext(ctx).
		Where("notification_id = ? AND user_id = ?", notificationID, userID).
		Delete(&Notification{})
	if result.Error != nil {
		s.logError(opDeleteNotification, "delete_failed", result.Error,
			zap.String("notification_id", notificationID))
		return newServiceError(opDeleteNotification, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opDeleteNotification, "not_found", ErrNotFound)
	}
	return nil
}

// CreateNotification persists a notification for delivery to one user.
func (s *Service) CreateNotification(ctx context.Context, notification Notification) (Notification, error) {
	if notification.UserID == "" {
		return Notification{}, newServiceError(opListNotifications, "missing_user_id", errMissingUserID)
	}
	if notification.NotificationID == "" {
		id, err := s.idProvider.NewID()
		if err != nil {
			return Notification{}, newServiceError(opListNotifications, "id_generation_failed", err)
		}
		notification.NotificationID = id
	}
	if notification.CreatedAtSeconds == 0 {
		notification.CreatedAtSeconds = s.clock().UTC().Unix()
	}
	if err := s.db.WithContext(ctx).Create(&notification).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return Notification{}, newServiceError(opListNotifications, "duplicate", err)
		}
		return Notification{}, newServiceError(opListNotifications, "insert_failed", err)
	}
	return notification, nil
}
