package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingUserID     = errors.New("user identifier is required")
	errEmptyContent      = errors.New("message content is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries an operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew         = "chat.service.new"
	opAppendMessage      = "chat.append_message"
	opListBacklog        = "chat.list_backlog"
	opListConversations  = "chat.list_case_conversations"
	opMarkConversation   = "chat.mark_conversation_read"
	opCreateConversation = "chat.create_conversation"
	opListNotifications  = "chat.list_notifications"
	opMarkNotification   = "chat.mark_notification_read"
	opMarkAllRead        = "chat.mark_all_notifications_read"
	opDeleteNotification = "chat.delete_notification"
	opGrantAccess        = "chat.grant_case_access"
	opRevokeAccess       = "chat.revoke_case_access"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ChannelForCase returns the deterministic push channel name for a case's
// primary thread.
func ChannelForCase(caseID CaseID) ChannelID {
	return ChannelID("case-" + caseID.String())
}

// ServiceConfig describes the dependencies of the chat service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// IDProvider issues identifiers for new records.
type IDProvider interface {
	NewID() (string, error)
}

// Service owns the hub-side chat, conversation and notification state.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// AppendMessage persists one message on the channel and fans out a
// "message" notification to every other participant with case access.
// The returned message is what the push path delivers.
func (s *Service) AppendMessage(ctx context.Context, userID, role string, channelID ChannelID, content string) (Message, error) {
	if userID == "" {
		return Message{}, newServiceError(opAppendMessage, "missing_user_id", errMissingUserID)
	}
	if strings.TrimSpace(content) == "" {
		return Message{}, newServiceError(opAppendMessage, "empty_content", errEmptyContent)
	}

	var created Message
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conversation, err := s.conversationForChannel(tx, channelID)
		if err != nil {
			return err
		}
		if err := s.requireAccess(tx, conversation.CaseID, userID, opAppendMessage); err != nil {
			return err
		}

		messageID, err := s.idProvider.NewID()
		if err != nil {
			return newServiceError(opAppendMessage, "id_generation_failed", err)
		}

		created = Message{
			MessageID:        messageID,
			ChannelID:        channelID.String(),
			AuthorID:         userID,
			AuthorRole:       role,
			Content:          content,
			CreatedAtSeconds: s.clock().UTC().Unix(),
		}
		if err := tx.Create(&created).Error; err != nil {
			s.logError(opAppendMessage, "message_insert_failed", err,
				zap.String("channel_id", channelID.String()))
			return newServiceError(opAppendMessage, "message_insert_failed", err)
		}

		return s.notifyParticipants(tx, conversation, created)
	})
	if txErr != nil {
		return Message{}, txErr
	}

	return created, nil
}

// ListBacklog returns the channel's messages in chronological order.
func (s *Service) ListBacklog(ctx context.Context, userID string, channelID ChannelID) ([]Message, error) {
	if userID == "" {
		return nil, newServiceError(opListBacklog, "missing_user_id", errMissingUserID)
	}

	db := s.db.WithContext(ctx)
	conversation, err := s.conversationForChannel(db, channelID)
	if err != nil {
		return nil, err
	}
	if err := s.requireAccess(db, conversation.CaseID, userID, opListBacklog); err != nil {
		return nil, err
	}

	var messages []Message
	if err := db.
		Where("channel_id = ?", channelID.String()).
		Order("created_at_s ASC, message_id ASC").
		Find(&messages).Error; err != nil {
		s.logError(opListBacklog, "query_failed", err, zap.String("channel_id", channelID.String()))
		return nil, newServiceError(opListBacklog, "query_failed", err)
	}

	return messages, nil
}

// ListCaseConversations returns every conversation under the case together
// with the caller's derived unread count. The count is recomputed from the
// read state on every call, never stored.
func (s *Service) ListCaseConversations(ctx context.Context, userID string, caseID CaseID) ([]ConversationSummary, error) {
	if userID == "" {
		return nil, newServiceError(opListConversations, "missing_user_id", errMissingUserID)
	}

	db := s.db.WithContext(ctx)
	if err := s.requireAccess(db, caseID.String(), userID, opListConversations); err != nil {
		return nil, err
	}

	var conversations []Conversation
	if err := db.
		Where("case_id = ?", caseID.String()).
		Order("conversation_id ASC").
		Find(&conversations).Error; err != nil {
		s.logError(opListConversations, "query_failed", err, zap.String("case_id", caseID.String()))
		return nil, newServiceError(opListConversations, "query_failed", err)
	}

	summaries := make([]ConversationSummary, 0, len(conversations))
	for _, conversation := range conversations {
		var lastRead int64
		var state ReadState
		err := db.
			Where("conversation_id = ? AND user_id = ?", conversation.ConversationID, userID).
			Take(&state).Error
		if err == nil {
			lastRead = state.LastReadSeconds
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logError(opListConversations, "read_state_failed", err,
				zap.String("conversation_id", conversation.ConversationID))
			return nil, newServiceError(opListConversations, "read_state_failed", err)
		}

		var unread int64
		if err := db.Model(&Message{}).
			Where("channel_id = ? AND created_at_s > ? AND author_id <> ?",
				conversation.ChannelID, lastRead, userID).
			Count(&unread).Error; err != nil {
			s.logError(opListConversations, "unread_count_failed", err,
				zap.String("conversation_id", conversation.ConversationID))
			return nil, newServiceError(opListConversations, "unread_count_failed", err)
		}

		summaries = append(summaries, ConversationSummary{
			ConversationID: conversation.ConversationID,
			CaseID:         conversation.CaseID,
			ChannelID:      conversation.ChannelID,
			Topic:          conversation.Topic,
			UnreadCount:    unread,
		})
	}

	return summaries, nil
}

// MarkConversationRead advances the caller's read state to now, zeroing the
// conversation's unread count on the next listing.
func (s *Service) MarkConversationRead(ctx context.Context, userID string, conversationID string) error {
	if userID == "" {
		return newServiceError(opMarkConversation, "missing_user_id", errMissingUserID)
	}

	db := s.db.WithContext(ctx)
	var conversation Conversation
	if err := db.Where("conversation_id = ?", conversationID).Take(&conversation).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opMarkConversation, "not_found", ErrNotFound)
		}
		return newServiceError(opMarkConversation, "query_failed", err)
	}
	if err := s.requireAccess(db, conversation.CaseID, userID, opMarkConversation); err != nil {
		return err
	}

	state := ReadState{
		ConversationID:  conversationID,
		UserID:          userID,
		LastReadSeconds: s.clock().UTC().Unix(),
	}
	if err := db.Save(&state).Error; err != nil {
		s.logError(opMarkConversation, "save_failed", err, zap.String("conversation_id", conversationID))
		return newServiceError(opMarkConversation, "save_failed", err)
	}
	return nil
}

// CreateConversation registers a case thread. An empty channel binds the
// conversation to the case's primary channel.
func (s *Service) CreateConversation(ctx context.Context, caseID CaseID, topic string, channelID ChannelID) (Conversation, error) {
	conversationID, err := s.idProvider.NewID()
	if err != nil {
		return Conversation{}, newServiceError(opCreateConversation, "id_generation_failed", err)
	}
	if channelID == "" {
		channelID = ChannelForCase(caseID)
	}

	conversation := Conversation{
		ConversationID: conversationID,
		CaseID:         caseID.String(),
		ChannelID:      channelID.String(),
		Topic:          strings.TrimSpace(topic),
	}
	if err := s.db.WithContext(ctx).Create(&conversation).Error; err != nil {
		s.logError(opCreateConversation, "insert_failed", err, zap.String("case_id", caseID.String()))
		return Conversation{}, newServiceError(opCreateConversation, "insert_failed", err)
	}
	return conversation, nil
}

// GrantCaseAccess records a participant grant for the case.
func (s *Service) GrantCaseAccess(ctx context.Context, caseID CaseID, userID string) error {
	if userID == "" {
		return newServiceError(opGrantAccess, "missing_user_id", errMissingUserID)
	}
	grant := CaseAccess{CaseID: caseID.String(), UserID: userID}
	if err := s.db.WithContext(ctx).Save(&grant).Error; err != nil {
		s.logError(opGrantAccess, "save_failed", err, zap.String("case_id", caseID.String()))
		return newServiceError(opGrantAccess, "save_failed", err)
	}
	return nil
}

// RevokeCaseAccess removes a participant grant. Case-scoped calls made by
// the participant afterwards are rejected with ErrAccessDenied.
func (s *Service) RevokeCaseAccess(ctx context.Context, caseID CaseID, userID string) error {
	if userID == "" {
		return newServiceError(opRevokeAccess, "missing_user_id", errMissingUserID)
	}
	if err := s.db.WithContext(ctx).
		Where("case_id = ? AND user_id = ?", caseID.String(), userID).
		Delete(&CaseAccess{}).Error; err != nil {
		s.logError(opRevokeAccess, "delete_failed", err, zap.String("case_id", caseID.String()))
		return newServiceError(opRevokeAccess, "delete_failed", err)
	}
	return nil
}

// AuthorizeChannel verifies the caller may subscribe to the channel.
func (s *Service) AuthorizeChannel(ctx context.Context, userID string, channelID ChannelID) error {
	if userID == "" {
		return newServiceError(opListBacklog, "missing_user_id", errMissingUserID)
	}
	db := s.db.WithContext(ctx)
	conversation, err := s.conversationForChannel(db, channelID)
	if err != nil {
		return err
	}
	return s.requireAccess(db, conversation.CaseID, userID, opListBacklog)
}

func (s *Service) conversationForChannel(db *gorm.DB, channelID ChannelID) (Conversation, error) {
	var conversation Conversation
	err := db.Where("channel_id = ?", channelID.String()).Take(&conversation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Conversation{}, newServiceError(opAppendMessage, "unknown_channel", ErrNotFound)
	}
	if err != nil {
		return Conversation{}, newServiceError(opAppendMessage, "conversation_select_failed", err)
	}
	return conversation, nil
}

func (s *Service) requireAccess(db *gorm.DB, caseID, userID, operation string) error {
	var grant CaseAccess
	err := db.Where("case_id = ? AND user_id = ?", caseID, userID).Take(&grant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return newServiceError(operation, "access_denied", ErrAccessDenied)
	}
	if err != nil {
		return newServiceError(operation, "access_check_failed", err)
	}
	return nil
}

func (s *Service) notifyParticipants(tx *gorm.DB, conversation Conversation, message Message) error {
	var grants []CaseAccess
	if err := tx.Where("case_id = ?", conversation.CaseID).Find(&grants).Error; err != nil {
		return newServiceError(opAppendMessage, "participant_lookup_failed", err)
	}

	metadata := fmt.Sprintf(
		`{"case_id":%q,"channel_id":%q,"message_id":%q}`,
		conversation.CaseID, message.ChannelID, message.MessageID,
	)
	for _, grant := range grants {
		if grant.UserID == message.AuthorID {
			continue
		}
		notificationID, err := s.idProvider.NewID()
		if err != nil {
			return newServiceError(opAppendMessage, "id_generation_failed", err)
		}
		notification := Notification{
			NotificationID:   notificationID,
			UserID:           grant.UserID,
			Type:             "message",
			Priority:         "normal",
			CreatedAtSeconds: message.CreatedAtSeconds,
			MetadataJSON:     metadata,
		}
		if err := tx.Create(&notification).Error; err != nil {
			return newServiceError(opAppendMessage, "notification_insert_failed", err)
		}
	}
	return nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("chat service error", attrs...)
}
