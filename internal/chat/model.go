package chat

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidCaseID indicates that a case identifier is empty or exceeds storage bounds.
	ErrInvalidCaseID = errors.New("chat: invalid case id")
	// ErrInvalidChannelID indicates that a channel identifier is empty or exceeds storage bounds.
	ErrInvalidChannelID = errors.New("chat: invalid channel id")
	// ErrAccessDenied indicates the caller has no grant for the requested case.
	ErrAccessDenied = errors.New("chat: access denied")
	// ErrNotFound indicates the requested record does not exist for the caller.
	ErrNotFound = errors.New("chat: not found")
)

// CaseID represents a validated case identifier.
type CaseID string

// NewCaseID validates raw input and returns a CaseID.
func NewCaseID(rawInput string) (CaseID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCaseID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidCaseID, maxIdentifierLength)
	}
	return CaseID(trimmed), nil
}

// String returns the underlying string identifier.
func (id CaseID) String() string {
	return string(id)
}

// ChannelID represents a validated chat channel identifier.
type ChannelID string

// NewChannelID validates raw input and returns a ChannelID.
func NewChannelID(rawInput string) (ChannelID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidChannelID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidChannelID, maxIdentifierLength)
	}
	return ChannelID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ChannelID) String() string {
	return string(id)
}

// Message models one persisted chat message. Rows are immutable once
// inserted; deletion is an explicit separate operation.
type Message struct {
	MessageID        string `gorm:"column:message_id;primaryKey;size:190;not null" json:"id"`
	ChannelID        string `gorm:"column:channel_id;size:190;not null;index:idx_messages_channel_created,priority:1" json:"channel_id"`
	AuthorID         string `gorm:"column:author_id;size:190;not null" json:"author_id"`
	AuthorRole       string `gorm:"column:author_role;size:32;not null" json:"author_role"`
	Content          string `gorm:"column:content;type:text;not null" json:"content"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index:idx_messages_channel_created,priority:2" json:"created_at"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "chat_messages"
}

// Conversation is one case-scoped chat thread. Each conversation owns one
// push channel.
type Conversation struct {
	ConversationID string `gorm:"column:conversation_id;primaryKey;size:190;not null" json:"id"`
	CaseID         string `gorm:"column:case_id;size:190;not null;index" json:"case_id"`
	ChannelID      string `gorm:"column:channel_id;size:190;not null;uniqueIndex" json:"channel_id"`
	Topic          string `gorm:"column:topic;size:320;not null;default:''" json:"topic"`
}

// TableName provides the explicit table binding for GORM.
func (Conversation) TableName() string {
	return "conversations"
}

// ReadState tracks how far a participant has read within a conversation.
// Unread counts are derived from it, never stored.
type ReadState struct {
	ConversationID  string `gorm:"column:conversation_id;primaryKey;size:190;not null"`
	UserID          string `gorm:"column:user_id;primaryKey;size:190;not null"`
	LastReadSeconds int64  `gorm:"column:last_read_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (ReadState) TableName() string {
	return "conversation_read_states"
}

// CaseAccess grants one participant access to one case. Revoking the row is
// what turns subsequent case-scoped calls into 403s.
type CaseAccess struct {
	CaseID string `gorm:"column:case_id;primaryKey;size:190;not null"`
	UserID string `gorm:"column:user_id;primaryKey;size:190;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CaseAccess) TableName() string {
	return "case_access"
}

// Notification models one persisted notification. Read only ever moves
// from false to true.
type Notification struct {
	NotificationID   string `gorm:"column:notification_id;primaryKey;size:190;not null" json:"id"`
	UserID           string `gorm:"column:user_id;size:190;not null;index" json:"-"`
	Type             string `gorm:"column:type;size:64;not null" json:"type"`
	Priority         string `gorm:"column:priority;size:32;not null;default:'normal'" json:"priority"`
	Read             bool   `gorm:"column:read;not null;default:false" json:"read"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null" json:"created_at"`
	MetadataJSON     string `gorm:"column:metadata_json;type:text;not null;default:''" json:"-"`
}

// TableName provides the explicit table binding for GORM.
func (Notification) TableName() string {
	return "notifications"
}

// ConversationSummary is the per-conversation row returned by the case
// conversation listing, with the derived unread count attached.
type ConversationSummary struct {
	ConversationID string `json:"id"`
	CaseID         string `json:"case_id"`
	ChannelID      string `json:"channel_id"`
	Topic          string `json:"topic"`
	UnreadCount    int64  `json:"unread_count"`
}
