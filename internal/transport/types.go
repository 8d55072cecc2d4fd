package transport

import "encoding/json"

// Message is the wire shape of one chat message.
type Message struct {
	ID         string `json:"id"`
	ChannelID  string `json:"channel_id"`
	AuthorID   string `json:"author_id"`
	AuthorRole string `json:"author_role"`
	Content    string `json:"content"`
	CreatedAt  int64  `json:"created_at"`
}

// Notification is the wire shape of one notification feed entry.
// Metadata stays raw here; internal/notify decodes it per type.
type Notification struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Priority  string          `json:"priority"`
	Read      bool            `json:"read"`
	CreatedAt int64           `json:"created_at"`
	Metadata  json.RawMessage `json:"metadata"`
}

// Conversation is one row of the per-case conversation listing.
type Conversation struct {
	ID          string `json:"id"`
	CaseID      string `json:"case_id"`
	ChannelID   string `json:"channel_id"`
	Topic       string `json:"topic"`
	UnreadCount int64  `json:"unread_count"`
}

type conversationListPayload struct {
	Conversations []Conversation `json:"conversations"`
}

// PushEvent is one frame delivered on a push subscription.
type PushEvent struct {
	Type    string  `json:"type"`
	Table   string  `json:"table"`
	Channel string  `json:"channel"`
	Message Message `json:"message"`
}

// PushEventInsert marks a freshly written chat message row.
const PushEventInsert = "INSERT"
