package notify

import "encoding/json"

// Notification type tags the hub emits today.
const (
	TypeMessage         = "message"
	TypeDocumentRequest = "document_request"
	TypeHearing         = "hearing"
)

// Metadata is the decoded payload variant of one notification. Unknown
// types fall back to RawMetadata instead of ad hoc property probing.
type Metadata interface {
	metadataVariant()
}

// MessageMetadata points at the chat message that raised the notification.
type MessageMetadata struct {
	CaseID    string `json:"case_id"`
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
}

func (MessageMetadata) metadataVariant() {}

// DocumentRequestMetadata points at a document requirement on the case.
type DocumentRequestMetadata struct {
	CaseID     string `json:"case_id"`
	DocumentID string `json:"document_id"`
	Title      string `json:"title"`
}

func (DocumentRequestMetadata) metadataVariant() {}

// HearingMetadata carries a scheduled hearing for the case.
type HearingMetadata struct {
	CaseID           string `json:"case_id"`
	HearingAtSeconds int64  `json:"hearing_at_s"`
	Location         string `json:"location"`
}

func (HearingMetadata) metadataVariant() {}

// RawMetadata preserves payloads of unknown or malformed shape.
type RawMetadata struct {
	Raw json.RawMessage
}

func (RawMetadata) metadataVariant() {}

// DecodeMetadata parses raw metadata according to the notification type.
func DecodeMetadata(notificationType string, raw json.RawMessage) Metadata {
	if len(raw) == 0 {
		return RawMetadata{}
	}
	switch notificationType {
	case TypeMessage:
		var meta MessageMetadata
		if err := json.Unmarshal(raw, &meta); err == nil {
			return meta
		}
	case TypeDocumentRequest:
		var meta DocumentRequestMetadata
		if err := json.Unmarshal(raw, &meta); err == nil {
			return meta
		}
	case TypeHearing:
		var meta HearingMetadata
		if err := json.Unmarshal(raw, &meta); err == nil {
			return meta
		}
	}
	return RawMetadata{Raw: raw}
}
