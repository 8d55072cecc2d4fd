package identity

import (
	"strings"
	"time"
)

// Record captures the mapping between a bearer-token subject and the
// participant identity stamped on messages.
type Record struct {
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	Role        string    `gorm:"column:role;size:32;not null;default:''"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing participant identities.
func (Record) TableName() string {
	return "participant_identities"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
