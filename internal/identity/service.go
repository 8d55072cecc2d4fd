package identity

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/caseflowlabs/casewire/internal/auth"
	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the claims did not contain a usable subject.
var ErrInvalidIdentity = errors.New("identity: invalid identity")

// ServiceConfig describes the dependencies required for identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service resolves token claims to participant records, creating the
// record on first sight.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("identity: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// Resolve returns the participant record for the provided token claims,
// creating it when the subject has not been seen before. The role claim
// wins over a previously stored role so revoked-and-reissued tokens take
// effect on the next request.
func (s *Service) Resolve(claims auth.TokenClaims) (Record, error) {
	subject := normalize(claims.Subject)
	if subject == "" {
		return Record{}, ErrInvalidIdentity
	}

	if cached, ok := s.cache.Load(subject); ok {
		record, ok := cached.(Record)
		if ok && record.Role == claims.Role {
			return record, nil
		}
	}

	var record Record
	err := s.db.Where("subject = ?", subject).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		record = Record{
			Subject:    subject,
			Role:       normalize(claims.Role),
			LastSeenAt: s.now(),
		}
		if err := s.db.Create(&record).Error; err != nil {
			return Record{}, err
		}
	} else if err != nil {
		return Record{}, err
	} else {
		updates := map[string]interface{}{"last_seen_at": s.now()}
		if role := normalize(claims.Role); role != "" && role != record.Role {
			updates["role"] = role
			record.Role = role
		}
		_ = s.db.Model(&Record{}).
			Where("subject = ?", subject).
			Updates(updates).
			Error
	}

	s.cache.Store(subject, record)
	return record, nil
}
