package identity

import (
	"fmt"
	"testing"
	"time"

	"github.com/caseflowlabs/casewire/internal/auth"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	dsn := fmt.Sprintf("file:casewire_identity_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	service, err := NewService(ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service
}

func TestResolveCreatesRecordOnFirstSight(t *testing.T) {
	service := newTestService(t)

	record, err := service.Resolve(auth.TokenClaims{Subject: "alice", Role: auth.RoleMediator})
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if record.Subject != "alice" || record.Role != auth.RoleMediator {
		t.Fatalf("unexpected record %+v", record)
	}
}

func TestResolveRejectsEmptySubject(t *testing.T) {
	service := newTestService(t)

	if _, err := service.Resolve(auth.TokenClaims{Subject: "   "}); err == nil {
		t.Fatalf("expected invalid identity error")
	}
}

func TestResolveRoleClaimWins(t *testing.T) {
	service := newTestService(t)

	if _, err := service.Resolve(auth.TokenClaims{Subject: "alice", Role: auth.RoleParty}); err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}

	// A reissued token with a different role takes effect immediately.
	record, err := service.Resolve(auth.TokenClaims{Subject: "alice", Role: auth.RoleMediator})
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if record.Role != auth.RoleMediator {
		t.Fatalf("expected role claim to win, got %s", record.Role)
	}
}

func TestResolveIsStableAcrossCalls(t *testing.T) {
	service := newTestService(t)

	first, err := service.Resolve(auth.TokenClaims{Subject: "alice", Role: auth.RoleMediator})
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	second, err := service.Resolve(auth.TokenClaims{Subject: "alice", Role: auth.RoleMediator})
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if first.Subject != second.Subject || first.Role != second.Role {
		t.Fatalf("resolution drifted: %+v vs %+v", first, second)
	}
}
