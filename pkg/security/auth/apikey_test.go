package auth

import (
	"errors"
	"testing"
	"time"

	"mercator-hq/spendgate/pkg/budget"
)

func testKeys() []*APIKeyInfo {
	return []*APIKeyInfo{
		{Key: "sk-admin", Actor: "alice", Roles: []string{RoleAdmin}, Enabled: true, CreatedAt: time.Now()},
		{Key: "sk-viewer", Actor: "dashboard", Enabled: true, CreatedAt: time.Now()},
		{Key: "sk-retired", Actor: "bob", Roles: []string{RoleAdmin}, Enabled: false, CreatedAt: time.Now()},
	}
}

func TestAPIKeyValidator_Validate(t *testing.T) {
	v := NewAPIKeyValidator(testKeys())

	tests := []struct {
		name      string
		key       string
		wantActor string
		wantErr   error
	}{
		{"admin key", "sk-admin", "alice", nil},
		{"viewer key", "sk-viewer", "dashboard", nil},
		{"disabled key", "sk-retired", "", ErrAPIKeyDisabled},
		{"unknown key", "sk-nope", "", ErrInvalidAPIKey},
		{"empty key", "", "", ErrInvalidAPIKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := v.Validate(tt.key)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Expected error %v, got %v", tt.wantErr, err)
			}
			if tt.wantErr == nil && info.Actor != tt.wantActor {
				t.Errorf("Expected actor %s, got %s", tt.wantActor, info.Actor)
			}
		})
	}
}

func TestAPIKeyValidator_RequireAdmin(t *testing.T) {
	v := NewAPIKeyValidator(testKeys())

	tests := []struct {
		actor   string
		allowed bool
	}{
		{"alice", true},
		{"dashboard", false},
		{"bob", false}, // admin role but key disabled
		{"", false},
		{"stranger", false},
	}

	for _, tt := range tests {
		t.Run(tt.actor, func(t *testing.T) {
			err := v.RequireAdmin(tt.actor)
			if tt.allowed && err != nil {
				t.Errorf("Expected %q to be admin, got %v", tt.actor, err)
			}
			if !tt.allowed && !errors.Is(err, budget.ErrForbidden) {
				t.Errorf("Expected ErrForbidden for %q, got %v", tt.actor, err)
			}
		})
	}
}

func TestAPIKeyValidator_Mutations(t *testing.T) {
	v := NewAPIKeyValidator(nil)

	v.Add(&APIKeyInfo{Key: "sk-new", Actor: "carol", Enabled: true})
	if _, err := v.Validate("sk-new"); err != nil {
		t.Fatalf("Expected added key to validate, got %v", err)
	}
	if len(v.List()) != 1 {
		t.Errorf("Expected 1 key, got %d", len(v.List()))
	}

	if err := v.Update(&APIKeyInfo{Key: "sk-new", Actor: "carol", Roles: []string{RoleAdmin}, Enabled: true}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := v.RequireAdmin("carol"); err != nil {
		t.Errorf("Expected carol to be admin after update, got %v", err)
	}
	if err := v.Update(&APIKeyInfo{Key: "sk-missing"}); err == nil {
		t.Error("Expected error updating an unknown key")
	}

	v.Remove("sk-new")
	if _, err := v.Validate("sk-new"); err == nil {
		t.Error("Expected removed key to be rejected")
	}
}

func TestAPIKeyValidator_ImplementsAuthorizer(t *testing.T) {
	var _ budget.Authorizer = NewAPIKeyValidator(nil)
}
