package auth

import (
	"slices"
	"time"
)

// RoleAdmin grants override and tenant configuration writes.
const RoleAdmin = "admin"

// APIKeyInfo maps an API key to the actor recorded in audit entries.
type APIKeyInfo struct {
	Key       string
	Actor     string
	Roles     []string
	Enabled   bool
	CreatedAt time.Time
}

// HasRole reports whether the key carries role.
func (i *APIKeyInfo) HasRole(role string) bool {
	return slices.Contains(i.Roles, role)
}

// APIKeyStore stores and validates API keys
type APIKeyStore interface {
	Validate(key string) (*APIKeyInfo, error)
	List() []*APIKeyInfo
}
