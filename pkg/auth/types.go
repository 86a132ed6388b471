package auth

import "time"

// Org represents a strict isolation boundary. Every call belongs to exactly
// one org, and API reads never cross it.
type Org struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Plan      string    `json:"plan"`
	CreatedAt time.Time `json:"created_at"`
	Status    string    `json:"status"` // ACTIVE, SUSPENDED
}

// User represents an authenticated entity within an org.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	OrgID     string    `json:"org_id"`
	Roles     []string  `json:"roles"` // e.g., "admin", "viewer"
	CreatedAt time.Time `json:"created_at"`
}

// Principal is the interface for any entity making a request (User, ServiceAccount, System).
type Principal interface {
	GetID() string
	GetOrgID() string
	GetRoles() []string
	// HasPermission checks if the principal has a specific permission.
	HasPermission(perm string) bool
}

// BasePrincipal is a simple implementation of Principal.
type BasePrincipal struct {
	ID    string
	OrgID string
	Roles []string
}

func (b *BasePrincipal) GetID() string {
	return b.ID
}

func (b *BasePrincipal) GetOrgID() string {
	return b.OrgID
}

func (b *BasePrincipal) GetRoles() []string {
	return b.Roles
}

func (b *BasePrincipal) HasPermission(perm string) bool {
	// Simple check: admins have everything
	for _, role := range b.Roles {
		if role == "admin" {
			return true
		}
	}
	return false
}
