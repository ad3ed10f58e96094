package v1alpha1

import (
	"fmt"
	"time"
)

// Role is a user's authorization role. It is fixed at registration.
type Role string

const (
	// RoleAdmin may act on every VM.
	RoleAdmin Role = "admin"
	// RoleUser may act only on VMs they own.
	RoleUser Role = "user"
)

// ParseRole converts a string to a Role.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleAdmin, RoleUser:
		return Role(s), nil
	default:
		return "", fmt.Errorf("%w: unknown role %q (valid roles: admin, user)", ErrInvalidRequest, s)
	}
}

// User is a registered identity that may own VMs.
type User struct {
	ID        int64     `json:"id" yaml:"id"`
	Username  string    `json:"username" yaml:"username"`
	Role      Role      `json:"role" yaml:"role"`
	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
}

// Caller is the verified identity of the current request, as handed to the
// orchestrator by the identity collaborator. It is trusted as-is.
type Caller struct {
	ID       int64
	Username string
	Role     Role
}

// IsAdmin reports whether the caller has the admin role.
func (c Caller) IsAdmin() bool {
	return c.Role == RoleAdmin
}

// CallerFor builds the Caller for a stored user.
func CallerFor(u *User) Caller {
	return Caller{ID: u.ID, Username: u.Username, Role: u.Role}
}
