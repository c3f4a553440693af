package auth

import (
	"errors"
	"os/user"
)

var (
	// ErrAuthFailed is returned for wrong credentials.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrUnsupported is returned where PAM is not available.
	ErrUnsupported = errors.New("PAM authentication is not supported on this platform")
)

// Role represents user access level
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleReadOnly Role = "readonly"
)

// DefaultAdminGroups grant the admin role.
var DefaultAdminGroups = []string{"wheel", "sudo", "root", "admin"}

// User represents authenticated user
type User struct {
	Username string `json:"username"`
	UID      string `json:"uid,omitempty"`
	GID      string `json:"gid,omitempty"`
	Role     Role   `json:"role"`
}

// IsAdmin checks if user has admin role
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// Anonymous is the user attached to requests when auth is disabled.
var Anonymous = &User{Username: "anonymous", Role: RoleAdmin}

// Authenticator verifies credentials.
type Authenticator interface {
	Authenticate(username, password string) (*User, error)
}

// lookupUser resolves uid/gid and the role from group membership.
func lookupUser(username string, adminGroups []string) (*User, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return nil, err
	}

	result := &User{
		Username: username,
		UID:      u.Uid,
		GID:      u.Gid,
		Role:     RoleReadOnly,
	}
	if username == "root" {
		result.Role = RoleAdmin
		return result, nil
	}

	groups, err := u.GroupIds()
	if err != nil {
		return result, nil
	}
	for _, gid := range groups {
		group, err := user.LookupGroupId(gid)
		if err != nil {
			continue
		}
		for _, adminGroup := range adminGroups {
			if group.Name == adminGroup {
				result.Role = RoleAdmin
				return result, nil
			}
		}
	}
	return result, nil
}
