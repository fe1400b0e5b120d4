package auth

import "time"

// User account statuses.
const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)

// User is a credentialed account. Locked is an administrative hold distinct
// from the lockout guard's sliding windows.
type User struct {
	ID              string
	Username        string
	Email           string
	PasswordHash    string
	Status          string
	Locked          bool
	LastLoginAt     *time.Time
	LastLoginOrigin string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Active reports whether the account may authenticate.
func (u *User) Active() bool {
	return u != nil && u.Status == UserStatusActive && !u.Locked
}

// Role groups permission grants under a stable code.
type Role struct {
	ID          string
	Code        string
	Name        string
	Description string
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RoleAssignment links a user to a role. Composite identity is
// (UserID, RoleID); re-assigning an already-active pair is a no-op.
type RoleAssignment struct {
	UserID     string
	RoleID     string
	Active     bool
	AssignedAt time.Time
	AssignedBy string
}

// PermissionGrant links a role to a permission code. Composite identity is
// (RoleID, PermissionCode).
type PermissionGrant struct {
	RoleID         string
	PermissionCode string
	Active         bool
	GrantedAt      time.Time
	GrantedBy      string
}
