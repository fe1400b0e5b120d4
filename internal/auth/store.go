package auth

import (
	"context"
	"time"
)

// CredentialStore persists user records. Implementations must honor the
// context deadline on every call.
type CredentialStore interface {
	// FindByIdentifier looks a user up by username, falling back to email
	// when the identifier contains "@". Returns ErrNotFound when absent.
	FindByIdentifier(ctx context.Context, identifier string) (*User, error)
	// FindByID returns the user record, or ErrNotFound.
	FindByID(ctx context.Context, userID string) (*User, error)
	// SetLastLogin records a successful authentication. Failures here must
	// not fail the login itself.
	SetLastLogin(ctx context.Context, userID string, at time.Time, origin string) error
}

// AssignmentStore persists user→role and role→permission links. Every
// mutating operation must synchronously invalidate the resolver for the
// affected users before returning.
type AssignmentStore interface {
	ActiveRolesForUser(ctx context.Context, userID string) ([]Role, error)
	ActiveGrantsForRole(ctx context.Context, roleID string) ([]string, error)
	UsersForRole(ctx context.Context, roleID string) ([]string, error)

	AssignRole(ctx context.Context, assignment RoleAssignment) error
	RemoveRole(ctx context.Context, userID, roleID string) error
	Grant(ctx context.Context, grant PermissionGrant) error
	RevokeGrant(ctx context.Context, roleID, permissionCode string) error
}
