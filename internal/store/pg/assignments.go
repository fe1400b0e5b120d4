package pg

import (
	"context"
	"fmt"
	"strings"

	"accessgate.org/internal/auth"
)

var _ auth.AssignmentStore = (*Store)(nil)

// ActiveRolesForUser returns the user's active roles; both the assignment
// and the role itself must be active.
func (s *Store) ActiveRolesForUser(ctx context.Context, userID string) ([]auth.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select r.id, r.code, r.name, r.description, r.active, r.created_at, r.updated_at
		from roles r
		join user_roles ur on ur.role_id = r.id
		where ur.user_id = $1 and ur.active and r.active
		order by r.code
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []auth.Role
	for rows.Next() {
		var role auth.Role
		if err := rows.Scan(&role.ID, &role.Code, &role.Name, &role.Description,
			&role.Active, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// ActiveGrantsForRole returns the role's active permission codes.
func (s *Store) ActiveGrantsForRole(ctx context.Context, roleID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select permission_code
		from role_permissions
		where role_id = $1 and active
		order by permission_code
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

// UsersForRole returns ids of users actively holding the role. Used for
// invalidation fan-out.
func (s *Store) UsersForRole(ctx context.Context, roleID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select user_id
		from user_roles
		where role_id = $1 and active
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		users = append(users, userID)
	}
	return users, rows.Err()
}

// AssignRole activates a user→role link. Re-assigning an already-active pair
// is a no-op, not an error. The user's cached permissions are invalidated
// before return.
func (s *Store) AssignRole(ctx context.Context, assignment auth.RoleAssignment) error {
	if assignment.UserID == "" || assignment.RoleID == "" {
		return fmt.Errorf("%w: user_id and role_id are required", auth.ErrInvalidInput)
	}
	_, err := s.db.ExecContext(ctx, `
		insert into user_roles (user_id, role_id, active, assigned_at, assigned_by)
		values ($1, $2, true, now(), $3)
		on conflict (user_id, role_id)
		do update set active = true, assigned_at = now(), assigned_by = excluded.assigned_by
	`, assignment.UserID, assignment.RoleID, assignment.AssignedBy)
	if err != nil {
		return err
	}
	s.invalidateUser(assignment.UserID)
	return nil
}

// RemoveRole deactivates a user→role link and invalidates the user.
func (s *Store) RemoveRole(ctx context.Context, userID, roleID string) error {
	_, err := s.db.ExecContext(ctx, `
		update user_roles
		set active = false
		where user_id = $1 and role_id = $2
	`, userID, roleID)
	if err != nil {
		return err
	}
	s.invalidateUser(userID)
	return nil
}

// Grant activates a role→permission link and fans invalidation out to every
// user holding the role.
func (s *Store) Grant(ctx context.Context, grant auth.PermissionGrant) error {
	code := strings.TrimSpace(strings.ToLower(grant.PermissionCode))
	if grant.RoleID == "" || code == "" {
		return fmt.Errorf("%w: role_id and permission_code are required", auth.ErrInvalidInput)
	}
	_, err := s.db.ExecContext(ctx, `
		insert into role_permissions (role_id, permission_code, active, granted_at, granted_by)
		values ($1, $2, true, now(), $3)
		on conflict (role_id, permission_code)
		do update set active = true, granted_at = now(), granted_by = excluded.granted_by
	`, grant.RoleID, code, grant.GrantedBy)
	if err != nil {
		return err
	}
	return s.invalidateRole(ctx, grant.RoleID)
}

// RevokeGrant deactivates a role→permission link and fans invalidation out.
func (s *Store) RevokeGrant(ctx context.Context, roleID, permissionCode string) error {
	_, err := s.db.ExecContext(ctx, `
		update role_permissions
		set active = false
		where role_id = $1 and permission_code = $2
	`, roleID, strings.TrimSpace(strings.ToLower(permissionCode)))
	if err != nil {
		return err
	}
	return s.invalidateRole(ctx, roleID)
}
