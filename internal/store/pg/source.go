package pg

import (
	"context"
	"database/sql"
	"errors"

	"accessgate.org/internal/auth"
	"accessgate.org/internal/perm"
)

// permSource adapts the store to the resolver's narrow read interface.
type permSource struct {
	store *Store
}

var _ perm.Source = (*permSource)(nil)

// PermSource returns the resolver-facing view of the store.
func (s *Store) PermSource() perm.Source {
	return &permSource{store: s}
}

// UserState reports the live account status. Unknown users are inactive.
func (p *permSource) UserState(ctx context.Context, userID string) (perm.UserState, error) {
	var (
		status string
		locked bool
	)
	err := p.store.db.QueryRowContext(ctx, `
		select status, locked from users where id = $1
	`, userID).Scan(&status, &locked)
	if errors.Is(err, sql.ErrNoRows) {
		return perm.UserState{}, nil
	}
	if err != nil {
		return perm.UserState{}, err
	}
	return perm.UserState{Active: status == auth.UserStatusActive, Locked: locked}, nil
}

func (p *permSource) ActiveRolesForUser(ctx context.Context, userID string) ([]perm.RoleRef, error) {
	roles, err := p.store.ActiveRolesForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	refs := make([]perm.RoleRef, 0, len(roles))
	for _, role := range roles {
		refs = append(refs, perm.RoleRef{ID: role.ID, Code: role.Code})
	}
	return refs, nil
}

func (p *permSource) ActiveGrantsForRole(ctx context.Context, roleID string) ([]string, error) {
	return p.store.ActiveGrantsForRole(ctx, roleID)
}

func (p *permSource) UsersForRole(ctx context.Context, roleID string) ([]string, error) {
	return p.store.UsersForRole(ctx, roleID)
}
