package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"accessgate.org/internal/lockout"
	"accessgate.org/internal/obs"
	"accessgate.org/internal/perm"
	"accessgate.org/internal/token"
)

// Service orchestrates the login and authorization flows: lockout guard →
// credential verification → token issuance, and token validation →
// permission resolution.
type Service struct {
	creds       CredentialStore
	assignments AssignmentStore
	guard       *lockout.Guard
	tokens      *token.Service
	resolver    *perm.Resolver
	now         func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithServiceClock overrides the time source (useful for tests).
func WithServiceClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService wires the engine together. All collaborators are mandatory.
func NewService(creds CredentialStore, assignments AssignmentStore, guard *lockout.Guard, tokens *token.Service, resolver *perm.Resolver, opts ...ServiceOption) (*Service, error) {
	switch {
	case creds == nil:
		return nil, errors.New("auth: credential store is required")
	case assignments == nil:
		return nil, errors.New("auth: assignment store is required")
	case guard == nil:
		return nil, errors.New("auth: lockout guard is required")
	case tokens == nil:
		return nil, errors.New("auth: token service is required")
	case resolver == nil:
		return nil, errors.New("auth: permission resolver is required")
	}
	s := &Service{
		creds:       creds,
		assignments: assignments,
		guard:       guard,
		tokens:      tokens,
		resolver:    resolver,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Authenticate verifies credentials behind the lockout guard and issues a
// token pair. All credential failures collapse to ErrInvalidCredential so a
// caller cannot probe which identifiers exist; store-connectivity failures
// propagate distinctly.
func (s *Service) Authenticate(ctx context.Context, identifier, secret, origin string, rememberMe bool) (token.Pair, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || secret == "" {
		return token.Pair{}, fmt.Errorf("%w: identifier and secret are required", ErrInvalidInput)
	}

	if locked, retryAfter := s.guard.IsLocked(identifier, origin); locked {
		obs.LoginOutcome("locked")
		return token.Pair{}, &LockedError{RetryAfter: retryAfter}
	}

	user, err := s.creds.FindByIdentifier(ctx, identifier)
	if errors.Is(err, ErrNotFound) {
		s.guard.RecordFailure(identifier, origin, "unknown identifier")
		obs.LoginOutcome("invalid")
		return token.Pair{}, ErrInvalidCredential
	}
	if err != nil {
		return token.Pair{}, fmt.Errorf("auth: credential lookup: %w", err)
	}

	if err := VerifyPassword(user.PasswordHash, secret); err != nil {
		s.guard.RecordFailure(identifier, origin, "bad password")
		obs.LoginOutcome("invalid")
		return token.Pair{}, ErrInvalidCredential
	}
	if !user.Active() {
		s.guard.RecordFailure(identifier, origin, "account disabled")
		obs.LoginOutcome("disabled")
		return token.Pair{}, ErrInvalidCredential
	}

	roles, err := s.assignments.ActiveRolesForUser(ctx, user.ID)
	if err != nil {
		return token.Pair{}, fmt.Errorf("auth: role snapshot: %w", err)
	}
	pair, err := s.tokens.Issue(ctx, user.ID, roleCodes(roles), rememberMe)
	if err != nil {
		return token.Pair{}, err
	}

	// Last-login bookkeeping must not fail an otherwise successful login.
	if err := s.creds.SetLastLogin(ctx, user.ID, s.now().UTC(), origin); err != nil {
		obs.Warn("set last login failed", map[string]any{"user_id": user.ID, "error": err.Error()})
	}

	s.guard.RecordSuccess(identifier)
	obs.LoginOutcome("success")
	return pair, nil
}

// AuthenticateToken validates an access token and returns the principal it
// names. The role snapshot comes from the token; permission checks always
// go through the resolver against live assignments.
func (s *Service) AuthenticateToken(ctx context.Context, raw string) (Principal, error) {
	claims, err := s.tokens.Validate(ctx, raw, token.TypeAccess)
	if err != nil {
		return Principal{}, err
	}
	return Principal{UserID: claims.Subject, Roles: claims.Roles}, nil
}

// Authorize validates the access token and resolves the permission check.
func (s *Service) Authorize(ctx context.Context, accessToken, code string) (bool, error) {
	claims, err := s.tokens.Validate(ctx, accessToken, token.TypeAccess)
	if err != nil {
		return false, err
	}
	return s.resolver.Check(ctx, claims.Subject, code)
}

// AuthorizeAll is the batched form of Authorize; the effective permission
// set is computed at most once.
func (s *Service) AuthorizeAll(ctx context.Context, accessToken string, codes []string) (map[string]bool, error) {
	claims, err := s.tokens.Validate(ctx, accessToken, token.TypeAccess)
	if err != nil {
		return nil, err
	}
	return s.resolver.CheckAll(ctx, claims.Subject, codes)
}

// CheckPermission resolves a permission for an already-authenticated user.
func (s *Service) CheckPermission(ctx context.Context, userID, code string) (bool, error) {
	return s.resolver.Check(ctx, userID, code)
}

// CheckPermissions is the batched form of CheckPermission.
func (s *Service) CheckPermissions(ctx context.Context, userID string, codes []string) (map[string]bool, error) {
	return s.resolver.CheckAll(ctx, userID, codes)
}

// Refresh rotates a refresh token. The subject's active-status bit is
// confirmed before rotation: refresh is login-adjacent, so a stale token
// must not resurrect a disabled account.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (token.Pair, error) {
	claims, err := s.tokens.Peek(refreshToken, token.TypeRefresh)
	if err != nil {
		return token.Pair{}, err
	}
	user, err := s.creds.FindByID(ctx, claims.Subject)
	if errors.Is(err, ErrNotFound) {
		return token.Pair{}, token.ErrInvalidToken
	}
	if err != nil {
		return token.Pair{}, fmt.Errorf("auth: refresh lookup: %w", err)
	}
	if !user.Active() {
		return token.Pair{}, token.ErrInvalidToken
	}
	return s.tokens.Refresh(ctx, refreshToken)
}

// Logout revokes the presented token. Idempotent.
func (s *Service) Logout(ctx context.Context, accessToken string) error {
	return s.tokens.Revoke(ctx, accessToken)
}

// RevokeAllSessions invalidates every outstanding token for the user.
func (s *Service) RevokeAllSessions(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return s.tokens.RevokeAll(ctx, userID)
}

func roleCodes(roles []Role) []string {
	codes := make([]string, 0, len(roles))
	for _, role := range roles {
		codes = append(codes, role.Code)
	}
	return codes
}
