package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"accessgate.org/internal/lockout"
	"accessgate.org/internal/perm"
	"accessgate.org/internal/token"
)

// fakeStore implements CredentialStore, AssignmentStore and perm.Source over
// in-memory maps.
type fakeStore struct {
	users      map[string]*User
	byUsername map[string]string
	byEmail    map[string]string
	roles      map[string][]Role
	grants     map[string][]string
	lastLogin  map[string]time.Time
	loginErr   error
	findErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:      make(map[string]*User),
		byUsername: make(map[string]string),
		byEmail:    make(map[string]string),
		roles:      make(map[string][]Role),
		grants:     make(map[string][]string),
		lastLogin:  make(map[string]time.Time),
	}
}

func (f *fakeStore) addUser(t *testing.T, id, username, password string) *User {
	t.Helper()
	// MinCost keeps the suite fast; VerifyPassword accepts any cost.
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	u := &User{
		ID:           id,
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: string(hash),
		Status:       UserStatusActive,
	}
	f.users[id] = u
	f.byUsername[username] = id
	f.byEmail[u.Email] = id
	return u
}

func (f *fakeStore) FindByIdentifier(_ context.Context, identifier string) (*User, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	if id, ok := f.byUsername[identifier]; ok {
		return f.users[id], nil
	}
	if id, ok := f.byEmail[identifier]; ok {
		return f.users[id], nil
	}
	return nil, ErrNotFound
}

func (f *fakeStore) FindByID(_ context.Context, userID string) (*User, error) {
	if u, ok := f.users[userID]; ok {
		return u, nil
	}
	return nil, ErrNotFound
}

func (f *fakeStore) SetLastLogin(_ context.Context, userID string, at time.Time, _ string) error {
	if f.loginErr != nil {
		return f.loginErr
	}
	f.lastLogin[userID] = at
	return nil
}

func (f *fakeStore) ActiveRolesForUser(_ context.Context, userID string) ([]Role, error) {
	return f.roles[userID], nil
}

func (f *fakeStore) ActiveGrantsForRole(_ context.Context, roleID string) ([]string, error) {
	return f.grants[roleID], nil
}

func (f *fakeStore) UsersForRole(_ context.Context, roleID string) ([]string, error) {
	var ids []string
	for userID, roles := range f.roles {
		for _, role := range roles {
			if role.ID == roleID {
				ids = append(ids, userID)
			}
		}
	}
	return ids, nil
}

func (f *fakeStore) AssignRole(_ context.Context, _ RoleAssignment) error { return nil }
func (f *fakeStore) RemoveRole(_ context.Context, _, _ string) error      { return nil }
func (f *fakeStore) Grant(_ context.Context, _ PermissionGrant) error     { return nil }
func (f *fakeStore) RevokeGrant(_ context.Context, _, _ string) error     { return nil }

// UserState adapts the user record for the resolver.
func (f *fakeStore) UserState(_ context.Context, userID string) (perm.UserState, error) {
	u, ok := f.users[userID]
	if !ok {
		return perm.UserState{}, nil
	}
	return perm.UserState{Active: u.Status == UserStatusActive, Locked: u.Locked}, nil
}

func (f *fakeStore) roleRefs(_ context.Context, userID string) ([]perm.RoleRef, error) {
	var refs []perm.RoleRef
	for _, role := range f.roles[userID] {
		refs = append(refs, perm.RoleRef{ID: role.ID, Code: role.Code})
	}
	return refs, nil
}

// permSourceAdapter exposes the fake store as a perm.Source: the Role types
// differ between the packages.
type permSourceAdapter struct{ *fakeStore }

func (a permSourceAdapter) ActiveRolesForUser(ctx context.Context, userID string) ([]perm.RoleRef, error) {
	return a.roleRefs(ctx, userID)
}

type authFixture struct {
	svc     *Service
	store   *fakeStore
	guard   *lockout.Guard
	tokens  *token.Service
	current time.Time
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	fx := &authFixture{
		store:   newFakeStore(),
		current: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return fx.current }

	fx.guard = lockout.NewGuard(24*time.Hour, lockout.WithClock(clock))

	revocations := token.NewMemoryRevocationSet()
	revocations.SetClock(clock)
	tokens, err := token.NewService([]byte("0123456789abcdef0123456789abcdef"), revocations, token.WithClock(clock))
	if err != nil {
		t.Fatalf("token.NewService: %v", err)
	}
	fx.tokens = tokens

	resolver, err := perm.NewResolver(permSourceAdapter{fx.store}, perm.WithResolverClock(clock))
	if err != nil {
		t.Fatalf("perm.NewResolver: %v", err)
	}

	fx.svc, err = NewService(fx.store, fx.store, fx.guard, tokens, resolver, WithServiceClock(clock))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return fx
}

func TestAuthenticateSuccess(t *testing.T) {
	fx := newAuthFixture(t)
	fx.store.addUser(t, "u1", "alice", "s3cret")
	fx.store.roles["u1"] = []Role{{ID: "r1", Code: "editor", Active: true}}
	ctx := context.Background()

	pair, err := fx.svc.Authenticate(ctx, "alice", "s3cret", "1.2.3.4", false)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	principal, err := fx.svc.AuthenticateToken(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("AuthenticateToken: %v", err)
	}
	if principal.UserID != "u1" {
		t.Fatalf("unexpected principal: %+v", principal)
	}
	if len(principal.Roles) != 1 || principal.Roles[0] != "editor" {
		t.Fatalf("role snapshot missing: %v", principal.Roles)
	}
	if _, ok := fx.store.lastLogin["u1"]; !ok {
		t.Fatal("last login not recorded")
	}

	// Email works as identifier too.
	if _, err := fx.svc.Authenticate(ctx, "alice@example.com", "s3cret", "1.2.3.4", false); err != nil {
		t.Fatalf("Authenticate by email: %v", err)
	}
}

func TestAuthenticateGenericFailures(t *testing.T) {
	fx := newAuthFixture(t)
	fx.store.addUser(t, "u1", "alice", "s3cret")
	disabled := fx.store.addUser(t, "u2", "bob", "s3cret")
	disabled.Status = UserStatusDisabled
	ctx := context.Background()

	// Unknown identifier, wrong password, and disabled account are
	// indistinguishable to the caller.
	for _, tc := range []struct{ identifier, password string }{
		{"ghost", "whatever"},
		{"alice", "wrong"},
		{"bob", "s3cret"},
	} {
		_, err := fx.svc.Authenticate(ctx, tc.identifier, tc.password, "1.2.3.4", false)
		if !errors.Is(err, ErrInvalidCredential) {
			t.Fatalf("Authenticate(%s): expected ErrInvalidCredential, got %v", tc.identifier, err)
		}
	}

	// Store connectivity failures propagate distinctly.
	fx.store.findErr = errors.New("connection refused")
	_, err := fx.svc.Authenticate(ctx, "alice", "s3cret", "1.2.3.4", false)
	if errors.Is(err, ErrInvalidCredential) || err == nil {
		t.Fatalf("store failure collapsed into credential error: %v", err)
	}
}

func TestAuthenticateEmptyInput(t *testing.T) {
	fx := newAuthFixture(t)
	for _, tc := range []struct{ identifier, password string }{
		{"", "x"}, {"alice", ""}, {"  ", "x"},
	} {
		_, err := fx.svc.Authenticate(context.Background(), tc.identifier, tc.password, "1.2.3.4", false)
		if !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput, got %v", err)
		}
	}
}

func TestAuthenticateLockout(t *testing.T) {
	fx := newAuthFixture(t)
	fx.store.addUser(t, "u1", "bob", "s3cret")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := fx.svc.Authenticate(ctx, "bob", "wrong", "1.2.3.4", false); !errors.Is(err, ErrInvalidCredential) {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}

	// The 6th attempt is rejected before credential evaluation, even with the
	// correct password.
	_, err := fx.svc.Authenticate(ctx, "bob", "s3cret", "1.2.3.4", false)
	locked, ok := IsLocked(err)
	if !ok {
		t.Fatalf("expected LockedError, got %v", err)
	}
	if locked.RetryAfter != 15*time.Minute {
		t.Fatalf("retry after %v, want 15m", locked.RetryAfter)
	}

	// A different origin is unaffected; a wrong password there fails on the
	// credentials, not on a lock.
	if _, err := fx.svc.Authenticate(ctx, "bob", "wrong", "5.6.7.8", false); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("other origin: expected ErrInvalidCredential, got %v", err)
	}

	// The lock expires; a successful login then clears the counter.
	fx.current = fx.current.Add(16 * time.Minute)
	if _, err := fx.svc.Authenticate(ctx, "bob", "s3cret", "1.2.3.4", false); err != nil {
		t.Fatalf("post-lock login: %v", err)
	}
	if fx.guard.Failures("bob", "1.2.3.4") != 0 {
		t.Fatal("success did not reset the counter")
	}
}

func TestAuthorize(t *testing.T) {
	fx := newAuthFixture(t)
	fx.store.addUser(t, "u1", "alice", "s3cret")
	fx.store.roles["u1"] = []Role{{ID: "r1", Code: "editor", Active: true}}
	fx.store.grants["r1"] = []string{"doc:edit", "doc:view"}
	ctx := context.Background()

	pair, err := fx.svc.Authenticate(ctx, "alice", "s3cret", "1.2.3.4", false)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	for code, want := range map[string]bool{
		"doc:edit":   true,
		"doc:view":   true,
		"doc:delete": false,
	} {
		got, err := fx.svc.Authorize(ctx, pair.AccessToken, code)
		if err != nil {
			t.Fatalf("Authorize(%s): %v", code, err)
		}
		if got != want {
			t.Fatalf("Authorize(%s) = %v, want %v", code, got, want)
		}
	}

	results, err := fx.svc.AuthorizeAll(ctx, pair.AccessToken, []string{"doc:edit", "doc:delete"})
	if err != nil {
		t.Fatalf("AuthorizeAll: %v", err)
	}
	if !results["doc:edit"] || results["doc:delete"] {
		t.Fatalf("unexpected batch results: %v", results)
	}

	if _, err := fx.svc.Authorize(ctx, "garbage", "doc:edit"); !errors.Is(err, token.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestRefreshRejectsDisabledUser(t *testing.T) {
	fx := newAuthFixture(t)
	user := fx.store.addUser(t, "u1", "alice", "s3cret")
	ctx := context.Background()

	pair, err := fx.svc.Authenticate(ctx, "alice", "s3cret", "1.2.3.4", false)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	fx.current = fx.current.Add(time.Second)
	rotated, err := fx.svc.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	user.Status = UserStatusDisabled
	fx.current = fx.current.Add(time.Second)
	if _, err := fx.svc.Refresh(ctx, rotated.RefreshToken); !errors.Is(err, token.ErrInvalidToken) {
		t.Fatalf("disabled user refresh: expected ErrInvalidToken, got %v", err)
	}
}

func TestRefreshReuseStillDetected(t *testing.T) {
	fx := newAuthFixture(t)
	fx.store.addUser(t, "u1", "alice", "s3cret")
	ctx := context.Background()

	pair, err := fx.svc.Authenticate(ctx, "alice", "s3cret", "1.2.3.4", false)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	fx.current = fx.current.Add(time.Second)
	if _, err := fx.svc.Refresh(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	// The orchestration layer's pre-checks must not mask reuse detection.
	fx.current = fx.current.Add(time.Second)
	if _, err := fx.svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, token.ErrTokenReuse) {
		t.Fatalf("expected ErrTokenReuse, got %v", err)
	}
}

func TestLogoutAndRevokeAll(t *testing.T) {
	fx := newAuthFixture(t)
	fx.store.addUser(t, "u1", "alice", "s3cret")
	ctx := context.Background()

	pair, err := fx.svc.Authenticate(ctx, "alice", "s3cret", "1.2.3.4", false)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if err := fx.svc.Logout(ctx, pair.AccessToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := fx.svc.AuthenticateToken(ctx, pair.AccessToken); !errors.Is(err, token.ErrInvalidToken) {
		t.Fatalf("logged-out token accepted: %v", err)
	}
	// Logout with a bogus token is a no-op.
	if err := fx.svc.Logout(ctx, "garbage"); err != nil {
		t.Fatalf("Logout(garbage): %v", err)
	}

	second, err := fx.svc.Authenticate(ctx, "alice", "s3cret", "1.2.3.4", false)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	fx.current = fx.current.Add(time.Second)
	if err := fx.svc.RevokeAllSessions(ctx, "u1"); err != nil {
		t.Fatalf("RevokeAllSessions: %v", err)
	}
	if _, err := fx.svc.AuthenticateToken(ctx, second.AccessToken); !errors.Is(err, token.ErrInvalidToken) {
		t.Fatalf("token survived revoke-all: %v", err)
	}
	if err := fx.svc.RevokeAllSessions(ctx, ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestLastLoginFailureIsNonFatal(t *testing.T) {
	fx := newAuthFixture(t)
	fx.store.addUser(t, "u1", "alice", "s3cret")
	fx.store.loginErr = errors.New("write timeout")

	if _, err := fx.svc.Authenticate(context.Background(), "alice", "s3cret", "1.2.3.4", false); err != nil {
		t.Fatalf("bookkeeping failure must not fail login: %v", err)
	}
}
