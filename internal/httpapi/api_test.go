package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"accessgate.org/internal/auth"
	"accessgate.org/internal/lockout"
	"accessgate.org/internal/perm"
	"accessgate.org/internal/token"
)

// memStore backs the API fixture: CredentialStore, AssignmentStore and
// perm.Source over maps.
type memStore struct {
	users  map[string]*auth.User
	byName map[string]string
	roles  map[string][]auth.Role
	grants map[string][]string
}

func newMemStore() *memStore {
	return &memStore{
		users:  make(map[string]*auth.User),
		byName: make(map[string]string),
		roles:  make(map[string][]auth.Role),
		grants: make(map[string][]string),
	}
}

func (m *memStore) addUser(t *testing.T, id, username, password string) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	m.users[id] = &auth.User{
		ID: id, Username: username, Email: username + "@example.com",
		PasswordHash: string(hash), Status: auth.UserStatusActive,
	}
	m.byName[username] = id
}

func (m *memStore) FindByIdentifier(_ context.Context, identifier string) (*auth.User, error) {
	if id, ok := m.byName[identifier]; ok {
		return m.users[id], nil
	}
	return nil, auth.ErrNotFound
}

func (m *memStore) FindByID(_ context.Context, userID string) (*auth.User, error) {
	if u, ok := m.users[userID]; ok {
		return u, nil
	}
	return nil, auth.ErrNotFound
}

func (m *memStore) SetLastLogin(_ context.Context, _ string, _ time.Time, _ string) error {
	return nil
}

func (m *memStore) ActiveRolesForUser(_ context.Context, userID string) ([]auth.Role, error) {
	return m.roles[userID], nil
}

func (m *memStore) ActiveGrantsForRole(_ context.Context, roleID string) ([]string, error) {
	return m.grants[roleID], nil
}

func (m *memStore) UsersForRole(_ context.Context, _ string) ([]string, error) { return nil, nil }

func (m *memStore) AssignRole(_ context.Context, _ auth.RoleAssignment) error { return nil }
func (m *memStore) RemoveRole(_ context.Context, _, _ string) error           { return nil }
func (m *memStore) Grant(_ context.Context, _ auth.PermissionGrant) error     { return nil }
func (m *memStore) RevokeGrant(_ context.Context, _, _ string) error          { return nil }

func (m *memStore) UserState(_ context.Context, userID string) (perm.UserState, error) {
	u, ok := m.users[userID]
	if !ok {
		return perm.UserState{}, nil
	}
	return perm.UserState{Active: u.Status == auth.UserStatusActive, Locked: u.Locked}, nil
}

type memSource struct{ *memStore }

func (s memSource) ActiveRolesForUser(ctx context.Context, userID string) ([]perm.RoleRef, error) {
	roles, _ := s.memStore.ActiveRolesForUser(ctx, userID)
	refs := make([]perm.RoleRef, 0, len(roles))
	for _, role := range roles {
		refs = append(refs, perm.RoleRef{ID: role.ID, Code: role.Code})
	}
	return refs, nil
}

func newTestAPI(t *testing.T) (*API, *memStore) {
	t.Helper()
	store := newMemStore()

	guard := lockout.NewGuard(24 * time.Hour)
	revocations := token.NewMemoryRevocationSet()
	tokens, err := token.NewService([]byte("0123456789abcdef0123456789abcdef"), revocations)
	if err != nil {
		t.Fatalf("token.NewService: %v", err)
	}
	resolver, err := perm.NewResolver(memSource{store})
	if err != nil {
		t.Fatalf("perm.NewResolver: %v", err)
	}
	svc, err := auth.NewService(store, store, guard, tokens, resolver)
	if err != nil {
		t.Fatalf("auth.NewService: %v", err)
	}
	catalog := perm.NewCatalog(
		perm.MustParse("doc:view"),
		perm.MustParse("doc:edit"),
		perm.MustParse("doc:delete"),
		perm.MustParse("user:view"),
		perm.MustParse("session:manage"),
	)
	return New(svc, catalog, ReadyProbe{}, "test"), store
}

func doJSON(t *testing.T, h http.Handler, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "10.0.0.1:1234"
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func login(t *testing.T, h http.Handler, identifier, password string) tokenPairResponse {
	t.Helper()
	rr := doJSON(t, h, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"identifier": identifier,
		"password":   password,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("login: status %d, body %s", rr.Code, rr.Body.String())
	}
	var pair tokenPairResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &pair); err != nil {
		t.Fatalf("decode pair: %v", err)
	}
	return pair
}

func TestLoginAndAuthzCheck(t *testing.T) {
	api, store := newTestAPI(t)
	store.addUser(t, "u1", "alice", "s3cret")
	store.roles["u1"] = []auth.Role{{ID: "r1", Code: "editor", Active: true}}
	store.grants["r1"] = []string{"doc:edit", "doc:view"}
	h := api.Handler()

	pair := login(t, h, "alice", "s3cret")
	if pair.AccessToken == "" || pair.RefreshToken == "" || pair.TokenType != "Bearer" {
		t.Fatalf("incomplete pair: %+v", pair)
	}

	rr := doJSON(t, h, http.MethodPost, "/v1/authz/check", pair.AccessToken, map[string]any{
		"permissions": []string{"doc:edit", "doc:delete"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("authz check: status %d, body %s", rr.Code, rr.Body.String())
	}
	var resp authzCheckResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.UserID != "u1" || !resp.Results["doc:edit"] || resp.Results["doc:delete"] {
		t.Fatalf("unexpected results: %+v", resp)
	}

	// Malformed and uncataloged codes are caller errors.
	rr = doJSON(t, h, http.MethodPost, "/v1/authz/check", pair.AccessToken, map[string]any{
		"permission": "not a code",
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("malformed code: status %d", rr.Code)
	}
	rr = doJSON(t, h, http.MethodPost, "/v1/authz/check", pair.AccessToken, map[string]any{
		"permission": "invoice:view",
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown resource: status %d", rr.Code)
	}
}

func TestLoginInvalidCredentialsAreGeneric(t *testing.T) {
	api, store := newTestAPI(t)
	store.addUser(t, "u1", "alice", "s3cret")
	h := api.Handler()

	for _, body := range []map[string]any{
		{"identifier": "alice", "password": "wrong"},
		{"identifier": "ghost", "password": "whatever"},
	} {
		rr := doJSON(t, h, http.MethodPost, "/v1/auth/login", "", body)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("status %d for %v", rr.Code, body)
		}
		var resp map[string]any
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp["error"] != "invalid credentials" {
			t.Fatalf("expected generic error, got %v", resp["error"])
		}
	}
}

func TestLoginLockoutReturnsRetryAfter(t *testing.T) {
	api, store := newTestAPI(t)
	store.addUser(t, "u1", "bob", "s3cret")
	h := api.Handler()

	for i := 0; i < 5; i++ {
		doJSON(t, h, http.MethodPost, "/v1/auth/login", "", map[string]any{
			"identifier": "bob", "password": "wrong",
		})
	}
	// Correct password, still rejected: the guard runs first.
	rr := doJSON(t, h, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"identifier": "bob", "password": "s3cret",
	})
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
}

func TestRefreshRotationAndReuse(t *testing.T) {
	api, store := newTestAPI(t)
	store.addUser(t, "u1", "alice", "s3cret")
	h := api.Handler()

	pair := login(t, h, "alice", "s3cret")

	rr := doJSON(t, h, http.MethodPost, "/v1/auth/refresh", "", map[string]any{
		"refresh_token": pair.RefreshToken,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh: status %d, body %s", rr.Code, rr.Body.String())
	}

	// Replay of the consumed refresh token.
	rr = doJSON(t, h, http.MethodPost, "/v1/auth/refresh", "", map[string]any{
		"refresh_token": pair.RefreshToken,
	})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("reuse: expected 401, got %d", rr.Code)
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	api, store := newTestAPI(t)
	store.addUser(t, "u1", "alice", "s3cret")
	h := api.Handler()

	pair := login(t, h, "alice", "s3cret")

	rr := doJSON(t, h, http.MethodPost, "/v1/auth/logout", pair.AccessToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("logout: status %d, body %s", rr.Code, rr.Body.String())
	}
	// The revoked token no longer authenticates.
	rr = doJSON(t, h, http.MethodPost, "/v1/authz/check", pair.AccessToken, map[string]any{
		"permission": "doc:view",
	})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", rr.Code)
	}
}

func TestRevokeAllSessionsForbiddenForOtherUsers(t *testing.T) {
	api, store := newTestAPI(t)
	store.addUser(t, "u1", "alice", "s3cret")
	store.addUser(t, "u2", "bob", "s3cret")
	h := api.Handler()

	alice := login(t, h, "alice", "s3cret")

	// Revoking someone else without session:manage is forbidden.
	rr := doJSON(t, h, http.MethodPost, "/v1/auth/sessions/revoke", alice.AccessToken, map[string]any{
		"user_id": "u2",
	})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}

	// Revoking your own sessions always works.
	rr = doJSON(t, h, http.MethodPost, "/v1/auth/sessions/revoke", alice.AccessToken, map[string]any{})
	if rr.Code != http.StatusOK {
		t.Fatalf("self revoke: status %d, body %s", rr.Code, rr.Body.String())
	}
}

func TestPermissionTree(t *testing.T) {
	api, store := newTestAPI(t)
	store.addUser(t, "u1", "alice", "s3cret")
	h := api.Handler()

	pair := login(t, h, "alice", "s3cret")
	req := httptest.NewRequest(http.MethodGet, "/v1/permissions/tree", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("tree: status %d", rr.Code)
	}
	var resp struct {
		Resources []perm.ResourceNode `json:"resources"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Resources) != 3 {
		t.Fatalf("expected 3 resources, got %d", len(resp.Resources))
	}
	if resp.Resources[0].Resource != "doc" {
		t.Fatalf("resources out of order: %v", resp.Resources[0].Resource)
	}
}

func TestProtectedPathsRequireToken(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler()

	rr := doJSON(t, h, http.MethodPost, "/v1/authz/check", "", map[string]any{
		"permission": "doc:view",
	})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
	rr = doJSON(t, h, http.MethodPost, "/v1/authz/check", "garbage", map[string]any{
		"permission": "doc:view",
	})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bogus token, got %d", rr.Code)
	}

	// Health stays public.
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: status %d", rec.Code)
	}
}

func TestSecurityHeadersAndRequestID(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-Request-Id", "req-abc")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Request-Id"); got != "req-abc" {
		t.Fatalf("inbound request id not honored: %q", got)
	}
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("missing security headers")
	}
	if rr.Header().Get("Cache-Control") != "no-store" {
		t.Fatal("missing cache-control")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/login", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
	if rr.Header().Get("Allow") != http.MethodPost {
		t.Fatalf("missing Allow header: %q", rr.Header().Get("Allow"))
	}
}
