// Package token mints and validates the signed access and refresh
// credentials carried by API callers. Tokens are self-contained JWTs; state
// lives only in the revocation set.
package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"accessgate.org/internal/obs"
)

// Token type claim values.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

const (
	defaultAccessTTL   = 15 * time.Minute
	defaultRefreshTTL  = 7 * 24 * time.Hour
	defaultRememberTTL = 30 * 24 * time.Hour
)

var (
	// ErrInvalidToken covers expiry, bad signature, wrong type and
	// revocation. Collapsed to one externally visible kind so a caller
	// cannot learn which check failed.
	ErrInvalidToken = errors.New("token: invalid token")

	// ErrTokenReuse indicates a refresh token was presented after it had
	// already been rotated. The whole token family for the subject is
	// revoked before this error surfaces.
	ErrTokenReuse = errors.New("token: refresh token reuse detected")
)

// Claims are the JWT claims carried by both token types. Roles are a
// snapshot taken at issuance; staleness is bounded by the access TTL.
type Claims struct {
	Roles      []string `json:"roles,omitempty"`
	TokenType  string   `json:"token_type"`
	RememberMe bool     `json:"remember_me,omitempty"`
	jwt.RegisteredClaims
}

// Pair is a freshly issued access/refresh token pair.
type Pair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Service issues, validates, rotates and revokes token pairs. Signing is
// HS256 with a server-held secret.
type Service struct {
	secret      []byte
	revocations RevocationSet
	issuer      string
	accessTTL   time.Duration
	refreshTTL  time.Duration
	rememberTTL time.Duration
	now         func() time.Time
}

// Option configures Service behavior.
type Option func(*Service)

// WithIssuer sets the iss claim stamped into every token.
func WithIssuer(issuer string) Option {
	return func(s *Service) {
		s.issuer = strings.TrimSpace(issuer)
	}
}

// WithAccessTTL overrides access token lifetime.
func WithAccessTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.accessTTL = ttl
		}
	}
}

// WithRefreshTTL overrides refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
	}
}

// WithRememberMeTTL overrides refresh lifetime under the remember-me flag.
func WithRememberMeTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.rememberTTL = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs a Service. The secret and revocation set are
// mandatory; tokens without a revocation backend cannot be rotated safely.
func NewService(secret []byte, revocations RevocationSet, opts ...Option) (*Service, error) {
	if len(secret) == 0 {
		return nil, errors.New("token: signing secret is required")
	}
	if revocations == nil {
		return nil, errors.New("token: revocation set is required")
	}
	s := &Service{
		secret:      secret,
		revocations: revocations,
		accessTTL:   defaultAccessTTL,
		refreshTTL:  defaultRefreshTTL,
		rememberTTL: defaultRememberTTL,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue mints an access/refresh pair for the subject with a snapshot of its
// role codes. Each token carries a fresh random jti.
func (s *Service) Issue(ctx context.Context, userID string, roles []string, rememberMe bool) (Pair, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Pair{}, errors.New("token: subject is required")
	}
	now := s.now().UTC()
	snapshot := dedupeRoles(roles)

	refreshTTL := s.refreshTTL
	if rememberMe {
		refreshTTL = s.rememberTTL
	}
	accessExp := now.Add(s.accessTTL)
	refreshExp := now.Add(refreshTTL)

	access, err := s.sign(Claims{
		Roles:      snapshot,
		TokenType:  TypeAccess,
		RememberMe: rememberMe,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExp),
			ID:        uuid.NewString(),
		},
	})
	if err != nil {
		return Pair{}, err
	}
	refresh, err := s.sign(Claims{
		Roles:      snapshot,
		TokenType:  TypeRefresh,
		RememberMe: rememberMe,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(refreshExp),
			ID:        uuid.NewString(),
		},
	})
	if err != nil {
		return Pair{}, err
	}
	obs.TokenOperation("issue")
	return Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// Validate verifies signature, expiry and token type, then consults the
// revocation set for the jti and the subject's revoke-before mark. Any
// validation failure maps to ErrInvalidToken; revocation backend failures
// propagate distinctly so callers can fail closed.
func (s *Service) Validate(ctx context.Context, raw, tokenType string) (*Claims, error) {
	claims, err := s.verify(raw, tokenType)
	if err != nil {
		return nil, err
	}
	revoked, err := s.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("token: revocation lookup: %w", err)
	}
	if revoked {
		return nil, ErrInvalidToken
	}
	if err := s.checkRevokeBefore(ctx, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// Refresh rotates a refresh token: the old jti is revoked for its remaining
// lifetime and a fresh pair is issued. Refresh tokens are single-use;
// presenting an already-rotated token revokes every outstanding token for
// the subject and returns ErrTokenReuse.
func (s *Service) Refresh(ctx context.Context, raw string) (Pair, error) {
	claims, err := s.verify(raw, TypeRefresh)
	if err != nil {
		return Pair{}, err
	}
	revoked, err := s.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		return Pair{}, fmt.Errorf("token: revocation lookup: %w", err)
	}
	if revoked {
		// The token is otherwise valid, so someone replayed a rotated
		// refresh token. Kill the whole family.
		if err := s.revocations.SetRevokeBefore(ctx, claims.Subject, s.now().UTC()); err != nil {
			return Pair{}, fmt.Errorf("token: family revocation: %w", err)
		}
		obs.TokenOperation("reuse_detected")
		return Pair{}, ErrTokenReuse
	}
	if err := s.checkRevokeBefore(ctx, claims); err != nil {
		return Pair{}, err
	}
	if err := s.revocations.Revoke(ctx, claims.ID, s.remaining(claims)); err != nil {
		return Pair{}, fmt.Errorf("token: rotate: %w", err)
	}
	pair, err := s.Issue(ctx, claims.Subject, claims.Roles, claims.RememberMe)
	if err != nil {
		return Pair{}, err
	}
	obs.TokenOperation("refresh")
	return pair, nil
}

// Revoke blacklists a single token's jti for its remaining lifetime.
// An already-invalid token is a no-op: logout is idempotent.
func (s *Service) Revoke(ctx context.Context, raw string) error {
	claims, err := s.verify(raw, "")
	if err != nil {
		return nil
	}
	if err := s.revocations.Revoke(ctx, claims.ID, s.remaining(claims)); err != nil {
		return fmt.Errorf("token: revoke: %w", err)
	}
	obs.TokenOperation("revoke")
	return nil
}

// RevokeAll records a revoke-before mark for the subject. Validation rejects
// every token issued before the mark, giving O(1) mass revocation without
// enumerating outstanding tokens.
func (s *Service) RevokeAll(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errors.New("token: subject is required")
	}
	if err := s.revocations.SetRevokeBefore(ctx, userID, s.now().UTC()); err != nil {
		return fmt.Errorf("token: revoke all: %w", err)
	}
	obs.TokenOperation("revoke_all")
	return nil
}

// Peek verifies signature, expiry and type without consulting the
// revocation set. Callers that need to act on the claims before a stateful
// operation (e.g. confirming the subject's active-status bit ahead of a
// rotation) use this; it must never be the only check before granting
// access.
func (s *Service) Peek(raw, tokenType string) (*Claims, error) {
	return s.verify(raw, tokenType)
}

// sign serializes and HS256-signs the claims with the server-held secret.
func (s *Service) sign(claims Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// verify checks signature, expiry and, when tokenType is non-empty, the
// token_type claim. It does not consult the revocation set.
func (s *Service) verify(raw, tokenType string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	if claims.IssuedAt == nil || claims.ExpiresAt == nil {
		return nil, ErrInvalidToken
	}
	if s.issuer != "" && claims.Issuer != s.issuer {
		return nil, ErrInvalidToken
	}
	if tokenType != "" && claims.TokenType != tokenType {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *Service) checkRevokeBefore(ctx context.Context, claims *Claims) error {
	mark, err := s.revocations.RevokeBefore(ctx, claims.Subject)
	if err != nil {
		return fmt.Errorf("token: revocation lookup: %w", err)
	}
	if !mark.IsZero() && claims.IssuedAt.Time.Before(mark) {
		return ErrInvalidToken
	}
	return nil
}

func (s *Service) remaining(claims *Claims) time.Duration {
	remaining := claims.ExpiresAt.Time.Sub(s.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

func dedupeRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(roles))
	var normalized []string
	for _, role := range roles {
		role = strings.TrimSpace(strings.ToLower(role))
		if role == "" {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		normalized = append(normalized, role)
	}
	return normalized
}
