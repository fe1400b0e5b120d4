package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"accessgate.org/internal/audit"
	"accessgate.org/internal/auth"
	"accessgate.org/internal/perm"
	"accessgate.org/internal/token"
)

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
	RememberMe bool   `json:"remember_me"`
}

type tokenPairResponse struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type revokeAllRequest struct {
	UserID string `json:"user_id"`
}

func pairResponse(pair token.Pair) tokenPairResponse {
	return tokenPairResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		TokenType:        "Bearer",
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
	}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	identifier := strings.TrimSpace(req.Identifier)
	if identifier == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "identifier and password are required")
		return
	}

	origin := clientIP(r)
	pair, err := a.auth.Authenticate(r.Context(), identifier, req.Password, origin, req.RememberMe)
	if err != nil {
		a.handleAuthError(w, r, identifier, origin, err)
		return
	}

	_ = audit.LogEvent(r.Context(), audit.EventLoginSucceeded, map[string]any{
		"identifier": identifier,
		"origin":     origin,
	})
	writeJSON(w, http.StatusOK, pairResponse(pair))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pair, err := a.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrTokenReuse):
			// Family already revoked by the token service; record the
			// security event before answering.
			_ = audit.LogEvent(r.Context(), audit.EventTokenReuse, map[string]any{
				"origin": clientIP(r),
			})
			writeError(w, r, http.StatusUnauthorized, "invalid token")
		case errors.Is(err, token.ErrInvalidToken):
			writeError(w, r, http.StatusUnauthorized, "invalid token")
		default:
			writeError(w, r, http.StatusInternalServerError, "refresh failed")
		}
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventTokenRefreshed, nil)
	writeJSON(w, http.StatusOK, pairResponse(pair))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	raw, ok := auth.TokenFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "missing bearer token")
		return
	}
	if err := a.auth.Logout(r.Context(), raw); err != nil {
		writeError(w, r, http.StatusInternalServerError, "logout failed")
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventLogout, nil)
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}

func (a *API) handleRevokeAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req revokeAllRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	// Revoking another user's sessions requires the session management
	// permission; revoking your own does not.
	target := strings.TrimSpace(req.UserID)
	principal, _ := auth.PrincipalFromContext(r.Context())
	if target == "" {
		target = principal.UserID
	}
	if target != principal.UserID {
		allowed, err := a.auth.CheckPermission(r.Context(), principal.UserID, "session:manage")
		if err != nil {
			a.handleResolutionError(w, r, err)
			return
		}
		if !allowed {
			writeError(w, r, http.StatusForbidden, "forbidden")
			return
		}
	}
	if err := a.auth.RevokeAllSessions(r.Context(), target); err != nil {
		writeError(w, r, http.StatusInternalServerError, "revocation failed")
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventSessionsRevoked, map[string]any{
		"target_user_id": target,
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked"})
}

func (a *API) handleAuthError(w http.ResponseWriter, r *http.Request, identifier, origin string, err error) {
	if locked, ok := auth.IsLocked(err); ok {
		_ = audit.LogEvent(r.Context(), audit.EventLoginLocked, map[string]any{
			"identifier":  identifier,
			"origin":      origin,
			"retry_after": locked.RetryAfter.Round(time.Second).String(),
		})
		w.Header().Set("Retry-After", formatRetryAfter(locked.RetryAfter))
		writeError(w, r, http.StatusTooManyRequests, "account temporarily locked")
		return
	}
	switch {
	case errors.Is(err, auth.ErrInvalidCredential):
		_ = audit.LogEvent(r.Context(), audit.EventLoginFailed, map[string]any{
			"identifier": identifier,
			"origin":     origin,
		})
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "authentication error")
	}
}

func (a *API) handleResolutionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, perm.ErrMalformedCode),
		errors.Is(err, perm.ErrUnknownResourceType),
		errors.Is(err, perm.ErrUnknownCode):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, perm.ErrResolutionUnavailable):
		// Fail closed: an indeterminate result is a deny, surfaced as
		// unavailable rather than forbidden.
		writeError(w, r, http.StatusServiceUnavailable, "authorization unavailable")
	case errors.Is(err, token.ErrInvalidToken):
		writeError(w, r, http.StatusUnauthorized, "invalid token")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func formatRetryAfter(d time.Duration) string {
	seconds := int(d.Round(time.Second).Seconds())
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}
