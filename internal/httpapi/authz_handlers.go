package httpapi

import (
	"net/http"
	"strings"

	"accessgate.org/internal/auth"
)

type authzCheckRequest struct {
	// Either a single permission or a batch. Exactly one must be set.
	Permission  string   `json:"permission,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	// UserID lets a caller with user:view check on behalf of another user.
	UserID string `json:"user_id,omitempty"`
}

type authzCheckResponse struct {
	UserID  string          `json:"user_id"`
	Results map[string]bool `json:"results"`
}

func (a *API) handleAuthzCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req authzCheckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	codes := req.Permissions
	if req.Permission != "" {
		if len(codes) > 0 {
			writeError(w, r, http.StatusBadRequest, "set permission or permissions, not both")
			return
		}
		codes = []string{req.Permission}
	}
	if len(codes) == 0 {
		writeError(w, r, http.StatusBadRequest, "permission is required")
		return
	}

	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "missing bearer token")
		return
	}

	subject := strings.TrimSpace(req.UserID)
	if subject == "" {
		subject = principal.UserID
	}
	if subject != principal.UserID {
		allowed, err := a.auth.CheckPermission(r.Context(), principal.UserID, "user:view")
		if err != nil {
			a.handleResolutionError(w, r, err)
			return
		}
		if !allowed {
			writeError(w, r, http.StatusForbidden, "forbidden")
			return
		}
	}

	for _, raw := range codes {
		if _, err := a.catalog.Resolve(raw); err != nil {
			a.handleResolutionError(w, r, err)
			return
		}
	}
	results, err := a.auth.CheckPermissions(r.Context(), subject, codes)
	if err != nil {
		a.handleResolutionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, authzCheckResponse{UserID: subject, Results: results})
}

func (a *API) handlePermissionTree(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"resources": a.catalog.Tree(),
	})
}
