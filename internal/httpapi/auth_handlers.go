package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gafsiahmed/biblio-managment-system/internal/audit"
	"github.com/gafsiahmed/biblio-managment-system/internal/auth"
)

type tokenRequest struct {
	User  string   `json:"user"`
	Roles []string `json:"roles,omitempty"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleAuthToken mints a token for any user so a local setup works without
// an identity provider. Outside development the route answers 404.
func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if !a.devTokens || a.signer == nil {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	var req tokenRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user := strings.TrimSpace(req.User)
	if user == "" {
		writeError(w, r, http.StatusBadRequest, "user is required")
		return
	}

	roles := []string{auth.RoleMember}
	if len(req.Roles) > 0 {
		roles = roles[:0]
		for _, role := range req.Roles {
			role = strings.ToLower(strings.TrimSpace(role))
			if !auth.Known(role) {
				writeError(w, r, http.StatusBadRequest, fmt.Sprintf("unknown role %q", role))
				return
			}
			roles = append(roles, role)
		}
	}

	token, expiresAt, err := a.signer.Issue(user, roles, a.tokenTTL)
	if err != nil {
		a.logger.Error("issue dev token", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.token.issued", map[string]any{
		"user":       user,
		"roles":      roles,
		"expires_at": expiresAt.Format(time.RFC3339),
	})
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, ExpiresAt: expiresAt})
}
