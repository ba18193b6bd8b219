package httpapi

import (
	"net/http"

	"github.com/debitum/syncengine/internal/apperrors"
)

type loginRequest struct {
	UserID string `json:"user_id"`
}

type loginResponse struct {
	Token string `json:"token"`
}

// handleLogin is the passthrough login() named in spec §1 Non-goals: it
// trusts that the caller already verified the user's identity upstream
// and simply mints a bearer token for it.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.UserID == "" {
		writeError(w, apperrors.NewValidation("user_id", "is required"))
		return
	}
	token, err := s.tokens.Issue(req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token})
}
