package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/debitum/syncengine/internal/apperrors"
	"github.com/debitum/syncengine/internal/domain/wallet"
)

type createWalletRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) handleCreateWallet(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeError(w, apperrors.NewAuthDeclined("no authenticated user"))
		return
	}
	var req createWalletRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	wlt, err := s.memberships.CreateWallet(r.Context(), userID, req.Name, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wlt)
}

func (s *Server) handleListWallets(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeError(w, apperrors.NewAuthDeclined("no authenticated user"))
		return
	}
	wallets, err := s.memberships.ListWallets(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"wallets": wallets})
}

func (s *Server) handleIssueInvite(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeError(w, apperrors.NewAuthDeclined("no authenticated user"))
		return
	}
	walletID := mux.Vars(r)["wallet_id"]
	role, member, err := s.memberships.RoleOf(r.Context(), walletID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !member || !role.Bypasses() {
		writeError(w, apperrors.NewInsufficientPermission("wallet:manage_members"))
		return
	}
	inv, err := s.memberships.IssueInvite(r.Context(), walletID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

func (s *Server) handleConsumeInvite(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeError(w, apperrors.NewAuthDeclined("no authenticated user"))
		return
	}
	code := mux.Vars(r)["code"]
	m, err := s.memberships.ConsumeInvite(r.Context(), code, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type setRoleRequest struct {
	Role wallet.Role `json:"role"`
}

func (s *Server) handleSetRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeError(w, apperrors.NewAuthDeclined("no authenticated user"))
		return
	}
	vars := mux.Vars(r)
	walletID, targetUserID := vars["wallet_id"], vars["user_id"]

	role, member, err := s.memberships.RoleOf(r.Context(), walletID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !member || !role.Bypasses() {
		writeError(w, apperrors.NewInsufficientPermission("wallet:manage_members"))
		return
	}

	var req setRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.memberships.SetRole(r.Context(), walletID, targetUserID, req.Role); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
