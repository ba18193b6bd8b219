package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/debitum/syncengine/internal/apperrors"
	"github.com/debitum/syncengine/internal/domain/event"
	domainperm "github.com/debitum/syncengine/internal/domain/permission"
)

func (s *Server) handleMePermissions(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeError(w, apperrors.NewAuthDeclined("no authenticated user"))
		return
	}
	walletID := mux.Vars(r)["wallet_id"]

	role, actions, err := s.sync.EffectivePermissions(r.Context(), walletID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"role":    role,
		"actions": actions,
	})
}

type putMatrixRequest struct {
	UserGroupID    string                `json:"user_group_id"`
	ContactGroupID string                `json:"contact_group_id"`
	Allow          []domainperm.Action   `json:"allow"`
}

// handlePutMatrix sets a single permission matrix cell. This builds the
// PERMISSION_MATRIX_SET envelope the sync engine itself would see from a
// client push, so the write goes through the identical acceptance pipeline
// (validation, permission check, append, fan-out) rather than a side door.
func (s *Server) handlePutMatrix(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeError(w, apperrors.NewAuthDeclined("no authenticated user"))
		return
	}
	walletID := mux.Vars(r)["wallet_id"]

	var req putMatrixRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.UserGroupID == "" || req.ContactGroupID == "" {
		writeError(w, apperrors.NewValidation("user_group_id/contact_group_id", "both are required"))
		return
	}
	for _, a := range req.Allow {
		if !a.Valid() {
			writeError(w, apperrors.NewValidation("allow", "contains an unrecognised action"))
			return
		}
	}

	aggregateID := req.UserGroupID + ":" + req.ContactGroupID
	version, err := s.sync.StreamVersionOf(r.Context(), walletID, aggregateID)
	if err != nil {
		writeError(w, err)
		return
	}

	body, err := matrixSetBody(req, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}

	env := event.Envelope{
		WalletID:      walletID,
		AggregateType: event.AggregatePermission,
		AggregateID:   aggregateID,
		EventType:     event.PermissionMatrixSet,
		StreamVersion: version,
		UserID:        userID,
		Body:          body,
	}

	outcomes, err := s.sync.PostSyncEvents(r.Context(), walletID, userID, []event.Envelope{env})
	if err != nil {
		writeError(w, err)
		return
	}
	out := outcomes[0]
	if out.ErrorCode != "" {
		writeError(w, apperrors.New(out.ErrorCode, out.ErrorMessage, httpStatusForCode(out.ErrorCode)))
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func matrixSetBody(req putMatrixRequest, ts time.Time) ([]byte, error) {
	return json.Marshal(struct {
		UserGroupID    string              `json:"user_group_id"`
		ContactGroupID string              `json:"contact_group_id"`
		Allow          []domainperm.Action `json:"allow"`
		Timestamp      time.Time           `json:"timestamp"`
	}{
		UserGroupID:    req.UserGroupID,
		ContactGroupID: req.ContactGroupID,
		Allow:          req.Allow,
		Timestamp:      ts,
	})
}

func httpStatusForCode(code apperrors.Code) int {
	switch code {
	case apperrors.InsufficientPermission:
		return http.StatusForbidden
	case apperrors.VersionConflictCode:
		return http.StatusConflict
	case apperrors.Validation:
		return http.StatusBadRequest
	default:
		return http.StatusBadRequest
	}
}
