package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/debitum/syncengine/internal/apperrors"
)

// errorBody is the wire shape of every non-2xx response (spec §4.3/§6: the
// DEBITUM_* taxonomy surfaced verbatim so the sync client's apperrors.KindOf
// classification works unmodified over the wire).
type errorBody struct {
	Code    apperrors.Code         `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError translates any error into the DEBITUM_* JSON body and its HTTP
// status, falling back to an opaque 500 for errors that never went through
// apperrors (a programming error, not a client-facing one).
func writeError(w http.ResponseWriter, err error) {
	if appErr, ok := apperrors.As(err); ok {
		writeJSON(w, appErr.HTTPStatus, errorBody{Code: appErr.Code, Message: appErr.Message, Details: appErr.Details})
		return
	}
	writeJSON(w, http.StatusInternalServerError, errorBody{Code: "DEBITUM_INTERNAL", Message: "internal error"})
}

func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperrors.NewValidation("body", "malformed JSON request body")
	}
	return nil
}
