package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/debitum/syncengine/internal/apperrors"
	"github.com/debitum/syncengine/internal/domain/event"
)

func (s *Server) handleSyncHash(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeError(w, apperrors.NewAuthDeclined("no authenticated user"))
		return
	}
	walletID := mux.Vars(r)["wallet_id"]
	upToSequence, err := parseInt64Query(r, "up_to_sequence", 0)
	if err != nil {
		writeError(w, err)
		return
	}

	digest, err := s.sync.SyncHash(r.Context(), walletID, userID, upToSequence)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"digest": digest})
}

func (s *Server) handleSyncEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeError(w, apperrors.NewAuthDeclined("no authenticated user"))
		return
	}
	walletID := mux.Vars(r)["wallet_id"]
	since, err := parseInt64Query(r, "since_sequence", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := parseIntQuery(r, "limit", 0)
	if err != nil {
		writeError(w, err)
		return
	}

	page, err := s.sync.SyncEvents(r.Context(), walletID, userID, since, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events":      page.Events,
		"next_cursor": page.NextCursor,
	})
}

type postSyncEventsRequest struct {
	Events []event.Envelope `json:"events"`
}

func (s *Server) handlePostSyncEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeError(w, apperrors.NewAuthDeclined("no authenticated user"))
		return
	}
	walletID := mux.Vars(r)["wallet_id"]

	var req postSyncEventsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	outcomes, err := s.sync.PostSyncEvents(r.Context(), walletID, userID, req.Events)
	if err != nil {
		writeError(w, err)
		return
	}
	for _, o := range outcomes {
		label := "accepted"
		if o.ErrorCode != "" {
			label = string(o.ErrorCode)
		}
		eventsAppendedTotal.WithLabelValues(walletID, label).Inc()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": outcomes})
}

func parseInt64Query(r *http.Request, key string, def int64) (int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, apperrors.NewValidation(key, "must be an integer")
	}
	return v, nil
}

func parseIntQuery(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperrors.NewValidation(key, "must be an integer")
	}
	return v, nil
}
