package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/debitum/syncengine/internal/apperrors"
	"github.com/debitum/syncengine/internal/realtime"
)

// handleRealtimeSubscribe upgrades to a websocket and streams
// events_synced(wallet_id) tokens for every wallet the caller is a member
// of (spec §4.7). The {wallet_id} path segment only selects which wallet's
// readiness to verify membership against before upgrading; once connected,
// the subscriber receives tokens for its whole authorized wallet set so a
// client with several open wallets needs only one connection.
func (s *Server) handleRealtimeSubscribe(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeError(w, apperrors.NewAuthDeclined("no authenticated user"))
		return
	}
	walletID := mux.Vars(r)["wallet_id"]
	if _, member, err := s.memberships.RoleOf(r.Context(), walletID, userID); err != nil {
		writeError(w, err)
		return
	} else if !member {
		writeError(w, apperrors.NewInsufficientPermission("events:read"))
		return
	}

	wallets, err := s.memberships.ListWallets(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	authorized := make(map[string]struct{}, len(wallets))
	for _, wlt := range wallets {
		authorized[wlt.ID] = struct{}{}
	}

	realtime.ServeWebSocket(s.bus, s.log, w, r, userID, authorized)
}
