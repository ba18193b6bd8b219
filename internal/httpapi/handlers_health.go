package httpapi

import "net/http"

// handleHealthz is an unauthenticated liveness probe: if the process can
// answer HTTP at all, it's alive.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady additionally checks that a realtime bus is configured, the
// one in-process dependency every deployment shares, and reports its
// subscriber count. It does not check Postgres or Redis connectivity.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"subscribers": s.bus.SubscriberCount(),
	})
}
