package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) router() http.Handler {
	root := mux.NewRouter()
	root.Use(loggingMiddleware(s.log))
	root.Use(recoveryMiddleware(s.log))
	root.Use(rateLimitMiddleware(s.limiter))

	root.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	root.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	root.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	root.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)

	api := root.PathPrefix("/api/v1").Subrouter()
	api.Use(authMiddleware(s.tokens))

	api.HandleFunc("/wallets", s.handleListWallets).Methods(http.MethodGet)
	api.HandleFunc("/wallets", s.handleCreateWallet).Methods(http.MethodPost)
	api.HandleFunc("/wallets/{wallet_id}/invites", s.handleIssueInvite).Methods(http.MethodPost)
	api.HandleFunc("/wallets/{wallet_id}/members/{user_id}/role", s.handleSetRole).Methods(http.MethodPut)
	api.HandleFunc("/invites/{code}/consume", s.handleConsumeInvite).Methods(http.MethodPost)

	api.HandleFunc("/wallets/{wallet_id}/sync/hash", s.handleSyncHash).Methods(http.MethodGet)
	api.HandleFunc("/wallets/{wallet_id}/sync/events", s.handleSyncEvents).Methods(http.MethodGet)
	api.HandleFunc("/wallets/{wallet_id}/sync/events", s.handlePostSyncEvents).Methods(http.MethodPost)

	api.HandleFunc("/wallets/{wallet_id}/permissions/me", s.handleMePermissions).Methods(http.MethodGet)
	api.HandleFunc("/wallets/{wallet_id}/permissions/matrix", s.handlePutMatrix).Methods(http.MethodPut)

	api.HandleFunc("/wallets/{wallet_id}/realtime", s.handleRealtimeSubscribe).Methods(http.MethodGet)

	return root
}
