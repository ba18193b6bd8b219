package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/debitum/syncengine/internal/authtoken"
	"github.com/debitum/syncengine/internal/eventstore/memory"
	"github.com/debitum/syncengine/internal/membership"
	"github.com/debitum/syncengine/internal/permission"
	"github.com/debitum/syncengine/internal/projection"
	"github.com/debitum/syncengine/internal/ratelimit"
	"github.com/debitum/syncengine/internal/realtime"
	"github.com/debitum/syncengine/internal/syncserver"
)

func newTestServer(t *testing.T) (*Server, *membership.Service, *authtoken.Issuer) {
	t.Helper()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	store := memory.New(func() time.Time { return now })
	projections := projection.NewEngine(store, projection.NewMemorySnapshotStore(), 5)
	memberships := membership.New(membership.NewMemoryStore(), nil)
	permissions := permission.NewEngine(memberships)
	bus := realtime.New(10, nil)
	syncSvc := syncserver.New(store, projections, permissions, memberships, bus, nil)

	tokens := authtoken.NewIssuer([]byte("test-secret"), time.Hour)
	srv := New("127.0.0.1:0", syncSvc, memberships, bus, tokens, nil, WithRateLimiter(ratelimit.New(0, 0)))
	return srv, memberships, tokens
}

func bearer(t *testing.T, tokens *authtoken.Issuer, userID string) string {
	t.Helper()
	tok, err := tokens.Issue(userID)
	require.NoError(t, err)
	return "Bearer " + tok
}

func doRequest(t *testing.T, h http.Handler, method, path, auth string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthzIsUnauthenticated(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w := doRequest(t, srv.router(), http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWalletLifecycleOverHTTP(t *testing.T) {
	srv, _, tokens := newTestServer(t)
	router := srv.router()
	auth := bearer(t, tokens, "owner1")

	w := doRequest(t, router, http.MethodPost, "/api/v1/wallets", auth, createWalletRequest{Name: "Household"})
	require.Equal(t, http.StatusCreated, w.Code)

	var created map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	walletID, _ := created["id"].(string)
	require.NotEmpty(t, walletID)

	w = doRequest(t, router, http.MethodGet, "/api/v1/wallets", auth, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listed map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	wallets, _ := listed["wallets"].([]interface{})
	assert.Len(t, wallets, 1)
}

func TestMissingBearerTokenIsRejected(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w := doRequest(t, srv.router(), http.MethodGet, "/api/v1/wallets", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSyncEventsRoundTripOverHTTP(t *testing.T) {
	srv, memberships, tokens := newTestServer(t)
	router := srv.router()
	ctx := context.Background()

	wlt, err := memberships.CreateWallet(ctx, "owner1", "Household", "")
	require.NoError(t, err)
	auth := bearer(t, tokens, "owner1")

	pushBody := map[string]interface{}{
		"events": []map[string]interface{}{
			{
				"aggregate_type": "contact",
				"aggregate_id":   "c1",
				"event_type":     "CREATED",
				"stream_version": 0,
				"body":           json.RawMessage(`{"name":"Alice","comment":"first","timestamp":"2026-01-01T00:00:00Z"}`),
			},
		},
	}
	w := doRequest(t, router, http.MethodPost, "/api/v1/wallets/"+wlt.ID+"/sync/events", auth, pushBody)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, router, http.MethodGet, "/api/v1/wallets/"+wlt.ID+"/sync/events?since_sequence=0", auth, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	events, _ := page["events"].([]interface{})
	assert.Len(t, events, 1)
}

func TestMePermissionsReflectsOwnerBypass(t *testing.T) {
	srv, memberships, tokens := newTestServer(t)
	router := srv.router()
	ctx := context.Background()

	wlt, err := memberships.CreateWallet(ctx, "owner1", "Household", "")
	require.NoError(t, err)
	auth := bearer(t, tokens, "owner1")

	w := doRequest(t, router, http.MethodGet, "/api/v1/wallets/"+wlt.ID+"/permissions/me", auth, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "owner", resp["role"])
}

func TestLoginMintsBearerToken(t *testing.T) {
	srv, _, _ := newTestServer(t)
	router := srv.router()

	w := doRequest(t, router, http.MethodPost, "/auth/login", "", loginRequest{UserID: "owner1"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp loginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Token)
}
