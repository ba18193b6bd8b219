package syncclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/debitum/syncengine/internal/domain/event"
	"github.com/debitum/syncengine/internal/eventstore/memory"
	"github.com/debitum/syncengine/internal/membership"
	"github.com/debitum/syncengine/internal/permission"
	"github.com/debitum/syncengine/internal/projection"
	"github.com/debitum/syncengine/internal/realtime"
	"github.com/debitum/syncengine/internal/syncserver"
)

// serverTransport adapts an in-process syncserver.Server to the Transport
// interface, the shape a real HTTP client fulfils against the wire RPCs.
type serverTransport struct {
	srv    *syncserver.Server
	userID string
}

func (t *serverTransport) SyncHash(ctx context.Context, walletID string, upToSequence int64) (string, error) {
	return t.srv.SyncHash(ctx, walletID, t.userID, upToSequence)
}

func (t *serverTransport) SyncEvents(ctx context.Context, walletID string, sinceSequence int64, limit int) ([]event.Envelope, int64, error) {
	page, err := t.srv.SyncEvents(ctx, walletID, t.userID, sinceSequence, limit)
	if err != nil {
		return nil, 0, err
	}
	return page.Events, page.NextCursor, nil
}

func (t *serverTransport) PostSyncEvents(ctx context.Context, walletID string, envelopes []event.Envelope) ([]PushOutcome, error) {
	outcomes, err := t.srv.PostSyncEvents(ctx, walletID, t.userID, envelopes)
	if err != nil {
		return nil, err
	}
	out := make([]PushOutcome, len(outcomes))
	for i, o := range outcomes {
		out[i] = PushOutcome{EventID: o.EventID, Sequence: o.Sequence, StreamVersion: o.StreamVersion, ErrorCode: o.ErrorCode, ErrorMessage: o.ErrorMessage}
	}
	return out, nil
}

func newHarness(t *testing.T) (*Client, string) {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	serverStore := memory.New(func() time.Time { return now })
	serverProjections := projection.NewEngine(serverStore, projection.NewMemorySnapshotStore(), 5)
	memberships := membership.New(membership.NewMemoryStore(), nil)
	permissions := permission.NewEngine(memberships)
	bus := realtime.New(10, nil)
	srv := syncserver.New(serverStore, serverProjections, permissions, memberships, bus, nil)

	w, err := memberships.CreateWallet(ctx, "owner1", "Household", "")
	require.NoError(t, err)

	transport := &serverTransport{srv: srv, userID: "owner1"}
	clientStore := memory.New(func() time.Time { return now })
	clientProjections := projection.NewEngine(clientStore, projection.NewMemorySnapshotStore(), 5)
	client := New(w.ID, "owner1", transport, clientStore, clientProjections, nil)

	return client, w.ID
}

func TestClient_AppendIsVisibleLocallyBeforeSync(t *testing.T) {
	client, _ := newHarness(t)
	ctx := context.Background()

	body := []byte(`{"name":"Alice","comment":"first","timestamp":"2026-01-01T00:00:00Z"}`)
	_, err := client.Append(ctx, event.AggregateContact, "c1", event.Created, body)
	require.NoError(t, err)

	state := client.State()
	require.Contains(t, state.Contacts, "c1")
	assert.Equal(t, "Alice", state.Contacts["c1"].Name)
	assert.Equal(t, 1, client.Status().PendingPushCount)
}

func TestClient_PushDrainsQueueOnAcceptance(t *testing.T) {
	client, _ := newHarness(t)
	ctx := context.Background()

	body := []byte(`{"name":"Alice","comment":"first","timestamp":"2026-01-01T00:00:00Z"}`)
	_, err := client.Append(ctx, event.AggregateContact, "c1", event.Created, body)
	require.NoError(t, err)

	require.NoError(t, client.Push(ctx))
	assert.Equal(t, 0, client.Status().PendingPushCount)
	assert.Empty(t, client.Status().LastError)
}

func TestClient_SyncConvergesDigestsBetweenTwoClients(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	serverStore := memory.New(func() time.Time { return now })
	serverProjections := projection.NewEngine(serverStore, projection.NewMemorySnapshotStore(), 5)
	memberships := membership.New(membership.NewMemoryStore(), nil)
	permissions := permission.NewEngine(memberships)
	bus := realtime.New(10, nil)
	srv := syncserver.New(serverStore, serverProjections, permissions, memberships, bus, nil)

	w, err := memberships.CreateWallet(ctx, "owner1", "Household", "")
	require.NoError(t, err)

	transportA := &serverTransport{srv: srv, userID: "owner1"}
	storeA := memory.New(func() time.Time { return now })
	clientA := New(w.ID, "owner1", transportA, storeA, projection.NewEngine(storeA, projection.NewMemorySnapshotStore(), 5), nil)

	transportB := &serverTransport{srv: srv, userID: "owner1"}
	storeB := memory.New(func() time.Time { return now })
	clientB := New(w.ID, "owner1", transportB, storeB, projection.NewEngine(storeB, projection.NewMemorySnapshotStore(), 5), nil)

	body := []byte(`{"name":"Alice","comment":"first","timestamp":"2026-01-01T00:00:00Z"}`)
	_, err = clientA.Append(ctx, event.AggregateContact, "c1", event.Created, body)
	require.NoError(t, err)
	require.NoError(t, clientA.Sync(ctx))

	require.NoError(t, clientB.Sync(ctx))

	stateB := clientB.State()
	require.Contains(t, stateB.Contacts, "c1")
	assert.Equal(t, "Alice", stateB.Contacts["c1"].Name)

	digestA, err := clientA.localDigest(ctx)
	require.NoError(t, err)
	digestB, err := clientB.localDigest(ctx)
	require.NoError(t, err)
	assert.Equal(t, digestA, digestB)
}

func TestClient_UndoOutsideWindowRejectedLocally(t *testing.T) {
	client, _ := newHarness(t)
	ctx := context.Background()

	_, err := client.Undo(ctx, event.AggregateContact, "c1", "some-event-id", time.Now().UTC().Add(-time.Minute))
	assert.Error(t, err)
}

func TestClient_PushAuthDeclinedClearsSessionAndSignalsLogout(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	serverStore := memory.New(func() time.Time { return now })
	serverProjections := projection.NewEngine(serverStore, projection.NewMemorySnapshotStore(), 5)
	memberships := membership.New(membership.NewMemoryStore(), nil)
	permissions := permission.NewEngine(memberships)
	bus := realtime.New(10, nil)
	srv := syncserver.New(serverStore, serverProjections, permissions, memberships, bus, nil)

	w, err := memberships.CreateWallet(ctx, "owner1", "Household", "")
	require.NoError(t, err)

	// "stranger" is never added as a member of the wallet, so the server
	// rejects every push with DEBITUM_AUTH_DECLINED.
	transport := &serverTransport{srv: srv, userID: "stranger"}
	clientStore := memory.New(func() time.Time { return now })
	clientProjections := projection.NewEngine(clientStore, projection.NewMemorySnapshotStore(), 5)
	client := New(w.ID, "stranger", transport, clientStore, clientProjections, nil)
	client.SetAuthToken("tok-123")

	body := []byte(`{"name":"Alice","comment":"first","timestamp":"2026-01-01T00:00:00Z"}`)
	_, err = client.Append(ctx, event.AggregateContact, "c1", event.Created, body)
	require.NoError(t, err)

	err = client.Push(ctx)
	assert.Error(t, err)
	assert.Empty(t, client.AuthToken())
	assert.Equal(t, 0, client.Status().PendingPushCount)

	select {
	case <-client.LogoutSignal():
	default:
		t.Fatal("expected a logout signal to be emitted")
	}
}

func TestClient_LogoutClearsTokenAndCursor(t *testing.T) {
	client, _ := newHarness(t)
	client.SetAuthToken("tok-abc")
	client.cursor = 7

	client.Logout()

	assert.Empty(t, client.AuthToken())
	assert.Equal(t, int64(0), client.cursor)

	select {
	case <-client.LogoutSignal():
	default:
		t.Fatal("expected a logout signal to be emitted")
	}
}

func TestBackoffDelay_NeverExceedsCap(t *testing.T) {
	for attempt := 1; attempt <= 10; attempt++ {
		d := BackoffDelay(attempt)
		assert.LessOrEqual(t, d, 30*time.Second)
		assert.Greater(t, d, time.Duration(0))
	}
}
