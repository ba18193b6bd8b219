package projection

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/debitum/syncengine/internal/domain/event"
	"github.com/debitum/syncengine/internal/eventstore"
	memstore "github.com/debitum/syncengine/internal/eventstore/memory"
)

func appendFixture(t *testing.T, s *memstore.Store, walletID string, req eventstore.AppendRequest) eventstore.Outcome {
	t.Helper()
	out, err := s.Append(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, eventstore.Accepted, out.Status)
	return out
}

func TestFold_ContactCreateUpdateDelete(t *testing.T) {
	s := memstore.New(nil)
	ctx := context.Background()

	appendFixture(t, s, "w1", eventstore.AppendRequest{
		WalletID: "w1", AggregateType: event.AggregateContact, AggregateID: "c1",
		EventType: event.Created, IdempotencyKey: "k1",
		Body: []byte(`{"name":"Alice","comment":"met at conference","timestamp":"2026-01-01T00:00:00Z"}`),
	})
	appendFixture(t, s, "w1", eventstore.AppendRequest{
		WalletID: "w1", AggregateType: event.AggregateContact, AggregateID: "c1",
		EventType: event.Updated, ExpectedStreamVersion: 1, IdempotencyKey: "k2",
		Body: []byte(`{"name":"Alice Smith","timestamp":"2026-01-01T00:01:00Z"}`),
	})

	events, err := s.ReadRange(ctx, "w1", 0, 0)
	require.NoError(t, err)

	state := NewState("w1")
	require.NoError(t, Fold(state, events))

	c, ok := state.Contacts["c1"]
	require.True(t, ok)
	assert.Equal(t, "Alice Smith", c.Name)
	assert.Equal(t, 2, c.Version)
	assert.False(t, c.Deleted)

	_, allContacts := state.ContactGroupMembers["all_contacts"]["c1"]
	assert.True(t, allContacts)

	appendFixture(t, s, "w1", eventstore.AppendRequest{
		WalletID: "w1", AggregateType: event.AggregateContact, AggregateID: "c1",
		EventType: event.Deleted, ExpectedStreamVersion: 2, IdempotencyKey: "k3",
		Body: []byte(`{"timestamp":"2026-01-01T00:02:00Z"}`),
	})
	events, err = s.ReadRange(ctx, "w1", 0, 0)
	require.NoError(t, err)
	state = NewState("w1")
	require.NoError(t, Fold(state, events))
	assert.True(t, state.Contacts["c1"].Deleted)
	assert.Equal(t, 3, state.Contacts["c1"].Version)
}

func TestFold_UndoRoundTrip(t *testing.T) {
	s := memstore.New(nil)
	ctx := context.Background()

	created := appendFixture(t, s, "w1", eventstore.AppendRequest{
		WalletID: "w1", AggregateType: event.AggregateContact, AggregateID: "c1",
		EventType: event.Created, IdempotencyKey: "k1",
		Body: []byte(`{"name":"Bob","comment":"x","timestamp":"2026-01-01T00:00:00Z"}`),
	})

	appendFixture(t, s, "w1", eventstore.AppendRequest{
		WalletID: "w1", AggregateType: event.AggregateContact, AggregateID: "c1",
		EventType: event.Undo, ExpectedStreamVersion: 1, IdempotencyKey: "k2",
		Body: []byte(`{"target_event_id":"` + created.EventID + `","timestamp":"2026-01-01T00:00:02Z"}`),
	})

	events, err := s.ReadRange(ctx, "w1", 0, 0)
	require.NoError(t, err)

	state := NewState("w1")
	require.NoError(t, Fold(state, events))

	_, exists := state.Contacts["c1"]
	assert.False(t, exists, "projection must have no trace of the undone contact")
}

func TestFold_PermissionMatrixSetReplacesNotMerges(t *testing.T) {
	s := memstore.New(nil)
	ctx := context.Background()

	appendFixture(t, s, "w1", eventstore.AppendRequest{
		WalletID: "w1", AggregateType: event.AggregatePermission, AggregateID: "matrix",
		EventType: event.PermissionMatrixSet, IdempotencyKey: "k1",
		Body: []byte(`{"user_group_id":"ug1","contact_group_id":"cg1","allow":["contact:read","contact:create"],"timestamp":"2026-01-01T00:00:00Z"}`),
	})
	appendFixture(t, s, "w1", eventstore.AppendRequest{
		WalletID: "w1", AggregateType: event.AggregatePermission, AggregateID: "matrix",
		EventType: event.PermissionMatrixSet, ExpectedStreamVersion: 1, IdempotencyKey: "k2",
		Body: []byte(`{"user_group_id":"ug1","contact_group_id":"cg1","allow":["contact:read"],"timestamp":"2026-01-01T00:00:01Z"}`),
	})

	events, err := s.ReadRange(ctx, "w1", 0, 0)
	require.NoError(t, err)
	state := NewState("w1")
	require.NoError(t, Fold(state, events))

	cell := state.MatrixCell("ug1", "cg1")
	assert.True(t, cell.Has("contact:read"))
	assert.False(t, cell.Has("contact:create"), "second PERMISSION_MATRIX_SET must replace, not merge")
}

func TestRebuild_UsesSnapshotAndTail(t *testing.T) {
	s := memstore.New(nil)
	snaps := NewMemorySnapshotStore()
	engine := NewEngine(s, snaps, 5)
	ctx := context.Background()

	appendFixture(t, s, "w1", eventstore.AppendRequest{
		WalletID: "w1", AggregateType: event.AggregateContact, AggregateID: "c1",
		EventType: event.Created, IdempotencyKey: "k1",
		Body: []byte(`{"name":"Alice","comment":"x","timestamp":"2026-01-01T00:00:00Z"}`),
	})

	state, err := engine.Rebuild(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, engine.Snapshot(ctx, state))

	appendFixture(t, s, "w1", eventstore.AppendRequest{
		WalletID: "w1", AggregateType: event.AggregateContact, AggregateID: "c1",
		EventType: event.Updated, ExpectedStreamVersion: 1, IdempotencyKey: "k2",
		Body: []byte(`{"name":"Alice V2","timestamp":"2026-01-01T00:01:00Z"}`),
	})

	rebuilt, err := engine.Rebuild(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "Alice V2", rebuilt.Contacts["c1"].Name)
	assert.Equal(t, int64(2), rebuilt.LastAppliedSequence)
}

func TestSnapshotStore_PruneKeepsOnlyLIFOCap(t *testing.T) {
	snaps := NewMemorySnapshotStore()
	ctx := context.Background()

	for i := int64(1); i <= 7; i++ {
		require.NoError(t, snaps.Save(ctx, "w1", Snapshot{WalletID: "w1", LastSequence: i, State: NewState("w1")}))
	}
	require.NoError(t, snaps.Prune(ctx, "w1", 5))
	assert.Len(t, snaps.byID["w1"], 5)

	latest, ok, err := snaps.Latest(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(7), latest.LastSequence)
}
