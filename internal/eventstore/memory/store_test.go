package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/debitum/syncengine/internal/domain/event"
	"github.com/debitum/syncengine/internal/eventstore"
)

func fixedClock(t time.Time) eventstore.Clock {
	return func() time.Time { return t }
}

func TestAppend_FirstEventAccepted(t *testing.T) {
	s := New(fixedClock(time.Unix(0, 0)))
	ctx := context.Background()

	out, err := s.Append(ctx, eventstore.AppendRequest{
		WalletID:              "w1",
		AggregateType:         event.AggregateContact,
		AggregateID:           "c1",
		EventType:             event.Created,
		Body:                  []byte(`{"name":"Alice"}`),
		AuthorUserID:          "u1",
		ExpectedStreamVersion: 0,
		IdempotencyKey:        "key-1",
	})
	require.NoError(t, err)
	assert.Equal(t, eventstore.Accepted, out.Status)
	assert.Equal(t, int64(1), out.Sequence)
	assert.Equal(t, 1, out.StreamVersion)
	assert.NotEmpty(t, out.EventID)
}

func TestAppend_IdempotentReplay(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	req := eventstore.AppendRequest{
		WalletID:              "w1",
		AggregateType:         event.AggregateContact,
		AggregateID:           "c1",
		EventType:             event.Created,
		Body:                  []byte(`{}`),
		AuthorUserID:          "u1",
		ExpectedStreamVersion: 0,
		IdempotencyKey:        "same-key",
	}
	first, err := s.Append(ctx, req)
	require.NoError(t, err)
	require.Equal(t, eventstore.Accepted, first.Status)

	second, err := s.Append(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, eventstore.IdempotentReplay, second.Status)
	assert.Equal(t, first.EventID, second.EventID)
	assert.Equal(t, first.Sequence, second.Sequence)

	version, err := s.StreamVersion(ctx, "w1", "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, version, "replay must not advance the stream version")
}

func TestAppend_IdempotencyMismatchOnDifferentBody(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	first, err := s.Append(ctx, eventstore.AppendRequest{
		WalletID:              "w1",
		AggregateType:         event.AggregateContact,
		AggregateID:           "c1",
		EventType:             event.Created,
		Body:                  []byte(`{"name":"Alice"}`),
		ExpectedStreamVersion: 0,
		IdempotencyKey:        "same-key",
	})
	require.NoError(t, err)
	require.Equal(t, eventstore.Accepted, first.Status)

	second, err := s.Append(ctx, eventstore.AppendRequest{
		WalletID:              "w1",
		AggregateType:         event.AggregateContact,
		AggregateID:           "c1",
		EventType:             event.Created,
		Body:                  []byte(`{"name":"Bob"}`),
		ExpectedStreamVersion: 0,
		IdempotencyKey:        "same-key",
	})
	require.NoError(t, err)
	assert.Equal(t, eventstore.IdempotencyMismatch, second.Status)

	version, err := s.StreamVersion(ctx, "w1", "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, version, "a rejected mismatch must not advance the stream version")
}

func TestAppend_VersionConflict(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	_, err := s.Append(ctx, eventstore.AppendRequest{
		WalletID:              "w1",
		AggregateType:         event.AggregateContact,
		AggregateID:           "c1",
		EventType:             event.Created,
		Body:                  []byte(`{}`),
		ExpectedStreamVersion: 0,
		IdempotencyKey:        "k1",
	})
	require.NoError(t, err)

	out, err := s.Append(ctx, eventstore.AppendRequest{
		WalletID:              "w1",
		AggregateType:         event.AggregateContact,
		AggregateID:           "c1",
		EventType:             event.Updated,
		Body:                  []byte(`{}`),
		ExpectedStreamVersion: 0, // stale: should be 1 now
		IdempotencyKey:        "k2",
	})
	require.NoError(t, err)
	assert.Equal(t, eventstore.VersionConflict, out.Status)
	assert.Equal(t, 1, out.CurrentVersion)
}

func TestAppend_RejectsUnrecognisedTypes(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	out, err := s.Append(ctx, eventstore.AppendRequest{
		WalletID:      "w1",
		AggregateType: "not-a-real-type",
		AggregateID:   "c1",
		EventType:     event.Created,
		Body:          []byte(`{}`),
	})
	require.NoError(t, err)
	assert.Equal(t, eventstore.Rejected, out.Status)
	assert.NotEmpty(t, out.Reason)
}

func TestReadRange_OrderedAndBounded(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, eventstore.AppendRequest{
			WalletID:              "w1",
			AggregateType:         event.AggregateContact,
			AggregateID:           "c1",
			EventType:             event.Updated,
			Body:                  []byte(`{}`),
			ExpectedStreamVersion: i,
			IdempotencyKey:        "k" + string(rune('a'+i)),
		})
		require.NoError(t, err)
	}

	out, err := s.ReadRange(ctx, "w1", 2, 2)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, int64(3), out[0].Sequence)
	assert.Equal(t, int64(4), out[1].Sequence)
}

func TestReadRange_UnknownWalletReturnsEmpty(t *testing.T) {
	s := New(nil)
	out, err := s.ReadRange(context.Background(), "nope", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestReadStream_FiltersByAggregate(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	_, err := s.Append(ctx, eventstore.AppendRequest{
		WalletID: "w1", AggregateType: event.AggregateContact, AggregateID: "c1",
		EventType: event.Created, Body: []byte(`{}`), IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	_, err = s.Append(ctx, eventstore.AppendRequest{
		WalletID: "w1", AggregateType: event.AggregateContact, AggregateID: "c2",
		EventType: event.Created, Body: []byte(`{}`), IdempotencyKey: "k2",
	})
	require.NoError(t, err)
	_, err = s.Append(ctx, eventstore.AppendRequest{
		WalletID: "w1", AggregateType: event.AggregateContact, AggregateID: "c1",
		EventType: event.Updated, Body: []byte(`{}`), ExpectedStreamVersion: 1, IdempotencyKey: "k3",
	})
	require.NoError(t, err)

	stream, err := s.ReadStream(ctx, "w1", "c1")
	require.NoError(t, err)
	require.Len(t, stream, 2)
	assert.Equal(t, 1, stream[0].StreamVersion)
	assert.Equal(t, 2, stream[1].StreamVersion)
}

func TestLatestSequence(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	v, err := s.LatestSequence(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	_, err = s.Append(ctx, eventstore.AppendRequest{
		WalletID: "w1", AggregateType: event.AggregateContact, AggregateID: "c1",
		EventType: event.Created, Body: []byte(`{}`), IdempotencyKey: "k1",
	})
	require.NoError(t, err)

	v, err = s.LatestSequence(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}
