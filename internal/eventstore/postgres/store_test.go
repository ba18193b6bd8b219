package postgres

import (
	"context"
	"database/sql"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/debitum/syncengine/internal/domain/event"
	"github.com/debitum/syncengine/internal/eventstore"
)

func TestAppend_Accepted(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT event_id, sequence, stream_version, body = \$3::jsonb FROM events`).
		WithArgs("w1", "key-1", []byte(`{}`)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(stream_version\), 0\) FROM events`).
		WithArgs("w1", "c1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(0))
	mock.ExpectQuery(`INSERT INTO wallet_sequences`).
		WithArgs("w1").
		WillReturnRows(sqlmock.NewRows([]string{"next_seq - 1"}).AddRow(1))
	mock.ExpectExec(`INSERT INTO events`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	store := New(db)
	out, err := store.Append(context.Background(), eventstore.AppendRequest{
		WalletID:              "w1",
		AggregateType:         event.AggregateContact,
		AggregateID:           "c1",
		EventType:             event.Created,
		Body:                  []byte(`{}`),
		AuthorUserID:          "u1",
		ExpectedStreamVersion: 0,
		IdempotencyKey:        "key-1",
		EventID:               "evt-1",
	})
	require.NoError(t, err)
	assert.Equal(t, eventstore.Accepted, out.Status)
	assert.Equal(t, int64(1), out.Sequence)
	assert.Equal(t, 1, out.StreamVersion)
	assert.Equal(t, "evt-1", out.EventID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend_VersionConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT event_id, sequence, stream_version, body = \$3::jsonb FROM events`).
		WithArgs("w1", "key-2", []byte(`{}`)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(stream_version\), 0\) FROM events`).
		WithArgs("w1", "c1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(3))
	mock.ExpectRollback()

	store := New(db)
	out, err := store.Append(context.Background(), eventstore.AppendRequest{
		WalletID:              "w1",
		AggregateType:         event.AggregateContact,
		AggregateID:           "c1",
		EventType:             event.Updated,
		Body:                  []byte(`{}`),
		ExpectedStreamVersion: 1,
		IdempotencyKey:        "key-2",
	})
	require.NoError(t, err)
	assert.Equal(t, eventstore.VersionConflict, out.Status)
	assert.Equal(t, 3, out.CurrentVersion)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend_IdempotentReplay(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT event_id, sequence, stream_version, body = \$3::jsonb FROM events`).
		WithArgs("w1", "key-1", []byte(`{}`)).
		WillReturnRows(sqlmock.NewRows([]string{"event_id", "sequence", "stream_version", "body = $3::jsonb"}).
			AddRow("evt-prior", int64(1), 1, true))
	mock.ExpectRollback()

	store := New(db)
	out, err := store.Append(context.Background(), eventstore.AppendRequest{
		WalletID:              "w1",
		AggregateType:         event.AggregateContact,
		AggregateID:           "c1",
		EventType:             event.Created,
		Body:                  []byte(`{}`),
		ExpectedStreamVersion: 0,
		IdempotencyKey:        "key-1",
	})
	require.NoError(t, err)
	assert.Equal(t, eventstore.IdempotentReplay, out.Status)
	assert.Equal(t, "evt-prior", out.EventID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend_IdempotencyMismatchOnDifferentBody(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT event_id, sequence, stream_version, body = \$3::jsonb FROM events`).
		WithArgs("w1", "key-1", []byte(`{"name":"Bob"}`)).
		WillReturnRows(sqlmock.NewRows([]string{"event_id", "sequence", "stream_version", "body = $3::jsonb"}).
			AddRow("evt-prior", int64(1), 1, false))
	mock.ExpectRollback()

	store := New(db)
	out, err := store.Append(context.Background(), eventstore.AppendRequest{
		WalletID:              "w1",
		AggregateType:         event.AggregateContact,
		AggregateID:           "c1",
		EventType:             event.Created,
		Body:                  []byte(`{"name":"Bob"}`),
		ExpectedStreamVersion: 0,
		IdempotencyKey:        "key-1",
	})
	require.NoError(t, err)
	assert.Equal(t, eventstore.IdempotencyMismatch, out.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}
