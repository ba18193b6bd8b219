// Package postgres is the authoritative server-side event store backing
// eventstore.Store, built on database/sql and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/debitum/syncengine/internal/domain/event"
	"github.com/debitum/syncengine/internal/eventstore"
)

// Store is a PostgreSQL-backed eventstore.Store.
type Store struct {
	db *sql.DB
}

// New wraps an open *sql.DB. The caller owns the connection's lifecycle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the events table and its supporting indexes if they
// do not already exist. Production deployments drive schema changes through
// internal/platform/migrations instead; this is here for tests and for
// standalone tooling that wants a self-contained store.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS events (
			event_id        UUID PRIMARY KEY,
			wallet_id       UUID NOT NULL,
			sequence        BIGINT NOT NULL,
			aggregate_type  TEXT NOT NULL,
			aggregate_id    UUID NOT NULL,
			event_type      TEXT NOT NULL,
			stream_version  INTEGER NOT NULL,
			user_id         UUID NOT NULL,
			idempotency_key TEXT NOT NULL DEFAULT '',
			body            JSONB NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_events_wallet_sequence ON events(wallet_id, sequence);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_events_wallet_aggregate_version ON events(wallet_id, aggregate_id, stream_version);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_events_wallet_idempotency ON events(wallet_id, idempotency_key) WHERE idempotency_key <> '';
		CREATE INDEX IF NOT EXISTS idx_events_wallet_created_at ON events(wallet_id, created_at);

		CREATE TABLE IF NOT EXISTS wallet_sequences (
			wallet_id UUID PRIMARY KEY,
			next_seq  BIGINT NOT NULL DEFAULT 1
		);
	`)
	return err
}

// Append implements eventstore.Store. The idempotency lookup, the version
// check, the per-wallet sequence bump and the insert run in one transaction.
// Two concurrent appends at the same expected version can both pass the
// version check; the later insert then fails on the events unique index, and
// that unique violation is reported as VersionConflict.
func (s *Store) Append(ctx context.Context, req eventstore.AppendRequest) (eventstore.Outcome, error) {
	if !req.AggregateType.Valid() || !req.EventType.Valid() {
		return eventstore.Outcome{Status: eventstore.Rejected, Reason: "unrecognised aggregate_type or event_type"}, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eventstore.Outcome{}, err
	}
	defer tx.Rollback()

	if req.IdempotencyKey != "" {
		var priorID string
		var priorSeq int64
		var priorVersion int
		var bodyMatches bool
		// The body comparison happens in Postgres via the jsonb equality
		// operator rather than a byte comparison in Go, since JSONB storage
		// reformats whitespace and key order on write.
		err := tx.QueryRowContext(ctx, `
			SELECT event_id, sequence, stream_version, body = $3::jsonb FROM events
			WHERE wallet_id = $1 AND idempotency_key = $2
		`, req.WalletID, req.IdempotencyKey, []byte(req.Body)).Scan(&priorID, &priorSeq, &priorVersion, &bodyMatches)
		switch {
		case err == nil:
			if !bodyMatches {
				return eventstore.Outcome{Status: eventstore.IdempotencyMismatch}, nil
			}
			return eventstore.Outcome{
				Status:        eventstore.IdempotentReplay,
				Sequence:      priorSeq,
				StreamVersion: priorVersion,
				EventID:       priorID,
			}, nil
		case !errors.Is(err, sql.ErrNoRows):
			return eventstore.Outcome{}, err
		}
	}

	var currentVersion int
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(stream_version), 0) FROM events
		WHERE wallet_id = $1 AND aggregate_id = $2
	`, req.WalletID, req.AggregateID).Scan(&currentVersion)
	if err != nil {
		return eventstore.Outcome{}, err
	}
	if currentVersion != req.ExpectedStreamVersion {
		return eventstore.Outcome{Status: eventstore.VersionConflict, CurrentVersion: currentVersion}, nil
	}

	var nextSeq int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO wallet_sequences (wallet_id, next_seq) VALUES ($1, 2)
		ON CONFLICT (wallet_id) DO UPDATE SET next_seq = wallet_sequences.next_seq + 1
		RETURNING next_seq - 1
	`, req.WalletID).Scan(&nextSeq)
	if err != nil {
		return eventstore.Outcome{}, err
	}

	eventID := req.EventID
	if eventID == "" {
		eventID = uuid.NewString()
	}
	newVersion := currentVersion + 1

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (
			event_id, wallet_id, sequence, aggregate_type, aggregate_id,
			event_type, stream_version, user_id, idempotency_key, body
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		eventID, req.WalletID, nextSeq, string(req.AggregateType), req.AggregateID,
		string(req.EventType), newVersion, req.AuthorUserID, req.IdempotencyKey, []byte(req.Body),
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			// Another transaction beat us to this aggregate's next version or
			// this idempotency key between our checks and the insert.
			return eventstore.Outcome{Status: eventstore.VersionConflict, CurrentVersion: currentVersion}, nil
		}
		return eventstore.Outcome{}, err
	}

	if err := tx.Commit(); err != nil {
		return eventstore.Outcome{}, err
	}

	return eventstore.Outcome{
		Status:        eventstore.Accepted,
		Sequence:      nextSeq,
		StreamVersion: newVersion,
		EventID:       eventID,
	}, nil
}

const selectColumns = `
	event_id, wallet_id, sequence, aggregate_type, aggregate_id,
	event_type, stream_version, user_id, idempotency_key, body, created_at
`

// ReadRange implements eventstore.Store.
func (s *Store) ReadRange(ctx context.Context, walletID string, afterSequence int64, limit int) ([]event.Event, error) {
	query := `SELECT ` + selectColumns + ` FROM events WHERE wallet_id = $1 AND sequence > $2 ORDER BY sequence ASC`
	args := []any{walletID, afterSequence}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}
	return s.scanAll(ctx, query, args...)
}

// ReadStream implements eventstore.Store.
func (s *Store) ReadStream(ctx context.Context, walletID, aggregateID string) ([]event.Event, error) {
	query := `SELECT ` + selectColumns + ` FROM events WHERE wallet_id = $1 AND aggregate_id = $2 ORDER BY stream_version ASC`
	return s.scanAll(ctx, query, walletID, aggregateID)
}

// StreamVersion implements eventstore.Store.
func (s *Store) StreamVersion(ctx context.Context, walletID, aggregateID string) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(stream_version), 0) FROM events WHERE wallet_id = $1 AND aggregate_id = $2
	`, walletID, aggregateID).Scan(&v)
	return v, err
}

// LatestSequence implements eventstore.Store.
func (s *Store) LatestSequence(ctx context.Context, walletID string) (int64, error) {
	var v sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM events WHERE wallet_id = $1
	`, walletID).Scan(&v)
	if err != nil {
		return 0, err
	}
	return v.Int64, nil
}

func (s *Store) scanAll(ctx context.Context, query string, args ...any) ([]event.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		var e event.Event
		var body []byte
		if err := rows.Scan(
			&e.EventID, &e.WalletID, &e.Sequence, &e.AggregateType, &e.AggregateID,
			&e.EventType, &e.StreamVersion, &e.UserID, &e.IdempotencyKey, &body, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		e.Body = body
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ eventstore.Store = (*Store)(nil)
