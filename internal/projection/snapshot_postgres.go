package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/debitum/syncengine/internal/domain/contact"
	"github.com/debitum/syncengine/internal/domain/permission"
	"github.com/debitum/syncengine/internal/domain/transaction"
)

// PostgresSnapshotStore is a database/sql-backed SnapshotStore. Only the
// newest snapshot per wallet is kept on disk; Save overwrites in place and
// Prune is a no-op, since keep is always 1 from this store's perspective
// (the LIFO-capped in-memory history spec §9 describes is for the
// in-process cache; durable storage only ever needs the latest checkpoint
// to accelerate Rebuild after a restart).
type PostgresSnapshotStore struct {
	db *sql.DB
}

// NewPostgresSnapshotStore wraps an open *sql.DB.
func NewPostgresSnapshotStore(db *sql.DB) *PostgresSnapshotStore {
	return &PostgresSnapshotStore{db: db}
}

// EnsureSchema creates the snapshots table.
func (s *PostgresSnapshotStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS projection_snapshots (
			wallet_id     UUID PRIMARY KEY,
			last_sequence BIGINT NOT NULL,
			state         JSONB NOT NULL,
			taken_at      TIMESTAMPTZ NOT NULL
		);
	`)
	return err
}

func (s *PostgresSnapshotStore) Save(ctx context.Context, walletID string, snap Snapshot) error {
	payload, err := encodeState(snap.State)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO projection_snapshots (wallet_id, last_sequence, state, taken_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (wallet_id) DO UPDATE SET
			last_sequence = EXCLUDED.last_sequence,
			state         = EXCLUDED.state,
			taken_at      = EXCLUDED.taken_at
	`, walletID, snap.LastSequence, payload, snap.TakenAt)
	return err
}

func (s *PostgresSnapshotStore) Latest(ctx context.Context, walletID string) (Snapshot, bool, error) {
	var lastSeq int64
	var payload []byte
	var takenAt time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT last_sequence, state, taken_at FROM projection_snapshots WHERE wallet_id = $1
	`, walletID).Scan(&lastSeq, &payload, &takenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	state, err := decodeState(walletID, payload)
	if err != nil {
		return Snapshot{}, false, err
	}
	return Snapshot{WalletID: walletID, LastSequence: lastSeq, State: state, TakenAt: takenAt}, true, nil
}

// Prune is a no-op: this store retains exactly the single latest snapshot,
// already enforced by Save's upsert.
func (s *PostgresSnapshotStore) Prune(ctx context.Context, walletID string, keep int) error {
	return nil
}

// stateDTO is State's wire/storage shape. Matrix is flattened to a slice
// because its in-memory key type, cellKey, is unexported and therefore
// cannot serve as a JSON object key.
type stateDTO struct {
	WalletID            string                           `json:"wallet_id"`
	Contacts            map[string]*contact.Contact       `json:"contacts"`
	Transactions        map[string]*transaction.Transaction `json:"transactions"`
	ContactGroupMembers map[string][]string              `json:"contact_group_members"`
	Matrix              []matrixCellDTO                  `json:"matrix"`
	LastAppliedSequence int64                             `json:"last_applied_sequence"`
}

type matrixCellDTO struct {
	UserGroupID    string              `json:"user_group_id"`
	ContactGroupID string              `json:"contact_group_id"`
	Allow          []permission.Action `json:"allow"`
}

func encodeState(state *State) ([]byte, error) {
	dto := stateDTO{
		WalletID:            state.WalletID,
		Contacts:            state.Contacts,
		Transactions:        state.Transactions,
		ContactGroupMembers: make(map[string][]string, len(state.ContactGroupMembers)),
		LastAppliedSequence: state.LastAppliedSequence,
	}
	for g, members := range state.ContactGroupMembers {
		ids := make([]string, 0, len(members))
		for id := range members {
			ids = append(ids, id)
		}
		dto.ContactGroupMembers[g] = ids
	}
	for k, v := range state.Matrix {
		dto.Matrix = append(dto.Matrix, matrixCellDTO{
			UserGroupID:    k.UserGroupID,
			ContactGroupID: k.ContactGroupID,
			Allow:          v.Slice(),
		})
	}
	return json.Marshal(dto)
}

func decodeState(walletID string, payload []byte) (*State, error) {
	var dto stateDTO
	if err := json.Unmarshal(payload, &dto); err != nil {
		return nil, err
	}
	state := NewState(walletID)
	state.LastAppliedSequence = dto.LastAppliedSequence
	if dto.Contacts != nil {
		state.Contacts = dto.Contacts
	}
	if dto.Transactions != nil {
		state.Transactions = dto.Transactions
	}
	for g, ids := range dto.ContactGroupMembers {
		set := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		state.ContactGroupMembers[g] = set
	}
	for _, cell := range dto.Matrix {
		state.Matrix[cellKey{UserGroupID: cell.UserGroupID, ContactGroupID: cell.ContactGroupID}] = permission.NewActionSet(cell.Allow...)
	}
	return state, nil
}

var _ SnapshotStore = (*PostgresSnapshotStore)(nil)
