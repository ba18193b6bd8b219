package membership

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/debitum/syncengine/internal/apperrors"
	"github.com/debitum/syncengine/internal/domain/wallet"
)

// PostgresStore is a sqlx-backed Store, the durable home for wallets,
// memberships, invites and user-group assignment.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore wraps an open *sqlx.DB. The caller owns its lifecycle.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the wallet/membership/invite/user-group tables.
// Production deployments drive schema changes through
// internal/platform/migrations instead.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS wallets (
			id          UUID PRIMARY KEY,
			name        TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_by  UUID NOT NULL,
			active      BOOLEAN NOT NULL DEFAULT true,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS memberships (
			wallet_id  UUID NOT NULL REFERENCES wallets(id),
			user_id    UUID NOT NULL,
			role       TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (wallet_id, user_id)
		);

		CREATE TABLE IF NOT EXISTS invites (
			code        TEXT PRIMARY KEY,
			wallet_id   UUID NOT NULL REFERENCES wallets(id),
			created_by  UUID NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			expires_at  TIMESTAMPTZ NOT NULL,
			consumed_by UUID,
			consumed_at TIMESTAMPTZ
		);

		CREATE TABLE IF NOT EXISTS user_group_members (
			wallet_id     UUID NOT NULL REFERENCES wallets(id),
			user_group_id TEXT NOT NULL,
			user_id       UUID NOT NULL,
			PRIMARY KEY (wallet_id, user_group_id, user_id)
		);
	`)
	return err
}

func (s *PostgresStore) CreateWallet(ctx context.Context, w wallet.Wallet) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallets (id, name, description, created_by, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, w.ID, w.Name, w.Description, w.CreatedBy, w.Active, w.CreatedAt, w.UpdatedAt)
	return err
}

func (s *PostgresStore) GetWallet(ctx context.Context, walletID string) (wallet.Wallet, error) {
	var w wallet.Wallet
	err := s.db.GetContext(ctx, &w, `
		SELECT id, name, description, created_by, active, created_at, updated_at
		FROM wallets WHERE id = $1
	`, walletID)
	if errors.Is(err, sql.ErrNoRows) {
		return wallet.Wallet{}, apperrors.NewNotFound("wallet", walletID)
	}
	return w, err
}

func (s *PostgresStore) ListWalletsForUser(ctx context.Context, userID string) ([]wallet.Wallet, error) {
	var out []wallet.Wallet
	err := s.db.SelectContext(ctx, &out, `
		SELECT w.id, w.name, w.description, w.created_by, w.active, w.created_at, w.updated_at
		FROM wallets w JOIN memberships m ON m.wallet_id = w.id
		WHERE m.user_id = $1
		ORDER BY w.created_at ASC
	`, userID)
	return out, err
}

func (s *PostgresStore) CreateMembership(ctx context.Context, m wallet.Membership) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memberships (wallet_id, user_id, role, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (wallet_id, user_id) DO UPDATE SET role = EXCLUDED.role
	`, m.WalletID, m.UserID, string(m.Role), m.CreatedAt)
	return err
}

func (s *PostgresStore) GetMembership(ctx context.Context, walletID, userID string) (wallet.Membership, bool, error) {
	var m wallet.Membership
	err := s.db.GetContext(ctx, &m, `
		SELECT wallet_id, user_id, role, created_at FROM memberships
		WHERE wallet_id = $1 AND user_id = $2
	`, walletID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return wallet.Membership{}, false, nil
	}
	return m, err == nil, err
}

func (s *PostgresStore) SetRole(ctx context.Context, walletID, userID string, role wallet.Role) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE memberships SET role = $3 WHERE wallet_id = $1 AND user_id = $2
	`, walletID, userID, string(role))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.NewNotFound("membership", userID)
	}
	return nil
}

func (s *PostgresStore) CountOwners(ctx context.Context, walletID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM memberships WHERE wallet_id = $1 AND role = $2
	`, walletID, string(wallet.RoleOwner))
	return n, err
}

func (s *PostgresStore) CreateInvite(ctx context.Context, inv wallet.Invite) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invites (code, wallet_id, created_by, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, inv.Code, inv.WalletID, inv.CreatedBy, inv.CreatedAt, inv.ExpiresAt)
	return err
}

func (s *PostgresStore) GetInvite(ctx context.Context, code string) (wallet.Invite, bool, error) {
	var inv wallet.Invite
	err := s.db.GetContext(ctx, &inv, `
		SELECT code, wallet_id, created_by, created_at, expires_at, consumed_by, consumed_at
		FROM invites WHERE code = $1
	`, code)
	if errors.Is(err, sql.ErrNoRows) {
		return wallet.Invite{}, false, nil
	}
	return inv, err == nil, err
}

func (s *PostgresStore) ConsumeInvite(ctx context.Context, code, consumedBy string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE invites SET consumed_by = $2, consumed_at = $3 WHERE code = $1
	`, code, consumedBy, at)
	return err
}

func (s *PostgresStore) ExpireStaleInvites(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM invites WHERE consumed_by IS NULL AND expires_at < $1
	`, before)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) AddUserToGroup(ctx context.Context, walletID, userGroupID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_group_members (wallet_id, user_group_id, user_id)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`, walletID, userGroupID, userID)
	return err
}

func (s *PostgresStore) RemoveUserFromGroup(ctx context.Context, walletID, userGroupID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM user_group_members WHERE wallet_id = $1 AND user_group_id = $2 AND user_id = $3
	`, walletID, userGroupID, userID)
	return err
}

func (s *PostgresStore) UserGroupsOf(ctx context.Context, walletID, userID string) ([]string, error) {
	var out []string
	err := s.db.SelectContext(ctx, &out, `
		SELECT user_group_id FROM user_group_members WHERE wallet_id = $1 AND user_id = $2
	`, walletID, userID)
	return out, err
}

var _ Store = (*PostgresStore)(nil)
