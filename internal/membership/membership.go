// Package membership implements wallet lifecycle and invite-based
// membership management (spec §4.6).
package membership

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"

	"github.com/debitum/syncengine/internal/apperrors"
	"github.com/debitum/syncengine/internal/domain/wallet"
	"github.com/debitum/syncengine/internal/logging"
)

// Store persists wallets, memberships and invites. Postgres and in-memory
// implementations live alongside this package.
type Store interface {
	CreateWallet(ctx context.Context, w wallet.Wallet) error
	GetWallet(ctx context.Context, walletID string) (wallet.Wallet, error)
	ListWalletsForUser(ctx context.Context, userID string) ([]wallet.Wallet, error)

	CreateMembership(ctx context.Context, m wallet.Membership) error
	GetMembership(ctx context.Context, walletID, userID string) (wallet.Membership, bool, error)
	SetRole(ctx context.Context, walletID, userID string, role wallet.Role) error
	CountOwners(ctx context.Context, walletID string) (int, error)

	CreateInvite(ctx context.Context, inv wallet.Invite) error
	GetInvite(ctx context.Context, code string) (wallet.Invite, bool, error)
	ConsumeInvite(ctx context.Context, code, consumedBy string, at time.Time) error
	ExpireStaleInvites(ctx context.Context, before time.Time) (int, error)

	// User-group assignment is wallet administration, not event-sourced
	// domain state (spec §3 distinguishes contact-group membership, which
	// is folded from GROUP_MEMBER_ADDED/REMOVED events, from user-group
	// membership, which this store owns directly).
	AddUserToGroup(ctx context.Context, walletID, userGroupID, userID string) error
	RemoveUserFromGroup(ctx context.Context, walletID, userGroupID, userID string) error
	UserGroupsOf(ctx context.Context, walletID, userID string) ([]string, error)
}

// Service implements create_wallet, list_wallets, issue_invite,
// consume_invite, and set_role (spec §4.6).
type Service struct {
	store       Store
	log         *logging.Logger
	inviteTTL   time.Duration
	now         func() time.Time
}

// Option customizes Service construction.
type Option func(*Service)

// WithInviteTTL overrides the default invite lifetime of 72 hours.
func WithInviteTTL(d time.Duration) Option {
	return func(s *Service) { s.inviteTTL = d }
}

// WithClock overrides time.Now, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New builds a membership Service.
func New(store Store, log *logging.Logger, opts ...Option) *Service {
	s := &Service{
		store:     store,
		log:       log,
		inviteTTL: 72 * time.Hour,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateWallet creates a wallet and makes the creator its owner.
func (s *Service) CreateWallet(ctx context.Context, creatorUserID, name, description string) (wallet.Wallet, error) {
	if name == "" {
		return wallet.Wallet{}, apperrors.NewValidation("name", "is required")
	}
	now := s.now()
	w := wallet.Wallet{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		CreatedBy:   creatorUserID,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateWallet(ctx, w); err != nil {
		return wallet.Wallet{}, err
	}
	if err := s.store.CreateMembership(ctx, wallet.Membership{
		WalletID: w.ID, UserID: creatorUserID, Role: wallet.RoleOwner, CreatedAt: now,
	}); err != nil {
		return wallet.Wallet{}, err
	}
	if s.log != nil {
		s.log.WithField("wallet_id", w.ID).WithField("owner", creatorUserID).Info("wallet created")
	}
	return w, nil
}

// ListWallets returns the wallets a user is a member of.
func (s *Service) ListWallets(ctx context.Context, userID string) ([]wallet.Wallet, error) {
	return s.store.ListWalletsForUser(ctx, userID)
}

// IssueInvite mints a short-lived, base58-encoded invite code. Only
// owners/admins may call this (the caller enforces the role check before
// invoking the service, mirroring how the sync server enforces permission
// before calling the event store).
func (s *Service) IssueInvite(ctx context.Context, walletID, createdBy string) (wallet.Invite, error) {
	raw := uuid.New()
	code := base58.Encode(raw[:])
	now := s.now()
	inv := wallet.Invite{
		Code:      code,
		WalletID:  walletID,
		CreatedBy: createdBy,
		CreatedAt: now,
		ExpiresAt: now.Add(s.inviteTTL),
	}
	if err := s.store.CreateInvite(ctx, inv); err != nil {
		return wallet.Invite{}, err
	}
	return inv, nil
}

// ConsumeInvite redeems a code, creating a member-role membership for the
// consuming user.
func (s *Service) ConsumeInvite(ctx context.Context, code, userID string) (wallet.Membership, error) {
	inv, ok, err := s.store.GetInvite(ctx, code)
	if err != nil {
		return wallet.Membership{}, err
	}
	if !ok {
		return wallet.Membership{}, apperrors.NewNotFound("invite", code)
	}
	now := s.now()
	if inv.Expired(now) {
		return wallet.Membership{}, apperrors.NewValidation("code", "invite has expired")
	}
	if inv.Consumed() {
		return wallet.Membership{}, apperrors.NewValidation("code", "invite already consumed")
	}
	if _, exists, err := s.store.GetMembership(ctx, inv.WalletID, userID); err != nil {
		return wallet.Membership{}, err
	} else if exists {
		return wallet.Membership{}, apperrors.NewValidation("user_id", "user is already a member of this wallet")
	}

	if err := s.store.ConsumeInvite(ctx, code, userID, now); err != nil {
		return wallet.Membership{}, err
	}
	m := wallet.Membership{WalletID: inv.WalletID, UserID: userID, Role: wallet.RoleMember, CreatedAt: now}
	if err := s.store.CreateMembership(ctx, m); err != nil {
		return wallet.Membership{}, err
	}
	return m, nil
}

// SetRole changes a member's role. The wallet must retain at least one
// owner (spec §4.6 invariant); demoting the last owner is rejected.
func (s *Service) SetRole(ctx context.Context, walletID, targetUserID string, role wallet.Role) error {
	current, ok, err := s.store.GetMembership(ctx, walletID, targetUserID)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.NewNotFound("membership", targetUserID)
	}
	if current.Role == wallet.RoleOwner && role != wallet.RoleOwner {
		owners, err := s.store.CountOwners(ctx, walletID)
		if err != nil {
			return err
		}
		if owners <= 1 {
			return apperrors.NewValidation("role", "wallet must retain at least one owner")
		}
	}
	return s.store.SetRole(ctx, walletID, targetUserID, role)
}

// AddMember creates a membership directly, bypassing the invite flow. Used
// by administrative tooling and tests; the HTTP surface only ever reaches
// membership creation through ConsumeInvite.
func (s *Service) AddMember(ctx context.Context, walletID, userID string, role wallet.Role) error {
	return s.store.CreateMembership(ctx, wallet.Membership{WalletID: walletID, UserID: userID, Role: role, CreatedAt: s.now()})
}

// RoleOf reports the caller's role within a wallet, and whether they are a
// member at all. It backs the role lookup half of
// syncserver.MembershipResolver.
func (s *Service) RoleOf(ctx context.Context, walletID, userID string) (wallet.Role, bool, error) {
	m, ok, err := s.store.GetMembership(ctx, walletID, userID)
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return m.Role, true, nil
}

// UserGroupsOf implements permission.MembershipResolver: the explicit
// user-group assignments beyond the implicit all_users membership every
// wallet member carries.
func (s *Service) UserGroupsOf(ctx context.Context, walletID, userID string) ([]string, error) {
	return s.store.UserGroupsOf(ctx, walletID, userID)
}

// AddUserToGroup assigns a wallet member to a named user-group.
func (s *Service) AddUserToGroup(ctx context.Context, walletID, userGroupID, userID string) error {
	return s.store.AddUserToGroup(ctx, walletID, userGroupID, userID)
}

// RemoveUserFromGroup revokes a wallet member's assignment to a user-group.
func (s *Service) RemoveUserFromGroup(ctx context.Context, walletID, userGroupID, userID string) error {
	return s.store.RemoveUserFromGroup(ctx, walletID, userGroupID, userID)
}

// ExpireInvites is invoked on a schedule (spec SPEC_FULL.md supplemented
// feature: invite expiry sweep) to purge invites past their TTL that were
// never consumed.
func (s *Service) ExpireInvites(ctx context.Context) (int, error) {
	n, err := s.store.ExpireStaleInvites(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 && s.log != nil {
		s.log.WithField("count", n).Info("expired stale invites")
	}
	return n, nil
}
