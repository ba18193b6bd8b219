package membership

import (
	"context"
	"sync"
	"time"

	"github.com/debitum/syncengine/internal/apperrors"
	"github.com/debitum/syncengine/internal/domain/wallet"
)

// MemoryStore is an in-process Store, used by tests and the client side of
// the sync engine (which never talks to Postgres directly).
type MemoryStore struct {
	mu          sync.Mutex
	wallets     map[string]wallet.Wallet
	memberships map[string]map[string]wallet.Membership // wallet_id -> user_id -> membership
	invites     map[string]wallet.Invite
	userGroups  map[string]map[string]map[string]struct{} // wallet_id -> user_group_id -> user_id set
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:     make(map[string]wallet.Wallet),
		memberships: make(map[string]map[string]wallet.Membership),
		invites:     make(map[string]wallet.Invite),
		userGroups:  make(map[string]map[string]map[string]struct{}),
	}
}

func (m *MemoryStore) CreateWallet(ctx context.Context, w wallet.Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wallets[w.ID] = w
	return nil
}

func (m *MemoryStore) GetWallet(ctx context.Context, walletID string) (wallet.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[walletID]
	if !ok {
		return wallet.Wallet{}, apperrors.NewNotFound("wallet", walletID)
	}
	return w, nil
}

func (m *MemoryStore) ListWalletsForUser(ctx context.Context, userID string) ([]wallet.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []wallet.Wallet
	for walletID, members := range m.memberships {
		if _, ok := members[userID]; ok {
			if w, ok := m.wallets[walletID]; ok {
				out = append(out, w)
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateMembership(ctx context.Context, mem wallet.Membership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	members, ok := m.memberships[mem.WalletID]
	if !ok {
		members = make(map[string]wallet.Membership)
		m.memberships[mem.WalletID] = members
	}
	members[mem.UserID] = mem
	return nil
}

func (m *MemoryStore) GetMembership(ctx context.Context, walletID, userID string) (wallet.Membership, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members, ok := m.memberships[walletID]
	if !ok {
		return wallet.Membership{}, false, nil
	}
	mem, ok := members[userID]
	return mem, ok, nil
}

func (m *MemoryStore) SetRole(ctx context.Context, walletID, userID string, role wallet.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	members, ok := m.memberships[walletID]
	if !ok {
		return apperrors.NewNotFound("membership", userID)
	}
	mem, ok := members[userID]
	if !ok {
		return apperrors.NewNotFound("membership", userID)
	}
	mem.Role = role
	members[userID] = mem
	return nil
}

func (m *MemoryStore) CountOwners(ctx context.Context, walletID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, mem := range m.memberships[walletID] {
		if mem.Role == wallet.RoleOwner {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CreateInvite(ctx context.Context, inv wallet.Invite) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invites[inv.Code] = inv
	return nil
}

func (m *MemoryStore) GetInvite(ctx context.Context, code string) (wallet.Invite, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invites[code]
	return inv, ok, nil
}

func (m *MemoryStore) ConsumeInvite(ctx context.Context, code, consumedBy string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invites[code]
	if !ok {
		return apperrors.NewNotFound("invite", code)
	}
	inv.ConsumedBy = &consumedBy
	inv.ConsumedAt = &at
	m.invites[code] = inv
	return nil
}

func (m *MemoryStore) ExpireStaleInvites(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for code, inv := range m.invites {
		if inv.ConsumedBy == nil && before.After(inv.ExpiresAt) {
			delete(m.invites, code)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) AddUserToGroup(ctx context.Context, walletID, userGroupID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	groups, ok := m.userGroups[walletID]
	if !ok {
		groups = make(map[string]map[string]struct{})
		m.userGroups[walletID] = groups
	}
	members, ok := groups[userGroupID]
	if !ok {
		members = make(map[string]struct{})
		groups[userGroupID] = members
	}
	members[userID] = struct{}{}
	return nil
}

func (m *MemoryStore) RemoveUserFromGroup(ctx context.Context, walletID, userGroupID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if members, ok := m.userGroups[walletID][userGroupID]; ok {
		delete(members, userID)
	}
	return nil
}

func (m *MemoryStore) UserGroupsOf(ctx context.Context, walletID, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for groupID, members := range m.userGroups[walletID] {
		if _, ok := members[userID]; ok {
			out = append(out, groupID)
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
