package permission

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainperm "github.com/debitum/syncengine/internal/domain/permission"
	"github.com/debitum/syncengine/internal/domain/wallet"
	"github.com/debitum/syncengine/internal/projection"
)

type fakeMembershipResolver struct {
	groups map[string][]string // userID -> explicit user-group ids
}

func (f *fakeMembershipResolver) UserGroupsOf(ctx context.Context, walletID, userID string) ([]string, error) {
	return f.groups[userID], nil
}

func TestCan_OwnerBypassesMatrix(t *testing.T) {
	e := NewEngine(nil)
	state := projection.NewState("w1")

	ok, err := e.Can(context.Background(), state, Request{
		UserID: "u1", WalletID: "w1", Role: wallet.RoleOwner,
		Action: domainperm.ContactRead, ResourceKind: ResourceContact, ResourceID: "c1",
	})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCan_MemberDeniedWithoutMatrixGrant(t *testing.T) {
	e := NewEngine(&fakeMembershipResolver{})
	state := projection.NewState("w1")

	ok, err := e.Can(context.Background(), state, Request{
		UserID: "u1", WalletID: "w1", Role: wallet.RoleMember,
		Action: domainperm.ContactRead, ResourceKind: ResourceContact, ResourceID: "c1",
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCan_MemberGrantedViaMatrixCell(t *testing.T) {
	e := NewEngine(&fakeMembershipResolver{groups: map[string][]string{"u1": {"ug-readers"}}})
	state := projection.NewState("w1")
	state.ContactGroupMembers[domainperm.AllContactsGroup] = map[string]struct{}{"c1": {}}
	state.Matrix[struct {
		UserGroupID    string
		ContactGroupID string
	}{"ug-readers", domainperm.AllContactsGroup}] = domainperm.NewActionSet(domainperm.ContactRead)

	ok, err := e.Can(context.Background(), state, Request{
		UserID: "u1", WalletID: "w1", Role: wallet.RoleMember,
		Action: domainperm.ContactRead, ResourceKind: ResourceContact, ResourceID: "c1",
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Can(context.Background(), state, Request{
		UserID: "u1", WalletID: "w1", Role: wallet.RoleMember,
		Action: domainperm.ContactDelete, ResourceKind: ResourceContact, ResourceID: "c1",
	})
	require.NoError(t, err)
	assert.False(t, ok, "grant on contact:read must not imply contact:delete")
}

func TestCan_CreateRuleUnionsOverAnyGrantedGroup(t *testing.T) {
	e := NewEngine(&fakeMembershipResolver{groups: map[string][]string{"u1": {"ug-creators"}}})
	state := projection.NewState("w1")
	state.Matrix[struct {
		UserGroupID    string
		ContactGroupID string
	}{"ug-creators", "vip"}] = domainperm.NewActionSet(domainperm.ContactCreate)

	ok, err := e.Can(context.Background(), state, Request{
		UserID: "u1", WalletID: "w1", Role: wallet.RoleMember,
		Action: domainperm.ContactCreate, ResourceKind: ResourceCreateContact,
	})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPlacementGroups_PrefersExplicitThenDefaultThenFallback(t *testing.T) {
	state := projection.NewState("w1")
	userGroups := map[string]struct{}{"ug1": {}}

	got := PlacementGroups(state, userGroups, []string{"explicit-group"}, nil, domainperm.ContactCreate)
	assert.Equal(t, []string{"explicit-group"}, got)

	got = PlacementGroups(state, userGroups, nil, []string{"default-group"}, domainperm.ContactCreate)
	assert.Equal(t, []string{"default-group"}, got)

	got = PlacementGroups(state, userGroups, nil, nil, domainperm.ContactCreate)
	assert.Equal(t, []string{domainperm.AllContactsGroup}, got)
}
