// Package permission implements the layered resolution algorithm from
// spec §4.5: a single `can(user, wallet, action, resource)` path that
// unions matrix cells over the Cartesian product of a user's user-groups
// and a resource's contact-groups.
package permission

import (
	"context"

	"github.com/debitum/syncengine/internal/domain/permission"
	"github.com/debitum/syncengine/internal/domain/wallet"
	"github.com/debitum/syncengine/internal/projection"
)

// ResourceKind discriminates what a permission check is being asked about.
type ResourceKind int

const (
	ResourceContact ResourceKind = iota
	ResourceTransaction
	ResourceCreateContact
	ResourceCreateTransaction
	ResourceWallet
)

// Request is the input to Can.
type Request struct {
	UserID       string
	WalletID     string
	Role         wallet.Role
	Action       permission.Action
	ResourceKind ResourceKind
	// ResourceID is the contact_id or transaction_id being acted on; unused
	// for ResourceCreate* and ResourceWallet.
	ResourceID string
}

// MembershipResolver supplies a user's explicit wallet-scoped user-group
// memberships, beyond the implicit all_users membership.
type MembershipResolver interface {
	UserGroupsOf(ctx context.Context, walletID, userID string) ([]string, error)
}

// Engine answers Can using a projection.State snapshot for the wallet's
// group/matrix data plus a membership resolver for user-group assignment.
type Engine struct {
	memberships MembershipResolver
}

// NewEngine builds a permission Engine.
func NewEngine(memberships MembershipResolver) *Engine {
	return &Engine{memberships: memberships}
}

// Can implements the resolution algorithm of spec §4.5 step by step.
func (e *Engine) Can(ctx context.Context, state *projection.State, req Request) (bool, error) {
	// Step 1: owner/admin bypass.
	if req.Role.Bypasses() {
		return true, nil
	}

	// Step 2: resolve user-group set.
	userGroups, err := e.userGroupSet(ctx, req.WalletID, req.UserID)
	if err != nil {
		return false, err
	}

	// Step 3: resolve contact-group set depending on resource kind.
	contactGroups := e.contactGroupSet(state, req, userGroups)

	// Step 4: union allow sets over the Cartesian product.
	var allowed permission.ActionSet
	for ug := range userGroups {
		for cg := range contactGroups {
			cell := state.MatrixCell(ug, cg)
			if allowed == nil {
				allowed = cell
			} else {
				allowed = allowed.Union(cell)
			}
		}
	}
	return allowed.Has(req.Action), nil
}

func (e *Engine) userGroupSet(ctx context.Context, walletID, userID string) (map[string]struct{}, error) {
	set := map[string]struct{}{permission.AllUsersGroup: {}}
	if e.memberships == nil {
		return set, nil
	}
	explicit, err := e.memberships.UserGroupsOf(ctx, walletID, userID)
	if err != nil {
		return nil, err
	}
	for _, g := range explicit {
		set[g] = struct{}{}
	}
	return set, nil
}

// PlacementGroups implements spec §4.5 "Placement on create": groups named
// in the event body win; otherwise the creator's default contact groups;
// otherwise any one group where the creator holds `*:create`, preferring
// all_contacts.
func PlacementGroups(state *projection.State, userGroups map[string]struct{}, explicitGroupIDs, defaultGroupIDs []string, createAction permission.Action) []string {
	if len(explicitGroupIDs) > 0 {
		return explicitGroupIDs
	}
	if len(defaultGroupIDs) > 0 {
		return defaultGroupIDs
	}
	cells := state.MatrixCellsForUserGroups(userGroups)
	if cells[permission.AllContactsGroup].Has(createAction) {
		return []string{permission.AllContactsGroup}
	}
	for cg, actions := range cells {
		if actions.Has(createAction) {
			return []string{cg}
		}
	}
	return []string{permission.AllContactsGroup}
}

func (e *Engine) contactGroupSet(state *projection.State, req Request, userGroups map[string]struct{}) map[string]struct{} {
	switch req.ResourceKind {
	case ResourceContact:
		out := map[string]struct{}{permission.AllContactsGroup: {}}
		for g := range state.ContactGroupsOf(req.ResourceID) {
			out[g] = struct{}{}
		}
		return out

	case ResourceTransaction:
		contactID := ""
		if t, ok := state.Transactions[req.ResourceID]; ok {
			contactID = t.ContactID
		}
		out := map[string]struct{}{permission.AllContactsGroup: {}}
		for g := range state.ContactGroupsOf(contactID) {
			out[g] = struct{}{}
		}
		return out

	case ResourceCreateContact, ResourceCreateTransaction:
		// Every contact group in the wallet where the user's user-groups
		// have *any* action in the matrix (spec §4.5 step 3, create rule).
		out := make(map[string]struct{})
		for cg, actions := range state.MatrixCellsForUserGroups(userGroups) {
			if len(actions) > 0 {
				out[cg] = struct{}{}
			}
		}
		if len(out) == 0 {
			out[permission.AllContactsGroup] = struct{}{}
		}
		return out

	default: // ResourceWallet and anything wallet-level
		return map[string]struct{}{permission.AllContactsGroup: {}}
	}
}
