// Package projection folds the authoritative event log into the current-
// state read models (spec §4.2): contacts, transactions, contact-group
// membership, and permission-matrix cells.
package projection

import (
	"context"
	"fmt"
	"time"

	"github.com/debitum/syncengine/internal/apperrors"
	"github.com/debitum/syncengine/internal/domain/contact"
	"github.com/debitum/syncengine/internal/domain/event"
	"github.com/debitum/syncengine/internal/domain/permission"
	"github.com/debitum/syncengine/internal/domain/transaction"
	"github.com/debitum/syncengine/internal/eventstore"
)

// State is the full derived view for one wallet. It is the unit that gets
// snapshotted and rebuilt; fold(E) must produce a byte-identical State for
// a given ordered event list regardless of batching or restarts.
type State struct {
	WalletID            string
	Contacts            map[string]*contact.Contact
	Transactions        map[string]*transaction.Transaction
	ContactGroupMembers map[string]map[string]struct{} // group_id -> contact_id set
	Matrix              map[cellKey]permission.ActionSet
	LastAppliedSequence int64
}

type cellKey struct {
	UserGroupID    string
	ContactGroupID string
}

// NewState returns an empty State for a wallet.
func NewState(walletID string) *State {
	return &State{
		WalletID:            walletID,
		Contacts:            make(map[string]*contact.Contact),
		Transactions:        make(map[string]*transaction.Transaction),
		ContactGroupMembers: make(map[string]map[string]struct{}),
		Matrix:              make(map[cellKey]permission.ActionSet),
	}
}

// Clone returns a deep-enough copy for snapshotting (safe to mutate
// independently of the original).
func (s *State) Clone() *State {
	out := NewState(s.WalletID)
	out.LastAppliedSequence = s.LastAppliedSequence
	for id, c := range s.Contacts {
		cc := *c
		out.Contacts[id] = &cc
	}
	for id, t := range s.Transactions {
		tt := *t
		out.Transactions[id] = &tt
	}
	for g, members := range s.ContactGroupMembers {
		set := make(map[string]struct{}, len(members))
		for m := range members {
			set[m] = struct{}{}
		}
		out.ContactGroupMembers[g] = set
	}
	for k, v := range s.Matrix {
		cp := make(permission.ActionSet, len(v))
		for a := range v {
			cp[a] = struct{}{}
		}
		out.Matrix[k] = cp
	}
	return out
}

// ContactGroupsOf returns the set of contact group ids a contact currently
// belongs to.
func (s *State) ContactGroupsOf(contactID string) map[string]struct{} {
	out := make(map[string]struct{})
	for g, members := range s.ContactGroupMembers {
		if _, ok := members[contactID]; ok {
			out[g] = struct{}{}
		}
	}
	return out
}

// MatrixCell returns the allow set for a (user_group, contact_group) pair,
// or an empty set if none has been configured.
func (s *State) MatrixCell(userGroupID, contactGroupID string) permission.ActionSet {
	return s.Matrix[cellKey{userGroupID, contactGroupID}]
}

// MatrixCellsForUserGroups returns every cell whose user_group_id is in ugs,
// used by the permission engine's create-rule and placement, and by the sync
// server's effective-permissions summary.
func (s *State) MatrixCellsForUserGroups(ugs map[string]struct{}) map[string]permission.ActionSet {
	out := make(map[string]permission.ActionSet)
	for k, v := range s.Matrix {
		if _, ok := ugs[k.UserGroupID]; ok {
			if existing, ok := out[k.ContactGroupID]; ok {
				out[k.ContactGroupID] = existing.Union(v)
			} else {
				out[k.ContactGroupID] = v
			}
		}
	}
	return out
}

// Engine applies events to per-wallet State, one wallet at a time (spec
// §4.2 "projection writes for a given wallet are serialized").
type Engine struct {
	store    eventstore.Store
	snapshot SnapshotStore
	maxSnaps int
	now      func() time.Time
}

// SnapshotStore persists and retrieves the LIFO-capped snapshot history
// used to accelerate rebuild (spec §4.2 "Snapshots").
type SnapshotStore interface {
	Save(ctx context.Context, walletID string, snap Snapshot) error
	Latest(ctx context.Context, walletID string) (Snapshot, bool, error)
	Prune(ctx context.Context, walletID string, keep int) error
}

// Snapshot is a persisted checkpoint: the projection state as of a given
// server sequence.
type Snapshot struct {
	WalletID     string
	LastSequence int64
	State        *State
	TakenAt      time.Time
}

// NewEngine builds a projection Engine. maxSnapshots defaults to 5
// (spec §4.2 / MAX_SNAPSHOTS) when <= 0.
func NewEngine(store eventstore.Store, snaps SnapshotStore, maxSnapshots int) *Engine {
	if maxSnapshots <= 0 {
		maxSnapshots = 5
	}
	return &Engine{store: store, snapshot: snaps, maxSnaps: maxSnapshots, now: func() time.Time { return time.Now().UTC() }}
}

// Rebuild loads the latest snapshot (if any) and replays the remaining
// tail of the log, producing the current State for a wallet. It is
// idempotent: repeated calls with the same event sequence yield identical
// state (spec §4.2 "Rebuild operation").
func (e *Engine) Rebuild(ctx context.Context, walletID string) (*State, error) {
	state := NewState(walletID)
	var after int64

	if e.snapshot != nil {
		if snap, ok, err := e.snapshot.Latest(ctx, walletID); err != nil {
			return nil, err
		} else if ok {
			state = snap.State.Clone()
			after = snap.LastSequence
		}
	}

	events, err := e.store.ReadRange(ctx, walletID, after, 0)
	if err != nil {
		return nil, err
	}
	if err := Fold(state, events); err != nil {
		return nil, err
	}
	return state, nil
}

// Snapshot persists the current state as a checkpoint and prunes older
// snapshots beyond the configured retention (LIFO: newest kept, spec §9
// "Cache/eviction ... fixed-cap LIFO per wallet").
func (e *Engine) Snapshot(ctx context.Context, state *State) error {
	if e.snapshot == nil {
		return nil
	}
	snap := Snapshot{
		WalletID:     state.WalletID,
		LastSequence: state.LastAppliedSequence,
		State:        state.Clone(),
		TakenAt:      e.now(),
	}
	if err := e.snapshot.Save(ctx, state.WalletID, snap); err != nil {
		return err
	}
	return e.snapshot.Prune(ctx, state.WalletID, e.maxSnaps)
}

// Fold applies an ordered slice of events to state in place. It is the
// single source of truth for fold semantics; used by both Rebuild and the
// sync client's optimistic local apply so the two paths can never diverge
// (spec §8 "Fold determinism").
func Fold(state *State, events []event.Event) error {
	for i := range events {
		if err := applyOne(state, events[i], events); err != nil {
			return err
		}
	}
	return nil
}

func applyOne(state *State, e event.Event, all []event.Event) error {
	switch e.AggregateType {
	case event.AggregateContact:
		if e.EventType == event.Undo {
			undoContact(state, e, all)
		} else {
			applyContact(state, e)
		}
	case event.AggregateTransaction:
		if e.EventType == event.Undo {
			undoTransaction(state, e, all)
		} else {
			applyTransaction(state, e)
		}
	case event.AggregateGroup:
		applyGroup(state, e)
	case event.AggregatePermission:
		applyPermission(state, e)
	case event.AggregateMembership:
		// Wallet membership is owned by internal/membership, not folded here.
	default:
		return apperrors.NewValidation("aggregate_type", fmt.Sprintf("unfoldable aggregate_type %q", e.AggregateType))
	}
	if e.Sequence > state.LastAppliedSequence {
		state.LastAppliedSequence = e.Sequence
	}
	return nil
}

func applyContact(state *State, e event.Event) {
	switch e.EventType {
	case event.Created:
		c := &contact.Contact{
			ID:       e.AggregateID,
			WalletID: e.WalletID,
			Version:  e.StreamVersion,
		}
		applyContactFields(c, e)
		state.Contacts[c.ID] = c
		groups := e.GroupIDs()
		if len(groups) == 0 {
			groups = []string{permission.AllContactsGroup}
		}
		for _, g := range groups {
			addContactToGroup(state, g, c.ID)
		}
		addContactToGroup(state, permission.AllContactsGroup, c.ID)

	case event.Updated:
		c, ok := state.Contacts[e.AggregateID]
		if !ok {
			return
		}
		applyContactFields(c, e)
		c.Version = e.StreamVersion

	case event.Deleted:
		c, ok := state.Contacts[e.AggregateID]
		if !ok {
			return
		}
		c.Deleted = true
		c.Version = e.StreamVersion
	}
}

func applyContactFields(c *contact.Contact, e event.Event) {
	if v := e.Get("name"); v.Exists() {
		c.Name = v.String()
	}
	if v := e.Get("username"); v.Exists() {
		c.Username = v.String()
	}
	if v := e.Get("phone"); v.Exists() {
		c.Phone = v.String()
	}
	if v := e.Get("email"); v.Exists() {
		c.Email = v.String()
	}
	if v := e.Get("notes"); v.Exists() {
		c.Notes = v.String()
	}
	if ts, ok := e.Timestamp(); ok {
		c.LastUpdated = ts
	} else {
		c.LastUpdated = e.CreatedAt
	}
}

func applyTransaction(state *State, e event.Event) {
	switch e.EventType {
	case event.Created:
		t := &transaction.Transaction{
			ID:        e.AggregateID,
			WalletID:  e.WalletID,
			ContactID: e.ContactID(),
			Version:   e.StreamVersion,
		}
		applyTransactionFields(t, e)
		state.Transactions[t.ID] = t

	case event.Updated:
		t, ok := state.Transactions[e.AggregateID]
		if !ok {
			return
		}
		applyTransactionFields(t, e)
		t.Version = e.StreamVersion

	case event.Deleted:
		t, ok := state.Transactions[e.AggregateID]
		if !ok {
			return
		}
		t.Deleted = true
		t.Version = e.StreamVersion
	}
}

func applyTransactionFields(t *transaction.Transaction, e event.Event) {
	if v := e.Get("amount"); v.Exists() {
		t.Amount = v.Int()
	}
	if v := e.Get("currency"); v.Exists() {
		t.Currency = v.String()
	}
	if v := e.Get("direction"); v.Exists() {
		t.Direction = transaction.Direction(v.String())
	}
	if v := e.Get("description"); v.Exists() {
		t.Description = v.String()
	}
	if v := e.Get("due_at"); v.Exists() {
		if ts, err := time.Parse(time.RFC3339, v.String()); err == nil {
			t.DueAt = &ts
		}
	}
	if ts, ok := e.Timestamp(); ok {
		t.OccurredAt = ts
	}
}

func applyGroup(state *State, e event.Event) {
	groupID := e.Get("group_id").String()
	memberID := e.Get("contact_id").String()
	if groupID == "" || memberID == "" {
		return
	}
	switch e.EventType {
	case event.GroupMemberAdded:
		addContactToGroup(state, groupID, memberID)
	case event.GroupMemberRemoved:
		if members, ok := state.ContactGroupMembers[groupID]; ok {
			delete(members, memberID)
		}
	}
}

func addContactToGroup(state *State, groupID, contactID string) {
	members, ok := state.ContactGroupMembers[groupID]
	if !ok {
		members = make(map[string]struct{})
		state.ContactGroupMembers[groupID] = members
	}
	members[contactID] = struct{}{}
}

func applyPermission(state *State, e event.Event) {
	if e.EventType != event.PermissionMatrixSet {
		return
	}
	ug := e.Get("user_group_id").String()
	cg := e.Get("contact_group_id").String()
	if ug == "" || cg == "" {
		return
	}
	var actions []permission.Action
	for _, v := range e.Get("allow").Array() {
		actions = append(actions, permission.Action(v.String()))
	}
	state.Matrix[cellKey{ug, cg}] = permission.NewActionSet(actions...)
}

// undoContact implements "re-fold the stream up to the undone event's
// predecessor and then replay subsequent events with the undone event
// filtered out" (spec §4.2) for one contact aggregate, leaving every other
// aggregate's state untouched. all is the event batch currently being
// folded (the post-snapshot tail on a rebuild, or the full stream on an
// incremental single-wallet apply); undo is only valid within a short
// window (spec §4.4 UNDO_WINDOW_SECONDS), so its target always falls
// inside the same fold batch in practice.
func undoContact(state *State, undoEvent event.Event, all []event.Event) {
	replay := filteredAggregateReplay(all, undoEvent)
	delete(state.Contacts, undoEvent.AggregateID)
	for g := range state.ContactGroupMembers {
		delete(state.ContactGroupMembers[g], undoEvent.AggregateID)
	}
	for _, e := range replay {
		applyContact(state, e)
	}
}

func undoTransaction(state *State, undoEvent event.Event, all []event.Event) {
	replay := filteredAggregateReplay(all, undoEvent)
	delete(state.Transactions, undoEvent.AggregateID)
	for _, e := range replay {
		applyTransaction(state, e)
	}
}

// filteredAggregateReplay returns every event for undoEvent's aggregate
// that precedes it in sequence, excluding the undone target event itself.
func filteredAggregateReplay(all []event.Event, undoEvent event.Event) []event.Event {
	targetID := undoEvent.TargetEventID()
	out := make([]event.Event, 0, len(all))
	for _, e := range all {
		if e.AggregateID != undoEvent.AggregateID || e.Sequence >= undoEvent.Sequence {
			continue
		}
		if e.EventID == targetID {
			continue
		}
		out = append(out, e)
	}
	return out
}
