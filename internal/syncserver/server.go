// Package syncserver implements the server side of the hash-then-pull sync
// protocol (spec §4.3): sync_hash, sync_events, post_sync_events.
package syncserver

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"
	"golang.org/x/crypto/blake2b"

	"github.com/debitum/syncengine/internal/apperrors"
	"github.com/debitum/syncengine/internal/domain/event"
	domainperm "github.com/debitum/syncengine/internal/domain/permission"
	"github.com/debitum/syncengine/internal/domain/wallet"
	"github.com/debitum/syncengine/internal/eventstore"
	"github.com/debitum/syncengine/internal/logging"
	"github.com/debitum/syncengine/internal/permission"
	"github.com/debitum/syncengine/internal/projection"
	"github.com/debitum/syncengine/internal/realtime"
)

// MembershipResolver answers the role and user-group questions the
// acceptance pipeline and permission engine need, without this package
// depending directly on internal/membership's storage concerns.
type MembershipResolver interface {
	RoleOf(ctx context.Context, walletID, userID string) (wallet.Role, bool, error)
	permission.MembershipResolver
}

// Server wires the event store, projection engine, permission engine and
// realtime bus into the three logical RPCs of spec §4.3.
type Server struct {
	store       eventstore.Store
	projections *projection.Engine
	permissions *permission.Engine
	memberships MembershipResolver
	bus         realtime.Publisher
	cache       DigestCache
	log         *logging.Logger
	undoWindow  time.Duration
	batchLimit  int
	now         func() time.Time
}

// DigestCache memoizes sync_hash digests, keyed by (wallet_id,
// up_to_sequence), so repeated pull-and-merge checks against an unchanged
// prefix of the log skip recomputation. internal/cache.DigestCache
// implements this against Redis; nil disables caching entirely.
type DigestCache interface {
	GetDigest(ctx context.Context, walletID string, upToSequence int64) (string, bool, error)
	SetDigest(ctx context.Context, walletID string, upToSequence int64, digest string) error
	InvalidateWallet(ctx context.Context, walletID string) error
}

// Option customizes Server construction.
type Option func(*Server)

// WithDigestCache installs a Redis-backed digest cache in front of
// SyncHash's blake2b recomputation.
func WithDigestCache(c DigestCache) Option {
	return func(s *Server) { s.cache = c }
}

// WithUndoWindow overrides the default 5s undo window (UNDO_WINDOW_SECONDS).
func WithUndoWindow(d time.Duration) Option {
	return func(s *Server) { s.undoWindow = d }
}

// WithBatchLimit overrides the default 1000 events per sync_events response
// (SYNC_BATCH_LIMIT).
func WithBatchLimit(n int) Option {
	return func(s *Server) { s.batchLimit = n }
}

// WithClock overrides time.Now for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New builds a sync Server.
func New(store eventstore.Store, projections *projection.Engine, permissions *permission.Engine, memberships MembershipResolver, bus realtime.Publisher, log *logging.Logger, opts ...Option) *Server {
	s := &Server{
		store:       store,
		projections: projections,
		permissions: permissions,
		memberships: memberships,
		bus:         bus,
		log:         log,
		undoWindow:  5 * time.Second,
		batchLimit:  1000,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SyncHash implements `sync_hash(wallet_id, up_to_sequence) → digest`
// (spec §4.3). The digest is a blake2b hash folded over the ordered list
// of event ids the requester is permitted to read.
func (s *Server) SyncHash(ctx context.Context, walletID, userID string, upToSequence int64) (string, error) {
	role, ok, err := s.memberships.RoleOf(ctx, walletID, userID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", apperrors.NewInsufficientPermission("events:read")
	}

	// Cache entries are keyed by wallet and sequence only, so the cache is
	// used just for owners/admins, whose digest covers every event.
	if s.cache != nil && role.Bypasses() {
		if digest, hit, err := s.cache.GetDigest(ctx, walletID, upToSequence); err == nil && hit {
			return digest, nil
		}
	}

	events, err := s.store.ReadRange(ctx, walletID, 0, 0)
	if err != nil {
		return "", err
	}
	state, err := s.projections.Rebuild(ctx, walletID)
	if err != nil {
		return "", err
	}

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	for _, e := range events {
		if e.Sequence > upToSequence {
			break
		}
		visible, err := s.canReadEvent(ctx, state, role, userID, walletID, e)
		if err != nil {
			return "", err
		}
		if !visible {
			continue
		}
		h.Write([]byte(e.EventID))
	}
	digest := string(h.Sum(nil))
	if s.cache != nil && role.Bypasses() {
		_ = s.cache.SetDigest(ctx, walletID, upToSequence, digest)
	}
	return digest, nil
}

// EventPage is the result of SyncEvents.
type EventPage struct {
	Events     []event.Envelope
	NextCursor int64
}

// SyncEvents implements `sync_events(wallet_id, since_sequence, limit) →
// {events[], next_cursor}` (spec §4.3). The cursor always advances to the
// last scanned sequence, whether or not that event passed the permission
// filter, so a client never re-scans the same skipped events forever.
func (s *Server) SyncEvents(ctx context.Context, walletID, userID string, sinceSequence int64, limit int) (EventPage, error) {
	role, ok, err := s.memberships.RoleOf(ctx, walletID, userID)
	if err != nil {
		return EventPage{}, err
	}
	if !ok {
		return EventPage{}, apperrors.NewInsufficientPermission("events:read")
	}
	if limit <= 0 || limit > s.batchLimit {
		limit = s.batchLimit
	}

	raw, err := s.store.ReadRange(ctx, walletID, sinceSequence, limit)
	if err != nil {
		return EventPage{}, err
	}
	if len(raw) == 0 {
		return EventPage{Events: nil, NextCursor: sinceSequence}, nil
	}

	state, err := s.projections.Rebuild(ctx, walletID)
	if err != nil {
		return EventPage{}, err
	}

	page := EventPage{NextCursor: sinceSequence}
	for _, e := range raw {
		visible, err := s.canReadEvent(ctx, state, role, userID, walletID, e)
		if err != nil {
			return EventPage{}, err
		}
		if visible {
			page.Events = append(page.Events, event.FromEvent(e))
		}
		page.NextCursor = e.Sequence
	}
	return page, nil
}

func (s *Server) canReadEvent(ctx context.Context, state *projection.State, role wallet.Role, userID, walletID string, e event.Event) (bool, error) {
	if e.AggregateType == event.AggregatePermission || e.AggregateType == event.AggregateGroup || e.AggregateType == event.AggregateMembership {
		return true, nil // readable by any wallet member (spec §4.5)
	}
	kind, resourceID := resourceFor(e)
	action := domainperm.ContactRead
	if e.AggregateType == event.AggregateTransaction {
		action = domainperm.TransactionRead
	}
	return s.permissions.Can(ctx, state, permission.Request{
		UserID: userID, WalletID: walletID, Role: role,
		Action: action, ResourceKind: kind, ResourceID: resourceID,
	})
}

// StreamVersionOf exposes the current stream version for an aggregate, used
// by the HTTP layer's permissions.matrix.put convenience endpoint to build
// a correctly-versioned PERMISSION_MATRIX_SET envelope without duplicating
// the event store's versioning logic.
func (s *Server) StreamVersionOf(ctx context.Context, walletID, aggregateID string) (int, error) {
	return s.store.StreamVersion(ctx, walletID, aggregateID)
}

// EffectivePermissions resolves the allowed-actions summary for userID in
// walletID, the data behind the HTTP layer's me.permissions convenience
// endpoint.
func (s *Server) EffectivePermissions(ctx context.Context, walletID, userID string) (wallet.Role, []domainperm.Action, error) {
	role, ok, err := s.memberships.RoleOf(ctx, walletID, userID)
	if err != nil {
		return "", nil, err
	}
	if !ok {
		return "", nil, apperrors.NewInsufficientPermission("wallet:read")
	}
	if role.Bypasses() {
		return role, domainperm.AllActions, nil
	}

	state, err := s.projections.Rebuild(ctx, walletID)
	if err != nil {
		return "", nil, err
	}
	userGroups, err := s.userGroupSet(ctx, walletID, userID)
	if err != nil {
		return "", nil, err
	}

	var allowed domainperm.ActionSet
	for _, actions := range state.MatrixCellsForUserGroups(userGroups) {
		if allowed == nil {
			allowed = actions
		} else {
			allowed = allowed.Union(actions)
		}
	}
	return role, allowed.Slice(), nil
}

func resourceFor(e event.Event) (permission.ResourceKind, string) {
	switch e.AggregateType {
	case event.AggregateTransaction:
		return permission.ResourceTransaction, e.AggregateID
	case event.AggregateContact:
		return permission.ResourceContact, e.AggregateID
	default:
		return permission.ResourceWallet, ""
	}
}

// Envelope is the client push input for one event (post_sync_events).
type Envelope = event.Envelope

// Outcome is the per-envelope result of PostSyncEvents (spec §4.3).
type Outcome struct {
	EventID       string
	Sequence      int64
	StreamVersion int
	ErrorCode     apperrors.Code // empty on success
	ErrorMessage  string
}

// PostSyncEvents implements `post_sync_events(wallet_id, [event_envelopes])
// → per-event result` (spec §4.3 "Acceptance pipeline").
func (s *Server) PostSyncEvents(ctx context.Context, walletID, userID string, envelopes []Envelope) ([]Outcome, error) {
	role, ok, err := s.memberships.RoleOf(ctx, walletID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.NewAuthDeclined("not a member of this wallet")
	}

	outcomes := make([]Outcome, len(envelopes))
	anyAccepted := false

	for i, env := range envelopes {
		state, err := s.projections.Rebuild(ctx, walletID)
		if err != nil {
			return nil, err
		}
		out, err := s.acceptOne(ctx, state, walletID, userID, role, env)
		if err != nil {
			return nil, err
		}
		outcomes[i] = out
		if out.ErrorCode == "" {
			anyAccepted = true
		}
	}

	if anyAccepted {
		if s.bus != nil {
			_ = s.bus.Publish(walletID)
		}
		if s.cache != nil {
			_ = s.cache.InvalidateWallet(ctx, walletID)
		}
	}
	return outcomes, nil
}

func (s *Server) acceptOne(ctx context.Context, state *projection.State, walletID, userID string, role wallet.Role, env Envelope) (Outcome, error) {
	if !env.AggregateType.Valid() || !env.EventType.Valid() {
		return Outcome{EventID: env.EventID, ErrorCode: apperrors.Validation, ErrorMessage: "unrecognised aggregate_type or event_type"}, nil
	}

	e := env.ToEvent()

	if err := validateBody(state, e); err != nil {
		return Outcome{EventID: env.EventID, ErrorCode: apperrors.Validation, ErrorMessage: err.Error()}, nil
	}

	if !role.Bypasses() {
		action := domainperm.Action(event.ActionFor(e.AggregateType, e.EventType))
		kind, resourceID := placementAwareResource(e)
		allowed, err := s.permissions.Can(ctx, state, permission.Request{
			UserID: userID, WalletID: walletID, Role: role,
			Action: action, ResourceKind: kind, ResourceID: resourceID,
		})
		if err != nil {
			return Outcome{}, err
		}
		if !allowed {
			return Outcome{EventID: env.EventID, ErrorCode: apperrors.InsufficientPermission, ErrorMessage: "user lacks permission for " + string(action)}, nil
		}
	}

	if e.EventType == event.Undo {
		if err := s.validateUndo(ctx, walletID, userID, role, e); err != nil {
			if appErr, ok := apperrors.As(err); ok {
				return Outcome{EventID: env.EventID, ErrorCode: appErr.Code, ErrorMessage: appErr.Message}, nil
			}
			return Outcome{}, err
		}
	}

	if e.AggregateType == event.AggregateContact && e.EventType == event.Created {
		body, err := s.placeContact(ctx, state, walletID, userID, e)
		if err != nil {
			return Outcome{}, err
		}
		e.Body = body
	}

	eventID := e.EventID
	if eventID == "" {
		eventID = uuid.NewString()
	}

	outcome, err := s.store.Append(ctx, eventstore.AppendRequest{
		WalletID:              walletID,
		AggregateType:         e.AggregateType,
		AggregateID:           e.AggregateID,
		EventType:             e.EventType,
		Body:                  e.Body,
		AuthorUserID:          userID,
		ExpectedStreamVersion: e.StreamVersion,
		IdempotencyKey:        e.IdempotencyKey,
		EventID:               eventID,
	})
	if err != nil {
		return Outcome{}, err
	}

	switch outcome.Status {
	case eventstore.Accepted, eventstore.IdempotentReplay:
		return Outcome{EventID: outcome.EventID, Sequence: outcome.Sequence, StreamVersion: outcome.StreamVersion}, nil
	case eventstore.VersionConflict:
		return Outcome{EventID: env.EventID, ErrorCode: apperrors.VersionConflictCode, ErrorMessage: "stream version conflict"}, nil
	case eventstore.IdempotencyMismatch:
		appErr := apperrors.NewIdempotencyMismatch(e.IdempotencyKey)
		return Outcome{EventID: env.EventID, ErrorCode: appErr.Code, ErrorMessage: appErr.Message}, nil
	default:
		return Outcome{EventID: env.EventID, ErrorCode: apperrors.Validation, ErrorMessage: outcome.Reason}, nil
	}
}

// placementAwareResource maps a CREATE to the create-rule resource kind;
// everything else resolves against its existing aggregate.
func placementAwareResource(e event.Event) (permission.ResourceKind, string) {
	switch {
	case e.AggregateType == event.AggregateContact && e.EventType == event.Created:
		return permission.ResourceCreateContact, ""
	case e.AggregateType == event.AggregateTransaction && e.EventType == event.Created:
		return permission.ResourceCreateTransaction, ""
	}
	return resourceFor(e)
}

// placeContact implements spec §4.5 "Placement on create": an explicit
// group_ids on the envelope always wins, so this only fires when the
// client omitted it, falling back to whichever contact group the creator's
// user-groups hold *:create on.
func (s *Server) placeContact(ctx context.Context, state *projection.State, walletID, userID string, e event.Event) (json.RawMessage, error) {
	if len(e.GroupIDs()) > 0 {
		return e.Body, nil
	}
	userGroups, err := s.userGroupSet(ctx, walletID, userID)
	if err != nil {
		return nil, err
	}
	groups := permission.PlacementGroups(state, userGroups, nil, nil, domainperm.ContactCreate)
	body, err := sjson.SetBytes(e.Body, "group_ids", groups)
	if err != nil {
		return e.Body, nil
	}
	return body, nil
}

func (s *Server) userGroupSet(ctx context.Context, walletID, userID string) (map[string]struct{}, error) {
	set := map[string]struct{}{domainperm.AllUsersGroup: {}}
	groups, err := s.memberships.UserGroupsOf(ctx, walletID, userID)
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		set[g] = struct{}{}
	}
	return set, nil
}

func (s *Server) validateUndo(ctx context.Context, walletID, userID string, role wallet.Role, undoEvent event.Event) error {
	targetID := undoEvent.TargetEventID()
	if targetID == "" {
		return apperrors.NewValidation("target_event_id", "required on UNDO")
	}
	stream, err := s.store.ReadStream(ctx, walletID, undoEvent.AggregateID)
	if err != nil {
		return err
	}
	var target *event.Event
	for i := range stream {
		if stream[i].EventID == targetID {
			target = &stream[i]
			break
		}
	}
	if target == nil {
		return apperrors.NewNotFound("event", targetID)
	}
	if !role.Bypasses() && target.UserID != userID {
		return apperrors.NewInsufficientPermission("undo")
	}
	ts, ok := target.Timestamp()
	if !ok {
		ts = target.CreatedAt
	}
	if s.now().Sub(ts) > s.undoWindow {
		return apperrors.NewValidation("timestamp", "undo window has elapsed")
	}
	return nil
}

func validateBody(state *projection.State, e event.Event) error {
	if _, ok := e.Timestamp(); !ok {
		return apperrors.NewValidation("timestamp", "required on every event")
	}
	if e.EventType == event.Created && e.Comment() == "" {
		return apperrors.NewValidation("comment", "required on CREATE")
	}
	if e.EventType == event.Updated && len(e.PreviousValues()) == 0 {
		return apperrors.NewValidation("previous_values", "required on UPDATE")
	}
	if e.AggregateType == event.AggregateTransaction {
		if contactID := e.ContactID(); contactID != "" {
			if _, ok := state.Contacts[contactID]; !ok {
				return apperrors.NewValidation("contact_id", "referenced contact does not exist in this wallet")
			}
		}
	}
	return nil
}
