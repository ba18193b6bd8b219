// Package event defines the atomic unit of history for the sync engine: the
// append-only domain event (spec §3 "Event") and its wire envelope
// (spec §6 "Event envelope").
package event

import (
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"
)

// AggregateType names the kind of entity an event's aggregate_id refers to.
type AggregateType string

const (
	AggregateContact    AggregateType = "contact"
	AggregateTransaction AggregateType = "transaction"
	AggregatePermission AggregateType = "permission"
	AggregateGroup      AggregateType = "group"
	AggregateMembership AggregateType = "membership"
)

// Valid reports whether t is one of the closed set of aggregate types.
func (t AggregateType) Valid() bool {
	switch t {
	case AggregateContact, AggregateTransaction, AggregatePermission, AggregateGroup, AggregateMembership:
		return true
	default:
		return false
	}
}

// Type is the closed set of event types an aggregate stream can contain.
type Type string

const (
	Created              Type = "CREATED"
	Updated               Type = "UPDATED"
	Deleted               Type = "DELETED"
	Undo                  Type = "UNDO"
	PermissionMatrixSet   Type = "PERMISSION_MATRIX_SET"
	GroupMemberAdded      Type = "GROUP_MEMBER_ADDED"
	GroupMemberRemoved    Type = "GROUP_MEMBER_REMOVED"
)

// Valid reports whether t is a recognised event type. An event pulled from
// the wire with an unrecognised type is rejected as a schema violation
// rather than silently ignored (spec §9, "Reflection / dynamic typing").
func (t Type) Valid() bool {
	switch t {
	case Created, Updated, Deleted, Undo, PermissionMatrixSet, GroupMemberAdded, GroupMemberRemoved:
		return true
	default:
		return false
	}
}

// Event is the immutable, accepted record as stored in the authoritative
// log (spec §3 invariant 1: append-only, never mutated once accepted).
type Event struct {
	EventID           string          `json:"event_id" db:"event_id"`
	WalletID          string          `json:"wallet_id" db:"wallet_id"`
	Sequence          int64           `json:"sequence" db:"sequence"`
	AggregateType     AggregateType   `json:"aggregate_type" db:"aggregate_type"`
	AggregateID       string          `json:"aggregate_id" db:"aggregate_id"`
	EventType         Type            `json:"event_type" db:"event_type"`
	StreamVersion     int             `json:"stream_version" db:"stream_version"`
	UserID            string          `json:"user_id" db:"user_id"`
	IdempotencyKey    string          `json:"idempotency_key" db:"idempotency_key"`
	Body              json.RawMessage `json:"body" db:"body"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}

// Body accessors. The body is semi-structured JSON (spec §3, §9): rather
// than duplicating a typed struct per event type, fields are read on demand
// with gjson, which also makes the required/optional rules in spec §6
// straightforward to check.

// Get returns the raw gjson.Result for a dotted path into the body.
func (e *Event) Get(path string) gjson.Result {
	return gjson.GetBytes(e.Body, path)
}

// Comment returns body.comment (required on CREATE, optional elsewhere).
func (e *Event) Comment() string { return e.Get("comment").String() }

// Timestamp returns body.timestamp, required on every event.
func (e *Event) Timestamp() (time.Time, bool) {
	v := e.Get("timestamp")
	if !v.Exists() {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, v.String())
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// PreviousValues returns body.previous_values for UPDATE events.
func (e *Event) PreviousValues() map[string]gjson.Result {
	return e.Get("previous_values").Map()
}

// TargetEventID returns the event_id an UNDO event targets.
func (e *Event) TargetEventID() string { return e.Get("target_event_id").String() }

// ContactID returns the contact a transaction event refers to, when present.
func (e *Event) ContactID() string { return e.Get("contact_id").String() }

// GroupIDs returns body.group_ids, the placement groups named on CREATE.
func (e *Event) GroupIDs() []string {
	var ids []string
	for _, v := range e.Get("group_ids").Array() {
		ids = append(ids, v.String())
	}
	return ids
}

// Envelope is the wire shape used both for pushing client-authored events
// and for the server's response to a pull (spec §6 "Event envelope").
// On push, StreamVersion means "expected_stream_version" and Sequence is
// omitted; on pull, both are populated by the server.
type Envelope struct {
	EventID        string          `json:"event_id"`
	WalletID       string          `json:"wallet_id"`
	AggregateType  AggregateType   `json:"aggregate_type"`
	AggregateID    string          `json:"aggregate_id"`
	EventType      Type            `json:"event_type"`
	StreamVersion  int             `json:"stream_version"`
	Sequence       int64           `json:"sequence,omitempty"`
	UserID         string          `json:"user_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Body           json.RawMessage `json:"body"`
	CreatedAt      *time.Time      `json:"created_at,omitempty"`
}

// ToEvent builds an (unaccepted) Event from a push envelope.
func (env Envelope) ToEvent() Event {
	return Event{
		EventID:        env.EventID,
		WalletID:       env.WalletID,
		AggregateType:  env.AggregateType,
		AggregateID:    env.AggregateID,
		EventType:      env.EventType,
		StreamVersion:  env.StreamVersion,
		UserID:         env.UserID,
		IdempotencyKey: env.IdempotencyKey,
		Body:           env.Body,
	}
}

// FromEvent builds a pull-response envelope from an accepted Event.
func FromEvent(e Event) Envelope {
	created := e.CreatedAt
	return Envelope{
		EventID:        e.EventID,
		WalletID:       e.WalletID,
		AggregateType:  e.AggregateType,
		AggregateID:    e.AggregateID,
		EventType:      e.EventType,
		StreamVersion:  e.StreamVersion,
		Sequence:       e.Sequence,
		UserID:         e.UserID,
		IdempotencyKey: e.IdempotencyKey,
		Body:           e.Body,
		CreatedAt:      &created,
	}
}

// ActionFor maps an (aggregate_type, event_type) pair to the permission
// action it requires (spec §4.3 step 3, §4.5). Aggregates other than
// contact/transaction (group, membership, permission) are wallet-management
// concerns gated on wallet:manage_members / wallet:update instead.
func ActionFor(agg AggregateType, t Type) string {
	switch agg {
	case AggregateContact:
		return "contact:" + actionVerb(t)
	case AggregateTransaction:
		return "transaction:" + actionVerb(t)
	case AggregateGroup, AggregateMembership:
		return "wallet:manage_members"
	case AggregatePermission:
		return "wallet:update"
	default:
		return "events:read"
	}
}

func actionVerb(t Type) string {
	switch t {
	case Created:
		return "create"
	case Updated:
		return "update"
	case Deleted, Undo:
		return "delete"
	default:
		return "read"
	}
}
