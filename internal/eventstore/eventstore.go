// Package eventstore defines the durable home for the authoritative event
// log (spec §4.1), partitioned by wallet, with idempotent, optimistically
// versioned appends and a wallet-scoped monotone sequence.
package eventstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/debitum/syncengine/internal/domain/event"
)

// AppendRequest carries everything needed to attempt a single append
// (spec §4.1 "append").
type AppendRequest struct {
	WalletID              string
	AggregateType         event.AggregateType
	AggregateID           string
	EventType             event.Type
	Body                  json.RawMessage
	AuthorUserID          string
	ExpectedStreamVersion int
	IdempotencyKey        string
	EventID               string // pre-allocated by the client; empty means server-generated
}

// Outcome is the tagged result of an append attempt.
type Outcome struct {
	Status        OutcomeStatus
	Sequence      int64
	StreamVersion int
	EventID       string
	// CurrentVersion is populated on VersionConflict.
	CurrentVersion int
	// Reason is populated on Rejected.
	Reason string
}

// OutcomeStatus discriminates the Outcome variants from spec §4.1.
type OutcomeStatus int

const (
	Accepted OutcomeStatus = iota
	IdempotentReplay
	VersionConflict
	Rejected
	// IdempotencyMismatch is returned when an idempotency key is reused
	// with a body that differs from the one it was first stored with
	// (spec §4.1 "Failure semantics").
	IdempotencyMismatch
)

// Store is the event store contract. Implementations: postgres (the
// authoritative server-side log) and memory (client-side local log and
// fast unit tests).
type Store interface {
	// Append attempts to append one event, returning a tagged Outcome.
	// It never returns a transport error for VersionConflict/Rejected —
	// those are terminal outcomes the caller must branch on. A non-nil
	// error indicates a transient storage failure (spec §4.1 "Failure
	// semantics": caller retries with the same idempotency key).
	Append(ctx context.Context, req AppendRequest) (Outcome, error)

	// ReadRange returns events for a wallet with sequence > afterSequence,
	// ascending, capped at limit.
	ReadRange(ctx context.Context, walletID string, afterSequence int64, limit int) ([]event.Event, error)

	// ReadStream returns every event for one aggregate, ascending by
	// stream version.
	ReadStream(ctx context.Context, walletID, aggregateID string) ([]event.Event, error)

	// StreamVersion returns the current stream version for an aggregate,
	// 0 if the aggregate has no events yet.
	StreamVersion(ctx context.Context, walletID, aggregateID string) (int, error)

	// LatestSequence returns the highest sequence number assigned so far
	// for a wallet, 0 if the wallet has no events.
	LatestSequence(ctx context.Context, walletID string) (int64, error)
}

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// RealClock is the default Clock.
func RealClock() time.Time { return time.Now().UTC() }
