// Package memory is an in-process Store, grounded on the same
// optimistic-append algorithm as the postgres implementation. It backs the
// client-side local log (spec §5) and fast unit tests for packages that
// depend on eventstore.Store without needing a database.
package memory

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/debitum/syncengine/internal/domain/event"
	"github.com/debitum/syncengine/internal/eventstore"
)

type walletLog struct {
	events      []event.Event          // ascending by sequence
	streamVer   map[string]int          // aggregate_id -> current stream version
	idempotency map[string]string       // idempotency_key -> event_id
	byEventID   map[string]int          // event_id -> index into events
	nextSeq     int64
}

func newWalletLog() *walletLog {
	return &walletLog{
		streamVer:   make(map[string]int),
		idempotency: make(map[string]string),
		byEventID:   make(map[string]int),
	}
}

// Store is a mutex-guarded, map-of-wallet-logs event store.
type Store struct {
	mu      sync.Mutex
	wallets map[string]*walletLog
	now     eventstore.Clock
}

// New builds an empty Store. now defaults to eventstore.RealClock when nil.
func New(now eventstore.Clock) *Store {
	if now == nil {
		now = eventstore.RealClock
	}
	return &Store{wallets: make(map[string]*walletLog), now: now}
}

func (s *Store) logFor(walletID string) *walletLog {
	l, ok := s.wallets[walletID]
	if !ok {
		l = newWalletLog()
		s.wallets[walletID] = l
	}
	return l
}

// Append implements eventstore.Store.
func (s *Store) Append(ctx context.Context, req eventstore.AppendRequest) (eventstore.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !req.AggregateType.Valid() || !req.EventType.Valid() {
		return eventstore.Outcome{Status: eventstore.Rejected, Reason: "unrecognised aggregate_type or event_type"}, nil
	}

	l := s.logFor(req.WalletID)

	if req.IdempotencyKey != "" {
		if priorID, ok := l.idempotency[req.IdempotencyKey]; ok {
			prior := l.events[l.byEventID[priorID]]
			if !bytes.Equal(prior.Body, req.Body) {
				return eventstore.Outcome{Status: eventstore.IdempotencyMismatch}, nil
			}
			return eventstore.Outcome{
				Status:        eventstore.IdempotentReplay,
				Sequence:      prior.Sequence,
				StreamVersion: prior.StreamVersion,
				EventID:       prior.EventID,
			}, nil
		}
	}

	current := l.streamVer[req.AggregateID]
	if req.ExpectedStreamVersion != current {
		return eventstore.Outcome{Status: eventstore.VersionConflict, CurrentVersion: current}, nil
	}

	eventID := req.EventID
	if eventID == "" {
		eventID = uuid.NewString()
	}
	l.nextSeq++
	newVersion := current + 1
	e := event.Event{
		EventID:        eventID,
		WalletID:       req.WalletID,
		Sequence:       l.nextSeq,
		AggregateType:  req.AggregateType,
		AggregateID:    req.AggregateID,
		EventType:      req.EventType,
		StreamVersion:  newVersion,
		UserID:         req.AuthorUserID,
		IdempotencyKey: req.IdempotencyKey,
		Body:           req.Body,
		CreatedAt:      s.now(),
	}
	l.events = append(l.events, e)
	l.byEventID[eventID] = len(l.events) - 1
	l.streamVer[req.AggregateID] = newVersion
	if req.IdempotencyKey != "" {
		l.idempotency[req.IdempotencyKey] = eventID
	}

	return eventstore.Outcome{
		Status:        eventstore.Accepted,
		Sequence:      e.Sequence,
		StreamVersion: e.StreamVersion,
		EventID:       e.EventID,
	}, nil
}

// ReadRange implements eventstore.Store.
func (s *Store) ReadRange(ctx context.Context, walletID string, afterSequence int64, limit int) ([]event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.wallets[walletID]
	if !ok {
		return nil, nil
	}
	out := make([]event.Event, 0, limit)
	for _, e := range l.events {
		if e.Sequence <= afterSequence {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ReadStream implements eventstore.Store.
func (s *Store) ReadStream(ctx context.Context, walletID, aggregateID string) ([]event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.wallets[walletID]
	if !ok {
		return nil, nil
	}
	out := make([]event.Event, 0)
	for _, e := range l.events {
		if e.AggregateID == aggregateID {
			out = append(out, e)
		}
	}
	return out, nil
}

// StreamVersion implements eventstore.Store.
func (s *Store) StreamVersion(ctx context.Context, walletID, aggregateID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.wallets[walletID]
	if !ok {
		return 0, nil
	}
	return l.streamVer[aggregateID], nil
}

// LatestSequence implements eventstore.Store.
func (s *Store) LatestSequence(ctx context.Context, walletID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.wallets[walletID]
	if !ok {
		return 0, nil
	}
	return l.nextSeq, nil
}

// EventByID is a test/debug helper, not part of eventstore.Store.
func (s *Store) EventByID(walletID, eventID string) (event.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.wallets[walletID]
	if !ok {
		return event.Event{}, false
	}
	idx, ok := l.byEventID[eventID]
	if !ok {
		return event.Event{}, false
	}
	return l.events[idx], true
}
