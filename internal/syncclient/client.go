// Package syncclient implements the client side of the hash-then-pull sync
// protocol (spec §5): an optimistic local write path, a background push
// loop with retry/backoff, and a pull-and-merge loop driven by digest
// comparison and the realtime bus.
package syncclient

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/debitum/syncengine/internal/apperrors"
	"github.com/debitum/syncengine/internal/domain/event"
	"github.com/debitum/syncengine/internal/eventstore"
	"github.com/debitum/syncengine/internal/logging"
	"github.com/debitum/syncengine/internal/projection"
)

// Transport is the narrow RPC surface a Client needs against the server
// (spec §4.3). A production binary satisfies this with an HTTP client; tests
// satisfy it with an in-process fake wired directly to a syncserver.Server.
type Transport interface {
	SyncHash(ctx context.Context, walletID string, upToSequence int64) (string, error)
	SyncEvents(ctx context.Context, walletID string, sinceSequence int64, limit int) ([]event.Envelope, int64, error)
	PostSyncEvents(ctx context.Context, walletID string, envelopes []event.Envelope) ([]PushOutcome, error)
}

// PushOutcome mirrors syncserver.Outcome without importing that package,
// keeping the client independent of server internals.
type PushOutcome struct {
	EventID       string
	Sequence      int64
	StreamVersion int
	ErrorCode     apperrors.Code
	ErrorMessage  string
}

// Status is the result of get_sync_status() (spec §5).
type Status struct {
	WalletID         string
	LastSyncedAt     time.Time
	PendingPushCount int
	LastError        string
}

const (
	maxConflictRetries = 5
	undoWindow         = 5 * time.Second
)

// pendingEvent is a locally-authored event awaiting a successful push. It
// lives only in memory until the server accepts it, at which point it moves
// into localStore (the durable mirror of the client's confirmed history).
type pendingEvent struct {
	envelope event.Envelope
	attempts int
}

// Client is the per-wallet client-side sync engine: a confirmed local event
// log, a local projection kept current with both confirmed and pending
// writes, a pending-push queue, and a cursor into the server's log.
type Client struct {
	walletID    string
	userID      string
	transport   Transport
	localStore  eventstore.Store // holds only server-confirmed events, in cursor order
	projections *projection.Engine
	log         *logging.Logger
	now         func() time.Time

	mu           sync.Mutex
	state        *projection.State // confirmed + pending, kept current for reads
	cursor       int64             // highest server sequence fully incorporated
	pending      []pendingEvent
	lastSyncedAt time.Time
	lastError    string
	authToken    string        // local storage's copy of the bearer token (spec §4.4)
	logoutSignal chan struct{} // UI drains this on DEBITUM_AUTH_DECLINED or an explicit Logout
}

// New builds a Client for one (user, wallet) pair.
func New(walletID, userID string, transport Transport, localStore eventstore.Store, projections *projection.Engine, log *logging.Logger) *Client {
	return &Client{
		walletID:     walletID,
		userID:       userID,
		transport:    transport,
		localStore:   localStore,
		projections:  projections,
		state:        projection.NewState(walletID),
		log:          log,
		now:          func() time.Time { return time.Now().UTC() },
		logoutSignal: make(chan struct{}, 1),
	}
}

// SetAuthToken stores the bearer token a transport implementation should
// attach to this client's requests (spec §4.4 "Local storage": "the auth
// token").
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	c.authToken = token
	c.mu.Unlock()
}

// AuthToken returns the currently stored bearer token, empty once logged out.
func (c *Client) AuthToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authToken
}

// LogoutSignal returns the channel the UI should drain to learn it must
// return to the login screen, either because the user called Logout or
// because the server declined the client's credentials (spec §7 Kind 2,
// DEBITUM_AUTH_DECLINED: "clear token and local cursor; emit a logout
// signal to UI").
func (c *Client) LogoutSignal() <-chan struct{} {
	return c.logoutSignal
}

// Logout implements the logout command (spec §4.4 "Commands exposed
// upward"): it clears the stored auth token, drops any unconfirmed local
// writes, and resets the sync cursor so the next login starts a fresh pull
// from sequence 0.
func (c *Client) Logout() {
	c.mu.Lock()
	c.clearSessionLocked()
	c.mu.Unlock()
	c.signalLogout()
}

// clearSessionLocked resets auth/session state. Callers must hold c.mu.
func (c *Client) clearSessionLocked() {
	c.authToken = ""
	c.cursor = 0
	c.pending = nil
	c.state = projection.NewState(c.walletID)
}

func (c *Client) signalLogout() {
	select {
	case c.logoutSignal <- struct{}{}:
	default:
	}
}

// State returns the current optimistic projection (confirmed history plus
// any not-yet-acknowledged local writes), the view the UI reads from.
func (c *Client) State() *projection.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// Append implements the optimistic local write path (spec §5 "Write path"):
// the event is folded into the local projection immediately, then queued
// for background push. The caller sees it applied before the round trip to
// the server completes.
func (c *Client) Append(ctx context.Context, aggType event.AggregateType, aggID string, eventType event.Type, body []byte) (event.Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	confirmed, err := c.localStore.StreamVersion(ctx, c.walletID, aggID)
	if err != nil {
		return event.Envelope{}, err
	}
	expected := confirmed + c.pendingVersionOffset(aggID)

	eventID := uuid.NewString()
	env := event.Envelope{
		EventID: eventID, WalletID: c.walletID, AggregateType: aggType, AggregateID: aggID,
		EventType: eventType, StreamVersion: expected, UserID: c.userID,
		IdempotencyKey: eventID, Body: body,
	}

	optimistic := env.ToEvent()
	optimistic.StreamVersion = expected + 1
	optimistic.CreatedAt = c.now()
	if err := projection.Fold(c.state, []event.Event{optimistic}); err != nil {
		return event.Envelope{}, err
	}

	c.pending = append(c.pending, pendingEvent{envelope: env})
	return env, nil
}

func (c *Client) pendingVersionOffset(aggID string) int {
	n := 0
	for _, p := range c.pending {
		if p.envelope.AggregateID == aggID {
			n++
		}
	}
	return n
}

// Undo appends an UNDO event for targetEventID, rejecting locally if the
// target fell outside the undo window without a round trip to the server
// (spec §4.4 "the client enforces the same window so a stale Undo button
// never round-trips only to be rejected").
func (c *Client) Undo(ctx context.Context, aggType event.AggregateType, aggID, targetEventID string, targetCreatedAt time.Time) (event.Envelope, error) {
	if c.now().Sub(targetCreatedAt) > undoWindow {
		return event.Envelope{}, apperrors.NewValidation("timestamp", "undo window has elapsed")
	}
	body := []byte(`{"target_event_id":"` + targetEventID + `","timestamp":"` + c.now().Format(time.RFC3339) + `"}`)
	return c.Append(ctx, aggType, aggID, event.Undo, body)
}

// Push implements the background push loop (spec §5 "Push path"): batches
// pending events, submits them, and branches per envelope on the outcome.
// An envelope rejected with a convergent error (a version conflict) stays
// queued unchanged for the next Push call, up to maxConflictRetries times;
// Push applies no delay between attempts. Any other error outcome, and a
// conflict past that cap, drops the event from the queue with the error
// surfaced via Status.
func (c *Client) Push(ctx context.Context) error {
	c.mu.Lock()
	batch := append([]pendingEvent(nil), c.pending...)
	c.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	envelopes := make([]event.Envelope, len(batch))
	for i, p := range batch {
		envelopes[i] = p.envelope
	}

	outcomes, err := c.transport.PostSyncEvents(ctx, c.walletID, envelopes)
	if err != nil {
		if appErr, ok := apperrors.As(err); ok && appErr.Code == apperrors.AuthDeclined {
			c.mu.Lock()
			c.clearSessionLocked()
			c.mu.Unlock()
			c.signalLogout()
			return err
		}
		c.recordError(err.Error())
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var remaining []pendingEvent
	for i, out := range outcomes {
		if out.ErrorCode == "" {
			if err := c.confirm(ctx, batch[i].envelope, out); err != nil {
				c.lastError = err.Error()
			}
			continue
		}
		if out.ErrorCode == apperrors.AuthDeclined {
			// The server no longer accepts this client's credentials: drop
			// the whole pending queue rather than just this envelope, since
			// every other queued write would fail the same way (spec §7
			// Kind 2, DEBITUM_AUTH_DECLINED).
			c.clearSessionLocked()
			c.lastSyncedAt = c.now()
			c.signalLogout()
			return nil
		}
		if apperrors.KindOf(out.ErrorCode) == apperrors.KindConvergent && batch[i].attempts < maxConflictRetries {
			batch[i].attempts++
			remaining = append(remaining, batch[i])
			continue
		}
		c.lastError = string(out.ErrorCode) + ": " + out.ErrorMessage
	}

	c.pending = remaining
	c.lastSyncedAt = c.now()
	return nil
}

// confirm persists a server-accepted push into the durable local log and
// advances the cursor. Must be called with c.mu held.
func (c *Client) confirm(ctx context.Context, env event.Envelope, out PushOutcome) error {
	_, err := c.localStore.Append(ctx, eventstore.AppendRequest{
		WalletID: c.walletID, AggregateType: env.AggregateType, AggregateID: env.AggregateID,
		EventType: env.EventType, Body: env.Body, AuthorUserID: env.UserID,
		ExpectedStreamVersion: env.StreamVersion, IdempotencyKey: env.IdempotencyKey, EventID: out.EventID,
	})
	if err != nil {
		return err
	}
	if out.Sequence > c.cursor {
		c.cursor = out.Sequence
	}
	return nil
}

// PullAndMerge implements the pull loop (spec §5 "Pull path"). When the
// cursor is past 0 it first compares the local digest against the server's
// digest for the already-synced prefix, and then it always fetches events
// newer than the local cursor (the common case: new history to
// incorporate). A digest mismatch
// there means something changed the *visibility* of already-synced events
// (spec §4.5 a permission-matrix change can reveal or hide history without
// appending anything new) rather than appending new history, so it is
// logged as a divergence for operators to investigate rather than gating
// the pull — the client's fold model only ever appends, so recovering from
// a retroactive visibility change requires a full client-side rebuild,
// which is out of scope here.
func (c *Client) PullAndMerge(ctx context.Context) error {
	c.mu.Lock()
	cursor := c.cursor
	c.mu.Unlock()

	if cursor > 0 {
		localHash, err := c.localDigest(ctx)
		if err != nil {
			return err
		}
		remoteHash, err := c.transport.SyncHash(ctx, c.walletID, cursor)
		if err != nil {
			c.recordError(err.Error())
			return err
		}
		if localHash != remoteHash {
			c.recordError("synced-prefix digest diverged from server; visibility of prior history may have changed")
		}
	}

	envelopes, nextCursor, err := c.transport.SyncEvents(ctx, c.walletID, cursor, 0)
	if err != nil {
		c.recordError(err.Error())
		return err
	}

	for _, env := range envelopes {
		if _, err := c.localStore.Append(ctx, eventstore.AppendRequest{
			WalletID: c.walletID, AggregateType: env.AggregateType, AggregateID: env.AggregateID,
			EventType: env.EventType, Body: env.Body, AuthorUserID: env.UserID,
			ExpectedStreamVersion: env.StreamVersion - 1, IdempotencyKey: env.IdempotencyKey, EventID: env.EventID,
		}); err != nil {
			c.recordError(err.Error())
			return err
		}
	}

	rebuilt, err := c.projections.Rebuild(ctx, c.walletID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.state = rebuilt
	// Re-apply still-pending local writes on top of the freshly rebuilt
	// confirmed state so the optimistic view never regresses mid-sync.
	for _, p := range c.pending {
		optimistic := p.envelope.ToEvent()
		_ = projection.Fold(c.state, []event.Event{optimistic})
	}
	c.cursor = nextCursor
	c.lastSyncedAt = c.now()
	c.mu.Unlock()
	return nil
}

// Sync runs one manual sync cycle (spec §5 "manual sync trigger"): push
// local changes, then pull and merge the server's.
func (c *Client) Sync(ctx context.Context) error {
	if err := c.Push(ctx); err != nil {
		return err
	}
	return c.PullAndMerge(ctx)
}

// Status implements get_sync_status().
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		WalletID: c.walletID, LastSyncedAt: c.lastSyncedAt,
		PendingPushCount: len(c.pending), LastError: c.lastError,
	}
}

func (c *Client) localDigest(ctx context.Context) (string, error) {
	events, err := c.localStore.ReadRange(ctx, c.walletID, 0, 0)
	if err != nil {
		return "", err
	}
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	for _, e := range events {
		h.Write([]byte(e.EventID))
	}
	return string(h.Sum(nil)), nil
}

func (c *Client) recordError(msg string) {
	c.mu.Lock()
	c.lastError = msg
	c.mu.Unlock()
	if c.log != nil {
		c.log.WithField("wallet_id", c.walletID).WithField("error", msg).Warn("sync error")
	}
}

// BackoffDelay returns the exponential-backoff-with-jitter delay for a given
// retry attempt (spec §4.1 "Failure semantics"), capped at 30s.
func BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := time.Duration(1<<uint(attempt-1)) * time.Second
	if base > 30*time.Second {
		base = 30 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(base)/2 + 1))
	return base/2 + jitter
}
