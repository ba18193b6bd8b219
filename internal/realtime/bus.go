// Package realtime implements the per-wallet events_synced(wallet_id)
// publish/subscribe bus (spec §4.7). Delivery is best-effort: a dropped or
// missed token is recovered by the next periodic sync.
package realtime

import (
	"sync"

	"github.com/debitum/syncengine/internal/logging"
)

// Token is the single payload type carried by the bus: a signal that a
// wallet's server-side log has moved forward. Clients react by pulling,
// never by trusting the token's contents for anything but "something
// changed".
type Token struct {
	WalletID string `json:"wallet_id"`
}

// Publisher is the write side of the bus. Implementations: Bus itself for
// single-process deployments, PostgresPublisher for multi-instance
// deployments that fan out over LISTEN/NOTIFY.
type Publisher interface {
	Publish(walletID string) error
}

// Subscriber is a single connection's mailbox: a bounded channel tagged
// with the wallet set its owner is authorized to read (spec §4.7
// "tags each connection with (user, authorized_wallet_set)").
type Subscriber struct {
	UserID    string
	Wallets   map[string]struct{}
	ch        chan Token
	bus       *Bus
	closeOnce sync.Once
}

// C returns the channel the subscriber should range over.
func (s *Subscriber) C() <-chan Token { return s.ch }

// Close unregisters the subscriber and releases its channel. Safe to call
// more than once.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		s.bus.remove(s)
		close(s.ch)
	})
}

// Bus is the in-process publish/subscribe hub: one per server process
// (spec §4.7 "One broadcast channel per process").
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
	bufferSize  int
	log         *logging.Logger
}

// New builds a Bus. bufferSize defaults to 100 (BROADCAST_BUFFER) when <= 0.
func New(bufferSize int, log *logging.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[*Subscriber]struct{}),
		bufferSize:  bufferSize,
		log:         log,
	}
}

// Subscribe registers a new connection authorized to receive tokens for
// the given wallet set.
func (b *Bus) Subscribe(userID string, wallets map[string]struct{}) *Subscriber {
	s := &Subscriber{
		UserID:  userID,
		Wallets: wallets,
		ch:      make(chan Token, b.bufferSize),
		bus:     b,
	}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *Bus) remove(s *Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, s)
	b.mu.Unlock()
}

// Publish implements Publisher: it broadcasts a token to every subscriber
// authorized for the wallet, dropping it for any subscriber whose buffer
// is full rather than blocking (spec §4.7 "slow consumers may be dropped").
func (b *Bus) Publish(walletID string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subscribers {
		if _, ok := s.Wallets[walletID]; !ok {
			continue
		}
		select {
		case s.ch <- Token{WalletID: walletID}:
		default:
			if b.log != nil {
				b.log.WithField("user_id", s.UserID).WithField("wallet_id", walletID).
					Warn("dropping events_synced token, subscriber buffer full")
			}
		}
	}
	return nil
}

// SubscriberCount reports the number of live connections, for metrics.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

var _ Publisher = (*Bus)(nil)
