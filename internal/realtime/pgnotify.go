package realtime

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/debitum/syncengine/internal/logging"
)

const channelName = "debitum_events_synced"

// PostgresPublisher fans events_synced tokens out across every server
// process via Postgres LISTEN/NOTIFY, so a client connected to instance B
// learns about a push accepted by instance A (spec §4.7, grounded on a
// NOTIFY-backed bus rather than a single in-memory channel).
type PostgresPublisher struct {
	db       *sql.DB
	listener *pq.Listener
	local    *Bus
	log      *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewPostgresPublisher opens a dedicated LISTEN connection against dsn and
// relays every notification on channelName into local's subscribers.
func NewPostgresPublisher(db *sql.DB, dsn string, local *Bus, log *logging.Logger) (*PostgresPublisher, error) {
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil && log != nil {
			log.WithError(err).Warn("pgnotify listener event")
		}
	}
	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, reportProblem)
	if err := listener.Listen(channelName); err != nil {
		listener.Close()
		return nil, fmt.Errorf("realtime: listen: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &PostgresPublisher{db: db, listener: listener, local: local, log: log, ctx: ctx, cancel: cancel}
	go p.relay()
	return p, nil
}

// Publish implements Publisher by issuing pg_notify; every process's
// listener (including this one) receives it and fans it to local
// subscribers.
func (p *PostgresPublisher) Publish(walletID string) error {
	payload, err := json.Marshal(Token{WalletID: walletID})
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(p.ctx, "SELECT pg_notify($1, $2)", channelName, string(payload))
	return err
}

// Close stops the relay goroutine and releases the listener connection.
func (p *PostgresPublisher) Close() error {
	p.cancel()
	return p.listener.Close()
}

func (p *PostgresPublisher) relay() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case n := <-p.listener.Notify:
			if n == nil {
				continue // connection dropped; pq.Listener reconnects and re-LISTENs
			}
			var tok Token
			if err := json.Unmarshal([]byte(n.Extra), &tok); err != nil {
				if p.log != nil {
					p.log.WithError(err).Warn("realtime: malformed notification payload")
				}
				continue
			}
			_ = p.local.Publish(tok.WalletID)
		case <-time.After(90 * time.Second):
			go p.listener.Ping()
		}
	}
}

var _ Publisher = (*PostgresPublisher)(nil)
