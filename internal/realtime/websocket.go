package realtime

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/debitum/syncengine/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// ServeWebSocket upgrades an authenticated request to a websocket
// connection and streams events_synced(wallet_id) tokens to it until the
// client disconnects or the subscriber is closed (spec §4.7
// `realtime.subscribe`). Callers resolve userID and wallets from the
// bearer token before invoking this.
func ServeWebSocket(bus *Bus, log *logging.Logger, w http.ResponseWriter, r *http.Request, userID string, wallets map[string]struct{}) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if log != nil {
			log.WithError(err).Warn("realtime: websocket upgrade failed")
		}
		return
	}
	defer conn.Close()

	sub := bus.Subscribe(userID, wallets)
	defer sub.Close()

	done := make(chan struct{})
	go readLoop(conn, done)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case tok, ok := <-sub.C():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(tok); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop drains and discards client frames so the connection's close
// frame and read errors surface promptly; this endpoint is server-to-
// client only.
func readLoop(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
