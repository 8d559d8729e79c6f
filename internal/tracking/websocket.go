package tracking

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Upgrader is shared by the tracking endpoints. Origin checking is left to
// the identity layer in front of the service.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// ServeConn pumps a subscription onto a websocket connection until the
// subscription is closed, the peer disconnects, or a write stalls. It owns
// the connection and closes both sides on exit.
func ServeConn(conn *websocket.Conn, sub *Subscription) {
	defer func() {
		sub.Close()
		_ = conn.Close()
	}()

	// Reader goroutine exists only to service control frames and to notice
	// a peer disconnect. Client payloads are ignored.
	peerGone := make(chan struct{})
	go func() {
		defer close(peerGone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case update, ok := <-sub.Updates:
			if !ok {
				// Hub dropped us, most likely as a slow subscriber.
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "resubscribe"))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(update); err != nil {
				log.Debug().Err(err).
					Str("order_id", sub.OrderID.String()).
					Msg("Tracking write failed, closing connection")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-peerGone:
			return
		}
	}
}
