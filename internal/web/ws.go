package web

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mamorett/sybilla/internal/util"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API is not origin-sensitive; it carries status only.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteWait    = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// APIStatusStream pushes every status snapshot to the client over a
// websocket, starting with the current one.
func (h *Handlers) APIStatusStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.Warn("Status stream upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	updates, cancel := h.orch.Board().Subscribe()
	defer cancel()

	// Drain client frames so close and pong handling work.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(v interface{}) error {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(v)
	}

	if err := write(h.orch.Status()); err != nil {
		return
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case status := <-updates:
			if err := write(status); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
