package queue

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// StreamTabs upgrades to a websocket and pushes the full tab rendering
// on connect and after every cache or reply change. Client messages are
// ignored.
func (h *Handler) StreamTabs(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	changes := h.cache.Changes()
	defer h.cache.Unwatch(changes)
	var replies <-chan struct{}
	if h.signals != nil {
		replies = h.signals.Watch()
		defer h.signals.Unwatch(replies)
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
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

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	if err := h.push(conn); err != nil {
		return
	}
	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case <-changes:
		case <-replies:
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		}
		if err := h.push(conn); err != nil {
			h.log.Debug("websocket closed", "error", err)
			return
		}
	}
}

func (h *Handler) push(conn *websocket.Conn) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(h.snapshot())
}
