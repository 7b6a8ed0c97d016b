// Package ws streams live presence to operator dashboards: one snapshot on
// connect, then every login, join, leave, and disconnect as it happens.
package ws

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/gujial/voicePhone/internal/channel"
	"github.com/gujial/voicePhone/internal/events"
	"github.com/gujial/voicePhone/internal/protocol"
)

const writeTimeout = 5 * time.Second

const typeSnapshot = "snapshot"

// ClientCounter reports the number of live control connections.
type ClientCounter interface {
	ClientCount() int
}

type snapshotFrame struct {
	Type     string                 `json:"type"`
	Clients  int                    `json:"clients"`
	Channels []protocol.ChannelInfo `json:"channels"`
}

// Handler owns the websocket presence feed.
type Handler struct {
	clients  ClientCounter
	channels *channel.Registry
	hub      *events.Hub
	upgrader websocket.Upgrader
}

// NewHandler creates a handler that snapshots state from clients and
// channels and then streams hub events.
func NewHandler(clients ClientCounter, channels *channel.Registry, hub *events.Hub) *Handler {
	return &Handler{
		clients:  clients,
		channels: channels,
		hub:      hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn)
	return nil
}

func (h *Handler) serveConn(conn *websocket.Conn) {
	defer conn.Close()

	conn.SetReadLimit(1 << 20)

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(snapshotFrame{
		Type:     typeSnapshot,
		Clients:  h.clients.ClientCount(),
		Channels: h.channels.Snapshot(),
	}); err != nil {
		return
	}

	feed, cancel := h.hub.Subscribe(64)
	defer cancel()

	// The feed is one-way; reads only detect the peer going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-feed:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
