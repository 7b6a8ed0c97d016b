// Package httpapi serves the operator-facing HTTP surface: health and state
// endpoints plus the websocket presence feed. It runs on its own TCP port,
// separate from the control and voice planes.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/gujial/voicePhone/internal/channel"
	"github.com/gujial/voicePhone/internal/events"
	"github.com/gujial/voicePhone/internal/protocol"
	"github.com/gujial/voicePhone/internal/relay"
	"github.com/gujial/voicePhone/internal/store"
	"github.com/gujial/voicePhone/internal/ws"
)

// VoiceStats provides the relay counters reported by /api/stats.
type VoiceStats interface {
	Stats() relay.Stats
}

// Server is the Echo application.
type Server struct {
	echo     *echo.Echo
	store    *store.Store
	channels *channel.Registry
	clients  ws.ClientCounter
	voice    VoiceStats
}

// New constructs an Echo app with REST + websocket routes.
func New(st *store.Store, channels *channel.Registry, hub *events.Hub, clients ws.ClientCounter, voice VoiceStats) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			slog.Debug("api request", "method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	s := &Server{echo: e, store: st, channels: channels, clients: clients, voice: voice}
	s.registerRoutes(hub)
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes(hub *events.Hub) {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/state", s.handleState)
	s.echo.GET("/api/users", s.handleUsers)
	s.echo.GET("/api/stats", s.handleStats)
	ws.NewHandler(s.clients, s.channels, hub).Register(s.echo)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:  "ok",
		Clients: s.clients.ClientCount(),
	})
}

type stateResponse struct {
	Clients  int                    `json:"clients"`
	Sessions int                    `json:"sessions"`
	Channels []protocol.ChannelInfo `json:"channels"`
}

func (s *Server) handleState(c echo.Context) error {
	return c.JSON(http.StatusOK, stateResponse{
		Clients:  s.clients.ClientCount(),
		Sessions: s.store.SessionCount(),
		Channels: s.channels.Snapshot(),
	})
}

// userResponse deliberately omits the password hash.
type userResponse struct {
	Username  string `json:"username"`
	Type      string `json:"type"`
	CreatedAt string `json:"created_at"`
	LastLogin string `json:"last_login,omitempty"`
}

func (s *Server) handleUsers(c echo.Context) error {
	users := s.store.Users()
	out := make([]userResponse, 0, len(users))
	for _, u := range users {
		out = append(out, userResponse{
			Username:  u.Username,
			Type:      u.Type.String(),
			CreatedAt: u.CreatedAt,
			LastLogin: u.LastLogin,
		})
	}
	return c.JSON(http.StatusOK, out)
}

type statsResponse struct {
	PacketsRelayed uint64 `json:"packets_relayed"`
	PacketsDropped uint64 `json:"packets_dropped"`
	BytesRelayed   uint64 `json:"bytes_relayed"`
}

func (s *Server) handleStats(c echo.Context) error {
	st := s.voice.Stats()
	return c.JSON(http.StatusOK, statsResponse{
		PacketsRelayed: st.PacketsRelayed,
		PacketsDropped: st.PacketsDropped,
		BytesRelayed:   st.BytesRelayed,
	})
}
