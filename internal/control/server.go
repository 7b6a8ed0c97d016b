// Package control implements the TCP control plane: newline-framed JSON
// commands that authenticate users, manage channel membership, and hand out
// the keys clients use to encrypt control replies and voice frames.
package control

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/gujial/voicePhone/internal/channel"
	"github.com/gujial/voicePhone/internal/crypto"
	"github.com/gujial/voicePhone/internal/events"
	"github.com/gujial/voicePhone/internal/protocol"
	"github.com/gujial/voicePhone/internal/store"
)

// maxFrameSize caps one control frame. A client that streams a longer line
// is torn down rather than buffered without bound.
const maxFrameSize = 1 << 20

// Server owns the control listener and every live connection. It also
// answers the voice relay's endpoint lookups, since login is where media
// endpoints become known.
type Server struct {
	store    *store.Store
	channels *channel.Registry
	hub      *events.Hub

	// voicePort is advertised in login_success. Set once before Run.
	voicePort int

	ln net.Listener

	mu        sync.Mutex
	conns     map[*conn]struct{}
	endpoints map[netip.AddrPort]*conn
}

// New returns a server wired to its collaborators. Call Listen, then
// SetVoicePort, then Run.
func New(st *store.Store, channels *channel.Registry, hub *events.Hub) *Server {
	return &Server{
		store:     st,
		channels:  channels,
		hub:       hub,
		conns:     make(map[*conn]struct{}),
		endpoints: make(map[netip.AddrPort]*conn),
	}
}

// Listen binds the control port. Port 0 picks a free port.
func (s *Server) Listen(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("bind control port %d: %w", port, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound control address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Close closes the listener without draining connections. Used when startup
// fails partway and the already-bound port must be released.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

// SetVoicePort records the UDP port advertised to clients in login_success.
// Must be called before Run.
func (s *Server) SetVoicePort(port int) {
	s.voicePort = port
}

// Run accepts connections until ctx is cancelled, then closes every live
// connection and waits for their handlers to finish.
func (s *Server) Run(ctx context.Context) error {
	if s.ln == nil {
		return fmt.Errorf("control: Listen must be called before Run")
	}

	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	slog.Info("control endpoint listening", "addr", s.ln.Addr().String())

	var wg sync.WaitGroup
	for {
		sock, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return fmt.Errorf("accept control connection: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(sock)
		}()
	}

	s.closeAll()
	wg.Wait()
	slog.Info("control endpoint stopped")
	return nil
}

// ClientCount returns the number of live control connections.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Targets resolves a voice datagram source to the media endpoints of the
// sender's co-channel members. The second return is false when the source
// is not a registered, authenticated, in-channel endpoint. The source
// endpoint itself is never a target, even if another member registered the
// same address.
func (s *Server) Targets(src netip.AddrPort) ([]netip.AddrPort, bool) {
	s.mu.Lock()
	c, ok := s.endpoints[src]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}

	_, authed := c.sessionState()
	_, ch := c.identity()
	if !authed || ch == "" {
		return nil, false
	}

	members := s.channels.Members(ch)
	out := make([]netip.AddrPort, 0, len(members))
	for _, m := range members {
		ep, ok := m.VoiceEndpoint()
		if !ok || ep == src {
			continue
		}
		out = append(out, ep)
	}
	return out, true
}

func (s *Server) addConn(c *conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	total := len(s.conns)
	s.mu.Unlock()

	slog.Info("client connected", "remote_addr", c.sock.RemoteAddr(), "total_clients", total)
}

// registerEndpoint points ep at c, displacing any earlier owner. The most
// recent login wins a contested endpoint.
func (s *Server) registerEndpoint(ep netip.AddrPort, c *conn) {
	s.mu.Lock()
	s.endpoints[ep] = c
	s.mu.Unlock()
}

// dropEndpoint removes ep only while c still owns it, so a teardown racing a
// fresh login never unmaps the new owner.
func (s *Server) dropEndpoint(ep netip.AddrPort, c *conn) {
	s.mu.Lock()
	if s.endpoints[ep] == c {
		delete(s.endpoints, ep)
	}
	s.mu.Unlock()
}

func (s *Server) closeAll() {
	s.mu.Lock()
	for c := range s.conns {
		c.sock.Close()
	}
	s.mu.Unlock()
}

// sendEncrypted wraps msg in the session envelope and writes it as one
// base64 frame. Connections without a usable session key get the frame in
// clear; an encryption failure drops the frame entirely.
func (s *Server) sendEncrypted(c *conn, msg protocol.Message) {
	id, authed := c.sessionState()
	if !authed || id == "" {
		c.SendClear(msg)
		return
	}
	key, ok := s.store.SessionKey(id)
	if !ok {
		c.SendClear(msg)
		return
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	blob, err := crypto.EncryptEnvelope(raw, key)
	if err != nil {
		slog.Warn("failed to encrypt control frame", "username", c.Username(), "err", err)
		return
	}
	c.writeLine([]byte(base64.StdEncoding.EncodeToString(blob)))
}
