package control

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net"
	"net/netip"

	"github.com/gujial/voicePhone/internal/crypto"
	"github.com/gujial/voicePhone/internal/events"
	"github.com/gujial/voicePhone/internal/protocol"
	"github.com/gujial/voicePhone/internal/store"
)

// serveConn owns one connection: it splits the byte stream into
// newline-delimited frames and feeds them to the state machine. Frames are
// framed before any base64 or decryption work, so a partial TCP read can
// never split an envelope.
func (s *Server) serveConn(sock net.Conn) {
	c := &conn{sock: sock}
	s.addConn(c)
	defer s.teardown(c)

	sc := bufio.NewScanner(sock)
	sc.Buffer(make([]byte, 64*1024), maxFrameSize)
	for sc.Scan() {
		s.handleFrame(c, sc.Bytes())
	}
	if err := sc.Err(); err != nil {
		// Includes bufio.ErrTooLong for an over-length frame, which tears
		// the connection down rather than resynchronising mid-stream.
		slog.Debug("control read ended", "remote_addr", sock.RemoteAddr(), "err", err)
	}
}

func (s *Server) handleFrame(c *conn, frame []byte) {
	msg, ok := s.decodeFrame(c, frame)
	if !ok {
		return
	}
	s.dispatch(c, msg)
}

// decodeFrame recovers one JSON message from a frame. For authenticated
// connections a frame that is valid base64 is an encrypted envelope: it is
// decrypted with the session key, and a decryption failure discards the
// frame. Anything else is parsed as clear JSON; frames that do not hold a
// JSON object are discarded silently.
func (s *Server) decodeFrame(c *conn, frame []byte) (protocol.Message, bool) {
	plaintext := frame

	if id, authed := c.sessionState(); authed && id != "" {
		if key, ok := s.store.SessionKey(id); ok {
			decoded, err := base64.StdEncoding.Strict().DecodeString(string(frame))
			if err == nil && len(decoded) > 0 {
				pt, err := crypto.DecryptEnvelope(decoded, key)
				if err != nil {
					slog.Warn("failed to decrypt control frame", "username", c.Username(), "err", err)
					return protocol.Message{}, false
				}
				plaintext = pt
			}
		}
	}

	plaintext = bytes.TrimSpace(plaintext)
	if len(plaintext) == 0 || plaintext[0] != '{' {
		return protocol.Message{}, false
	}
	var msg protocol.Message
	if err := json.Unmarshal(plaintext, &msg); err != nil {
		return protocol.Message{}, false
	}
	return msg, true
}

// dispatch runs one message through the state machine. register and login
// are honoured in any state; everything else requires authentication.
// Unknown types from authenticated clients are ignored.
func (s *Server) dispatch(c *conn, msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeRegister:
		s.handleRegister(c, msg)
		return
	case protocol.TypeLogin:
		s.handleLogin(c, msg)
		return
	}

	if _, authed := c.sessionState(); !authed {
		c.SendClear(protocol.Message{Type: protocol.TypeError, Message: protocol.ErrorAuthRequired})
		return
	}

	switch msg.Type {
	case protocol.TypeJoinChannel:
		s.handleJoin(c, msg.Channel)
	case protocol.TypeLeaveChannel:
		s.handleLeave(c)
	case protocol.TypeGetChannels:
		s.handleGetChannels(c)
	}
}

func (s *Server) handleRegister(c *conn, msg protocol.Message) {
	fail := protocol.Message{Type: protocol.TypeError, Message: protocol.ErrorRegistrationFailed}

	hash, err := hex.DecodeString(msg.PasswordHash)
	if err != nil {
		c.SendClear(fail)
		return
	}
	if err := s.store.Register(msg.Username, hash, store.TypeUser); err != nil {
		slog.Debug("registration rejected", "username", msg.Username, "err", err)
		c.SendClear(fail)
		return
	}
	c.SendClear(protocol.Message{Type: protocol.TypeRegisterSuccess})
}

// handleLogin authenticates, mints a session with a fresh envelope key, and
// records the client's media endpoint. A second login on the same
// connection replaces the session; channel membership is untouched.
func (s *Server) handleLogin(c *conn, msg protocol.Message) {
	fail := protocol.Message{Type: protocol.TypeError, Message: protocol.ErrorAuthFailed}

	hash, err := hex.DecodeString(msg.PasswordHash)
	if err != nil {
		c.SendClear(fail)
		return
	}
	if err := s.store.Authenticate(msg.Username, hash); err != nil {
		slog.Info("login rejected", "username", msg.Username, "remote_addr", c.sock.RemoteAddr())
		c.SendClear(fail)
		return
	}

	token, err := crypto.Token(32)
	if err != nil {
		slog.Error("generate session token", "err", err)
		c.SendClear(fail)
		return
	}
	key, err := crypto.NewKey()
	if err != nil {
		slog.Error("generate session key", "err", err)
		c.SendClear(fail)
		return
	}

	sessionID := s.store.CreateSession(msg.Username, token)
	s.store.SetSessionKey(sessionID, key)

	// The media endpoint is whatever the client claims; an unparseable
	// address just means no voice until the next login. Ports wrap at 16
	// bits the same way the wire field does.
	var ep netip.AddrPort
	hasEP := false
	if addr, err := netip.ParseAddr(msg.UDPIP); err == nil && uint16(msg.UDPPort) > 0 {
		ep = netip.AddrPortFrom(addr.Unmap(), uint16(msg.UDPPort))
		hasEP = true
	}

	prevSession, prevEP, hadPrevEP := c.applyLogin(msg.Username, sessionID, ep, hasEP)
	if prevSession != "" {
		s.store.RemoveSession(prevSession)
	}
	if hadPrevEP && (!hasEP || prevEP != ep) {
		s.dropEndpoint(prevEP, c)
	}
	if hasEP {
		s.registerEndpoint(ep, c)
	}

	c.SendClear(protocol.Message{
		Type:       protocol.TypeLoginSuccess,
		VoicePort:  s.voicePort,
		SessionID:  sessionID,
		SessionKey: hex.EncodeToString(key),
	})

	slog.Info("user logged in", "username", msg.Username, "remote_addr", c.sock.RemoteAddr())
	s.hub.Publish(events.KindUserLogin, msg.Username, "")
}

// handleJoin moves the connection into target: leave the old channel (with
// its user_left broadcast), lazily create the new one, then reply with the
// channel key and the member list before announcing the join to the others.
func (s *Server) handleJoin(c *conn, target string) {
	if target == "" {
		return
	}

	key, err := s.channels.Ensure(target)
	if err != nil {
		slog.Error("create channel", "channel", target, "err", err)
		return
	}

	username, oldChannel := c.identity()
	if oldChannel != "" {
		if s.channels.Leave(oldChannel, c) {
			s.channels.Broadcast(oldChannel, protocol.Message{Type: protocol.TypeUserLeft, Username: username}, nil)
			s.hub.Publish(events.KindUserLeft, username, oldChannel)
		}
	}

	c.setChannel(target)
	if err := s.channels.Join(target, c); err != nil {
		slog.Error("join channel", "channel", target, "err", err)
		c.setChannel("")
		return
	}

	s.sendEncrypted(c, protocol.Message{
		Type:       protocol.TypeJoinSuccess,
		Channel:    target,
		ChannelKey: hex.EncodeToString(key),
	})
	c.SendClear(protocol.Message{
		Type:    protocol.TypeUserList,
		Channel: target,
		Users:   s.channels.MemberNames(target),
	})
	s.channels.Broadcast(target, protocol.Message{Type: protocol.TypeUserJoined, Username: username}, c)

	slog.Info("user joined channel", "username", username, "channel", target)
	s.hub.Publish(events.KindUserJoined, username, target)
}

// handleLeave is a silent no-op when the connection is not in a channel.
func (s *Server) handleLeave(c *conn) {
	username, ch := c.identity()
	if ch == "" {
		return
	}

	if s.channels.Leave(ch, c) {
		s.channels.Broadcast(ch, protocol.Message{Type: protocol.TypeUserLeft, Username: username}, nil)
		s.hub.Publish(events.KindUserLeft, username, ch)
	}
	c.setChannel("")

	s.sendEncrypted(c, protocol.Message{Type: protocol.TypeLeaveSuccess})
	slog.Info("user left channel", "username", username, "channel", ch)
}

func (s *Server) handleGetChannels(c *conn) {
	c.SendClear(protocol.Message{
		Type:     protocol.TypeChannelList,
		Channels: s.channels.Snapshot(),
	})
}

// teardown releases everything a connection owns: its socket, session,
// endpoint mapping, and channel membership. Remaining members hear exactly
// one user_left.
func (s *Server) teardown(c *conn) {
	c.sock.Close()

	username, sessionID, ch, ep, hasEP := c.closeState()

	if sessionID != "" {
		s.store.RemoveSession(sessionID)
	}

	s.mu.Lock()
	delete(s.conns, c)
	remaining := len(s.conns)
	if hasEP && s.endpoints[ep] == c {
		delete(s.endpoints, ep)
	}
	s.mu.Unlock()

	if ch != "" {
		if s.channels.Leave(ch, c) {
			s.channels.Broadcast(ch, protocol.Message{Type: protocol.TypeUserLeft, Username: username}, nil)
			s.hub.Publish(events.KindUserLeft, username, ch)
		}
	}
	if username != "" {
		s.hub.Publish(events.KindUserDisconnected, username, "")
	}

	slog.Info("client disconnected", "remote_addr", c.sock.RemoteAddr(), "username", username, "remaining_clients", remaining)
}
