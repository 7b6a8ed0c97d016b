package control

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/gujial/voicePhone/internal/protocol"
)

// conn is one live TCP control connection. The read loop is the only writer
// of the state fields; the mutex makes them safe to read from broadcast and
// relay paths on other goroutines.
type conn struct {
	sock net.Conn

	writeMu sync.Mutex // one frame at a time on the wire

	mu       sync.Mutex
	authed   bool
	session  string
	username string
	channel  string
	voice    netip.AddrPort
	hasVoice bool
}

// Username returns the authenticated username, empty before login.
func (c *conn) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// VoiceEndpoint returns the media endpoint registered at login.
func (c *conn) VoiceEndpoint() (netip.AddrPort, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.voice, c.hasVoice
}

// SendClear writes msg as one plaintext frame. Write failures are swallowed;
// the connection's read loop notices the broken socket and tears down.
func (c *conn) SendClear(msg protocol.Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.writeLine(raw)
}

// writeLine appends the frame separator and writes the frame.
func (c *conn) writeLine(line []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := c.sock.Write(buf); err != nil {
		slog.Debug("control write failed", "remote_addr", c.sock.RemoteAddr(), "err", err)
	}
}

// sessionState returns the session id and whether the connection is
// authenticated.
func (c *conn) sessionState() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session, c.authed
}

// identity returns the username and current channel.
func (c *conn) identity() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username, c.channel
}

func (c *conn) setChannel(name string) {
	c.mu.Lock()
	c.channel = name
	c.mu.Unlock()
}

// applyLogin installs the authenticated identity and returns the session and
// endpoint it displaces, if any. A repeated login replaces the session but
// leaves channel membership untouched.
func (c *conn) applyLogin(username, session string, ep netip.AddrPort, hasEP bool) (prevSession string, prevEP netip.AddrPort, hadPrevEP bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prevSession = c.session
	prevEP = c.voice
	hadPrevEP = c.hasVoice

	c.authed = true
	c.session = session
	c.username = username
	c.voice = ep
	c.hasVoice = hasEP
	return prevSession, prevEP, hadPrevEP
}

// closeState snapshots everything teardown needs and marks the connection
// dead so late sends fall back to no-ops.
func (c *conn) closeState() (username, session, channel string, ep netip.AddrPort, hasEP bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	username = c.username
	session = c.session
	channel = c.channel
	ep = c.voice
	hasEP = c.hasVoice

	c.authed = false
	c.session = ""
	c.channel = ""
	c.hasVoice = false
	return username, session, channel, ep, hasEP
}
