package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gujial/voicePhone/internal/channel"
	"github.com/gujial/voicePhone/internal/control"
	"github.com/gujial/voicePhone/internal/crypto"
	"github.com/gujial/voicePhone/internal/events"
	"github.com/gujial/voicePhone/internal/protocol"
	"github.com/gujial/voicePhone/internal/relay"
	"github.com/gujial/voicePhone/internal/store"
)

// startStack boots the control and voice planes on loopback ports the same
// way main does, minus the HTTP API.
func startStack(t *testing.T) (*control.Server, *relay.Relay) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "voicephone.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	channels := channel.New()
	for _, name := range defaultChannels {
		if _, err := channels.Ensure(name); err != nil {
			t.Fatalf("ensure channel %s: %v", name, err)
		}
	}

	ctrl := control.New(st, channels, events.NewHub())
	if err := ctrl.Listen(0); err != nil {
		t.Fatalf("listen control: %v", err)
	}
	voice := relay.New(ctrl)
	if err := voice.Listen(0); err != nil {
		t.Fatalf("listen voice: %v", err)
	}
	ctrl.SetVoicePort(voice.Port())

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ctrl.Run(ctx) })
	g.Go(func() error { return voice.Run(ctx) })
	t.Cleanup(func() {
		cancel()
		if err := g.Wait(); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})
	return ctrl, voice
}

// e2eClient speaks the control protocol over a real TCP connection and owns
// a loopback UDP socket standing in for the client's voice plane.
type e2eClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
	key  []byte

	udp     *net.UDPConn
	udpIP   string
	udpPort int
}

func dialE2E(t *testing.T, ctrl *control.Server) *e2eClient {
	t.Helper()

	port := ctrl.Addr().(*net.TCPAddr).Port
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("dial control: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	udp, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("bind voice socket: %v", err)
	}
	t.Cleanup(func() { _ = udp.Close() })

	addr := udp.LocalAddr().(*net.UDPAddr)
	return &e2eClient{
		t:       t,
		conn:    conn,
		r:       bufio.NewReader(conn),
		udp:     udp,
		udpIP:   "127.0.0.1",
		udpPort: addr.Port,
	}
}

func (c *e2eClient) send(msg protocol.Message, encrypted bool) {
	c.t.Helper()

	raw, err := json.Marshal(msg)
	if err != nil {
		c.t.Fatalf("marshal frame: %v", err)
	}
	line := raw
	if encrypted {
		blob, err := crypto.EncryptEnvelope(raw, c.key)
		if err != nil {
			c.t.Fatalf("encrypt frame: %v", err)
		}
		line = []byte(base64.StdEncoding.EncodeToString(blob))
	}
	if _, err := c.conn.Write(append(line, '\n')); err != nil {
		c.t.Fatalf("write frame: %v", err)
	}
}

func (c *e2eClient) read() protocol.Message {
	c.t.Helper()

	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.r.ReadString('\n')
	if err != nil {
		c.t.Fatalf("read control frame: %v", err)
	}
	payload := []byte(strings.TrimRight(line, "\n"))

	if decoded, err := base64.StdEncoding.Strict().DecodeString(string(payload)); err == nil && len(decoded) > 0 && c.key != nil {
		pt, err := crypto.DecryptEnvelope(decoded, c.key)
		if err != nil {
			c.t.Fatalf("decrypt server frame: %v", err)
		}
		payload = pt
	}

	var msg protocol.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.t.Fatalf("parse control frame %q: %v", line, err)
	}
	return msg
}

// enter registers, logs in with the client's real UDP endpoint, and joins
// name, consuming the join_success and user_list replies.
func (c *e2eClient) enter(username, name string) protocol.Message {
	c.t.Helper()

	hash := hex.EncodeToString(crypto.HashPassword(username + "-pw"))
	c.send(protocol.Message{Type: protocol.TypeRegister, Username: username, PasswordHash: hash}, false)
	if reply := c.read(); reply.Type != protocol.TypeRegisterSuccess {
		c.t.Fatalf("register reply = %+v", reply)
	}

	c.send(protocol.Message{
		Type:         protocol.TypeLogin,
		Username:     username,
		PasswordHash: hash,
		UDPIP:        c.udpIP,
		UDPPort:      c.udpPort,
	}, false)
	login := c.read()
	if login.Type != protocol.TypeLoginSuccess {
		c.t.Fatalf("login reply = %+v", login)
	}
	key, err := hex.DecodeString(login.SessionKey)
	if err != nil {
		c.t.Fatalf("decode session key: %v", err)
	}
	c.key = key

	if name != "" {
		c.send(protocol.Message{Type: protocol.TypeJoinChannel, Channel: name}, true)
		if reply := c.read(); reply.Type != protocol.TypeJoinSuccess {
			c.t.Fatalf("join reply = %+v", reply)
		}
		if reply := c.read(); reply.Type != protocol.TypeUserList {
			c.t.Fatalf("expected user_list, got %+v", reply)
		}
	}
	return login
}

func (c *e2eClient) sendVoice(voicePort int, payload []byte) {
	c.t.Helper()
	dst := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: voicePort}
	if _, err := c.udp.WriteToUDP(payload, dst); err != nil {
		c.t.Fatalf("send voice datagram: %v", err)
	}
}

func (c *e2eClient) receiveVoice(want []byte) {
	c.t.Helper()
	_ = c.udp.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64*1024)
	n, _, err := c.udp.ReadFromUDP(buf)
	if err != nil {
		c.t.Fatalf("read voice datagram: %v", err)
	}
	if !bytes.Equal(buf[:n], want) {
		c.t.Fatalf("voice payload = %x, want %x", buf[:n], want)
	}
}

func (c *e2eClient) voiceStaysSilent() {
	c.t.Helper()
	_ = c.udp.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 64*1024)
	if n, _, err := c.udp.ReadFromUDP(buf); err == nil {
		c.t.Fatalf("unexpected voice datagram: %x", buf[:n])
	}
}

// TestVoiceFanOutEndToEnd drives the full stack over real sockets: two
// clients authenticate over TCP, join the same channel, and a datagram from
// one arrives verbatim at the other and never echoes back to its source.
func TestVoiceFanOutEndToEnd(t *testing.T) {
	ctrl, voice := startStack(t)

	alice := dialE2E(t, ctrl)
	login := alice.enter("alice", "General")
	if login.VoicePort != voice.Port() {
		t.Fatalf("advertised voice_port = %d, want %d", login.VoicePort, voice.Port())
	}

	bob := dialE2E(t, ctrl)
	bob.enter("bob", "General")

	// Opaque payload shaped like a client voice frame: counter || ciphertext.
	payload := []byte{0, 0, 0, 0, 0, 0, 0, 1, 0xca, 0xfe, 0xba, 0xbe}
	alice.sendVoice(voice.Port(), payload)

	bob.receiveVoice(payload)
	alice.voiceStaysSilent()
}

// TestVoiceRequiresChannelMembership verifies the relay drops datagrams from
// an authenticated endpoint that has not joined a channel.
func TestVoiceRequiresChannelMembership(t *testing.T) {
	ctrl, voice := startStack(t)

	bob := dialE2E(t, ctrl)
	bob.enter("bob", "General")

	carol := dialE2E(t, ctrl)
	carol.enter("carol", "") // logged in, no channel

	carol.sendVoice(voice.Port(), []byte("early talker"))

	bob.voiceStaysSilent()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if voice.Stats().PacketsDropped >= 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("relay never counted the drop, stats = %+v", voice.Stats())
}
