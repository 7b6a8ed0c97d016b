// Package relay implements the UDP voice plane. Datagrams from a registered
// endpoint are forwarded verbatim to the endpoints of the sender's
// co-channel members; the payload is opaque to the server.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"
)

// maxDatagramSize bounds one read. Clients keep voice datagrams under the
// path MTU, so this is generous.
const maxDatagramSize = 64 * 1024

// Directory resolves a datagram source endpoint to its fan-out targets.
// The second return is false when the source is unknown or not in a channel.
type Directory interface {
	Targets(src netip.AddrPort) ([]netip.AddrPort, bool)
}

// Stats is a snapshot of the relay counters since process start.
// PacketsRelayed counts forwarded copies, not inbound datagrams;
// PacketsDropped counts inbound datagrams from unresolvable sources.
type Stats struct {
	PacketsRelayed uint64
	PacketsDropped uint64
	BytesRelayed   uint64
}

// Relay owns the voice socket and the fan-out loop.
type Relay struct {
	dir  Directory
	conn *net.UDPConn

	packetsRelayed atomic.Uint64
	packetsDropped atomic.Uint64
	bytesRelayed   atomic.Uint64
}

// New returns a relay that resolves senders through dir.
func New(dir Directory) *Relay {
	return &Relay{dir: dir}
}

// Listen binds the voice port. Port 0 picks a free port.
func (r *Relay) Listen(port int) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return fmt.Errorf("bind voice port %d: %w", port, err)
	}
	_ = conn.SetReadBuffer(4 * 1024 * 1024)
	_ = conn.SetWriteBuffer(4 * 1024 * 1024)
	r.conn = conn
	return nil
}

// Port returns the bound voice port.
func (r *Relay) Port() int {
	return r.conn.LocalAddr().(*net.UDPAddr).Port
}

// Close releases the voice socket. Used when startup fails partway.
func (r *Relay) Close() error {
	if r.conn == nil {
		return nil
	}
	return r.conn.Close()
}

// Run reads datagrams until ctx is cancelled. Forwarding happens inline on
// the read loop; there is no queue beyond the kernel buffers.
func (r *Relay) Run(ctx context.Context) error {
	if r.conn == nil {
		return fmt.Errorf("relay: Listen must be called before Run")
	}

	go func() {
		<-ctx.Done()
		r.conn.Close()
	}()

	slog.Info("voice relay listening", "addr", r.conn.LocalAddr().String())

	buf := make([]byte, maxDatagramSize)
	for {
		n, src, err := r.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("voice relay stopped")
				return nil
			}
			return fmt.Errorf("read voice datagram: %w", err)
		}
		r.relay(buf[:n], src)
	}
}

// Stats returns the current counter values.
func (r *Relay) Stats() Stats {
	return Stats{
		PacketsRelayed: r.packetsRelayed.Load(),
		PacketsDropped: r.packetsDropped.Load(),
		BytesRelayed:   r.bytesRelayed.Load(),
	}
}

func (r *Relay) relay(data []byte, src netip.AddrPort) {
	// A dual-stack socket reports IPv4 senders as IPv4-mapped IPv6;
	// unmap so the lookup matches the endpoint registered at login.
	src = netip.AddrPortFrom(src.Addr().Unmap(), src.Port())

	targets, ok := r.dir.Targets(src)
	if !ok {
		r.packetsDropped.Add(1)
		return
	}

	for _, dst := range targets {
		// The source never hears itself, whatever the directory says.
		if dst == src {
			continue
		}
		if _, err := r.conn.WriteToUDPAddrPort(data, dst); err != nil {
			slog.Debug("voice forward failed", "dst", dst.String(), "err", err)
			continue
		}
		r.packetsRelayed.Add(1)
		r.bytesRelayed.Add(uint64(len(data)))
	}
}
