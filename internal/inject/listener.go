// Package inject implements the remote-injection endpoint: a UDP socket
// whose datagrams are treated as keystrokes for the child program.
//
// There is no framing, authentication or flow control. One datagram is one
// chunk of input.
package inject

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// MaxDatagram is the largest UDP payload over IPv4.
const MaxDatagram = 65507

// Listener is a bound UDP endpoint that can be polled by descriptor.
type Listener struct {
	conn      *net.UDPConn
	fd        int
	port      int
	logger    *slog.Logger
	datagrams atomic.Int64
}

// Listen binds a UDP socket on host:port. Port 0 picks an ephemeral port;
// a non-zero port must be the port actually bound.
func Listen(host string, port int, logger *slog.Logger) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("inject: invalid port %d", port)
	}
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("inject: resolve %q: %w", host, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("inject: bind: %w", err)
	}

	l := &Listener{conn: conn, logger: logger}
	l.port = conn.LocalAddr().(*net.UDPAddr).Port
	if port != 0 && l.port != port {
		_ = conn.Close()
		return nil, fmt.Errorf("inject: bound port %d, requested %d", l.port, port)
	}

	raw, err := conn.SyscallConn()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("inject: raw conn: %w", err)
	}
	if err := raw.Control(func(fd uintptr) { l.fd = int(fd) }); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("inject: raw conn: %w", err)
	}
	return l, nil
}

// Port returns the bound port.
func (l *Listener) Port() int { return l.port }

// Addr returns the bound address.
func (l *Listener) Addr() *net.UDPAddr { return l.conn.LocalAddr().(*net.UDPAddr) }

// Fd returns the socket descriptor for readiness polling. Reads must go
// through Read.
func (l *Listener) Fd() uintptr { return uintptr(l.fd) }

// Datagrams returns the number of datagrams received so far.
func (l *Listener) Datagrams() int64 { return l.datagrams.Load() }

// Read receives one datagram into p. A datagram longer than p is
// truncated and the loss is logged.
func (l *Listener) Read(p []byte) (int, error) {
	n, _, flags, from, err := l.conn.ReadMsgUDP(p, nil)
	if err != nil {
		return n, err
	}
	l.datagrams.Add(1)
	if flags&unix.MSG_TRUNC != 0 {
		l.logger.Warn("injected datagram truncated", "from", from, "kept", n)
	}
	l.logger.Debug("datagram received", "from", from, "bytes", n)
	return n, nil
}

// Close releases the socket.
func (l *Listener) Close() error {
	return l.conn.Close()
}

// Send delivers payload as a single datagram to addr.
func Send(ctx context.Context, addr string, payload []byte) error {
	if len(payload) > MaxDatagram {
		return fmt.Errorf("inject: payload of %d bytes exceeds %d", len(payload), MaxDatagram)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return fmt.Errorf("inject: dial %s: %w", addr, err)
	}
	defer conn.Close()
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("inject: send to %s: %w", addr, err)
	}
	return nil
}
