// Package transport carries GDNP envelopes over UDP (discovery) and TCP
// (negotiation).
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/danmuck/gdnp/internal/protocol"
)

var (
	ErrAddrUnavailable   = errors.New("transport: address not available")
	ErrTimeout           = errors.New("transport: timeout")
	ErrShortDatagram     = errors.New("transport: short datagram")
	ErrOversizedDatagram = errors.New("transport: oversized datagram")
	ErrClosed            = errors.New("transport: closed")
)

// PacketConn is the connectionless discovery channel.
type PacketConn interface {
	SendTo(env *protocol.Envelope, addr string) error
	// ReceiveFrom waits up to timeout; timeout <= 0 waits forever.
	ReceiveFrom(timeout time.Duration) (*protocol.Envelope, net.Addr, error)
	// Rebind replaces the local socket with one on a random port.
	Rebind() error
	LocalAddr() net.Addr
	Close() error
}

// Conn is one negotiation connection. Send is safe for concurrent use.
type Conn interface {
	Send(env *protocol.Envelope) error
	// Receive waits up to timeout; timeout <= 0 waits forever.
	Receive(timeout time.Duration) (*protocol.Envelope, error)
	RemoteAddr() net.Addr
	Close() error
}

// Listener accepts negotiation connections.
type Listener interface {
	Accept() (Conn, error)
	Addr() net.Addr
	Close() error
}

// Transport is the capability set the client and server are built on.
type Transport interface {
	ListenPacket(ctx context.Context, addr string) (PacketConn, error)
	Listen(ctx context.Context, addr string) (Listener, error)
	Dial(ctx context.Context, addr string) (Conn, error)
}

// classify maps socket errors onto the package sentinels.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.EADDRNOTAVAIL) {
		return fmt.Errorf("%w: %s: %v", ErrAddrUnavailable, op, err)
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrTimeout, op)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("%w: %s", ErrTimeout, op)
	}
	if errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %s", ErrClosed, op)
	}
	return fmt.Errorf("transport: %s: %w", op, err)
}

func deadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

// SameAddr reports whether two host:port strings name the same endpoint.
func SameAddr(a, b string) bool {
	ha, pa, errA := net.SplitHostPort(a)
	hb, pb, errB := net.SplitHostPort(b)
	if errA != nil || errB != nil {
		return a == b
	}
	if pa != pb {
		return false
	}
	ipA, ipB := net.ParseIP(ha), net.ParseIP(hb)
	if ipA == nil || ipB == nil {
		return ha == hb
	}
	return ipA.Equal(ipB)
}

// IsMulticast reports whether addr's host is a multicast IP.
func IsMulticast(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsMulticast()
}
