package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/danmuck/gdnp/internal/protocol"
)

type streamConn struct {
	conn net.Conn
	wmu  sync.Mutex
	rmu  sync.Mutex
}

// NewConn wraps a stream connection with envelope framing.
func NewConn(c net.Conn) Conn {
	return &streamConn{conn: c}
}

func (c *streamConn) Send(env *protocol.Envelope) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return classify("send", protocol.WriteEnvelope(c.conn, env))
}

func (c *streamConn) Receive(timeout time.Duration) (*protocol.Envelope, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	if err := c.conn.SetReadDeadline(deadline(timeout)); err != nil {
		return nil, classify("set read deadline", err)
	}
	env, err := protocol.ReadEnvelope(c.conn)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, protocol.ErrTruncated) {
			return nil, err
		}
		return nil, classify("receive", err)
	}
	return env, nil
}

func (c *streamConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *streamConn) Close() error {
	return c.conn.Close()
}

type streamListener struct {
	ln net.Listener
}

func (l *streamListener) Accept() (Conn, error) {
	c, err := l.ln.Accept()
	if err != nil {
		return nil, classify("accept", err)
	}
	return NewConn(c), nil
}

func (l *streamListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *streamListener) Close() error {
	return l.ln.Close()
}
