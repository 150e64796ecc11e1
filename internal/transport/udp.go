package transport

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/gdnp/internal/protocol"
	"github.com/rs/zerolog"
	"golang.org/x/net/ipv6"
)

type packetConn struct {
	mu     sync.Mutex
	pc     net.PacketConn
	owner  *Net
	logger zerolog.Logger
}

func (c *packetConn) conn() net.PacketConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pc
}

func (c *packetConn) SendTo(env *protocol.Envelope, addr string) error {
	dst, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("transport: resolve %s: %w", addr, err)
	}
	buf, err := env.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = c.conn().WriteTo(buf, dst)
	return classify("send to "+addr, err)
}

func (c *packetConn) ReceiveFrom(timeout time.Duration) (*protocol.Envelope, net.Addr, error) {
	pc := c.conn()
	if err := pc.SetReadDeadline(deadline(timeout)); err != nil {
		return nil, nil, classify("set read deadline", err)
	}
	buf := make([]byte, protocol.EnvelopeSize+1)
	n, from, err := pc.ReadFrom(buf)
	if err != nil {
		return nil, nil, classify("receive", err)
	}
	// buf has one spare byte, so n > EnvelopeSize means the datagram was cut
	switch {
	case n < protocol.EnvelopeSize:
		return nil, from, fmt.Errorf("%w: %d bytes from %s", ErrShortDatagram, n, from)
	case n > protocol.EnvelopeSize:
		return nil, from, fmt.Errorf("%w: more than %d bytes from %s", ErrOversizedDatagram, protocol.EnvelopeSize, from)
	}
	env := &protocol.Envelope{}
	if err := env.UnmarshalBinary(buf[:n]); err != nil {
		return nil, from, err
	}
	return env, from, nil
}

// Rebind moves the socket to a random port in [RebindPortMin, RebindPortMax).
func (c *packetConn) Rebind() error {
	port := c.owner.rebindPort()
	pc, err := net.ListenPacket("udp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return classify("rebind", err)
	}
	c.owner.configureMulticastSender(pc, c.logger)

	c.mu.Lock()
	old := c.pc
	c.pc = pc
	c.mu.Unlock()
	_ = old.Close()
	c.logger.Info().Int("port", port).Msg("discovery socket rebound")
	return nil
}

func (c *packetConn) LocalAddr() net.Addr {
	return c.conn().LocalAddr()
}

func (c *packetConn) Close() error {
	return c.conn().Close()
}

func (n *Net) configureMulticastSender(pc net.PacketConn, logger zerolog.Logger) {
	p := ipv6.NewPacketConn(pc)
	if err := p.SetMulticastHopLimit(n.HopLimit); err != nil {
		logger.Debug().Err(err).Msg("set multicast hop limit")
	}
	if err := p.SetMulticastLoopback(n.Loopback); err != nil {
		logger.Debug().Err(err).Msg("set multicast loopback")
	}
	if n.iface != nil {
		if err := p.SetMulticastInterface(n.iface); err != nil {
			logger.Debug().Err(err).Str("iface", n.iface.Name).Msg("set multicast interface")
		}
	}
}

func (n *Net) joinGroup(pc net.PacketConn, logger zerolog.Logger) {
	if n.Group == nil {
		return
	}
	p := ipv6.NewPacketConn(pc)
	if err := p.JoinGroup(n.iface, &net.UDPAddr{IP: n.Group}); err != nil {
		logger.Warn().Err(err).Str("group", n.Group.String()).Msg("join multicast group failed")
		return
	}
	logger.Info().Str("group", n.Group.String()).Msg("joined multicast group")
}
