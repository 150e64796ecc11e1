package server

import (
	"context"
	"errors"
	"net"

	"github.com/danmuck/gdnp/internal/observability"
	"github.com/danmuck/gdnp/internal/protocol"
	"github.com/danmuck/gdnp/internal/protocol/option"
	"github.com/danmuck/gdnp/internal/transport"
)

func (s *Server) discoveryLoop(ctx context.Context, pc transport.PacketConn) error {
	for {
		env, from, err := pc.ReceiveFrom(0)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			s.logger.Warn().Err(err).Msg("discovery receive failed")
			continue
		}
		s.answerDiscovery(pc, env, from)
	}
}

func (s *Server) answerDiscovery(pc transport.PacketConn, env *protocol.Envelope, from net.Addr) {
	logger := s.logger.With().Str("remote", from.String()).Logger()
	kind, sid, payload, err := protocol.Decode(env)
	if err != nil {
		observability.RecordDiscovery(s.nodeID, "undecodable")
		logger.Warn().Err(err).Msg("discovery datagram dropped")
		return
	}
	observability.RecordMessage(s.nodeID, "in", kind.String())
	if kind != protocol.KindDiscovery {
		observability.RecordDiscovery(s.nodeID, "not_discovery")
		logger.Warn().Str("kind", kind.String()).Msg("datagram is not a discovery request")
		return
	}
	if obj, err := option.ParseObjective(payload); err == nil {
		logger = logger.With().Str("objective", obj.Type.String()).Logger()
	}

	reply, result, err := s.discoveryReply()
	if err != nil {
		observability.RecordDiscovery(s.nodeID, "encode_failed")
		logger.Error().Err(err).Msg("discovery reply encode failed")
		return
	}
	out, err := protocol.Encode(protocol.KindResponse, sid, reply)
	if err != nil {
		observability.RecordDiscovery(s.nodeID, "encode_failed")
		logger.Error().Err(err).Msg("discovery envelope encode failed")
		return
	}
	if err := pc.SendTo(out, from.String()); err != nil {
		observability.RecordDiscovery(s.nodeID, "send_failed")
		logger.Warn().Err(err).Msg("discovery reply send failed")
		return
	}
	observability.RecordMessage(s.nodeID, "out", protocol.KindResponse.String())
	observability.RecordDiscovery(s.nodeID, result)
	logger.Info().Uint32("session_id", sid).Str("result", result).Msg("discovery answered")
}

// discoveryReply builds Locator(self) or Divert{Locator(other)}.
func (s *Server) discoveryReply() ([]byte, string, error) {
	if s.cfg.DivertAddr != "" {
		div, err := option.NewDivert(option.NewLocator(s.cfg.DivertAddr))
		if err != nil {
			return nil, "", err
		}
		bits, err := div.ToBits()
		return bits, "divert", err
	}
	s.mu.Lock()
	locator := s.locator
	s.mu.Unlock()
	bits, err := option.NewLocator(locator).ToBits()
	return bits, "locator", err
}

// resolveLocator picks the address advertised in discovery responses:
// the configured address, else a concrete listener host, else the first
// global unicast IPv6 interface address, else loopback.
func (s *Server) resolveLocator(listen net.Addr) string {
	if s.cfg.AdvertiseAddr != "" {
		return s.cfg.AdvertiseAddr
	}
	host, port, err := net.SplitHostPort(listen.String())
	if err != nil {
		return listen.String()
	}
	if ip := net.ParseIP(host); ip != nil && !ip.IsUnspecified() {
		return net.JoinHostPort(host, port)
	}
	if ip := firstGlobalIPv6(); ip != nil {
		return net.JoinHostPort(ip.String(), port)
	}
	return net.JoinHostPort(net.IPv6loopback.String(), port)
}

func firstGlobalIPv6() net.IP {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipn.IP
		if ip.To4() == nil && ip.IsGlobalUnicast() {
			return ip
		}
	}
	return nil
}
