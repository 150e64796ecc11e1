// Package server implements the GDNP responder: the discovery answerer,
// the negotiation accept loop and the session dispatcher.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/gdnp/internal/asa"
	"github.com/danmuck/gdnp/internal/observability"
	"github.com/danmuck/gdnp/internal/protocol"
	"github.com/danmuck/gdnp/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
)

var ErrAgentRequired = errors.New("server: asa agent required")

// Server owns the session map and every session worker.
type Server struct {
	cfg       Config
	nodeID    string
	agent     asa.Agent
	transport transport.Transport
	clock     clock.Clock
	logger    zerolog.Logger

	mu       sync.Mutex
	sessions map[uint32]*Session
	conns    map[transport.Conn]struct{}
	baseCtx  context.Context
	locator  string

	slots   chan struct{}
	wg      sync.WaitGroup
	ready   atomic.Bool
	started time.Time
}

type Option func(*Server)

func WithTransport(t transport.Transport) Option {
	return func(s *Server) { s.transport = t }
}

func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clock = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func New(cfg Config, agent asa.Agent, opts ...Option) (*Server, error) {
	if agent == nil {
		return nil, ErrAgentRequired
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	s := &Server{
		cfg:      cfg,
		nodeID:   cfg.NodeID,
		agent:    agent,
		clock:    clock.RealClock{},
		logger:   log.Logger,
		sessions: make(map[uint32]*Session),
		conns:    make(map[transport.Conn]struct{}),
		baseCtx:  context.Background(),
		slots:    make(chan struct{}, cfg.MaxSessions),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("node", s.nodeID).Logger()
	s.started = s.clock.Now()
	if s.transport == nil {
		n, err := transport.NewNet(
			transport.WithGroup(net.ParseIP(cfg.Group)),
			transport.WithInterface(cfg.Interface),
			transport.WithLogger(s.logger),
		)
		if err != nil {
			return nil, err
		}
		s.transport = n
	}
	observability.RegisterMetrics()
	return s, nil
}

func (s *Server) NodeID() string {
	return s.nodeID
}

func (s *Server) Config() Config {
	return s.cfg
}

func (s *Server) Ready() bool {
	return s.ready.Load()
}

func (s *Server) Uptime() time.Duration {
	return s.clock.Since(s.started)
}

// ListenAndServe binds the configured addresses and serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := s.transport.Listen(ctx, s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	pc, err := s.transport.ListenPacket(ctx, s.cfg.DiscoveryAddr)
	if err != nil {
		_ = ln.Close()
		return err
	}
	return s.Serve(ctx, ln, pc)
}

// Serve runs the accept loop on ln and, when pc is non-nil, the discovery
// responder on pc. Both are closed when ctx ends.
func (s *Server) Serve(ctx context.Context, ln transport.Listener, pc transport.PacketConn) error {
	g, gctx := errgroup.WithContext(ctx)

	s.mu.Lock()
	s.baseCtx = gctx
	s.locator = s.resolveLocator(ln.Addr())
	s.mu.Unlock()

	s.logger.Info().
		Str("listen", ln.Addr().String()).
		Str("locator", s.locator).
		Int("max_sessions", s.cfg.MaxSessions).
		Msg("gdnp server serving")

	g.Go(func() error { return s.acceptLoop(gctx, ln) })
	if pc != nil {
		s.logger.Info().Str("discovery", pc.LocalAddr().String()).Msg("discovery responder serving")
		g.Go(func() error { return s.discoveryLoop(gctx, pc) })
	}
	g.Go(func() error {
		<-gctx.Done()
		s.ready.Store(false)
		_ = ln.Close()
		if pc != nil {
			_ = pc.Close()
		}
		s.closeConns()
		return nil
	})
	s.ready.Store(true)

	err := g.Wait()
	s.wg.Wait()
	s.logger.Info().Msg("gdnp server stopped")
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln transport.Listener) error {
	for {
		select {
		case s.slots <- struct{}{}:
		case <-ctx.Done():
			return nil
		}
		conn, err := ln.Accept()
		if err != nil {
			<-s.slots
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return fmt.Errorf("server: accept: %w", err)
		}
		s.trackConn(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.slots }()
			defer s.trackConn(conn, false)
			s.readLoop(conn)
		}()
	}
}

func (s *Server) readLoop(conn transport.Conn) {
	remote := conn.RemoteAddr().String()
	logger := s.logger.With().Str("remote", remote).Logger()
	logger.Debug().Msg("connection accepted")
	defer conn.Close()

	for {
		env, err := conn.Receive(0)
		if err != nil {
			logger.Debug().Err(err).Msg("connection reader exit")
			return
		}
		kind, sid, payload, err := protocol.Decode(env)
		if err != nil {
			observability.RecordViolation(s.nodeID, "undecodable")
			logger.Warn().Err(err).Msg("envelope dropped")
			continue
		}
		observability.RecordMessage(s.nodeID, "in", kind.String())
		if err := s.Dispatch(conn, kind, sid, payload); err != nil {
			logger.Warn().Err(err).Uint32("session_id", sid).Str("kind", kind.String()).Msg("dispatch rejected")
		}
	}
}

// Dispatch routes one decoded message to its session, creating the session
// when a Request opens a new id.
func (s *Server) Dispatch(conn transport.Conn, kind protocol.MessageKind, sessionID uint32, payload []byte) error {
	c := Content{Kind: kind, Payload: payload}

	s.mu.Lock()
	sess, known := s.sessions[sessionID]
	switch {
	case known && kind == protocol.KindRequest:
		s.mu.Unlock()
		observability.RecordViolation(s.nodeID, "duplicate_request")
		return fmt.Errorf("%w: request for existing session %d", ErrProtocolViolation, sessionID)
	case known:
		s.mu.Unlock()
		sess.Push(c)
		return nil
	case kind != protocol.KindRequest:
		s.mu.Unlock()
		observability.RecordViolation(s.nodeID, "unknown_session")
		return fmt.Errorf("%w: %s for unknown session %d", ErrProtocolViolation, kind, sessionID)
	}
	sess = newSession(sessionID, conn, c, s)
	s.sessions[sessionID] = sess
	ctx := s.baseCtx
	active := len(s.sessions)
	s.mu.Unlock()

	observability.SetActiveSessions(s.nodeID, active)
	sess.logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("session opened")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sess.run(ctx)
	}()
	return nil
}

func (s *Server) removeSession(sess *Session) {
	s.mu.Lock()
	if cur, ok := s.sessions[sess.id]; ok && cur == sess {
		delete(s.sessions, sess.id)
	}
	active := len(s.sessions)
	s.mu.Unlock()
	observability.SetActiveSessions(s.nodeID, active)
}

// Session returns the live session for id.
func (s *Server) Session(id uint32) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Sessions returns a snapshot ordered by session id.
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	list := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		list = append(list, sess)
	}
	s.mu.Unlock()

	out := make([]SessionInfo, 0, len(list))
	for _, sess := range list {
		out = append(out, sess.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Server) trackConn(conn transport.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
		return
	}
	delete(s.conns, conn)
}

func (s *Server) closeConns() {
	s.mu.Lock()
	conns := make([]transport.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}
