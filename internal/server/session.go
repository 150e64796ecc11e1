package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/gdnp/internal/asa"
	"github.com/danmuck/gdnp/internal/observability"
	"github.com/danmuck/gdnp/internal/protocol"
	"github.com/danmuck/gdnp/internal/protocol/option"
	"github.com/danmuck/gdnp/internal/transport"
	"github.com/rs/zerolog"
	"k8s.io/utils/clock"
)

var ErrProtocolViolation = errors.New("server: protocol violation")

// State is the server-side session state.
type State int

const (
	StateIdle State = iota
	StateProcessing
	StateSessionEnd
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateProcessing:
		return "PROCESSING"
	case StateSessionEnd:
		return "SESSION_END"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Session outcomes reported in logs and metrics.
const (
	OutcomeAccepted     = "accepted"
	OutcomeDeclined     = "declined"
	OutcomeSynchronized = "synchronized"
	OutcomeIdleTimeout  = "idle_timeout"
	OutcomeMalformed    = "malformed"
	OutcomeShutdown     = "shutdown"
)

// Content is one queued message for a session.
type Content struct {
	Kind    protocol.MessageKind
	Payload []byte
}

func (c Content) Equal(o Content) bool {
	return c.Kind == o.Kind && bytes.Equal(c.Payload, o.Payload)
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	ID      uint32    `json:"id"`
	State   string    `json:"state"`
	Rounds  int       `json:"rounds"`
	Remote  string    `json:"remote"`
	Started time.Time `json:"started"`
}

type sessionTiming struct {
	processing time.Duration
	wait       time.Duration
	idle       time.Duration
}

// Session runs the negotiation state machine for one session id. It owns
// its connection and closes it when the session ends.
type Session struct {
	id      uint32
	node    string
	conn    transport.Conn
	agent   asa.Agent
	clock   clock.Clock
	timing  sessionTiming
	logger  zerolog.Logger
	onEnd   func(*Session)
	started time.Time

	stateMu sync.Mutex
	state   State
	rounds  int
	outcome string
	// lastSent is the most recent counter-value sent in a NEGO.
	lastSent []byte

	queueMu sync.Mutex
	queue   []Content
	notify  chan struct{}

	// alive is set by Push and cleared by the idle watchdog.
	alive atomic.Bool
	done  chan struct{}
}

func newSession(id uint32, conn transport.Conn, first Content, s *Server) *Session {
	sess := &Session{
		id:      id,
		node:    s.nodeID,
		conn:    conn,
		agent:   s.agent,
		clock:   s.clock,
		timing:  sessionTiming{processing: s.cfg.ProcessingTimeout, wait: s.cfg.WaitTime, idle: s.cfg.IdleTimeout},
		logger:  s.logger.With().Uint32("session_id", id).Logger(),
		onEnd:   s.removeSession,
		started: s.clock.Now(),
		state:   StateIdle,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	sess.Push(first)
	return sess
}

func (s *Session) ID() uint32 {
	return s.id
}

func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Session) setState(next State) {
	s.stateMu.Lock()
	prev := s.state
	s.state = next
	s.stateMu.Unlock()
	if prev != next {
		s.logger.Debug().Str("from", prev.String()).Str("to", next.String()).Msg("session state")
	}
}

// Done is closed once the session has ended and released its connection.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Info() SessionInfo {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	remote := ""
	if addr := s.conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return SessionInfo{
		ID:      s.id,
		State:   s.state.String(),
		Rounds:  s.rounds,
		Remote:  remote,
		Started: s.started,
	}
}

// Push enqueues c and wakes the worker.
func (s *Session) Push(c Content) {
	s.queueMu.Lock()
	s.queue = append(s.queue, c)
	s.queueMu.Unlock()
	s.alive.Store(true)
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Session) pop() (Content, bool) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if len(s.queue) == 0 {
		return Content{}, false
	}
	c := s.queue[0]
	s.queue[0] = Content{}
	s.queue = s.queue[1:]
	return c, true
}

// next blocks until an item is queued. It returns false when the session
// has been idle for the idle timeout or ctx is done.
func (s *Session) next(ctx context.Context) (Content, bool, string) {
	for {
		if c, ok := s.pop(); ok {
			return c, true, ""
		}
		// drop a wakeup left over from an item already consumed
		select {
		case <-s.notify:
			continue
		default:
		}
		timer := s.clock.NewTimer(s.timing.idle)
		select {
		case <-s.notify:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return Content{}, false, OutcomeShutdown
		case <-timer.C():
			if s.alive.CompareAndSwap(true, false) {
				continue
			}
			return Content{}, false, OutcomeIdleTimeout
		}
	}
}

func (s *Session) run(ctx context.Context) {
	defer s.finish()

	var last *Content
	for s.State() != StateSessionEnd {
		c, ok, reason := s.next(ctx)
		if !ok {
			s.logger.Info().Str("reason", reason).Msg("session ended without agreement")
			s.end(reason)
			return
		}
		s.alive.Store(false)
		if last != nil && last.Equal(c) {
			s.logger.Debug().Str("kind", c.Kind.String()).Msg("duplicate content dropped")
			continue
		}
		last = &c
		s.handle(c)
	}
}

func (s *Session) handle(c Content) {
	if err := s.transition(c.Kind); err != nil {
		observability.RecordViolation(s.node, "session_state")
		s.logger.Warn().Err(err).Str("kind", c.Kind.String()).Msg("message rejected")
		return
	}

	switch s.State() {
	case StateSessionEnd:
		s.peerEnded(c)
	case StateProcessing:
		s.negotiate(c)
	}
}

// transition applies the receive-side state table.
func (s *Session) transition(kind protocol.MessageKind) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state != StateIdle {
		return fmt.Errorf("%w: %s received in %s", ErrProtocolViolation, kind, s.state)
	}
	switch kind {
	case protocol.KindRequest, protocol.KindNego:
		s.state = StateProcessing
	case protocol.KindNegoEnd:
		s.state = StateSessionEnd
	default:
		return fmt.Errorf("%w: %s received in %s", ErrProtocolViolation, kind, s.state)
	}
	return nil
}

// peerEnded handles a NEGO_END sent by the client.
func (s *Session) peerEnded(c Content) {
	opt, err := option.Parse(c.Payload)
	if err != nil {
		s.logger.Warn().Err(err).Msg("unreadable negotiation end")
		s.end(OutcomeMalformed)
		return
	}
	switch opt.Type {
	case option.Accept:
		s.stateMu.Lock()
		final := bytes.Clone(s.lastSent)
		s.stateMu.Unlock()
		s.logger.Info().Str("value", string(final)).Msg("negotiation accepted by peer")
		if final != nil {
			s.agent.Commit(final)
		}
		s.end(OutcomeAccepted)
	case option.Decline:
		s.logger.Info().Msg("negotiation declined by peer")
		s.end(OutcomeDeclined)
	default:
		s.logger.Warn().Str("option", opt.Type.String()).Msg("negotiation ended with unexpected option")
		s.end(OutcomeMalformed)
	}
}

// negotiate runs one round while in PROCESSING.
func (s *Session) negotiate(c Content) {
	stop := s.startWatchdog()

	obj, err := option.ParseObjective(c.Payload)
	if err != nil {
		stop()
		observability.RecordViolation(s.node, "malformed_objective")
		s.logger.Warn().Err(err).Msg("objective decode failed")
		s.replyEnd(option.New(option.Decline, nil))
		s.end(OutcomeMalformed)
		return
	}
	if obj.LoopCount > 0 {
		obj.LoopCount--
	}

	counter := s.agent.Propose(obj.Value)
	s.stateMu.Lock()
	s.rounds++
	round := s.rounds
	s.stateMu.Unlock()
	stop()

	s.logger.Info().
		Int("round", round).
		Str("objective", obj.Type.String()).
		Str("proposed", string(obj.Value)).
		Str("counter", string(counter)).
		Uint8("loop_count", obj.LoopCount).
		Msg("negotiation round")

	if obj.Type == option.Synchronization {
		reply := option.NewObjective(option.Synchronization, counter, obj.LoopCount, obj.Flag)
		s.replyEndObjective(reply)
		s.end(OutcomeSynchronized)
		return
	}

	if s.agent.Equivalent(obj.Value, counter) {
		s.replyEnd(option.New(option.Accept, nil))
		s.agent.Commit(obj.Value)
		s.end(OutcomeAccepted)
		return
	}

	if obj.LoopCount == 0 {
		s.replyEnd(option.New(option.Decline, nil))
		s.end(OutcomeDeclined)
		return
	}

	reply := option.NewObjective(obj.Type, counter, obj.LoopCount, obj.Flag)
	bits, err := reply.ToBits()
	if err != nil {
		s.logger.Error().Err(err).Msg("counter-proposal encode failed")
		s.replyEnd(option.New(option.Decline, nil))
		s.end(OutcomeMalformed)
		return
	}
	s.stateMu.Lock()
	s.lastSent = bytes.Clone(counter)
	s.stateMu.Unlock()
	s.setState(StateIdle)
	if err := s.send(protocol.KindNego, bits); err != nil {
		s.logger.Warn().Err(err).Msg("counter-proposal send failed")
	}
}

func (s *Session) replyEnd(opt option.Option) {
	bits, err := opt.ToBits()
	if err != nil {
		s.logger.Error().Err(err).Msg("end option encode failed")
		return
	}
	if err := s.send(protocol.KindNegoEnd, bits); err != nil {
		s.logger.Warn().Err(err).Str("option", opt.Type.String()).Msg("negotiation end send failed")
	}
}

func (s *Session) replyEndObjective(obj option.Objective) {
	bits, err := obj.ToBits()
	if err != nil {
		s.logger.Error().Err(err).Msg("sync objective encode failed")
		bits, _ = option.New(option.Decline, nil).ToBits()
	}
	if err := s.send(protocol.KindNegoEnd, bits); err != nil {
		s.logger.Warn().Err(err).Msg("sync reply send failed")
	}
}

func (s *Session) send(kind protocol.MessageKind, payload []byte) error {
	env, err := protocol.Encode(kind, s.id, payload)
	if err != nil {
		return err
	}
	if err := s.conn.Send(env); err != nil {
		return err
	}
	observability.RecordMessage(s.node, "out", kind.String())
	return nil
}

// end records the outcome once and moves to SESSION_END.
func (s *Session) end(outcome string) {
	s.stateMu.Lock()
	if s.outcome == "" {
		s.outcome = outcome
	}
	s.stateMu.Unlock()
	s.setState(StateSessionEnd)
}

func (s *Session) finish() {
	s.setState(StateSessionEnd)
	if err := s.conn.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("session conn close")
	}

	s.stateMu.Lock()
	outcome := s.outcome
	rounds := s.rounds
	s.stateMu.Unlock()
	if outcome == "" {
		outcome = OutcomeShutdown
	}
	lifetime := s.clock.Since(s.started)
	observability.RecordSessionEnd(s.node, outcome, lifetime)
	s.logger.Info().Str("outcome", outcome).Int("rounds", rounds).Dur("lifetime", lifetime).Msg("session end")

	if s.onEnd != nil {
		s.onEnd(s)
	}
	s.drain()
	close(s.done)
}

// drain rejects whatever was still queued when the session ended. It runs
// after onEnd so no further Push can reach this session.
func (s *Session) drain() {
	for {
		c, ok := s.pop()
		if !ok {
			return
		}
		observability.RecordViolation(s.node, "session_state")
		s.logger.Warn().
			Err(fmt.Errorf("%w: %s received in %s", ErrProtocolViolation, c.Kind, StateSessionEnd)).
			Str("kind", c.Kind.String()).
			Msg("message rejected")
	}
}
