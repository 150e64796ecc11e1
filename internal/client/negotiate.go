package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/gdnp/internal/protocol"
	"github.com/danmuck/gdnp/internal/protocol/option"
	"github.com/danmuck/gdnp/internal/transport"
	"github.com/rs/zerolog"
)

// Negotiation is a handle on a negotiation running in the background.
type Negotiation struct {
	SessionID uint32

	done   chan struct{}
	result Result
	err    error
}

// Done is closed when the negotiation has finished.
func (n *Negotiation) Done() <-chan struct{} {
	return n.done
}

// Wait blocks until the negotiation finishes or ctx is done.
func (n *Negotiation) Wait(ctx context.Context) (Result, error) {
	select {
	case <-n.done:
		return n.result, n.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Negotiate starts negotiating value with the current target. It returns
// once the request is scheduled; the exchange runs in its own goroutine.
// Cancelling ctx after Negotiate returns does not abort the round, which is
// bounded by the read and connect timeouts instead. Use Negotiation.Wait to
// stop waiting for it.
func (c *Client) Negotiate(ctx context.Context, value []byte) (*Negotiation, error) {
	target, err := c.prepare()
	if err != nil {
		return nil, err
	}
	sid := protocol.NewSessionID()
	obj := option.NewObjective(option.Negotiation, value, c.cfg.LoopCount, 0)
	n := &Negotiation{SessionID: sid, done: make(chan struct{})}
	runCtx := context.WithoutCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(n.done)
		n.result, n.err = c.exchange(runCtx, target, sid, obj)
		c.setState(StateOff)
	}()
	return n, nil
}

// Synchronize asks the target for its value of the objective and commits
// what it returns.
func (c *Client) Synchronize(ctx context.Context, value []byte) ([]byte, error) {
	target, err := c.prepare()
	if err != nil {
		return nil, err
	}
	defer c.setState(StateOff)
	obj := option.NewObjective(option.Synchronization, value, 1, 0)
	res, err := c.exchange(ctx, target, protocol.NewSessionID(), obj)
	if err != nil {
		return nil, err
	}
	if res.Outcome != OutcomeSynchronized {
		return nil, fmt.Errorf("%w: synchronization ended %s", ErrUnexpectedMessage, res.Outcome)
	}
	return res.Value, nil
}

// prepare validates the target and claims the client for one exchange.
func (c *Client) prepare() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	target := c.target
	if target == "" || transport.SameAddr(target, c.cfg.DiscoveryAddr) || transport.IsMulticast(target) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTarget, target)
	}
	if c.state != StateOff {
		return "", fmt.Errorf("%w: %s", ErrInvalidState, c.state)
	}
	c.state = StateWaitResponse
	return target, nil
}

// connect dials target, retrying with backoff up to MaxTryTimes.
func (c *Client) connect(ctx context.Context, target string, logger zerolog.Logger) (transport.Conn, error) {
	for attempt := 1; ; attempt++ {
		conn, err := c.transport.Dial(ctx, target)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn().Err(err).Int("attempt", attempt).Msg("connect failed")
		if !c.shouldRetry(attempt) {
			return nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrServerUnreachable, target, attempt, err)
		}
		if err := c.sleepBackoff(ctx, attempt); err != nil {
			return nil, err
		}
	}
}

// exchange sends the request and drives the session until NEGO_END.
func (c *Client) exchange(ctx context.Context, target string, sid uint32, obj option.Objective) (Result, error) {
	logger := c.logger.With().Uint32("session_id", sid).Str("target", target).Logger()
	conn, err := c.connect(ctx, target, logger)
	if err != nil {
		return Result{}, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := c.sendObjective(conn, protocol.KindRequest, sid, obj); err != nil {
		return Result{}, err
	}
	logger.Info().Str("objective", obj.Type.String()).Str("value", string(obj.Value)).Uint8("loop_count", obj.LoopCount).Msg("request sent")

	lastSent := bytes.Clone(obj.Value)
	rounds := 0
	timeout := c.cfg.ReadTimeout
	for {
		kind, payload, err := c.readSession(conn, sid, timeout)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			if errors.Is(err, transport.ErrTimeout) {
				return Result{}, fmt.Errorf("%w: %w", ErrNoResponse, err)
			}
			return Result{}, err
		}
		timeout = c.cfg.ReadTimeout

		switch kind {
		case protocol.KindNego:
			c.setState(StateNegoing)
			in, err := option.ParseObjective(payload)
			if err != nil {
				return Result{}, fmt.Errorf("%w: %w", ErrUnexpectedMessage, err)
			}
			if in.LoopCount > 0 {
				in.LoopCount--
			}
			rounds++
			counter := c.agent.Propose(in.Value)
			logger.Info().
				Int("round", rounds).
				Str("proposed", string(in.Value)).
				Str("counter", string(counter)).
				Uint8("loop_count", in.LoopCount).
				Msg("negotiation round")

			if c.agent.Equivalent(in.Value, counter) {
				if err := c.sendEnd(conn, sid, option.Accept); err != nil {
					return Result{}, err
				}
				c.agent.Commit(in.Value)
				return Result{Outcome: OutcomeAccepted, Value: bytes.Clone(in.Value), Rounds: rounds}, nil
			}
			if in.LoopCount == 0 {
				if err := c.sendEnd(conn, sid, option.Decline); err != nil {
					return Result{}, err
				}
				return Result{Outcome: OutcomeDeclined, Rounds: rounds}, nil
			}
			out := option.NewObjective(in.Type, counter, in.LoopCount, in.Flag)
			if err := c.sendObjective(conn, protocol.KindNego, sid, out); err != nil {
				return Result{}, err
			}
			lastSent = bytes.Clone(counter)

		case protocol.KindWait:
			c.setState(StateWait)
			timeout = c.waitFor(payload)
			logger.Debug().Dur("timeout", timeout).Msg("server asked to wait")

		case protocol.KindNegoEnd:
			return c.ended(payload, lastSent, rounds, logger)

		default:
			return Result{}, fmt.Errorf("%w: %s during negotiation", ErrUnexpectedMessage, kind)
		}
	}
}

// ended interprets the server's NEGO_END.
func (c *Client) ended(payload, lastSent []byte, rounds int, logger zerolog.Logger) (Result, error) {
	opt, err := option.Parse(payload)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrUnexpectedMessage, err)
	}
	switch opt.Type {
	case option.Accept:
		logger.Info().Str("value", string(lastSent)).Msg("negotiation accepted by server")
		c.agent.Commit(lastSent)
		return Result{Outcome: OutcomeAccepted, Value: lastSent, Rounds: rounds}, nil
	case option.Decline:
		logger.Info().Msg("negotiation declined by server")
		return Result{Outcome: OutcomeDeclined, Rounds: rounds}, nil
	case option.Synchronization:
		obj, err := option.ParseObjective(payload)
		if err != nil {
			return Result{}, fmt.Errorf("%w: %w", ErrUnexpectedMessage, err)
		}
		logger.Info().Str("value", string(obj.Value)).Msg("objective synchronized")
		c.agent.Commit(obj.Value)
		return Result{Outcome: OutcomeSynchronized, Value: bytes.Clone(obj.Value), Rounds: rounds + 1}, nil
	default:
		return Result{}, fmt.Errorf("%w: negotiation end carries %s", ErrUnexpectedMessage, opt.Type)
	}
}

// waitFor reads the Waiting_time option, falling back to WaitTimeout.
func (c *Client) waitFor(payload []byte) time.Duration {
	opt, err := option.Parse(payload)
	if err != nil || opt.Type != option.WaitingTime {
		return c.cfg.WaitTimeout
	}
	d, err := opt.Duration()
	if err != nil || d <= 0 {
		return c.cfg.WaitTimeout
	}
	return d
}

// readSession returns the next message for sid, skipping others.
func (c *Client) readSession(conn transport.Conn, sid uint32, timeout time.Duration) (protocol.MessageKind, []byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, nil, transport.ErrTimeout
		}
		env, err := conn.Receive(remaining)
		if err != nil {
			return 0, nil, err
		}
		kind, got, payload, err := protocol.Decode(env)
		if err != nil {
			c.logger.Debug().Err(err).Msg("undecodable session message")
			continue
		}
		if got != sid {
			c.logger.Debug().Uint32("want", sid).Uint32("got", got).Msg("session id mismatch")
			continue
		}
		return kind, payload, nil
	}
}

func (c *Client) sendObjective(conn transport.Conn, kind protocol.MessageKind, sid uint32, obj option.Objective) error {
	bits, err := obj.ToBits()
	if err != nil {
		return err
	}
	env, err := protocol.Encode(kind, sid, bits)
	if err != nil {
		return err
	}
	return conn.Send(env)
}

func (c *Client) sendEnd(conn transport.Conn, sid uint32, t option.Type) error {
	bits, err := option.New(t, nil).ToBits()
	if err != nil {
		return err
	}
	env, err := protocol.Encode(protocol.KindNegoEnd, sid, bits)
	if err != nil {
		return err
	}
	return conn.Send(env)
}
