// Package client implements the GDNP requester: discovery of a responsible
// server, then negotiation or synchronization of one objective with it.
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/gdnp/internal/asa"
	"github.com/danmuck/gdnp/internal/protocol"
	"github.com/danmuck/gdnp/internal/protocol/option"
	"github.com/danmuck/gdnp/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrAgentRequired     = errors.New("client: asa agent required")
	ErrNoResponse        = errors.New("client: no response")
	ErrInvalidTarget     = errors.New("client: invalid negotiation target")
	ErrServerUnreachable = errors.New("client: server unreachable")
	ErrUnexpectedMessage = errors.New("client: unexpected message")
	ErrInvalidState      = errors.New("client: invalid state")
)

// Client holds the negotiation state machine for one requester.
type Client struct {
	cfg       Config
	agent     asa.Agent
	transport transport.Transport
	logger    zerolog.Logger

	mu     sync.Mutex
	state  State
	target string
	tries  int

	wg    sync.WaitGroup
	rngMu sync.Mutex
	rng   *rand.Rand
}

type Option func(*Client)

func WithTransport(t transport.Transport) Option {
	return func(c *Client) { c.transport = t }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func New(cfg Config, agent asa.Agent, opts ...Option) (*Client, error) {
	if agent == nil {
		return nil, ErrAgentRequired
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		cfg:    cfg,
		agent:  agent,
		logger: log.Logger,
		state:  StateOff,
		target: cfg.DiscoveryAddr,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.transport == nil {
		n, err := transport.NewNet(
			transport.WithInterface(cfg.Interface),
			transport.WithConnectTimeout(cfg.ConnectTimeout),
			transport.WithLogger(c.logger),
		)
		if err != nil {
			return nil, err
		}
		c.transport = n
	}
	return c, nil
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(next State) {
	c.mu.Lock()
	prev := c.state
	c.state = next
	c.mu.Unlock()
	if prev != next {
		c.logger.Debug().Str("from", prev.String()).Str("to", next.String()).Msg("client state")
	}
}

// Target is the negotiation address; before discovery it is the
// discovery address itself.
func (c *Client) Target() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

// SetTarget points negotiation at addr without running discovery.
func (c *Client) SetTarget(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.target = c.normalizeLocator(addr)
}

// Reset returns a client in END to OFF.
func (c *Client) Reset() {
	c.mu.Lock()
	c.tries = 0
	c.mu.Unlock()
	c.setState(StateOff)
}

// Wait blocks until every asynchronous negotiation has finished.
func (c *Client) Wait() {
	c.wg.Wait()
}

// enter moves OFF to next, failing when another operation is active.
func (c *Client) enter(next State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOff {
		return fmt.Errorf("%w: %s", ErrInvalidState, c.state)
	}
	c.state = next
	return nil
}

// Discover locates the responsible server and records it as the
// negotiation target.
func (c *Client) Discover(ctx context.Context) (string, error) {
	if err := c.enter(StateWaitResponse); err != nil {
		return "", err
	}
	pc, err := c.transport.ListenPacket(ctx, c.cfg.LocalAddr)
	if err != nil {
		c.setState(StateOff)
		return "", err
	}
	defer pc.Close()

	sid := protocol.NewSessionID()
	bits, err := option.NewObjective(option.Discovery, nil, 0, 0).ToBits()
	if err != nil {
		c.setState(StateOff)
		return "", err
	}
	env, err := protocol.Encode(protocol.KindDiscovery, sid, bits)
	if err != nil {
		c.setState(StateOff)
		return "", err
	}
	logger := c.logger.With().Uint32("session_id", sid).Str("discovery", c.cfg.DiscoveryAddr).Logger()

	c.mu.Lock()
	c.tries = 0
	c.mu.Unlock()
	if err := c.sendDiscovery(pc, env, logger); err != nil {
		c.setState(StateEnd)
		return "", err
	}
	logger.Info().Msg("discovery sent")

	timeout := c.cfg.ResponseTimeout
	for {
		if err := ctx.Err(); err != nil {
			c.setState(StateOff)
			return "", err
		}
		kind, payload, err := c.readDiscovery(pc, sid, timeout)
		if errors.Is(err, transport.ErrTimeout) {
			if c.State() == StateWait {
				c.setState(StateEnd)
				return "", fmt.Errorf("%w: wait expired after %s", ErrNoResponse, timeout)
			}
			if !c.countTry() {
				c.setState(StateEnd)
				return "", fmt.Errorf("%w: discovery unanswered after %d retries", ErrNoResponse, c.cfg.MaxTryTimes)
			}
			logger.Debug().Msg("discovery timeout, resending")
			if err := c.sendDiscovery(pc, env, logger); err != nil {
				c.setState(StateEnd)
				return "", err
			}
			continue
		}
		if err != nil {
			c.setState(StateEnd)
			return "", err
		}

		switch kind {
		case protocol.KindWait:
			c.setState(StateWait)
			timeout = c.cfg.WaitTimeout
			logger.Debug().Dur("timeout", timeout).Msg("discovery deferred by server")
		case protocol.KindResponse:
			target, err := c.locatorFrom(payload)
			if err != nil {
				c.setState(StateEnd)
				return "", err
			}
			c.setState(StateInformed)
			c.mu.Lock()
			c.target = target
			c.tries = 0
			c.mu.Unlock()
			c.setState(StateOff)
			logger.Info().Str("target", target).Msg("server discovered")
			return target, nil
		case protocol.KindNegoEnd:
			c.setState(StateEnd)
			return "", fmt.Errorf("%w: discovery ended by server", ErrUnexpectedMessage)
		default:
			logger.Warn().Str("kind", kind.String()).Msg("ignoring unexpected discovery reply")
		}
	}
}

// countTry records a resend and reports whether the budget allows it.
func (c *Client) countTry() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tries >= c.cfg.MaxTryTimes {
		return false
	}
	c.tries++
	return true
}

func (c *Client) sendDiscovery(pc transport.PacketConn, env *protocol.Envelope, logger zerolog.Logger) error {
	for attempt := 0; ; attempt++ {
		err := pc.SendTo(env, c.cfg.DiscoveryAddr)
		if err == nil {
			return nil
		}
		if !errors.Is(err, transport.ErrAddrUnavailable) || attempt >= c.cfg.MaxTryTimes {
			return err
		}
		logger.Warn().Err(err).Msg("discovery send address unavailable, rebinding")
		if err := pc.Rebind(); err != nil {
			logger.Warn().Err(err).Msg("rebind failed")
		}
	}
}

// readDiscovery returns the next reply for sid, skipping foreign ones.
func (c *Client) readDiscovery(pc transport.PacketConn, sid uint32, timeout time.Duration) (protocol.MessageKind, []byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, nil, transport.ErrTimeout
		}
		env, from, err := pc.ReceiveFrom(remaining)
		if err != nil {
			if errors.Is(err, transport.ErrShortDatagram) || errors.Is(err, transport.ErrOversizedDatagram) ||
				errors.Is(err, protocol.ErrTruncated) {
				continue
			}
			return 0, nil, err
		}
		kind, got, payload, err := protocol.Decode(env)
		if err != nil {
			c.logger.Debug().Err(err).Msg("undecodable discovery reply")
			continue
		}
		if got != sid {
			c.logger.Debug().Uint32("want", sid).Uint32("got", got).Str("from", from.String()).Msg("session id mismatch")
			continue
		}
		return kind, payload, nil
	}
}

// locatorFrom extracts the server address from a Response, following a
// Divert to its nested Locator.
func (c *Client) locatorFrom(payload []byte) (string, error) {
	opt, err := option.Parse(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnexpectedMessage, err)
	}
	if opt.Type == option.Divert {
		opt, err = opt.Nested()
		if err != nil {
			return "", fmt.Errorf("%w: divert: %w", ErrUnexpectedMessage, err)
		}
	}
	if opt.Type != option.Locator {
		return "", fmt.Errorf("%w: response carries %s", ErrUnexpectedMessage, opt.Type)
	}
	return c.normalizeLocator(string(opt.Value)), nil
}

// normalizeLocator completes a bare host with the configured port.
func (c *Client) normalizeLocator(v string) string {
	v = strings.TrimSpace(strings.TrimRight(v, "\x00"))
	if _, _, err := net.SplitHostPort(v); err == nil {
		return v
	}
	return net.JoinHostPort(strings.Trim(v, "[]"), strconv.Itoa(c.cfg.Port))
}
