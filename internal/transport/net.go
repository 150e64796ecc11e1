package transport

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	RebindPortMin = 2000
	RebindPortMax = 10000

	DefaultHopLimit = 1
)

// DefaultGroup is the all-nodes link-local multicast group.
var DefaultGroup = net.ParseIP("ff02::1")

// Net is the socket-backed Transport.
type Net struct {
	// Group is joined by packet listeners; nil disables the join.
	Group net.IP
	// Interface scopes multicast send and join; empty uses the default.
	Interface      string
	HopLimit       int
	Loopback       bool
	ConnectTimeout time.Duration
	Logger         zerolog.Logger

	iface *net.Interface
	rngMu sync.Mutex
	rng   *rand.Rand
}

var _ Transport = (*Net)(nil)

// NewNet resolves the configured interface and returns a ready transport.
func NewNet(opts ...Option) (*Net, error) {
	n := &Net{
		HopLimit:       DefaultHopLimit,
		Loopback:       true,
		ConnectTimeout: 5 * time.Second,
		Logger:         log.Logger,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.Interface != "" {
		ifi, err := net.InterfaceByName(n.Interface)
		if err != nil {
			return nil, fmt.Errorf("transport: interface %q: %w", n.Interface, err)
		}
		n.iface = ifi
	}
	return n, nil
}

type Option func(*Net)

func WithGroup(group net.IP) Option {
	return func(n *Net) { n.Group = group }
}

func WithInterface(name string) Option {
	return func(n *Net) { n.Interface = name }
}

func WithHopLimit(hops int) Option {
	return func(n *Net) { n.HopLimit = hops }
}

func WithLoopback(enabled bool) Option {
	return func(n *Net) { n.Loopback = enabled }
}

func WithConnectTimeout(d time.Duration) Option {
	return func(n *Net) { n.ConnectTimeout = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(n *Net) { n.Logger = l }
}

func (n *Net) ListenPacket(ctx context.Context, addr string) (PacketConn, error) {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, classify("listen packet "+addr, err)
	}
	logger := n.Logger.With().Str("local", pc.LocalAddr().String()).Logger()
	n.configureMulticastSender(pc, logger)
	n.joinGroup(pc, logger)
	return &packetConn{pc: pc, owner: n, logger: logger}, nil
}

func (n *Net) Listen(ctx context.Context, addr string) (Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, classify("listen "+addr, err)
	}
	return &streamListener{ln: ln}, nil
}

func (n *Net) Dial(ctx context.Context, addr string) (Conn, error) {
	dialer := net.Dialer{Timeout: n.ConnectTimeout}
	c, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classify("dial "+addr, err)
	}
	return NewConn(c), nil
}

func (n *Net) rebindPort() int {
	n.rngMu.Lock()
	defer n.rngMu.Unlock()
	return RebindPortMin + n.rng.Intn(RebindPortMax-RebindPortMin)
}
