package server

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/gdnp/internal/asa"
	"github.com/danmuck/gdnp/internal/protocol"
	"github.com/danmuck/gdnp/internal/protocol/option"
	"github.com/danmuck/gdnp/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"k8s.io/utils/clock"
)

func testConfig() Config {
	return Config{
		NodeID:            "test-node",
		MaxSessions:       5,
		ProcessingTimeout: 8 * time.Second,
		WaitTime:          10 * time.Second,
		IdleTimeout:       20 * time.Second,
	}
}

func newTestServer(t *testing.T, agent asa.Agent, clk clock.Clock) *Server {
	t.Helper()
	s, err := New(testConfig(), agent, WithClock(clk), WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return s
}

// pipeConns returns the server side and the peer side of an in-memory link.
func pipeConns(t *testing.T) (transport.Conn, transport.Conn) {
	t.Helper()
	a, b := net.Pipe()
	srv, peer := transport.NewConn(a), transport.NewConn(b)
	t.Cleanup(func() {
		_ = srv.Close()
		_ = peer.Close()
	})
	return srv, peer
}

func objectiveBits(t *testing.T, typ option.Type, value string, loop uint8) []byte {
	t.Helper()
	b, err := option.NewObjective(typ, []byte(value), loop, 0).ToBits()
	if err != nil {
		t.Fatalf("objective bits: %v", err)
	}
	return b
}

func optionBits(t *testing.T, typ option.Type) []byte {
	t.Helper()
	b, err := option.New(typ, nil).ToBits()
	if err != nil {
		t.Fatalf("option bits: %v", err)
	}
	return b
}

func receive(t *testing.T, peer transport.Conn) (protocol.MessageKind, uint32, []byte) {
	t.Helper()
	env, err := peer.Receive(2 * time.Second)
	if err != nil {
		t.Fatalf("peer receive: %v", err)
	}
	kind, sid, payload, err := protocol.Decode(env)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return kind, sid, payload
}

func waitDone(t *testing.T, s *Server, id uint32) {
	t.Helper()
	sess, ok := s.Session(id)
	if !ok {
		return
	}
	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session %d did not end", id)
	}
}

// violationCount reads the session violation counter from the default registry.
func violationCount(t *testing.T, node, reason string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "gdnp_session_protocol_violations_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["node"] == node && labels["reason"] == reason {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func waitForWaiters(t *testing.T, c interface{ HasWaiters() bool }) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !c.HasWaiters() {
		if time.Now().After(deadline) {
			t.Fatalf("clock never gained a waiter")
		}
		time.Sleep(time.Millisecond)
	}
}

func expectNoMessage(t *testing.T, peer transport.Conn) {
	t.Helper()
	if _, err := peer.Receive(30 * time.Millisecond); !errors.Is(err, transport.ErrTimeout) {
		t.Fatalf("expected no message, got err=%v", err)
	}
}

// recordingAgent is an asa.Agent with scripted proposals and counted calls.
type recordingAgent struct {
	mu        sync.Mutex
	counters  []string
	proposals int
	commits   [][]byte
	gate      chan struct{}
}

func (a *recordingAgent) Equivalent(proposed, counter []byte) bool {
	return bytes.Equal(proposed, counter)
}

func (a *recordingAgent) Propose(proposed []byte) []byte {
	if a.gate != nil {
		<-a.gate
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.proposals++
	if len(a.counters) == 0 {
		return bytes.Clone(proposed)
	}
	next := a.counters[0]
	if len(a.counters) > 1 {
		a.counters = a.counters[1:]
	}
	return []byte(next)
}

func (a *recordingAgent) Commit(final []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.commits = append(a.commits, bytes.Clone(final))
}

func (a *recordingAgent) snapshot() (int, []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.commits))
	for _, c := range a.commits {
		out = append(out, string(c))
	}
	return a.proposals, out
}
