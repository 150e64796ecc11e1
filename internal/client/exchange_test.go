package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/gdnp/internal/asa"
	"github.com/danmuck/gdnp/internal/protocol"
	"github.com/danmuck/gdnp/internal/protocol/option"
	"github.com/danmuck/gdnp/internal/server"
	"github.com/danmuck/gdnp/internal/testutil/testlog"
	"github.com/danmuck/gdnp/internal/transport"
	"github.com/rs/zerolog"
)

type commitLog struct {
	mu      sync.Mutex
	commits []string
}

func (l *commitLog) add(v []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.commits = append(l.commits, string(v))
}

func (l *commitLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.commits...)
}

func (l *commitLog) waitFor(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := l.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d commits, got %v", n, l.snapshot())
	return nil
}

type loopbackServer struct {
	srv       *server.Server
	discovery string
	listen    string
}

// startServer serves agent on loopback and stops it with the test.
func startServer(t *testing.T, cfg server.Config, agent asa.Agent) loopbackServer {
	t.Helper()
	n, err := transport.NewNet(transport.WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("new net: %v", err)
	}
	if cfg.NodeID == "" {
		cfg.NodeID = "client-test"
	}
	s, err := server.New(cfg, agent, server.WithTransport(n), server.WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	ln, err := n.Listen(ctx, "127.0.0.1:0")
	if err != nil {
		cancel()
		t.Fatalf("listen: %v", err)
	}
	pc, err := n.ListenPacket(ctx, "127.0.0.1:0")
	if err != nil {
		cancel()
		t.Fatalf("listen packet: %v", err)
	}
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx, ln, pc) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-served:
			if err != nil {
				t.Errorf("serve: %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Errorf("server did not stop")
		}
	})
	return loopbackServer{srv: s, discovery: pc.LocalAddr().String(), listen: ln.Addr().String()}
}

func fastConfig() Config {
	return Config{
		LocalAddr:       "127.0.0.1:0",
		ResponseTimeout: 2 * time.Second,
		WaitTimeout:     2 * time.Second,
		ReadTimeout:     2 * time.Second,
		ConnectTimeout:  time.Second,
		Backoff:         BackoffConfig{InitialDelay: 5 * time.Millisecond, Multiplier: 1},
	}
}

func waitResult(t *testing.T, n *Negotiation) (Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return n.Wait(ctx)
}

func TestDiscoverThenNegotiateAccepted(t *testing.T) {
	testlog.Start(t)
	serverCommits := &commitLog{}
	ls := startServer(t, server.Config{}, asa.Funcs{CommitFn: serverCommits.add})

	cfg := fastConfig()
	cfg.DiscoveryAddr = ls.discovery
	clientCommits := &commitLog{}
	c := newTestClient(t, cfg, asa.Funcs{CommitFn: clientCommits.add})

	target, err := c.Discover(context.Background())
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if !transport.SameAddr(target, ls.listen) || c.Target() != target {
		t.Fatalf("discovered %q (client target %q), want %s", target, c.Target(), ls.listen)
	}
	if c.State() != StateOff {
		t.Fatalf("expected OFF after discovery, got %s", c.State())
	}

	n, err := c.Negotiate(context.Background(), []byte("5"))
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	res, err := waitResult(t, n)
	if err != nil {
		t.Fatalf("negotiation: %v", err)
	}
	if res.Outcome != OutcomeAccepted || string(res.Value) != "5" {
		t.Fatalf("unexpected result %+v", res)
	}
	c.Wait()
	if got := clientCommits.snapshot(); len(got) != 1 || got[0] != "5" {
		t.Fatalf("client commits %v", got)
	}
	if got := serverCommits.waitFor(t, 1); got[0] != "5" {
		t.Fatalf("server commits %v", got)
	}
	if c.State() != StateOff {
		t.Fatalf("expected OFF after negotiation, got %s", c.State())
	}
	testlog.Logf("client/e2e: discovered %s and agreed on %s", target, res.Value)
}

func TestNegotiateCounterAcceptedByClient(t *testing.T) {
	serverCommits := &commitLog{}
	ls := startServer(t, server.Config{}, &asa.Numeric{Target: 9, Step: 2, OnCommit: serverCommits.add})

	clientCommits := &commitLog{}
	c := newTestClient(t, fastConfig(), asa.Funcs{CommitFn: clientCommits.add})
	c.SetTarget(ls.listen)

	n, err := c.Negotiate(context.Background(), []byte("5"))
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	res, err := waitResult(t, n)
	if err != nil {
		t.Fatalf("negotiation: %v", err)
	}
	if res.Outcome != OutcomeAccepted || string(res.Value) != "7" || res.Rounds != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := clientCommits.snapshot(); len(got) != 1 || got[0] != "7" {
		t.Fatalf("client commits %v", got)
	}
	if got := serverCommits.waitFor(t, 1); got[0] != "7" {
		t.Fatalf("server commits %v", got)
	}
}

func TestNegotiateDeclinedWhenLoopExhausted(t *testing.T) {
	serverCommits := &commitLog{}
	ls := startServer(t, server.Config{}, asa.Funcs{
		EquivalentFn: func(p, c []byte) bool { return string(p) == string(c) },
		ProposeFn:    func([]byte) []byte { return []byte("server") },
		CommitFn:     serverCommits.add,
	})

	cfg := fastConfig()
	cfg.LoopCount = 2
	clientCommits := &commitLog{}
	c := newTestClient(t, cfg, asa.Funcs{
		EquivalentFn: func(p, c []byte) bool { return string(p) == string(c) },
		ProposeFn:    func([]byte) []byte { return []byte("client") },
		CommitFn:     clientCommits.add,
	})
	c.SetTarget(ls.listen)

	n, err := c.Negotiate(context.Background(), []byte("client"))
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	res, err := waitResult(t, n)
	if err != nil {
		t.Fatalf("negotiation: %v", err)
	}
	if res.Outcome != OutcomeDeclined || res.Value != nil {
		t.Fatalf("unexpected result %+v", res)
	}
	time.Sleep(50 * time.Millisecond)
	if got := clientCommits.snapshot(); len(got) != 0 {
		t.Fatalf("declined negotiation committed on client: %v", got)
	}
	if got := serverCommits.snapshot(); len(got) != 0 {
		t.Fatalf("declined negotiation committed on server: %v", got)
	}
}

func TestSynchronizeAdoptsServerValue(t *testing.T) {
	serverCommits := &commitLog{}
	ls := startServer(t, server.Config{}, asa.Funcs{
		ProposeFn: func([]byte) []byte { return []byte("srv") },
		CommitFn:  serverCommits.add,
	})

	clientCommits := &commitLog{}
	c := newTestClient(t, fastConfig(), asa.Funcs{CommitFn: clientCommits.add})
	c.SetTarget(ls.listen)

	got, err := c.Synchronize(context.Background(), []byte("cli"))
	if err != nil {
		t.Fatalf("synchronize: %v", err)
	}
	if string(got) != "srv" {
		t.Fatalf("synchronized %q, want srv", got)
	}
	if commits := clientCommits.snapshot(); len(commits) != 1 || commits[0] != "srv" {
		t.Fatalf("client commits %v", commits)
	}
	time.Sleep(50 * time.Millisecond)
	if commits := serverCommits.snapshot(); len(commits) != 0 {
		t.Fatalf("server committed during synchronization: %v", commits)
	}
}

func TestNegotiateHonoursServerWait(t *testing.T) {
	ls := startServer(t, server.Config{
		ProcessingTimeout: 50 * time.Millisecond,
		WaitTime:          time.Second,
	}, asa.Funcs{
		ProposeFn: func(p []byte) []byte {
			time.Sleep(300 * time.Millisecond)
			return p
		},
	})

	cfg := fastConfig()
	cfg.ReadTimeout = 150 * time.Millisecond
	c := newTestClient(t, cfg, asa.Funcs{CommitFn: func([]byte) {}})
	c.SetTarget(ls.listen)

	n, err := c.Negotiate(context.Background(), []byte("slow"))
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	res, err := waitResult(t, n)
	if err != nil {
		t.Fatalf("negotiation should survive a slow server: %v", err)
	}
	if res.Outcome != OutcomeAccepted {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestNegotiateSurvivesCallerCancel(t *testing.T) {
	entered := make(chan struct{}, 1)
	gate := make(chan struct{})
	ls := startServer(t, server.Config{}, asa.Funcs{
		ProposeFn: func(p []byte) []byte {
			entered <- struct{}{}
			<-gate
			return p
		},
	})

	clientCommits := &commitLog{}
	c := newTestClient(t, fastConfig(), asa.Funcs{CommitFn: clientCommits.add})
	c.SetTarget(ls.listen)

	ctx, cancel := context.WithCancel(context.Background())
	n, err := c.Negotiate(ctx, []byte("5"))
	if err != nil {
		cancel()
		t.Fatalf("negotiate: %v", err)
	}
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		cancel()
		close(gate)
		t.Fatalf("server never started proposing")
	}
	cancel()

	if _, err := n.Wait(ctx); !errors.Is(err, context.Canceled) {
		close(gate)
		t.Fatalf("expected Wait to give up with context.Canceled, got %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	select {
	case <-n.Done():
		close(gate)
		t.Fatalf("cancelling the caller context aborted the round: %v", n.err)
	default:
	}
	close(gate)

	res, err := waitResult(t, n)
	if err != nil {
		t.Fatalf("negotiation: %v", err)
	}
	if res.Outcome != OutcomeAccepted || string(res.Value) != "5" {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := clientCommits.snapshot(); len(got) != 1 || got[0] != "5" {
		t.Fatalf("client commits %v", got)
	}
}

func TestNegotiateServerUnreachable(t *testing.T) {
	n, err := transport.NewNet(transport.WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("new net: %v", err)
	}
	ln, err := n.Listen(context.Background(), "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	closed := ln.Addr().String()
	_ = ln.Close()

	cfg := fastConfig()
	cfg.MaxTryTimes = 2
	c := newTestClient(t, cfg, asa.Funcs{})
	c.SetTarget(closed)

	neg, err := c.Negotiate(context.Background(), []byte("5"))
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if _, err := waitResult(t, neg); !errors.Is(err, ErrServerUnreachable) {
		t.Fatalf("expected ErrServerUnreachable, got %v", err)
	}
	c.Wait()
	if c.State() != StateOff {
		t.Fatalf("expected OFF after failed negotiation, got %s", c.State())
	}
}

func TestNegotiateSkipsForeignSessions(t *testing.T) {
	n, err := transport.NewNet(transport.WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("new net: %v", err)
	}
	ln, err := n.Listen(context.Background(), "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		env, err := conn.Receive(2 * time.Second)
		if err != nil {
			return
		}
		_, sid, _, err := protocol.Decode(env)
		if err != nil {
			return
		}
		accept, _ := option.New(option.Accept, nil).ToBits()
		decline, _ := option.New(option.Decline, nil).ToBits()
		foreign, _ := protocol.Encode(protocol.KindNegoEnd, (sid+1)&protocol.MaxSessionID, decline)
		own, _ := protocol.Encode(protocol.KindNegoEnd, sid, accept)
		_ = conn.Send(foreign)
		_ = conn.Send(own)
		_, _ = conn.Receive(time.Second)
	}()

	commits := &commitLog{}
	c := newTestClient(t, fastConfig(), asa.Funcs{CommitFn: commits.add})
	c.SetTarget(ln.Addr().String())
	neg, err := c.Negotiate(context.Background(), []byte("5"))
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	res, err := waitResult(t, neg)
	if err != nil {
		t.Fatalf("negotiation: %v", err)
	}
	if res.Outcome != OutcomeAccepted || string(res.Value) != "5" {
		t.Fatalf("foreign session leaked into result: %+v", res)
	}
	if got := commits.snapshot(); len(got) != 1 || got[0] != "5" {
		t.Fatalf("client commits %v", got)
	}
}
