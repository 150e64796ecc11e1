package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/gdnp/internal/admin"
	"github.com/danmuck/gdnp/internal/asa"
	"github.com/danmuck/gdnp/internal/logging"
	"github.com/danmuck/gdnp/internal/observability"
	"github.com/danmuck/gdnp/internal/server"
	"github.com/danmuck/gdnp/internal/store"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	path := flag.String("config", "cmd/gdnpd/config.toml", "path to gdnpd config")
	flag.Parse()

	if err := run(*path); err != nil {
		fmt.Fprintf(os.Stderr, "gdnpd: %v\n", err)
		os.Exit(1)
	}
}

func run(path string) error {
	logging.ConfigureRuntime()

	cfg := defaultDaemonConfig()
	if _, err := os.Stat(path); err == nil {
		loaded, err := loadDaemonConfig(path)
		if err != nil {
			return err
		}
		cfg = loaded
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	} else {
		log.Warn().Str("config", path).Msg("config not found, using defaults")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var history admin.History
	var commits asa.CommitLog
	if cfg.StorePath != "" {
		st, err := store.Open(cfg.StorePath)
		if err != nil {
			return err
		}
		defer st.Close()
		history, commits = st, st
	}

	agent := &asa.Recorder{
		Agent:  &asa.Numeric{Target: cfg.Agent.Target, Step: cfg.Agent.Step},
		Log:    commits,
		Role:   "server",
		Logger: log.Logger,
	}
	srv, err := server.New(cfg.Server, agent)
	if err != nil {
		return err
	}
	logger := observability.InitLogger("gdnpd", srv.NodeID())
	agent.Logger = logger
	observability.RegisterMetrics()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx) })
	if cfg.Admin.Addr != "" {
		adm := admin.New(cfg.Admin, srv, history)
		g.Go(func() error { return adm.Serve(gctx) })
	}

	logger.Info().
		Str("listen", cfg.Server.ListenAddr).
		Str("discovery", cfg.Server.DiscoveryAddr).
		Str("admin", cfg.Admin.Addr).
		Str("store", cfg.StorePath).
		Msg("gdnpd started")
	return g.Wait()
}
