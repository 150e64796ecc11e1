package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/gdnp/internal/asa"
	"github.com/danmuck/gdnp/internal/client"
	"github.com/danmuck/gdnp/internal/logging"
	"github.com/danmuck/gdnp/internal/observability"
	"github.com/danmuck/gdnp/internal/store"
	"github.com/rs/zerolog/log"
)

type options struct {
	config  string
	target  string
	loop    int
	timeout time.Duration
}

func main() {
	opts, args := parseFlags()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}
	if err := run(opts, args); err != nil {
		fatalf("%v", err)
	}
}

func parseFlags() (options, []string) {
	var opts options
	flag.StringVar(&opts.config, "config", "cmd/gdnpctl/config.toml", "path to gdnpctl config")
	flag.StringVar(&opts.target, "target", "", "negotiation server host:port; skips discovery")
	flag.IntVar(&opts.loop, "loop", 0, "negotiation loop count override")
	flag.DurationVar(&opts.timeout, "timeout", time.Minute, "overall deadline for the command")
	flag.Usage = usage
	flag.Parse()
	return opts, flag.Args()
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: gdnpctl [flags] discover | negotiate <value> | sync <value>\n")
	flag.PrintDefaults()
}

func run(opts options, args []string) error {
	logging.ConfigureRuntime()
	observability.InitLogger("gdnpctl", "client")

	cfg, err := resolveConfig(opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	var commits asa.CommitLog
	if cfg.StorePath != "" {
		st, err := store.Open(cfg.StorePath)
		if err != nil {
			return err
		}
		defer st.Close()
		commits = st
	}
	agent := &asa.Recorder{
		Agent:  &asa.Numeric{Target: cfg.Agent.Target, Step: cfg.Agent.Step},
		Log:    commits,
		Role:   "client",
		Logger: log.Logger,
	}
	c, err := client.New(cfg.Client, agent)
	if err != nil {
		return err
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "discover":
		target, err := c.Discover(ctx)
		if err != nil {
			return err
		}
		fmt.Println(target)
		return nil
	case "negotiate", "sync":
		if len(rest) != 1 {
			return fmt.Errorf("%s needs exactly one value", cmd)
		}
		if err := ensureTarget(ctx, c, cfg.Target); err != nil {
			return err
		}
		if cmd == "sync" {
			value, err := c.Synchronize(ctx, []byte(rest[0]))
			if err != nil {
				return err
			}
			fmt.Printf("synchronized %s\n", value)
			return nil
		}
		n, err := c.Negotiate(ctx, []byte(rest[0]))
		if err != nil {
			return err
		}
		res, err := n.Wait(ctx)
		if err != nil {
			return err
		}
		if res.Outcome == client.OutcomeDeclined {
			fmt.Printf("declined after %d rounds\n", res.Rounds)
			return nil
		}
		fmt.Printf("%s %s after %d rounds\n", res.Outcome, res.Value, res.Rounds)
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func resolveConfig(opts options) (ctlConfig, error) {
	cfg := defaultCtlConfig()
	if _, err := os.Stat(opts.config); err == nil {
		loaded, err := loadCtlConfig(opts.config)
		if err != nil {
			return ctlConfig{}, err
		}
		cfg = loaded
	} else if !errors.Is(err, os.ErrNotExist) {
		return ctlConfig{}, err
	}
	if opts.target != "" {
		cfg.Target = opts.target
	}
	if opts.loop != 0 {
		if opts.loop < 1 || opts.loop > 255 {
			return ctlConfig{}, fmt.Errorf("-loop must be in [1,255], got %d", opts.loop)
		}
		cfg.Client.LoopCount = uint8(opts.loop)
	}
	return cfg, nil
}

// ensureTarget uses the configured target or falls back to discovery.
func ensureTarget(ctx context.Context, c *client.Client, target string) error {
	if target != "" {
		c.SetTarget(target)
		return nil
	}
	found, err := c.Discover(ctx)
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	log.Info().Str("target", found).Msg("using discovered server")
	return nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "gdnpctl: "+format+"\n", args...)
	os.Exit(1)
}
