package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/gdnp/internal/admin"
	"github.com/danmuck/gdnp/internal/config"
	"github.com/danmuck/gdnp/internal/server"
)

type daemonConfig struct {
	Server    server.Config
	Admin     admin.Config
	StorePath string
	Agent     config.AgentSection
}

func defaultDaemonConfig() daemonConfig {
	return daemonConfig{
		Server:    server.DefaultConfig(),
		Admin:     admin.Config{Addr: "127.0.0.1:7070"},
		StorePath: "gdnpd.db",
		Agent:     config.AgentSection{Target: 10, Step: 1},
	}
}

func loadDaemonConfig(path string) (daemonConfig, error) {
	cfg := defaultDaemonConfig()

	var raw config.DaemonFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return daemonConfig{}, fmt.Errorf("load gdnpd config: %w", err)
	}

	if meta.IsDefined("node_id") {
		cfg.Server.NodeID = strings.TrimSpace(raw.NodeID)
	}
	if meta.IsDefined("listen") {
		cfg.Server.ListenAddr = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("discovery") {
		cfg.Server.DiscoveryAddr = strings.TrimSpace(raw.Discovery)
	}
	if meta.IsDefined("group") {
		cfg.Server.Group = strings.TrimSpace(raw.Group)
	}
	if meta.IsDefined("interface") {
		cfg.Server.Interface = strings.TrimSpace(raw.Interface)
	}
	if meta.IsDefined("advertise") {
		cfg.Server.AdvertiseAddr = strings.TrimSpace(raw.Advertise)
	}
	if meta.IsDefined("divert") {
		cfg.Server.DivertAddr = strings.TrimSpace(raw.Divert)
	}
	if meta.IsDefined("max_sessions") {
		cfg.Server.MaxSessions = raw.MaxSessions
	}

	if meta.IsDefined("processing_timeout") {
		d, err := config.ParseDuration("processing_timeout", raw.ProcessingTimeout)
		if err != nil {
			return daemonConfig{}, err
		}
		cfg.Server.ProcessingTimeout = d
	}
	if meta.IsDefined("wait_time") {
		d, err := config.ParseDuration("wait_time", raw.WaitTime)
		if err != nil {
			return daemonConfig{}, err
		}
		cfg.Server.WaitTime = d
	}
	if meta.IsDefined("idle_timeout") {
		d, err := config.ParseDuration("idle_timeout", raw.IdleTimeout)
		if err != nil {
			return daemonConfig{}, err
		}
		cfg.Server.IdleTimeout = d
	}

	if meta.IsDefined("admin", "addr") {
		cfg.Admin.Addr = strings.TrimSpace(raw.Admin.Addr)
	}
	if meta.IsDefined("admin", "cors_origins") {
		cfg.Admin.CORSOrigins = normalizeList(raw.Admin.CORSOrigins)
	}
	if meta.IsDefined("store", "path") {
		cfg.StorePath = strings.TrimSpace(raw.Store.Path)
	}
	if meta.IsDefined("agent", "target") {
		cfg.Agent.Target = raw.Agent.Target
	}
	if meta.IsDefined("agent", "step") {
		cfg.Agent.Step = raw.Agent.Step
	}

	if err := cfg.Server.Validate(); err != nil {
		return daemonConfig{}, err
	}
	return cfg, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
