package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/gdnp/internal/client"
	"github.com/danmuck/gdnp/internal/config"
)

type ctlConfig struct {
	Client    client.Config
	Target    string
	StorePath string
	Agent     config.AgentSection
}

func defaultCtlConfig() ctlConfig {
	return ctlConfig{
		Client: client.DefaultConfig(),
		Agent:  config.AgentSection{Target: 5, Step: 1},
	}
}

func loadCtlConfig(path string) (ctlConfig, error) {
	cfg := defaultCtlConfig()

	var raw config.ClientFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ctlConfig{}, fmt.Errorf("load gdnpctl config: %w", err)
	}

	if meta.IsDefined("discovery") {
		cfg.Client.DiscoveryAddr = strings.TrimSpace(raw.Discovery)
	}
	if meta.IsDefined("local") {
		cfg.Client.LocalAddr = strings.TrimSpace(raw.Local)
	}
	if meta.IsDefined("port") {
		cfg.Client.Port = raw.Port
	}
	if meta.IsDefined("interface") {
		cfg.Client.Interface = strings.TrimSpace(raw.Interface)
	}
	if meta.IsDefined("target") {
		cfg.Target = strings.TrimSpace(raw.Target)
	}
	if meta.IsDefined("loop_count") {
		if raw.LoopCount < 1 || raw.LoopCount > 255 {
			return ctlConfig{}, fmt.Errorf("loop_count must be in [1,255], got %d", raw.LoopCount)
		}
		cfg.Client.LoopCount = uint8(raw.LoopCount)
	}
	if meta.IsDefined("max_try_times") {
		cfg.Client.MaxTryTimes = raw.MaxTryTimes
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"response_timeout", raw.ResponseTimeout, &cfg.Client.ResponseTimeout},
		{"wait_timeout", raw.WaitTimeout, &cfg.Client.WaitTimeout},
		{"read_timeout", raw.ReadTimeout, &cfg.Client.ReadTimeout},
		{"connect_timeout", raw.ConnectTimeout, &cfg.Client.ConnectTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := config.ParseDuration(d.key, d.raw)
		if err != nil {
			return ctlConfig{}, err
		}
		*d.dst = v
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

	if err := cfg.Client.Validate(); err != nil {
		return ctlConfig{}, err
	}
	return cfg, nil
}
