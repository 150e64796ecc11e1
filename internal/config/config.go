package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// DaemonFile is the on-disk schema of the gdnpd config.
type DaemonFile struct {
	NodeID            string `toml:"node_id"`
	Listen            string `toml:"listen"`
	Discovery         string `toml:"discovery"`
	Group             string `toml:"group"`
	Interface         string `toml:"interface"`
	Advertise         string `toml:"advertise"`
	Divert            string `toml:"divert"`
	MaxSessions       int    `toml:"max_sessions"`
	ProcessingTimeout string `toml:"processing_timeout"`
	WaitTime          string `toml:"wait_time"`
	IdleTimeout       string `toml:"idle_timeout"`

	Admin AdminSection `toml:"admin"`
	Store StoreSection `toml:"store"`
	Agent AgentSection `toml:"agent"`
}

type AdminSection struct {
	Addr        string   `toml:"addr"`
	CORSOrigins []string `toml:"cors_origins"`
}

type StoreSection struct {
	Path string `toml:"path"`
}

// AgentSection configures the numeric negotiation agent.
type AgentSection struct {
	Target int64 `toml:"target"`
	Step   int64 `toml:"step"`
}

// ClientFile is the on-disk schema of the gdnpctl config.
type ClientFile struct {
	Discovery       string `toml:"discovery"`
	Local           string `toml:"local"`
	Port            int    `toml:"port"`
	Interface       string `toml:"interface"`
	Target          string `toml:"target"`
	LoopCount       int    `toml:"loop_count"`
	MaxTryTimes     int    `toml:"max_try_times"`
	ResponseTimeout string `toml:"response_timeout"`
	WaitTimeout     string `toml:"wait_timeout"`
	ReadTimeout     string `toml:"read_timeout"`
	ConnectTimeout  string `toml:"connect_timeout"`

	Store StoreSection `toml:"store"`
	Agent AgentSection `toml:"agent"`
}

// LoadDaemonFile decodes path strictly; unknown keys are an error.
func LoadDaemonFile(path string) (DaemonFile, error) {
	var cfg DaemonFile
	if err := loadToml(path, &cfg); err != nil {
		return DaemonFile{}, err
	}
	if err := ValidateDaemonFile(cfg); err != nil {
		return DaemonFile{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

// LoadClientFile decodes path strictly; unknown keys are an error.
func LoadClientFile(path string) (ClientFile, error) {
	var cfg ClientFile
	if err := loadToml(path, &cfg); err != nil {
		return ClientFile{}, err
	}
	if err := ValidateClientFile(cfg); err != nil {
		return ClientFile{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("config has unknown keys (%s):\n%s", path, strict.String())
		}
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateDaemonFile(cfg DaemonFile) error {
	for key, addr := range map[string]string{
		"listen":     cfg.Listen,
		"discovery":  cfg.Discovery,
		"advertise":  cfg.Advertise,
		"divert":     cfg.Divert,
		"admin.addr": cfg.Admin.Addr,
	} {
		if err := validateHostPort(key, addr); err != nil {
			return err
		}
	}
	if g := strings.TrimSpace(cfg.Group); g != "" {
		ip := net.ParseIP(g)
		if ip == nil || !ip.IsMulticast() {
			return fmt.Errorf("group must be a multicast address, got %q", g)
		}
	}
	if cfg.MaxSessions < 0 {
		return fmt.Errorf("max_sessions must not be negative")
	}
	for key, v := range map[string]string{
		"processing_timeout": cfg.ProcessingTimeout,
		"wait_time":          cfg.WaitTime,
		"idle_timeout":       cfg.IdleTimeout,
	} {
		if _, err := ParseDuration(key, v); err != nil {
			return err
		}
	}
	if cfg.Agent.Step < 0 {
		return fmt.Errorf("agent.step must not be negative")
	}
	return nil
}

func ValidateClientFile(cfg ClientFile) error {
	for key, addr := range map[string]string{
		"discovery": cfg.Discovery,
		"target":    cfg.Target,
	} {
		if err := validateHostPort(key, addr); err != nil {
			return err
		}
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("port out of range: %d", cfg.Port)
	}
	if cfg.LoopCount < 0 || cfg.LoopCount > 255 {
		return fmt.Errorf("loop_count must fit in one byte, got %d", cfg.LoopCount)
	}
	if cfg.MaxTryTimes < 0 {
		return fmt.Errorf("max_try_times must not be negative")
	}
	for key, v := range map[string]string{
		"response_timeout": cfg.ResponseTimeout,
		"wait_timeout":     cfg.WaitTimeout,
		"read_timeout":     cfg.ReadTimeout,
		"connect_timeout":  cfg.ConnectTimeout,
	} {
		if _, err := ParseDuration(key, v); err != nil {
			return err
		}
	}
	return nil
}

// ParseDuration parses an optional duration field; empty yields zero.
func ParseDuration(key, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return d, nil
}

func validateHostPort(key, addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}
