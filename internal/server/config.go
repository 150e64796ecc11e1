package server

import (
	"fmt"
	"time"
)

// Config controls the discovery responder, the negotiation listener and
// per-session timing.
type Config struct {
	// NodeID labels logs and metrics; empty generates a random id.
	NodeID        string
	ListenAddr    string
	DiscoveryAddr string
	// Group is the IPv6 multicast group joined by the discovery socket;
	// empty disables the join.
	Group     string
	Interface string
	// AdvertiseAddr is the Locator value sent in discovery responses;
	// empty derives it from the listener and local interfaces.
	AdvertiseAddr string
	// DivertAddr, when set, answers discovery with a Divert pointing at
	// another server instead of this one.
	DivertAddr string

	MaxSessions       int
	ProcessingTimeout time.Duration
	WaitTime          time.Duration
	IdleTimeout       time.Duration
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:        "[::]:4444",
		DiscoveryAddr:     "[::]:4444",
		Group:             "ff02::1",
		MaxSessions:       5,
		ProcessingTimeout: 8 * time.Second,
		WaitTime:          10 * time.Second,
		IdleTimeout:       20 * time.Second,
	}
}

// WithDefaults fills zero values from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ListenAddr == "" {
		c.ListenAddr = d.ListenAddr
	}
	if c.DiscoveryAddr == "" {
		c.DiscoveryAddr = d.DiscoveryAddr
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = d.MaxSessions
	}
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = d.ProcessingTimeout
	}
	if c.WaitTime <= 0 {
		c.WaitTime = d.WaitTime
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	return c
}

func (c Config) Validate() error {
	if c.MaxSessions <= 0 {
		return fmt.Errorf("server: max_sessions must be positive, got %d", c.MaxSessions)
	}
	if c.ProcessingTimeout <= 0 || c.WaitTime <= 0 || c.IdleTimeout <= 0 {
		return fmt.Errorf("server: timeouts must be positive")
	}
	return nil
}
