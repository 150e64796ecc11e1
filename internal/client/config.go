package client

import (
	"fmt"
	"time"
)

// BackoffConfig defines connect retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config controls discovery, connect retries and negotiation timing.
type Config struct {
	// DiscoveryAddr is where discovery requests are sent; usually the
	// all-nodes multicast group.
	DiscoveryAddr string
	// LocalAddr is the local bind for the discovery socket.
	LocalAddr string
	// Port completes a Locator that carries a bare host.
	Port int
	// Interface scopes multicast sends; empty uses the default route.
	Interface string

	LoopCount       uint8
	MaxTryTimes     int
	ResponseTimeout time.Duration
	WaitTimeout     time.Duration
	ReadTimeout     time.Duration
	ConnectTimeout  time.Duration
	Backoff         BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		DiscoveryAddr:   "[ff02::1]:4444",
		LocalAddr:       ":0",
		Port:            4444,
		LoopCount:       5,
		MaxTryTimes:     5,
		ResponseTimeout: 10 * time.Second,
		WaitTimeout:     10 * time.Second,
		ReadTimeout:     10 * time.Second,
		ConnectTimeout:  5 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     2 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero values from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.DiscoveryAddr == "" {
		c.DiscoveryAddr = d.DiscoveryAddr
	}
	if c.LocalAddr == "" {
		c.LocalAddr = d.LocalAddr
	}
	if c.Port <= 0 {
		c.Port = d.Port
	}
	if c.LoopCount == 0 {
		c.LoopCount = d.LoopCount
	}
	if c.MaxTryTimes <= 0 {
		c.MaxTryTimes = d.MaxTryTimes
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = d.ResponseTimeout
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = d.WaitTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.Backoff == (BackoffConfig{}) {
		c.Backoff = d.Backoff
	}
	return c
}

func (c Config) Validate() error {
	if c.Port > 65535 {
		return fmt.Errorf("client: port out of range: %d", c.Port)
	}
	if c.MaxTryTimes <= 0 {
		return fmt.Errorf("client: max_try_times must be positive, got %d", c.MaxTryTimes)
	}
	return nil
}
