package session

import (
	"fmt"
	"time"

	"github.com/hwgprojects/schlopping/internal/awareness"
)

// Config tunes a Manager. Zero fields take the DefaultConfig value.
type Config struct {
	// AdvertiseURL is the websocket URL other peers dial to reach this
	// peer's channel endpoint. Without it only peers with a higher id than
	// ours can be reached, by dialing them.
	AdvertiseURL string

	// EndpointTimeout bounds each rendezvous endpoint attempt.
	EndpointTimeout time.Duration
	// HandshakeTimeout bounds dialing a peer and receiving its hello.
	HandshakeTimeout time.Duration
	// HeartbeatInterval paces presence heartbeats, sweeps and
	// re-announcements.
	HeartbeatInterval time.Duration
	// PresenceTimeout is how long a silent peer stays present.
	PresenceTimeout time.Duration
	// OutboundQueue is the per-channel send buffer; a channel whose buffer
	// fills is dropped.
	OutboundQueue int
	// BackoffInitial and BackoffMax bound the rendezvous retry delay.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

func DefaultConfig() Config {
	return Config{
		EndpointTimeout:   5 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		HeartbeatInterval: awareness.DefaultHeartbeat,
		PresenceTimeout:   awareness.DefaultTimeout,
		OutboundQueue:     256,
		BackoffInitial:    500 * time.Millisecond,
		BackoffMax:        30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.EndpointTimeout <= 0 {
		c.EndpointTimeout = def.EndpointTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.PresenceTimeout <= 0 {
		c.PresenceTimeout = def.PresenceTimeout
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = def.OutboundQueue
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = def.BackoffInitial
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = def.BackoffMax
	}
	return c
}

// Validate rejects settings that break presence expiry.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.HeartbeatInterval*3 > c.PresenceTimeout {
		return fmt.Errorf("heartbeat interval %s must be at most a third of presence timeout %s", c.HeartbeatInterval, c.PresenceTimeout)
	}
	if c.BackoffMax < c.BackoffInitial {
		return fmt.Errorf("backoff max %s is below backoff initial %s", c.BackoffMax, c.BackoffInitial)
	}
	return nil
}
