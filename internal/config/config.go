// Package config loads the agent's TOML configuration.
package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/hwgprojects/schlopping/internal/rendezvous"
	"github.com/hwgprojects/schlopping/internal/session"
)

const (
	DefaultRoom        = "camping-weekend"
	DefaultListenAddr  = ":8080"
	DefaultProfilePath = "schlopping.db"
	DefaultUIDir       = "ui"

	// PeerPath is where the agent accepts channels from other peers.
	PeerPath = "/peer"
)

type Config struct {
	Room       string
	ListenAddr string
	// AdvertiseAddr is the host:port other peers use to reach ListenAddr.
	// Signaling peers cannot dial an address without a host.
	AdvertiseAddr string
	Signaling     []string
	ProfilePath   string
	UIDir         string
	Session       session.Config
}

func Default() Config {
	return Config{
		Room:        DefaultRoom,
		ListenAddr:  DefaultListenAddr,
		Signaling:   append([]string(nil), rendezvous.DefaultEndpoints...),
		ProfilePath: DefaultProfilePath,
		UIDir:       DefaultUIDir,
		Session:     session.DefaultConfig(),
	}
}

type fileConfig struct {
	Room          string      `toml:"room"`
	ListenAddr    string      `toml:"listen_addr"`
	AdvertiseAddr string      `toml:"advertise_addr"`
	Signaling     []string    `toml:"signaling"`
	ProfilePath   string      `toml:"profile_path"`
	UIDir         string      `toml:"ui_dir"`
	Session       fileSession `toml:"session"`
}

type fileSession struct {
	EndpointTimeout   string `toml:"endpoint_timeout"`
	HandshakeTimeout  string `toml:"handshake_timeout"`
	HeartbeatInterval string `toml:"heartbeat_interval"`
	PresenceTimeout   string `toml:"presence_timeout"`
	OutboundQueue     int    `toml:"outbound_queue"`
	BackoffInitial    string `toml:"backoff_initial"`
	BackoffMax        string `toml:"backoff_max"`
}

// Load reads path over Default. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("room") {
		if room := strings.TrimSpace(raw.Room); room != "" {
			cfg.Room = room
		}
	}
	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("advertise_addr") {
		cfg.AdvertiseAddr = strings.TrimSpace(raw.AdvertiseAddr)
	}
	if meta.IsDefined("signaling") {
		cfg.Signaling = normalizeEndpoints(raw.Signaling)
	}
	if meta.IsDefined("profile_path") {
		cfg.ProfilePath = strings.TrimSpace(raw.ProfilePath)
	}
	if meta.IsDefined("ui_dir") {
		cfg.UIDir = strings.TrimSpace(raw.UIDir)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"endpoint_timeout", raw.Session.EndpointTimeout, &cfg.Session.EndpointTimeout},
		{"handshake_timeout", raw.Session.HandshakeTimeout, &cfg.Session.HandshakeTimeout},
		{"heartbeat_interval", raw.Session.HeartbeatInterval, &cfg.Session.HeartbeatInterval},
		{"presence_timeout", raw.Session.PresenceTimeout, &cfg.Session.PresenceTimeout},
		{"backoff_initial", raw.Session.BackoffInitial, &cfg.Session.BackoffInitial},
		{"backoff_max", raw.Session.BackoffMax, &cfg.Session.BackoffMax},
	}
	for _, d := range durations {
		if !meta.IsDefined("session", d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse session.%s: %w", d.key, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("session", "outbound_queue") {
		cfg.Session.OutboundQueue = raw.Session.OutboundQueue
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Room == "" {
		return fmt.Errorf("room is required")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if len(c.Signaling) == 0 {
		return fmt.Errorf("at least one signaling endpoint is required")
	}
	if c.ProfilePath == "" {
		return fmt.Errorf("profile_path is required")
	}
	if c.AdvertiseAddr != "" {
		host, _, err := net.SplitHostPort(c.AdvertiseAddr)
		if err != nil {
			return fmt.Errorf("advertise_addr: %w", err)
		}
		if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
			return fmt.Errorf("advertise_addr %q needs a host other peers can reach", c.AdvertiseAddr)
		}
	}
	return c.Session.Validate()
}

// outboundIP returns the address of the interface used for outbound
// traffic. Dialing UDP picks the route without sending a packet.
var outboundIP = func() (net.IP, error) {
	conn, err := net.Dial("udp", "192.0.2.1:9")
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}

// SessionConfig returns the session settings with the peer endpoint URL
// filled in. Without advertise_addr the listen address is announced, with
// an empty or unspecified host replaced by the outbound interface address.
func (c Config) SessionConfig() (session.Config, error) {
	s := c.Session
	addr, err := c.advertiseAddr()
	if err != nil {
		return session.Config{}, err
	}
	s.AdvertiseURL = "ws://" + addr + PeerPath
	return s, nil
}

func (c Config) advertiseAddr() (string, error) {
	if c.AdvertiseAddr != "" {
		return c.AdvertiseAddr, nil
	}
	host, port, err := net.SplitHostPort(c.ListenAddr)
	if err != nil {
		return "", fmt.Errorf("listen_addr: %w", err)
	}
	if ip := net.ParseIP(host); host != "" && (ip == nil || !ip.IsUnspecified()) {
		return c.ListenAddr, nil
	}
	ip, err := outboundIP()
	if err != nil {
		return "", fmt.Errorf("no routable address to advertise, set advertise_addr: %w", err)
	}
	return net.JoinHostPort(ip.String(), port), nil
}

func normalizeEndpoints(in []string) []string {
	out := make([]string, 0, len(in))
	for _, e := range in {
		if v := strings.TrimSpace(e); v != "" {
			out = append(out, v)
		}
	}
	return out
}
