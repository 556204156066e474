package config

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hwgprojects/schlopping/internal/rendezvous"
	"github.com/hwgprojects/schlopping/internal/session"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schlopping.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultRoom, cfg.Room)
	assert.Equal(t, rendezvous.DefaultEndpoints, cfg.Signaling)
	assert.Equal(t, session.DefaultConfig(), cfg.Session)
}

func stubOutboundIP(t *testing.T, ip net.IP, err error) {
	t.Helper()
	orig := outboundIP
	outboundIP = func() (net.IP, error) { return ip, err }
	t.Cleanup(func() { outboundIP = orig })
}

func TestSessionConfig_AdvertisesRoutableHost(t *testing.T) {
	stubOutboundIP(t, net.ParseIP("10.1.2.3"), nil)

	tests := []struct {
		name   string
		listen string
		adv    string
		want   string
	}{
		{"default listen has no host", ":8080", "", "ws://10.1.2.3:8080/peer"},
		{"unspecified ipv4", "0.0.0.0:9000", "", "ws://10.1.2.3:9000/peer"},
		{"unspecified ipv6", "[::]:9000", "", "ws://10.1.2.3:9000/peer"},
		{"explicit host", "192.168.1.7:9000", "", "ws://192.168.1.7:9000/peer"},
		{"named host", "laptop.local:9000", "", "ws://laptop.local:9000/peer"},
		{"advertise wins", ":8080", "shop.example:443", "ws://shop.example:443/peer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.ListenAddr = tt.listen
			cfg.AdvertiseAddr = tt.adv
			s, err := cfg.SessionConfig()
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.AdvertiseURL)
		})
	}
}

func TestSessionConfig_NoRoute(t *testing.T) {
	stubOutboundIP(t, nil, errors.New("network is unreachable"))

	_, err := Default().SessionConfig()
	assert.ErrorContains(t, err, "advertise_addr")
}

func TestLoad_Overrides(t *testing.T) {
	path := writeConfig(t, `
room = "  ski-trip "
listen_addr = "0.0.0.0:9000"
advertise_addr = "10.0.0.5:9000"
signaling = ["ws://localhost:8081/ws", " ", "mdns:"]
profile_path = "/tmp/me.db"

[session]
heartbeat_interval = "2s"
presence_timeout = "10s"
outbound_queue = 16
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ski-trip", cfg.Room)
	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr)
	assert.Equal(t, []string{"ws://localhost:8081/ws", "mdns:"}, cfg.Signaling)
	assert.Equal(t, "/tmp/me.db", cfg.ProfilePath)
	assert.Equal(t, DefaultUIDir, cfg.UIDir)

	s, err := cfg.SessionConfig()
	require.NoError(t, err)
	assert.Equal(t, "ws://10.0.0.5:9000/peer", s.AdvertiseURL)
	assert.Equal(t, 2*time.Second, s.HeartbeatInterval)
	assert.Equal(t, 10*time.Second, s.PresenceTimeout)
	assert.Equal(t, 16, s.OutboundQueue)
	assert.Equal(t, session.DefaultConfig().BackoffMax, s.BackoffMax)
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad duration", "[session]\nheartbeat_interval = \"abc\"\n"},
		{"unknown key", "rooom = \"typo\"\n"},
		{"no endpoints", "signaling = []\n"},
		{"heartbeat too slow", "[session]\nheartbeat_interval = \"20s\"\npresence_timeout = \"30s\"\n"},
		{"advertise without port", "advertise_addr = \"10.0.0.5\"\n"},
		{"advertise without host", "advertise_addr = \":9000\"\n"},
		{"advertise unspecified host", "advertise_addr = \"0.0.0.0:9000\"\n"},
		{"not toml", "room = \n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
