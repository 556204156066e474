package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestState_Status(t *testing.T) {
	assert.Equal(t, StatusDisconnected, Disconnected.Status())
	assert.Equal(t, StatusConnecting, Connecting.Status())
	assert.Equal(t, StatusConnected, Connected.Status())
	assert.Equal(t, StatusConnecting, Reconnecting.Status())
	assert.Equal(t, "reconnecting", Reconnecting.String())
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.NoError(t, DefaultConfig().Validate())

	err := Config{HeartbeatInterval: 20 * time.Second, PresenceTimeout: 30 * time.Second}.Validate()
	assert.ErrorContains(t, err, "third of presence timeout")

	err = Config{BackoffInitial: time.Minute, BackoffMax: time.Second}.Validate()
	assert.Error(t, err)

	c := Config{OutboundQueue: 8}.withDefaults()
	assert.Equal(t, 8, c.OutboundQueue)
	assert.Equal(t, DefaultConfig().PresenceTimeout, c.PresenceTimeout)
}
