package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lockstep-net/lockstep/pkg/message/channel"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.Equal(t, 10*time.Second, cfg.DisconnectTimeout)
	require.Equal(t, 3*time.Second, cfg.HeartbeatInterval)
	require.Equal(t, 250*time.Millisecond, cfg.HandshakeResendInterval)
	require.Equal(t, 1200, cfg.MTU)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lockstep.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rtc_endpoint_path: session
disconnect_timeout: 5s
link_condition:
  latency: 40ms
  loss_pct: 0.1
channels:
  - id: 0
    mode: unordered_unreliable
  - id: 1
    mode: ordered_reliable
    request: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "session", cfg.RTCEndpointPath)
	require.Equal(t, 5*time.Second, cfg.DisconnectTimeout)
	require.Equal(t, 3*time.Second, cfg.HeartbeatInterval) // untouched default
	require.NotNil(t, cfg.LinkCondition)
	require.Equal(t, 40*time.Millisecond, cfg.LinkCondition.Latency)

	set, err := cfg.ChannelSet()
	require.NoError(t, err)
	require.Len(t, set, 2)
	require.Equal(t, channel.OrderedReliable, set[1].Mode)
	require.True(t, set[1].Request)
}

func TestChannelSetRejectsBadMode(t *testing.T) {
	cfg := Default()
	cfg.Channels = []Channel{{ID: 0, Mode: "mostly_reliable"}}
	_, err := cfg.ChannelSet()
	require.Error(t, err)
}

func TestChannelSetRejectsUnreliableRequest(t *testing.T) {
	cfg := Default()
	cfg.Channels = []Channel{{ID: 0, Mode: "ordered_unreliable", Request: true}}
	_, err := cfg.ChannelSet()
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	require.Error(t, err)
}
