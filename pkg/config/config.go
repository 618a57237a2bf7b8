// Package config holds the host-facing configuration, loadable from a yaml
// file or built in code.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lockstep-net/lockstep/pkg/message/channel"
)

// Config is the full runtime configuration shared by server and client.
type Config struct {
	// RTCEndpointPath is the path the HTTP session endpoint answers on.
	RTCEndpointPath string `yaml:"rtc_endpoint_path"`

	DisconnectTimeout       time.Duration `yaml:"disconnect_timeout"`
	HeartbeatInterval       time.Duration `yaml:"heartbeat_interval"`
	HandshakeResendInterval time.Duration `yaml:"handshake_resend_interval"`
	PingInterval            time.Duration `yaml:"ping_interval"`
	MTU                     int           `yaml:"mtu"`

	// LinkCondition describes a simulated impairment. Test-only. It is only
	// loaded here; server.New and client.New do not apply it.
	LinkCondition *LinkCondition `yaml:"link_condition,omitempty"`

	Channels []Channel `yaml:"channels"`
}

// LinkCondition mirrors transport.LinkCondition in yaml form.
type LinkCondition struct {
	Latency  time.Duration `yaml:"latency"`
	Jitter   time.Duration `yaml:"jitter"`
	LossRate float64       `yaml:"loss_pct"`
}

// Channel configures one channel of the application's channel set.
type Channel struct {
	ID      uint8  `yaml:"id"`
	Mode    string `yaml:"mode"`
	Request bool   `yaml:"request,omitempty"`
}

// Default returns the standard configuration with no channels.
func Default() Config {
	return Config{
		RTCEndpointPath:         "rtc_session",
		DisconnectTimeout:       10 * time.Second,
		HeartbeatInterval:       3 * time.Second,
		HandshakeResendInterval: 250 * time.Millisecond,
		PingInterval:            time.Second,
		MTU:                     1200,
	}
}

// Load reads a yaml file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

var modeNames = map[string]channel.Mode{
	"unordered_unreliable": channel.UnorderedUnreliable,
	"ordered_unreliable":   channel.OrderedUnreliable,
	"unordered_reliable":   channel.UnorderedReliable,
	"ordered_reliable":     channel.OrderedReliable,
}

// ChannelSet translates the yaml channel list into channel configs.
func (c Config) ChannelSet() ([]channel.Config, error) {
	out := make([]channel.Config, 0, len(c.Channels))
	for _, ch := range c.Channels {
		mode, ok := modeNames[ch.Mode]
		if !ok {
			return nil, fmt.Errorf("config: channel %d: unknown mode %q", ch.ID, ch.Mode)
		}
		cfg := channel.Config{ID: channel.ID(ch.ID), Mode: mode, Request: ch.Request}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		out = append(out, cfg)
	}
	return out, nil
}
