// Package config holds all application configuration.
package config

import (
	"os"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// SignalingURL is the websocket endpoint signaling envelopes travel over.
	SignalingURL string
	// SessionServiceURL is the base URL of the external session service used
	// to create and join call sessions.
	SessionServiceURL string
	// AuthToken is the bearer token presented to the session service. The
	// token itself comes from an external auth collaborator; this process
	// only carries it.
	AuthToken string
	// ICEServers are STUN URLs handed to the peer connection.
	ICEServers []string
	// AutoNegotiate switches the initiator from explicit InitiateCall to
	// offering automatically when negotiation is needed.
	AutoNegotiate bool
	// HistoryDSN, when set, enables the Postgres call-history store.
	HistoryDSN string

	Media MediaConfig
	STUN  STUNConfig
}

// MediaConfig bounds local capture and encoding.
type MediaConfig struct {
	VideoWidth       int
	VideoHeight      int
	FrameRate        float32
	VideoBitRate     int
	KeyFrameInterval int

	AudioBitRate int
	SampleRate   int
	ChannelCount int
	AudioLatency time.Duration
}

// STUNConfig configures the optional embedded STUN server.
type STUNConfig struct {
	Enabled  bool
	Port     int
	PublicIP string
	// ThreadNum is the number of UDP listeners sharing the port via
	// SO_REUSEPORT.
	ThreadNum int
}

// NewDefaultConfig returns a Config with default values.
func NewDefaultConfig() *Config {
	return &Config{
		SignalingURL:      "ws://localhost:7000/ws",
		SessionServiceURL: "http://localhost:8080",
		ICEServers: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		},
		Media: MediaConfig{
			VideoWidth:       640,
			VideoHeight:      480,
			FrameRate:        30,
			VideoBitRate:     500_000,
			KeyFrameInterval: 15,
			AudioBitRate:     32_000,
			SampleRate:       48000,
			ChannelCount:     1,
			AudioLatency:     20 * time.Millisecond,
		},
		STUN: STUNConfig{
			Enabled:   false,
			Port:      3478,
			ThreadNum: 2,
		},
	}
}

// ApplyEnv overlays environment-supplied values onto the config.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("PEERCALL_TOKEN"); v != "" {
		c.AuthToken = v
	}
	if v := os.Getenv("PEERCALL_HISTORY_DSN"); v != "" {
		c.HistoryDSN = v
	}
	if v := os.Getenv("PEERCALL_SIGNALING_URL"); v != "" {
		c.SignalingURL = v
	}
	if v := os.Getenv("PEERCALL_SESSION_URL"); v != "" {
		c.SessionServiceURL = v
	}
}
