// Package config loads the node's durable settings (listen address, static
// overlay peer addresses) from a YAML file in the state directory, and the
// protocol tunables from environment variables with compiled-in defaults.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

const (
	settingsFileName = "settings.yaml"
	settingsFilePerm = 0o600
)

// Settings is the durable, on-disk portion of node configuration.
type Settings struct {
	ListenAddr string   `yaml:"listenAddr"`
	PeerAddrs  []string `yaml:"peerAddrs,omitempty"`
}

// Load reads settings.yaml from stateDir, returning an empty Settings if
// the file does not yet exist.
func Load(stateDir string) (*Settings, error) {
	path := filepath.Join(stateDir, settingsFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Settings{}, nil
		}
		return nil, fmt.Errorf("read settings: %w", err)
	}

	s := &Settings{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return s, nil
	}
	if err := yaml.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	return s, nil
}

// Save atomically writes settings to stateDir/settings.yaml.
func Save(stateDir string, s *Settings) error {
	encoded, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	path := filepath.Join(stateDir, settingsFileName)
	if err := renameio.WriteFile(path, encoded, settingsFilePerm); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

// Tunables are the protocol-level knobs governing gossip timing, relay
// limits, and chat rate limiting. They are read from the environment on
// every process start rather than persisted, since they are per-process
// overrides, not durable state.
type Tunables struct {
	HeartbeatInterval time.Duration
	LivenessTTL       time.Duration
	MaxRelayHops      uint8
	MaxMessageSize    int
	MaxPeers          int
	PowDifficulty     int
	ChatRateWindow    time.Duration
	ChatRateMax       int
	RotationInterval  time.Duration
	ShutdownGrace     time.Duration
	EnableChat        bool
}

// DefaultTunables returns the compiled-in defaults.
func DefaultTunables() Tunables {
	return Tunables{
		HeartbeatInterval: 500 * time.Millisecond,
		LivenessTTL:       2500 * time.Millisecond,
		MaxRelayHops:      3,
		MaxMessageSize:    4096,
		MaxPeers:          512,
		PowDifficulty:     10,
		ChatRateWindow:    10 * time.Second,
		ChatRateMax:       5,
		RotationInterval:  60 * time.Second,
		ShutdownGrace:     500 * time.Millisecond,
		EnableChat:        true,
	}
}

// TunablesFromEnv starts from DefaultTunables and overrides any field whose
// corresponding BEACON_* environment variable is set.
func TunablesFromEnv() (Tunables, error) {
	t := DefaultTunables()

	if err := durationFromEnv("BEACON_HEARTBEAT_INTERVAL_MS", &t.HeartbeatInterval); err != nil {
		return t, err
	}
	if err := durationFromEnv("BEACON_LIVENESS_TTL_MS", &t.LivenessTTL); err != nil {
		return t, err
	}
	if err := uint8FromEnv("BEACON_MAX_RELAY_HOPS", &t.MaxRelayHops); err != nil {
		return t, err
	}
	if err := intFromEnv("BEACON_MAX_MESSAGE_SIZE", &t.MaxMessageSize); err != nil {
		return t, err
	}
	if err := intFromEnv("BEACON_MAX_PEERS", &t.MaxPeers); err != nil {
		return t, err
	}
	if err := intFromEnv("BEACON_POW_DIFFICULTY", &t.PowDifficulty); err != nil {
		return t, err
	}
	if err := durationFromEnv("BEACON_CHAT_RATE_WINDOW_MS", &t.ChatRateWindow); err != nil {
		return t, err
	}
	if err := intFromEnv("BEACON_CHAT_RATE_MAX", &t.ChatRateMax); err != nil {
		return t, err
	}
	if err := durationFromEnv("BEACON_ROTATION_INTERVAL_MS", &t.RotationInterval); err != nil {
		return t, err
	}
	if raw := os.Getenv("BEACON_ENABLE_CHAT"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return t, fmt.Errorf("parse BEACON_ENABLE_CHAT: %w", err)
		}
		t.EnableChat = v
	}

	return t, nil
}

func durationFromEnv(key string, dst *time.Duration) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	ms, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = time.Duration(ms) * time.Millisecond
	return nil
}

func intFromEnv(key string, dst *int) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = v
	return nil
}

func uint8FromEnv(key string, dst *uint8) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseUint(raw, 10, 8)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = uint8(v)
	return nil
}
