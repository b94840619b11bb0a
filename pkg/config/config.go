package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all settings for the streaming gateway
type Config struct {
	WebRTC    WebRTCConfig
	Signaling SignalingConfig
	Session   SessionConfig
	Input     InputConfig
}

// WebRTCConfig holds transport settings for browser peers
type WebRTCConfig struct {
	Enabled      bool
	PortRangeMin uint16
	PortRangeMax uint16
	STUNServers  []string // host:port entries
	TURNServer   string
	TURNUsername string
	TURNPassword string
	MaxPlayers   int // 1..4
}

// SignalingConfig holds the connection to the external HTTPS signaling host
type SignalingConfig struct {
	URL string
}

// SessionConfig holds room admission defaults
type SessionConfig struct {
	SpectatorCapacity  int
	DefaultKeyboard    bool
	DefaultMouse       bool
}

// InputConfig selects the virtual-input backend
type InputConfig struct {
	Backend string // "noop" unless a platform injector is registered
}

// Default returns a Config with sane defaults applied
func Default() *Config {
	return &Config{
		WebRTC: WebRTCConfig{
			Enabled:    true,
			MaxPlayers: 4,
			STUNServers: []string{
				"stun.l.google.com:19302",
			},
		},
		Session: SessionConfig{
			SpectatorCapacity: 8,
		},
		Input: InputConfig{
			Backend: "noop",
		},
	}
}

// Load reads configuration from a key=value file on top of the defaults
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer file.Close()

	cfg := Default()
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse key=value
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if err := cfg.apply(key, value); err != nil {
			return nil, fmt.Errorf("config line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// apply sets a single key on the config
func (c *Config) apply(key, value string) error {
	switch key {
	case "webrtc_enabled":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("webrtc_enabled: %w", err)
		}
		c.WebRTC.Enabled = b
	case "webrtc_port_range_min":
		p, err := parsePort(value)
		if err != nil {
			return fmt.Errorf("webrtc_port_range_min: %w", err)
		}
		c.WebRTC.PortRangeMin = p
	case "webrtc_port_range_max":
		p, err := parsePort(value)
		if err != nil {
			return fmt.Errorf("webrtc_port_range_max: %w", err)
		}
		c.WebRTC.PortRangeMax = p
	case "webrtc_stun_server":
		c.WebRTC.STUNServers = splitList(value)
	case "webrtc_turn_server":
		c.WebRTC.TURNServer = value
	case "webrtc_turn_username":
		c.WebRTC.TURNUsername = value
	case "webrtc_turn_password":
		c.WebRTC.TURNPassword = value
	case "webrtc_max_players":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("webrtc_max_players: %w", err)
		}
		c.WebRTC.MaxPlayers = n
	case "signaling_url":
		c.Signaling.URL = value
	case "spectator_capacity":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("spectator_capacity: %w", err)
		}
		c.Session.SpectatorCapacity = n
	case "default_keyboard":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("default_keyboard: %w", err)
		}
		c.Session.DefaultKeyboard = b
	case "default_mouse":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("default_mouse: %w", err)
		}
		c.Session.DefaultMouse = b
	case "input_backend":
		c.Input.Backend = value
	}
	// Unknown keys are ignored so config files can be shared with the encoder
	return nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.WebRTC.MaxPlayers < 1 || c.WebRTC.MaxPlayers > 4 {
		return fmt.Errorf("webrtc_max_players must be 1..4, got %d", c.WebRTC.MaxPlayers)
	}
	if c.WebRTC.PortRangeMin != 0 || c.WebRTC.PortRangeMax != 0 {
		if c.WebRTC.PortRangeMin == 0 || c.WebRTC.PortRangeMax == 0 {
			return fmt.Errorf("webrtc_port_range_min and webrtc_port_range_max must be set together")
		}
		if c.WebRTC.PortRangeMin > c.WebRTC.PortRangeMax {
			return fmt.Errorf("webrtc_port_range_min %d exceeds webrtc_port_range_max %d",
				c.WebRTC.PortRangeMin, c.WebRTC.PortRangeMax)
		}
	}
	if c.WebRTC.TURNServer != "" && c.WebRTC.TURNUsername == "" {
		return fmt.Errorf("webrtc_turn_server requires webrtc_turn_username")
	}
	if c.Session.SpectatorCapacity < 0 {
		return fmt.Errorf("spectator_capacity must be non-negative, got %d", c.Session.SpectatorCapacity)
	}
	return nil
}

func parsePort(value string) (uint16, error) {
	n, err := strconv.ParseUint(value, 10, 16)
	if err != nil {
		return 0, err
	}
	return uint16(n), nil
}

func splitList(value string) []string {
	var out []string
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}
