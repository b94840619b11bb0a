package logger

import (
	"flag"
	"fmt"
	"strings"
)

// Flags holds all logging-related command-line flags
type Flags struct {
	LogLevel    string
	LogFormat   string
	LogFile     string
	DebugRTP    bool
	DebugNAL    bool
	DebugInput  bool
	DebugRoom   bool
	DebugWebRTC bool
	DebugSignal bool
	DebugAll    bool
}

// RegisterFlags registers logging flags with the given FlagSet
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}

	fs.StringVar(&f.LogLevel, "log-level", "info",
		"Log level: debug, info, warn, error")
	fs.StringVar(&f.LogLevel, "l", "info",
		"Log level (shorthand)")

	fs.StringVar(&f.LogFormat, "log-format", "text",
		"Log output format: text, json")

	fs.StringVar(&f.LogFile, "log-file", "",
		"Log output file path (default: stdout)")
	fs.StringVar(&f.LogFile, "o", "",
		"Log output file path (shorthand)")

	// Debug category flags
	fs.BoolVar(&f.DebugRTP, "debug-rtp", false,
		"Enable detailed RTP packet debugging (sequence, timestamp, payload)")
	fs.BoolVar(&f.DebugNAL, "debug-nal", false,
		"Enable detailed NAL/OBU unit debugging (type, size, fragmentation)")
	fs.BoolVar(&f.DebugInput, "debug-input", false,
		"Enable input frame debugging (gamepad, keyboard, mouse routing)")
	fs.BoolVar(&f.DebugRoom, "debug-room", false,
		"Enable room/session debugging (admission, slots, gamepad claims)")
	fs.BoolVar(&f.DebugWebRTC, "debug-webrtc", false,
		"Enable WebRTC debugging (ICE, SDP, connection state)")
	fs.BoolVar(&f.DebugSignal, "debug-signal", false,
		"Enable signaling adapter debugging (envelopes, demux)")
	fs.BoolVar(&f.DebugAll, "debug-all", false,
		"Enable all debug categories")

	return f
}

// ToConfig converts Flags to a logger Config
func (f *Flags) ToConfig() (*Config, error) {
	cfg := NewConfig()

	// Parse log level
	level, err := ParseLevel(f.LogLevel)
	if err != nil {
		return nil, err
	}
	cfg.Level = level

	// Parse format
	format, err := ParseFormat(f.LogFormat)
	if err != nil {
		return nil, err
	}
	cfg.Format = format

	// Set output file
	cfg.OutputFile = f.LogFile

	// Enable debug categories
	if f.DebugAll {
		cfg.EnableCategory(DebugAll)
		// Force debug level when any debug category is enabled
		cfg.Level = LevelDebug
	} else {
		if f.DebugRTP {
			cfg.EnableCategory(DebugRTP)
			cfg.Level = LevelDebug
		}
		if f.DebugNAL {
			cfg.EnableCategory(DebugNAL)
			cfg.Level = LevelDebug
		}
		if f.DebugInput {
			cfg.EnableCategory(DebugInput)
			cfg.Level = LevelDebug
		}
		if f.DebugRoom {
			cfg.EnableCategory(DebugRoom)
			cfg.Level = LevelDebug
		}
		if f.DebugWebRTC {
			cfg.EnableCategory(DebugWebRTC)
			cfg.Level = LevelDebug
		}
		if f.DebugSignal {
			cfg.EnableCategory(DebugSignal)
			cfg.Level = LevelDebug
		}
	}

	return cfg, nil
}

// String returns a string representation of enabled flags
func (f *Flags) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("level=%s", f.LogLevel))
	parts = append(parts, fmt.Sprintf("format=%s", f.LogFormat))

	if f.LogFile != "" {
		parts = append(parts, fmt.Sprintf("output=%s", f.LogFile))
	} else {
		parts = append(parts, "output=stdout")
	}

	var debugCategories []string
	if f.DebugAll {
		debugCategories = append(debugCategories, "all")
	} else {
		if f.DebugRTP {
			debugCategories = append(debugCategories, "rtp")
		}
		if f.DebugNAL {
			debugCategories = append(debugCategories, "nal")
		}
		if f.DebugInput {
			debugCategories = append(debugCategories, "input")
		}
		if f.DebugRoom {
			debugCategories = append(debugCategories, "room")
		}
		if f.DebugWebRTC {
			debugCategories = append(debugCategories, "webrtc")
		}
		if f.DebugSignal {
			debugCategories = append(debugCategories, "signal")
		}
	}

	if len(debugCategories) > 0 {
		parts = append(parts, fmt.Sprintf("debug=[%s]", strings.Join(debugCategories, ",")))
	}

	return strings.Join(parts, " ")
}
