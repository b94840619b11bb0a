package input

import (
	"fmt"
	"log/slog"
)

// Sink is the virtual-input capability interface. Platform injectors
// (evdev, XTest, SendInput) implement it out of tree; the gateway only
// depends on this contract. Implementations must accept concurrent
// calls.
type Sink interface {
	Keyboard(vk uint16, modifiers uint8, pressed bool) error
	MouseMoveRel(dx, dy int16) error
	MouseMoveAbs(x, y uint16) error
	MouseButton(button uint8, pressed bool) error
	MouseScroll(amount int16, horizontal, highResolution bool) error
	Gamepad(serverSlot int, state GamepadState) error
	Close() error
}

// RumbleFunc receives force-feedback events from the backend for a
// server slot; the gateway reverses them to the owning peer
type RumbleFunc func(serverSlot int, lowFreq, highFreq, durationMS uint16)

// RumbleSource is implemented by sinks whose backend reports force
// feedback
type RumbleSource interface {
	OnRumble(fn RumbleFunc)
}

// NewSink constructs the backend selected by configuration. The gateway
// ships only the no-op backend; platform injectors register their own
// constructors.
func NewSink(backend string, logger *slog.Logger) (Sink, error) {
	switch backend {
	case "", "noop":
		return NewNoopSink(logger), nil
	default:
		if ctor, ok := sinkBackends[backend]; ok {
			return ctor(logger)
		}
		return nil, fmt.Errorf("unknown input backend: %s", backend)
	}
}

// sinkBackends holds externally registered platform backends
var sinkBackends = make(map[string]func(*slog.Logger) (Sink, error))

// RegisterBackend makes a platform sink selectable by config. Must be
// called before NewSink, typically from an init function.
func RegisterBackend(name string, ctor func(*slog.Logger) (Sink, error)) {
	sinkBackends[name] = ctor
}

// NoopSink discards all input, logging at debug level. Used when no
// platform injector is available and as the test default.
type NoopSink struct {
	logger *slog.Logger
}

// NewNoopSink creates a sink that drops everything
func NewNoopSink(logger *slog.Logger) *NoopSink {
	return &NoopSink{logger: logger}
}

func (s *NoopSink) Keyboard(vk uint16, modifiers uint8, pressed bool) error {
	s.logger.Debug("keyboard", "vk", vk, "modifiers", modifiers, "pressed", pressed)
	return nil
}

func (s *NoopSink) MouseMoveRel(dx, dy int16) error {
	s.logger.Debug("mouse move rel", "dx", dx, "dy", dy)
	return nil
}

func (s *NoopSink) MouseMoveAbs(x, y uint16) error {
	s.logger.Debug("mouse move abs", "x", x, "y", y)
	return nil
}

func (s *NoopSink) MouseButton(button uint8, pressed bool) error {
	s.logger.Debug("mouse button", "button", button, "pressed", pressed)
	return nil
}

func (s *NoopSink) MouseScroll(amount int16, horizontal, highResolution bool) error {
	s.logger.Debug("mouse scroll", "amount", amount, "horizontal", horizontal, "high_res", highResolution)
	return nil
}

func (s *NoopSink) Gamepad(serverSlot int, state GamepadState) error {
	s.logger.Debug("gamepad", "server_slot", serverSlot, "buttons", state.Buttons)
	return nil
}

func (s *NoopSink) Close() error {
	return nil
}
