package input

import (
	"encoding/binary"
	"fmt"
)

// Type is the first byte of every input frame on the reliable channel
type Type uint8

const (
	TypeGamepadState  Type = 0x01
	TypeGamepadRumble Type = 0x02
	TypeKeyboardKey   Type = 0x10
	TypeMouseMove     Type = 0x20
	TypeMouseButton   Type = 0x21
	TypeMouseScroll   Type = 0x22
	TypeTouch         Type = 0x30
)

// String returns the frame type name
func (t Type) String() string {
	switch t {
	case TypeGamepadState:
		return "gamepad_state"
	case TypeGamepadRumble:
		return "gamepad_rumble"
	case TypeKeyboardKey:
		return "keyboard_key"
	case TypeMouseMove:
		return "mouse_move"
	case TypeMouseButton:
		return "mouse_button"
	case TypeMouseScroll:
		return "mouse_scroll"
	case TypeTouch:
		return "touch"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(t))
	}
}

// Gamepad button bits (Moonlight/Sunshine mapping)
const (
	ButtonDPadUp    = 0x0001
	ButtonDPadDown  = 0x0002
	ButtonDPadLeft  = 0x0004
	ButtonDPadRight = 0x0008
	ButtonStart     = 0x0010
	ButtonBack      = 0x0020
	ButtonLStick    = 0x0040
	ButtonRStick    = 0x0080
	ButtonLShoulder = 0x0100
	ButtonRShoulder = 0x0200
	ButtonHome      = 0x0400
	ButtonA         = 0x1000
	ButtonB         = 0x2000
	ButtonX         = 0x4000
	ButtonY         = 0x8000
)

var (
	ErrFrameTooShort = fmt.Errorf("input frame too short")
	ErrUnknownType   = fmt.Errorf("unknown input frame type")
)

// Event is one decoded input frame
type Event interface {
	EventType() Type
}

// GamepadState carries the full state of one browser gamepad. Sticks are
// signed 16-bit symmetric, triggers 8-bit unsigned.
type GamepadState struct {
	GamepadID    uint8
	Buttons      uint16
	LeftTrigger  uint8
	RightTrigger uint8
	LX, LY       int16
	RX, RY       int16
}

// EventType implements Event
func (GamepadState) EventType() Type { return TypeGamepadState }

// GamepadRumble is sent server to peer only
type GamepadRumble struct {
	GamepadID  uint8
	LowFreq    uint16
	HighFreq   uint16
	DurationMS uint16
}

// EventType implements Event
func (GamepadRumble) EventType() Type { return TypeGamepadRumble }

// KeyboardKey is one key press or release
type KeyboardKey struct {
	VK        uint16
	Modifiers uint8
	Pressed   bool
}

// EventType implements Event
func (KeyboardKey) EventType() Type { return TypeKeyboardKey }

// MouseMove is a relative or absolute pointer move. Absolute coordinates
// are normalized to 0..65535 across the capture surface.
type MouseMove struct {
	DX, DY     int16
	AbsX, AbsY uint16
	IsAbsolute bool
}

// EventType implements Event
func (MouseMove) EventType() Type { return TypeMouseMove }

// MouseButton is one button press or release; buttons are numbered 1..5
type MouseButton struct {
	Button  uint8
	Pressed bool
}

// EventType implements Event
func (MouseButton) EventType() Type { return TypeMouseButton }

// MouseScroll is a wheel movement. Deltas are 1/120 notches unless
// HighResolution is set, in which case they are device units.
type MouseScroll struct {
	DX, DY         int16
	HighResolution bool
}

// EventType implements Event
func (MouseScroll) EventType() Type { return TypeMouseScroll }

// Touch is declared on the wire but has no payload layout yet; frames are
// parsed and ignored
type Touch struct{}

// EventType implements Event
func (Touch) EventType() Type { return TypeTouch }

// Decode parses one input frame. All multi-byte fields are
// little-endian.
func Decode(data []byte) (Event, error) {
	if len(data) < 1 {
		return nil, ErrFrameTooShort
	}
	payload := data[1:]

	switch Type(data[0]) {
	case TypeGamepadState:
		if len(payload) < 13 {
			return nil, ErrFrameTooShort
		}
		return GamepadState{
			GamepadID:    payload[0],
			Buttons:      binary.LittleEndian.Uint16(payload[1:3]),
			LeftTrigger:  payload[3],
			RightTrigger: payload[4],
			LX:           int16(binary.LittleEndian.Uint16(payload[5:7])),
			LY:           int16(binary.LittleEndian.Uint16(payload[7:9])),
			RX:           int16(binary.LittleEndian.Uint16(payload[9:11])),
			RY:           int16(binary.LittleEndian.Uint16(payload[11:13])),
		}, nil

	case TypeGamepadRumble:
		if len(payload) < 7 {
			return nil, ErrFrameTooShort
		}
		return GamepadRumble{
			GamepadID:  payload[0],
			LowFreq:    binary.LittleEndian.Uint16(payload[1:3]),
			HighFreq:   binary.LittleEndian.Uint16(payload[3:5]),
			DurationMS: binary.LittleEndian.Uint16(payload[5:7]),
		}, nil

	case TypeKeyboardKey:
		if len(payload) < 4 {
			return nil, ErrFrameTooShort
		}
		return KeyboardKey{
			VK:        binary.LittleEndian.Uint16(payload[0:2]),
			Modifiers: payload[2],
			Pressed:   payload[3] != 0,
		}, nil

	case TypeMouseMove:
		if len(payload) < 9 {
			return nil, ErrFrameTooShort
		}
		return MouseMove{
			DX:         int16(binary.LittleEndian.Uint16(payload[0:2])),
			DY:         int16(binary.LittleEndian.Uint16(payload[2:4])),
			AbsX:       binary.LittleEndian.Uint16(payload[4:6]),
			AbsY:       binary.LittleEndian.Uint16(payload[6:8]),
			IsAbsolute: payload[8] != 0,
		}, nil

	case TypeMouseButton:
		if len(payload) < 2 {
			return nil, ErrFrameTooShort
		}
		return MouseButton{
			Button:  payload[0],
			Pressed: payload[1] != 0,
		}, nil

	case TypeMouseScroll:
		if len(payload) < 5 {
			return nil, ErrFrameTooShort
		}
		return MouseScroll{
			DX:             int16(binary.LittleEndian.Uint16(payload[0:2])),
			DY:             int16(binary.LittleEndian.Uint16(payload[2:4])),
			HighResolution: payload[4] != 0,
		}, nil

	case TypeTouch:
		return Touch{}, nil

	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownType, data[0])
	}
}

// Encode serializes an event into its wire frame
func Encode(e Event) []byte {
	switch v := e.(type) {
	case GamepadState:
		buf := make([]byte, 14)
		buf[0] = byte(TypeGamepadState)
		buf[1] = v.GamepadID
		binary.LittleEndian.PutUint16(buf[2:4], v.Buttons)
		buf[4] = v.LeftTrigger
		buf[5] = v.RightTrigger
		binary.LittleEndian.PutUint16(buf[6:8], uint16(v.LX))
		binary.LittleEndian.PutUint16(buf[8:10], uint16(v.LY))
		binary.LittleEndian.PutUint16(buf[10:12], uint16(v.RX))
		binary.LittleEndian.PutUint16(buf[12:14], uint16(v.RY))
		return buf

	case GamepadRumble:
		buf := make([]byte, 8)
		buf[0] = byte(TypeGamepadRumble)
		buf[1] = v.GamepadID
		binary.LittleEndian.PutUint16(buf[2:4], v.LowFreq)
		binary.LittleEndian.PutUint16(buf[4:6], v.HighFreq)
		binary.LittleEndian.PutUint16(buf[6:8], v.DurationMS)
		return buf

	case KeyboardKey:
		buf := make([]byte, 5)
		buf[0] = byte(TypeKeyboardKey)
		binary.LittleEndian.PutUint16(buf[1:3], v.VK)
		buf[3] = v.Modifiers
		if v.Pressed {
			buf[4] = 1
		}
		return buf

	case MouseMove:
		buf := make([]byte, 10)
		buf[0] = byte(TypeMouseMove)
		binary.LittleEndian.PutUint16(buf[1:3], uint16(v.DX))
		binary.LittleEndian.PutUint16(buf[3:5], uint16(v.DY))
		binary.LittleEndian.PutUint16(buf[5:7], v.AbsX)
		binary.LittleEndian.PutUint16(buf[7:9], v.AbsY)
		if v.IsAbsolute {
			buf[9] = 1
		}
		return buf

	case MouseButton:
		buf := make([]byte, 3)
		buf[0] = byte(TypeMouseButton)
		buf[1] = v.Button
		if v.Pressed {
			buf[2] = 1
		}
		return buf

	case MouseScroll:
		buf := make([]byte, 6)
		buf[0] = byte(TypeMouseScroll)
		binary.LittleEndian.PutUint16(buf[1:3], uint16(v.DX))
		binary.LittleEndian.PutUint16(buf[3:5], uint16(v.DY))
		if v.HighResolution {
			buf[5] = 1
		}
		return buf

	case Touch:
		return []byte{byte(TypeTouch)}

	default:
		return nil
	}
}
