// Package canbus moves classic CAN frames between the emulator and a bus:
// Linux SocketCAN, an SLCAN serial adapter, or an in-process loopback.
package canbus

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotConnected = errors.New("canbus: not connected")
	ErrClosed       = errors.New("canbus: closed")
)

// MaxStandardID is the largest 11-bit identifier.
const MaxStandardID = 0x7FF

// Frame is a classic CAN data frame with a standard identifier.
type Frame struct {
	ID   uint32
	Len  uint8
	Data [8]byte
}

// Validate checks the identifier and length.
func (f Frame) Validate() error {
	if f.ID > MaxStandardID {
		return fmt.Errorf("canbus: id %#x exceeds 11 bits", f.ID)
	}
	if f.Len > 8 {
		return fmt.Errorf("canbus: length %d exceeds 8", f.Len)
	}
	return nil
}

func (f Frame) String() string {
	return fmt.Sprintf("%03X [%d] % X", f.ID, f.Len, f.Data[:f.Len])
}

// Transport is implemented by every bus backend.
type Transport interface {
	// Name returns a human-readable backend name.
	Name() string
	// Connect opens the underlying device.
	Connect() error
	// Close releases the device. Listen returns afterwards.
	Close() error
	IsConnected() bool
	// Send transmits one frame.
	Send(f Frame) error
	// Listen delivers received frames to fn, in arrival order, until ctx is
	// done or the device fails. fn must not block for long.
	Listen(ctx context.Context, fn func(Frame)) error
}

// Config selects and configures a backend.
type Config struct {
	Type      string `yaml:"type" json:"type"`           // "socketcan", "slcan" or "loopback"
	Interface string `yaml:"interface" json:"interface"` // socketcan: e.g. can0
	Port      string `yaml:"port" json:"port"`           // slcan: serial device
	Baud      int    `yaml:"baud" json:"baud"`           // slcan: serial baud rate
	Bitrate   int    `yaml:"bitrate" json:"bitrate"`     // slcan: CAN bitrate
}

// New builds the transport named by cfg.Type. The loopback type needs a bus
// to attach to; pass nil for the hardware types.
func New(cfg Config, loop *LoopbackBus) (Transport, error) {
	switch cfg.Type {
	case "", "socketcan":
		return NewSocketCAN(cfg.Interface), nil
	case "slcan":
		return NewSLCAN(SLCANConfig{Port: cfg.Port, Baud: cfg.Baud, Bitrate: cfg.Bitrate}), nil
	case "loopback":
		if loop == nil {
			loop = NewLoopbackBus()
		}
		return loop.Open("emulator"), nil
	default:
		return nil, fmt.Errorf("canbus: unknown transport type %q", cfg.Type)
	}
}
