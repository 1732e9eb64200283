//go:build !linux

package canbus

import (
	"context"
	"errors"
)

var errNoSocketCAN = errors.New("socketcan: only available on linux")

// SocketCAN is unavailable off Linux; use the slcan or loopback transports.
type SocketCAN struct{ iface string }

func NewSocketCAN(iface string) *SocketCAN {
	if iface == "" {
		iface = "can0"
	}
	return &SocketCAN{iface: iface}
}

func (s *SocketCAN) Name() string                              { return "socketcan:" + s.iface }
func (s *SocketCAN) Connect() error                            { return errNoSocketCAN }
func (s *SocketCAN) Close() error                              { return nil }
func (s *SocketCAN) IsConnected() bool                         { return false }
func (s *SocketCAN) Send(Frame) error                          { return ErrNotConnected }
func (s *SocketCAN) Listen(context.Context, func(Frame)) error { return ErrNotConnected }
