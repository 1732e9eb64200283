//go:build linux

package canbus

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/brutella/can"
)

// SocketCAN talks to a Linux CAN network interface through brutella/can.
type SocketCAN struct {
	iface string

	mu  sync.Mutex
	bus *can.Bus
}

// NewSocketCAN creates a transport for the named interface (default can0).
func NewSocketCAN(iface string) *SocketCAN {
	if iface == "" {
		iface = "can0"
	}
	return &SocketCAN{iface: iface}
}

func (s *SocketCAN) Name() string { return "socketcan:" + s.iface }

func (s *SocketCAN) Connect() error {
	bus, err := can.NewBusForInterfaceWithName(s.iface)
	if err != nil {
		return fmt.Errorf("socketcan: failed to open %s: %w", s.iface, err)
	}
	s.mu.Lock()
	s.bus = bus
	s.mu.Unlock()
	log.Printf("[can] socketcan bound to %s", s.iface)
	return nil
}

func (s *SocketCAN) Close() error {
	s.mu.Lock()
	bus := s.bus
	s.bus = nil
	s.mu.Unlock()
	if bus == nil {
		return nil
	}
	return bus.Disconnect()
}

func (s *SocketCAN) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bus != nil
}

func (s *SocketCAN) Send(f Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	bus := s.bus
	s.mu.Unlock()
	if bus == nil {
		return ErrNotConnected
	}
	return bus.Publish(can.Frame{ID: f.ID, Length: f.Len, Data: f.Data})
}

// Listen subscribes fn and runs the bus read loop until ctx is done or the
// socket fails.
func (s *SocketCAN) Listen(ctx context.Context, fn func(Frame)) error {
	s.mu.Lock()
	bus := s.bus
	s.mu.Unlock()
	if bus == nil {
		return ErrNotConnected
	}

	// Each Connect creates a fresh bus, so subscriptions never pile up.
	bus.SubscribeFunc(func(cf can.Frame) {
		if cf.ID > MaxStandardID || cf.Length > 8 {
			return
		}
		fn(Frame{ID: cf.ID, Len: cf.Length, Data: cf.Data})
	})

	errCh := make(chan error, 1)
	go func() { errCh <- bus.ConnectAndPublish() }()

	select {
	case <-ctx.Done():
		bus.Disconnect()
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		if err == nil {
			return ErrClosed
		}
		return fmt.Errorf("socketcan: read %s: %w", s.iface, err)
	}
}
