package canbus

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// SLCANConfig holds the serial settings of an SLCAN (Lawicel) adapter.
type SLCANConfig struct {
	Port    string `yaml:"port" json:"port"`
	Baud    int    `yaml:"baud" json:"baud"`
	Bitrate int    `yaml:"bitrate" json:"bitrate"`
}

// slcanBitrates maps CAN bitrates to the adapter's Sn setup codes.
var slcanBitrates = map[int]byte{
	10000:   '0',
	20000:   '1',
	50000:   '2',
	100000:  '3',
	125000:  '4',
	250000:  '5',
	500000:  '6',
	800000:  '7',
	1000000: '8',
}

const slcanReadTimeout = 100 * time.Millisecond

var (
	errSLCANExtended = errors.New("slcan: extended frames not supported")
	errSLCANRemote   = errors.New("slcan: remote frames not supported")
)

// SLCAN drives a USB-serial CAN adapter speaking the ASCII SLCAN protocol.
type SLCAN struct {
	portPath string
	baud     int
	bitrate  int

	mu        sync.Mutex
	port      serial.Port
	connected bool
}

// NewSLCAN creates an SLCAN transport. Zero values default to 115200 baud
// on the serial side and 500 kbit/s on the bus.
func NewSLCAN(cfg SLCANConfig) *SLCAN {
	if cfg.Port == "" {
		cfg.Port = "/dev/ttyACM0"
	}
	if cfg.Baud == 0 {
		cfg.Baud = 115200
	}
	if cfg.Bitrate == 0 {
		cfg.Bitrate = 500000
	}
	return &SLCAN{portPath: cfg.Port, baud: cfg.Baud, bitrate: cfg.Bitrate}
}

func (s *SLCAN) Name() string { return "slcan:" + s.portPath }

// Connect opens the port, sets the bitrate and opens the CAN channel.
func (s *SLCAN) Connect() error {
	code, ok := slcanBitrates[s.bitrate]
	if !ok {
		return fmt.Errorf("slcan: unsupported bitrate %d", s.bitrate)
	}
	mode := &serial.Mode{
		BaudRate: s.baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(s.portPath, mode)
	if err != nil {
		return fmt.Errorf("slcan: failed to open %s: %w", s.portPath, err)
	}
	if err := port.SetReadTimeout(slcanReadTimeout); err != nil {
		port.Close()
		return fmt.Errorf("slcan: failed to set timeout: %w", err)
	}
	port.ResetInputBuffer()

	// Close first in case the adapter was left open by a previous run.
	for _, cmd := range []string{"C\r", "S" + string(code) + "\r", "O\r"} {
		if _, err := port.Write([]byte(cmd)); err != nil {
			port.Close()
			return fmt.Errorf("slcan: setup command %q: %w", strings.TrimSpace(cmd), err)
		}
	}

	s.mu.Lock()
	s.port = port
	s.connected = true
	s.mu.Unlock()
	log.Printf("[slcan] opened %s at %d baud, bus %d bit/s", s.portPath, s.baud, s.bitrate)
	return nil
}

func (s *SLCAN) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	if s.port == nil {
		return nil
	}
	s.port.Write([]byte("C\r"))
	err := s.port.Close()
	s.port = nil
	return err
}

func (s *SLCAN) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *SLCAN) Send(f Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return ErrNotConnected
	}
	if _, err := s.port.Write([]byte(EncodeFrame(f))); err != nil {
		return fmt.Errorf("slcan: write: %w", err)
	}
	return nil
}

// Listen reads lines from the adapter and hands every standard data frame
// to fn. Acknowledgements and unsupported frames are skipped.
func (s *SLCAN) Listen(ctx context.Context, fn func(Frame)) error {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return ErrNotConnected
	}

	var lr lineReader
	buf := make([]byte, 256)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := port.Read(buf)
		if err != nil {
			if !s.IsConnected() {
				return ErrClosed
			}
			return fmt.Errorf("slcan: read: %w", err)
		}
		for _, line := range lr.feed(buf[:n]) {
			f, err := DecodeFrame(line)
			if err != nil {
				continue
			}
			fn(f)
		}
	}
}

// lineReader splits the adapter's byte stream on carriage returns. A BEL
// (error reply) also terminates a line.
type lineReader struct {
	pending []byte
}

func (r *lineReader) feed(b []byte) []string {
	var lines []string
	for _, c := range b {
		switch c {
		case '\r', '\a', '\n':
			if len(r.pending) > 0 {
				lines = append(lines, string(r.pending))
				r.pending = r.pending[:0]
			}
		default:
			if len(r.pending) < 64 {
				r.pending = append(r.pending, c)
			}
		}
	}
	return lines
}

// EncodeFrame renders f as an SLCAN transmit command, "tIIILDD..\r".
func EncodeFrame(f Frame) string {
	var b strings.Builder
	b.WriteByte('t')
	fmt.Fprintf(&b, "%03X", f.ID&MaxStandardID)
	n := f.Len
	if n > 8 {
		n = 8
	}
	b.WriteByte('0' + n)
	for i := uint8(0); i < n; i++ {
		fmt.Fprintf(&b, "%02X", f.Data[i])
	}
	b.WriteByte('\r')
	return b.String()
}

// DecodeFrame parses one received SLCAN line without its terminator.
func DecodeFrame(line string) (Frame, error) {
	if line == "" {
		return Frame{}, errors.New("slcan: empty line")
	}
	switch line[0] {
	case 't':
	case 'T':
		return Frame{}, errSLCANExtended
	case 'r', 'R':
		return Frame{}, errSLCANRemote
	default:
		return Frame{}, fmt.Errorf("slcan: not a frame: %q", line)
	}
	if len(line) < 5 {
		return Frame{}, fmt.Errorf("slcan: short frame %q", line)
	}
	id, err := strconv.ParseUint(line[1:4], 16, 16)
	if err != nil || id > MaxStandardID {
		return Frame{}, fmt.Errorf("slcan: bad id in %q", line)
	}
	n := line[4] - '0'
	if n > 8 {
		return Frame{}, fmt.Errorf("slcan: bad length in %q", line)
	}
	data := line[5:]
	// Adapters with timestamps enabled append four hex digits.
	if len(data) != int(n)*2 && len(data) != int(n)*2+4 {
		return Frame{}, fmt.Errorf("slcan: data length mismatch in %q", line)
	}
	f := Frame{ID: uint32(id), Len: n}
	if _, err := hex.Decode(f.Data[:n], []byte(data[:n*2])); err != nil {
		return Frame{}, fmt.Errorf("slcan: bad data in %q: %w", line, err)
	}
	return f, nil
}
