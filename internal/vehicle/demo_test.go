package vehicle

import (
	"context"
	"testing"
	"time"

	"github.com/shaunagostinho/bms-emulator/internal/canbus"
	"github.com/shaunagostinho/bms-emulator/internal/codec"
	"github.com/shaunagostinho/bms-emulator/internal/uds"
)

func TestStepSchedule(t *testing.T) {
	d := NewDemo(canbus.NewLoopbackBus().Open("vehicle"))

	counts := map[uint32]int{}
	opens := 0
	for i := 0; i < openCycle; i++ {
		for _, f := range d.Step() {
			if err := f.Validate(); err != nil || f.Len != 8 {
				t.Fatalf("step %d: bad frame %v (%v)", i, f, err)
			}
			counts[f.ID]++
			if f.ID == codec.IDContactorCommand && !codec.DecodeContactorCommand(f.Data).Close {
				opens++
			}
			if f.ID == codec.IDTelemetry {
				if soc := codec.DecodeTelemetry(f.Data).SOCPercent; soc > 100 && soc != telemetryNoSOC {
					t.Fatalf("step %d: telemetry SOC %d", i, soc)
				}
			}
		}
	}

	cases := []struct {
		name string
		id   uint32
		want int
	}{
		{"telemetry", codec.IDTelemetry, openCycle},
		{"contactor", codec.IDContactorCommand, openCycle/closeEvery + 1},
		{"charge", codec.IDChargeRequest, openCycle / chargeEvery},
	}
	for _, tc := range cases {
		if counts[tc.id] != tc.want {
			t.Fatalf("%s frames = %d, want %d", tc.name, counts[tc.id], tc.want)
		}
	}
	if opens != 1 {
		t.Fatalf("open requests = %d, want 1", opens)
	}

	reads := 0
	for _, ident := range []uds.Identity{uds.BMS, uds.DCDC, uds.VCU} {
		reads += counts[uds.AddressOf(ident).Request]
	}
	if reads != openCycle/diagEvery {
		t.Fatalf("diagnostic reads = %d, want %d", reads, openCycle/diagEvery)
	}
}

func TestReadsCoverEveryParameter(t *testing.T) {
	d := NewDemo(canbus.NewLoopbackBus().Open("vehicle"))
	seen := map[uds.Identity]map[uint16]bool{}
	for _, ident := range identities {
		seen[ident] = map[uint16]bool{}
	}

	total := 0
	for _, ident := range identities {
		total += len(uds.Parameters(ident))
	}
	// Identities rotate, so 3x the largest table covers everything.
	for i := 0; i < 3*total; i++ {
		f := d.nextRead()
		ident, ok := uds.IdentityFor(f.ID)
		if !ok {
			t.Fatalf("read on non-diagnostic ID %03X", f.ID)
		}
		req := codec.DecodeDiagRequest(f.Data)
		if req.Service != codec.SIDReadDataByID || req.Length != 3 {
			t.Fatalf("bad request % X", f.Data)
		}
		seen[ident][req.PID()] = true
	}
	for _, ident := range identities {
		for _, pid := range uds.Parameters(ident) {
			if !seen[ident][pid] {
				t.Fatalf("%s pid %04X never read", ident, pid)
			}
		}
	}
}

func TestObserveCountsAnswers(t *testing.T) {
	d := NewDemo(canbus.NewLoopbackBus().Open("vehicle"))
	d.Observe(canbus.Frame{ID: 0x789, Len: 8, Data: codec.PositiveRead(5, 0xB046, [4]byte{})})
	d.Observe(canbus.Frame{ID: 0x7EB, Len: 8, Data: codec.Negative(0x22, 0x11)})
	d.Observe(canbus.Frame{ID: 0x0FB, Len: 8})
	if total, neg := d.Responses(); total != 2 || neg != 1 {
		t.Fatalf("responses = %d/%d, want 2/1", total, neg)
	}
}

func TestRunSendsFrames(t *testing.T) {
	bus := canbus.NewLoopbackBus()
	defer bus.Close()
	car, ecu := bus.Open("vehicle"), bus.Open("ecu")
	if err := ecu.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got := make(chan canbus.Frame, 64)
	go ecu.Listen(ctx, func(f canbus.Frame) {
		select {
		case got <- f:
		default:
		}
	})
	go NewDemo(car).Run(ctx)

	select {
	case f := <-got:
		if f.ID != codec.IDTelemetry {
			t.Fatalf("first frame %03X, want telemetry", f.ID)
		}
	case <-ctx.Done():
		t.Fatalf("demo sent nothing")
	}
}
