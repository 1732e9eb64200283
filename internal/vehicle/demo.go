// Package vehicle simulates the car side of the bus so the emulator has
// something to talk to in demo mode.
package vehicle

import (
	"context"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shaunagostinho/bms-emulator/internal/canbus"
	"github.com/shaunagostinho/bms-emulator/internal/codec"
	"github.com/shaunagostinho/bms-emulator/internal/uds"
)

// StepInterval is how often the demo emits telemetry.
const StepInterval = 50 * time.Millisecond

// Schedule of the slower frames, in steps.
const (
	diagEvery      = 10  // 500 ms
	closeEvery     = 20  // 1 s
	chargeEvery    = 40  // 2 s
	openAt         = 100 // one open request every openCycle steps
	openCycle      = 400
	telemetryNoSOC = 0xFF
)

var identities = []uds.Identity{uds.BMS, uds.DCDC, uds.VCU}

// Demo is a simulated VCU. It sends 0x0AF telemetry on every step, closes
// the contactor once a second, toggles charging and walks every diagnostic
// parameter of every identity.
type Demo struct {
	tr  canbus.Transport
	rnd *rand.Rand

	mu        sync.Mutex
	step      int
	t         float64 // virtual time in seconds
	ident     int
	pidIdx    map[uds.Identity]int
	params    map[uds.Identity][]uint16
	responses uint64
	negatives uint64
}

// NewDemo creates a demo vehicle transmitting on tr.
func NewDemo(tr canbus.Transport) *Demo {
	d := &Demo{
		tr:     tr,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		pidIdx: make(map[uds.Identity]int),
		params: make(map[uds.Identity][]uint16),
	}
	for _, id := range identities {
		d.params[id] = uds.Parameters(id)
	}
	return d
}

func (d *Demo) Name() string { return "Demo vehicle (" + d.tr.Name() + ")" }

// Step advances the drive cycle by one interval and returns the frames to send.
func (d *Demo) Step() []canbus.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.step++
	d.t += StepInterval.Seconds()

	// SOC drifts slowly between 20 and 95 %, power follows a faster cycle.
	soc := 57.5 + 37.5*math.Sin(d.t*0.01)
	power := 60 + 60*math.Sin(d.t*0.3) + d.rnd.Float64()*10
	aux := uint8(0x10 + d.rnd.Intn(0x20))

	tel := codec.Telemetry{
		PowerIndicator: uint8(clamp(power, 0, 255)),
		SOCPercent:     uint8(clamp(soc, 0, 100)),
		Aux:            aux,
	}
	// Now and then the vehicle has no SOC to report.
	if d.rnd.Float64() < 0.02 {
		tel.SOCPercent = telemetryNoSOC
	}
	frames := []canbus.Frame{frame(codec.IDTelemetry, codec.EncodeTelemetry(tel))}

	if d.step%closeEvery == 0 {
		frames = append(frames, frame(codec.IDContactorCommand,
			codec.EncodeContactorCommand(codec.ContactorCommand{Request: true, Close: true})))
	}
	if d.step%openCycle == openAt {
		frames = append(frames, frame(codec.IDContactorCommand,
			codec.EncodeContactorCommand(codec.ContactorCommand{Request: true})))
	}
	if d.step%chargeEvery == 0 {
		charging := math.Sin(d.t*0.05) < 0
		frames = append(frames, frame(codec.IDChargeRequest,
			codec.EncodeChargeRequest(codec.ChargeRequest{Charging: charging})))
	}
	if d.step%diagEvery == 0 {
		frames = append(frames, d.nextRead())
	}
	return frames
}

// nextRead rotates over identities, and within each over its parameters.
func (d *Demo) nextRead() canbus.Frame {
	id := identities[d.ident%len(identities)]
	d.ident++
	pids := d.params[id]
	pid := pids[d.pidIdx[id]%len(pids)]
	d.pidIdx[id]++
	return frame(uds.AddressOf(id).Request, codec.ReadRequest(pid))
}

// Observe counts diagnostic answers coming back from the emulator.
func (d *Demo) Observe(f canbus.Frame) {
	for _, id := range identities {
		if f.ID != uds.AddressOf(id).Response {
			continue
		}
		d.mu.Lock()
		d.responses++
		if f.Data[1] == codec.NegativeResponse {
			d.negatives++
		}
		d.mu.Unlock()
		return
	}
}

// Responses returns the diagnostic answers seen and how many were negative.
func (d *Demo) Responses() (total, negative uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.responses, d.negatives
}

// Run connects the transport if needed and drives it until ctx is done.
func (d *Demo) Run(ctx context.Context) error {
	if !d.tr.IsConnected() {
		if err := d.tr.Connect(); err != nil {
			return err
		}
	}
	go d.tr.Listen(ctx, d.Observe)

	log.Printf("[demo] vehicle running on %s", d.tr.Name())
	ticker := time.NewTicker(StepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			total, neg := d.Responses()
			log.Printf("[demo] stopped after %d diagnostic answers (%d negative)", total, neg)
			return nil
		case <-ticker.C:
			for _, f := range d.Step() {
				if err := d.tr.Send(f); err != nil {
					log.Printf("[demo] send %03X: %v", f.ID, err)
				}
			}
		}
	}
}

func frame(id uint32, data codec.Payload) canbus.Frame {
	return canbus.Frame{ID: id, Len: 8, Data: data}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
