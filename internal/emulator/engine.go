// Package emulator ties the pack simulator, the diagnostic responder and the
// transmit scheduler into one engine, and runs it against a CAN transport.
package emulator

import (
	"log"
	"time"

	"github.com/shaunagostinho/bms-emulator/internal/battery"
	"github.com/shaunagostinho/bms-emulator/internal/codec"
	"github.com/shaunagostinho/bms-emulator/internal/datalayer"
	"github.com/shaunagostinho/bms-emulator/internal/scheduler"
	"github.com/shaunagostinho/bms-emulator/internal/uds"
	"github.com/shaunagostinho/bms-emulator/internal/units"
)

// Config holds the engine's tunables. Zero values take defaults.
type Config struct {
	Timing scheduler.Config `yaml:"timing" json:"timing"`
	// MinIntegrationMs is the shortest interval between two simulator
	// integration steps.
	MinIntegrationMs uint64 `yaml:"min_integration_ms" json:"minIntegrationMs"`
	// Debug logs every handled frame.
	Debug bool `yaml:"-" json:"-"`
}

const defaultMinIntegrationMs = 100

// Stats counts what the engine has seen and sent.
type Stats struct {
	FramesIn      uint64 `json:"framesIn"`
	FramesOut     uint64 `json:"framesOut"`
	UDSRequests   uint64 `json:"udsRequests"`
	SOCRejected   uint64 `json:"socRejected"`
	Ignored       uint64 `json:"ignored"`
	Truncated     uint64 `json:"truncated"`
	ContactorCmds uint64 `json:"contactorCmds"`
	Integrations  uint64 `json:"integrations"`
}

type handler func(e *Engine, p codec.Payload)

// minLength is the shortest DLC a frame needs before its payload is trusted.
// Shorter frames would be decoded from zero padding.
var minLength = map[uint32]uint8{
	codec.IDTelemetry: 7,
}

// handlers is the inbound dispatch table. Diagnostic request IDs are routed
// to the responder before this table is consulted.
var handlers = map[uint32]handler{
	codec.IDTelemetry:        (*Engine).onTelemetry,
	codec.IDContactorCommand: (*Engine).onContactorCommand,
	codec.IDChargeRequest:    (*Engine).onChargeRequest,
	codec.IDThermalRequest:   (*Engine).onThermalRequest,
	codec.IDWakeUp:           (*Engine).onWakeUp,
	codec.IDStatusRequest:    inert("status request"),
	codec.IDSafetyCheck:      inert("safety check"),
	codec.IDSOCRequest:       inert("soc request"),
	codec.IDBatteryConfig:    inert("battery config"),
	codec.IDExtendedStatus:   inert("extended status"),
	codec.IDVoltageRequest:   inert("voltage request"),
	codec.IDPowerRequest:     inert("power limits request"),
}

func inert(name string) handler {
	return func(e *Engine, _ codec.Payload) {
		if e.debug {
			log.Printf("[bms] %s acknowledged", name)
		}
	}
}

// Engine owns the pack state and the timers. HandleFrame, Tick and Project
// must be called from a single goroutine; none of them block or fail.
type Engine struct {
	sim   *battery.Simulator
	sched *scheduler.Scheduler
	diag  *uds.Responder
	out   scheduler.Sender

	minIntegration uint64
	debug          bool

	stillAlive uint8
	bmsStatus  datalayer.BMSStatus
	events     map[datalayer.Event]uint16
	stats      Stats
}

// NewEngine builds an engine for variant v that transmits through out. now is
// the wall clock used for the BMS time parameter; nil means time.Now.
func NewEngine(v battery.Variant, cfg Config, out scheduler.Sender, now func() time.Time) *Engine {
	if cfg.MinIntegrationMs == 0 {
		cfg.MinIntegrationMs = defaultMinIntegrationMs
	}
	e := &Engine{
		sim:            battery.NewSimulator(v),
		sched:          scheduler.New(cfg.Timing),
		diag:           uds.NewResponder(now),
		minIntegration: cfg.MinIntegrationMs,
		debug:          cfg.Debug,
		bmsStatus:      datalayer.Standby,
		events:         make(map[datalayer.Event]uint16),
	}
	e.out = scheduler.SenderFunc(func(id uint32, data codec.Payload) {
		e.stats.FramesOut++
		out.Transmit(id, data)
	})
	return e
}

// HandleFrame processes one inbound frame received at nowMs.
func (e *Engine) HandleFrame(id uint32, length uint8, data codec.Payload, nowMs uint64) {
	e.stats.FramesIn++
	e.stillAlive = datalayer.CANStillAlive

	if n, ok := minLength[id]; ok && length < n {
		e.stats.Truncated++
		if e.debug {
			log.Printf("[bms] %03X with DLC %d dropped, need %d", id, length, n)
		}
	} else if uds.IsRequestID(id) {
		e.onDiagnostic(id, data)
	} else if h, ok := handlers[id]; ok {
		h(e, data)
	} else {
		e.stats.Ignored++
	}
	e.integrate(nowMs)
}

// Tick advances time to nowMs: integrates the pack and fires due frames.
func (e *Engine) Tick(nowMs uint64) {
	e.integrate(nowMs)
	st := e.sim.State()
	res := e.sched.Tick(nowMs, &st, e.out)
	if !res.Fired10 {
		return
	}
	_, was := e.events[datalayer.EventCANOverrun]
	if res.Overrun {
		e.events[datalayer.EventCANOverrun] = uint16(min(res.Late, 0xFFFF))
		if !was {
			log.Printf("[bms] CAN overrun: 10 ms frame sent %d ms after the previous one", res.Late)
		}
	} else if was {
		delete(e.events, datalayer.EventCANOverrun)
		log.Printf("[bms] CAN overrun cleared")
	}
}

func (e *Engine) integrate(nowMs uint64) {
	if e.sim.Integrate(nowMs, e.minIntegration) {
		e.stats.Integrations++
	}
}

func (e *Engine) onDiagnostic(id uint32, data codec.Payload) {
	e.stats.UDSRequests++
	st := e.sim.State()
	resp, ok := e.diag.Handle(id, data, &st)
	if !ok {
		return
	}
	e.out.Transmit(resp.ID, resp.Data)
	if e.debug {
		req := codec.DecodeDiagRequest(data)
		log.Printf("[uds] %03X sid %02X pid %04X -> %03X % X %s", id, req.Service, req.PID(), resp.ID, resp.Data, resp.Name)
	}
}

func (e *Engine) onTelemetry(p codec.Payload) {
	t := codec.DecodeTelemetry(p)
	if !e.sim.ApplyTelemetry(t) {
		e.stats.SOCRejected++
		if e.debug {
			log.Printf("[bms] telemetry SOC byte %d out of range, kept %v", t.SOCPercent, e.sim.State().SOC)
		}
	}
}

func (e *Engine) onContactorCommand(p codec.Payload) {
	d, ok := e.sim.ApplyContactorCommand(codec.DecodeContactorCommand(p))
	if !ok {
		return
	}
	e.stats.ContactorCmds++
	if d.State == battery.Closed {
		e.bmsStatus = datalayer.Active
	} else {
		e.bmsStatus = datalayer.Standby
	}
	for _, r := range d.Reasons {
		switch r {
		case battery.ReasonAccepted, battery.ReasonOpenRequested:
			if e.debug {
				log.Printf("[bms] contactor %s: %s", d.State, r)
			}
		default:
			log.Printf("[bms] contactor %s", r)
		}
	}
}

func (e *Engine) onChargeRequest(p codec.Payload) {
	c := codec.DecodeChargeRequest(p)
	e.sim.ApplyChargeRequest(c)
	if e.debug {
		log.Printf("[bms] charge request: charging=%v", c.Charging)
	}
}

func (e *Engine) onThermalRequest(p codec.Payload) {
	if !e.debug {
		return
	}
	t := codec.DecodeThermalRequest(p)
	switch {
	case t.Cooling:
		log.Printf("[bms] thermal request: cooling")
	case t.Heating:
		log.Printf("[bms] thermal request: heating")
	}
}

func (e *Engine) onWakeUp(codec.Payload) {
	if e.debug {
		log.Printf("[bms] wake-up received")
	}
}

// SetIsolation injects or clears an isolation fault.
func (e *Engine) SetIsolation(ok bool) { e.sim.SetIsolation(ok) }

// RestoreSOC sets the pack SOC, e.g. from a previous run. Out of range
// values are ignored.
func (e *Engine) RestoreSOC(soc units.Centipercent) bool { return e.sim.RestoreSOC(soc) }

// State returns a copy of the pack state.
func (e *Engine) State() battery.PackState { return e.sim.State() }

// Variant returns the battery model being emulated.
func (e *Engine) Variant() battery.Variant { return e.sim.Variant() }

// Timers returns the scheduler's timer state.
func (e *Engine) Timers() scheduler.Timers { return e.sched.Timers() }

// Overrun reports whether the CAN overrun event is raised.
func (e *Engine) Overrun() bool {
	_, ok := e.events[datalayer.EventCANOverrun]
	return ok
}

// BMSStatus follows the last contactor decision.
func (e *Engine) BMSStatus() datalayer.BMSStatus { return e.bmsStatus }

// Stats returns the counters.
func (e *Engine) Stats() Stats { return e.stats }
