// Package scheduler emits the periodic BMS frames on fixed 10 ms and 100 ms
// cadences against a caller-supplied millisecond clock.
package scheduler

import (
	"github.com/shaunagostinho/bms-emulator/internal/battery"
	"github.com/shaunagostinho/bms-emulator/internal/codec"
)

// Sender transmits one outbound frame. Failures are the sender's business.
type Sender interface {
	Transmit(id uint32, data codec.Payload)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(id uint32, data codec.Payload)

func (f SenderFunc) Transmit(id uint32, data codec.Payload) { f(id, data) }

// Config holds the timing constants, all in milliseconds.
type Config struct {
	Period10          uint64 `yaml:"period_10_ms" json:"period10Ms"`
	Period100         uint64 `yaml:"period_100_ms" json:"period100Ms"`
	OverrunMultiplier uint64 `yaml:"overrun_multiplier" json:"overrunMultiplier"`
	BootGrace         uint64 `yaml:"boot_grace_ms" json:"bootGraceMs"`
}

// DefaultConfig returns the bus timing of the real pack.
func DefaultConfig() Config {
	return Config{
		Period10:          10,
		Period100:         100,
		OverrunMultiplier: 2,
		BootGrace:         5000,
	}
}

// Timers is the scheduler's clock and counter state.
type Timers struct {
	Last10     uint64
	Last100    uint64
	Counter10  uint8
	Counter100 uint8
	// CellSlot is the next cell group to send; the value Groups() is the
	// summary slot.
	CellSlot int
}

// Result describes what one Tick did.
type Result struct {
	Fired10  bool
	Fired100 bool
	// Overrun is the overrun state after the 10 ms check; it only changes on
	// a 10 ms firing.
	Overrun bool
	// Late is how far past its last firing the 10 ms timer was when it
	// fired, in ms.
	Late uint64
}

// Scheduler is not safe for concurrent use.
type Scheduler struct {
	cfg     Config
	t       Timers
	overrun bool
}

// New creates a scheduler. Zero fields in cfg take their defaults.
func New(cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.Period10 == 0 {
		cfg.Period10 = def.Period10
	}
	if cfg.Period100 == 0 {
		cfg.Period100 = def.Period100
	}
	if cfg.OverrunMultiplier == 0 {
		cfg.OverrunMultiplier = def.OverrunMultiplier
	}
	// BootGrace 0 is a valid choice: overrun is reported from the start.
	return &Scheduler{cfg: cfg}
}

// Config returns the effective timing constants.
func (s *Scheduler) Config() Config { return s.cfg }

// Timers returns a copy of the timer state.
func (s *Scheduler) Timers() Timers { return s.t }

// Overrun reports whether the last 10 ms firing was late.
func (s *Scheduler) Overrun() bool { return s.overrun }

// Groups is the number of cell groups in one rotation, ceil(N/4).
func Groups(cellCount int) int { return (cellCount + 3) / 4 }

// Tick fires whichever timers are due at now and transmits their frames
// through out, using st as the source of every value.
func (s *Scheduler) Tick(now uint64, st *battery.PackState, out Sender) Result {
	var res Result

	if elapsed, ok := since(now, s.t.Last10); ok && elapsed >= s.cfg.Period10 {
		s.overrun = elapsed >= s.cfg.Period10*s.cfg.OverrunMultiplier && now > s.cfg.BootGrace
		s.t.Last10 = now
		s.t.Counter10 = (s.t.Counter10 + 1) % 16
		out.Transmit(codec.IDKeepAlive, codec.EncodeKeepAlive(codec.KeepAlive{Counter: s.t.Counter10}))
		res.Fired10, res.Late = true, elapsed
	}
	res.Overrun = s.overrun

	if elapsed, ok := since(now, s.t.Last100); ok && elapsed >= s.cfg.Period100 {
		s.t.Last100 = now
		s.t.Counter100 = (s.t.Counter100 + 1) % 16
		s.send100(st, out)
		res.Fired100 = true
	}
	return res
}

func since(now, last uint64) (uint64, bool) {
	if now < last {
		return 0, false
	}
	return now - last, true
}

func (s *Scheduler) send100(st *battery.PackState, out Sender) {
	c := s.t.Counter100
	out.Transmit(codec.IDStatus, codec.EncodeStatus(codec.Status{
		Counter:   c,
		Isolation: st.IsolationOK,
		Contactor: st.ContactorClosed,
	}))
	out.Transmit(codec.IDSOC, codec.EncodeSOC(codec.SOC{Counter: c, SOC: st.SOC, SOH: st.SOH}))
	out.Transmit(codec.IDVoltageCurrent, codec.EncodeVoltageCurrent(codec.VoltageCurrent{
		Counter:  c,
		Voltage:  st.Voltage,
		Current:  st.Current,
		LeadAcid: st.LeadAcidVoltage,
	}))
	out.Transmit(codec.IDTemperature, codec.EncodeTemperature(codec.Temperature{
		Counter: c,
		Max:     uint8(st.TempMax),
		Min:     uint8(st.TempMin),
	}))
	out.Transmit(codec.IDPowerLimits, codec.EncodePowerLimits(codec.PowerLimits{
		Counter:            c,
		ChargeHectowatt:    st.AllowedChargePower.Hectowatts(),
		DischargeHectowatt: st.AllowedDischargePower.Hectowatts(),
	}))
	out.Transmit(codec.IDCellVoltages, s.nextCellFrame(c, st))
}

// nextCellFrame builds the cell frame for the current slot and advances the
// rotation: groups 0..G-1, then one summary, then back to 0.
func (s *Scheduler) nextCellFrame(counter uint8, st *battery.PackState) codec.Payload {
	groups := Groups(st.CellCount)
	slot := s.t.CellSlot
	if slot >= groups {
		s.t.CellSlot = 0
		return codec.EncodeCellSummary(codec.CellSummary{
			Counter:  counter,
			Max:      st.CellMax,
			MaxIndex: st.CellMaxIndex,
			Min:      st.CellMin,
			MinIndex: st.CellMinIndex,
		})
	}
	s.t.CellSlot++

	g := codec.CellGroup{Counter: counter, Group: uint8(slot)}
	for k := 0; k < 3; k++ {
		if i := slot*4 + k; i < st.CellCount {
			g.Cells[k] = st.Cells[i]
		}
	}
	switch slot % 6 {
	case 0:
		g.Mux = st.CellMaxIndex
	case 3:
		g.Mux = st.CellMinIndex
	}
	return codec.EncodeCellGroup(g)
}
