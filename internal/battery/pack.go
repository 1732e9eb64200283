// Package battery holds the simulated pack: its state, the rules that move it,
// and the contactor safety gate.
package battery

import (
	"math"

	"github.com/shaunagostinho/bms-emulator/internal/codec"
	"github.com/shaunagostinho/bms-emulator/internal/units"
)

// PackState is everything the emulated BMS knows about its pack.
type PackState struct {
	SOC        units.Centipercent `json:"soc"`
	DisplaySOC units.Centipercent `json:"displaySoc"`
	SOH        units.Centipercent `json:"soh"`

	Voltage units.DeciVolt `json:"voltage"`
	Current units.DeciAmp  `json:"current"`

	CellCount    int                       `json:"cellCount"`
	Cells        [MaxCells]units.MilliVolt `json:"-"`
	CellMax      units.MilliVolt           `json:"cellMax"`
	CellMin      units.MilliVolt           `json:"cellMin"`
	CellMaxIndex uint8                     `json:"cellMaxIndex"`
	CellMinIndex uint8                     `json:"cellMinIndex"`

	TempMax units.DeciCelsius `json:"tempMax"`
	TempMin units.DeciCelsius `json:"tempMin"`

	AllowedChargePower    units.Watt `json:"allowedChargePower"`
	AllowedDischargePower units.Watt `json:"allowedDischargePower"`

	LeadAcidVoltage units.DeciVolt `json:"leadAcidVoltage"`

	IsolationOK     bool `json:"isolationOk"`
	ContactorClosed bool `json:"contactorClosed"`
}

// CellVoltages returns the meaningful part of the cell table.
func (p *PackState) CellVoltages() []units.MilliVolt {
	return p.Cells[:p.CellCount]
}

// Fixed regimes and limits of the simplified model.
const (
	currentIdle      units.DeciAmp = 0
	currentLowCharge units.DeciAmp = 10
	currentCharging  units.DeciAmp = 50

	auxIdleThreshold = 0xF0

	defaultPowerLimit    units.Watt = 50000
	chargingChargeLimit  units.Watt = 40000
	chargingDischargeCap units.Watt = 1000

	contactorMinSOC units.Centipercent = 100
	contactorMaxSOC units.Centipercent = 9900
)

// Simulator owns a PackState and is the only thing that mutates it.
type Simulator struct {
	variant Variant
	state   PackState
	gate    Gate

	lastIntegration uint64
	integrated      bool
}

// NewSimulator creates a simulator with nominal defaults for v.
func NewSimulator(v Variant) *Simulator {
	s := &Simulator{variant: v}
	s.state = PackState{
		SOC:                   7500,
		DisplaySOC:            7500,
		SOH:                   9800,
		Voltage:               3850,
		Current:               currentIdle,
		CellCount:             v.CellCount,
		CellMax:               3800,
		CellMin:               3700,
		TempMax:               250,
		TempMin:               220,
		AllowedChargePower:    defaultPowerLimit,
		AllowedDischargePower: defaultPowerLimit,
		LeadAcidVoltage:       120,
		IsolationOK:           true,
	}
	for i := 0; i < v.CellCount; i++ {
		s.state.Cells[i] = v.CellNominal
	}
	return s
}

// Variant returns the model the simulator was built for.
func (s *Simulator) Variant() Variant { return s.variant }

// State returns a copy of the current pack state.
func (s *Simulator) State() PackState { return s.state }

// SetIsolation sets the isolation flag. It does not re-evaluate the gate;
// that only happens on a contactor command.
func (s *Simulator) SetIsolation(ok bool) { s.state.IsolationOK = ok }

// RestoreSOC sets both the real and the displayed SOC. Values above 100 %
// are rejected.
func (s *Simulator) RestoreSOC(soc units.Centipercent) bool {
	if soc > units.MaxCentipercent {
		return false
	}
	s.state.SOC, s.state.DisplaySOC = soc, soc
	return true
}

// ApplyTelemetry ingests a 0x0AF frame. It returns false when the SOC byte was
// rejected; the power, voltage and current recomputation happens either way,
// based on the SOC the pack holds afterwards.
func (s *Simulator) ApplyTelemetry(t codec.Telemetry) bool {
	accepted := t.SOCPercent <= 100
	if accepted {
		s.state.SOC = units.FromPercent(t.SOCPercent)
	}
	socPct := int32(s.state.SOC / 100)

	s.state.AllowedDischargePower = units.Watt(40000 + int32(t.PowerIndicator)*200)
	s.state.AllowedChargePower = units.Watt(30000 - (100-socPct)*200)

	v := s.variant
	span := int32(v.MaxPackVoltage) - int32(v.MinPackVoltage)
	s.state.Voltage = units.DeciVolt(int32(v.MinPackVoltage) + span*int32(s.state.SOC)/int32(units.MaxCentipercent))

	switch {
	case t.Aux > auxIdleThreshold:
		s.state.Current = currentIdle
	case socPct < 100:
		s.state.Current = currentLowCharge
	default:
		s.state.Current = currentIdle
	}
	return accepted
}

// ApplyChargeRequest ingests a 0x391 frame.
func (s *Simulator) ApplyChargeRequest(c codec.ChargeRequest) {
	if c.Charging {
		s.state.Current = currentCharging
		s.state.AllowedChargePower = chargingChargeLimit
		s.state.AllowedDischargePower = chargingDischargeCap
		return
	}
	s.state.Current = currentIdle
	s.state.AllowedChargePower = defaultPowerLimit
	s.state.AllowedDischargePower = defaultPowerLimit
}

// ApplyContactorCommand forwards a 0x172 frame to the gate and records its
// decision. Frames without the request bit are ignored.
func (s *Simulator) ApplyContactorCommand(c codec.ContactorCommand) (Decision, bool) {
	if !c.Request {
		return Decision{}, false
	}
	d := s.gate.Evaluate(c.Close, s.state.IsolationOK, s.state.SOC)
	s.state.ContactorClosed = d.State == Closed
	return d, true
}

// Integrate advances the model when at least minInterval ms have passed since
// the previous integration. The first call only starts the clock. It reports
// whether an integration step ran.
func (s *Simulator) Integrate(nowMs, minInterval uint64) bool {
	if !s.integrated {
		s.integrated = true
		s.lastIntegration = nowMs
		return false
	}
	elapsed := nowMs - s.lastIntegration
	if nowMs < s.lastIntegration || elapsed < minInterval {
		return false
	}
	s.lastIntegration = nowMs

	s.integrateSOC(elapsed)
	avg := s.recomputeCells()
	s.state.Voltage = units.DeciVolt(uint32(avg) * uint32(s.state.CellCount) / 100)
	s.state.DisplaySOC = stepToward(s.state.DisplaySOC, s.state.SOC)
	return true
}

func (s *Simulator) integrateSOC(elapsedMs uint64) {
	hours := float64(elapsedMs) / 3600000.0
	wh := s.state.Current.Amps() * s.state.Voltage.Volts() * hours
	pct := math.Abs(wh) * 100.0 / float64(s.variant.CapacityWh)
	delta := pct * 100
	if delta > float64(units.MaxCentipercent) {
		delta = float64(units.MaxCentipercent)
	}
	change := units.Centipercent(delta)

	switch {
	case s.state.Current < 0:
		if s.state.SOC > change {
			s.state.SOC -= change
		} else {
			s.state.SOC = 0
		}
	case s.state.Current > 0:
		if s.state.SOC < units.MaxCentipercent-change {
			s.state.SOC += change
		} else {
			s.state.SOC = units.MaxCentipercent
		}
	}
}

// recomputeCells lays the cells out around the average voltage for the
// current SOC and refreshes the max/min statistics. It returns the average.
func (s *Simulator) recomputeCells() units.MilliVolt {
	v := s.variant
	avg := v.CellBase + units.MilliVolt(uint32(v.CellRange)*uint32(s.state.SOC)/uint32(units.MaxCentipercent))
	for i := 0; i < s.state.CellCount; i++ {
		s.state.Cells[i] = units.MilliVolt(int32(avg) + CellOffset(i))
	}
	s.state.CellMax, s.state.CellMaxIndex, s.state.CellMin, s.state.CellMinIndex = MinMax(s.state.CellVoltages())
	return avg
}

// CellOffset is the fixed per-cell spread in mV, -20..+20 by index.
func CellOffset(i int) int32 { return int32(-20 + i%41) }

// MinMax scans cells once. Ties keep the first occurrence.
func MinMax(cells []units.MilliVolt) (hi units.MilliVolt, hiIdx uint8, lo units.MilliVolt, loIdx uint8) {
	if len(cells) == 0 {
		return 0, 0, 0, 0
	}
	hi, lo = cells[0], cells[0]
	for i := 1; i < len(cells); i++ {
		if cells[i] > hi {
			hi, hiIdx = cells[i], uint8(i)
		}
		if cells[i] < lo {
			lo, loIdx = cells[i], uint8(i)
		}
	}
	return hi, hiIdx, lo, loIdx
}

// stepToward moves display one lag step toward real, never past it.
func stepToward(display, real units.Centipercent) units.Centipercent {
	switch {
	case display < real:
		step := 1 + (real-display)/100
		if display+step > real {
			return real
		}
		return display + step
	case display > real:
		step := 1 + (display-real)/100
		if display-step < real {
			return real
		}
		return display - step
	}
	return display
}
