// Package codec packs and unpacks the fixed 8-byte payloads exchanged with the
// vehicle. Every function is pure: callers own framing, lengths and IDs.
//
// Multi-byte fields are big-endian. Unused bytes are zero unless the layout
// says otherwise.
package codec

import (
	"encoding/binary"

	"github.com/shaunagostinho/bms-emulator/internal/units"
)

// Payload is a classic CAN data field.
type Payload = [8]byte

// Outbound frame IDs.
const (
	IDKeepAlive      uint32 = 0x0FB
	IDStatus         uint32 = 0x19C
	IDSOC            uint32 = 0x1E5
	IDVoltageCurrent uint32 = 0x232
	IDTemperature    uint32 = 0x0C1
	IDPowerLimits    uint32 = 0x0C5
	IDCellVoltages   uint32 = 0x1C7
)

// Inbound frame IDs.
const (
	IDTelemetry        uint32 = 0x0AF
	IDStatusRequest    uint32 = 0x171
	IDContactorCommand uint32 = 0x172
	IDSafetyCheck      uint32 = 0x173
	IDSOCRequest       uint32 = 0x293
	IDBatteryConfig    uint32 = 0x295
	IDExtendedStatus   uint32 = 0x297
	IDVoltageRequest   uint32 = 0x334
	IDChargeRequest    uint32 = 0x391
	IDPowerRequest     uint32 = 0x3BC
	IDThermalRequest   uint32 = 0x3C0
	IDWakeUp           uint32 = 0x620
)

// SummaryMarker flags the min/max summary variant of the cell voltage frame.
const SummaryMarker = 0xFF

func put16(p *Payload, off int, v uint16) { binary.BigEndian.PutUint16(p[off:off+2], v) }
func get16(p Payload, off int) uint16     { return binary.BigEndian.Uint16(p[off : off+2]) }

// ============================================================================
// Outbound
// ============================================================================

// KeepAlive is the 10 ms liveness frame.
type KeepAlive struct {
	Counter uint8
}

func EncodeKeepAlive(k KeepAlive) Payload {
	return Payload{k.Counter & 0x0F, 0xFF, 0x00, 0x00, 0x00, 0x00, 0x05, 0xFF}
}

func DecodeKeepAlive(p Payload) KeepAlive {
	return KeepAlive{Counter: p[0] & 0x0F}
}

// Status reports isolation and contactor state.
type Status struct {
	Counter   uint8
	Isolation bool
	Contactor bool
}

func EncodeStatus(s Status) Payload {
	return Payload{s.Counter & 0x0F, boolByte(s.Isolation), boolByte(s.Contactor), 0xA0, 0x7F, 0xFF, 0x00, 0x01}
}

func DecodeStatus(p Payload) Status {
	return Status{Counter: p[0] & 0x0F, Isolation: p[1]&0x01 != 0, Contactor: p[2]&0x01 != 0}
}

// SOC carries state of charge and state of health.
type SOC struct {
	Counter uint8
	SOC     units.Centipercent
	SOH     units.Centipercent
}

func EncodeSOC(s SOC) Payload {
	var p Payload
	p[0] = s.Counter & 0x0F
	put16(&p, 1, uint16(s.SOC))
	put16(&p, 3, uint16(s.SOH))
	return p
}

func DecodeSOC(p Payload) SOC {
	return SOC{
		Counter: p[0] & 0x0F,
		SOC:     units.Centipercent(get16(p, 1)),
		SOH:     units.Centipercent(get16(p, 3)),
	}
}

// VoltageCurrent carries pack voltage, sign-magnitude current and the 12 V
// auxiliary battery voltage.
type VoltageCurrent struct {
	Counter  uint8
	Voltage  units.DeciVolt
	Current  units.DeciAmp
	LeadAcid units.DeciVolt
}

func EncodeVoltageCurrent(v VoltageCurrent) Payload {
	var p Payload
	p[0] = v.Counter & 0x0F
	put16(&p, 1, uint16(v.Voltage))
	put16(&p, 3, v.Current.SignMagnitude())
	p[5] = byte(v.LeadAcid)
	return p
}

func DecodeVoltageCurrent(p Payload) VoltageCurrent {
	return VoltageCurrent{
		Counter:  p[0] & 0x0F,
		Voltage:  units.DeciVolt(get16(p, 1)),
		Current:  units.DeciAmpFromSignMagnitude(get16(p, 3)),
		LeadAcid: units.DeciVolt(p[5]),
	}
}

// Temperature carries the low byte of the max/min pack temperatures.
type Temperature struct {
	Counter uint8
	Max     uint8
	Min     uint8
}

func EncodeTemperature(t Temperature) Payload {
	return Payload{t.Counter & 0x0F, t.Max, t.Min}
}

func DecodeTemperature(p Payload) Temperature {
	return Temperature{Counter: p[0] & 0x0F, Max: p[1], Min: p[2]}
}

// PowerLimits carries allowed charge/discharge power in 100 W units.
type PowerLimits struct {
	Counter            uint8
	ChargeHectowatt    uint16
	DischargeHectowatt uint16
}

func EncodePowerLimits(l PowerLimits) Payload {
	var p Payload
	p[0] = l.Counter & 0x0F
	put16(&p, 1, l.ChargeHectowatt)
	put16(&p, 3, l.DischargeHectowatt)
	return p
}

func DecodePowerLimits(p Payload) PowerLimits {
	return PowerLimits{
		Counter:            p[0] & 0x0F,
		ChargeHectowatt:    get16(p, 1),
		DischargeHectowatt: get16(p, 3),
	}
}

// CellGroup is one rotating slice of the cell voltage report. Mux carries the
// max cell index on every 6th group and the min cell index three groups later.
type CellGroup struct {
	Counter uint8
	Group   uint8
	Cells   [3]units.MilliVolt
	Mux     uint8
}

func EncodeCellGroup(g CellGroup) Payload {
	var p Payload
	p[0] = g.Counter&0x0F | (g.Group&0x0F)<<4
	put16(&p, 1, uint16(g.Cells[0]))
	put16(&p, 3, uint16(g.Cells[1]))
	put16(&p, 5, uint16(g.Cells[2]))
	p[7] = g.Mux
	return p
}

func DecodeCellGroup(p Payload) CellGroup {
	return CellGroup{
		Counter: p[0] & 0x0F,
		Group:   p[0] >> 4,
		Cells: [3]units.MilliVolt{
			units.MilliVolt(get16(p, 1)),
			units.MilliVolt(get16(p, 3)),
			units.MilliVolt(get16(p, 5)),
		},
		Mux: p[7],
	}
}

// CellSummary is sent once per rotation instead of a group.
type CellSummary struct {
	Counter  uint8
	Max      units.MilliVolt
	MaxIndex uint8
	Min      units.MilliVolt
	MinIndex uint8
}

func EncodeCellSummary(s CellSummary) Payload {
	var p Payload
	p[0] = s.Counter & 0x0F
	put16(&p, 1, uint16(s.Max))
	p[3] = s.MaxIndex
	put16(&p, 4, uint16(s.Min))
	p[6] = s.MinIndex
	p[7] = SummaryMarker
	return p
}

func DecodeCellSummary(p Payload) CellSummary {
	return CellSummary{
		Counter:  p[0] & 0x0F,
		Max:      units.MilliVolt(get16(p, 1)),
		MaxIndex: p[3],
		Min:      units.MilliVolt(get16(p, 4)),
		MinIndex: p[6],
	}
}

// IsCellSummary reports whether a 0x1C7 payload is the summary variant.
func IsCellSummary(p Payload) bool { return p[7] == SummaryMarker }

// ============================================================================
// Inbound
// ============================================================================

// Telemetry is the vehicle's view of the pack (0x0AF). SOCPercent above 100
// means "no data".
type Telemetry struct {
	PowerIndicator uint8
	SOCPercent     uint8
	Aux            uint8
}

func DecodeTelemetry(p Payload) Telemetry {
	return Telemetry{PowerIndicator: p[2], SOCPercent: p[5], Aux: p[6]}
}

func EncodeTelemetry(t Telemetry) Payload {
	var p Payload
	p[2] = t.PowerIndicator
	p[5] = t.SOCPercent
	p[6] = t.Aux
	return p
}

// ContactorCommand is a close/open request (0x172). Requests without the
// request bit set carry no command.
type ContactorCommand struct {
	Request bool
	Close   bool
}

func DecodeContactorCommand(p Payload) ContactorCommand {
	return ContactorCommand{Request: p[0]&0x01 != 0, Close: p[1]&0x01 != 0}
}

func EncodeContactorCommand(c ContactorCommand) Payload {
	return Payload{boolByte(c.Request), boolByte(c.Close)}
}

// ChargeRequest (0x391).
type ChargeRequest struct {
	Charging bool
}

func DecodeChargeRequest(p Payload) ChargeRequest {
	return ChargeRequest{Charging: p[0]&0x10 != 0}
}

func EncodeChargeRequest(c ChargeRequest) Payload {
	var p Payload
	if c.Charging {
		p[0] = 0x10
	}
	return p
}

// ThermalRequest (0x3C0). Cooling wins when both bits are set.
type ThermalRequest struct {
	Cooling bool
	Heating bool
}

func DecodeThermalRequest(p Payload) ThermalRequest {
	cooling := p[0]&0x01 != 0
	return ThermalRequest{Cooling: cooling, Heating: !cooling && p[0]&0x02 != 0}
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
