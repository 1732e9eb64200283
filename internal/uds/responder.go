// Package uds answers the single-frame diagnostic requests a vehicle sends to
// the BMS, DCDC and VCU addresses.
package uds

import (
	"fmt"
	"time"

	"github.com/shaunagostinho/bms-emulator/internal/battery"
	"github.com/shaunagostinho/bms-emulator/internal/codec"
)

// Identity is one of the ECUs the emulator answers for.
type Identity int

const (
	BMS Identity = iota
	DCDC
	VCU
)

func (i Identity) String() string {
	switch i {
	case BMS:
		return "BMS"
	case DCDC:
		return "DCDC"
	case VCU:
		return "VCU"
	default:
		return fmt.Sprintf("Identity(%d)", int(i))
	}
}

// Address is a request/response arbitration ID pair.
type Address struct {
	Request  uint32
	Response uint32
}

var addresses = map[Identity]Address{
	BMS:  {Request: 0x781, Response: 0x789},
	DCDC: {Request: 0x785, Response: 0x78D},
	VCU:  {Request: 0x7E3, Response: 0x7EB},
}

// AddressOf returns the arbitration IDs of an identity.
func AddressOf(i Identity) Address { return addresses[i] }

// IdentityFor maps a request arbitration ID to the identity that owns it.
func IdentityFor(id uint32) (Identity, bool) {
	for ident, a := range addresses {
		if a.Request == id {
			return ident, true
		}
	}
	return 0, false
}

// IsRequestID reports whether a frame ID belongs to the diagnostic protocol.
func IsRequestID(id uint32) bool {
	_, ok := IdentityFor(id)
	return ok
}

// Response is one diagnostic answer, ready to transmit.
type Response struct {
	ID   uint32
	Data codec.Payload
	// Name is the parameter that was read, empty for anything but a
	// positive 0x22 answer.
	Name string
}

// Responder holds the per-identity parameter tables and a wall clock for the
// BMS time parameter.
type Responder struct {
	tables map[Identity]map[uint16]entry
	now    func() time.Time
}

// NewResponder builds a responder with the built-in tables. A nil clock uses
// time.Now.
func NewResponder(now func() time.Time) *Responder {
	if now == nil {
		now = time.Now
	}
	return &Responder{tables: defaultTables(), now: now}
}

// Handle answers a request received on id. It returns false when id is not a
// diagnostic request address. Every recognised request gets exactly one
// response on the identity's response ID.
func (r *Responder) Handle(id uint32, p codec.Payload, st *battery.PackState) (Response, bool) {
	ident, ok := IdentityFor(id)
	if !ok {
		return Response{}, false
	}
	resp := Response{ID: addresses[ident].Response}
	req := codec.DecodeDiagRequest(p)

	switch req.Service {
	case codec.SIDReadDataByID:
		resp.Data, resp.Name = r.read(ident, req.PID(), st)
	case codec.SIDWriteDataByID:
		resp.Data = codec.WriteAck(req.PIDHigh, req.PIDLow)
	case codec.SIDSessionControl:
		resp.Data = codec.SessionAck(req.PIDHigh)
	default:
		resp.Data = codec.Negative(req.Service, codec.NRCServiceNotSupport)
	}
	return resp, true
}

func (r *Responder) read(ident Identity, pid uint16, st *battery.PackState) (codec.Payload, string) {
	if ident == BMS && pid == pidBMSTime {
		return bmsTime(r.now()), "bms time"
	}
	e, ok := r.tables[ident][pid]
	if !ok {
		return codec.Negative(codec.SIDReadDataByID, codec.NRCServiceNotSupport), ""
	}
	return codec.PositiveRead(e.length, pid, e.value(st)), e.name
}

// bmsTime returns the first frame of the multi-frame time answer. Only the
// date fits; continuation frames are never sent.
func bmsTime(t time.Time) codec.Payload {
	return codec.FirstFrame(9, [6]byte{
		codec.SIDReadDataByID + codec.PositiveOffset,
		byte(pidBMSTime >> 8),
		byte(pidBMSTime & 0xFF),
		byte(t.Year() % 100),
		byte(t.Month()),
		byte(t.Day()),
	})
}

// Parameters lists the readable PIDs of an identity in the built-in tables.
func Parameters(ident Identity) []uint16 {
	return listPIDs(defaultTables(), ident)
}

// Parameters lists the readable PIDs of an identity, for logs and the demo
// vehicle.
func (r *Responder) Parameters(ident Identity) []uint16 {
	return listPIDs(r.tables, ident)
}

func listPIDs(tables map[Identity]map[uint16]entry, ident Identity) []uint16 {
	pids := make([]uint16, 0, len(tables[ident])+1)
	for pid := range tables[ident] {
		pids = append(pids, pid)
	}
	if ident == BMS {
		pids = append(pids, pidBMSTime)
	}
	sortPIDs(pids)
	return pids
}
