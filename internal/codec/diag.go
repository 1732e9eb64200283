package codec

// UDS service identifiers and response codes used by the responder.
const (
	SIDSessionControl    byte = 0x10
	SIDReadDataByID      byte = 0x22
	SIDWriteDataByID     byte = 0x2E
	PositiveOffset       byte = 0x40
	NegativeResponse     byte = 0x7F
	NRCServiceNotSupport byte = 0x11
)

// DiagRequest is a single-frame diagnostic request: [len, sid, b2, b3, data...].
// For 0x22/0x2E b2/b3 are the parameter ID, for 0x10 b2 is the session type.
type DiagRequest struct {
	Length  uint8
	Service byte
	PIDHigh byte
	PIDLow  byte
	Data    [4]byte
}

// PID returns the 16-bit parameter identifier.
func (r DiagRequest) PID() uint16 { return uint16(r.PIDHigh)<<8 | uint16(r.PIDLow) }

func DecodeDiagRequest(p Payload) DiagRequest {
	r := DiagRequest{Length: p[0], Service: p[1], PIDHigh: p[2], PIDLow: p[3]}
	copy(r.Data[:], p[4:])
	return r
}

func EncodeDiagRequest(r DiagRequest) Payload {
	p := Payload{r.Length, r.Service, r.PIDHigh, r.PIDLow}
	copy(p[4:], r.Data[:])
	return p
}

// ReadRequest builds a ReadDataByIdentifier request payload.
func ReadRequest(pid uint16) Payload {
	return EncodeDiagRequest(DiagRequest{Length: 3, Service: SIDReadDataByID, PIDHigh: byte(pid >> 8), PIDLow: byte(pid)})
}

// PositiveRead encodes {length, 0x62, pid_hi, pid_lo, value...}.
func PositiveRead(length uint8, pid uint16, value [4]byte) Payload {
	p := Payload{length, SIDReadDataByID + PositiveOffset, byte(pid >> 8), byte(pid)}
	copy(p[4:], value[:])
	return p
}

// FirstFrame encodes an ISO-TP first frame header {0x1L, LL, data[0:6]} for a
// response of total length n. Only the first six data bytes fit.
func FirstFrame(n uint16, data [6]byte) Payload {
	p := Payload{0x10 | byte(n>>8)&0x0F, byte(n)}
	copy(p[2:], data[:])
	return p
}

// Negative encodes {3, 0x7F, sid, nrc}.
func Negative(sid, nrc byte) Payload {
	return Payload{3, NegativeResponse, sid, nrc}
}

// WriteAck encodes {3, 0x6E, pid_hi, pid_lo}.
func WriteAck(pidHigh, pidLow byte) Payload {
	return Payload{3, SIDWriteDataByID + PositiveOffset, pidHigh, pidLow}
}

// SessionAck encodes {3, 0x50, session, 0}.
func SessionAck(session byte) Payload {
	return Payload{3, SIDSessionControl + PositiveOffset, session, 0}
}
