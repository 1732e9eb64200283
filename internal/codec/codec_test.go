package codec

import (
	"testing"

	"github.com/shaunagostinho/bms-emulator/internal/units"
)

func TestKeepAliveLayout(t *testing.T) {
	got := EncodeKeepAlive(KeepAlive{Counter: 0x1B})
	want := Payload{0x0B, 0xFF, 0, 0, 0, 0, 0x05, 0xFF}
	if got != want {
		t.Fatalf("EncodeKeepAlive = % X, want % X", got, want)
	}
	if DecodeKeepAlive(got).Counter != 0x0B {
		t.Fatalf("counter not masked to 4 bits")
	}
}

func TestStatusLayout(t *testing.T) {
	got := EncodeStatus(Status{Counter: 3, Isolation: true, Contactor: false})
	want := Payload{0x03, 0x01, 0x00, 0xA0, 0x7F, 0xFF, 0x00, 0x01}
	if got != want {
		t.Fatalf("EncodeStatus = % X, want % X", got, want)
	}
}

func TestVoltageCurrentSignMagnitude(t *testing.T) {
	cases := []struct {
		name    string
		current units.DeciAmp
		hi, lo  byte
	}{
		{"charging", 150, 0x00, 0x96},
		{"idle", 0, 0x00, 0x00},
		{"discharging", -150, 0x80, 0x96},
		{"max discharge", -0x7FFF, 0xFF, 0xFF},
	}
	for _, tc := range cases {
		in := VoltageCurrent{Counter: 9, Voltage: 3850, Current: tc.current, LeadAcid: 120}
		p := EncodeVoltageCurrent(in)
		if p[1] != 0x0F || p[2] != 0x0A {
			t.Fatalf("%s: voltage bytes = % X", tc.name, p[1:3])
		}
		if p[3] != tc.hi || p[4] != tc.lo {
			t.Fatalf("%s: current bytes = %02X %02X, want %02X %02X", tc.name, p[3], p[4], tc.hi, tc.lo)
		}
		if p[5] != 120 {
			t.Fatalf("%s: lead acid byte = %d", tc.name, p[5])
		}
		if got := DecodeVoltageCurrent(p); got != in {
			t.Fatalf("%s: roundtrip mismatch: got %+v want %+v", tc.name, got, in)
		}
	}
}

func TestRoundTrips(t *testing.T) {
	soc := SOC{Counter: 15, SOC: 8123, SOH: 9800}
	if got := DecodeSOC(EncodeSOC(soc)); got != soc {
		t.Fatalf("SOC roundtrip: got %+v want %+v", got, soc)
	}
	temp := Temperature{Counter: 1, Max: 250, Min: 220}
	if got := DecodeTemperature(EncodeTemperature(temp)); got != temp {
		t.Fatalf("Temperature roundtrip: got %+v want %+v", got, temp)
	}
	pl := PowerLimits{Counter: 2, ChargeHectowatt: 500, DischargeHectowatt: 910}
	if got := DecodePowerLimits(EncodePowerLimits(pl)); got != pl {
		t.Fatalf("PowerLimits roundtrip: got %+v want %+v", got, pl)
	}
	g := CellGroup{Counter: 4, Group: 11, Cells: [3]units.MilliVolt{3751, 3752, 3753}, Mux: 0}
	if got := DecodeCellGroup(EncodeCellGroup(g)); got != g {
		t.Fatalf("CellGroup roundtrip: got %+v want %+v", got, g)
	}
	s := CellSummary{Counter: 5, Max: 3795, MaxIndex: 40, Min: 3755, MinIndex: 0}
	p := EncodeCellSummary(s)
	if !IsCellSummary(p) || p[7] != 0xFF {
		t.Fatalf("summary marker missing: % X", p)
	}
	if got := DecodeCellSummary(p); got != s {
		t.Fatalf("CellSummary roundtrip: got %+v want %+v", got, s)
	}
	tel := Telemetry{PowerIndicator: 0x20, SOCPercent: 81, Aux: 0xF5}
	if got := DecodeTelemetry(EncodeTelemetry(tel)); got != tel {
		t.Fatalf("Telemetry roundtrip: got %+v want %+v", got, tel)
	}
	cc := ContactorCommand{Request: true, Close: true}
	if got := DecodeContactorCommand(EncodeContactorCommand(cc)); got != cc {
		t.Fatalf("ContactorCommand roundtrip: got %+v want %+v", got, cc)
	}
	cr := ChargeRequest{Charging: true}
	if got := DecodeChargeRequest(EncodeChargeRequest(cr)); got != cr {
		t.Fatalf("ChargeRequest roundtrip: got %+v want %+v", got, cr)
	}
}

func TestCellGroupHeaderNibbles(t *testing.T) {
	p := EncodeCellGroup(CellGroup{Counter: 0x0A, Group: 0x17})
	if p[0] != 0x7A {
		t.Fatalf("header byte = %02X, want 7A", p[0])
	}
}

func TestDiagEncoders(t *testing.T) {
	if got, want := Negative(0x22, NRCServiceNotSupport), (Payload{3, 0x7F, 0x22, 0x11}); got != want {
		t.Fatalf("Negative = % X, want % X", got, want)
	}
	if got, want := WriteAck(0xB0, 0x41), (Payload{3, 0x6E, 0xB0, 0x41}); got != want {
		t.Fatalf("WriteAck = % X, want % X", got, want)
	}
	if got, want := SessionAck(0x03), (Payload{3, 0x50, 0x03, 0}); got != want {
		t.Fatalf("SessionAck = % X, want % X", got, want)
	}
	ff := FirstFrame(9, [6]byte{0x62, 0xB0, 0x6D, 0x15, 0x04, 0x12})
	if want := (Payload{0x10, 0x09, 0x62, 0xB0, 0x6D, 0x15, 0x04, 0x12}); ff != want {
		t.Fatalf("FirstFrame = % X, want % X", ff, want)
	}
	req := DecodeDiagRequest(ReadRequest(0xB046))
	if req.Service != SIDReadDataByID || req.PID() != 0xB046 || req.Length != 3 {
		t.Fatalf("ReadRequest decoded to %+v", req)
	}
}
