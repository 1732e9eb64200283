// Package units holds the fixed-point scales used on the battery CAN bus.
//
// Every value keeps the raw integer the wire carries; the float accessors
// exist for logs and the web view only.
package units

import "fmt"

// Centipercent is a percentage in 0.01 % steps (7500 = 75.00 %).
type Centipercent uint16

// MaxCentipercent is 100.00 %.
const MaxCentipercent Centipercent = 10000

func (c Centipercent) Percent() float64 { return float64(c) / 100 }
func (c Centipercent) String() string   { return fmt.Sprintf("%d.%02d%%", c/100, c%100) }

// FromPercent converts a whole percentage (0-100) to centipercent.
func FromPercent(p uint8) Centipercent { return Centipercent(p) * 100 }

// DeciVolt is a voltage in 0.1 V steps (3850 = 385.0 V).
type DeciVolt uint16

func (v DeciVolt) Volts() float64  { return float64(v) / 10 }
func (v DeciVolt) String() string { return fmt.Sprintf("%.1fV", v.Volts()) }

// DeciAmp is a signed current in 0.1 A steps. Positive is charging.
type DeciAmp int16

func (a DeciAmp) Amps() float64  { return float64(a) / 10 }
func (a DeciAmp) String() string { return fmt.Sprintf("%.1fA", a.Amps()) }

// SignMagnitude encodes the current as bit 15 = sign, bits 0-14 = magnitude.
func (a DeciAmp) SignMagnitude() uint16 {
	if a < 0 {
		return 0x8000 | uint16(-int32(a))&0x7FFF
	}
	return uint16(a) & 0x7FFF
}

// DeciAmpFromSignMagnitude is the inverse of SignMagnitude.
func DeciAmpFromSignMagnitude(raw uint16) DeciAmp {
	mag := DeciAmp(raw & 0x7FFF)
	if raw&0x8000 != 0 {
		return -mag
	}
	return mag
}

// MilliVolt is a cell voltage in mV.
type MilliVolt uint16

func (v MilliVolt) Volts() float64  { return float64(v) / 1000 }
func (v MilliVolt) String() string { return fmt.Sprintf("%dmV", uint16(v)) }

// DeciCelsius is a temperature in 0.1 °C steps (250 = 25.0 °C).
type DeciCelsius int16

func (t DeciCelsius) Celsius() float64 { return float64(t) / 10 }
func (t DeciCelsius) String() string   { return fmt.Sprintf("%.1fC", t.Celsius()) }

// Watt is a power limit in W.
type Watt uint32

// Hectowatts returns the power in 100 W units, saturated to 16 bits.
func (w Watt) Hectowatts() uint16 {
	h := w / 100
	if h > 0xFFFF {
		return 0xFFFF
	}
	return uint16(h)
}

func (w Watt) Kilowatts() float64 { return float64(w) / 1000 }
func (w Watt) String() string     { return fmt.Sprintf("%dW", uint32(w)) }
