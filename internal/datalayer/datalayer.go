// Package datalayer is where the emulator publishes the pack status for the
// rest of the system, and where it reads the equipment-stop switch.
package datalayer

import (
	"context"
	"fmt"

	"github.com/shaunagostinho/bms-emulator/internal/units"
)

// BMSStatus mirrors the contactor gate for consumers of the store.
type BMSStatus int

const (
	Standby BMSStatus = iota
	Active
)

func (s BMSStatus) String() string {
	if s == Active {
		return "active"
	}
	return "standby"
}

// CANStillAlive is the heartbeat value written on every inbound frame. The
// engine counts it down once per store update.
const CANStillAlive uint8 = 60

// Status is one projection of the pack state.
type Status struct {
	RealSOC     units.Centipercent `json:"realSoc"`
	ReportedSOC units.Centipercent `json:"reportedSoc"`
	SOH         units.Centipercent `json:"soh"`
	Voltage     units.DeciVolt     `json:"voltage"`
	Current     units.DeciAmp      `json:"current"`

	MaxChargePower    units.Watt `json:"maxChargePower"`
	MaxDischargePower units.Watt `json:"maxDischargePower"`

	TempMin units.DeciCelsius `json:"tempMin"`
	TempMax units.DeciCelsius `json:"tempMax"`

	CellMin   units.MilliVolt `json:"cellMin"`
	CellMax   units.MilliVolt `json:"cellMax"`
	CellCount int             `json:"cellCount"`

	MaxDesignVoltage units.DeciVolt  `json:"maxDesignVoltage"`
	MinDesignVoltage units.DeciVolt  `json:"minDesignVoltage"`
	MaxCellVoltage   units.MilliVolt `json:"maxCellVoltage"`
	MinCellVoltage   units.MilliVolt `json:"minCellVoltage"`
	MaxCellDeviation units.MilliVolt `json:"maxCellDeviation"`

	ContactorAllowed bool      `json:"contactorAllowed"`
	BMSStatus        BMSStatus `json:"bmsStatus"`
	StillAlive       uint8     `json:"stillAlive"`
}

// Event is a condition the emulator raises and clears.
type Event int

const (
	EventCellDeviationHigh Event = iota + 1
	EventBatteryIsolation
	EventCANOverrun
)

func (e Event) String() string {
	switch e {
	case EventCellDeviationHigh:
		return "cell-deviation-high"
	case EventBatteryIsolation:
		return "battery-isolation"
	case EventCANOverrun:
		return "can-overrun"
	default:
		return fmt.Sprintf("event-%d", int(e))
	}
}

// Events lists every event in a stable order.
var Events = []Event{EventCellDeviationHigh, EventBatteryIsolation, EventCANOverrun}

// Store receives status projections and event changes.
type Store interface {
	Name() string
	Publish(ctx context.Context, s Status) error
	// SetEvent raises ev with an event-specific value (spread in mV, delay
	// in ms, or 0).
	SetEvent(ctx context.Context, ev Event, data uint16) error
	ClearEvent(ctx context.Context, ev Event) error
	// EquipmentStop reports the external stop switch. While it is set the
	// engine skips its store updates.
	EquipmentStop(ctx context.Context) (bool, error)
	Close() error
}
