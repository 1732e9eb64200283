package emulator

import (
	"context"
	"fmt"
	"log"

	"github.com/shaunagostinho/bms-emulator/internal/battery"
	"github.com/shaunagostinho/bms-emulator/internal/datalayer"
	"github.com/shaunagostinho/bms-emulator/internal/units"
)

// Update is one projection of the engine for the status store.
type Update struct {
	Status datalayer.Status
	// Events are the raised events and their values at projection time.
	Events map[datalayer.Event]uint16
	// Paused marks an update taken during an equipment stop. Status is empty
	// and Events holds only the CAN overrun event.
	Paused bool
}

// PausedProjection is the update taken while the equipment stop is active.
// It carries the overrun event and leaves the heartbeat and the other events
// untouched.
func (e *Engine) PausedProjection() Update {
	u := Update{Paused: true, Events: make(map[datalayer.Event]uint16, 1)}
	if val, ok := e.events[datalayer.EventCANOverrun]; ok {
		u.Events[datalayer.EventCANOverrun] = val
	}
	return u
}

// Project refreshes the deviation and isolation events, builds the store
// projection and counts the CAN heartbeat down by one.
func (e *Engine) Project() Update {
	st := e.sim.State()
	v := e.sim.Variant()

	// Zero cells are unpopulated slots, not readings.
	var cellMin, cellMax uint16 = 9999, 0
	for _, c := range st.CellVoltages() {
		if c > 0 && uint16(c) < cellMin {
			cellMin = uint16(c)
		}
		if uint16(c) > cellMax {
			cellMax = uint16(c)
		}
	}
	switch spread := cellMax - cellMin; {
	case cellMax == 0:
		cellMin = 0
	case spread > uint16(v.MaxDeviation):
		e.events[datalayer.EventCellDeviationHigh] = spread
	default:
		delete(e.events, datalayer.EventCellDeviationHigh)
	}
	if !st.IsolationOK {
		e.events[datalayer.EventBatteryIsolation] = 0
	} else {
		delete(e.events, datalayer.EventBatteryIsolation)
	}

	if st.SOC > 0 {
		e.stillAlive = datalayer.CANStillAlive
	}
	s := statusFor(st, v)
	s.CellMin, s.CellMax = units.MilliVolt(cellMin), units.MilliVolt(cellMax)
	s.ContactorAllowed = st.SOC > 0
	s.BMSStatus = e.bmsStatus
	s.StillAlive = e.stillAlive
	if e.stillAlive > 0 {
		e.stillAlive--
	}

	events := make(map[datalayer.Event]uint16, len(e.events))
	for ev, val := range e.events {
		events[ev] = val
	}
	return Update{Status: s, Events: events}
}

func statusFor(st battery.PackState, v battery.Variant) datalayer.Status {
	return datalayer.Status{
		RealSOC:           st.SOC,
		ReportedSOC:       st.DisplaySOC,
		SOH:               st.SOH,
		Voltage:           st.Voltage,
		Current:           st.Current,
		MaxChargePower:    st.AllowedChargePower,
		MaxDischargePower: st.AllowedDischargePower,
		TempMin:           st.TempMin,
		TempMax:           st.TempMax,
		CellCount:         st.CellCount,
		MaxDesignVoltage:  v.MaxPackVoltage,
		MinDesignVoltage:  v.MinPackVoltage,
		MaxCellVoltage:    v.MaxCellVoltage,
		MinCellVoltage:    v.MinCellVoltage,
		MaxCellDeviation:  v.MaxDeviation,
	}
}

// Publisher writes projections into a store. It remembers which events it
// has written so only transitions reach the store.
type Publisher struct {
	store   datalayer.Store
	written map[datalayer.Event]uint16
	stopped bool
}

func NewPublisher(store datalayer.Store) *Publisher {
	return &Publisher{store: store, written: make(map[datalayer.Event]uint16)}
}

// Apply publishes u unless the equipment stop is active or u was taken
// while it was. In both cases only the CAN overrun event is kept current.
func (p *Publisher) Apply(ctx context.Context, u Update) error {
	stop, err := p.store.EquipmentStop(ctx)
	if err != nil {
		return fmt.Errorf("read equipment stop: %w", err)
	}
	if stop != p.stopped {
		p.stopped = stop
		if stop {
			log.Printf("[store] equipment stop active, updates paused")
		} else {
			log.Printf("[store] equipment stop released")
		}
	}

	if stop || u.Paused {
		return p.syncEvent(ctx, datalayer.EventCANOverrun, u.Events)
	}
	if err := p.store.Publish(ctx, u.Status); err != nil {
		return fmt.Errorf("publish status: %w", err)
	}
	for _, ev := range datalayer.Events {
		if err := p.syncEvent(ctx, ev, u.Events); err != nil {
			return err
		}
	}
	return nil
}

// Stopped reports the equipment stop flag seen by the last Apply.
func (p *Publisher) Stopped() bool { return p.stopped }

func (p *Publisher) syncEvent(ctx context.Context, ev datalayer.Event, want map[datalayer.Event]uint16) error {
	val, on := want[ev]
	old, was := p.written[ev]
	switch {
	case on && (!was || old != val):
		if err := p.store.SetEvent(ctx, ev, val); err != nil {
			return fmt.Errorf("set event %s: %w", ev, err)
		}
		if !was {
			log.Printf("[store] event %s raised (%d)", ev, val)
		}
		p.written[ev] = val
	case !on && was:
		if err := p.store.ClearEvent(ctx, ev); err != nil {
			return fmt.Errorf("clear event %s: %w", ev, err)
		}
		log.Printf("[store] event %s cleared", ev)
		delete(p.written, ev)
	}
	return nil
}
