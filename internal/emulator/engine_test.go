package emulator

import (
	"context"
	"testing"
	"time"

	"github.com/shaunagostinho/bms-emulator/internal/battery"
	"github.com/shaunagostinho/bms-emulator/internal/canbus"
	"github.com/shaunagostinho/bms-emulator/internal/codec"
	"github.com/shaunagostinho/bms-emulator/internal/datalayer"
	"github.com/shaunagostinho/bms-emulator/internal/units"
)

type sent struct {
	id   uint32
	data codec.Payload
}

type recorder struct{ frames []sent }

func (r *recorder) Transmit(id uint32, data codec.Payload) {
	r.frames = append(r.frames, sent{id, data})
}

func (r *recorder) count(id uint32) int {
	n := 0
	for _, f := range r.frames {
		if f.id == id {
			n++
		}
	}
	return n
}

func mustVariant(t *testing.T, name string) battery.Variant {
	t.Helper()
	v, err := battery.LookupVariant(name)
	if err != nil {
		t.Fatalf("LookupVariant(%s): %v", name, err)
	}
	return v
}

func newTestEngine(t *testing.T) (*Engine, *recorder) {
	t.Helper()
	rec := &recorder{}
	fixed := func() time.Time { return time.Date(2021, 4, 18, 10, 0, 0, 0, time.UTC) }
	return NewEngine(mustVariant(t, "mgzs"), Config{}, rec, fixed), rec
}

func TestDiagnosticRoundTrip(t *testing.T) {
	e, rec := newTestEngine(t)
	e.HandleFrame(0x781, 8, codec.ReadRequest(0xB046), 0)

	if len(rec.frames) != 1 {
		t.Fatalf("sent %d frames, want 1", len(rec.frames))
	}
	got := rec.frames[0]
	want := codec.Payload{0x05, 0x62, 0xB0, 0x46, 0x01, 0x2C, 0xAA, 0xAA}
	if got.id != 0x789 || got.data != want {
		t.Fatalf("response %03X % X, want 789 % X", got.id, got.data, want)
	}

	e.HandleFrame(0x7E3, 8, codec.ReadRequest(0xB046), 1)
	if last := rec.frames[len(rec.frames)-1]; last.id != 0x7EB || last.data != codec.Negative(0x22, 0x11) {
		t.Fatalf("unknown VCU pid answered %03X % X", last.id, last.data)
	}

	s := e.Stats()
	if s.UDSRequests != 2 || s.FramesIn != 2 || s.FramesOut != 2 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestTelemetryFrame(t *testing.T) {
	e, _ := newTestEngine(t)
	e.HandleFrame(codec.IDTelemetry, 8, codec.EncodeTelemetry(codec.Telemetry{PowerIndicator: 10, SOCPercent: 80, Aux: 0x10}), 0)
	st := e.State()
	if st.SOC != 8000 || st.AllowedDischargePower != 42000 || st.AllowedChargePower != 26000 {
		t.Fatalf("after telemetry: soc=%v dis=%v chg=%v", st.SOC, st.AllowedDischargePower, st.AllowedChargePower)
	}

	e.HandleFrame(codec.IDTelemetry, 8, codec.EncodeTelemetry(codec.Telemetry{SOCPercent: 150}), 1)
	if st := e.State(); st.SOC != 8000 {
		t.Fatalf("rejected SOC changed state to %v", st.SOC)
	}
	if e.Stats().SOCRejected != 1 {
		t.Fatalf("SOCRejected = %d", e.Stats().SOCRejected)
	}

	e.HandleFrame(0x123, 8, codec.Payload{}, 2)
	e.HandleFrame(codec.IDSafetyCheck, 8, codec.Payload{}, 3)
	if e.Stats().Ignored != 1 {
		t.Fatalf("Ignored = %d, want 1", e.Stats().Ignored)
	}
}

func TestShortTelemetryDropped(t *testing.T) {
	cases := []struct {
		length uint8
		soc    units.Centipercent
	}{
		{0, 7500},
		{5, 7500},
		{6, 7500},
		{7, 4000},
		{8, 4000},
	}
	for _, tc := range cases {
		e, _ := newTestEngine(t)
		e.HandleFrame(codec.IDTelemetry, tc.length, codec.EncodeTelemetry(codec.Telemetry{SOCPercent: 40}), 0)
		if st := e.State(); st.SOC != tc.soc {
			t.Fatalf("DLC %d: SOC = %v, want %v", tc.length, st.SOC, tc.soc)
		}
		truncated := uint64(0)
		if tc.length < 7 {
			truncated = 1
		}
		if got := e.Stats().Truncated; got != truncated {
			t.Fatalf("DLC %d: Truncated = %d, want %d", tc.length, got, truncated)
		}
	}
}

func TestContactorDrivesBMSStatus(t *testing.T) {
	e, rec := newTestEngine(t)
	closeCmd := codec.EncodeContactorCommand(codec.ContactorCommand{Request: true, Close: true})
	openCmd := codec.EncodeContactorCommand(codec.ContactorCommand{Request: true, Close: false})

	cases := []struct {
		name      string
		isolation bool
		cmd       codec.Payload
		closed    bool
		status    datalayer.BMSStatus
	}{
		{"close accepted", true, closeCmd, true, datalayer.Active},
		{"open requested", true, openCmd, false, datalayer.Standby},
		{"close with isolation fault", false, closeCmd, false, datalayer.Standby},
		{"no request bit", true, codec.Payload{0, 1}, false, datalayer.Standby},
	}
	for i, tc := range cases {
		e.SetIsolation(tc.isolation)
		e.HandleFrame(codec.IDContactorCommand, 8, tc.cmd, uint64(i))
		if got := e.State().ContactorClosed; got != tc.closed {
			t.Fatalf("%s: closed = %v, want %v", tc.name, got, tc.closed)
		}
		if got := e.BMSStatus(); got != tc.status {
			t.Fatalf("%s: status = %v, want %v", tc.name, got, tc.status)
		}
	}
	if len(rec.frames) != 0 {
		t.Fatalf("contactor commands produced %d frames", len(rec.frames))
	}
	if e.Stats().ContactorCmds != 3 {
		t.Fatalf("ContactorCmds = %d, want 3", e.Stats().ContactorCmds)
	}
}

func TestTickSchedulesFrames(t *testing.T) {
	e, rec := newTestEngine(t)
	for ms := uint64(0); ms <= 100; ms++ {
		e.Tick(ms)
	}
	if n := rec.count(codec.IDKeepAlive); n != 10 {
		t.Fatalf("keep-alive frames = %d, want 10", n)
	}
	for _, id := range []uint32{codec.IDStatus, codec.IDSOC, codec.IDVoltageCurrent, codec.IDTemperature, codec.IDPowerLimits, codec.IDCellVoltages} {
		if n := rec.count(id); n != 1 {
			t.Fatalf("frame %03X sent %d times, want 1", id, n)
		}
	}
	if e.Stats().FramesOut != uint64(len(rec.frames)) {
		t.Fatalf("FramesOut = %d, sent %d", e.Stats().FramesOut, len(rec.frames))
	}
}

func TestOverrunEvent(t *testing.T) {
	e, _ := newTestEngine(t)
	e.Tick(6000)
	if !e.Overrun() {
		t.Fatalf("late first firing after boot grace should raise overrun")
	}
	if _, ok := e.Project().Events[datalayer.EventCANOverrun]; !ok {
		t.Fatalf("overrun missing from projection")
	}
	e.Tick(6010)
	if e.Overrun() {
		t.Fatalf("on-time firing should clear overrun")
	}
	if _, ok := e.Project().Events[datalayer.EventCANOverrun]; ok {
		t.Fatalf("overrun still in projection")
	}
}

func TestProjectEvents(t *testing.T) {
	v := mustVariant(t, "mgzs")
	v.MaxDeviation = 10
	e := NewEngine(v, Config{}, &recorder{}, nil)

	u := e.Project()
	if len(u.Events) != 0 {
		t.Fatalf("fresh engine events = %v", u.Events)
	}
	if !u.Status.ContactorAllowed || u.Status.RealSOC != 7500 || u.Status.CellCount != 96 {
		t.Fatalf("status = %+v", u.Status)
	}

	// Start the integration clock, then integrate once to spread the cells.
	e.HandleFrame(0x123, 8, codec.Payload{}, 0)
	e.Tick(100)
	e.SetIsolation(false)
	u = e.Project()
	if got := u.Events[datalayer.EventCellDeviationHigh]; got != 40 {
		t.Fatalf("deviation event = %d (%v), want 40", got, u.Events)
	}
	if _, ok := u.Events[datalayer.EventBatteryIsolation]; !ok {
		t.Fatalf("isolation event missing: %v", u.Events)
	}
	if u.Status.CellMin != 3755 || u.Status.CellMax != 3795 {
		t.Fatalf("cell min/max = %v/%v", u.Status.CellMin, u.Status.CellMax)
	}

	e.SetIsolation(true)
	if _, ok := e.Project().Events[datalayer.EventBatteryIsolation]; ok {
		t.Fatalf("isolation event not cleared")
	}
}

func TestHeartbeat(t *testing.T) {
	e, _ := newTestEngine(t)
	e.RestoreSOC(0)
	e.HandleFrame(0x123, 8, codec.Payload{}, 0)

	for want := datalayer.CANStillAlive; want > datalayer.CANStillAlive-3; want-- {
		u := e.Project()
		if u.Status.StillAlive != want {
			t.Fatalf("still alive = %d, want %d", u.Status.StillAlive, want)
		}
		if u.Status.ContactorAllowed {
			t.Fatalf("contactor allowed with empty pack")
		}
	}

	e.RestoreSOC(units.Centipercent(5000))
	if u := e.Project(); u.Status.StillAlive != datalayer.CANStillAlive || !u.Status.ContactorAllowed {
		t.Fatalf("with charge: %+v", u.Status)
	}
}

func TestPublisherTransitions(t *testing.T) {
	ctx := context.Background()
	store := datalayer.NewMemoryStore()
	p := NewPublisher(store)

	u := Update{
		Status: datalayer.Status{RealSOC: 7500},
		Events: map[datalayer.Event]uint16{datalayer.EventBatteryIsolation: 0, datalayer.EventCellDeviationHigh: 200},
	}
	if err := p.Apply(ctx, u); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := store.ActiveEvents(); len(got) != 2 || got[datalayer.EventCellDeviationHigh] != 200 {
		t.Fatalf("events = %v", got)
	}
	if s, ok := store.Snapshot(); !ok || s.RealSOC != 7500 {
		t.Fatalf("snapshot = %+v, %v", s, ok)
	}

	u = Update{Status: datalayer.Status{RealSOC: 7400}, Events: map[datalayer.Event]uint16{datalayer.EventCellDeviationHigh: 180}}
	if err := p.Apply(ctx, u); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := store.ActiveEvents(); len(got) != 1 || got[datalayer.EventCellDeviationHigh] != 180 {
		t.Fatalf("events after update = %v", got)
	}
}

func TestPublisherEquipmentStop(t *testing.T) {
	ctx := context.Background()
	store := datalayer.NewMemoryStore()
	p := NewPublisher(store)

	if err := p.Apply(ctx, Update{Status: datalayer.Status{RealSOC: 7500}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	store.SetEquipmentStop(true)
	u := Update{
		Status: datalayer.Status{RealSOC: 100},
		Events: map[datalayer.Event]uint16{datalayer.EventCANOverrun: 30, datalayer.EventBatteryIsolation: 0},
	}
	if err := p.Apply(ctx, u); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if store.Updates() != 1 {
		t.Fatalf("status published during equipment stop")
	}
	events := store.ActiveEvents()
	if _, ok := events[datalayer.EventCANOverrun]; !ok {
		t.Fatalf("overrun not flushed during stop: %v", events)
	}
	if _, ok := events[datalayer.EventBatteryIsolation]; ok {
		t.Fatalf("isolation written during stop: %v", events)
	}

	store.SetEquipmentStop(false)
	if err := p.Apply(ctx, u); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if s, _ := store.Snapshot(); s.RealSOC != 100 || store.Updates() != 2 {
		t.Fatalf("after release: soc=%v updates=%d", s.RealSOC, store.Updates())
	}
}

func TestPausedProjectionLeavesState(t *testing.T) {
	e, _ := newTestEngine(t)
	e.HandleFrame(0x123, 8, codec.Payload{}, 0)
	e.SetIsolation(false)
	e.Tick(6000)

	for i := 0; i < 3; i++ {
		u := e.PausedProjection()
		if !u.Paused || len(u.Events) != 1 {
			t.Fatalf("paused update = %+v", u)
		}
		if _, ok := u.Events[datalayer.EventCANOverrun]; !ok {
			t.Fatalf("overrun missing from paused update: %v", u.Events)
		}
	}
	if _, ok := e.events[datalayer.EventBatteryIsolation]; ok {
		t.Fatalf("isolation event refreshed while paused")
	}

	u := e.Project()
	if u.Status.StillAlive != datalayer.CANStillAlive {
		t.Fatalf("heartbeat counted down while paused: %d", u.Status.StillAlive)
	}
	if _, ok := u.Events[datalayer.EventBatteryIsolation]; !ok {
		t.Fatalf("isolation event missing after release: %v", u.Events)
	}
}

func TestPublisherPausedUpdateAfterRelease(t *testing.T) {
	ctx := context.Background()
	store := datalayer.NewMemoryStore()
	p := NewPublisher(store)

	store.SetEquipmentStop(true)
	if err := p.Apply(ctx, Update{Status: datalayer.Status{RealSOC: 7500}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !p.Stopped() {
		t.Fatalf("stop flag not tracked")
	}

	// Taken before the release was seen: must not publish its empty status.
	store.SetEquipmentStop(false)
	paused := Update{Paused: true, Events: map[datalayer.Event]uint16{datalayer.EventCANOverrun: 12}}
	if err := p.Apply(ctx, paused); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if p.Stopped() || store.Updates() != 0 {
		t.Fatalf("stopped=%v updates=%d", p.Stopped(), store.Updates())
	}
	if got := store.ActiveEvents()[datalayer.EventCANOverrun]; got != 12 {
		t.Fatalf("overrun = %d, want 12", got)
	}
}

func TestRunnerOverLoopback(t *testing.T) {
	bus := canbus.NewLoopbackBus()
	defer bus.Close()
	emu, veh := bus.Open("emulator"), bus.Open("vehicle")
	for _, ep := range []*canbus.Endpoint{emu, veh} {
		if err := ep.Connect(); err != nil {
			t.Fatalf("Connect: %v", err)
		}
	}

	store := datalayer.NewMemoryStore()
	r := NewRunner(mustVariant(t, "mgzs"), RunnerConfig{UpdateMs: 50}, emu, store)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- r.Run(ctx) }()

	responses := make(chan canbus.Frame, 4)
	go veh.Listen(ctx, func(f canbus.Frame) {
		if f.ID == 0x789 {
			select {
			case responses <- f:
			default:
			}
		}
	})

	if err := veh.Send(canbus.Frame{ID: 0x781, Len: 8, Data: codec.ReadRequest(0xB061)}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case f := <-responses:
		want := codec.Payload{0x05, 0x62, 0xB0, 0x61, 0x26, 0x48, 0xAA, 0xAA}
		if f.Data != want {
			t.Fatalf("SOH response % X, want % X", f.Data, want)
		}
	case <-ctx.Done():
		t.Fatalf("no diagnostic response")
	}

	if err := r.SetIsolation(false); err != nil {
		t.Fatalf("SetIsolation: %v", err)
	}
	for store.Updates() == 0 || len(store.ActiveEvents()) == 0 {
		select {
		case <-ctx.Done():
			t.Fatalf("store never updated (updates=%d events=%v)", store.Updates(), store.ActiveEvents())
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	if err := <-runDone; err != nil {
		t.Fatalf("Run: %v", err)
	}
	snap := r.Snapshot()
	if snap.Variant != "mgzs" || snap.Stats.UDSRequests != 1 || snap.Pack.IsolationOK {
		t.Fatalf("snapshot = %+v", snap)
	}
	if len(snap.Cells) != 96 {
		t.Fatalf("snapshot has %d cells", len(snap.Cells))
	}
}
