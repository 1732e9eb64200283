package emulator

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shaunagostinho/bms-emulator/internal/battery"
	"github.com/shaunagostinho/bms-emulator/internal/canbus"
	"github.com/shaunagostinho/bms-emulator/internal/codec"
	"github.com/shaunagostinho/bms-emulator/internal/datalayer"
	"github.com/shaunagostinho/bms-emulator/internal/scheduler"
	"github.com/shaunagostinho/bms-emulator/internal/units"
)

// RunnerConfig configures the control loop around the engine.
type RunnerConfig struct {
	Engine Config
	// UpdateMs is the store update interval.
	UpdateMs int
	// Now is the wall clock for the BMS time parameter; nil means time.Now.
	Now func() time.Time
}

const (
	defaultUpdateMs  = 1000
	snapshotInterval = 100 * time.Millisecond
	frameQueueSize   = 256
)

// Snapshot is an immutable copy of everything the web side shows.
type Snapshot struct {
	Stamp     int64             `json:"stamp"`
	UptimeMs  uint64            `json:"uptimeMs"`
	Variant   string            `json:"variant"`
	Transport string            `json:"transport"`
	Connected bool              `json:"connected"`
	Pack      battery.PackState `json:"pack"`
	Cells     []units.MilliVolt `json:"cells"`
	BMSStatus string            `json:"bmsStatus"`
	Overrun   bool              `json:"overrun"`
	Timers    scheduler.Timers  `json:"timers"`
	Stats     Stats             `json:"stats"`
	TxErrors  uint64            `json:"txErrors"`
	RxDropped uint64            `json:"rxDropped"`
	Status    *datalayer.Status `json:"status,omitempty"`
	Events    map[string]uint16 `json:"events,omitempty"`
}

// Runner drives an Engine from one goroutine: it feeds received frames in
// arrival order, ticks every millisecond and hands projections to the store.
type Runner struct {
	engine    *Engine
	transport canbus.Transport
	publisher *Publisher
	sender    *busSender

	updateEvery time.Duration
	start       time.Time
	cmds        chan func(*Engine)
	stopped     atomic.Bool

	mu        sync.RWMutex
	snap      Snapshot
	rxDropped uint64
	lastProj  *Update
}

// NewRunner builds the engine for v and binds it to a transport and store.
func NewRunner(v battery.Variant, cfg RunnerConfig, tr canbus.Transport, store datalayer.Store) *Runner {
	if cfg.UpdateMs <= 0 {
		cfg.UpdateMs = defaultUpdateMs
	}
	r := &Runner{
		transport:   tr,
		publisher:   NewPublisher(store),
		sender:      &busSender{tr: tr},
		updateEvery: time.Duration(cfg.UpdateMs) * time.Millisecond,
		start:       time.Now(),
		cmds:        make(chan func(*Engine), 16),
	}
	r.engine = NewEngine(v, cfg.Engine, r.sender, cfg.Now)
	r.refreshSnapshot()
	return r
}

// Engine gives direct access to the engine. Only safe before Run starts.
func (r *Runner) Engine() *Engine { return r.engine }

// RestoreSOC seeds the pack SOC saved by a previous run. Only safe before
// Run starts.
func (r *Runner) RestoreSOC(soc units.Centipercent) bool {
	if !r.engine.RestoreSOC(soc) {
		return false
	}
	r.refreshSnapshot()
	return true
}

var errBusy = errors.New("emulator: command queue full")

// Do queues fn to run on the control loop.
func (r *Runner) Do(fn func(*Engine)) error {
	select {
	case r.cmds <- fn:
		return nil
	default:
		return errBusy
	}
}

// SetIsolation injects or clears an isolation fault from another goroutine.
func (r *Runner) SetIsolation(ok bool) error {
	return r.Do(func(e *Engine) {
		e.SetIsolation(ok)
		log.Printf("[bms] isolation set to %v", ok)
	})
}

// Snapshot returns the latest copy of the engine state.
func (r *Runner) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap
}

func (r *Runner) nowMs() uint64 {
	return uint64(time.Since(r.start).Milliseconds())
}

// Run blocks until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	frames := make(chan canbus.Frame, frameQueueSize)
	go r.receive(ctx, frames)

	updates := make(chan Update, 1)
	go r.publishLoop(ctx, updates)

	tick := time.NewTicker(time.Millisecond)
	update := time.NewTicker(r.updateEvery)
	snap := time.NewTicker(snapshotInterval)
	defer tick.Stop()
	defer update.Stop()
	defer snap.Stop()

	log.Printf("[bms] emulating %s on %s", r.engine.Variant().Description, r.transport.Name())
	for {
		select {
		case <-ctx.Done():
			r.refreshSnapshot()
			return nil
		case f := <-frames:
			r.engine.HandleFrame(f.ID, f.Len, f.Data, r.nowMs())
		case <-tick.C:
			r.engine.Tick(r.nowMs())
		case fn := <-r.cmds:
			fn(r.engine)
		case <-update.C:
			var u Update
			if r.stopped.Load() {
				u = r.engine.PausedProjection()
			} else {
				u = r.engine.Project()
				r.mu.Lock()
				r.lastProj = &u
				r.mu.Unlock()
			}
			select {
			case updates <- u:
			default:
				log.Printf("[store] previous update still in flight, skipping")
			}
		case <-snap.C:
			r.refreshSnapshot()
		}
	}
}

// receive keeps listening while the transport is connected. Reconnecting is
// the owner's job; this loop waits for it.
func (r *Runner) receive(ctx context.Context, frames chan<- canbus.Frame) {
	deliver := func(f canbus.Frame) {
		select {
		case frames <- f:
		default:
			r.mu.Lock()
			r.rxDropped++
			r.mu.Unlock()
		}
	}
	for {
		if !r.transport.IsConnected() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(250 * time.Millisecond):
			}
			continue
		}
		err := r.transport.Listen(ctx, deliver)
		if ctx.Err() != nil {
			return
		}
		log.Printf("[can] %s receive stopped: %v", r.transport.Name(), err)
		r.transport.Close()
	}
}

func (r *Runner) publishLoop(ctx context.Context, updates <-chan Update) {
	failing := false
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-updates:
			err := r.publisher.Apply(ctx, u)
			r.stopped.Store(r.publisher.Stopped())
			switch {
			case err != nil && !failing:
				log.Printf("[store] update failed: %v", err)
				failing = true
			case err == nil && failing:
				log.Printf("[store] updates recovered")
				failing = false
			}
		}
	}
}

func (r *Runner) refreshSnapshot() {
	e := r.engine
	st := e.State()
	cells := make([]units.MilliVolt, st.CellCount)
	copy(cells, st.CellVoltages())

	r.mu.Lock()
	defer r.mu.Unlock()
	s := Snapshot{
		Stamp:     time.Now().UnixMilli(),
		UptimeMs:  r.nowMs(),
		Variant:   e.Variant().Name,
		Transport: r.transport.Name(),
		Connected: r.transport.IsConnected(),
		Pack:      st,
		Cells:     cells,
		BMSStatus: e.BMSStatus().String(),
		Overrun:   e.Overrun(),
		Timers:    e.Timers(),
		Stats:     e.Stats(),
		TxErrors:  r.sender.errors(),
		RxDropped: r.rxDropped,
	}
	if r.lastProj != nil {
		status := r.lastProj.Status
		s.Status = &status
		s.Events = make(map[string]uint16, len(r.lastProj.Events))
		for ev, v := range r.lastProj.Events {
			s.Events[ev.String()] = v
		}
	}
	r.snap = s
}

// busSender adapts a transport to scheduler.Sender. A failure is logged once
// per streak; frames are never retried.
type busSender struct {
	tr canbus.Transport

	mu      sync.Mutex
	failing bool
	count   uint64
}

func (b *busSender) Transmit(id uint32, data codec.Payload) {
	err := b.tr.Send(canbus.Frame{ID: id, Len: 8, Data: data})
	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.count++
		if !b.failing {
			log.Printf("[can] transmit %03X failed: %v", id, err)
			b.failing = true
		}
		return
	}
	if b.failing {
		log.Printf("[can] transmit recovered after %d failed frames", b.count)
		b.failing = false
	}
}

func (b *busSender) errors() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}
