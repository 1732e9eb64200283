package datalayer

import (
	"context"
	"sync"
)

// MemoryStore keeps the latest status in process. It backs the web view when
// no Redis is configured and lets the HTTP API drive the equipment stop.
type MemoryStore struct {
	mu            sync.RWMutex
	status        Status
	published     bool
	events        map[Event]uint16
	equipmentStop bool
	updates       uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[Event]uint16)}
}

func (m *MemoryStore) Name() string { return "memory" }

func (m *MemoryStore) Publish(_ context.Context, s Status) error {
	m.mu.Lock()
	m.status = s
	m.published = true
	m.updates++
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) SetEvent(_ context.Context, ev Event, data uint16) error {
	m.mu.Lock()
	m.events[ev] = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) ClearEvent(_ context.Context, ev Event) error {
	m.mu.Lock()
	delete(m.events, ev)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) EquipmentStop(context.Context) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.equipmentStop, nil
}

// SetEquipmentStop flips the stop switch.
func (m *MemoryStore) SetEquipmentStop(active bool) {
	m.mu.Lock()
	m.equipmentStop = active
	m.mu.Unlock()
}

// Snapshot returns the last published status and whether anything has been
// published yet.
func (m *MemoryStore) Snapshot() (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, m.published
}

// Updates counts Publish calls.
func (m *MemoryStore) Updates() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.updates
}

// ActiveEvents returns a copy of the raised events and their values.
func (m *MemoryStore) ActiveEvents() map[Event]uint16 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[Event]uint16, len(m.events))
	for ev, v := range m.events {
		out[ev] = v
	}
	return out
}

func (m *MemoryStore) Close() error { return nil }
