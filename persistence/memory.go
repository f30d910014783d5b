// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"sync"

	"github.com/modbus-edge/rtu-engine/server"
)

// MemoryStorage is an in-process server.Snapshotter that keeps the last
// known value of every written address, without touching disk. Load
// always returns the state accumulated so far, which makes it useful for
// tests and for servers that only need OnWrite as an audit hook.
type MemoryStorage struct {
	mu     sync.Mutex
	layout layout
	data   []byte
	read   func(kind server.Kind, address uint16) (uint16, bool)
}

// NewMemoryStorage creates a MemoryStorage with the given per-kind
// capacity (server.DefaultTableCapacity if capacity <= 0).
func NewMemoryStorage(capacity int) *MemoryStorage {
	l := newLayout(capacity)
	return &MemoryStorage{
		layout: l,
		data:   make([]byte, l.totalSize()),
	}
}

// BindSource implements server.SourceBinder.
func (m *MemoryStorage) BindSource(read func(kind server.Kind, address uint16) (uint16, bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.read = read
}

// Load returns the accumulated table state.
func (m *MemoryStorage) Load() (*server.Tables, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &server.Tables{
		Coils:            m.layout.readEntries(m.data, server.KindCoils),
		DiscreteInputs:   m.layout.readEntries(m.data, server.KindDiscreteInputs),
		HoldingRegisters: m.layout.readEntries(m.data, server.KindHoldingRegisters),
		InputRegisters:   m.layout.readEntries(m.data, server.KindInputRegisters),
	}, nil
}

// Save overwrites the entire in-memory snapshot with tables, discarding
// any entries OnWrite accumulated outside of it.
func (m *MemoryStorage) Save(tables *server.Tables) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.layout.writeEntries(m.data, server.KindCoils, tables.Coils)
	m.layout.writeEntries(m.data, server.KindDiscreteInputs, tables.DiscreteInputs)
	m.layout.writeEntries(m.data, server.KindHoldingRegisters, tables.HoldingRegisters)
	m.layout.writeEntries(m.data, server.KindInputRegisters, tables.InputRegisters)
	return nil
}

// OnWrite records the current value of every address in
// [address, address+quantity) using the bound source function.
func (m *MemoryStorage) OnWrite(kind server.Kind, address uint16, quantity uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.read == nil {
		return
	}
	for i := uint16(0); i < quantity; i++ {
		addr := address + i
		v, ok := m.read(kind, addr)
		if !ok {
			continue
		}
		m.layout.upsertEntry(m.data, kind, addr, v)
	}
}
