// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/modbus-edge/rtu-engine/server"
)

// MmapStorage implements server.Snapshotter over a memory-mapped file:
// OnWrite mutates the mapping directly and flushes it, giving the OS
// control over write-back timing between flushes.
type MmapStorage struct {
	path   string
	layout layout

	mu   sync.Mutex
	file *os.File
	data mmap.MMap
	read func(kind server.Kind, address uint16) (uint16, bool)
}

// NewMmapStorage creates an MmapStorage backed by path, with the given
// per-kind capacity (server.DefaultTableCapacity if capacity <= 0).
func NewMmapStorage(path string, capacity int) *MmapStorage {
	return &MmapStorage{
		path:   path,
		layout: newLayout(capacity),
	}
}

// BindSource implements server.SourceBinder.
func (ms *MmapStorage) BindSource(read func(kind server.Kind, address uint16) (uint16, bool)) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.read = read
}

// Load opens (creating if necessary), sizes, and maps the snapshot file.
func (ms *MmapStorage) Load() (*server.Tables, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	f, err := os.OpenFile(ms.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("persistence: failed to open %s: %w", ms.path, err)
	}
	ms.file = f

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() != int64(ms.layout.totalSize()) {
		if err := f.Truncate(int64(ms.layout.totalSize())); err != nil {
			f.Close()
			return nil, fmt.Errorf("persistence: failed to resize %s: %w", ms.path, err)
		}
	}

	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("persistence: mmap failed: %w", err)
	}
	ms.data = data

	return &server.Tables{
		Coils:            ms.layout.readEntries(data, server.KindCoils),
		DiscreteInputs:   ms.layout.readEntries(data, server.KindDiscreteInputs),
		HoldingRegisters: ms.layout.readEntries(data, server.KindHoldingRegisters),
		InputRegisters:   ms.layout.readEntries(data, server.KindInputRegisters),
	}, nil
}

// Save overwrites the whole mapped snapshot with tables and flushes it.
func (ms *MmapStorage) Save(tables *server.Tables) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.data == nil {
		return fmt.Errorf("persistence: Save called before Load")
	}
	ms.layout.writeEntries(ms.data, server.KindCoils, tables.Coils)
	ms.layout.writeEntries(ms.data, server.KindDiscreteInputs, tables.DiscreteInputs)
	ms.layout.writeEntries(ms.data, server.KindHoldingRegisters, tables.HoldingRegisters)
	ms.layout.writeEntries(ms.data, server.KindInputRegisters, tables.InputRegisters)
	return ms.data.Flush()
}

// OnWrite mutates the mapped snapshot in place and flushes it.
func (ms *MmapStorage) OnWrite(kind server.Kind, address uint16, quantity uint16) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.read == nil || ms.data == nil {
		return
	}
	for i := uint16(0); i < quantity; i++ {
		addr := address + i
		v, ok := ms.read(kind, addr)
		if !ok {
			continue
		}
		ms.layout.upsertEntry(ms.data, kind, addr, v)
	}
	if err := ms.data.Flush(); err != nil {
		slog.Error("persistence: failed to flush mmap", "path", ms.path, "err", err)
	}
}

// Close unmaps and closes the file.
func (ms *MmapStorage) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var err error
	if ms.data != nil {
		if e := ms.data.Unmap(); e != nil {
			err = e
		}
		ms.data = nil
	}
	if ms.file != nil {
		if e := ms.file.Close(); e != nil {
			err = e
		}
		ms.file = nil
	}
	return err
}
