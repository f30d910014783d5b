// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/modbus-edge/rtu-engine/server"
)

// FileStorage implements server.Snapshotter by keeping the snapshot in
// memory and rewriting the whole plain file on every write. It trades write throughput for simplicity:
// every OnWrite call reads back nothing and writes the whole snapshot.
type FileStorage struct {
	path   string
	layout layout

	mu   sync.Mutex
	file *os.File
	data []byte
	read func(kind server.Kind, address uint16) (uint16, bool)
}

// NewFileStorage creates a FileStorage backed by path, with the given
// per-kind capacity (server.DefaultTableCapacity if capacity <= 0).
func NewFileStorage(path string, capacity int) *FileStorage {
	return &FileStorage{
		path:   path,
		layout: newLayout(capacity),
	}
}

// BindSource implements server.SourceBinder.
func (fs *FileStorage) BindSource(read func(kind server.Kind, address uint16) (uint16, bool)) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.read = read
}

// Load opens (creating if necessary) and reads the snapshot file.
func (fs *FileStorage) Load() (*server.Tables, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	f, err := os.OpenFile(fs.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("persistence: failed to open %s: %w", fs.path, err)
	}
	fs.file = f

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() != int64(fs.layout.totalSize()) {
		if err := f.Truncate(int64(fs.layout.totalSize())); err != nil {
			f.Close()
			return nil, fmt.Errorf("persistence: failed to resize %s: %w", fs.path, err)
		}
	}

	data, err := io.ReadAll(io.NewSectionReader(f, 0, int64(fs.layout.totalSize())))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("persistence: failed to read %s: %w", fs.path, err)
	}
	fs.data = data

	return &server.Tables{
		Coils:            fs.layout.readEntries(data, server.KindCoils),
		DiscreteInputs:   fs.layout.readEntries(data, server.KindDiscreteInputs),
		HoldingRegisters: fs.layout.readEntries(data, server.KindHoldingRegisters),
		InputRegisters:   fs.layout.readEntries(data, server.KindInputRegisters),
	}, nil
}

// Save overwrites the whole snapshot file with tables.
func (fs *FileStorage) Save(tables *server.Tables) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.data == nil {
		return fmt.Errorf("persistence: Save called before Load")
	}
	fs.layout.writeEntries(fs.data, server.KindCoils, tables.Coils)
	fs.layout.writeEntries(fs.data, server.KindDiscreteInputs, tables.DiscreteInputs)
	fs.layout.writeEntries(fs.data, server.KindHoldingRegisters, tables.HoldingRegisters)
	fs.layout.writeEntries(fs.data, server.KindInputRegisters, tables.InputRegisters)
	return fs.sync()
}

// OnWrite updates the in-memory snapshot and syncs it to disk.
func (fs *FileStorage) OnWrite(kind server.Kind, address uint16, quantity uint16) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.read == nil || fs.data == nil {
		return
	}
	for i := uint16(0); i < quantity; i++ {
		addr := address + i
		v, ok := fs.read(kind, addr)
		if !ok {
			continue
		}
		fs.layout.upsertEntry(fs.data, kind, addr, v)
	}
	if err := fs.sync(); err != nil {
		slog.Error("persistence: failed to sync snapshot file", "path", fs.path, "err", err)
	}
}

func (fs *FileStorage) sync() error {
	if _, err := fs.file.WriteAt(fs.data, 0); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return fs.file.Sync()
}

// Close closes the underlying file.
func (fs *FileStorage) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.file == nil {
		return nil
	}
	err := fs.file.Close()
	fs.file = nil
	return err
}
