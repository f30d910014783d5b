// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package persistence provides file- and mmap-backed server.Snapshotter
// implementations, storing each register table as a fixed-capacity slot
// array rather than a flat per-address array.
package persistence

import (
	"encoding/binary"

	"github.com/modbus-edge/rtu-engine/server"
)

// slotSize is the on-disk width of one (address, value) entry: two
// big-endian uint16 fields.
const slotSize = 4

// kindCount is the number of register tables a snapshot covers.
const kindCount = 4

// layout describes the byte offsets of a snapshot file for a given
// per-kind slot capacity. The file is a small fixed header (one uint16
// occupancy count per kind) followed by kindCount slot arrays.
type layout struct {
	capacity int
}

func newLayout(capacity int) layout {
	if capacity <= 0 {
		capacity = server.DefaultTableCapacity
	}
	return layout{capacity: capacity}
}

func (l layout) headerSize() int { return kindCount * 2 }

func (l layout) tableSize() int { return l.capacity * slotSize }

func (l layout) totalSize() int { return l.headerSize() + kindCount*l.tableSize() }

func (l layout) countOffset(k server.Kind) int { return int(k) * 2 }

func (l layout) tableOffset(k server.Kind) int { return l.headerSize() + int(k)*l.tableSize() }

// readCount returns the occupancy header for kind k.
func (l layout) readCount(data []byte, k server.Kind) int {
	return int(binary.BigEndian.Uint16(data[l.countOffset(k):]))
}

func (l layout) writeCount(data []byte, k server.Kind, n int) {
	binary.BigEndian.PutUint16(data[l.countOffset(k):], uint16(n))
}

// readEntries decodes the occupied slots of kind k into Entry values.
func (l layout) readEntries(data []byte, k server.Kind) []server.Entry {
	n := l.readCount(data, k)
	if n > l.capacity {
		n = l.capacity
	}
	base := l.tableOffset(k)
	entries := make([]server.Entry, n)
	for i := 0; i < n; i++ {
		off := base + i*slotSize
		entries[i] = server.Entry{
			Address: binary.BigEndian.Uint16(data[off:]),
			Value:   binary.BigEndian.Uint16(data[off+2:]),
		}
	}
	return entries
}

// writeEntries encodes entries into kind k's slot array and updates its
// occupancy header. It truncates silently if entries exceeds capacity —
// callers configure tables with the same capacity this layout was built
// with, so that should not happen in practice.
func (l layout) writeEntries(data []byte, k server.Kind, entries []server.Entry) {
	n := len(entries)
	if n > l.capacity {
		n = l.capacity
	}
	l.writeCount(data, k, n)
	base := l.tableOffset(k)
	for i := 0; i < n; i++ {
		off := base + i*slotSize
		binary.BigEndian.PutUint16(data[off:], entries[i].Address)
		binary.BigEndian.PutUint16(data[off+2:], entries[i].Value)
	}
}

// upsertEntry finds address within kind k's occupied slots and overwrites
// its value, or appends a new slot if address is absent and there is
// capacity remaining. It reports whether the write took effect.
func (l layout) upsertEntry(data []byte, k server.Kind, address, value uint16) bool {
	n := l.readCount(data, k)
	base := l.tableOffset(k)
	for i := 0; i < n; i++ {
		off := base + i*slotSize
		if binary.BigEndian.Uint16(data[off:]) == address {
			binary.BigEndian.PutUint16(data[off+2:], value)
			return true
		}
	}
	if n >= l.capacity {
		return false
	}
	off := base + n*slotSize
	binary.BigEndian.PutUint16(data[off:], address)
	binary.BigEndian.PutUint16(data[off+2:], value)
	l.writeCount(data, k, n+1)
	return true
}
