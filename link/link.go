// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package link drives one Modbus RTU serial node's receive/send pair: it
// owns the transport port and the node's device addresses, and enforces
// the half-duplex discipline (a send completes, including line release,
// before a receive begins).
package link

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/modbus-edge/rtu-engine/adu"
)

// Port is the transport collaborator a Link requires. It is intentionally
// minimal: a byte-oriented port with transmit-enable hooks for RS-485
// direction control. RS-485 timing policy, baud configuration, and
// inter-frame silence enforcement belong to the Port implementation, not
// to the Link.
type Port interface {
	// Available reports how many bytes are currently buffered for read.
	Available() (int, error)
	// ReadByte consumes and returns the next buffered byte.
	ReadByte() (byte, error)
	// WriteByte enqueues one byte for transmission.
	WriteByte(b byte) error
	// BeginTransmission asserts the transmit-enable line, if any.
	BeginTransmission() error
	// EndTransmission releases the transmit-enable line, if any.
	EndTransmission() error
}

var (
	// ErrNoBytes is returned by Receive when the read window elapsed
	// without a single byte arriving.
	ErrNoBytes = errors.New("link: receive timed out with no bytes")
	// ErrCRCMismatch is returned by Receive when bytes arrived but failed
	// CRC validation, and by Send when the caller did not call SetCRC
	// first.
	ErrCRCMismatch = errors.New("link: CRC check failed")
)

// Link owns a Port and the addressing needed to act as either a Modbus
// RTU server (responder) or client (initiator) on it.
type Link struct {
	port Port

	// LocalDeviceAddress is this node's identity when acting as a server.
	LocalDeviceAddress byte
	// RemoteDeviceAddress is the peer this node addresses when acting as
	// a client.
	RemoteDeviceAddress byte

	mu sync.Mutex
}

// New wraps port in a Link for the given local/remote device addresses.
func New(port Port, localDeviceAddress, remoteDeviceAddress byte) *Link {
	return &Link{
		port:                port,
		LocalDeviceAddress:  localDeviceAddress,
		RemoteDeviceAddress: remoteDeviceAddress,
	}
}

// Receive resets frame's length to 0, then drains all available bytes
// from the port for up to timeout of wall time. This is a time-window
// read, not a byte-count read: it relies on the caller's timeout rather
// than 3.5-character silence detection, and keeps draining until the
// deadline regardless of how soon the first byte arrives.
//
// On return: if any bytes were read and CheckCRC passes, it returns the
// frame length and a nil error. If no bytes arrived at all it returns
// ErrNoBytes; if bytes arrived but failed CRC it returns ErrCRCMismatch.
// Both are surfaced by callers as the same -1 sentinel, but are
// distinguishable here for logging.
func (l *Link) Receive(frame *adu.ADU, timeout time.Duration) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	frame.ResetLength()

	deadline := time.Now().Add(timeout)
	gotAnyBytes := false

	for time.Now().Before(deadline) {
		n, err := l.port.Available()
		if err != nil {
			return -1, err
		}
		for i := 0; i < n; i++ {
			b, err := l.port.ReadByte()
			if err != nil {
				return -1, err
			}
			if err := frame.AddByte(b); err != nil {
				// Frame already at capacity; stop accepting more bytes
				// but keep draining the window so a runt trailing byte
				// doesn't leak into the next transaction.
				gotAnyBytes = true
				continue
			}
			gotAnyBytes = true
		}
		if n == 0 {
			time.Sleep(time.Millisecond)
		}
	}

	if !gotAnyBytes {
		return -1, ErrNoBytes
	}
	if !frame.CheckCRC() {
		slog.Debug("link: CRC mismatch on receive", "length", frame.Length())
		return -1, ErrCRCMismatch
	}
	return frame.Length(), nil
}

// Send requires frame.CheckCRC() to pass (the caller is expected to have
// called SetCRC already); it asserts transmit-enable, writes every byte
// in order, releases transmit-enable, and returns the frame length. If
// CRC validation fails, nothing is written and ErrCRCMismatch is
// returned.
func (l *Link) Send(frame *adu.ADU) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !frame.CheckCRC() {
		return -1, ErrCRCMismatch
	}

	if err := l.port.BeginTransmission(); err != nil {
		return -1, err
	}
	defer l.port.EndTransmission()

	for _, b := range frame.RawBytes() {
		if err := l.port.WriteByte(b); err != nil {
			return -1, err
		}
	}
	return frame.Length(), nil
}
