// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package serialport adapts a github.com/grid-x/serial port to the
// link.Port interface, including RS-485 transmit-enable handling and a
// lazy-open/idle-close connection discipline.
package serialport

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/grid-x/serial"
)

// DefaultIdleTimeout closes an unused serial connection after this long.
const DefaultIdleTimeout = 60 * time.Second

// Port wraps a physical serial device for use by a link.Link. It opens the
// underlying device lazily on the first Available/ReadByte/WriteByte call
// and closes it after IdleTimeout of inactivity, the way the source
// project's transport layer keeps a serial connection parked shut between
// polls instead of held open indefinitely.
type Port struct {
	Config serial.Config

	// IdleTimeout is the inactivity window after which the connection is
	// closed. Zero disables idle closing.
	IdleTimeout time.Duration

	mu           sync.Mutex
	conn         io.ReadWriteCloser
	lastActivity time.Time
	closeTimer   *time.Timer

	// havePeek/peekByte hold a single byte read ahead by Available, since
	// the underlying device exposes no non-blocking peek of its own.
	// ReadByte drains it before touching the device again.
	havePeek bool
	peekByte byte
}

// New returns a Port around cfg. Call Open, or let the first I/O call open
// it lazily.
func New(cfg serial.Config) *Port {
	return &Port{
		Config:      cfg,
		IdleTimeout: DefaultIdleTimeout,
	}
}

// Open connects the underlying serial device if it is not already open.
func (p *Port) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open()
}

func (p *Port) open() error {
	if p.conn != nil {
		return nil
	}
	conn, err := serial.Open(&p.Config)
	if err != nil {
		return fmt.Errorf("serialport: could not open %s: %w", p.Config.Address, err)
	}
	p.conn = conn
	return nil
}

// Close closes the underlying serial device, if open.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.close()
}

func (p *Port) close() error {
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	p.havePeek = false
	return err
}

func (p *Port) touch() {
	p.lastActivity = time.Now()
	if p.IdleTimeout <= 0 {
		return
	}
	if p.closeTimer == nil {
		p.closeTimer = time.AfterFunc(p.IdleTimeout, p.closeIdle)
	} else {
		p.closeTimer.Reset(p.IdleTimeout)
	}
}

func (p *Port) closeIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.IdleTimeout <= 0 || p.conn == nil {
		return
	}
	if idle := time.Since(p.lastActivity); idle >= p.IdleTimeout {
		slog.Debug("serialport: closing idle connection", "idle", idle, "device", p.Config.Address)
		p.close()
	}
}

// Available reports whether a byte is ready to read, by attempting one
// read bounded by Config.Timeout and caching it on success. It never
// reports more than 1: the device gives us no byte count ahead of reading,
// only a per-call timeout, so link.Link's drain loop calls it once per
// byte rather than once per window.
func (p *Port) Available() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.open(); err != nil {
		return 0, err
	}
	if p.havePeek {
		return 1, nil
	}
	var buf [1]byte
	n, err := p.conn.Read(buf[:])
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	p.touch()
	p.havePeek = true
	p.peekByte = buf[0]
	return 1, nil
}

// ReadByte returns the byte cached by Available, reading one directly if
// none is cached yet.
func (p *Port) ReadByte() (byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.open(); err != nil {
		return 0, err
	}
	if p.havePeek {
		p.havePeek = false
		return p.peekByte, nil
	}
	var buf [1]byte
	if _, err := io.ReadFull(p.conn, buf[:]); err != nil {
		return 0, err
	}
	p.touch()
	return buf[0], nil
}

// WriteByte writes one byte to the device.
func (p *Port) WriteByte(b byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.open(); err != nil {
		return err
	}
	p.touch()
	_, err := p.conn.Write([]byte{b})
	return err
}

// BeginTransmission and EndTransmission are no-ops: RS-485 direction
// control, when Config.RS485.Enabled is set, is handled by the underlying
// driver on every Write, not by the Link's send/receive bracket. They
// exist to satisfy link.Port.
func (p *Port) BeginTransmission() error { return nil }
func (p *Port) EndTransmission() error   { return nil }
