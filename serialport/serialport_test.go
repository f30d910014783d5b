// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package serialport

import (
	"bytes"
	"io"
	"testing"
	"time"
)

// fakeConn is an in-memory io.ReadWriteCloser standing in for an opened
// serial device, so these tests never touch serial.Open.
type fakeConn struct {
	in        *bytes.Reader
	out       bytes.Buffer
	closed    bool
	readCalls int
}

func (f *fakeConn) Read(p []byte) (int, error) {
	f.readCalls++
	if f.in.Len() == 0 {
		return 0, nil // mimics a device read timeout with no data
	}
	return f.in.Read(p)
}

func (f *fakeConn) Write(p []byte) (int, error) { return f.out.Write(p) }

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func newTestPort(rx []byte) (*Port, *fakeConn) {
	conn := &fakeConn{in: bytes.NewReader(rx)}
	p := &Port{IdleTimeout: 0}
	p.conn = conn
	return p, conn
}

func TestAvailableCachesPeekedByte(t *testing.T) {
	p, _ := newTestPort([]byte{0xAA})

	n, err := p.Available()
	if err != nil || n != 1 {
		t.Fatalf("Available = (%d, %v), want (1, nil)", n, err)
	}
	// Calling Available again must not consume another byte from conn.
	n, err = p.Available()
	if err != nil || n != 1 {
		t.Fatalf("second Available = (%d, %v), want (1, nil)", n, err)
	}

	b, err := p.ReadByte()
	if err != nil || b != 0xAA {
		t.Fatalf("ReadByte = (%#x, %v), want (0xaa, nil)", b, err)
	}
}

func TestAvailableReportsZeroOnEmptyDevice(t *testing.T) {
	p, _ := newTestPort(nil)

	n, err := p.Available()
	if err != nil || n != 0 {
		t.Fatalf("Available = (%d, %v), want (0, nil)", n, err)
	}
}

func TestReadByteWithoutPriorAvailable(t *testing.T) {
	p, _ := newTestPort([]byte{0x01, 0x02})

	b, err := p.ReadByte()
	if err != nil || b != 0x01 {
		t.Fatalf("ReadByte = (%#x, %v), want (0x01, nil)", b, err)
	}
	b, err = p.ReadByte()
	if err != nil || b != 0x02 {
		t.Fatalf("ReadByte = (%#x, %v), want (0x02, nil)", b, err)
	}
}

func TestWriteByteWritesToDevice(t *testing.T) {
	p, conn := newTestPort(nil)

	if err := p.WriteByte(0x7E); err != nil {
		t.Fatalf("WriteByte: %v", err)
	}
	if !bytes.Equal(conn.out.Bytes(), []byte{0x7E}) {
		t.Fatalf("written = %X, want [7E]", conn.out.Bytes())
	}
}

func TestCloseClearsPeekState(t *testing.T) {
	p, conn := newTestPort([]byte{0x01})
	if _, err := p.Available(); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !conn.closed {
		t.Fatal("underlying connection was not closed")
	}
	if p.havePeek {
		t.Fatal("havePeek not cleared by Close")
	}
}

func TestCloseIdleClosesAfterInactivity(t *testing.T) {
	p, conn := newTestPort(nil)
	p.IdleTimeout = time.Millisecond
	p.lastActivity = time.Now().Add(-time.Hour)

	p.closeIdle()

	if !conn.closed {
		t.Fatal("closeIdle did not close a stale connection")
	}
}

func TestCloseIdleLeavesActiveConnectionOpen(t *testing.T) {
	p, conn := newTestPort(nil)
	p.IdleTimeout = time.Hour
	p.lastActivity = time.Now()

	p.closeIdle()

	if conn.closed {
		t.Fatal("closeIdle closed a connection that was not idle")
	}
}

var _ io.ReadWriteCloser = (*fakeConn)(nil)
