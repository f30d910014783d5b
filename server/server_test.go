// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package server

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/modbus-edge/rtu-engine/crc"
	"github.com/modbus-edge/rtu-engine/link"
)

// loopbackPort feeds a fixed request frame to Receive and records what
// Send writes, mocking an io.ReadWriteCloser with plain byte buffers.
type loopbackPort struct {
	in  *bytes.Reader
	out bytes.Buffer
}

func newLoopbackPort(rx []byte) *loopbackPort {
	return &loopbackPort{in: bytes.NewReader(rx)}
}

func (p *loopbackPort) Available() (int, error)  { return p.in.Len(), nil }
func (p *loopbackPort) ReadByte() (byte, error)  { return p.in.ReadByte() }
func (p *loopbackPort) WriteByte(b byte) error   { return p.out.WriteByte(b) }
func (p *loopbackPort) BeginTransmission() error { return nil }
func (p *loopbackPort) EndTransmission() error   { return nil }

func frameWithCRC(body ...byte) []byte {
	sum := crc.Of(body)
	return append(append([]byte{}, body...), byte(sum), byte(sum>>8))
}

func TestPoll_ReadHoldingRegisters(t *testing.T) {
	req := frameWithCRC(0x11, 0x03, 0x00, 0x6B, 0x00, 0x02)
	port := newLoopbackPort(req)
	l := link.New(port, 0x11, 0x11)
	s := New(l)

	if err := s.ConfigureHoldingRegisters(0x006B, 2); err != nil {
		t.Fatalf("ConfigureHoldingRegisters: %v", err)
	}

	fc, err := s.Poll(20 * time.Millisecond)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if fc != 0x03 {
		t.Fatalf("Poll returned %d, want 3", fc)
	}

	want := []byte{0x11, 0x03, 0x04, 0x00, 0x00, 0x00, 0x00, 0xEB, 0xF2}
	if diff := cmp.Diff(want, port.out.Bytes()); diff != "" {
		t.Fatalf("response mismatch (-want +got):\n%s", diff)
	}
}

func TestPoll_ReadCoilsPacking(t *testing.T) {
	// 19 coils from 0x0013, packed LSB-first into {0xCD, 0x6B, 0x05}:
	// this is the bit sequence that produces those three bytes under
	// LSB-first packing.
	pattern := []uint16{1, 0, 1, 1, 0, 0, 1, 1, 1, 1, 0, 1, 0, 1, 1, 0, 1, 0, 1}

	req := frameWithCRC(0x11, 0x01, 0x00, 0x13, 0x00, byte(len(pattern)))
	port := newLoopbackPort(req)
	l := link.New(port, 0x11, 0x11)
	s := New(l)

	if err := s.ConfigureCoils(0x0013, len(pattern)); err != nil {
		t.Fatal(err)
	}
	for i, v := range pattern {
		if !s.coils.write(0x0013+uint16(i), v) {
			t.Fatalf("seeding coil %d failed", i)
		}
	}

	fc, err := s.Poll(20 * time.Millisecond)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if fc != 0x01 {
		t.Fatalf("Poll returned %d, want 1", fc)
	}

	resp := port.out.Bytes()
	if len(resp) < 5 {
		t.Fatalf("response too short: %X", resp)
	}
	byteCount := resp[2]
	packed := resp[3 : 3+int(byteCount)]
	want := []byte{0xCD, 0x6B, 0x05}
	if !bytes.Equal(packed, want) {
		t.Fatalf("packed bits = %X, want %X", packed, want)
	}
}

func TestPoll_WriteSingleCoilMirrorsRequest(t *testing.T) {
	req := frameWithCRC(0x11, 0x05, 0x00, 0xAC, 0xFF, 0x00)
	port := newLoopbackPort(req)
	l := link.New(port, 0x11, 0x11)
	s := New(l)

	if err := s.ConfigureCoils(0x00AC, 1); err != nil {
		t.Fatal(err)
	}

	fc, err := s.Poll(20 * time.Millisecond)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if fc != 0x05 {
		t.Fatalf("Poll returned %d, want 5", fc)
	}
	if !bytes.Equal(port.out.Bytes(), req) {
		t.Fatalf("response = %X, want mirror of request %X", port.out.Bytes(), req)
	}
	if s.ReadCoil(0x00AC) != 1 {
		t.Fatalf("coil not written: ReadCoil = %d, want 1", s.ReadCoil(0x00AC))
	}
}

func TestPoll_ExceptionOnAbsentRegister(t *testing.T) {
	req := frameWithCRC(0x11, 0x03, 0x00, 0x00, 0x00, 0x01)
	port := newLoopbackPort(req)
	l := link.New(port, 0x11, 0x11)
	s := New(l) // no registers configured: address 0 is absent

	fc, err := s.Poll(20 * time.Millisecond)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if fc != 0x83 {
		t.Fatalf("Poll returned %d, want 0x83", fc)
	}

	resp := port.out.Bytes()
	if len(resp) < 3 || resp[0] != 0x11 || resp[1] != 0x83 || resp[2] != ExIllegalDataValue {
		t.Fatalf("exception response = %X, want [11 83 03 ...]", resp)
	}
}

func TestPoll_AddressMismatchIsSilentDrop(t *testing.T) {
	req := frameWithCRC(0x12, 0x03, 0x00, 0x00, 0x00, 0x01)
	port := newLoopbackPort(req)
	l := link.New(port, 0x11, 0x11) // local address 0x11, request addressed to 0x12
	s := New(l)

	fc, err := s.Poll(20 * time.Millisecond)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if fc != -1 {
		t.Fatalf("Poll returned %d, want -1", fc)
	}
	if port.out.Len() != 0 {
		t.Fatalf("server wrote a response despite address mismatch: %X", port.out.Bytes())
	}
}

func TestPoll_RequestCarryingExceptionBitIsDropped(t *testing.T) {
	req := frameWithCRC(0x11, 0x83, 0x02)
	port := newLoopbackPort(req)
	l := link.New(port, 0x11, 0x11)
	s := New(l)

	fc, err := s.Poll(20 * time.Millisecond)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if fc != -1 {
		t.Fatalf("Poll returned %d, want -1", fc)
	}
	if port.out.Len() != 0 {
		t.Fatal("server responded to a request carrying the exception bit")
	}
}

func TestPoll_UnknownFunctionCodeIsIllegalFunction(t *testing.T) {
	req := frameWithCRC(0x11, 0x2B, 0x00)
	port := newLoopbackPort(req)
	l := link.New(port, 0x11, 0x11)
	s := New(l)

	fc, err := s.Poll(20 * time.Millisecond)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if fc != 0x2B+0x80 {
		t.Fatalf("Poll returned %d, want %d", fc, 0x2B+0x80)
	}
	resp := port.out.Bytes()
	if len(resp) < 3 || resp[2] != ExIllegalFunction {
		t.Fatalf("exception code = %v, want ExIllegalFunction", resp)
	}
}

func TestPoll_NoRequestReturnsNegativeOne(t *testing.T) {
	port := newLoopbackPort(nil)
	l := link.New(port, 0x11, 0x11)
	s := New(l)

	fc, err := s.Poll(5 * time.Millisecond)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if fc != -1 {
		t.Fatalf("Poll returned %d, want -1", fc)
	}
}

func TestWriteMultipleCoilsThenReadCoilsRoundTrip(t *testing.T) {
	// Packing law: write [1,0,1,1,0,0,0,0,1] via FC 0x0F then read back
	// via FC 0x01 returns the identical sequence.
	pattern := []byte{1, 0, 1, 1, 0, 0, 0, 0, 1}
	packedByte0 := byte(0)
	for i := 0; i < 8; i++ {
		if pattern[i] != 0 {
			packedByte0 |= 1 << uint(i)
		}
	}
	packedByte1 := pattern[8] // bit 0 of the second byte

	writeReq := frameWithCRC(0x11, 0x0F, 0x00, 0x00, 0x00, byte(len(pattern)), 0x02, packedByte0, packedByte1)
	port := newLoopbackPort(writeReq)
	l := link.New(port, 0x11, 0x11)
	s := New(l)
	if err := s.ConfigureCoils(0, len(pattern)); err != nil {
		t.Fatal(err)
	}

	fc, err := s.Poll(20 * time.Millisecond)
	if err != nil || fc != 0x0F {
		t.Fatalf("write Poll = (%d, %v), want (15, nil)", fc, err)
	}

	for i, want := range pattern {
		if got := s.ReadCoil(uint16(i)); got != int(want) {
			t.Fatalf("coil %d = %d, want %d", i, got, want)
		}
	}

	// Now read them back over the wire via FC 0x01.
	readReq := frameWithCRC(0x11, 0x01, 0x00, 0x00, 0x00, byte(len(pattern)))
	port2 := newLoopbackPort(readReq)
	l2 := link.New(port2, 0x11, 0x11)
	// Reuse the already-populated server but rebind its link for the
	// read transaction.
	s.link = l2

	fc, err = s.Poll(20 * time.Millisecond)
	if err != nil || fc != 0x01 {
		t.Fatalf("read Poll = (%d, %v), want (1, nil)", fc, err)
	}

	resp := port2.out.Bytes()
	byteCount := int(resp[2])
	packed := resp[3 : 3+byteCount]
	for i, want := range pattern {
		bit := (packed[i/8] >> uint(i%8)) & 1
		if bit != want {
			t.Fatalf("read-back bit %d = %d, want %d", i, bit, want)
		}
	}
}
