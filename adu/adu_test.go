// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package adu

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func buildReadHolding(t *testing.T, addr, fc byte, startAddr, quantity uint16) *ADU {
	t.Helper()
	a := &ADU{}
	a.SetDeviceAddress(addr)
	if err := a.SetFunctionCode(fc); err != nil {
		t.Fatalf("SetFunctionCode: %v", err)
	}
	if err := a.AddWord(startAddr); err != nil {
		t.Fatalf("AddWord(start): %v", err)
	}
	if err := a.AddWord(quantity); err != nil {
		t.Fatalf("AddWord(quantity): %v", err)
	}
	if _, err := a.SetCRC(); err != nil {
		t.Fatalf("SetCRC: %v", err)
	}
	return a
}

func TestReadHoldingRequestWireBytes(t *testing.T) {
	a := buildReadHolding(t, 0x11, 0x03, 0x006B, 0x0002)

	want := []byte{0x11, 0x03, 0x00, 0x6B, 0x00, 0x02, 0xB7, 0x47}
	if diff := cmp.Diff(want, a.RawBytes()); diff != "" {
		t.Fatalf("wire bytes mismatch (-want +got):\n%s", diff)
	}
	if !a.CheckCRC() {
		t.Fatal("CheckCRC() = false for a freshly built frame")
	}
}

func TestCRCRoundTrip(t *testing.T) {
	a := buildReadHolding(t, 0x01, 0x03, 0x0000, 0x0001)
	if !a.CheckCRC() {
		t.Fatal("CheckCRC() = false")
	}
	stored := a.GetCRCLE()
	if got := a.CalculateCRC(true); got != stored {
		t.Fatalf("CalculateCRC(true) = %04X, want stored CRC %04X", got, stored)
	}
}

func TestByteOrderLaw(t *testing.T) {
	a := &ADU{}
	a.SetDeviceAddress(0x01)
	if err := a.SetFunctionCode(0x10); err != nil {
		t.Fatal(err)
	}
	if err := a.AddWord(0xABCD); err != nil {
		t.Fatal(err)
	}
	idx := a.Length() - 2
	if got := a.GetWord(idx); got != 0xABCD {
		t.Fatalf("GetWord(%d) = %04X, want ABCD", idx, got)
	}
	if a.GetByte(idx) != 0xAB || a.GetByte(idx+1) != 0xCD {
		t.Fatalf("buffer bytes = {%02X, %02X}, want {AB, CD}", a.GetByte(idx), a.GetByte(idx+1))
	}
}

func TestSetExceptionIdempotence(t *testing.T) {
	a := &ADU{}
	a.SetDeviceAddress(0x01)
	if err := a.SetFunctionCode(0x03); err != nil {
		t.Fatal(err)
	}
	if err := a.SetException(); err != nil {
		t.Fatalf("SetException on a plain code: %v", err)
	}
	if a.GetFunctionCode() != 0x83 {
		t.Fatalf("function code = %02X, want 83", a.GetFunctionCode())
	}
	if err := a.SetException(); err == nil {
		t.Fatal("SetException a second time: want ErrPreconditionViolated, got nil")
	}
}

func TestSetFunctionCodeRejectsExceptionRange(t *testing.T) {
	a := &ADU{}
	if err := a.SetFunctionCode(0x80); err == nil {
		t.Fatal("SetFunctionCode(0x80): want error, got nil")
	}
}

func TestSetDeviceAddressThenFunctionCodeAdvancesLengthOnce(t *testing.T) {
	a := &ADU{}
	a.SetDeviceAddress(0x11)
	if a.Length() != 1 {
		t.Fatalf("length after SetDeviceAddress = %d, want 1", a.Length())
	}
	if err := a.SetFunctionCode(0x03); err != nil {
		t.Fatal(err)
	}
	if a.Length() != 2 {
		t.Fatalf("length after SetFunctionCode = %d, want 2", a.Length())
	}
	// A second SetDeviceAddress must not advance length again.
	a.SetDeviceAddress(0x12)
	if a.Length() != 2 {
		t.Fatalf("length after second SetDeviceAddress = %d, want 2", a.Length())
	}
}

func TestSetExceptionCodeRequiresLengthTwo(t *testing.T) {
	a := &ADU{}
	a.SetDeviceAddress(0x11)
	if err := a.SetFunctionCode(0x03); err != nil {
		t.Fatal(err)
	}
	if err := a.SetExceptionCode(0x02); err != nil {
		t.Fatalf("SetExceptionCode: %v", err)
	}
	if a.Length() != 3 {
		t.Fatalf("length = %d, want 3", a.Length())
	}
	if a.GetByte(2) != 0x02 {
		t.Fatalf("data[0] = %02X, want 02", a.GetByte(2))
	}
}

func TestOutOfRangeReadsReturnZero(t *testing.T) {
	a := &ADU{}
	if a.GetByte(-1) != 0 || a.GetByte(Capacity) != 0 {
		t.Fatal("GetByte out of range did not return 0")
	}
	if a.GetWord(Capacity - 1) != 0 {
		t.Fatal("GetWord out of range did not return 0")
	}
}

func TestClearDoesNotChangeLength(t *testing.T) {
	a := buildReadHolding(t, 0x11, 0x03, 0x006B, 0x0002)
	length := a.Length()
	if err := a.Clear(0, 4); err != nil {
		t.Fatal(err)
	}
	if a.Length() != length {
		t.Fatalf("Clear changed length: %d -> %d", length, a.Length())
	}
	if a.GetByte(0) != 0 {
		t.Fatal("Clear did not zero byte 0")
	}
}

func TestClearRejectsOutOfBounds(t *testing.T) {
	a := &ADU{}
	if err := a.Clear(200, 100); err == nil {
		t.Fatal("Clear(200, 100): want ErrBufferOverflow, got nil")
	}
}

func TestAddRejectsOverflow(t *testing.T) {
	a := &ADU{}
	big := make([]byte, Capacity+1)
	if err := a.AddBytes(big); err == nil {
		t.Fatal("AddBytes beyond capacity: want error, got nil")
	}
}
