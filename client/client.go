// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package client implements the Modbus RTU initiator: request building,
// the send/receive transaction, and response decoding into caller-owned
// output slices.
package client

import (
	"errors"
	"log/slog"
	"time"

	"github.com/modbus-edge/rtu-engine/adu"
	"github.com/modbus-edge/rtu-engine/link"
)

// DefaultReceiveTimeout is the timeout applied to the receive half of a
// transaction unless overridden with SetReceiveTimeout.
const DefaultReceiveTimeout = 1000 * time.Millisecond

// Function codes, mirroring the server package's tagged enumeration.
const (
	fcReadCoils              = 0x01
	fcReadDiscreteInputs     = 0x02
	fcReadHoldingRegisters   = 0x03
	fcReadInputRegisters     = 0x04
	fcWriteSingleCoil        = 0x05
	fcWriteSingleRegister    = 0x06
	fcWriteMultipleCoils     = 0x0F
	fcWriteMultipleRegisters = 0x10
)

// Client drives Modbus RTU transactions against a single remote server
// address over a Link.
type Client struct {
	link           *link.Link
	receiveTimeout time.Duration
}

// errEchoMismatch is returned from a multi-write decode step when the
// response's echoed starting address or quantity does not match the
// request that was sent.
var errEchoMismatch = errors.New("client: response echoed a different address or quantity")

// New creates a Client bound to l. The remote server address defaults to
// l.RemoteDeviceAddress; use SetServerAddress to change it without
// rebuilding the Link.
func New(l *link.Link) *Client {
	return &Client{
		link:           l,
		receiveTimeout: DefaultReceiveTimeout,
	}
}

// SetServerAddress changes which device subsequent transactions address.
func (c *Client) SetServerAddress(addr byte) {
	c.link.RemoteDeviceAddress = addr
}

// SetReceiveTimeout overrides the default 1000ms receive window.
func (c *Client) SetReceiveTimeout(d time.Duration) {
	c.receiveTimeout = d
}

// transact runs the shared build/send/receive/validate skeleton. build
// populates the request's data payload (address, function code, and CRC
// are added by transact itself); decode is called with the validated
// response only when its function code matches the request's. transact
// returns the original function code on success, the exception code on
// an exception response, or -1 on any transport/address/CRC failure.
func (c *Client) transact(fc byte, build func(req *adu.ADU) error, decode func(resp *adu.ADU) error) (int, error) {
	var req adu.ADU
	req.SetDeviceAddress(c.link.RemoteDeviceAddress)
	if err := req.SetFunctionCode(fc); err != nil {
		return -1, err
	}
	if build != nil {
		if err := build(&req); err != nil {
			return -1, err
		}
	}
	if _, err := req.SetCRC(); err != nil {
		return -1, err
	}
	req.SetKind(adu.KindRequest)

	if _, err := c.link.Send(&req); err != nil {
		return -1, nil
	}

	var resp adu.ADU
	if _, err := c.link.Receive(&resp, c.receiveTimeout); err != nil {
		slog.Debug("client: receive failed", "function_code", fc, "err", err)
		return -1, nil
	}

	if resp.GetDeviceAddress() != c.link.RemoteDeviceAddress {
		return -1, nil
	}

	switch {
	case resp.GetFunctionCode() == fc:
		resp.SetKind(adu.KindResponse)
		if decode != nil {
			if err := decode(&resp); err != nil {
				return -1, err
			}
		}
		return int(fc), nil
	case resp.GetFunctionCode() >= 0x80:
		resp.SetKind(adu.KindException)
		return int(resp.GetByte(2)), nil
	default:
		return -1, nil
	}
}

// ReadCoil reads count coils starting at addr into out (which must have
// length >= count).
func (c *Client) ReadCoil(addr uint16, count int, out []byte) (int, error) {
	return c.readBits(fcReadCoils, addr, count, out)
}

// ReadDiscreteInput reads count discrete inputs starting at addr into out.
func (c *Client) ReadDiscreteInput(addr uint16, count int, out []byte) (int, error) {
	return c.readBits(fcReadDiscreteInputs, addr, count, out)
}

func (c *Client) readBits(fc byte, addr uint16, count int, out []byte) (int, error) {
	return c.transact(fc,
		func(req *adu.ADU) error {
			if err := req.AddWord(addr); err != nil {
				return err
			}
			return req.AddWord(uint16(count))
		},
		func(resp *adu.ADU) error {
			// ADU index 2 is the PDU byte count; packed coil bytes start
			// at ADU index 3, one byte per 8 coils.
			for i := 0; i < count && i < len(out); i++ {
				b := resp.GetByte(3 + i/8)
				out[i] = (b >> uint(i%8)) & 1
			}
			return nil
		},
	)
}

// ReadHoldingRegister reads count holding registers starting at addr into out.
func (c *Client) ReadHoldingRegister(addr uint16, count int, out []uint16) (int, error) {
	return c.readWords(fcReadHoldingRegisters, addr, count, out)
}

// ReadInputRegister reads count input registers starting at addr into out.
func (c *Client) ReadInputRegister(addr uint16, count int, out []uint16) (int, error) {
	return c.readWords(fcReadInputRegisters, addr, count, out)
}

func (c *Client) readWords(fc byte, addr uint16, count int, out []uint16) (int, error) {
	return c.transact(fc,
		func(req *adu.ADU) error {
			if err := req.AddWord(addr); err != nil {
				return err
			}
			return req.AddWord(uint16(count))
		},
		func(resp *adu.ADU) error {
			// data[0] is the byte count; registers start at data[1],
			// i.e. ADU index 3 (index 2 is the byte count byte).
			for i := 0; i < count && i < len(out); i++ {
				out[i] = resp.GetWord(3 + i*2)
			}
			return nil
		},
	)
}

// WriteCoil writes a single coil. value is encoded as 0x0000 when 0,
// 0xFF00 otherwise.
func (c *Client) WriteCoil(addr uint16, value byte) (int, error) {
	wire := uint16(0x0000)
	if value != 0 {
		wire = 0xFF00
	}
	return c.transact(fcWriteSingleCoil, func(req *adu.ADU) error {
		if err := req.AddWord(addr); err != nil {
			return err
		}
		return req.AddWord(wire)
	}, nil)
}

// WriteHoldingRegister writes a single holding register.
func (c *Client) WriteHoldingRegister(addr uint16, value uint16) (int, error) {
	return c.transact(fcWriteSingleRegister, func(req *adu.ADU) error {
		if err := req.AddWord(addr); err != nil {
			return err
		}
		return req.AddWord(value)
	}, nil)
}

// WriteCoils writes count coils starting at addr from in (0/1 values,
// length >= count), via FC 0x0F. Success additionally requires the
// echoed (address, quantity) to match the request.
func (c *Client) WriteCoils(addr uint16, count int, in []byte) (int, error) {
	byteCount := (count + 7) / 8
	packed := make([]byte, byteCount)
	for i := 0; i < count; i++ {
		if in[i] != 0 {
			packed[i/8] |= 1 << uint(i%8)
		}
	}

	return c.transact(fcWriteMultipleCoils, func(req *adu.ADU) error {
		if err := req.AddWord(addr); err != nil {
			return err
		}
		if err := req.AddWord(uint16(count)); err != nil {
			return err
		}
		if err := req.AddByte(byte(byteCount)); err != nil {
			return err
		}
		return req.AddBytes(packed)
	}, func(resp *adu.ADU) error {
		if resp.GetStartingAddress() != addr || int(resp.GetQuantity()) != count {
			return errEchoMismatch
		}
		return nil
	})
}

// WriteHoldingRegisters writes count holding registers starting at addr
// from in, via FC 0x10. Success additionally requires the echoed
// (address, quantity) to match the request.
func (c *Client) WriteHoldingRegisters(addr uint16, count int, in []uint16) (int, error) {
	return c.transact(fcWriteMultipleRegisters, func(req *adu.ADU) error {
		if err := req.AddWord(addr); err != nil {
			return err
		}
		if err := req.AddWord(uint16(count)); err != nil {
			return err
		}
		if err := req.AddByte(byte(count * 2)); err != nil {
			return err
		}
		return req.AddWords(in[:count])
	}, func(resp *adu.ADU) error {
		if resp.GetStartingAddress() != addr || int(resp.GetQuantity()) != count {
			return errEchoMismatch
		}
		return nil
	})
}
