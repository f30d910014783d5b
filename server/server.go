// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package server implements the Modbus RTU responder: register tables,
// the one-shot poll dispatch loop, and per-function-code validation and
// exception generation.
package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/modbus-edge/rtu-engine/adu"
	"github.com/modbus-edge/rtu-engine/link"
)

// FunctionCode is a tagged enumeration of the function codes this engine
// understands, replacing open-ended dynamic dispatch with an exhaustive
// switch and an explicit catch-all.
type FunctionCode byte

const (
	FCReadCoils              FunctionCode = 0x01
	FCReadDiscreteInputs     FunctionCode = 0x02
	FCReadHoldingRegisters   FunctionCode = 0x03
	FCReadInputRegisters     FunctionCode = 0x04
	FCWriteSingleCoil        FunctionCode = 0x05
	FCWriteSingleRegister    FunctionCode = 0x06
	FCWriteMultipleCoils     FunctionCode = 0x0F
	FCWriteMultipleRegisters FunctionCode = 0x10
)

// Exception codes, as placed in data[0] of an exception response.
const (
	ExIllegalFunction     byte = 0x01
	ExIllegalDataAddress  byte = 0x02
	ExIllegalDataValue    byte = 0x03
	ExServerDeviceFailure byte = 0x04
)

const (
	maxReadBitQuantity   = 0x07D0
	maxReadWordQuantity  = 0x007D
	maxWriteBitQuantity  = 0x07B0
	maxWriteWordQuantity = 0x007B
)

// Kind names a register table, used by the optional Snapshotter hook.
type Kind int

const (
	KindCoils Kind = iota
	KindDiscreteInputs
	KindHoldingRegisters
	KindInputRegisters
)

// Entry is one (address, value) pair as exchanged with a Snapshotter.
type Entry struct {
	Address uint16
	Value   uint16
}

// Tables is the full register state a Snapshotter loads at startup or
// hands back for inspection, one entry slice per Kind.
type Tables struct {
	Coils            []Entry
	DiscreteInputs   []Entry
	HoldingRegisters []Entry
	InputRegisters   []Entry
}

// Snapshotter is an optional persistence collaborator. Load seeds a
// Server's tables at construction time; returning (nil, nil) leaves the
// tables empty (the caller is expected to Configure them normally).
// OnWrite is called synchronously after every successful write-class
// dispatch, before the response is sent, so a crash between write and
// response at worst causes the client to retry a write the server already
// durably applied.
type Snapshotter interface {
	Load() (*Tables, error)
	OnWrite(kind Kind, address uint16, quantity uint16)

	// Save persists the full table state in one call. Called on graceful
	// shutdown; OnWrite already keeps a durable backend current, so Save
	// is a belt-and-suspenders flush rather than the primary write path.
	Save(*Tables) error
}

type noopSnapshotter struct{}

func (noopSnapshotter) Load() (*Tables, error)       { return nil, nil }
func (noopSnapshotter) OnWrite(Kind, uint16, uint16) {}
func (noopSnapshotter) Save(*Tables) error           { return nil }

// SourceBinder is an optional capability a Snapshotter implements when it
// needs to read a table's current values on OnWrite: OnWrite itself only
// reports which addresses changed, not their new contents. BindSource is
// called once, when the Snapshotter is attached.
type SourceBinder interface {
	BindSource(read func(kind Kind, address uint16) (uint16, bool))
}

// Server holds the four Modbus data tables and dispatches one
// request/response cycle per call to Poll.
type Server struct {
	mu sync.Mutex

	coils            *table
	discreteInputs   *table
	holdingRegisters *table
	inputRegisters   *table

	link        *link.Link
	snapshotter Snapshotter
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithTableCapacity overrides the default per-kind table capacity (100).
func WithTableCapacity(capacity int) Option {
	return func(s *Server) {
		s.coils = newTable(capacity)
		s.discreteInputs = newTable(capacity)
		s.holdingRegisters = newTable(capacity)
		s.inputRegisters = newTable(capacity)
	}
}

// WithSnapshotter attaches a persistence collaborator. If snap also
// implements SourceBinder, it is bound to this Server's tables so its
// OnWrite hook can look up the values that just changed.
func WithSnapshotter(snap Snapshotter) Option {
	return func(s *Server) {
		s.snapshotter = snap
		if sb, ok := snap.(SourceBinder); ok {
			sb.BindSource(s.readForSnapshot)
		}
	}
}

func (s *Server) readForSnapshot(kind Kind, address uint16) (uint16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case KindCoils:
		return s.coils.read(address)
	case KindDiscreteInputs:
		return s.discreteInputs.read(address)
	case KindHoldingRegisters:
		return s.holdingRegisters.read(address)
	case KindInputRegisters:
		return s.inputRegisters.read(address)
	default:
		return 0, false
	}
}

// New creates a Server bound to l, acting as the node at l.LocalDeviceAddress.
// If opts attach a Snapshotter, its Load result seeds the tables before
// New returns.
func New(l *link.Link, opts ...Option) *Server {
	s := &Server{
		coils:            newTable(DefaultTableCapacity),
		discreteInputs:   newTable(DefaultTableCapacity),
		holdingRegisters: newTable(DefaultTableCapacity),
		inputRegisters:   newTable(DefaultTableCapacity),
		link:             l,
		snapshotter:      noopSnapshotter{},
	}
	for _, opt := range opts {
		opt(s)
	}

	loaded, err := s.snapshotter.Load()
	if err != nil {
		slog.Error("server: snapshotter load failed, starting with empty tables", "err", err)
		return s
	}
	if loaded == nil {
		return s
	}
	seedTable(s.coils, loaded.Coils)
	seedTable(s.discreteInputs, loaded.DiscreteInputs)
	seedTable(s.holdingRegisters, loaded.HoldingRegisters)
	seedTable(s.inputRegisters, loaded.InputRegisters)
	return s
}

func seedTable(t *table, entries []Entry) {
	converted := make([]entry, len(entries))
	for i, e := range entries {
		converted[i] = entry{address: e.Address, value: e.Value}
	}
	if err := t.seed(converted); err != nil {
		slog.Error("server: snapshotter returned more entries than table capacity", "err", err)
	}
}

// ConfigureCoils appends count coils starting at start, each initialized
// to 0. Repeated calls append, enabling non-contiguous address sets.
func (s *Server) ConfigureCoils(start uint16, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coils.configure(start, count)
}

// ConfigureDiscreteInputs is the discrete-input analogue of ConfigureCoils.
func (s *Server) ConfigureDiscreteInputs(start uint16, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discreteInputs.configure(start, count)
}

// ConfigureHoldingRegisters is the holding-register analogue of ConfigureCoils.
func (s *Server) ConfigureHoldingRegisters(start uint16, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holdingRegisters.configure(start, count)
}

// ConfigureInputRegisters is the input-register analogue of ConfigureCoils.
func (s *Server) ConfigureInputRegisters(start uint16, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputRegisters.configure(start, count)
}

// ReadCoil returns the coil value at addr, or -1 if absent.
func (s *Server) ReadCoil(addr uint16) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.coils.read(addr)
	if !ok {
		return -1
	}
	return int(v)
}

// ReadDiscreteInput returns the discrete input value at addr, or -1 if absent.
func (s *Server) ReadDiscreteInput(addr uint16) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.discreteInputs.read(addr)
	if !ok {
		return -1
	}
	return int(v)
}

// ReadHoldingRegister returns the holding register value at addr, or -1
// if absent.
func (s *Server) ReadHoldingRegister(addr uint16) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.holdingRegisters.read(addr)
	if !ok {
		return -1
	}
	return int(v)
}

// ReadInputRegister returns the input register value at addr, or -1 if absent.
func (s *Server) ReadInputRegister(addr uint16) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.inputRegisters.read(addr)
	if !ok {
		return -1
	}
	return int(v)
}

// WriteHoldingRegister sets the holding register at addr. It reports
// whether addr was present.
func (s *Server) WriteHoldingRegister(addr uint16, value uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holdingRegisters.write(addr, value)
}

// Save asks the attached Snapshotter to persist the full current table
// state. It is a no-op if no Snapshotter was configured.
func (s *Server) Save() error {
	s.mu.Lock()
	tables := &Tables{
		Coils:            toEntries(s.coils.snapshot()),
		DiscreteInputs:   toEntries(s.discreteInputs.snapshot()),
		HoldingRegisters: toEntries(s.holdingRegisters.snapshot()),
		InputRegisters:   toEntries(s.inputRegisters.snapshot()),
	}
	s.mu.Unlock()
	return s.snapshotter.Save(tables)
}

func toEntries(entries []entry) []Entry {
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i] = Entry{Address: e.address, Value: e.value}
	}
	return out
}

// Poll handles exactly one receive/dispatch/respond transaction. It
// returns the original function code on success, the exception code
// (with the high bit set, i.e. originalFC+0x80) if an exception was
// sent, or -1 if the request was dropped or a transport failure
// occurred. err is non-nil only for underlying I/O failures; a silent
// drop (wrong address, request carrying the exception bit) returns
// (-1, nil).
func (s *Server) Poll(timeout time.Duration) (int, error) {
	var request adu.ADU
	if _, err := s.link.Receive(&request, timeout); err != nil {
		return -1, nil
	}

	if request.GetDeviceAddress() != s.link.LocalDeviceAddress {
		return -1, nil
	}
	if request.GetFunctionCode() >= 0x80 {
		// A server must never receive an exception frame.
		return -1, nil
	}

	fc := FunctionCode(request.GetFunctionCode())
	switch fc {
	case FCReadCoils:
		return s.dispatchReadBits(&request, fc, s.coils, maxReadBitQuantity)
	case FCReadDiscreteInputs:
		return s.dispatchReadBits(&request, fc, s.discreteInputs, maxReadBitQuantity)
	case FCReadHoldingRegisters:
		return s.dispatchReadWords(&request, fc, s.holdingRegisters, maxReadWordQuantity)
	case FCReadInputRegisters:
		return s.dispatchReadWords(&request, fc, s.inputRegisters, maxReadWordQuantity)
	case FCWriteSingleCoil:
		return s.dispatchWriteSingleCoil(&request)
	case FCWriteSingleRegister:
		return s.dispatchWriteSingleRegister(&request)
	case FCWriteMultipleCoils:
		return s.dispatchWriteMultipleCoils(&request)
	case FCWriteMultipleRegisters:
		return s.dispatchWriteMultipleRegisters(&request)
	default:
		_, err := s.sendException(request.GetDeviceAddress(), request.GetFunctionCode(), ExIllegalFunction)
		if err != nil {
			return -1, err
		}
		return int(request.GetFunctionCode()) + 0x80, nil
	}
}

func (s *Server) dispatchReadBits(request *adu.ADU, fc FunctionCode, t *table, maxQuantity uint16) (int, error) {
	addr := request.GetDeviceAddress()
	startAddr := request.GetStartingAddress()
	quantity := request.GetQuantity()

	s.mu.Lock()
	present := t.isPresent(startAddr, int(quantity))
	s.mu.Unlock()

	if quantity > maxQuantity || !present {
		return s.exceptionReturn(addr, byte(fc), ExIllegalDataValue)
	}

	byteCount := (int(quantity) + 7) / 8
	packed := make([]byte, byteCount)

	s.mu.Lock()
	for i := 0; i < int(quantity); i++ {
		v, _ := t.read(startAddr + uint16(i))
		if v != 0 {
			packed[i/8] |= 1 << uint(i%8)
		}
	}
	s.mu.Unlock()

	var resp adu.ADU
	resp.SetDeviceAddress(addr)
	if err := resp.SetFunctionCode(byte(fc)); err != nil {
		return -1, err
	}
	if err := resp.AddByte(byte(byteCount)); err != nil {
		return -1, err
	}
	if err := resp.AddBytes(packed); err != nil {
		return -1, err
	}
	return s.finishResponse(&resp, byte(fc))
}

func (s *Server) dispatchReadWords(request *adu.ADU, fc FunctionCode, t *table, maxQuantity uint16) (int, error) {
	addr := request.GetDeviceAddress()
	startAddr := request.GetStartingAddress()
	quantity := request.GetQuantity()

	s.mu.Lock()
	present := t.isPresent(startAddr, int(quantity))
	s.mu.Unlock()

	if quantity > maxQuantity || !present {
		return s.exceptionReturn(addr, byte(fc), ExIllegalDataValue)
	}

	var resp adu.ADU
	resp.SetDeviceAddress(addr)
	if err := resp.SetFunctionCode(byte(fc)); err != nil {
		return -1, err
	}
	if err := resp.AddByte(byte(quantity * 2)); err != nil {
		return -1, err
	}

	s.mu.Lock()
	words := make([]uint16, quantity)
	for i := 0; i < int(quantity); i++ {
		words[i], _ = t.read(startAddr + uint16(i))
	}
	s.mu.Unlock()

	if err := resp.AddWords(words); err != nil {
		return -1, err
	}
	return s.finishResponse(&resp, byte(fc))
}

func (s *Server) dispatchWriteSingleCoil(request *adu.ADU) (int, error) {
	addr := request.GetDeviceAddress()
	startAddr := request.GetStartingAddress()
	value := request.GetWord(4)

	coilValue := uint16(0)
	if value != 0x0000 {
		coilValue = 1
	}

	s.mu.Lock()
	ok := s.coils.write(startAddr, coilValue)
	s.mu.Unlock()
	if !ok {
		return s.exceptionReturn(addr, byte(FCWriteSingleCoil), ExIllegalDataAddress)
	}
	s.snapshotter.OnWrite(KindCoils, startAddr, 1)

	return s.mirrorResponse(request, byte(FCWriteSingleCoil))
}

func (s *Server) dispatchWriteSingleRegister(request *adu.ADU) (int, error) {
	addr := request.GetDeviceAddress()
	startAddr := request.GetStartingAddress()
	value := request.GetWord(4)

	s.mu.Lock()
	ok := s.holdingRegisters.write(startAddr, value)
	s.mu.Unlock()
	if !ok {
		return s.exceptionReturn(addr, byte(FCWriteSingleRegister), ExIllegalDataAddress)
	}
	s.snapshotter.OnWrite(KindHoldingRegisters, startAddr, 1)

	return s.mirrorResponse(request, byte(FCWriteSingleRegister))
}

func (s *Server) dispatchWriteMultipleCoils(request *adu.ADU) (int, error) {
	addr := request.GetDeviceAddress()
	startAddr := request.GetStartingAddress()
	quantity := request.GetQuantity()

	s.mu.Lock()
	present := s.coils.isPresent(startAddr, int(quantity))
	s.mu.Unlock()

	if quantity > maxWriteBitQuantity || !present {
		return s.exceptionReturn(addr, byte(FCWriteMultipleCoils), ExIllegalDataAddress)
	}

	// Byte count lives at ADU index 6 (request.GetByte(6)); packed bits
	// follow at index 7.
	values := make([]uint16, quantity)
	for i := 0; i < int(quantity); i++ {
		byteIdx := 7 + i/8
		bitIdx := uint(i % 8)
		if (request.GetByte(byteIdx)>>bitIdx)&1 != 0 {
			values[i] = 1
		}
	}

	s.mu.Lock()
	s.coils.writeRange(startAddr, values)
	s.mu.Unlock()
	s.snapshotter.OnWrite(KindCoils, startAddr, quantity)

	return s.echoAddressQuantity(addr, byte(FCWriteMultipleCoils), startAddr, quantity)
}

func (s *Server) dispatchWriteMultipleRegisters(request *adu.ADU) (int, error) {
	addr := request.GetDeviceAddress()
	startAddr := request.GetStartingAddress()
	quantity := request.GetQuantity()

	s.mu.Lock()
	present := s.holdingRegisters.isPresent(startAddr, int(quantity))
	s.mu.Unlock()

	if quantity > maxWriteWordQuantity || !present {
		return s.exceptionReturn(addr, byte(FCWriteMultipleRegisters), ExIllegalDataAddress)
	}

	values := make([]uint16, quantity)
	for i := 0; i < int(quantity); i++ {
		values[i] = request.GetWord(7 + i*2)
	}

	s.mu.Lock()
	s.holdingRegisters.writeRange(startAddr, values)
	s.mu.Unlock()
	s.snapshotter.OnWrite(KindHoldingRegisters, startAddr, quantity)

	return s.echoAddressQuantity(addr, byte(FCWriteMultipleRegisters), startAddr, quantity)
}

// mirrorResponse builds the response for FC 0x05/0x06: byte-for-byte
// identical to the request, CRC included, since the echoed bytes already
// carry a valid CRC.
func (s *Server) mirrorResponse(request *adu.ADU, fc byte) (int, error) {
	var resp adu.ADU
	if err := resp.SetRawBytes(request.RawBytes()); err != nil {
		return -1, err
	}
	if _, err := s.link.Send(&resp); err != nil {
		return -1, err
	}
	return int(fc), nil
}

func (s *Server) echoAddressQuantity(deviceAddr, fc byte, startAddr, quantity uint16) (int, error) {
	var resp adu.ADU
	resp.SetDeviceAddress(deviceAddr)
	if err := resp.SetFunctionCode(fc); err != nil {
		return -1, err
	}
	if err := resp.AddWord(startAddr); err != nil {
		return -1, err
	}
	if err := resp.AddWord(quantity); err != nil {
		return -1, err
	}
	return s.finishResponse(&resp, fc)
}

func (s *Server) finishResponse(resp *adu.ADU, fc byte) (int, error) {
	if _, err := resp.SetCRC(); err != nil {
		return -1, err
	}
	if _, err := s.link.Send(resp); err != nil {
		return -1, err
	}
	return int(fc), nil
}

func (s *Server) exceptionReturn(deviceAddr, fc, ec byte) (int, error) {
	_, err := s.sendException(deviceAddr, fc, ec)
	if err != nil {
		return -1, err
	}
	return int(fc) + 0x80, nil
}

// sendException builds an exception response from scratch: address,
// original function code, SetException, SetExceptionCode, SetCRC, send.
func (s *Server) sendException(deviceAddr, originalFC, ec byte) (int, error) {
	var resp adu.ADU
	resp.SetDeviceAddress(deviceAddr)
	if err := resp.SetFunctionCode(originalFC); err != nil {
		return -1, err
	}
	if err := resp.SetException(); err != nil {
		return -1, err
	}
	if err := resp.SetExceptionCode(ec); err != nil {
		return -1, err
	}
	if _, err := resp.SetCRC(); err != nil {
		return -1, err
	}
	resp.SetKind(adu.KindException)
	if _, err := s.link.Send(&resp); err != nil {
		return -1, err
	}
	slog.Debug("server: sent exception", "function_code", originalFC, "exception_code", ec)
	return int(originalFC) + 0x80, nil
}
