package modbus

import (
	"sync"
)

// MappingConfiguration describes the size of each of the four data tables a
// Mapping exposes. Any field left at zero simply yields an empty table for
// that kind of object.
type MappingConfiguration struct {
	NumCoils            uint16
	NumDiscreteInputs   uint16
	NumHoldingRegisters uint16
	NumInputRegisters   uint16
}

// Mapping is a ready-made RequestHandler backed by four fixed-size, in-memory
// tables (coils, discrete inputs, holding registers and input registers).
// It is meant as a drop-in handler for tests and simple servers that just
// need a flat address space to read from and write to, rather than a
// handler wired to real i/o.
type Mapping struct {
	lock sync.RWMutex

	coils             []bool
	discreteInputs    []bool
	holdingRegisters  []uint16
	inputRegisters    []uint16
}

// NewMapping allocates a Mapping with the table sizes given in conf.
func NewMapping(conf MappingConfiguration) (m *Mapping) {
	m = &Mapping{
		coils:            make([]bool, conf.NumCoils),
		discreteInputs:   make([]bool, conf.NumDiscreteInputs),
		holdingRegisters: make([]uint16, conf.NumHoldingRegisters),
		inputRegisters:   make([]uint16, conf.NumInputRegisters),
	}

	return
}

// SetCoils overwrites the coil table starting at addr 0 with values.
// Meant to seed a Mapping before serving it, not to be called concurrently
// with a running server.
func (m *Mapping) SetCoils(values []bool) {
	m.lock.Lock()
	defer m.lock.Unlock()

	copy(m.coils, values)

	return
}

// SetDiscreteInputs overwrites the discrete input table starting at addr 0.
func (m *Mapping) SetDiscreteInputs(values []bool) {
	m.lock.Lock()
	defer m.lock.Unlock()

	copy(m.discreteInputs, values)

	return
}

// SetHoldingRegisters overwrites the holding register table starting at addr 0.
func (m *Mapping) SetHoldingRegisters(values []uint16) {
	m.lock.Lock()
	defer m.lock.Unlock()

	copy(m.holdingRegisters, values)

	return
}

// SetInputRegisters overwrites the input register table starting at addr 0.
func (m *Mapping) SetInputRegisters(values []uint16) {
	m.lock.Lock()
	defer m.lock.Unlock()

	copy(m.inputRegisters, values)

	return
}

func (m *Mapping) HandleCoils(req *CoilsRequest) (res []bool, err error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if int(req.Addr)+int(req.Quantity) > len(m.coils) {
		err = ErrIllegalDataAddress
		return
	}

	if req.IsWrite {
		copy(m.coils[req.Addr:], req.Args)
		return
	}

	res = append(res, m.coils[req.Addr:req.Addr+req.Quantity]...)

	return
}

func (m *Mapping) HandleDiscreteInputs(req *DiscreteInputsRequest) (res []bool, err error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	if int(req.Addr)+int(req.Quantity) > len(m.discreteInputs) {
		err = ErrIllegalDataAddress
		return
	}

	res = append(res, m.discreteInputs[req.Addr:req.Addr+req.Quantity]...)

	return
}

func (m *Mapping) HandleHoldingRegisters(req *HoldingRegistersRequest) (res []uint16, err error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if int(req.Addr)+int(req.Quantity) > len(m.holdingRegisters) {
		err = ErrIllegalDataAddress
		return
	}

	if req.IsWrite {
		copy(m.holdingRegisters[req.Addr:], req.Args)
		return
	}

	res = append(res, m.holdingRegisters[req.Addr:req.Addr+req.Quantity]...)

	return
}

func (m *Mapping) HandleInputRegisters(req *InputRegistersRequest) (res []uint16, err error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	if int(req.Addr)+int(req.Quantity) > len(m.inputRegisters) {
		err = ErrIllegalDataAddress
		return
	}

	res = append(res, m.inputRegisters[req.Addr:req.Addr+req.Quantity]...)

	return
}
