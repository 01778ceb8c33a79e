// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package simulator

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ffutop/modbus-rtu-gw/modbus"
)

const (
	MaxAddress = 65535
)

// TableType represents the type of Modbus data table.
type TableType int

const (
	TableCoils TableType = iota
	TableDiscreteInputs
	TableHoldingRegisters
	TableInputRegisters
)

// DataModel holds the data of a simulated slave.
// It uses a simple flat memory model covering the full 16-bit address space.
type DataModel struct {
	mu sync.RWMutex

	coils            []bool
	discreteInputs   []bool
	holdingRegisters []uint16
	inputRegisters   []uint16
}

// NewDataModel creates a new memory model initialized to zero.
func NewDataModel() *DataModel {
	return &DataModel{
		coils:            make([]bool, MaxAddress+1),
		discreteInputs:   make([]bool, MaxAddress+1),
		holdingRegisters: make([]uint16, MaxAddress+1),
		inputRegisters:   make([]uint16, MaxAddress+1),
	}
}

func (m *DataModel) bits(t TableType) []bool {
	if t == TableCoils {
		return m.coils
	}
	return m.discreteInputs
}

func (m *DataModel) registers(t TableType) []uint16 {
	if t == TableHoldingRegisters {
		return m.holdingRegisters
	}
	return m.inputRegisters
}

// SetBit sets a coil or discrete input.
func (m *DataModel) SetBit(t TableType, address uint16, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bits(t)[address] = on
}

// SetRegister sets a holding or input register.
func (m *DataModel) SetRegister(t TableType, address, value uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registers(t)[address] = value
}

// Register returns a holding or input register.
func (m *DataModel) Register(t TableType, address uint16) uint16 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.registers(t)[address]
}

// Bit returns a coil or discrete input.
func (m *DataModel) Bit(t TableType, address uint16) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bits(t)[address]
}

// ReadBits reads a range of coils or discrete inputs packed LSB first.
func (m *DataModel) ReadBits(t TableType, address, quantity uint16) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := validateRange(address, quantity); err != nil {
		return nil, err
	}
	bits := m.bits(t)
	result := make([]byte, (int(quantity)+7)/8)
	for i := 0; i < int(quantity); i++ {
		if bits[int(address)+i] {
			result[i/8] |= 1 << uint(i%8)
		}
	}
	return result, nil
}

// WriteBits writes a range of coils from packed bytes.
func (m *DataModel) WriteBits(address, quantity uint16, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := validateRange(address, quantity); err != nil {
		return err
	}
	if len(data) < (int(quantity)+7)/8 {
		return fmt.Errorf("insufficient data length: %w", modbus.ErrIllegalDataValue)
	}
	for i := 0; i < int(quantity); i++ {
		m.coils[int(address)+i] = (data[i/8]>>uint(i%8))&1 == 1
	}
	return nil
}

// ReadRegisters reads a range of holding or input registers as big endian bytes.
func (m *DataModel) ReadRegisters(t TableType, address, quantity uint16) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := validateRange(address, quantity); err != nil {
		return nil, err
	}
	regs := m.registers(t)
	result := make([]byte, 0, int(quantity)*2)
	for i := 0; i < int(quantity); i++ {
		result = binary.BigEndian.AppendUint16(result, regs[int(address)+i])
	}
	return result, nil
}

// WriteRegisters writes a range of holding registers from big endian bytes.
func (m *DataModel) WriteRegisters(address, quantity uint16, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := validateRange(address, quantity); err != nil {
		return err
	}
	if len(data) < int(quantity)*2 {
		return fmt.Errorf("insufficient data length: %w", modbus.ErrIllegalDataValue)
	}
	for i := 0; i < int(quantity); i++ {
		m.holdingRegisters[int(address)+i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return nil
}

func validateRange(address, quantity uint16) error {
	if quantity == 0 {
		return fmt.Errorf("quantity must be greater than 0: %w", modbus.ErrIllegalDataValue)
	}
	// address is 0-based.
	if int(address)+int(quantity) > MaxAddress+1 {
		return fmt.Errorf("address range out of bounds: %w", modbus.ErrIllegalDataAddress)
	}
	return nil
}
