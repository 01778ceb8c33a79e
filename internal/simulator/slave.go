// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package simulator

import (
	"encoding/binary"

	"github.com/ffutop/modbus-rtu-gw/modbus"
)

// Slave implements the Modbus protocol logic on top of a DataModel.
type Slave struct {
	model *DataModel
}

// NewSlave creates a new Slave.
func NewSlave(m *DataModel) *Slave {
	return &Slave{model: m}
}

// Model returns the data model behind the slave.
func (s *Slave) Model() *DataModel {
	return s.model
}

// Process executes the request against the data model and returns the
// response, an exception response when the request cannot be served.
func (s *Slave) Process(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	fc := req.FunctionCode
	switch fc {
	case modbus.FuncCodeReadCoils, modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeReadInputRegisters,
		modbus.FuncCodeWriteSingleCoil, modbus.FuncCodeWriteSingleRegister:
		if len(req.Data) != 4 {
			return modbus.NewExceptionPDU(fc, modbus.ErrIllegalDataValue)
		}
	case modbus.FuncCodeWriteMultipleCoils, modbus.FuncCodeWriteMultipleRegisters:
		if len(req.Data) < 6 || int(req.Data[4]) != len(req.Data)-5 {
			return modbus.NewExceptionPDU(fc, modbus.ErrIllegalDataValue)
		}
	default:
		return modbus.NewExceptionPDU(fc, modbus.ErrIllegalFunction)
	}

	address := binary.BigEndian.Uint16(req.Data[0:2])
	value := binary.BigEndian.Uint16(req.Data[2:4])

	var (
		data []byte
		err  error
	)
	switch fc {
	case modbus.FuncCodeReadCoils, modbus.FuncCodeReadDiscreteInputs:
		if value < 1 || value > modbus.MaxReadBits {
			return modbus.NewExceptionPDU(fc, modbus.ErrIllegalDataValue)
		}
		table := TableCoils
		if fc == modbus.FuncCodeReadDiscreteInputs {
			table = TableDiscreteInputs
		}
		data, err = s.model.ReadBits(table, address, value)
		data = append([]byte{byte(len(data))}, data...)
	case modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeReadInputRegisters:
		if value < 1 || value > modbus.MaxReadRegisters {
			return modbus.NewExceptionPDU(fc, modbus.ErrIllegalDataValue)
		}
		table := TableHoldingRegisters
		if fc == modbus.FuncCodeReadInputRegisters {
			table = TableInputRegisters
		}
		data, err = s.model.ReadRegisters(table, address, value)
		data = append([]byte{byte(len(data))}, data...)
	case modbus.FuncCodeWriteSingleCoil:
		if value != 0xFF00 && value != 0x0000 {
			return modbus.NewExceptionPDU(fc, modbus.ErrIllegalDataValue)
		}
		s.model.SetBit(TableCoils, address, value == 0xFF00)
		data = req.Data
	case modbus.FuncCodeWriteSingleRegister:
		s.model.SetRegister(TableHoldingRegisters, address, value)
		data = req.Data
	case modbus.FuncCodeWriteMultipleCoils:
		if value < 1 || value > 1968 {
			return modbus.NewExceptionPDU(fc, modbus.ErrIllegalDataValue)
		}
		err = s.model.WriteBits(address, value, req.Data[5:])
		data = req.Data[:4]
	case modbus.FuncCodeWriteMultipleRegisters:
		if value < 1 || value > 123 {
			return modbus.NewExceptionPDU(fc, modbus.ErrIllegalDataValue)
		}
		err = s.model.WriteRegisters(address, value, req.Data[5:])
		data = req.Data[:4]
	}
	if err != nil {
		code := modbus.AsError(err)
		if !code.IsException() {
			code = modbus.ErrServerDeviceFailure
		}
		return modbus.NewExceptionPDU(fc, code)
	}
	return modbus.ProtocolDataUnit{FunctionCode: fc, Data: append([]byte(nil), data...)}
}
